package emit

// Event names emitted by the executor.
const (
	MsgRunStart        = "run_start"
	MsgNodeStart       = "node_start"
	MsgNodeEnd         = "node_end"
	MsgNodeError       = "node_error"
	MsgCheckpointSaved = "checkpoint_saved"
	MsgInterrupt       = "interrupt"
	MsgResume          = "resume"
	MsgRunComplete     = "run_complete"
)

// Event represents an observability event emitted while a thread executes.
//
// Events are emitted to an Emitter which can:
//   - Log through zap
//   - Record OpenTelemetry spans
//   - Buffer in memory for tests and inspection
type Event struct {
	// ThreadID identifies the thread that emitted this event.
	ThreadID string

	// Step is the superstep number. The input checkpoint is step -1.
	Step int

	// NodeID identifies which node emitted this event.
	// Empty string for thread-level events (run_start, run_complete, checkpoint_saved).
	NodeID string

	// Msg is one of the Msg* event names.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "checkpoint_id": Checkpoint identifier
	//   - "latency_ms": Node execution duration in milliseconds
	//   - "error": Error details
	//   - "interrupt_id": Interrupt identifier
	//   - "status": Final run status
	Meta map[string]any
}
