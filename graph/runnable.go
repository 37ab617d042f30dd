package graph

import (
	"context"
	"errors"
	"iter"
	"sort"

	"github.com/dshills/stepgraph/graph/emit"
	"github.com/dshills/stepgraph/graph/store"
)

// Status is the outcome of a run.
type Status string

const (
	// StatusCompleted means every branch reached End.
	StatusCompleted Status = "completed"

	// StatusSuspended means at least one task is waiting for a decision.
	StatusSuspended Status = "suspended"
)

// Result describes where a thread stopped.
type Result struct {
	ThreadID string

	// CheckpointID is the thread tip after the call.
	CheckpointID string

	Status Status

	// Values is the state at CheckpointID.
	Values State

	// Interrupts are the decisions the thread waits for when Suspended.
	Interrupts []Interrupt

	// Steps is the number of supersteps executed by this call.
	Steps int
}

// StreamMode selects what Stream yields.
type StreamMode int

const (
	// StreamValues yields the full state after every superstep.
	StreamValues StreamMode = iota

	// StreamUpdates yields each completed task's delta.
	StreamUpdates
)

// Stream event kinds.
const (
	EventValues    = "values"
	EventUpdates   = "updates"
	EventInterrupt = "interrupt"
)

// StreamEvent is one item yielded by Stream and ResumeStream.
type StreamEvent struct {
	// Kind is EventValues, EventUpdates or EventInterrupt.
	Kind string

	// Step and CheckpointID locate the superstep that produced the event.
	Step         int
	CheckpointID string

	// Node and Update are set for EventUpdates.
	Node   string
	Update State

	// Values is set for EventValues.
	Values State

	// Interrupts is set for EventInterrupt.
	Interrupts []Interrupt
}

// Runnable executes a compiled graph against a checkpoint store. It holds no
// per-thread state and is safe for concurrent use; calls on the same thread
// are serialized by the store's conflict check.
type Runnable struct {
	schema *Schema
	nodes  map[string]*nodeSpec
	edges  map[string][]string
	conds  map[string][]*conditional
	cfg    config
}

// errStopped ends a run whose stream consumer stopped iterating.
var errStopped = errors.New("stream consumer stopped")

// Invoke runs threadID until it completes or suspends.
//
// A non-nil input is merged into the thread's latest state (the schema
// defaults for a new thread) and starts a new run from Start; pending
// interrupts of the thread are abandoned. A nil input continues a thread
// whose last call failed, re-running the tasks of its last good checkpoint.
// A nil input on a suspended thread fails with ErrThreadSuspended.
func (r *Runnable) Invoke(ctx context.Context, threadID string, input State) (Result, error) {
	return r.newRun(threadID, nil, StreamValues).invoke(ctx, input)
}

// Stream behaves like Invoke but yields events as supersteps complete.
//
// Breaking out of the loop stops execution after the checkpoint of the
// current superstep is written. A failure is yielded as the last item.
func (r *Runnable) Stream(ctx context.Context, threadID string, input State, mode StreamMode) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		rn := r.newRun(threadID, func(ev StreamEvent) bool { return yield(ev, nil) }, mode)
		if _, err := rn.invoke(ctx, input); err != nil && !errors.Is(err, errStopped) {
			yield(StreamEvent{}, err)
		}
	}
}

// Resume supplies decisions, keyed by interrupt ID, for a suspended thread.
//
// Every ID must be pending on the thread's latest checkpoint; otherwise it
// fails with *UnknownInterruptError and writes nothing. Only the suspended
// tasks whose interrupt was answered run again. If some interrupts stay
// unanswered the thread remains suspended on them.
func (r *Runnable) Resume(ctx context.Context, threadID string, decisions map[string]any) (Result, error) {
	return r.newRun(threadID, nil, StreamValues).resume(ctx, decisions)
}

// ResumeStream behaves like Resume but yields events like Stream.
func (r *Runnable) ResumeStream(ctx context.Context, threadID string, decisions map[string]any, mode StreamMode) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		rn := r.newRun(threadID, func(ev StreamEvent) bool { return yield(ev, nil) }, mode)
		if _, err := rn.resume(ctx, decisions); err != nil && !errors.Is(err, errStopped) {
			yield(StreamEvent{}, err)
		}
	}
}

func (r *Runnable) newRun(threadID string, yield func(StreamEvent) bool, mode StreamMode) *run {
	return &run{r: r, threadID: threadID, yield: yield, mode: mode}
}

func (rn *run) invoke(ctx context.Context, input State) (Result, error) {
	if rn.threadID == "" {
		return Result{}, &EngineError{Message: "thread ID cannot be empty", Code: "INVALID_THREAD"}
	}
	r := rn.r
	r.emit(emit.Event{ThreadID: rn.threadID, Step: -1, Msg: emit.MsgRunStart})

	tip, err := r.cfg.store.Get(ctx, rn.threadID, "")
	switch {
	case errors.Is(err, store.ErrCheckpointNotFound):
		if input == nil {
			input = State{}
		}
	case err != nil:
		return Result{}, err
	default:
		if err := rn.load(tip); err != nil {
			return Result{}, err
		}
	}

	if input == nil {
		if len(rn.interrupts) > 0 {
			return Result{}, ErrThreadSuspended
		}
		return rn.loop(ctx, nil)
	}

	if err := rn.start(ctx, input); err != nil {
		return Result{}, err
	}
	return rn.loop(ctx, nil)
}

func (rn *run) resume(ctx context.Context, decisions map[string]any) (Result, error) {
	if rn.threadID == "" {
		return Result{}, &EngineError{Message: "thread ID cannot be empty", Code: "INVALID_THREAD"}
	}
	if len(decisions) == 0 {
		return Result{}, &EngineError{Message: "resume requires at least one decision", Code: "NO_DECISIONS"}
	}
	r := rn.r

	tip, err := r.cfg.store.Get(ctx, rn.threadID, "")
	if err != nil {
		return Result{}, err
	}
	if err := rn.load(tip); err != nil {
		return Result{}, err
	}

	pending := make(map[string]bool, len(rn.interrupts))
	for _, in := range rn.interrupts {
		pending[in.ID] = true
	}
	var unknown []string
	for id := range decisions {
		if !pending[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Result{}, &UnknownInterruptError{ThreadID: rn.threadID, IDs: unknown}
	}

	r.emit(emit.Event{ThreadID: rn.threadID, Step: rn.cp.Step, Msg: emit.MsgRunStart})
	for _, in := range rn.interrupts {
		if _, ok := decisions[in.ID]; ok {
			r.emit(emit.Event{
				ThreadID: rn.threadID,
				Step:     rn.cp.Step,
				NodeID:   in.Node,
				Msg:      emit.MsgResume,
				Meta:     map[string]any{"interrupt_id": in.ID, "checkpoint_id": rn.cp.ID},
			})
		}
	}
	return rn.loop(ctx, decisions)
}

func (r *Runnable) emit(ev emit.Event) {
	r.cfg.emitter.Emit(ev)
}
