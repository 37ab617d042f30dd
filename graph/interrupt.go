package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dshills/stepgraph/graph/store"
)

// ErrNoResumeValue is returned by ResumeValueAs when the node is not being
// re-entered with a decision.
var ErrNoResumeValue = errors.New("no resume value in context")

// suspension carries the payload of a node that asked to wait.
type suspension struct {
	payload any
}

// Suspend returns a NodeResult that pauses the node until a decision arrives
// through Resume. Payload describes what the node is waiting for and must be
// JSON-encodable; it is persisted with the checkpoint.
//
// When the thread is resumed the node runs again from the top, with the
// decision available through ResumeValue. Work done before Suspend is
// repeated, so it must be safe to run twice.
//
// Example:
//
//	func(ctx context.Context, s graph.State) graph.NodeResult {
//	    d, err := graph.ResumeValueAs[Decision](ctx)
//	    if errors.Is(err, graph.ErrNoResumeValue) {
//	        return graph.Suspend(ActionRequest{Tool: "send_email"})
//	    }
//	    ...
//	}
func Suspend(payload any) NodeResult {
	return NodeResult{suspend: &suspension{payload: payload}}
}

// Interrupt is a pending request for an external decision.
type Interrupt struct {
	// ID is stable for the interrupt's lifetime and is the key of Resume's decision map.
	ID string `json:"id"`

	// Node is the node that suspended.
	Node string `json:"node"`

	// TaskIndex is the position of the suspended task within its superstep.
	TaskIndex int `json:"task_index"`

	// Payload is the JSON encoding of the value passed to Suspend.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CheckpointID is the checkpoint on which the interrupt is pending.
	CheckpointID string `json:"checkpoint_id"`
}

// Decode unmarshals the payload into v.
func (i Interrupt) Decode(v any) error {
	if len(i.Payload) == 0 {
		return fmt.Errorf("interrupt %s has no payload", i.ID)
	}
	return json.Unmarshal(i.Payload, v)
}

// interruptID derives the identifier of the interrupt raised by the task at
// taskIndex when it was dispatched from checkpointID.
func interruptID(threadID, checkpointID, node string, taskIndex int) string {
	h := sha256.New()
	for _, part := range []string{threadID, checkpointID, node, strconv.Itoa(taskIndex)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

func interruptsFrom(cp store.Checkpoint) []Interrupt {
	if len(cp.Interrupts) == 0 {
		return nil
	}
	out := make([]Interrupt, len(cp.Interrupts))
	for i, in := range cp.Interrupts {
		out[i] = Interrupt{
			ID:           in.ID,
			Node:         in.Node,
			TaskIndex:    in.TaskIndex,
			Payload:      in.Payload,
			CheckpointID: cp.ID,
		}
	}
	return out
}

type resumeKey struct{}

type resumeValue struct {
	value any
}

func withResumeValue(ctx context.Context, v any) context.Context {
	return context.WithValue(ctx, resumeKey{}, resumeValue{value: v})
}

// ResumeValue returns the decision supplied for the running node's interrupt.
// The second result is false on a first execution.
func ResumeValue(ctx context.Context) (any, bool) {
	rv, ok := ctx.Value(resumeKey{}).(resumeValue)
	if !ok {
		return nil, false
	}
	return rv.value, true
}

// ResumeValueAs returns the decision as a T. Values that are not already a T
// (for example a map decoded from JSON by an HTTP handler) are converted
// through a JSON round-trip. It fails with ErrNoResumeValue on a first
// execution.
func ResumeValueAs[T any](ctx context.Context) (T, error) {
	var out T
	v, ok := ResumeValue(ctx)
	if !ok {
		return out, ErrNoResumeValue
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("resume value: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("resume value: cannot convert %T: %w", v, err)
	}
	return out, nil
}
