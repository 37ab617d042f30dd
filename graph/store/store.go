// Package store provides checkpoint persistence for stepgraph threads.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"
)

// ErrCheckpointNotFound is returned when a requested thread or checkpoint ID does not exist.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrStaleCheckpoint is returned by Put when the checkpoint's parent is not the
// current tip of its thread. Another writer appended first; the caller should
// reload the latest checkpoint and retry.
var ErrStaleCheckpoint = errors.New("stale checkpoint: parent is not the thread tip")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Source records why a checkpoint was written.
type Source string

const (
	// SourceInput marks the checkpoint created from caller input before the first superstep.
	SourceInput Source = "input"

	// SourceLoop marks checkpoints written by the executor after a superstep.
	SourceLoop Source = "loop"

	// SourceResume marks checkpoints written while resolving interrupts.
	SourceResume Source = "resume"

	// SourceUpdate marks checkpoints forked by an external state update.
	SourceUpdate Source = "update"
)

// TaskStatus is the progress of one scheduled node execution within a superstep.
type TaskStatus string

const (
	// TaskPending tasks have not run yet.
	TaskPending TaskStatus = "pending"

	// TaskDone tasks completed; Update and Route hold their recorded output.
	TaskDone TaskStatus = "done"

	// TaskSuspended tasks are waiting on the interrupt named by InterruptID.
	TaskSuspended TaskStatus = "suspended"
)

// Task is the pending-step pointer of a checkpoint: one node execution scheduled
// for the next superstep. Payload fields are opaque encoded JSON owned by the
// executor's state codec.
type Task struct {
	// Node is the name of the node to execute.
	Node string `json:"node"`

	// Input is an optional per-task input (set by fan-out sends).
	Input json.RawMessage `json:"input,omitempty"`

	// Status is the task's progress.
	Status TaskStatus `json:"status"`

	// Update is the partial state recorded when the task completed.
	Update json.RawMessage `json:"update,omitempty"`

	// Route is the explicit routing decision recorded when the task completed.
	Route json.RawMessage `json:"route,omitempty"`

	// InterruptID links a suspended task to its interrupt.
	InterruptID string `json:"interrupt_id,omitempty"`
}

// Interrupt is a persisted request for external input.
type Interrupt struct {
	// ID identifies the interrupt within its thread.
	ID string `json:"id"`

	// Node is the node that suspended.
	Node string `json:"node"`

	// TaskIndex is the position of the suspended task in Checkpoint.Tasks.
	TaskIndex int `json:"task_index"`

	// Payload describes the requested action(s).
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Checkpoint is an immutable snapshot of a thread at one position in its history.
//
// Checkpoints of a thread form a singly-linked list through ParentID. Several
// checkpoints may share a parent when history is forked; the thread tip is
// always the most recently appended checkpoint.
type Checkpoint struct {
	// ThreadID is the execution lineage this checkpoint belongs to.
	ThreadID string `json:"thread_id"`

	// ID uniquely identifies the checkpoint.
	ID string `json:"id"`

	// ParentID is the previous checkpoint in the lineage, or "" for the first one.
	ParentID string `json:"parent_id,omitempty"`

	// Step is the superstep counter at the time of writing. The input checkpoint is step -1.
	Step int `json:"step"`

	// Source records why the checkpoint was written.
	Source Source `json:"source"`

	// State is the encoded full state.
	State json.RawMessage `json:"state"`

	// Tasks are the node executions pending from this checkpoint. Empty when the run completed.
	Tasks []Task `json:"tasks,omitempty"`

	// Interrupts are unresolved interrupts raised by suspended tasks.
	Interrupts []Interrupt `json:"interrupts,omitempty"`

	// Metadata carries free-form annotations (writer, labels).
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is the wall-clock time the checkpoint was built.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists checkpoint chains keyed by thread ID.
//
// Implementations must be safe for concurrent use. Reads of historical
// checkpoints must never block writers appending to a thread: stored checkpoints
// are immutable.
//
// Implementations:
//   - MemStore: in-process maps (tests, single-process tools)
//   - SQLiteStore: single-file database with WAL
//   - MySQLStore: MySQL/MariaDB via go-sql-driver
//   - PostgresStore: PostgreSQL via pgx
//   - RedisStore: Redis with WATCH/MULTI compare-and-swap on the thread tip
type Store interface {
	// Put appends cp to its thread.
	//
	// If a checkpoint with cp.ID already exists in the thread, it is returned
	// unchanged and nothing is written. Otherwise cp.ParentID must equal the
	// current thread tip ("" for a thread without checkpoints), or Put fails
	// with ErrStaleCheckpoint.
	Put(ctx context.Context, cp Checkpoint) (Checkpoint, error)

	// Fork appends cp as a child of any existing checkpoint in its thread and
	// makes it the new tip. It fails with ErrCheckpointNotFound when the parent
	// does not exist. An existing cp.ID is returned unchanged.
	Fork(ctx context.Context, cp Checkpoint) (Checkpoint, error)

	// Get returns the checkpoint with the given ID, or the thread tip when
	// checkpointID is empty. It fails with ErrCheckpointNotFound when the thread
	// or the ID is unknown.
	Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error)

	// History walks parent pointers from the tip to the first checkpoint.
	// The sequence is lazy and every call starts over from the current tip.
	History(ctx context.Context, threadID string) iter.Seq2[Checkpoint, error]

	// DeleteThread removes every checkpoint of a thread. Deleting an unknown
	// thread is not an error.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases resources. Calling Close more than once is safe.
	Close() error
}

// getter is the subset of Store that walkHistory needs.
type getter interface {
	Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error)
}

// walkHistory implements History on top of Get for every backend.
func walkHistory(ctx context.Context, s getter, threadID string) iter.Seq2[Checkpoint, error] {
	return func(yield func(Checkpoint, error) bool) {
		cp, err := s.Get(ctx, threadID, "")
		if err != nil {
			yield(Checkpoint{}, err)
			return
		}
		for {
			if !yield(cp, nil) {
				return
			}
			if cp.ParentID == "" {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(Checkpoint{}, err)
				return
			}
			cp, err = s.Get(ctx, threadID, cp.ParentID)
			if err != nil {
				yield(Checkpoint{}, err)
				return
			}
		}
	}
}

// Clone returns a deep copy of cp so callers never share byte slices with a store.
func (cp Checkpoint) Clone() Checkpoint {
	out := cp
	out.State = cloneRaw(cp.State)
	if cp.Tasks != nil {
		out.Tasks = make([]Task, len(cp.Tasks))
		for i, t := range cp.Tasks {
			t.Input = cloneRaw(t.Input)
			t.Update = cloneRaw(t.Update)
			t.Route = cloneRaw(t.Route)
			out.Tasks[i] = t
		}
	}
	if cp.Interrupts != nil {
		out.Interrupts = make([]Interrupt, len(cp.Interrupts))
		for i, in := range cp.Interrupts {
			in.Payload = cloneRaw(in.Payload)
			out.Interrupts[i] = in
		}
	}
	if cp.Metadata != nil {
		out.Metadata = make(map[string]string, len(cp.Metadata))
		for k, v := range cp.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// validate checks the identifying fields every backend requires.
func validate(cp Checkpoint) error {
	if cp.ThreadID == "" {
		return errors.New("checkpoint thread ID cannot be empty")
	}
	if cp.ID == "" {
		return errors.New("checkpoint ID cannot be empty")
	}
	return nil
}
