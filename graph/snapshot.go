package graph

import (
	"context"
	"iter"
	"time"

	"github.com/dshills/stepgraph/graph/store"
)

// Snapshot is the decoded view of one checkpoint.
type Snapshot struct {
	ThreadID     string
	CheckpointID string
	ParentID     string
	Step         int
	Source       store.Source

	// Values is the full state at this checkpoint.
	Values State

	// Next lists the nodes that still have to run from this checkpoint,
	// in task order. Empty once the thread completed.
	Next []string

	Tasks      []TaskInfo
	Interrupts []Interrupt
	Metadata   map[string]string
	CreatedAt  time.Time
}

// TaskInfo describes one task recorded in a checkpoint.
type TaskInfo struct {
	Node        string
	Status      store.TaskStatus
	Input       State
	Update      State
	InterruptID string
}

func (r *Runnable) snapshot(cp store.Checkpoint) (Snapshot, error) {
	values, err := r.schema.Decode(cp.State)
	if err != nil {
		return Snapshot{}, err
	}
	tasks, err := r.decodeTasks(cp.Tasks)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		ThreadID:     cp.ThreadID,
		CheckpointID: cp.ID,
		ParentID:     cp.ParentID,
		Step:         cp.Step,
		Source:       cp.Source,
		Values:       values,
		Interrupts:   interruptsFrom(cp),
		Metadata:     cp.Metadata,
		CreatedAt:    cp.CreatedAt,
	}
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, TaskInfo{
			Node:        t.node,
			Status:      t.status,
			Input:       t.input,
			Update:      t.update,
			InterruptID: t.interruptID,
		})
		if t.status != store.TaskDone {
			snap.Next = append(snap.Next, t.node)
		}
	}
	return snap, nil
}

// GetState returns the checkpoint checkpointID of threadID, or the latest one
// when checkpointID is empty.
func (r *Runnable) GetState(ctx context.Context, threadID, checkpointID string) (Snapshot, error) {
	cp, err := r.cfg.store.Get(ctx, threadID, checkpointID)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(cp)
}

// GetStateHistory walks threadID from its latest checkpoint back to the
// first. Each entry equals GetState at its CheckpointID.
func (r *Runnable) GetStateHistory(ctx context.Context, threadID string) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		for cp, err := range r.cfg.store.History(ctx, threadID) {
			if err != nil {
				yield(Snapshot{}, err)
				return
			}
			snap, err := r.snapshot(cp)
			if !yield(snap, err) || err != nil {
				return
			}
		}
	}
}

// UpdateState forks checkpointID (the latest checkpoint when empty) with
// partial merged into its values, as if a node had returned partial. The new
// checkpoint keeps the parent's pending tasks and interrupts and becomes the
// thread tip, so the next Invoke with nil input or Resume continues from it.
//
// Example (time travel):
//
//	snap, _ := r.UpdateState(ctx, "t-1", earlier.CheckpointID, graph.State{"foo": "c"})
//	res, _ := r.Invoke(ctx, "t-1", nil)
func (r *Runnable) UpdateState(ctx context.Context, threadID, checkpointID string, partial State) (Snapshot, error) {
	parent, err := r.cfg.store.Get(ctx, threadID, checkpointID)
	if err != nil {
		return Snapshot{}, err
	}
	rn := r.newRun(threadID, nil, StreamValues)
	if err := rn.load(parent); err != nil {
		return Snapshot{}, err
	}
	values, err := r.schema.Merge(rn.state, partial)
	if err != nil {
		return Snapshot{}, err
	}

	cp, err := r.checkpoint(rn, parent.Step+1, store.SourceUpdate, values, rn.tasks, parent.Interrupts)
	if err != nil {
		return Snapshot{}, err
	}
	if cp.Metadata == nil {
		cp.Metadata = map[string]string{}
	}
	cp.Metadata["writer"] = "update_state"

	saved, err := r.cfg.store.Fork(ctx, cp)
	if err != nil {
		return Snapshot{}, err
	}
	r.recordSaved(saved)
	return r.snapshot(saved)
}
