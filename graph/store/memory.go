package store

import (
	"context"
	"iter"
	"sync"
)

// MemStore is an in-memory implementation of Store.
//
// It keeps every thread's checkpoints in maps guarded by a RWMutex.
// Designed for:
//   - Testing and development
//   - Single-process tools and examples
//   - Short-lived threads where durability isn't required
//
// Checkpoints are deep-copied on the way in and out, so callers can never
// mutate stored history.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Memory usage grows with thread history (nothing is pruned automatically)
type MemStore struct {
	mu      sync.RWMutex
	threads map[string]*memThread
	closed  bool
}

type memThread struct {
	tip         string
	checkpoints map[string]Checkpoint
	order       []string // append order, used by DeleteThread and tests
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	r, err := g.Compile(graph.WithStore(st))
func NewMemStore() *MemStore {
	return &MemStore{threads: make(map[string]*memThread)}
}

// Put appends cp to its thread after checking that cp.ParentID is the tip.
func (m *MemStore) Put(_ context.Context, cp Checkpoint) (Checkpoint, error) {
	if err := validate(cp); err != nil {
		return Checkpoint{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Checkpoint{}, ErrClosed
	}

	th := m.threads[cp.ThreadID]
	if th != nil {
		if existing, ok := th.checkpoints[cp.ID]; ok {
			return existing.Clone(), nil
		}
	}

	tip := ""
	if th != nil {
		tip = th.tip
	}
	if cp.ParentID != tip {
		return Checkpoint{}, ErrStaleCheckpoint
	}

	m.appendLocked(cp)
	return cp.Clone(), nil
}

// Fork appends cp as a child of an existing checkpoint and makes it the tip.
func (m *MemStore) Fork(_ context.Context, cp Checkpoint) (Checkpoint, error) {
	if err := validate(cp); err != nil {
		return Checkpoint{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Checkpoint{}, ErrClosed
	}

	th := m.threads[cp.ThreadID]
	if th == nil {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	if existing, ok := th.checkpoints[cp.ID]; ok {
		return existing.Clone(), nil
	}
	if _, ok := th.checkpoints[cp.ParentID]; !ok {
		return Checkpoint{}, ErrCheckpointNotFound
	}

	m.appendLocked(cp)
	return cp.Clone(), nil
}

func (m *MemStore) appendLocked(cp Checkpoint) {
	th := m.threads[cp.ThreadID]
	if th == nil {
		th = &memThread{checkpoints: make(map[string]Checkpoint)}
		m.threads[cp.ThreadID] = th
	}
	th.checkpoints[cp.ID] = cp.Clone()
	th.order = append(th.order, cp.ID)
	th.tip = cp.ID
}

// Get returns a checkpoint by ID, or the tip when checkpointID is empty.
func (m *MemStore) Get(_ context.Context, threadID, checkpointID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Checkpoint{}, ErrClosed
	}

	th, ok := m.threads[threadID]
	if !ok {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	if checkpointID == "" {
		checkpointID = th.tip
	}
	cp, ok := th.checkpoints[checkpointID]
	if !ok {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	return cp.Clone(), nil
}

// History walks parent pointers from the tip. Each step takes the read lock
// separately, so appends are never blocked by a slow consumer.
func (m *MemStore) History(ctx context.Context, threadID string) iter.Seq2[Checkpoint, error] {
	return walkHistory(ctx, m, threadID)
}

// DeleteThread drops every checkpoint of threadID.
func (m *MemStore) DeleteThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.threads, threadID)
	return nil
}

// Len returns the number of checkpoints stored for threadID.
func (m *MemStore) Len(threadID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if th, ok := m.threads[threadID]; ok {
		return len(th.order)
	}
	return 0
}

// Close marks the store closed. Subsequent operations return ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
