package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"
)

// dialect captures the differences between the database/sql backends.
// Both SQLite and MySQL use "?" placeholders, so only DDL and error
// classification differ.
type dialect struct {
	name        string
	schema      []string
	isDuplicate func(error) bool
}

// sqlStore implements Store on database/sql. SQLiteStore and MySQLStore embed it.
//
// Schema:
//   - stepgraph_threads: one row per thread holding the current tip
//   - stepgraph_checkpoints: immutable checkpoint rows keyed by (thread_id, checkpoint_id)
//
// Appends run in a transaction that compare-and-swaps the tip column, so two
// writers racing on the same parent cannot both succeed.
type sqlStore struct {
	db     *sql.DB
	d      dialect
	mu     sync.RWMutex
	closed bool
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	s := &sqlStore{db: db, d: d}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
		}
	}
	return s, nil
}

func (s *sqlStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

const selectCheckpoint = `
	SELECT thread_id, checkpoint_id, parent_id, step, source, state, tasks, interrupts, metadata, created_at
	FROM stepgraph_checkpoints
	WHERE thread_id = ? AND checkpoint_id = ?
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var cp Checkpoint
	var source string
	var state, tasks, interrupts, metadata []byte
	var createdAt int64
	err := row.Scan(&cp.ThreadID, &cp.ID, &cp.ParentID, &cp.Step, &source,
		&state, &tasks, &interrupts, &metadata, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	cp.Source = Source(source)
	cp.State = cloneRaw(state)
	cp.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := decodeParts(&cp, tasks, interrupts, metadata); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// encodeParts serializes the structured columns of cp.
func encodeParts(cp Checkpoint) (tasks, interrupts, metadata []byte, err error) {
	if tasks, err = json.Marshal(cp.Tasks); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal tasks: %w", err)
	}
	if interrupts, err = json.Marshal(cp.Interrupts); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal interrupts: %w", err)
	}
	if metadata, err = json.Marshal(cp.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return tasks, interrupts, metadata, nil
}

func decodeParts(cp *Checkpoint, tasks, interrupts, metadata []byte) error {
	if len(tasks) > 0 {
		if err := json.Unmarshal(tasks, &cp.Tasks); err != nil {
			return fmt.Errorf("failed to unmarshal tasks: %w", err)
		}
	}
	if len(interrupts) > 0 {
		if err := json.Unmarshal(interrupts, &cp.Interrupts); err != nil {
			return fmt.Errorf("failed to unmarshal interrupts: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &cp.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return nil
}

// stateBytes returns the value stored in the state column. A nil state is
// stored as JSON null so NOT NULL columns accept it.
func stateBytes(cp Checkpoint) []byte {
	if len(cp.State) == 0 {
		return []byte("null")
	}
	return cp.State
}

// Put implements Store.
func (s *sqlStore) Put(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	return s.append(ctx, cp, false)
}

// Fork implements Store.
func (s *sqlStore) Fork(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	return s.append(ctx, cp, true)
}

func (s *sqlStore) append(ctx context.Context, cp Checkpoint, fork bool) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	if err := validate(cp); err != nil {
		return Checkpoint{}, err
	}
	tasks, interrupts, metadata, err := encodeParts(cp)
	if err != nil {
		return Checkpoint{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	existing, err := scanCheckpoint(tx.QueryRowContext(ctx, selectCheckpoint, cp.ThreadID, cp.ID))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrCheckpointNotFound) {
		return Checkpoint{}, err
	}

	var tip string
	err = tx.QueryRowContext(ctx,
		"SELECT tip_id FROM stepgraph_threads WHERE thread_id = ?", cp.ThreadID).Scan(&tip)
	newThread := errors.Is(err, sql.ErrNoRows)
	if err != nil && !newThread {
		return Checkpoint{}, fmt.Errorf("failed to load thread tip: %w", err)
	}

	switch {
	case fork:
		if newThread {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		var one int
		err := tx.QueryRowContext(ctx,
			"SELECT 1 FROM stepgraph_checkpoints WHERE thread_id = ? AND checkpoint_id = ?",
			cp.ThreadID, cp.ParentID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		if err != nil {
			return Checkpoint{}, fmt.Errorf("failed to load fork parent: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE stepgraph_threads SET tip_id = ? WHERE thread_id = ?",
			cp.ID, cp.ThreadID); err != nil {
			return Checkpoint{}, fmt.Errorf("failed to move thread tip: %w", err)
		}

	case newThread:
		if cp.ParentID != "" {
			return Checkpoint{}, ErrStaleCheckpoint
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO stepgraph_threads (thread_id, tip_id) VALUES (?, ?)",
			cp.ThreadID, cp.ID); err != nil {
			if s.d.isDuplicate(err) {
				return Checkpoint{}, ErrStaleCheckpoint
			}
			return Checkpoint{}, fmt.Errorf("failed to create thread: %w", err)
		}

	default:
		if cp.ParentID != tip {
			return Checkpoint{}, ErrStaleCheckpoint
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE stepgraph_threads SET tip_id = ? WHERE thread_id = ? AND tip_id = ?",
			cp.ID, cp.ThreadID, tip)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("failed to move thread tip: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return Checkpoint{}, fmt.Errorf("failed to read rows affected: %w", err)
		} else if n == 0 {
			return Checkpoint{}, ErrStaleCheckpoint
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stepgraph_checkpoints
			(thread_id, checkpoint_id, parent_id, step, source, state, tasks, interrupts, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.ID, cp.ParentID, cp.Step, string(cp.Source),
		stateBytes(cp), string(tasks), string(interrupts), string(metadata), cp.CreatedAt.UnixNano(),
	); err != nil {
		if s.d.isDuplicate(err) {
			return Checkpoint{}, ErrStaleCheckpoint
		}
		return Checkpoint{}, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return cp.Clone(), nil
}

// Get implements Store.
func (s *sqlStore) Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	if checkpointID == "" {
		err := s.db.QueryRowContext(ctx,
			"SELECT tip_id FROM stepgraph_threads WHERE thread_id = ?", threadID).Scan(&checkpointID)
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		if err != nil {
			return Checkpoint{}, fmt.Errorf("failed to load thread tip: %w", err)
		}
	}
	return scanCheckpoint(s.db.QueryRowContext(ctx, selectCheckpoint, threadID, checkpointID))
}

// History implements Store.
func (s *sqlStore) History(ctx context.Context, threadID string) iter.Seq2[Checkpoint, error] {
	return walkHistory(ctx, s, threadID)
}

// DeleteThread implements Store.
func (s *sqlStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM stepgraph_checkpoints WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM stepgraph_threads WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database. Safe to call more than once.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
