package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBPool is the subset of *pgxpool.Pool used by PostgresStore.
// pgxmock pools satisfy it, which is how the store is tested without a server.
type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store on PostgreSQL using pgx.
//
// The thread row is locked with SELECT ... FOR UPDATE while the tip is
// checked and moved, so concurrent writers on one thread serialize and the
// loser observes ErrStaleCheckpoint.
type PostgresStore struct {
	pool   DBPool
	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore connects to connString and creates the schema if needed.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	s := NewPostgresStoreWithPool(pool)
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithPool wraps an existing pool. The schema is not created.
func NewPostgresStoreWithPool(pool DBPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InitSchema creates the stepgraph tables if they don't exist.
func (p *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stepgraph_threads (
			thread_id TEXT PRIMARY KEY,
			tip_id TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS stepgraph_checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			step INTEGER NOT NULL,
			source TEXT NOT NULL,
			state BYTEA NOT NULL,
			tasks JSONB NOT NULL,
			interrupts JSONB NOT NULL,
			metadata JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_stepgraph_cp_parent ON stepgraph_checkpoints (thread_id, parent_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const pgSelectCheckpoint = `SELECT thread_id, checkpoint_id, parent_id, step, source, state, tasks, interrupts, metadata, created_at FROM stepgraph_checkpoints WHERE thread_id = $1 AND checkpoint_id = $2`

func lookupPGCheckpoint(ctx context.Context, tx pgx.Tx, threadID, id string) (Checkpoint, bool, error) {
	cp, err := scanPGCheckpoint(tx.QueryRow(ctx, pgSelectCheckpoint, threadID, id))
	switch {
	case err == nil:
		return cp, true, nil
	case errors.Is(err, ErrCheckpointNotFound):
		return Checkpoint{}, false, nil
	default:
		return Checkpoint{}, false, err
	}
}

func (p *PostgresStore) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

func scanPGCheckpoint(row pgx.Row) (Checkpoint, error) {
	cp, err := scanCheckpoint(row)
	if err != nil && errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	return cp, err
}

// Put implements Store.
func (p *PostgresStore) Put(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	return p.append(ctx, cp, false)
}

// Fork implements Store.
func (p *PostgresStore) Fork(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	return p.append(ctx, cp, true)
}

func (p *PostgresStore) append(ctx context.Context, cp Checkpoint, fork bool) (Checkpoint, error) {
	if err := p.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	if err := validate(cp); err != nil {
		return Checkpoint{}, err
	}
	tasks, interrupts, metadata, err := encodeParts(cp)
	if err != nil {
		return Checkpoint{}, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if existing, ok, err := lookupPGCheckpoint(ctx, tx, cp.ThreadID, cp.ID); ok || err != nil {
		return existing, err
	}

	var tip string
	err = tx.QueryRow(ctx,
		"SELECT tip_id FROM stepgraph_threads WHERE thread_id = $1 FOR UPDATE", cp.ThreadID).Scan(&tip)
	newThread := errors.Is(err, pgx.ErrNoRows)
	if err != nil && !newThread {
		return Checkpoint{}, fmt.Errorf("failed to lock thread: %w", err)
	}
	if !newThread {
		// A Put of the same ID may have committed while the lock was held.
		if existing, ok, err := lookupPGCheckpoint(ctx, tx, cp.ThreadID, cp.ID); ok || err != nil {
			return existing, err
		}
	}

	switch {
	case fork:
		if newThread {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		var one int
		err := tx.QueryRow(ctx,
			"SELECT 1 FROM stepgraph_checkpoints WHERE thread_id = $1 AND checkpoint_id = $2",
			cp.ThreadID, cp.ParentID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		if err != nil {
			return Checkpoint{}, fmt.Errorf("failed to load fork parent: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE stepgraph_threads SET tip_id = $1 WHERE thread_id = $2", cp.ID, cp.ThreadID); err != nil {
			return Checkpoint{}, fmt.Errorf("failed to move thread tip: %w", err)
		}

	case newThread:
		if cp.ParentID != "" {
			return Checkpoint{}, ErrStaleCheckpoint
		}
		tag, err := tx.Exec(ctx,
			"INSERT INTO stepgraph_threads (thread_id, tip_id) VALUES ($1, $2) ON CONFLICT (thread_id) DO NOTHING",
			cp.ThreadID, cp.ID)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("failed to create thread: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Another transaction created the thread first; it may have
			// written this very checkpoint.
			existing, ok, err := lookupPGCheckpoint(ctx, tx, cp.ThreadID, cp.ID)
			if ok || err != nil {
				return existing, err
			}
			return Checkpoint{}, ErrStaleCheckpoint
		}

	default:
		if cp.ParentID != tip {
			return Checkpoint{}, ErrStaleCheckpoint
		}
		if _, err := tx.Exec(ctx,
			"UPDATE stepgraph_threads SET tip_id = $1 WHERE thread_id = $2", cp.ID, cp.ThreadID); err != nil {
			return Checkpoint{}, fmt.Errorf("failed to move thread tip: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO stepgraph_checkpoints (thread_id, checkpoint_id, parent_id, step, source, state, tasks, interrupts, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		cp.ThreadID, cp.ID, cp.ParentID, cp.Step, string(cp.Source),
		stateBytes(cp), tasks, interrupts, metadata, cp.CreatedAt.UnixNano(),
	); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return cp.Clone(), nil
}

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error) {
	if err := p.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	if checkpointID == "" {
		err := p.pool.QueryRow(ctx,
			"SELECT tip_id FROM stepgraph_threads WHERE thread_id = $1", threadID).Scan(&checkpointID)
		if errors.Is(err, pgx.ErrNoRows) {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		if err != nil {
			return Checkpoint{}, fmt.Errorf("failed to load thread tip: %w", err)
		}
	}
	return scanPGCheckpoint(p.pool.QueryRow(ctx, pgSelectCheckpoint, threadID, checkpointID))
}

// History implements Store.
func (p *PostgresStore) History(ctx context.Context, threadID string) iter.Seq2[Checkpoint, error] {
	return walkHistory(ctx, p, threadID)
}

// DeleteThread implements Store.
func (p *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DELETE FROM stepgraph_checkpoints WHERE thread_id = $1", threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM stepgraph_threads WHERE thread_id = $1", threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return tx.Commit(ctx)
}

// Close closes the pool. Safe to call more than once.
func (p *PostgresStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.pool.Close()
	}
	return nil
}
