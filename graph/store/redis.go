package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/redis/go-redis/v9"
)

// forkRetries bounds how often Fork retries after losing a WATCH race.
const forkRetries = 3

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "stepgraph:"
	TTL      time.Duration // Expiration of a thread's keys, refreshed on every append; default 0 (no expiration)
}

// RedisStore implements Store on Redis.
//
// Key layout per thread:
//   - {prefix}thread:{id}:tip    current tip checkpoint ID
//   - {prefix}thread:{id}:cp:{c} encoded checkpoint
//   - {prefix}thread:{id}:ids    sorted set of checkpoint IDs scored by creation time (µs)
//
// Appends WATCH the tip key and write inside MULTI/EXEC, so a concurrent append
// aborts the transaction and Put reports ErrStaleCheckpoint.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	owned  bool
}

// NewRedisStore creates a store with its own client.
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := NewRedisStoreWithClient(client, opts.Prefix, opts.TTL)
	s.owned = true
	return s
}

// NewRedisStoreWithClient wraps an existing client. Close does not close it.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "stepgraph:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) tipKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:tip", r.prefix, threadID)
}

func (r *RedisStore) cpKey(threadID, id string) string {
	return fmt.Sprintf("%sthread:%s:cp:%s", r.prefix, threadID, id)
}

func (r *RedisStore) idsKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:ids", r.prefix, threadID)
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	out, err := r.append(ctx, cp, false)
	if errors.Is(err, redis.TxFailedErr) {
		return Checkpoint{}, ErrStaleCheckpoint
	}
	return out, err
}

// Fork implements Store. A fork does not depend on the tip, so a lost WATCH
// race is retried a few times before reporting ErrStaleCheckpoint.
func (r *RedisStore) Fork(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	for range forkRetries {
		out, err := r.append(ctx, cp, true)
		if !errors.Is(err, redis.TxFailedErr) {
			return out, err
		}
	}
	return Checkpoint{}, ErrStaleCheckpoint
}

func (r *RedisStore) append(ctx context.Context, cp Checkpoint, fork bool) (Checkpoint, error) {
	if err := validate(cp); err != nil {
		return Checkpoint{}, err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tipKey := r.tipKey(cp.ThreadID)
	cpKey := r.cpKey(cp.ThreadID, cp.ID)
	var result Checkpoint

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		if raw, err := tx.Get(ctx, cpKey).Bytes(); err == nil {
			return json.Unmarshal(raw, &result)
		} else if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to check checkpoint: %w", err)
		}

		tip, err := tx.Get(ctx, tipKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to load thread tip: %w", err)
		}

		if fork {
			n, err := tx.Exists(ctx, r.cpKey(cp.ThreadID, cp.ParentID)).Result()
			if err != nil {
				return fmt.Errorf("failed to load fork parent: %w", err)
			}
			if cp.ParentID == "" || n == 0 {
				return ErrCheckpointNotFound
			}
		} else if cp.ParentID != tip {
			return ErrStaleCheckpoint
		}

		var older []string
		if r.ttl > 0 {
			older, err = tx.ZRange(ctx, r.idsKey(cp.ThreadID), 0, -1).Result()
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// Every key of the thread shares the newest checkpoint's expiry, so
			// the thread expires as a unit and can then start over.
			for _, id := range older {
				pipe.Expire(ctx, r.cpKey(cp.ThreadID, id), r.ttl)
			}
			pipe.Set(ctx, cpKey, data, r.ttl)
			pipe.Set(ctx, tipKey, cp.ID, r.ttl)
			pipe.ZAdd(ctx, r.idsKey(cp.ThreadID), redis.Z{
				Score:  float64(cp.CreatedAt.UnixMicro()),
				Member: cp.ID,
			})
			if r.ttl > 0 {
				pipe.Expire(ctx, r.idsKey(cp.ThreadID), r.ttl)
			}
			return nil
		})
		if err == nil {
			result = cp.Clone()
		}
		return err
	}, tipKey)
	if err != nil {
		return Checkpoint{}, err
	}
	return result, nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error) {
	if checkpointID == "" {
		tip, err := r.client.Get(ctx, r.tipKey(threadID)).Result()
		if errors.Is(err, redis.Nil) {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		if err != nil {
			return Checkpoint{}, r.wrap("failed to load thread tip", err)
		}
		checkpointID = tip
	}

	raw, err := r.client.Get(ctx, r.cpKey(threadID, checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	if err != nil {
		return Checkpoint{}, r.wrap("failed to load checkpoint", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// History implements Store.
func (r *RedisStore) History(ctx context.Context, threadID string) iter.Seq2[Checkpoint, error] {
	return walkHistory(ctx, r, threadID)
}

// IDs returns the IDs of every checkpoint in the thread in creation order,
// including checkpoints on abandoned fork branches.
func (r *RedisStore) IDs(ctx context.Context, threadID string) ([]string, error) {
	ids, err := r.client.ZRange(ctx, r.idsKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, r.wrap("failed to list checkpoints", err)
	}
	return ids, nil
}

// DeleteThread implements Store.
func (r *RedisStore) DeleteThread(ctx context.Context, threadID string) error {
	ids, err := r.IDs(ctx, threadID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+2)
	for _, id := range ids {
		keys = append(keys, r.cpKey(threadID, id))
	}
	keys = append(keys, r.tipKey(threadID), r.idsKey(threadID))
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return r.wrap("failed to delete thread", err)
	}
	return nil
}

func (r *RedisStore) wrap(msg string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Close closes the client when the store created it.
func (r *RedisStore) Close() error {
	if !r.owned {
		return nil
	}
	err := r.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
