package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps items in Redis.
//
// Key layout:
//   - {prefix}mem:ns            set of joined namespaces holding items
//   - {prefix}mem:ns:{joined}   hash of key -> encoded Item
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps client. An empty prefix means "stepgraph:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stepgraph:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "mem:ns"
}

func (r *RedisStore) bucketKey(joined string) string {
	return r.prefix + "mem:ns:" + joined
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, ns []string, key string, value map[string]any) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	joined := joinNS(ns)
	now := r.now()
	it := Item{Namespace: ns, Key: key, Value: value, CreatedAt: now, UpdatedAt: now}
	if prev, err := r.Get(ctx, ns, key); err == nil {
		it.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("failed to encode memory item: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.bucketKey(joined), key, data)
		pipe.SAdd(ctx, r.indexKey(), joined)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put memory item: %w", err)
	}
	return nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, ns []string, key string) (Item, error) {
	if err := validate(ns, key); err != nil {
		return Item{}, err
	}
	data, err := r.client.HGet(ctx, r.bucketKey(joinNS(ns)), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("failed to get memory item: %w", err)
	}
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return Item{}, fmt.Errorf("failed to decode memory item: %w", err)
	}
	return it, nil
}

// Search implements Store.
func (r *RedisStore) Search(ctx context.Context, ns []string, f Filter) ([]Item, error) {
	spaces, err := r.namespaces(ctx, ns)
	if err != nil {
		return nil, err
	}
	var out []Item
	for _, joined := range spaces {
		entries, err := r.client.HGetAll(ctx, r.bucketKey(joined)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read namespace: %w", err)
		}
		for _, raw := range entries {
			var it Item
			if err := json.Unmarshal([]byte(raw), &it); err != nil {
				return nil, fmt.Errorf("failed to decode memory item: %w", err)
			}
			if matches(it, f.Query) {
				out = append(out, it)
			}
		}
	}
	return rank(out, f.Limit), nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, ns []string, key string) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	joined := joinNS(ns)
	if err := r.client.HDel(ctx, r.bucketKey(joined), key).Err(); err != nil {
		return fmt.Errorf("failed to delete memory item: %w", err)
	}
	// Redis drops empty hashes; keep the index in step.
	n, err := r.client.Exists(ctx, r.bucketKey(joined)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete memory item: %w", err)
	}
	if n == 0 {
		return r.client.SRem(ctx, r.indexKey(), joined).Err()
	}
	return nil
}

// List implements Store.
func (r *RedisStore) List(ctx context.Context, prefix []string) ([][]string, error) {
	spaces, err := r.namespaces(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(spaces))
	for i, j := range spaces {
		out[i] = splitNS(j)
	}
	return out, nil
}

func (r *RedisStore) namespaces(ctx context.Context, prefix []string) ([]string, error) {
	all, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	var out []string
	for _, j := range all {
		if hasPrefix(splitNS(j), prefix) {
			out = append(out, j)
		}
	}
	sort.Strings(out)
	return out, nil
}
