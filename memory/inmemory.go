package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps items in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]Item // joined namespace -> key -> item
	now   func() time.Time
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]map[string]Item), now: time.Now}
}

// cloneItem copies it through JSON, the same encoding RedisStore keeps, so
// nested maps and slices are never shared with the caller.
func cloneItem(it Item) (Item, error) {
	it.Namespace = append([]string(nil), it.Namespace...)
	if it.Value == nil {
		return it, nil
	}
	data, err := json.Marshal(it.Value)
	if err != nil {
		return Item{}, fmt.Errorf("failed to encode item value: %w", err)
	}
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil {
		return Item{}, fmt.Errorf("failed to decode item value: %w", err)
	}
	it.Value = value
	return it, nil
}

// Put implements Store.
func (s *InMemoryStore) Put(_ context.Context, ns []string, key string, value map[string]any) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	stored, err := cloneItem(Item{Namespace: ns, Key: key, Value: value})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	joined := joinNS(ns)
	bucket, ok := s.items[joined]
	if !ok {
		bucket = make(map[string]Item)
		s.items[joined] = bucket
	}
	now := s.now()
	created := now
	if prev, ok := bucket[key]; ok {
		created = prev.CreatedAt
	}
	stored.CreatedAt, stored.UpdatedAt = created, now
	bucket[key] = stored
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, ns []string, key string) (Item, error) {
	if err := validate(ns, key); err != nil {
		return Item{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[joinNS(ns)][key]
	if !ok {
		return Item{}, ErrNotFound
	}
	return cloneItem(it)
}

// Search implements Store.
func (s *InMemoryStore) Search(_ context.Context, ns []string, f Filter) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Item
	for joined, bucket := range s.items {
		if !hasPrefix(splitNS(joined), ns) {
			continue
		}
		for _, it := range bucket {
			if !matches(it, f.Query) {
				continue
			}
			cp, err := cloneItem(it)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	return rank(out, f.Limit), nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(_ context.Context, ns []string, key string) error {
	if err := validate(ns, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	joined := joinNS(ns)
	delete(s.items[joined], key)
	if len(s.items[joined]) == 0 {
		delete(s.items, joined)
	}
	return nil
}

// List implements Store.
func (s *InMemoryStore) List(_ context.Context, prefix []string) ([][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var joined []string
	for j := range s.items {
		if hasPrefix(splitNS(j), prefix) {
			joined = append(joined, j)
		}
	}
	sort.Strings(joined)
	out := make([][]string, len(joined))
	for i, j := range joined {
		out[i] = splitNS(j)
	}
	return out, nil
}
