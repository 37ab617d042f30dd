// Package memory is a namespaced long-term store that agent nodes use to keep
// facts across threads, for example per-user preferences under
// []string{userID, "memories"}.
//
// Unlike checkpoints, memory items are not versioned: Put overwrites.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get for a missing item.
var ErrNotFound = errors.New("memory item not found")

// Item is a stored value.
type Item struct {
	Namespace []string       `json:"namespace"`
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Filter narrows Search.
type Filter struct {
	// Query keeps items whose JSON-encoded value contains it, case-insensitively.
	Query string

	// Limit caps the result; 0 means DefaultLimit.
	Limit int
}

// DefaultLimit bounds Search when Filter.Limit is 0.
const DefaultLimit = 10

// Store is implemented by InMemoryStore and RedisStore.
type Store interface {
	// Put creates or replaces the item at (ns, key).
	Put(ctx context.Context, ns []string, key string, value map[string]any) error

	// Get returns the item at (ns, key) or ErrNotFound.
	Get(ctx context.Context, ns []string, key string) (Item, error)

	// Search returns items in ns and its sub-namespaces matching f, most
	// recently updated first.
	Search(ctx context.Context, ns []string, f Filter) ([]Item, error)

	// Delete removes the item; deleting a missing item is not an error.
	Delete(ctx context.Context, ns []string, key string) error

	// List returns the namespaces under prefix that hold items, sorted.
	List(ctx context.Context, prefix []string) ([][]string, error)
}

// NewKey returns a fresh item key.
func NewKey() string {
	return uuid.NewString()
}

func validate(ns []string, key string) error {
	if len(ns) == 0 {
		return errors.New("namespace cannot be empty")
	}
	for _, part := range ns {
		if part == "" || strings.ContainsRune(part, sep) {
			return fmt.Errorf("invalid namespace label %q", part)
		}
	}
	if key == "" {
		return errors.New("key cannot be empty")
	}
	return nil
}

// sep joins namespace labels into a single string.
const sep = '\x1f'

func joinNS(ns []string) string {
	return strings.Join(ns, string(sep))
}

func splitNS(s string) []string {
	return strings.Split(s, string(sep))
}

func hasPrefix(ns, prefix []string) bool {
	if len(prefix) > len(ns) {
		return false
	}
	for i := range prefix {
		if ns[i] != prefix[i] {
			return false
		}
	}
	return true
}

func matches(it Item, query string) bool {
	if query == "" {
		return true
	}
	data, err := json.Marshal(it.Value)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), strings.ToLower(query))
}

// rank orders items most recent first and applies the limit.
func rank(items []Item, limit int) []Item {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].Key < items[j].Key
	})
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
