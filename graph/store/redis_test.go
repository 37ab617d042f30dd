package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisOptions{Addr: mr.Addr(), Prefix: "test:"})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_Conformance(t *testing.T) {
	testConformance(t, func(t *testing.T) Store {
		s, _ := newTestRedisStore(t)
		return s
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, newCheckpoint("t1", "cp-1", "", 0))
	require.NoError(t, err)
	_, err = s.Put(ctx, newCheckpoint("t1", "cp-2", "cp-1", 1))
	require.NoError(t, err)

	tip, err := mr.Get("test:thread:t1:tip")
	require.NoError(t, err)
	assert.Equal(t, "cp-2", tip)
	assert.True(t, mr.Exists("test:thread:t1:cp:cp-1"))
	assert.True(t, mr.Exists("test:thread:t1:cp:cp-2"))

	ids, err := s.IDs(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cp-1", "cp-2"}, ids)

	require.NoError(t, s.DeleteThread(ctx, "t1"))
	assert.False(t, mr.Exists("test:thread:t1:tip"))
	assert.False(t, mr.Exists("test:thread:t1:cp:cp-1"))
	assert.False(t, mr.Exists("test:thread:t1:ids"))
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisOptions{Addr: mr.Addr(), TTL: time.Hour})
	defer s.Close()

	_, err := s.Put(context.Background(), newCheckpoint("t1", "cp-1", "", 0))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("stepgraph:thread:t1:cp:cp-1"))
	assert.Equal(t, time.Hour, mr.TTL("stepgraph:thread:t1:tip"))
	assert.Equal(t, time.Hour, mr.TTL("stepgraph:thread:t1:ids"))
}

func TestRedisStore_TTLExpiresThreadAsUnit(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(RedisOptions{Addr: mr.Addr(), TTL: time.Hour})
	defer s.Close()
	ctx := context.Background()

	_, err := s.Put(ctx, newCheckpoint("t1", "cp-1", "", 0))
	require.NoError(t, err)
	mr.FastForward(40 * time.Minute)
	_, err = s.Put(ctx, newCheckpoint("t1", "cp-2", "cp-1", 1))
	require.NoError(t, err)

	// The second append refreshed the first checkpoint, so history is whole.
	mr.FastForward(40 * time.Minute)
	var ids []string
	for cp, err := range s.History(ctx, "t1") {
		require.NoError(t, err)
		ids = append(ids, cp.ID)
	}
	assert.Equal(t, []string{"cp-2", "cp-1"}, ids)

	// Once everything expired the thread is unknown and starts over.
	mr.FastForward(2 * time.Hour)
	_, err = s.Get(ctx, "t1", "")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	_, err = s.Put(ctx, newCheckpoint("t1", "cp-3", "", 0))
	require.NoError(t, err)
	got, err := s.Get(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "cp-3", got.ID)
}

func TestRedisStore_SharedClientNotClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStoreWithClient(client, "", 0)
	require.NoError(t, s.Close())
	assert.NoError(t, client.Ping(context.Background()).Err(), "caller-owned client must stay open")
}

func TestRedisStore_ClosedClient(t *testing.T) {
	s, _ := newTestRedisStore(t)
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "t1", "")
	assert.ErrorIs(t, err, ErrClosed)
}
