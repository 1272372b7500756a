package lock

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRedis keeps lock keys in a map and answers the lock scripts by their
// hash. Everything else panics through the nil embedded client.
type memRedis struct {
	redis.UniversalClient
	mu   sync.Mutex
	keys map[string]string
}

func newMemRedis() *memRedis {
	return &memRedis{keys: map[string]string{}}
}

func (m *memRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.keys[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (m *memRedis) EvalSha(_ context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[keys[0]] != args[0] {
		return redis.NewCmdResult(int64(0), nil)
	}
	if sha1 == releaseScript.Hash() {
		delete(m.keys, keys[0])
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (m *memRedis) steal(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = "another-holder"
}

func (m *memRedis) holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.keys[key]
	return v, ok
}

func newTestRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	r := NewRedis(client, "lock:", ttl, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.retryWait = time.Millisecond
	return r
}

func TestRedis_LockAndRelease(t *testing.T) {
	client := newMemRedis()
	r := newTestRedis(client, time.Minute)

	held, release, err := r.Lock(context.Background(), "region-1")
	require.NoError(t, err)
	_, ok := client.holder("lock:region-1")
	assert.True(t, ok)

	release()
	release()
	_, ok = client.holder("lock:region-1")
	assert.False(t, ok, "release deletes the key")
	assert.ErrorIs(t, held.Err(), context.Canceled)
	assert.NotErrorIs(t, context.Cause(held), ErrLockLost)
}

func TestRedis_WaitsForHolder(t *testing.T) {
	client := newMemRedis()
	client.steal("lock:region-1")
	r := newTestRedis(client, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := r.Lock(ctx, "region-1")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedis_LostLockCancelsHeldContext(t *testing.T) {
	client := newMemRedis()
	r := newTestRedis(client, 30*time.Millisecond)

	held, release, err := r.Lock(context.Background(), "region-1")
	require.NoError(t, err)
	defer release()

	client.steal("lock:region-1")

	select {
	case <-held.Done():
	case <-time.After(time.Second):
		t.Fatal("held context not cancelled after the lock was taken over")
	}
	assert.ErrorIs(t, context.Cause(held), ErrLockLost)

	release()
	holder, _ := client.holder("lock:region-1")
	assert.Equal(t, "another-holder", holder, "release leaves the new holder's key alone")
}
