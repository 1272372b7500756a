package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Defaults for Redis locks.
const (
	DefaultTTL       = 5 * time.Minute
	DefaultRetryWait = 250 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a distributed Locker using SET NX PX with a random token. The TTL
// is extended in the background while the lock is held, so a crashed holder
// frees the key after one TTL.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
	logger    *slog.Logger
}

// NewRedis creates a Redis locker. Keys are stored as prefix+key.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, retryWait: DefaultRetryWait, logger: logger}
}

// Lock implements Locker. The held context is cancelled with ErrLockLost
// when a refresh finds the key no longer holds our token.
func (r *Redis) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	name := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(r.retryWait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ctx.Err()
		}
	}

	held, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(name, token, stop, cancel)
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			cancel(nil)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{name}, token).Err(); err != nil {
				r.logger.Warn("release lock failed", "key", name, "error", err)
			}
		})
	}, nil
}

func (r *Redis) keepAlive(name, token string, stop <-chan struct{}, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := refreshScript.Run(ctx, r.client, []string{name}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				r.logger.Warn("refresh lock failed", "key", name, "error", err)
				continue
			}
			if n == 0 {
				r.logger.Error("lock lost", "key", name)
				lost(fmt.Errorf("%w: %s", ErrLockLost, name))
				return
			}
		}
	}
}
