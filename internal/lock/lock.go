// Package lock provides region-scoped mutual exclusion so two runs never
// advance the same region's events concurrently.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockLost is the cancellation cause of a held context whose lock expired
// or was taken over while work was still running under it.
var ErrLockLost = errors.New("lock lost")

// Locker grants exclusive access to a key. Lock blocks until the lock is held
// or ctx is done. Work under the lock runs on the returned context, which is
// derived from ctx and cancelled on release or, with cause ErrLockLost, when
// the lock is lost. The release func is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (held context.Context, release func(), err error)
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Lock implements Locker. An in-process lock is never lost.
func (l *Local) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	held, cancel := context.WithCancel(ctx)
	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel()
			<-ch
		})
	}, nil
}
