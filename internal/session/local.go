package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Locker serializes work on one key across callers. Release is safe to call
// more than once.
type Locker interface {
	Lock(ctx context.Context, name string, ttl, wait time.Duration) (func(context.Context) error, error)
}

var (
	_ Locker = (*RedisStore)(nil)
	_ Locker = (*LocalLocker)(nil)
)

// LocalLocker is the single-process fallback used when Redis is not
// configured. Locks are keyed by name and do not expire.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]chan struct{}{}}
}

func (l *LocalLocker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	return ch
}

func (l *LocalLocker) Lock(ctx context.Context, name string, _ time.Duration, wait time.Duration) (func(context.Context) error, error) {
	ch := l.slot(name)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func(context.Context) error {
			once.Do(func() { <-ch })
			return nil
		}, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
