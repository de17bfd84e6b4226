package staking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultLockTimeout bounds how long a mutation waits for a busy position.
const DefaultLockTimeout = 2 * time.Second

// Locker grants exclusive access to a single position. Lock returns an unlock
// func on success and ErrContention when the key stays busy past the
// implementation's timeout.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// LocalLocker serialises positions within one process. Entries are reference
// counted and dropped once no caller holds or waits on them.
type LocalLocker struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*lockEntry
}

// NewLocalLocker returns a locker whose acquisitions give up after timeout.
// A non-positive timeout falls back to DefaultLockTimeout.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LocalLocker{timeout: timeout, entries: make(map[string]*lockEntry)}
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, l.timeout)
	err := entry.sem.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		l.drop(key, entry)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s", ErrContention, key)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			l.drop(key, entry)
		})
	}, nil
}

func (l *LocalLocker) drop(key string, entry *lockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

func (l *LocalLocker) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
