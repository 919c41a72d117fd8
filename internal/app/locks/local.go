package locks

import (
	"context"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/semaphore"
)

// Local is an in-process Locker. Each key maps to a weight-one semaphore, so
// waiters give up as soon as their context is done.
type Local struct {
	mu      deadlock.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	sem  *semaphore.Weighted
	refs int
}

var _ Locker = (*Local)(nil)

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) Acquire(ctx context.Context, keys ...string) (Release, error) {
	ordered := Normalize(keys)
	held := make([]func(), 0, len(ordered))
	for _, key := range ordered {
		entry := l.ref(key)
		if err := entry.sem.Acquire(ctx, 1); err != nil {
			l.unref(key)
			releaseAll(held)()
			return nil, timeoutError(key, err)
		}
		k := key
		held = append(held, func() {
			entry.sem.Release(1)
			l.unref(k)
		})
	}
	return releaseAll(held), nil
}

// Held reports how many keys currently have holders or waiters.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Local) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, key)
	}
}
