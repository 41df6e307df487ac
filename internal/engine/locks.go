package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/vannguyen-14/client-matino/internal/state"
)

// keyedLocks hands out one mutual-exclusion scope per user id.
//
// Entries are reference counted and removed once no caller holds or waits
// for them, so the map only grows with the number of users active at the
// same moment.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[state.UserID]*userLock
}

type userLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[state.UserID]*userLock)}
}

// acquire blocks until the caller owns id's scope or ctx is done. The
// returned release is safe to call more than once.
func (k *keyedLocks) acquire(ctx context.Context, id state.UserID) (release func(), err error) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &userLock{sem: semaphore.NewWeighted(1)}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		k.unref(id, l)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			k.unref(id, l)
		})
	}, nil
}

func (k *keyedLocks) unref(id state.UserID, l *userLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

// active returns the number of users with a held or awaited scope.
func (k *keyedLocks) active() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
