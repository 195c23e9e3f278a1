package generation

import (
	"context"
	"sync"
	"time"
)

// Cooldown enforces a minimum interval between submissions of one user.
type Cooldown struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[int64]time.Time
}

func NewCooldown(interval time.Duration) *Cooldown {
	return &Cooldown{interval: interval, now: time.Now, last: make(map[int64]time.Time)}
}

// Allow records the attempt and reports whether it is outside the window.
// Check and write happen under one lock hold.
func (c *Cooldown) Allow(userID int64) bool {
	if c.interval <= 0 {
		return true
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.last[userID]; ok && now.Sub(t) < c.interval {
		return false
	}
	c.last[userID] = now
	if len(c.last) > 10000 {
		c.pruneLocked(now)
	}
	return true
}

func (c *Cooldown) pruneLocked(now time.Time) {
	for id, t := range c.last {
		if now.Sub(t) >= c.interval {
			delete(c.last, id)
		}
	}
}

type userLock struct {
	ch   chan struct{}
	refs int
}

// UserLocks serializes execution per user. Entries are dropped once nobody holds or waits on them.
type UserLocks struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[int64]*userLock)}
}

// Lock blocks until the user's lock is held or ctx is done. The returned func releases it.
func (l *UserLocks) Lock(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{ch: make(chan struct{}, 1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(userID, ul)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ul.ch
			l.unref(userID, ul)
		})
	}, nil
}

func (l *UserLocks) unref(userID int64, ul *userLock) {
	l.mu.Lock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
	l.mu.Unlock()
}

// Len is the number of users currently holding or waiting on a lock.
func (l *UserLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
