// Package lock serializes work that shares a key, inside one process or
// across every process talking to the same Redis.
package lock

import (
	"context"
	"sync"
)

// Local is a keyed mutex. The zero value is ready to use.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{}
}

// WithLock runs fn while no other WithLock call on the same key is running.
// It gives up with ctx's error when ctx ends before the key is free.
func (l *Local) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	s := l.acquire(key)
	defer l.release(key, s)

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.ch }()

	return fn(ctx)
}

func (l *Local) acquire(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = make(map[string]*slot)
	}
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
