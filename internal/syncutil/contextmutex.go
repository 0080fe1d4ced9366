// Package syncutil holds locking primitives shared by the registry and its stores.
package syncutil

import (
	"context"
	"sync"
)

// ContextMutex is a mutex implemented with a one-slot channel so that a
// waiting caller can give up when its context is cancelled. The registry
// uses one to run every mutating operation as a single serialized unit.
type ContextMutex struct {
	ch   chan struct{}
	once sync.Once
}

// NewContextMutex returns an unlocked ContextMutex. The zero value is also
// ready to use.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{}
	m.init()
	return m
}

func (m *ContextMutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{}
	})
}

// LockContext acquires the mutex or returns ctx.Err() if the context ends
// first. On success the caller MUST call the returned unlock function
// exactly once.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	m.init()

	// Prefer a cancelled context over a free lock so callers that have
	// already given up never start work.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-m.ch:
		var released sync.Once
		return func() {
			released.Do(func() { m.ch <- struct{}{} })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free right now.
func (m *ContextMutex) TryLock() (func(), bool) {
	m.init()
	select {
	case <-m.ch:
		var released sync.Once
		return func() {
			released.Do(func() { m.ch <- struct{}{} })
		}, true
	default:
		return nil, false
	}
}
