package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContextMutex_BasicLockUnlock(t *testing.T) {
	m := NewContextMutex()

	unlock, err := m.LockContext(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	// Lock again after release.
	unlock, err = m.LockContext(context.Background())
	if err != nil {
		t.Fatalf("expected no error on relock, got %v", err)
	}
	unlock()
}

func TestContextMutex_ZeroValue(t *testing.T) {
	var m ContextMutex

	unlock, err := m.LockContext(context.Background())
	if err != nil {
		t.Fatalf("zero value should be usable, got %v", err)
	}
	unlock()
}

func TestContextMutex_MutualExclusion(t *testing.T) {
	m := NewContextMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx)
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic increment; broken exclusion shows up as a lost update.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d (mutual exclusion violated)", n, got)
	}
}

func TestContextMutex_ContextDeadline(t *testing.T) {
	m := NewContextMutex()

	unlock, err := m.LockContext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestContextMutex_AlreadyCancelled(t *testing.T) {
	m := NewContextMutex()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.LockContext(ctx); err != context.Canceled {
		t.Fatalf("expected Canceled, got %v", err)
	}

	// The failed attempt must not have taken the lock.
	unlock, ok := m.TryLock()
	if !ok {
		t.Fatal("lock should still be free")
	}
	unlock()
}

func TestContextMutex_DoubleUnlockIsSafe(t *testing.T) {
	m := NewContextMutex()

	unlock, err := m.LockContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	unlock()
	unlock()

	first, ok := m.TryLock()
	if !ok {
		t.Fatal("expected lock to be free")
	}
	defer first()
	if _, ok := m.TryLock(); ok {
		t.Fatal("double unlock must not release a second slot")
	}
}

func TestContextMutex_WaiterAcquiresAfterRelease(t *testing.T) {
	m := NewContextMutex()

	unlock, err := m.LockContext(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(context.Background())
		if err != nil {
			t.Errorf("waiter lock failed: %v", err)
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
