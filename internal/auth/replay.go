package auth

import (
	"sync"
	"time"
)

// DefaultReplayCapacity bounds how many (signer, nonce) pairs are remembered.
const DefaultReplayCapacity = 100_000

// replayGuard remembers each accepted (signer, nonce) pair until its
// timestamp leaves the acceptance window, after which the timestamp check
// rejects it anyway.
type replayGuard struct {
	mu       sync.Mutex
	seen     map[string]time.Time // key -> expiry
	capacity int
}

func newReplayGuard(capacity int) *replayGuard {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &replayGuard{seen: make(map[string]time.Time), capacity: capacity}
}

// claim records key until expires. It fails if key is still remembered, or
// if the guard is full of unexpired entries.
func (g *replayGuard) claim(key string, expires, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if exp, ok := g.seen[key]; ok {
		if now.Before(exp) {
			return ErrReplayed
		}
		delete(g.seen, key)
	}
	if len(g.seen) >= g.capacity {
		g.pruneLocked(now)
		if len(g.seen) >= g.capacity {
			return ErrReplayCacheFull
		}
	}
	g.seen[key] = expires
	return nil
}

func (g *replayGuard) pruneLocked(now time.Time) {
	for k, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, k)
		}
	}
}

func (g *replayGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
