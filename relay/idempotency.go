package relay

import (
	"sync"
	"time"
)

// Guard is a time-bounded deduplication store keyed by request id. A live
// reservation blocks a second enqueue of the same id until its TTL passes.
// Expired records are purged lazily on the next Reserve.
//
// A disabled guard reserves everything and stores nothing.
type Guard struct {
	mu      sync.Mutex
	records map[string]time.Time // request id -> expiry
	ttl     time.Duration
	enabled bool
	now     func() time.Time
}

// NewGuard creates a guard with the given TTL. A nil guard is also safe to
// use and behaves as disabled.
func NewGuard(ttl time.Duration, enabled bool) *Guard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Guard{
		records: make(map[string]time.Time),
		ttl:     ttl,
		enabled: enabled,
		now:     time.Now,
	}
}

// Reserve attempts to reserve a request id. It returns true if the id was
// newly reserved and false if a live record already exists. Purge and
// check-or-insert run under one lock so two callers can never both believe
// they reserved the same id.
func (g *Guard) Reserve(id string) bool {
	if g == nil || !g.enabled {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, expiry := range g.records {
		if now.After(expiry) {
			delete(g.records, k)
		}
	}

	if _, exists := g.records[id]; exists {
		return false
	}
	g.records[id] = now.Add(g.ttl)
	return true
}

// Release rolls back a reservation, used when a synchronous publish fails
// so the caller can retry with the same request id.
func (g *Guard) Release(id string) {
	if g == nil || !g.enabled {
		return
	}
	g.mu.Lock()
	delete(g.records, id)
	g.mu.Unlock()
}

// Len returns the number of live records.
func (g *Guard) Len() int {
	if g == nil || !g.enabled {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}
