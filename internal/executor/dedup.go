package executor

import (
	"sync"
	"time"
)

// Dedup prevents a trade intent from being executed more than once within a
// time-to-live window. Safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // intent ID -> last seen time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup that considers an intent a duplicate when it has
// been seen within ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate reports whether intentID was seen within the TTL window. An
// unseen (or expired) id is recorded and reported as new.
func (d *Dedup) IsDuplicate(intentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if lastSeen, ok := d.seen[intentID]; ok && now.Sub(lastSeen) < d.ttl {
		return true
	}

	d.seen[intentID] = now
	return false
}

// Cleanup removes expired entries; call periodically to bound memory.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
