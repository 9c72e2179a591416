package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupFirstSeenIsNew(t *testing.T) {
	d := NewDedup(time.Minute)

	assert.False(t, d.IsDuplicate("i1"))
	assert.True(t, d.IsDuplicate("i1"))
	assert.False(t, d.IsDuplicate("i2"))
}

func TestDedupExpiresAfterTTL(t *testing.T) {
	d := NewDedup(10 * time.Millisecond)

	assert.False(t, d.IsDuplicate("i1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, d.IsDuplicate("i1"), "an expired id counts as new again")
}

func TestDedupCleanupDropsExpired(t *testing.T) {
	d := NewDedup(10 * time.Millisecond)

	d.IsDuplicate("stale")
	time.Sleep(20 * time.Millisecond)
	d.IsDuplicate("fresh")

	d.Cleanup()

	d.mu.Lock()
	_, staleKept := d.seen["stale"]
	_, freshKept := d.seen["fresh"]
	d.mu.Unlock()
	assert.False(t, staleKept)
	assert.True(t, freshKept)
}
