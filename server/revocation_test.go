package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRevocationList(capacity int, ttl time.Duration) *RevocationList {
	rl := NewRevocationList(RevocationConfig{Capacity: capacity}, testLogger())
	rl.ttl = ttl // negative TTLs produce already-lapsed entries
	return rl
}

func TestRevokeAndContains(t *testing.T) {
	rl := newTestRevocationList(10, time.Hour)

	assert.False(t, rl.Contains("user-1"))
	rl.Revoke("user-1")
	assert.True(t, rl.Contains("user-1"))
	assert.False(t, rl.Contains("user-2"))
}

func TestContainsIgnoresLapsedEntries(t *testing.T) {
	rl := newTestRevocationList(10, -time.Minute)

	rl.Revoke("user-1")
	assert.False(t, rl.Contains("user-1"), "lapsed revocation must not block validation")
	assert.Equal(t, 1, rl.Len(), "entry stays until swept")
}

func TestSweepExpired(t *testing.T) {
	rl := newTestRevocationList(10, -time.Minute)

	rl.Revoke("user-1")
	rl.Revoke("user-2")
	rl.Revoke("user-3")

	removed := rl.SweepExpired()
	assert.Equal(t, 3, removed)
	assert.Equal(t, 0, rl.Len())
}

func TestSweepKeepsLiveEntries(t *testing.T) {
	rl := newTestRevocationList(10, time.Hour)

	rl.Revoke("user-1")
	assert.Equal(t, 0, rl.SweepExpired())
	assert.True(t, rl.Contains("user-1"))
}

func TestCapacityEvictsOldestHalf(t *testing.T) {
	rl := newTestRevocationList(4, time.Hour)

	for i := 0; i < 4; i++ {
		rl.Revoke(fmt.Sprintf("user-%d", i))
		time.Sleep(2 * time.Millisecond) // distinct revocation times
	}
	require.Equal(t, 4, rl.Len())

	rl.Revoke("user-4")

	// No entries were expired, so the oldest half (2 of 4) is evicted
	// to make room.
	assert.Equal(t, 3, rl.Len())
	assert.False(t, rl.Contains("user-0"))
	assert.False(t, rl.Contains("user-1"))
	assert.True(t, rl.Contains("user-2"))
	assert.True(t, rl.Contains("user-3"))
	assert.True(t, rl.Contains("user-4"))
}

func TestCapacityPurgesExpiredBeforeEvicting(t *testing.T) {
	rl := newTestRevocationList(4, time.Hour)

	// Two entries that lapse immediately.
	rl.mu.Lock()
	rl.entries["stale-1"] = revocationEntry{ExpiresAt: time.Now().Add(-time.Minute), RevokedAt: time.Now().Add(-2 * time.Hour)}
	rl.entries["stale-2"] = revocationEntry{ExpiresAt: time.Now().Add(-time.Minute), RevokedAt: time.Now().Add(-2 * time.Hour)}
	rl.mu.Unlock()

	rl.Revoke("live-1")
	rl.Revoke("live-2")
	require.Equal(t, 4, rl.Len())

	rl.Revoke("live-3")

	// Purging the stale entries made room; no live entry was evicted.
	assert.True(t, rl.Contains("live-1"))
	assert.True(t, rl.Contains("live-2"))
	assert.True(t, rl.Contains("live-3"))
	assert.Equal(t, 3, rl.Len())
}

func TestReRevokeExistingSubjectAtCapacity(t *testing.T) {
	rl := newTestRevocationList(2, time.Hour)

	rl.Revoke("user-1")
	rl.Revoke("user-2")

	// Updating an existing entry needs no eviction.
	rl.Revoke("user-1")
	assert.Equal(t, 2, rl.Len())
	assert.True(t, rl.Contains("user-1"))
	assert.True(t, rl.Contains("user-2"))
}

func TestStartSweeperStops(t *testing.T) {
	rl := newTestRevocationList(10, -time.Minute)
	rl.sweep = 5 * time.Millisecond

	stop := make(chan struct{})
	rl.StartSweeper(stop)

	rl.Revoke("user-1")
	assert.Eventually(t, func() bool { return rl.Len() == 0 }, time.Second, 5*time.Millisecond)
	close(stop)
}
