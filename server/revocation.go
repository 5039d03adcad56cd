package server

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// revocationEntry records when a subject was revoked and when the
// revocation naturally lapses.
type revocationEntry struct {
	ExpiresAt time.Time
	RevokedAt time.Time
}

// RevocationList is a bounded in-memory registry of revoked subjects.
type RevocationList struct {
	mu       sync.RWMutex
	entries  map[string]revocationEntry
	capacity int
	ttl      time.Duration
	sweep    time.Duration
	logger   *slog.Logger
}

// NewRevocationList constructs the registry from config.
func NewRevocationList(cfg RevocationConfig, logger *slog.Logger) *RevocationList {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultRevocationCap
	}
	ttl := cfg.EntryTTL.Std()
	if ttl <= 0 {
		ttl = DefaultRevocationTTL
	}
	sweep := cfg.SweepInterval.Std()
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &RevocationList{
		entries:  make(map[string]revocationEntry),
		capacity: capacity,
		ttl:      ttl,
		sweep:    sweep,
		logger:   logger,
	}
}

// Revoke records subject as revoked. When the registry is at capacity
// it first drops expired entries, then evicts the oldest half by
// revocation time before inserting.
func (rl *RevocationList) Revoke(subject string) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if _, exists := rl.entries[subject]; !exists && len(rl.entries) >= rl.capacity {
		rl.purgeExpiredLocked(now)
		if len(rl.entries) >= rl.capacity {
			rl.evictOldestLocked(rl.capacity / 2)
		}
	}

	rl.entries[subject] = revocationEntry{
		ExpiresAt: now.Add(rl.ttl),
		RevokedAt: now,
	}
}

// Contains reports whether subject is currently revoked.
func (rl *RevocationList) Contains(subject string) bool {
	rl.mu.RLock()
	entry, ok := rl.entries[subject]
	rl.mu.RUnlock()
	if !ok {
		return false
	}
	return time.Now().Before(entry.ExpiresAt)
}

// Len returns the number of stored entries, including lapsed ones not
// yet swept.
func (rl *RevocationList) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.entries)
}

// SweepExpired removes entries whose natural expiry has passed and
// returns how many were dropped.
func (rl *RevocationList) SweepExpired() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.purgeExpiredLocked(time.Now())
}

// StartSweeper launches the periodic background sweep.
func (rl *RevocationList) StartSweeper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(rl.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := rl.SweepExpired(); n > 0 {
					rl.logger.Debug("revocation sweep", "removed", n)
				}
			case <-stop:
				return
			}
		}
	}()
}

func (rl *RevocationList) purgeExpiredLocked(now time.Time) int {
	removed := 0
	for sub, entry := range rl.entries {
		if now.After(entry.ExpiresAt) {
			delete(rl.entries, sub)
			removed++
		}
	}
	return removed
}

func (rl *RevocationList) evictOldestLocked(n int) {
	if n <= 0 || len(rl.entries) == 0 {
		return
	}

	type aged struct {
		subject   string
		revokedAt time.Time
	}
	all := make([]aged, 0, len(rl.entries))
	for sub, entry := range rl.entries {
		all = append(all, aged{subject: sub, revokedAt: entry.RevokedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].revokedAt.Before(all[j].revokedAt)
	})

	if n > len(all) {
		n = len(all)
	}
	for _, victim := range all[:n] {
		delete(rl.entries, victim.subject)
	}
	rl.logger.Warn("revocation registry full, evicted oldest entries", "evicted", n)
}
