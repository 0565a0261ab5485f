/*
lock.go - In-process named mutex with staleness eviction

PURPOSE:
  Coordinates overlapping logical operations within one process: a
  timer-triggered sync overlapping a manual trigger, or two passes touching
  the same customer. One LockManager instance is owned by the orchestrator
  and injected into the ledger adapter.

ALGORITHM (per acquire attempt):
  1. Read the entry for key.
  2. Present and older than the staleness window -> evict (holder presumed
     crashed) and proceed.
  3. Present and fresh -> sleep retryDelay, next attempt.
  4. Absent -> write a new entry with a fresh holder id, wait the settle
     delay, re-read. If the entry no longer matches our holder id another
     attempt won the race; this attempt counts as failed.

EXPLICITLY PROCESS-LOCAL:
  This is NOT a distributed lock. Two processes can still race on the
  ledger; the adapter's read-verify-write path is the remaining guard.
  If multi-instance safety is ever needed, substitute a store-backed lock
  with atomic compare-and-swap and TTL behind the same Acquire/Release
  surface.

SEE ALSO:
  - orchestrator.go: global and per-customer lock scopes
  - ledger/adapter.go: row-scoped lock inside AddRowIfNotExists
*/
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockManager is a registry of named in-process locks. Safe for concurrent
// use. No I/O.
type LockManager struct {
	mu        sync.Mutex
	entries   map[string]LockEntry
	staleness time.Duration
	settle    time.Duration

	now   func() time.Time          // injectable for tests
	sleep func(context.Context, time.Duration) error
}

// NewLockManager creates a manager with the given staleness window and
// settle delay (see Config.LockStaleness / Config.LockSettleDelay).
func NewLockManager(staleness, settle time.Duration) *LockManager {
	return &LockManager{
		entries:   make(map[string]LockEntry),
		staleness: staleness,
		settle:    settle,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Acquire obtains the lock for key, retrying up to maxRetries times with
// retryDelay between attempts. Returns the opaque holder id required by
// Release. Fails with ErrLockAcquisitionTimeout once the budget is spent.
func (lm *LockManager) Acquire(ctx context.Context, key string, maxRetries int, retryDelay time.Duration) (string, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		holderID, ok := lm.tryWrite(key)
		if ok {
			// Settle, then confirm our entry survived any concurrent write.
			if err := lm.sleep(ctx, lm.settle); err != nil {
				lm.Release(key, holderID)
				return "", err
			}
			if lm.confirm(key, holderID) {
				return holderID, nil
			}
			log.Printf("[LockManager] lost acquisition race on %q, retrying", key)
		}

		if attempt < maxRetries {
			if err := lm.sleep(ctx, retryDelay); err != nil {
				return "", err
			}
		}
	}

	return "", &LockTimeoutError{Key: key, Attempts: maxRetries}
}

// tryWrite installs a new entry for key unless a fresh one exists.
// Stale entries are evicted in place.
func (lm *LockManager) tryWrite(key string) (string, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if entry, exists := lm.entries[key]; exists {
		age := lm.now().Sub(entry.AcquiredAt)
		if age <= lm.staleness {
			return "", false
		}
		log.Printf("[LockManager] evicting stale lock %q (holder %s, age %v)",
			key, entry.HolderID, age)
		delete(lm.entries, key)
	}

	holderID := uuid.NewString()
	lm.entries[key] = LockEntry{Key: key, HolderID: holderID, AcquiredAt: lm.now()}
	return holderID, true
}

// confirm re-reads the entry and checks it still belongs to holderID.
func (lm *LockManager) confirm(key, holderID string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	entry, exists := lm.entries[key]
	return exists && entry.HolderID == holderID
}

// Release deletes the entry for key only if holderID matches the stored
// holder. A mismatched release is logged and ignored - it means the entry
// was evicted as stale and re-acquired by someone else.
func (lm *LockManager) Release(key, holderID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry, exists := lm.entries[key]
	if !exists {
		return
	}
	if entry.HolderID != holderID {
		log.Printf("[LockManager] ignoring release of %q by non-holder %s (held by %s)",
			key, holderID, entry.HolderID)
		return
	}
	delete(lm.entries, key)
}

// IsLocked reports whether a non-stale entry exists for key.
func (lm *LockManager) IsLocked(key string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry, exists := lm.entries[key]
	if !exists {
		return false
	}
	return lm.now().Sub(entry.AcquiredAt) <= lm.staleness
}

// Cleanup evicts every stale entry and returns how many were removed.
func (lm *LockManager) Cleanup() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	evicted := 0
	for key, entry := range lm.entries {
		if lm.now().Sub(entry.AcquiredAt) > lm.staleness {
			delete(lm.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("[LockManager] cleanup evicted %d stale locks", evicted)
	}
	return evicted
}

// ForceRelease removes the entry for key regardless of holder. Operational
// escape hatch, exposed via the admin API only.
func (lm *LockManager) ForceRelease(key string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, exists := lm.entries[key]; !exists {
		return false
	}
	delete(lm.entries, key)
	log.Printf("[LockManager] force-released %q", key)
	return true
}

// ActiveLocks returns a snapshot of all entries with their ages.
func (lm *LockManager) ActiveLocks() []LockStatus {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	out := make([]LockStatus, 0, len(lm.entries))
	for _, entry := range lm.entries {
		out = append(out, LockStatus{
			Key:      entry.Key,
			HolderID: entry.HolderID,
			Age:      lm.now().Sub(entry.AcquiredAt),
		})
	}
	return out
}
