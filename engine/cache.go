/*
cache.go - PurchaseCache, the fast-path set of known payment ids

A negative answer here is NOT authoritative: the cache may lag the ledger.
Callers must corroborate a miss against the DuplicateChecker (and the
adapter re-checks once more inside the insert lock). A positive answer is
safe to act on - ids are only added after they were observed in the ledger
or written to it.
*/
package engine

import (
	"context"
	"sync"
)

// PurchaseCache is a flat set of payment ids already represented in the
// ledger. Safe for concurrent use.
type PurchaseCache struct {
	mu  sync.RWMutex
	ids map[PaymentID]struct{}
}

// NewPurchaseCache returns an empty cache.
func NewPurchaseCache() *PurchaseCache {
	return &PurchaseCache{ids: make(map[PaymentID]struct{})}
}

// Has reports whether id has been seen. A false result must be
// corroborated before treating the payment as new.
func (c *PurchaseCache) Has(id PaymentID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ids[id]
	return ok
}

// Add marks id as seen.
func (c *PurchaseCache) Add(id PaymentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[id] = struct{}{}
}

// Clear empties the cache.
func (c *PurchaseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = make(map[PaymentID]struct{})
}

// Size returns the number of known ids.
func (c *PurchaseCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// Reload rebuilds the set from a full ledger read, replacing all previous
// contents atomically.
func (c *PurchaseCache) Reload(ctx context.Context, reader LedgerReader) error {
	rows, err := reader.Rows(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[PaymentID]struct{})
	for _, row := range rows {
		for _, id := range row.PaymentIDs {
			fresh[id] = struct{}{}
		}
	}

	c.mu.Lock()
	c.ids = fresh
	c.mu.Unlock()
	return nil
}
