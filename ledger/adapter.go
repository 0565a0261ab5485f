/*
adapter.go - LedgerAdapter: cached reads, paced writes, atomic insert

PURPOSE:
  Implements engine.Ledger over a raw Store. Three concerns live here:
  1. A TTL-cached full-table read so caches can rebuild cheaply.
  2. Write pacing (fixed inter-append delay, chunked batches) to respect
     the external API's throughput limit.
  3. AddRowIfNotExists: the one atomic-looking operation the engine gets.
     Under a row-scoped lock it re-reads the ledger twice - once for the
     unique field, once for payment-id overlap (a payment re-grouped under
     a different purchase id must still not produce a second row) - and
     appends only if both checks are negative.

The lock is shared with the orchestrator's LockManager so every lock in
the process is visible in one registry.
*/
package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/warp/ledger-sync/engine"
)

// Adapter implements engine.Ledger over a Store.
type Adapter struct {
	store Store
	locks *engine.LockManager
	cfg   engine.Config

	mu        sync.Mutex
	cached    []engine.LedgerRow
	cachedAt  time.Time
	lastWrite time.Time
}

// NewAdapter wires an adapter over store using the shared lock manager.
func NewAdapter(store Store, locks *engine.LockManager, cfg engine.Config) *Adapter {
	return &Adapter{store: store, locks: locks, cfg: cfg}
}

// =============================================================================
// CACHED READ
// =============================================================================

// Rows returns the full ledger, served from cache within the TTL.
func (a *Adapter) Rows(ctx context.Context) ([]engine.LedgerRow, error) {
	a.mu.Lock()
	if a.cached != nil && time.Since(a.cachedAt) <= a.cfg.LedgerCacheTTL {
		rows := a.cached
		a.mu.Unlock()
		return rows, nil
	}
	a.mu.Unlock()

	rows, err := a.store.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cached = rows
	a.cachedAt = time.Now()
	a.mu.Unlock()
	return rows, nil
}

// InvalidateCache drops the cached read.
func (a *Adapter) InvalidateCache() {
	a.mu.Lock()
	a.cached = nil
	a.mu.Unlock()
}

// =============================================================================
// WRITES
// =============================================================================

// AddRow appends row unconditionally, paced by the configured inter-call
// delay. Callers on the sync path want AddRowIfNotExists instead.
func (a *Adapter) AddRow(ctx context.Context, row engine.LedgerRow) (engine.LedgerRow, error) {
	if err := a.pace(ctx); err != nil {
		return engine.LedgerRow{}, err
	}

	pos, err := a.store.Append(ctx, row)
	if err != nil {
		return engine.LedgerRow{}, err
	}
	row.Position = pos
	a.InvalidateCache()
	return row, nil
}

// UpdateRow applies fields to the row at position and drops the cache.
func (a *Adapter) UpdateRow(ctx context.Context, position int, fields engine.RowFields) error {
	if err := a.store.Update(ctx, position, fields); err != nil {
		return err
	}
	a.InvalidateCache()
	return nil
}

// pace enforces the minimum gap between raw appends.
func (a *Adapter) pace(ctx context.Context) error {
	a.mu.Lock()
	now := time.Now()
	slot := a.lastWrite.Add(a.cfg.AppendDelay)
	if slot.Before(now) {
		slot = now
	}
	a.lastWrite = slot
	wait := slot.Sub(now)
	a.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// ATOMIC INSERT
// =============================================================================

// AddRowIfNotExists appends row only if the ledger holds no row matching
// uniqueField and no row whose payment-id list overlaps row's. Both checks
// run on a fresh read while holding a lock scoped to uniqueField:value, so
// two concurrent inserts for the same value serialize here. The lock is
// released on every path.
func (a *Adapter) AddRowIfNotExists(ctx context.Context, row engine.LedgerRow, uniqueField string) (engine.AddResult, error) {
	value, err := uniqueValue(row, uniqueField)
	if err != nil {
		return engine.AddResult{}, err
	}

	lockKey := uniqueField + ":" + value
	holder, err := a.locks.Acquire(ctx, lockKey, a.cfg.CustomerLockMaxRetries, a.cfg.CustomerLockRetryDelay)
	if err != nil {
		return engine.AddResult{}, err
	}
	defer a.locks.Release(lockKey, holder)

	// Fresh read: the cache is not trusted this close to a write.
	a.InvalidateCache()
	rows, err := a.Rows(ctx)
	if err != nil {
		return engine.AddResult{}, err
	}

	// Check 1: unique field already present.
	for i := range rows {
		existing, err := uniqueValue(rows[i], uniqueField)
		if err != nil {
			return engine.AddResult{}, err
		}
		if existing == value {
			return engine.AddResult{
				Success: true,
				Exists:  true,
				Action:  engine.ActionSkipped,
				Row:     &rows[i],
				Reason:  fmt.Sprintf("row with %s=%s already present", uniqueField, value),
			}, nil
		}
	}

	// Check 2: any of our payment ids already claimed by some row, even
	// one with a different unique value.
	for i := range rows {
		for _, id := range row.PaymentIDs {
			if rows[i].HasPayment(id) {
				log.Printf("[LedgerAdapter] payment %s already held by row %d (%s), skipping insert",
					id, rows[i].Position, rows[i].PurchaseID)
				return engine.AddResult{
					Success: true,
					Exists:  true,
					Action:  engine.ActionSkipped,
					Row:     &rows[i],
					Reason:  fmt.Sprintf("payment %s already in row %d", id, rows[i].Position),
				}, nil
			}
		}
	}

	added, err := a.AddRow(ctx, row)
	if err != nil {
		return engine.AddResult{}, err
	}
	return engine.AddResult{
		Success: true,
		Action:  engine.ActionAdded,
		Row:     &added,
	}, nil
}

// uniqueValue extracts the dedup key named by uniqueField from row.
func uniqueValue(row engine.LedgerRow, uniqueField string) (string, error) {
	switch uniqueField {
	case "customer_id":
		return string(row.CustomerID), nil
	case "purchase_id":
		return string(row.PurchaseID), nil
	default:
		return "", fmt.Errorf("unsupported unique field %q", uniqueField)
	}
}

// =============================================================================
// BATCHES
// =============================================================================

// ItemResult reports one item's outcome inside a batch.
type ItemResult struct {
	Index  int
	Result engine.AddResult
	Err    error
}

// BatchAdd applies AddRowIfNotExists to each row in fixed-size chunks with
// an inter-chunk delay. One item's failure never fails the batch.
func (a *Adapter) BatchAdd(ctx context.Context, rows []engine.LedgerRow, uniqueField string) []ItemResult {
	results := make([]ItemResult, 0, len(rows))

	for start := 0; start < len(rows); start += a.cfg.BatchSize {
		end := start + a.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}

		for i := start; i < end; i++ {
			res, err := a.AddRowIfNotExists(ctx, rows[i], uniqueField)
			results = append(results, ItemResult{Index: i, Result: res, Err: err})
		}

		if end < len(rows) {
			if err := sleepOrDone(ctx, a.cfg.BatchDelay); err != nil {
				// Remaining items are reported as cancelled, not silently
				// dropped.
				for i := end; i < len(rows); i++ {
					results = append(results, ItemResult{Index: i, Err: err})
				}
				return results
			}
		}
	}
	return results
}

// BatchUpdateItem pairs a position with the fields to apply.
type BatchUpdateItem struct {
	Position int
	Fields   engine.RowFields
}

// BatchUpdate applies updates in chunks, collecting per-item errors.
func (a *Adapter) BatchUpdate(ctx context.Context, items []BatchUpdateItem) []ItemResult {
	results := make([]ItemResult, 0, len(items))

	for start := 0; start < len(items); start += a.cfg.BatchSize {
		end := start + a.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}

		for i := start; i < end; i++ {
			err := a.UpdateRow(ctx, items[i].Position, items[i].Fields)
			results = append(results, ItemResult{Index: i, Err: err})
		}

		if end < len(items) {
			if err := sleepOrDone(ctx, a.cfg.BatchDelay); err != nil {
				for i := end; i < len(items); i++ {
					results = append(results, ItemResult{Index: i, Err: err})
				}
				return results
			}
		}
	}
	return results
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
