/*
dupcheck.go - DuplicateChecker, the authoritative per-customer index

PURPOSE:
  Holds, per customer, the projection of that customer's ledger row
  (position, purchase id, payment ids, totals). Rebuilt from a full ledger
  scan and mutated incrementally during a pass so later groups see earlier
  groups' writes without another scan.

STALENESS:
  The index is ground truth for dedup decisions only within its staleness
  window (5 minutes by default). IsStale() tells callers to Refresh before
  relying on it for a new pass.

SCALING NOTE:
  PaymentIntentExists walks every cached customer's id list - O(customers).
  Fine at current scale; switch to a payment-id -> customer index if the
  customer count grows large.
*/
package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LedgerReader is the read side of the ledger consumed by caches.
type LedgerReader interface {
	// Rows returns the full ledger, possibly from a TTL cache.
	Rows(ctx context.Context) ([]LedgerRow, error)
	// InvalidateCache drops the cached read so the next Rows hits the store.
	InvalidateCache()
}

// DuplicateChecker is the authoritative customer -> row index.
// Safe for concurrent use.
type DuplicateChecker struct {
	reader LedgerReader
	ttl    time.Duration

	mu          sync.RWMutex
	customers   map[CustomerID]CustomerInfo
	lastRefresh time.Time

	now func() time.Time
}

// NewDuplicateChecker creates an empty index over reader with the given
// staleness window.
func NewDuplicateChecker(reader LedgerReader, ttl time.Duration) *DuplicateChecker {
	return &DuplicateChecker{
		reader:    reader,
		ttl:       ttl,
		customers: make(map[CustomerID]CustomerInfo),
		now:       time.Now,
	}
}

// Refresh rebuilds the whole index from a ledger scan. When a customer has
// several rows (pre-cleanup state) the oldest row wins; payment ids from
// all rows are merged so dedup still sees every id.
func (d *DuplicateChecker) Refresh(ctx context.Context) error {
	d.reader.InvalidateCache()
	rows, err := d.reader.Rows(ctx)
	if err != nil {
		return err
	}

	now := d.now()
	fresh := make(map[CustomerID]CustomerInfo)
	for _, row := range rows {
		info, exists := fresh[row.CustomerID]
		if !exists {
			fresh[row.CustomerID] = CustomerInfo{
				RowPosition:  row.Position,
				PurchaseID:   row.PurchaseID,
				PaymentIDs:   append([]PaymentID(nil), row.PaymentIDs...),
				TotalAmount:  row.TotalAmount,
				PaymentCount: row.PaymentCount,
				LastChecked:  now,
			}
			continue
		}
		// Extra row for a known customer: keep the first (oldest) row's
		// identity but absorb the ids so PaymentIntentExists stays complete.
		info.PaymentIDs = append(info.PaymentIDs, row.PaymentIDs...)
		fresh[row.CustomerID] = info
	}

	d.mu.Lock()
	d.customers = fresh
	d.lastRefresh = now
	d.mu.Unlock()
	return nil
}

// CustomerExists reports whether the index has a row for id.
func (d *DuplicateChecker) CustomerExists(id CustomerID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.customers[id]
	return ok
}

// CustomerInfo returns the index entry for id.
func (d *DuplicateChecker) CustomerInfo(id CustomerID) (CustomerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.customers[id]
	return info, ok
}

// PaymentIntentExists scans every cached customer's payment-id list.
func (d *DuplicateChecker) PaymentIntentExists(id PaymentID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, info := range d.customers {
		for _, pid := range info.PaymentIDs {
			if pid == id {
				return true
			}
		}
	}
	return false
}

// AddToCache records a newly inserted row so the rest of the pass sees it.
func (d *DuplicateChecker) AddToCache(id CustomerID, info CustomerInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info.LastChecked = d.now()
	d.customers[id] = info
}

// UpdateCache replaces the entry for id. Same shape as AddToCache but kept
// separate so call sites read as insert vs update.
func (d *DuplicateChecker) UpdateCache(id CustomerID, info CustomerInfo) {
	d.AddToCache(id, info)
}

// RemoveFromCache drops the entry for id (cleanup tooling path).
func (d *DuplicateChecker) RemoveFromCache(id CustomerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.customers, id)
}

// Size returns the number of indexed customers.
func (d *DuplicateChecker) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.customers)
}

// IsStale reports whether the index is past its staleness window (or was
// never refreshed).
func (d *DuplicateChecker) IsStale() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastRefresh.IsZero() {
		return true
	}
	return d.now().Sub(d.lastRefresh) > d.ttl
}

// LastRefresh returns when the index was last rebuilt.
func (d *DuplicateChecker) LastRefresh() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRefresh
}

// =============================================================================
// DUPLICATE SCAN - Used by cleanup tooling, not the live sync path
// =============================================================================

// DuplicateReport lists, for a customer with more than one ledger row, the
// row to keep (oldest) and the rows to remove.
type DuplicateReport struct {
	CustomerID      CustomerID  `json:"customer_id"`
	KeepPosition    int         `json:"keep_position"`
	RemovePositions []int       `json:"remove_positions"`
	PurchaseIDs     []PurchaseID `json:"purchase_ids"`
}

// FindAllDuplicates scans the ledger directly (bypassing the index) and
// reports every customer with more than one row.
func (d *DuplicateChecker) FindAllDuplicates(ctx context.Context) ([]DuplicateReport, error) {
	d.reader.InvalidateCache()
	rows, err := d.reader.Rows(ctx)
	if err != nil {
		return nil, err
	}

	byCustomer := make(map[CustomerID][]LedgerRow)
	for _, row := range rows {
		byCustomer[row.CustomerID] = append(byCustomer[row.CustomerID], row)
	}

	var reports []DuplicateReport
	for cust, custRows := range byCustomer {
		if len(custRows) < 2 {
			continue
		}
		sort.Slice(custRows, func(i, j int) bool {
			return custRows[i].Position < custRows[j].Position
		})

		report := DuplicateReport{
			CustomerID:   cust,
			KeepPosition: custRows[0].Position,
		}
		for _, row := range custRows {
			report.PurchaseIDs = append(report.PurchaseIDs, row.PurchaseID)
		}
		for _, row := range custRows[1:] {
			report.RemovePositions = append(report.RemovePositions, row.Position)
		}
		reports = append(reports, report)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].CustomerID < reports[j].CustomerID
	})
	return reports, nil
}
