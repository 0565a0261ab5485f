/*
Package engine provides the core idempotent payment reconciliation engine.

PURPOSE:
  This package contains the machinery that keeps a transactional payment
  stream and an external ledger in agreement: lock coordination, multi-tier
  deduplication caches, payment grouping, bounded retries, a notification
  queue, and the orchestration loop that ties them together.

KEY CONCEPTS IN THIS FILE (types.go):
  - PaymentRecord: An immutable payment fetched from the source
  - CustomerGroup: A customer's payments collapsed into one logical purchase
  - LedgerRow: One persisted purchase in the external ledger
  - LockEntry: An in-process named mutex registration
  - CustomerInfo: The authoritative index entry for one customer
  - SyncResult: Aggregate counters returned by a reconciliation pass

DESIGN PRINCIPLES:
  1. Idempotence: Re-running a sync with no new source data changes nothing
  2. Re-verification: Caches are stale-tolerated projections; the ledger is
     re-read before every mutation
  3. Isolation: One customer's failure never aborts the whole pass
  4. Explicit ownership: No package-level registries; every piece of state
     is an injected object with its own lifecycle

USAGE:
  locks := engine.NewLockManager(cfg.LockStaleness, cfg.LockSettleDelay)
  orch := engine.NewOrchestrator(locks, ledger, source, queue, cfg)
  result, err := orch.PerformSync(ctx)

SEE ALSO:
  - lock.go: LockManager
  - cache.go: PurchaseCache fast path
  - dupcheck.go: DuplicateChecker authoritative index
  - orchestrator.go: The reconciliation loop
*/
package engine

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PaymentID string
type CustomerID string
type PurchaseID string

// =============================================================================
// PAYMENT RECORD - Immutable, sourced per run
// =============================================================================

// PaymentStatus is the source-side status of a payment.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
	PaymentReversed  PaymentStatus = "reversed"
)

// PaymentRecord is one payment as reported by the external source.
// Never mutated after fetch.
type PaymentRecord struct {
	ID         PaymentID
	CustomerID CustomerID
	Email      string
	Amount     int64 // minor units
	Currency   string
	CreatedAt  time.Time
	Status     PaymentStatus
	Metadata   map[string]string
}

// Countable reports whether the payment should ever reach the ledger.
// Reversals and non-succeeded payments are invisible to reconciliation.
func (p PaymentRecord) Countable() bool {
	return p.Status == PaymentSucceeded
}

// =============================================================================
// CUSTOMER GROUP - The per-pass unit of work
// =============================================================================

// CustomerGroup is the set of a customer's payments that fall inside one
// grouping window. It is built during a sync pass and becomes exactly one
// ledger row (inserted or updated); it is never persisted itself.
type CustomerGroup struct {
	CustomerID  CustomerID
	DateKey     string
	Payments    []PaymentRecord
	TotalAmount int64
	First       PaymentRecord
}

// PaymentIDs returns the ids of the group's payments in order.
func (g CustomerGroup) PaymentIDs() []PaymentID {
	ids := make([]PaymentID, len(g.Payments))
	for i, p := range g.Payments {
		ids[i] = p.ID
	}
	return ids
}

// =============================================================================
// LEDGER ROW - One persisted purchase
// =============================================================================

// LedgerRow is one purchase in the external ledger. Row identity is
// positional; PurchaseID and PaymentIDs membership are the dedup keys,
// not Position.
type LedgerRow struct {
	Position     int // slot in the ledger, assigned on append
	PurchaseID   PurchaseID
	CustomerID   CustomerID
	Email        string
	TotalAmount  int64
	Currency     string
	PaymentCount int
	PaymentIDs   []PaymentID

	// Attribution, carried verbatim from payment metadata.
	Country     string
	UTMSource   string
	UTMMedium   string
	UTMCampaign string

	SourceCreatedAt time.Time
	LocalCreatedAt  time.Time
}

// HasPayment reports whether the row's payment-id list contains id.
func (r LedgerRow) HasPayment(id PaymentID) bool {
	for _, p := range r.PaymentIDs {
		if p == id {
			return true
		}
	}
	return false
}

// NewPurchaseID derives the purchase id for a fresh row. Once cleanup
// tooling collapses a customer to a single row the shorter
// "purchase_<customer>" form is also accepted when matching.
func NewPurchaseID(customerID CustomerID, firstCreatedAt time.Time) PurchaseID {
	return PurchaseID("purchase_" + string(customerID) + "_" +
		firstCreatedAt.UTC().Format("20060102T150405Z"))
}

// CollapsedPurchaseID is the one-row-per-customer form.
func CollapsedPurchaseID(customerID CustomerID) PurchaseID {
	return PurchaseID("purchase_" + string(customerID))
}

// RowFields is a partial update applied to an existing ledger row.
// Nil members are left untouched.
type RowFields struct {
	TotalAmount  *int64
	PaymentCount *int
	PaymentIDs   []PaymentID
	Email        *string
	PurchaseID   *PurchaseID
}

// =============================================================================
// LOCK ENTRY - In-process only, never persisted
// =============================================================================

// LockEntry records who holds a named mutex and since when.
type LockEntry struct {
	Key        string
	HolderID   string
	AcquiredAt time.Time
}

// LockStatus is the introspection view of an active lock.
type LockStatus struct {
	Key      string        `json:"key"`
	HolderID string        `json:"holder_id"`
	Age      time.Duration `json:"age"`
}

// =============================================================================
// CUSTOMER INFO - Authoritative index entry (see dupcheck.go)
// =============================================================================

// CustomerInfo is the DuplicateChecker's projection of one customer's
// ledger row. Derived state: always re-verified against the ledger before
// any mutation.
type CustomerInfo struct {
	RowPosition  int
	PurchaseID   PurchaseID
	PaymentIDs   []PaymentID
	TotalAmount  int64
	PaymentCount int
	LastChecked  time.Time
}

// =============================================================================
// ADD RESULT - Discriminated outcome of an atomic insert attempt
// =============================================================================

// AddAction says what AddRowIfNotExists actually did.
type AddAction string

const (
	ActionAdded   AddAction = "added"
	ActionSkipped AddAction = "skipped"
)

// AddResult is the outcome of an insert-if-absent attempt against the
// ledger. Exists=true is a normal outcome, never an error: the caller is
// expected to convert to an update.
type AddResult struct {
	Success bool
	Exists  bool
	Action  AddAction
	Row     *LedgerRow
	Reason  string
}

// =============================================================================
// SYNC RESULT - Aggregate counters for one reconciliation pass
// =============================================================================

// SyncResult is returned by every PerformSync call, including aborted ones
// (with partial counters).
type SyncResult struct {
	Processed         int             `json:"processed"`
	NewPurchases      int             `json:"new_purchases"`
	UpdatedPurchases  int             `json:"updated_purchases"`
	DuplicatesAvoided int             `json:"duplicates_avoided"`
	Skipped           int             `json:"skipped"`
	Failed            int             `json:"failed"`
	Errors            []CustomerError `json:"errors,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	Duration          time.Duration   `json:"duration"`
}

// =============================================================================
// NOTIFICATION - One outbound purchase alert
// =============================================================================

// Notification describes one purchase event for the notification queue.
// Formatting into channel-specific text happens at the channel boundary.
type Notification struct {
	CustomerID   CustomerID
	Email        string
	PurchaseID   PurchaseID
	TotalAmount  int64
	Currency     string
	PaymentCount int
	New          bool // false = existing row updated
	CreatedAt    time.Time
}
