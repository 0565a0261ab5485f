/*
orchestrator.go - The reconciliation loop

PURPOSE:
  Drives one full sync pass: global lock, cache refresh, source fetch,
  dedup, grouping, per-customer insert/update, notification, final cache
  refresh. This is the only place the collaborators meet.

STATE MACHINE:
  IDLE -> LOCKING -> REFRESHING -> FETCHING -> GROUPING ->
  PROCESSING (per customer: checking -> inserting|updating -> notifying) ->
  FINALIZING -> IDLE

ISOLATION BOUNDARIES:
  - A customer group that fails (error or panic) lands in the result's
    error list; the pass continues with the next group.
  - A failure outside the per-customer boundary aborts the pass as a
    CriticalError, but the global lock is still released and partial
    counters are returned.

DEDUP TIERS (all three preserved, none sufficient alone):
  1. PurchaseCache fast path
  2. DuplicateChecker authoritative index
  3. The in-lock ledger re-read inside AddRowIfNotExists

SEE ALSO:
  - grouping.go: window collapse
  - ledger/adapter.go: the read-verify-write insert
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// GlobalSyncLockKey serializes whole sync passes within the process.
const GlobalSyncLockKey = "sync_operation"

// customerLockKey scopes a lock to one customer's ledger row.
func customerLockKey(id CustomerID) string {
	return "customer_" + string(id)
}

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Ledger is the write-capable ledger view consumed by the orchestrator.
// Implemented by ledger.Adapter.
type Ledger interface {
	LedgerReader

	// AddRowIfNotExists appends row only if no existing row matches
	// uniqueField ("customer_id" or "purchase_id") and no existing row
	// already contains any of row's payment ids. Exists=true is a normal
	// outcome carrying the row that was found.
	AddRowIfNotExists(ctx context.Context, row LedgerRow, uniqueField string) (AddResult, error)

	// UpdateRow applies fields to the row at position.
	UpdateRow(ctx context.Context, position int, fields RowFields) error
}

// PaymentSource is the external payment processor. Queries must be
// idempotent: the same window is re-fetched on every pass.
type PaymentSource interface {
	// ListPayments returns payments with the given status created in [from, to].
	ListPayments(ctx context.Context, status PaymentStatus, from, to time.Time) ([]PaymentRecord, error)

	// GetCustomer returns source-side customer details.
	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)

	// ListCustomerPayments returns ALL of a customer's payments, any age.
	ListCustomerPayments(ctx context.Context, id CustomerID) ([]PaymentRecord, error)
}

// Customer is the source's view of a payer.
type Customer struct {
	ID       CustomerID
	Email    string
	Country  string
	Metadata map[string]string
}

// =============================================================================
// STATE
// =============================================================================

// SyncState labels where the orchestrator is in a pass.
type SyncState string

const (
	StateIdle       SyncState = "idle"
	StateLocking    SyncState = "locking"
	StateRefreshing SyncState = "refreshing"
	StateFetching   SyncState = "fetching"
	StateGrouping   SyncState = "grouping"
	StateProcessing SyncState = "processing"
	StateFinalizing SyncState = "finalizing"
)

// SyncStatus is the introspection view of the orchestrator.
type SyncStatus struct {
	State           SyncState   `json:"state"`
	CurrentCustomer CustomerID  `json:"current_customer,omitempty"`
	LastResult      *SyncResult `json:"last_result,omitempty"`
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator owns the engine's state objects and drives sync passes.
// Construct with NewOrchestrator; all fields are wired there.
type Orchestrator struct {
	Locks      *LockManager
	Purchases  *PurchaseCache
	Duplicates *DuplicateChecker
	Ledger     Ledger
	Source     PaymentSource
	Queue      *NotificationQueue

	cfg Config

	mu              sync.Mutex
	state           SyncState
	currentCustomer CustomerID
	lastResult      *SyncResult
}

// NewOrchestrator wires an orchestrator over its collaborators. The lock
// manager is shared with the ledger adapter so row-scoped and
// customer-scoped locks live in one registry.
func NewOrchestrator(locks *LockManager, ledger Ledger, source PaymentSource, queue *NotificationQueue, cfg Config) *Orchestrator {
	return &Orchestrator{
		Locks:      locks,
		Purchases:  NewPurchaseCache(),
		Duplicates: NewDuplicateChecker(ledger, cfg.DuplicateIndexTTL),
		Ledger:     ledger,
		Source:     source,
		Queue:      queue,
		cfg:        cfg,
		state:      StateIdle,
	}
}

// Config returns the engine tunables in use.
func (o *Orchestrator) Config() Config { return o.cfg }

// Status returns a snapshot for the introspection API.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return SyncStatus{
		State:           o.state,
		CurrentCustomer: o.currentCustomer,
		LastResult:      o.lastResult,
	}
}

func (o *Orchestrator) setState(s SyncState) {
	o.mu.Lock()
	o.state = s
	if s != StateProcessing {
		o.currentCustomer = ""
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setCurrentCustomer(id CustomerID) {
	o.mu.Lock()
	o.currentCustomer = id
	o.mu.Unlock()
}

// =============================================================================
// PERFORM SYNC
// =============================================================================

// PerformSync runs one reconciliation pass. It always returns a SyncResult,
// with partial counters when the pass aborts. Counter semantics:
//   Processed          payments that reached a ledger write this pass
//   NewPurchases       rows inserted
//   UpdatedPurchases   rows updated (including insert races converted)
//   DuplicatesAvoided  payments already known to either cache
//   Skipped            groups skipped because their customer lock was busy
//   Failed             groups that errored (details in Errors)
func (o *Orchestrator) PerformSync(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartedAt: time.Now()}
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		o.mu.Lock()
		o.lastResult = result
		o.mu.Unlock()
	}()

	// LOCKING: the run fails fast here rather than queueing behind a
	// long-running pass.
	o.setState(StateLocking)
	defer o.setState(StateIdle)

	holder, err := o.Locks.Acquire(ctx, GlobalSyncLockKey, o.cfg.GlobalLockMaxRetries, o.cfg.GlobalLockRetryDelay)
	if err != nil {
		if errors.Is(err, ErrLockAcquisitionTimeout) {
			return result, fmt.Errorf("%w: %v", ErrSyncInProgress, err)
		}
		return result, err
	}
	defer o.Locks.Release(GlobalSyncLockKey, holder)

	// REFRESHING: both caches rebuilt before any dedup decision.
	o.setState(StateRefreshing)
	if err := o.refreshCaches(ctx); err != nil {
		return result, &CriticalError{Stage: "refresh", Err: err}
	}

	// FETCHING: recent window, succeeded payments only.
	o.setState(StateFetching)
	payments, err := o.fetchRecent(ctx)
	if err != nil {
		return result, &CriticalError{Stage: "fetch", Err: err}
	}

	// Partition: a payment is new only if BOTH caches are negative.
	var fresh []PaymentRecord
	for _, p := range payments {
		if o.Purchases.Has(p.ID) || o.Duplicates.PaymentIntentExists(p.ID) {
			result.DuplicatesAvoided++
			continue
		}
		fresh = append(fresh, p)
	}

	// GROUPING.
	o.setState(StateGrouping)
	groups := GroupPayments(fresh, o.cfg.GroupWindow)
	log.Printf("[Sync] %d payments fetched, %d already known, %d groups to process",
		len(payments), result.DuplicatesAvoided, len(groups))

	// PROCESSING: each group is an isolated unit of work.
	o.setState(StateProcessing)
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return result, &CriticalError{Stage: "processing", Err: err}
		}
		o.setCurrentCustomer(group.CustomerID)
		o.processGroup(ctx, group, result)
	}

	// FINALIZING: refresh once more so the next trigger starts warm.
	// Best effort - the pass already succeeded.
	o.setState(StateFinalizing)
	if err := o.refreshCaches(ctx); err != nil {
		log.Printf("[Sync] final cache refresh failed: %v", err)
	}

	return result, nil
}

// refreshCaches rebuilds the authoritative index and the fast-path set.
// The index refresh invalidates the adapter's TTL cache, so the purchase
// cache reload right after it reads the same fresh snapshot.
func (o *Orchestrator) refreshCaches(ctx context.Context) error {
	err := Retry(ctx, "duplicates.refresh", RetryConfigFrom(o.cfg), func(ctx context.Context) error {
		return o.Duplicates.Refresh(ctx)
	})
	if err != nil {
		return err
	}
	return o.Purchases.Reload(ctx, o.Ledger)
}

// fetchRecent pulls the trailing fetch window from the source.
func (o *Orchestrator) fetchRecent(ctx context.Context) ([]PaymentRecord, error) {
	to := time.Now()
	from := to.Add(-o.cfg.FetchWindow)

	var payments []PaymentRecord
	err := Retry(ctx, "source.list_payments", RetryConfigFrom(o.cfg), func(ctx context.Context) error {
		var e error
		payments, e = o.Source.ListPayments(ctx, PaymentSucceeded, from, to)
		return e
	})
	if err != nil {
		return nil, err
	}

	// The source can report reversals under a succeeded query; filter again.
	countable := payments[:0]
	for _, p := range payments {
		if p.Countable() {
			countable = append(countable, p)
		}
	}
	return countable, nil
}

// =============================================================================
// PER-CUSTOMER PROCESSING
// =============================================================================

// processGroup handles one purchase group under its customer lock.
// Errors and panics are absorbed into the result.
func (o *Orchestrator) processGroup(ctx context.Context, group CustomerGroup, result *SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Sync] panic processing customer %s: %v", group.CustomerID, r)
			result.Failed++
			result.Errors = append(result.Errors, CustomerError{
				CustomerID: group.CustomerID,
				Message:    fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	// Short-timeout lock: a stuck customer bounds this group's latency,
	// not the whole run. The payments stay unknown to the caches and the
	// next pass picks them up.
	key := customerLockKey(group.CustomerID)
	holder, err := o.Locks.Acquire(ctx, key, o.cfg.CustomerLockMaxRetries, o.cfg.CustomerLockRetryDelay)
	if err != nil {
		if errors.Is(err, ErrLockAcquisitionTimeout) {
			log.Printf("[Sync] customer %s busy, skipping group", group.CustomerID)
			result.Skipped++
			return
		}
		result.Failed++
		result.Errors = append(result.Errors, CustomerError{CustomerID: group.CustomerID, Message: err.Error()})
		return
	}
	defer o.Locks.Release(key, holder)

	// CHECKING.
	info, exists := o.Duplicates.CustomerInfo(group.CustomerID)

	var n Notification
	if exists {
		n, err = o.updateCustomer(ctx, group, info)
	} else {
		n, err = o.insertCustomer(ctx, group)
	}
	if err != nil {
		result.Failed++
		result.Errors = append(result.Errors, CustomerError{CustomerID: group.CustomerID, Message: err.Error()})
		return
	}

	if n.New {
		result.NewPurchases++
	} else {
		result.UpdatedPurchases++
	}
	result.Processed += len(group.Payments)

	// NOTIFYING: exactly one enqueue per group.
	if o.Queue != nil {
		if err := o.Queue.Enqueue(n); err != nil {
			log.Printf("[Sync] could not enqueue notification for %s: %v", group.CustomerID, err)
		}
	}
}

// updateCustomer recomputes the customer's row from the full source
// history, making the row a derived projection instead of a drifting
// counter, then writes it and refreshes both caches incrementally.
func (o *Orchestrator) updateCustomer(ctx context.Context, group CustomerGroup, info CustomerInfo) (Notification, error) {
	var history []PaymentRecord
	err := Retry(ctx, "source.list_customer_payments", RetryConfigFrom(o.cfg), func(ctx context.Context) error {
		var e error
		history, e = o.Source.ListCustomerPayments(ctx, group.CustomerID)
		return e
	})
	if err != nil {
		return Notification{}, err
	}

	sort.Slice(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})

	var (
		ids   []PaymentID
		total int64
	)
	for _, p := range history {
		if !p.Countable() {
			continue
		}
		ids = append(ids, p.ID)
		total += p.Amount
	}
	count := len(ids)

	fields := RowFields{
		TotalAmount:  &total,
		PaymentCount: &count,
		PaymentIDs:   ids,
	}
	if err := o.Ledger.UpdateRow(ctx, info.RowPosition, fields); err != nil {
		return Notification{}, err
	}

	updated := CustomerInfo{
		RowPosition:  info.RowPosition,
		PurchaseID:   info.PurchaseID,
		PaymentIDs:   ids,
		TotalAmount:  total,
		PaymentCount: count,
	}
	o.Duplicates.UpdateCache(group.CustomerID, updated)
	for _, id := range ids {
		o.Purchases.Add(id)
	}

	return Notification{
		CustomerID:   group.CustomerID,
		Email:        group.First.Email,
		PurchaseID:   info.PurchaseID,
		TotalAmount:  total,
		Currency:     group.First.Currency,
		PaymentCount: count,
		New:          false,
		CreatedAt:    group.First.CreatedAt,
	}, nil
}

// insertCustomer builds a fresh row from the group and inserts it if no
// row for the customer exists. A row appearing concurrently converts the
// insert to an update - never an error.
func (o *Orchestrator) insertCustomer(ctx context.Context, group CustomerGroup) (Notification, error) {
	row := o.buildRow(ctx, group)

	res, err := o.Ledger.AddRowIfNotExists(ctx, row, "customer_id")
	if err != nil {
		return Notification{}, err
	}

	if res.Exists {
		// LedgerRaceDetected: someone wrote this customer between our
		// cache check and the insert lock. Adopt their row and update it.
		log.Printf("[Sync] row for customer %s appeared concurrently, converting to update", group.CustomerID)
		found := res.Row
		info := CustomerInfo{
			RowPosition:  found.Position,
			PurchaseID:   found.PurchaseID,
			PaymentIDs:   found.PaymentIDs,
			TotalAmount:  found.TotalAmount,
			PaymentCount: found.PaymentCount,
		}
		return o.updateCustomer(ctx, group, info)
	}

	inserted := res.Row
	o.Duplicates.AddToCache(group.CustomerID, CustomerInfo{
		RowPosition:  inserted.Position,
		PurchaseID:   inserted.PurchaseID,
		PaymentIDs:   inserted.PaymentIDs,
		TotalAmount:  inserted.TotalAmount,
		PaymentCount: inserted.PaymentCount,
	})
	for _, id := range inserted.PaymentIDs {
		o.Purchases.Add(id)
	}

	return Notification{
		CustomerID:   group.CustomerID,
		Email:        inserted.Email,
		PurchaseID:   inserted.PurchaseID,
		TotalAmount:  inserted.TotalAmount,
		Currency:     inserted.Currency,
		PaymentCount: inserted.PaymentCount,
		New:          true,
		CreatedAt:    group.First.CreatedAt,
	}, nil
}

// buildRow constructs the ledger row for a new purchase group. Email and
// attribution come from the earliest payment; a missing email is looked up
// at the source (best effort).
func (o *Orchestrator) buildRow(ctx context.Context, group CustomerGroup) LedgerRow {
	first := group.First

	email := first.Email
	country := first.Metadata["country"]
	if email == "" {
		if cust, err := o.Source.GetCustomer(ctx, group.CustomerID); err == nil {
			email = cust.Email
			if country == "" {
				country = cust.Country
			}
		}
	}

	return LedgerRow{
		PurchaseID:      NewPurchaseID(group.CustomerID, first.CreatedAt),
		CustomerID:      group.CustomerID,
		Email:           email,
		TotalAmount:     group.TotalAmount,
		Currency:        first.Currency,
		PaymentCount:    len(group.Payments),
		PaymentIDs:      group.PaymentIDs(),
		Country:         country,
		UTMSource:       first.Metadata["utm_source"],
		UTMMedium:       first.Metadata["utm_medium"],
		UTMCampaign:     first.Metadata["utm_campaign"],
		SourceCreatedAt: first.CreatedAt.UTC(),
		LocalCreatedAt:  first.CreatedAt.Local(),
	}
}
