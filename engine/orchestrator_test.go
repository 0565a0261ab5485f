package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-sync/engine"
	"github.com/warp/ledger-sync/ledger"
	"github.com/warp/ledger-sync/source"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type syncFixture struct {
	orch   *engine.Orchestrator
	store  *ledger.Memory
	src    *source.Memory
	sender *recordingSender
	locks  *engine.LockManager
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	cfg := testConfig()

	adapter, store, locks := newTestAdapter(cfg)
	src := source.NewMemory()
	sender := &recordingSender{}
	queue := engine.NewNotificationQueue(sender, cfg.NotifyMaxAttempts, cfg.NotifyBaseDelay)
	t.Cleanup(queue.Close)

	orch := engine.NewOrchestrator(locks, adapter, src, queue, cfg)
	return &syncFixture{orch: orch, store: store, src: src, sender: sender, locks: locks}
}

func recentPayment(id, customer string, age time.Duration, amount int64) engine.PaymentRecord {
	return engine.PaymentRecord{
		ID:         engine.PaymentID(id),
		CustomerID: engine.CustomerID(customer),
		Email:      customer + "@example.com",
		Amount:     amount,
		Currency:   "usd",
		CreatedAt:  time.Now().Add(-age),
		Status:     engine.PaymentSucceeded,
	}
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestPerformSync_NewCustomer_InsertsOneRow(t *testing.T) {
	f := newSyncFixture(t)
	f.src.AddPayment(recentPayment("pi_1", "cus_a", time.Hour, 999))

	result, err := f.orch.PerformSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.NewPurchases)
	assert.Equal(t, 0, result.UpdatedPurchases)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 1, result.Processed)

	rows, err := f.store.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, engine.CustomerID("cus_a"), rows[0].CustomerID)
	assert.Equal(t, int64(999), rows[0].TotalAmount)
	assert.Equal(t, []engine.PaymentID{"pi_1"}, rows[0].PaymentIDs)
	assert.Contains(t, string(rows[0].PurchaseID), "purchase_cus_a")

	waitFor(t, func() bool { return f.sender.count() == 1 })
	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	assert.True(t, f.sender.sent[0].New)
	assert.Equal(t, int64(999), f.sender.sent[0].TotalAmount)
}

func TestPerformSync_GroupWithinWindow_OneRowOneTotal(t *testing.T) {
	// GIVEN: Payments of 999 and 1999 an hour apart for one customer
	// WHEN: One sync pass runs
	// THEN: One row with total 2998 and both payment ids

	f := newSyncFixture(t)
	f.src.AddPayment(recentPayment("pi_a", "cus_c", 2*time.Hour, 999))
	f.src.AddPayment(recentPayment("pi_b", "cus_c", time.Hour, 1999))

	result, err := f.orch.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewPurchases)

	rows, _ := f.store.ReadAll(context.Background())
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2998), rows[0].TotalAmount)
	assert.Equal(t, 2, rows[0].PaymentCount)
}

// =============================================================================
// IDEMPOTENCE
// =============================================================================

func TestPerformSync_SecondRun_Idempotent(t *testing.T) {
	// GIVEN: A successful pass over one payment
	// WHEN: The pass runs again with no new source data
	// THEN: Zero new rows, zero updates, zero notifications the second time

	f := newSyncFixture(t)
	f.src.AddPayment(recentPayment("pi_1", "cus_a", time.Hour, 999))

	first, err := f.orch.PerformSync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.NewPurchases)
	waitFor(t, func() bool { return f.sender.count() == 1 })

	second, err := f.orch.PerformSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, second.NewPurchases)
	assert.Equal(t, 0, second.UpdatedPurchases)
	assert.Equal(t, 1, second.DuplicatesAvoided)

	rows, _ := f.store.ReadAll(context.Background())
	assert.Len(t, rows, 1)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.sender.count(), "no second notification")
}

func TestPerformSync_ColdStart_LedgerStillBlocksDuplicate(t *testing.T) {
	// GIVEN: A payment already present in a ledger row, but a brand-new
	//        process (empty caches)
	// WHEN: The pass runs
	// THEN: The refresh rebuilds the caches from the ledger and the
	//       payment is counted as avoided, not reinserted

	f := newSyncFixture(t)
	seedRow(t, f.store, "cus_a", "purchase_cus_a", "pi_1")
	f.src.AddPayment(recentPayment("pi_1", "cus_a", time.Hour, 999))

	result, err := f.orch.PerformSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.DuplicatesAvoided)
	assert.Equal(t, 0, result.NewPurchases)
	assert.Equal(t, 0, result.UpdatedPurchases)

	rows, _ := f.store.ReadAll(context.Background())
	assert.Len(t, rows, 1)
}

// =============================================================================
// UPDATE PATH
// =============================================================================

func TestPerformSync_ExistingCustomer_RecomputesRow(t *testing.T) {
	// GIVEN: cus_a already has a row for an old payment, and a new payment
	//        arrives inside the fetch window
	// WHEN: The pass runs
	// THEN: The row's totals are recomputed from the FULL source history,
	//       not incremented

	f := newSyncFixture(t)
	seedRow(t, f.store, "cus_a", "purchase_cus_a", "pi_old")

	// Full history at the source: the old payment plus the new one.
	f.src.AddPayment(recentPayment("pi_old", "cus_a", 30*24*time.Hour, 500))
	f.src.AddPayment(recentPayment("pi_new", "cus_a", time.Hour, 1999))

	result, err := f.orch.PerformSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.NewPurchases)
	assert.Equal(t, 1, result.UpdatedPurchases)

	rows, _ := f.store.ReadAll(context.Background())
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2499), rows[0].TotalAmount, "recomputed from scratch")
	assert.Equal(t, 2, rows[0].PaymentCount)
	assert.ElementsMatch(t, []engine.PaymentID{"pi_old", "pi_new"}, rows[0].PaymentIDs)

	waitFor(t, func() bool { return f.sender.count() == 1 })
	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	assert.False(t, f.sender.sent[0].New)
}

// racingLedger injects a concurrent row right before the atomic insert,
// simulating another writer sneaking in between cache check and lock.
type racingLedger struct {
	*ledger.Adapter
	store    *ledger.Memory
	conflict engine.LedgerRow
	injected bool
}

func (r *racingLedger) AddRowIfNotExists(ctx context.Context, row engine.LedgerRow, uniqueField string) (engine.AddResult, error) {
	if !r.injected {
		r.injected = true
		if _, err := r.store.Append(ctx, r.conflict); err != nil {
			return engine.AddResult{}, err
		}
	}
	return r.Adapter.AddRowIfNotExists(ctx, row, uniqueField)
}

func TestPerformSync_InsertRace_ConvertsToUpdate(t *testing.T) {
	// GIVEN: A row for cus_a appears after the caches were refreshed but
	//        before the insert lock is taken
	// WHEN: The pass runs
	// THEN: The insert converts to an update; one row; no error

	cfg := testConfig()
	adapter, store, locks := newTestAdapter(cfg)
	src := source.NewMemory()
	sender := &recordingSender{}
	queue := engine.NewNotificationQueue(sender, cfg.NotifyMaxAttempts, cfg.NotifyBaseDelay)
	t.Cleanup(queue.Close)

	racing := &racingLedger{
		Adapter: adapter,
		store:   store,
		conflict: engine.LedgerRow{
			PurchaseID:   "purchase_cus_a",
			CustomerID:   "cus_a",
			TotalAmount:  500,
			Currency:     "usd",
			PaymentCount: 1,
			PaymentIDs:   []engine.PaymentID{"pi_prior"},
		},
	}
	orch := engine.NewOrchestrator(locks, racing, src, queue, cfg)

	src.AddPayment(recentPayment("pi_prior", "cus_a", 48*time.Hour, 500))
	src.AddPayment(recentPayment("pi_new", "cus_a", time.Hour, 999))

	result, err := orch.PerformSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.NewPurchases)
	assert.Equal(t, 1, result.UpdatedPurchases)
	assert.Equal(t, 0, result.Failed)

	rows, _ := store.ReadAll(context.Background())
	require.Len(t, rows, 1, "race must not produce a second row")
	assert.Equal(t, int64(1499), rows[0].TotalAmount)
}

// =============================================================================
// FAILURE ISOLATION
// =============================================================================

func TestPerformSync_OneCustomerFails_OthersProcessed(t *testing.T) {
	// GIVEN: cus_x's history fetch blows up; cus_y and cus_z are healthy
	// WHEN: The pass runs
	// THEN: y and z land in the ledger; x appears only in the error list

	f := newSyncFixture(t)
	seedRow(t, f.store, "cus_x", "purchase_cus_x", "pi_x_old")

	f.src.AddPayment(recentPayment("pi_x", "cus_x", time.Hour, 100))
	f.src.AddPayment(recentPayment("pi_y", "cus_y", time.Hour, 200))
	f.src.AddPayment(recentPayment("pi_z", "cus_z", time.Hour, 300))
	f.src.FailCustomerPayments = map[engine.CustomerID]error{
		"cus_x": errors.New("history fetch exploded"),
	}

	result, err := f.orch.PerformSync(context.Background())
	require.NoError(t, err, "a per-customer failure must not fail the run")

	assert.Equal(t, 2, result.NewPurchases)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, engine.CustomerID("cus_x"), result.Errors[0].CustomerID)

	rows, _ := f.store.ReadAll(context.Background())
	customers := map[engine.CustomerID]bool{}
	for _, r := range rows {
		customers[r.CustomerID] = true
	}
	assert.True(t, customers["cus_y"])
	assert.True(t, customers["cus_z"])
}

func TestPerformSync_CustomerLockBusy_GroupSkipped(t *testing.T) {
	// GIVEN: cus_a's lock is held by someone else
	// WHEN: The pass runs with its short customer-lock budget
	// THEN: The group is skipped (not failed) and no row is written; the
	//       next pass will see the payments again

	f := newSyncFixture(t)
	f.src.AddPayment(recentPayment("pi_1", "cus_a", time.Hour, 999))

	_, err := f.locks.Acquire(context.Background(), "customer_cus_a", 1, time.Millisecond)
	require.NoError(t, err)

	result, err := f.orch.PerformSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.NewPurchases)
	assert.Equal(t, 0, result.Failed)

	rows, _ := f.store.ReadAll(context.Background())
	assert.Empty(t, rows)
}

func TestPerformSync_GlobalLockBusy_FailsFast(t *testing.T) {
	// GIVEN: Another run holds the global sync lock
	// WHEN: A second trigger arrives
	// THEN: It fails fast with a busy error and empty counters

	f := newSyncFixture(t)

	_, err := f.locks.Acquire(context.Background(), engine.GlobalSyncLockKey, 1, time.Millisecond)
	require.NoError(t, err)

	result, err := f.orch.PerformSync(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsBusy(err))
	assert.Equal(t, 0, result.Processed)
}

func TestPerformSync_SourceDown_CriticalButLockReleased(t *testing.T) {
	// GIVEN: The source fails more times than the retry budget allows
	// WHEN: The pass runs
	// THEN: It aborts with a critical error, and the global lock is free
	//       for the next trigger

	f := newSyncFixture(t)
	f.src.FailListPayments = 10
	f.src.ListErr = errors.New("source down")

	_, err := f.orch.PerformSync(context.Background())
	require.Error(t, err)

	var crit *engine.CriticalError
	assert.ErrorAs(t, err, &crit)
	assert.False(t, f.locks.IsLocked(engine.GlobalSyncLockKey), "global lock must be released on abort")
}

func TestPerformSync_RetryRecoversTransientSource(t *testing.T) {
	// GIVEN: The source fails twice, then succeeds
	// WHEN: The pass runs with a 3-attempt budget
	// THEN: The pass completes normally

	f := newSyncFixture(t)
	f.src.FailListPayments = 2
	f.src.ListErr = errors.New("flaky")
	f.src.AddPayment(recentPayment("pi_1", "cus_a", time.Hour, 999))

	result, err := f.orch.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewPurchases)
}

func TestOrchestrator_StatusReflectsLifecycle(t *testing.T) {
	f := newSyncFixture(t)

	assert.Equal(t, engine.StateIdle, f.orch.Status().State)

	_, err := f.orch.PerformSync(context.Background())
	require.NoError(t, err)

	status := f.orch.Status()
	assert.Equal(t, engine.StateIdle, status.State)
	require.NotNil(t, status.LastResult)
}
