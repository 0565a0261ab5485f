package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-sync/engine"
	"github.com/warp/ledger-sync/ledger"
)

// testConfig shrinks every delay so suites run fast.
func testConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.LockSettleDelay = time.Millisecond
	cfg.GlobalLockRetryDelay = 2 * time.Millisecond
	cfg.CustomerLockRetryDelay = 2 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.NotifyBaseDelay = time.Millisecond
	cfg.AppendDelay = 0
	cfg.BatchDelay = time.Millisecond
	return cfg
}

// newTestAdapter builds an adapter over a fresh memory store.
func newTestAdapter(cfg engine.Config) (*ledger.Adapter, *ledger.Memory, *engine.LockManager) {
	store := ledger.NewMemory()
	locks := engine.NewLockManager(cfg.LockStaleness, cfg.LockSettleDelay)
	return ledger.NewAdapter(store, locks, cfg), store, locks
}

func seedRow(t *testing.T, store *ledger.Memory, customer string, purchase string, ids ...string) int {
	t.Helper()
	pids := make([]engine.PaymentID, len(ids))
	for i, id := range ids {
		pids[i] = engine.PaymentID(id)
	}
	pos, err := store.Append(context.Background(), engine.LedgerRow{
		PurchaseID:   engine.PurchaseID(purchase),
		CustomerID:   engine.CustomerID(customer),
		TotalAmount:  int64(len(ids)) * 100,
		Currency:     "usd",
		PaymentCount: len(ids),
		PaymentIDs:   pids,
	})
	require.NoError(t, err)
	return pos
}

// =============================================================================
// REFRESH + LOOKUPS
// =============================================================================

func TestDuplicateChecker_RefreshBuildsIndex(t *testing.T) {
	adapter, store, _ := newTestAdapter(testConfig())
	seedRow(t, store, "cus_a", "purchase_cus_a", "pi_1", "pi_2")
	seedRow(t, store, "cus_b", "purchase_cus_b", "pi_3")

	d := engine.NewDuplicateChecker(adapter, 5*time.Minute)
	require.NoError(t, d.Refresh(context.Background()))

	assert.Equal(t, 2, d.Size())
	assert.True(t, d.CustomerExists("cus_a"))
	assert.False(t, d.CustomerExists("cus_z"))

	info, ok := d.CustomerInfo("cus_a")
	require.True(t, ok)
	assert.Equal(t, engine.PurchaseID("purchase_cus_a"), info.PurchaseID)
	assert.Equal(t, int64(200), info.TotalAmount)
	assert.Equal(t, 2, info.PaymentCount)
}

func TestDuplicateChecker_PaymentIntentExists_ColdStart(t *testing.T) {
	// GIVEN: A payment id buried in a ledger row and an empty PurchaseCache
	// WHEN: Only the DuplicateChecker is refreshed
	// THEN: The id is still found - the authoritative tier alone blocks
	//       reinsertion

	adapter, store, _ := newTestAdapter(testConfig())
	seedRow(t, store, "cus_a", "purchase_cus_a", "pi_known")

	d := engine.NewDuplicateChecker(adapter, 5*time.Minute)
	require.NoError(t, d.Refresh(context.Background()))

	assert.True(t, d.PaymentIntentExists("pi_known"))
	assert.False(t, d.PaymentIntentExists("pi_new"))
}

func TestDuplicateChecker_IncrementalMutations(t *testing.T) {
	adapter, _, _ := newTestAdapter(testConfig())
	d := engine.NewDuplicateChecker(adapter, 5*time.Minute)

	d.AddToCache("cus_a", engine.CustomerInfo{
		RowPosition: 0,
		PurchaseID:  "purchase_cus_a",
		PaymentIDs:  []engine.PaymentID{"pi_1"},
	})
	assert.True(t, d.CustomerExists("cus_a"))
	assert.True(t, d.PaymentIntentExists("pi_1"))

	d.UpdateCache("cus_a", engine.CustomerInfo{
		RowPosition: 0,
		PurchaseID:  "purchase_cus_a",
		PaymentIDs:  []engine.PaymentID{"pi_1", "pi_2"},
	})
	assert.True(t, d.PaymentIntentExists("pi_2"))

	d.RemoveFromCache("cus_a")
	assert.False(t, d.CustomerExists("cus_a"))
}

// =============================================================================
// STALENESS
// =============================================================================

func TestDuplicateChecker_Staleness(t *testing.T) {
	adapter, _, _ := newTestAdapter(testConfig())
	d := engine.NewDuplicateChecker(adapter, 20*time.Millisecond)

	assert.True(t, d.IsStale(), "never-refreshed index is stale")

	require.NoError(t, d.Refresh(context.Background()))
	assert.False(t, d.IsStale())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, d.IsStale())
}

// =============================================================================
// DUPLICATE SCAN
// =============================================================================

func TestDuplicateChecker_FindAllDuplicates(t *testing.T) {
	// GIVEN: cus_a with two rows, cus_b with one
	// WHEN: Scanning for duplicates
	// THEN: One report keeping cus_a's oldest row

	adapter, store, _ := newTestAdapter(testConfig())
	keep := seedRow(t, store, "cus_a", "purchase_cus_a_1", "pi_1")
	extra := seedRow(t, store, "cus_a", "purchase_cus_a_2", "pi_2")
	seedRow(t, store, "cus_b", "purchase_cus_b", "pi_3")

	d := engine.NewDuplicateChecker(adapter, 5*time.Minute)
	reports, err := d.FindAllDuplicates(context.Background())
	require.NoError(t, err)

	require.Len(t, reports, 1)
	assert.Equal(t, engine.CustomerID("cus_a"), reports[0].CustomerID)
	assert.Equal(t, keep, reports[0].KeepPosition)
	assert.Equal(t, []int{extra}, reports[0].RemovePositions)
}

func TestDuplicateChecker_Refresh_MergesExtraRows(t *testing.T) {
	// Pre-cleanup ledgers can hold two rows for one customer. The index
	// keeps the oldest row's identity but must still know every payment id.

	adapter, store, _ := newTestAdapter(testConfig())
	first := seedRow(t, store, "cus_a", "purchase_cus_a_1", "pi_1")
	seedRow(t, store, "cus_a", "purchase_cus_a_2", "pi_2")

	d := engine.NewDuplicateChecker(adapter, 5*time.Minute)
	require.NoError(t, d.Refresh(context.Background()))

	info, ok := d.CustomerInfo("cus_a")
	require.True(t, ok)
	assert.Equal(t, first, info.RowPosition)
	assert.True(t, d.PaymentIntentExists("pi_1"))
	assert.True(t, d.PaymentIntentExists("pi_2"))
}
