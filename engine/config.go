/*
config.go - Tunables for the sync engine

All durations that govern cache staleness, lock behavior, retry/backoff and
grouping live here so tests can shrink them and operators can override them
from the config file. DefaultConfig matches the reference deployment.
*/
package engine

import "time"

// Config carries every engine tunable. Zero values are not meaningful;
// always start from DefaultConfig.
type Config struct {
	// Cache staleness
	LedgerCacheTTL    time.Duration // cached full-table read
	DuplicateIndexTTL time.Duration // authoritative index staleness window

	// Lock behavior
	LockStaleness   time.Duration // age past which a lock is presumed abandoned
	LockSettleDelay time.Duration // pause before the write-confirm re-read

	// Global sync lock acquisition
	GlobalLockMaxRetries int
	GlobalLockRetryDelay time.Duration

	// Per-customer lock acquisition (short: a busy customer is skipped)
	CustomerLockMaxRetries int
	CustomerLockRetryDelay time.Duration

	// External-call retry (RetryHelper)
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	// Notification delivery retry
	NotifyMaxAttempts int
	NotifyBaseDelay   time.Duration

	// Grouping and fetching
	GroupWindow time.Duration // payments of one customer within this window collapse
	FetchWindow time.Duration // how far back each pass looks at the source

	// Ledger write pacing
	AppendDelay time.Duration // fixed delay between raw appends (API rate limit)
	BatchSize   int           // items per batch chunk
	BatchDelay  time.Duration // delay between chunks
}

// DefaultConfig returns the reference tunables.
func DefaultConfig() Config {
	return Config{
		LedgerCacheTTL:    5 * time.Minute,
		DuplicateIndexTTL: 5 * time.Minute,

		LockStaleness:   30 * time.Second,
		LockSettleDelay: 25 * time.Millisecond,

		GlobalLockMaxRetries: 5,
		GlobalLockRetryDelay: 2 * time.Second,

		CustomerLockMaxRetries: 3,
		CustomerLockRetryDelay: 500 * time.Millisecond,

		RetryMaxAttempts: 3,
		RetryBaseDelay:   1 * time.Second,

		NotifyMaxAttempts: 3,
		NotifyBaseDelay:   2 * time.Second,

		GroupWindow: 3 * time.Hour,
		FetchWindow: 7 * 24 * time.Hour,

		AppendDelay: 150 * time.Millisecond,
		BatchSize:   10,
		BatchDelay:  500 * time.Millisecond,
	}
}
