/*
errors.go - Centralized error types for the sync engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; outer layers (the HTTP facade)
  map these to status codes.

ERROR CATEGORIES:
  1. Lock errors - acquisition timeouts, the affected unit of work is skipped
  2. Transient errors - external calls that failed after bounded retries
  3. Per-customer errors - isolated inside a sync pass, recorded not raised
  4. Critical errors - abort the pass (global lock still released)

SEE ALSO:
  - lock.go: Raises ErrLockAcquisitionTimeout
  - retry.go: Wraps exhausted operations in TransientError
  - orchestrator.go: Collects CustomerError, raises CriticalError
*/
package engine

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrLockAcquisitionTimeout is returned when a lock could not be
	// acquired within its bounded retry budget. The unit of work guarded
	// by the lock is skipped, not failed.
	ErrLockAcquisitionTimeout = errors.New("lock acquisition timeout")

	// ErrTransientSource is returned when an external call still fails
	// after exhausting its retry budget.
	ErrTransientSource = errors.New("transient external error")

	// ErrSyncInProgress is returned when a sync trigger finds the global
	// sync lock held by another run.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrQueueClosed is returned when enqueueing on a closed queue.
	ErrQueueClosed = errors.New("notification queue closed")

	// ErrRowNotFound is returned by ledger lookups keyed on position.
	ErrRowNotFound = errors.New("ledger row not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// LockTimeoutError says which key could not be locked and after how many
// attempts.
type LockTimeoutError struct {
	Key      string
	Attempts int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire lock %q after %d attempts", e.Key, e.Attempts)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockAcquisitionTimeout }

// TransientError wraps the final error of an exhausted retry loop.
type TransientError struct {
	Op       string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts (%v): %v", e.Op, e.Attempts, e.Elapsed, e.Err)
}

func (e *TransientError) Unwrap() error { return ErrTransientSource }

// CustomerError records one customer's failure inside a sync pass.
// It appears in SyncResult.Errors and nowhere else.
type CustomerError struct {
	CustomerID CustomerID `json:"customer_id"`
	Message    string     `json:"message"`
}

func (e CustomerError) Error() string {
	return fmt.Sprintf("customer %s: %s", e.CustomerID, e.Message)
}

// CriticalError marks a failure outside the per-customer isolation
// boundary. The pass aborts but partial counters are still returned.
type CriticalError struct {
	Stage string
	Err   error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("critical sync error during %s: %v", e.Stage, e.Err)
}

func (e *CriticalError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientSource)
}

// IsBusy returns true if the error means a concurrent run holds the lock.
func IsBusy(err error) bool {
	return errors.Is(err, ErrSyncInProgress) ||
		errors.Is(err, ErrLockAcquisitionTimeout)
}
