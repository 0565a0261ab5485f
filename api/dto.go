/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's internal model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/ledger-sync/engine"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// SyncResponse wraps one sync pass's outcome.
type SyncResponse struct {
	Success bool               `json:"success"`
	Result  *engine.SyncResult `json:"result"`
	Error   string             `json:"error,omitempty"`
}

// LockDTO represents one active lock.
type LockDTO struct {
	Key       string `json:"key"`
	HolderID  string `json:"holder_id"`
	AgeMillis int64  `json:"age_ms"`
}

// LocksResponse lists active locks.
type LocksResponse struct {
	Locks []LockDTO `json:"locks"`
	Count int       `json:"count"`
}

// CacheStatsDTO reports both dedup tiers.
type CacheStatsDTO struct {
	PurchaseCacheSize int    `json:"purchase_cache_size"`
	IndexedCustomers  int    `json:"indexed_customers"`
	IndexStale        bool   `json:"index_stale"`
	IndexRefreshedAt  string `json:"index_refreshed_at,omitempty"`
}

// QueueStatsDTO reports notification queue state.
type QueueStatsDTO struct {
	Depth       int   `json:"depth"`
	OldestAgeMs int64 `json:"oldest_age_ms"`
	Processing  bool  `json:"processing"`
	Paused      bool  `json:"paused"`
	Delivered   int   `json:"delivered"`
	Dropped     int   `json:"dropped"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse reports a simple ok/message outcome.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
