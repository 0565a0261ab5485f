/*
handlers.go - HTTP handlers for the sync engine's operational surface

PURPOSE:
  A thin facade over the orchestrator and its state objects: trigger a
  sync, inspect locks/caches/queue, force-release a stuck lock, and pull
  the duplicate-row report. No business logic lives here.

ENDPOINTS:
  Sync:
    POST   /api/sync               Run a reconciliation pass now
    GET    /api/sync/state         Orchestrator state + last result

  Locks:
    GET    /api/locks              Active locks with ages
    DELETE /api/locks/{key}        Force-release one lock
    POST   /api/locks/cleanup      Evict all stale locks

  Caches:
    GET    /api/cache/stats        Both dedup tiers
    POST   /api/cache/refresh      Rebuild both tiers now

  Queue:
    GET    /api/queue/stats
    POST   /api/queue/pause
    POST   /api/queue/resume

  Reports:
    GET    /api/duplicates         Customers with more than one ledger row

  Health:
    GET    /api/health

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 404: Unknown lock key
  - 423: Sync already in progress (global lock busy)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Response shapes
  - server.go: Router setup and middleware
  - scheduler.go: The timer that calls the same PerformSync
*/
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/ledger-sync/engine"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Orchestrator *engine.Orchestrator
}

// NewHandler creates a handler over the orchestrator.
func NewHandler(orch *engine.Orchestrator) *Handler {
	return &Handler{Orchestrator: orch}
}

// =============================================================================
// SYNC
// =============================================================================

// TriggerSync runs one reconciliation pass synchronously.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.Orchestrator.PerformSync(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if engine.IsBusy(err) {
			status = http.StatusLocked
		}
		log.Printf("[API] sync failed: %v", err)
		writeJSON(w, status, SyncResponse{Success: false, Result: result, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Success: true, Result: result})
}

// SyncState reports where the orchestrator is and its last result.
func (h *Handler) SyncState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.Status())
}

// =============================================================================
// LOCKS
// =============================================================================

// ListLocks returns every active lock with its age.
func (h *Handler) ListLocks(w http.ResponseWriter, r *http.Request) {
	locks := h.Orchestrator.Locks.ActiveLocks()
	dtos := make([]LockDTO, 0, len(locks))
	for _, l := range locks {
		dtos = append(dtos, LockDTO{
			Key:       l.Key,
			HolderID:  l.HolderID,
			AgeMillis: l.Age.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, LocksResponse{Locks: dtos, Count: len(dtos)})
}

// ForceReleaseLock removes a lock regardless of holder.
func (h *Handler) ForceReleaseLock(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !h.Orchestrator.Locks.ForceRelease(key) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no such lock: " + key})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "released", Message: key})
}

// CleanupLocks evicts all stale locks.
func (h *Handler) CleanupLocks(w http.ResponseWriter, r *http.Request) {
	n := h.Orchestrator.Locks.Cleanup()
	writeJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

// =============================================================================
// CACHES
// =============================================================================

// CacheStats reports both dedup tiers.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	dto := CacheStatsDTO{
		PurchaseCacheSize: h.Orchestrator.Purchases.Size(),
		IndexedCustomers:  h.Orchestrator.Duplicates.Size(),
		IndexStale:        h.Orchestrator.Duplicates.IsStale(),
	}
	if t := h.Orchestrator.Duplicates.LastRefresh(); !t.IsZero() {
		dto.IndexRefreshedAt = t.UTC().Format("2006-01-02T15:04:05Z")
	}
	writeJSON(w, http.StatusOK, dto)
}

// RefreshCaches rebuilds both tiers from the ledger.
func (h *Handler) RefreshCaches(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Duplicates.Refresh(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.Orchestrator.Purchases.Reload(r.Context(), h.Orchestrator.Ledger); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "refreshed"})
}

// =============================================================================
// QUEUE
// =============================================================================

// QueueStats reports notification queue state.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats := h.Orchestrator.Queue.Stats()
	writeJSON(w, http.StatusOK, QueueStatsDTO{
		Depth:       stats.Depth,
		OldestAgeMs: stats.OldestAge.Milliseconds(),
		Processing:  stats.Processing,
		Paused:      stats.Paused,
		Delivered:   stats.Delivered,
		Dropped:     stats.Dropped,
	})
}

// PauseQueue stops delivery.
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.Orchestrator.Queue.Pause()
	writeJSON(w, http.StatusOK, StatusResponse{Status: "paused"})
}

// ResumeQueue restarts delivery.
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.Orchestrator.Queue.Resume()
	writeJSON(w, http.StatusOK, StatusResponse{Status: "resumed"})
}

// =============================================================================
// REPORTS / HEALTH
// =============================================================================

// DuplicateReport lists customers holding more than one ledger row.
func (h *Handler) DuplicateReport(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Orchestrator.Duplicates.FindAllDuplicates(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if reports == nil {
		reports = []engine.DuplicateReport{}
	}
	writeJSON(w, http.StatusOK, reports)
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}
