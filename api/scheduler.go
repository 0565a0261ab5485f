/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically triggers a full sync pass so the ledger converges without
  manual triggers. Manual POST /api/sync and the timer share the engine's
  global lock, so overlap resolves to one winner and one fast failure.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Skips a tick when a pass is still in flight (the lock would reject it
    anyway; skipping keeps the logs quiet)
  - Records nothing itself - SyncResult history lives on the orchestrator

USAGE:
  scheduler := NewSyncScheduler(orch, 15*time.Minute)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSync endpoint (manual pass)
  - engine/orchestrator.go: PerformSync
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/ledger-sync/engine"
)

// SyncScheduler triggers reconciliation passes on a timer.
type SyncScheduler struct {
	Orchestrator  *engine.Orchestrator
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSyncScheduler creates a scheduler over orch.
func NewSyncScheduler(orch *engine.Orchestrator, interval time.Duration) *SyncScheduler {
	return &SyncScheduler{
		Orchestrator:  orch,
		CheckInterval: interval,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (s *SyncScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	log.Printf("[Scheduler] Started with sync interval: %v", s.CheckInterval)
}

// Stop stops the scheduler.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (s *SyncScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.trigger()

	for {
		select {
		case <-s.ticker.C:
			s.trigger()
		case <-s.stop:
			return
		}
	}
}

func (s *SyncScheduler) trigger() {
	if s.Orchestrator.Status().State != engine.StateIdle {
		log.Println("[Scheduler] pass already in flight, skipping tick")
		return
	}

	result, err := s.Orchestrator.PerformSync(context.Background())
	if err != nil {
		if engine.IsBusy(err) {
			log.Printf("[Scheduler] sync lock busy: %v", err)
			return
		}
		log.Printf("[Scheduler] sync failed: %v", err)
		return
	}

	log.Printf("[Scheduler] sync done: %d new, %d updated, %d duplicates avoided, %d skipped, %d failed",
		result.NewPurchases, result.UpdatedPurchases, result.DuplicatesAvoided, result.Skipped, result.Failed)
}
