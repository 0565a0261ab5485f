/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger-sync server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags (+ optional YAML config file)
  2. Initialize SQLite-backed ledger store
  3. Wire lock manager, adapter, source client, notification queue
  4. Create orchestrator, API handler, router, scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (default: 8080)
  -db       SQLite ledger path (default: ledger.db, ":memory:" supported)
  -config   YAML config file (optional)
  -interval Sync interval (default: 15m, 0 disables the scheduler)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight pass)
  2. Stop accepting new connections, drain active requests (30s timeout)
  3. Close the notification queue (waits for the in-flight send)
  4. Close the database connection

SEE ALSO:
  - api/server.go: Router configuration
  - engine/orchestrator.go: The reconciliation loop
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/ledger-sync/api"
	"github.com/warp/ledger-sync/config"
	"github.com/warp/ledger-sync/engine"
	"github.com/warp/ledger-sync/ledger"
	"github.com/warp/ledger-sync/notify"
	"github.com/warp/ledger-sync/source"
	"github.com/warp/ledger-sync/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite ledger path (overrides config)")
	cfgPath := flag.String("config", "", "YAML config file")
	interval := flag.Duration("interval", 0, "sync interval (overrides config, 0 = from config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	if *interval != 0 {
		cfg.SyncInterval = config.Duration(*interval)
	}
	engCfg := cfg.EngineConfig()

	// Ledger store
	store, err := sqlite.New(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize ledger store: %v", err)
	}
	defer store.Close()

	// Shared lock registry: orchestrator scopes and the adapter's
	// row-scoped insert locks live in one place.
	locks := engine.NewLockManager(engCfg.LockStaleness, engCfg.LockSettleDelay)
	adapter := ledger.NewAdapter(store, locks, engCfg)

	// Payment source
	var src engine.PaymentSource
	if cfg.Source.BaseURL != "" {
		src = source.NewHTTPClient(cfg.Source.BaseURL, cfg.Source.APIKey)
	} else {
		log.Println("No payment source configured, using empty in-memory source")
		src = source.NewMemory()
	}

	// Notification channels
	var channel notify.Channel = notify.LogChannel{}
	if cfg.Notify.WebhookURL != "" {
		channel = notify.NewHTTPChannel(cfg.Notify.WebhookURL, cfg.Notify.Token)
	}
	queue := engine.NewNotificationQueue(notify.NewSender(channel), engCfg.NotifyMaxAttempts, engCfg.NotifyBaseDelay)
	defer queue.Close()

	// Orchestrator + API
	orch := engine.NewOrchestrator(locks, adapter, src, queue, engCfg)
	handler := api.NewHandler(orch)
	router := api.NewRouter(handler)

	// Scheduler
	scheduler := api.NewSyncScheduler(orch, time.Duration(cfg.SyncInterval))
	if cfg.SyncInterval > 0 {
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // a manual sync pass can take a while
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d", cfg.Port)
		log.Printf("API available at http://localhost:%d/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
