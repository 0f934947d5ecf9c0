/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the link purchase engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from environment (.env honored)
  2. Initialize storage (SQLite or PostgreSQL)
  3. Connect the balance cache when REDIS_ADDR is set
  4. Start the notification outbox and expiry sweeper
  5. Start HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper and drain the outbox
  4. Close storage and cache
  5. Exit

CONFIGURATION:
  See config/config.go for every variable and its default. With no
  environment at all the server runs on :8080 over ./purchase.db.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - config/config.go: Environment parsing
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkmarket/purchase-engine/api"
	"github.com/linkmarket/purchase-engine/cache"
	"github.com/linkmarket/purchase-engine/config"
	"github.com/linkmarket/purchase-engine/ledger"
	"github.com/linkmarket/purchase-engine/notify"
	"github.com/linkmarket/purchase-engine/request"
	"github.com/linkmarket/purchase-engine/store/postgres"
	"github.com/linkmarket/purchase-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize storage
	var (
		store   request.Storage
		cleanup func()
	)
	switch cfg.DBDriver {
	case "postgres":
		pg, err := postgres.New(context.Background(), cfg.DBSource)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		store, cleanup = pg, pg.Close
	default:
		sq, err := sqlite.New(cfg.DBSource)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		store, cleanup = sq, func() { sq.Close() }
	}
	defer cleanup()

	// Optional shared balance cache
	var balanceCache ledger.BalanceCache
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedisBalanceCache(context.Background(), cfg.RedisAddr)
		if err != nil {
			log.Fatalf("Failed to connect balance cache: %v", err)
		}
		defer rc.Close()
		balanceCache = rc
	}

	// Notification outbox
	outbox := notify.NewOutbox(notify.LogSink{}, 0)
	outbox.Start()
	defer outbox.Stop()

	// Lifecycle manager
	manager := request.NewManager(store, request.Config{
		ResponseWindow:    cfg.ResponseWindow,
		ConfirmWindow:     cfg.ConfirmWindow,
		CommissionRate:    cfg.CommissionRate,
		PlatformAccountID: ledger.UserID(cfg.PlatformAccountID),
	}).WithNotifier(outbox)
	if balanceCache != nil {
		manager = manager.WithCache(balanceCache)
	}

	// Expiry sweeper
	sweeper := request.NewSweeper(manager, cfg.SweepInterval)
	sweeper.OnReport = api.RecordSweep
	sweeper.Start()
	defer sweeper.Stop()

	// HTTP server
	handler := api.NewHandler(store, balanceCache, manager, sweeper)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Server] Listening on http://localhost:%d (db=%s driver=%s)", cfg.Port, cfg.DBSource, cfg.DBDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("[Server] Stopped")
}
