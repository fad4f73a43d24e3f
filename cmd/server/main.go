/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payroll engine server: HTTP API, live progress
  stream and the background retry worker.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse environment and command-line flags (config package)
  2. Install tracing when an OTLP endpoint is configured
  3. Initialize SQLite store and audit log
  4. Wire notifier (SMTP or log mailer + WebSocket hub)
  5. Create processor, scheduler and retry worker
  6. Configure HTTP router and start serving

COMMAND-LINE FLAGS (override PAYROLL_* environment variables):
  -port                HTTP server port (default: 8080)
  -db                  SQLite database path (default: payroll.db)
                       Use ":memory:" for in-memory database
  -audit-log           Audit log path (default: logs/audit.log)
  -smtp-host           SMTP relay; empty logs emails instead of sending
  -employee-retries    Inline retries per failing employee (default: 3)
  -workers             Departments processed in parallel (default: 1)
  -retry-delay         Delay before a failed department is retried (default: 5m)
  -retry-interval      Retry worker poll interval (default: 5m)
  -max-retry-attempts  Attempts before a retry is FAILED (default: 3)
  -retry-worker        Run the background retry worker (default: true)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the retry worker (waits for the running cycle)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush traces, close audit log and database

EXAMPLES:
  # Run with file database
  ./server -db="./data/payroll.db"

  # Run with in-memory database and fast retries
  ./server -db=":memory:" -retry-delay=30s -retry-interval=10s

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - batch/worker.go: Retry worker
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

	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/audit"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/notify"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
	"github.com/warp/payroll-engine/telemetry"
)

func main() {
	log.SetPrefix("[payroll] ")

	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to parse config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("Tracing shutdown: %v", err)
		}
	}()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	auditLog := audit.New(audit.Options{
		Path:       cfg.AuditPath,
		MaxSizeMB:  cfg.AuditMaxSizeMB,
		MaxBackups: cfg.AuditMaxBackups,
	})
	defer auditLog.Close()

	// Notifications
	var mailer notify.Mailer = notify.LogMailer{}
	if smtpCfg, ok := cfg.SMTP(); ok {
		m, err := notify.NewSMTPMailer(smtpCfg)
		if err != nil {
			return fmt.Errorf("init mailer: %w", err)
		}
		mailer = m
	}
	hub := notify.NewHub(notify.DefaultBuffer)
	notifier := notify.NewService(mailer, hub)

	// Batch engine
	calc := payroll.NewStandardCalculator()
	processor := batch.NewProcessor(store, calc, notifier, auditLog, cfg.Processor())
	scheduler := batch.NewScheduler(store, notifier, auditLog, cfg.RetryDelay)

	if cfg.WorkerEnabled {
		worker := batch.NewRetryWorker(store, calc, notifier, auditLog, cfg.Worker())
		worker.Start(ctx)
		defer worker.Stop()
	}

	// HTTP
	handler := api.NewHandler(store, processor, scheduler, auditLog)
	router := api.NewRouter(handler, hub.Handler(), cfg.AllowedOrigins)

	// Bulk runs answer once the batch is finished and /ws connections are
	// long-lived, so there is no write timeout.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on http://localhost:%d", cfg.Port)
		log.Printf("API available at http://localhost:%d/api, progress stream at ws://localhost:%d/ws", cfg.Port, cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("Server stopped")
	return nil
}
