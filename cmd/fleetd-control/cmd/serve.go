package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleetcp.sh/internal/config"
	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/healthcheck"
	"fleetcp.sh/internal/httpapi"
	"fleetcp.sh/internal/jobs"
	"fleetcp.sh/internal/liveness"
	"fleetcp.sh/internal/rollback"
	"fleetcp.sh/internal/rollout"
	"fleetcp.sh/internal/statestore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet control plane HTTP server and background tasks",
	RunE:  runServe,
}

// runServe builds every component (A-H), wires them into the HTTP
// surface, and runs until SIGINT/SIGTERM, draining the listener and
// stopping every background task before exiting. Grounded on the
// teacher's cmd/fleetd/main.go shutdown shape, generalized from one
// daemon to the several background loops this control plane runs.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.Default().With("component", "fleetd-control")

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(context.Background(), db.DB, cfg.Database.Driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	events := eventlog.New(db)
	state := statestore.New(db, events)
	jobMgr := jobs.New(db, events, logger)
	monitor := liveness.NewMonitor(state, events, cfg.Heartbeat, logger)
	rb := rollback.New(db.DB, state, events, logger)
	checker := healthcheck.New()
	orch := rollout.New(db, state, events, rb, checker, logger, rollout.Config{TickInterval: cfg.Rollout.TickInterval})

	server := httpapi.NewServer(httpapi.Deps{
		Config:        cfg.Server,
		Auth:          cfg.Auth,
		RateLimit:     cfg.RateLimit,
		DB:            db,
		State:         state,
		Orchestrator:  orch,
		Jobs:          jobMgr,
		Events:        events,
		Monitor:       monitor,
		WebhookSecret: cfg.Webhook.Secret,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	runBackground := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("background task panicked", "task", name, "recovered", r)
				}
			}()
			fn(ctx)
		}()
	}

	runBackground("liveness", monitor.Run)
	runBackground("rollout", orch.Run)
	runBackground("jobs-timeout-sweep", func(ctx context.Context) { jobMgr.Run(ctx, cfg.Jobs.TimeoutSweepInterval) })
	runBackground("eventlog-maintenance", func(ctx context.Context) {
		events.RunMaintenance(ctx, eventlog.MaintenanceConfig{
			Interval:      cfg.EventLog.MaintenanceInterval,
			LookaheadDays: cfg.EventLog.PartitionLookaheadDays,
			RetentionDays: cfg.EventLog.RetentionDays,
		})
	})

	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(cfg.Server.ShutdownGrace):
		logger.Warn("background tasks did not stop within shutdown grace period")
	}
	return nil
}
