// Command reconciler re-dispatches settlement legs that were committed but
// never reached the treasury.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rl1809/escrow-settlement/internal/app"
	"github.com/rl1809/escrow-settlement/internal/config"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.Named("reconciler")

	if err := cfg.ValidateReconciler(); err != nil {
		logger.Fatal("invalid reconciler config", zap.String("storage", cfg.StorageBackend), zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}
	defer engine.Close()

	sweep := func() {
		report, err := engine.Service.Reconcile(ctx, cfg.ReconcileBatch)
		if err != nil {
			logger.Error("reconcile sweep aborted", zap.Error(err),
				zap.Int("attempted", report.Attempted), zap.Int("settled", report.Settled))
			return
		}
		if report.Attempted > 0 {
			logger.Info("reconcile sweep",
				zap.Int("attempted", report.Attempted), zap.Int("settled", report.Settled), zap.Int("failed", report.Failed))
		}
	}

	// SkipIfStillRunning keeps sweeps from overlapping on a slow treasury.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.ReconcileSchedule, sweep); err != nil {
		logger.Fatal("invalid reconcile schedule", zap.String("schedule", cfg.ReconcileSchedule), zap.Error(err))
	}

	sweep()
	c.Start()
	logger.Info("reconciler started", zap.String("schedule", cfg.ReconcileSchedule), zap.Int("batch", cfg.ReconcileBatch))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	<-c.Stop().Done()
}
