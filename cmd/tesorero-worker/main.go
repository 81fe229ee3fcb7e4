package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"tesorero/internal/amqp"
	"tesorero/internal/backend"
	"tesorero/internal/budget"
	"tesorero/internal/config"
	applog "tesorero/internal/log"
	"tesorero/internal/services"
	gsheet "tesorero/internal/sheets/google"
	"tesorero/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := applog.Setup(applog.DefaultConfig("tesorero-worker"))
	logger.Info("Starting tesorero-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	store, err := backend.Open(cfg)
	if err != nil {
		logger.Error("Failed to open store", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	defer func() {
		if err := store.Cleanup(); err != nil {
			logger.Error("Store cleanup failed", "error", err)
		}
	}()

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The variance exporter only runs with a spreadsheet destination; event
	// consumption runs regardless.
	var processor *services.ExportProcessor
	if cfg.ExportEnabled() {
		queue, ok := store.Store.(budget.ExportQueue)
		if !ok {
			logger.Error("Store does not support the export outbox", "backend", cfg.DataBackend)
			os.Exit(1)
		}

		sheetsClient, err := gsheet.NewFromEnv(ctx)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", "error", err)
			os.Exit(1)
		}
		logger.Info("Google Sheets client initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)

		procCfg := services.DefaultExportProcessorConfig()
		procCfg.PollInterval = cfg.ExportInterval
		procCfg.BatchSize = cfg.ExportBatchSize

		processor = services.NewExportProcessor(queue, store.Store, sheetsClient, procCfg)
		if err := processor.Start(ctx); err != nil {
			logger.Error("Failed to start export processor", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("Variance export disabled, no GOOGLE_SPREADSHEET_ID provided")
	}

	monitor := worker.NewMonitor()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return amqpClient.ConsumeReconciled(gctx, monitor.HandleReconciled)
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				monitor.LogSummary(gctx)
			}
		}
	})

	err = g.Wait()
	if err != nil && err != context.Canceled {
		logger.Error("Worker error", "error", err)
	}

	if processor != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := processor.Stop(shutdownCtx); err != nil {
			logger.Error("Export processor stop error", "error", err)
		}
	}

	logger.Info("Worker stopped")
}
