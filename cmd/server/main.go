// Package main runs the scan intake API: it validates scan requests and
// enqueues them for the worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/VaultScan/internal/api"
	"github.com/dharsanguruparan/VaultScan/internal/clamd"
	"github.com/dharsanguruparan/VaultScan/internal/config"
	"github.com/dharsanguruparan/VaultScan/internal/database"
	"github.com/dharsanguruparan/VaultScan/internal/logging"
	"github.com/dharsanguruparan/VaultScan/internal/metrics"
	"github.com/dharsanguruparan/VaultScan/internal/queue"
	"github.com/dharsanguruparan/VaultScan/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client := asynq.NewClient(queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
	defer client.Close()

	m := metrics.NewDefault()
	// The intake never scans; the scanner only backs /healthz so the API
	// reports unready while clamd is down.
	scanner, err := clamd.New(clamd.Options{
		Addr:          cfg.ClamAVAddr,
		PoolSize:      1,
		ProbeTimeout:  cfg.ClamAVProbeTimeout,
		ReadyInterval: cfg.ClamAVReadyInterval,
		OnStateChange: func(s clamd.State) { m.SetClamdReady(s == clamd.Ready) },
	}, logger)
	if err != nil {
		return fmt.Errorf("init clamd: %w", err)
	}
	defer scanner.Close()
	go scanner.Watch(ctx)

	var results api.Results
	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL, 4)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		results = repository.NewScanRepository(pool)
	}

	srv := api.New(api.Options{
		Address:     cfg.Address,
		Enqueuer:    client,
		Scanner:     scanner,
		Results:     results,
		UploadTypes: cfg.UploadTypes,
		MaxRetry:    cfg.TaskMaxRetry,
		Metrics:     m,
	}, logger)
	return srv.Run(ctx)
}
