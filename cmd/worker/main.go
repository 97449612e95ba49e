package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dharsanguruparan/VaultScan/internal/api"
	"github.com/dharsanguruparan/VaultScan/internal/auth"
	"github.com/dharsanguruparan/VaultScan/internal/bomb"
	"github.com/dharsanguruparan/VaultScan/internal/clamd"
	"github.com/dharsanguruparan/VaultScan/internal/config"
	"github.com/dharsanguruparan/VaultScan/internal/database"
	"github.com/dharsanguruparan/VaultScan/internal/events"
	"github.com/dharsanguruparan/VaultScan/internal/kafka"
	"github.com/dharsanguruparan/VaultScan/internal/logging"
	"github.com/dharsanguruparan/VaultScan/internal/metrics"
	"github.com/dharsanguruparan/VaultScan/internal/model"
	"github.com/dharsanguruparan/VaultScan/internal/pipeline"
	"github.com/dharsanguruparan/VaultScan/internal/queue"
	"github.com/dharsanguruparan/VaultScan/internal/repository"
	"github.com/dharsanguruparan/VaultScan/internal/retrieval"
	"github.com/dharsanguruparan/VaultScan/internal/s3storage"
	"github.com/dharsanguruparan/VaultScan/internal/submission"
	"github.com/dharsanguruparan/VaultScan/internal/worker"
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
		logger.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.NewDefault()

	store, err := s3storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := store.EnsureBuckets(ctx, s3storage.Buckets(cfg)...); err != nil {
		return fmt.Errorf("ensure buckets: %w", err)
	}

	scanner, err := clamd.New(clamd.Options{
		Addr:          cfg.ClamAVAddr,
		PoolSize:      cfg.ClamAVPool,
		ProbeTimeout:  cfg.ClamAVProbeTimeout,
		ReadyInterval: cfg.ClamAVReadyInterval,
		OnStateChange: func(s clamd.State) { m.SetClamdReady(s == clamd.Ready) },
	}, logger)
	if err != nil {
		return fmt.Errorf("init clamd: %w", err)
	}
	defer scanner.Close()
	metrics.RegisterPoolStats(prometheus.DefaultRegisterer, scanner.Pool().Stat)

	var token auth.TokenProvider
	if cfg.Auth0URL != "" {
		token, err = auth.ClientCredentials(auth.Options{
			TokenURL:     cfg.Auth0URL,
			ClientID:     cfg.Auth0ClientID,
			ClientSecret: cfg.Auth0ClientSecret,
			Audience:     cfg.Auth0Audience,
		})
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
	} else {
		logger.Warn("VAULTSCAN_AUTH0_URL not set, outbound API calls are unauthenticated")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	var updateURL string
	if ut, ok := cfg.UploadType(model.UploadTypeSubmission); ok {
		updateURL = ut.UpdateURL
	}
	subs := submission.NewClient(submission.Options{
		BaseURL:        cfg.SubmissionAPIURL,
		SubmissionsURL: updateURL,
		HTTPClient:     httpClient,
		Token:          token,
		CacheTTL:       cfg.ReviewTypeCacheTTL,
		OnCacheLookup:  m.ReviewTypeLookup,
	}, logger)

	publisher, closePublisher, err := newPublisher(cfg, httpClient, token, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	p := pipeline.New(pipeline.Deps{
		Fetcher: retrieval.New(store, nil, cfg.S3Endpoint, cfg.MaxFileSize, logger),
		Detector: bomb.New(bomb.Limits{
			MaxEntries:      cfg.BombMaxEntries,
			MaxUncompressed: uint64(max(cfg.BombMaxUncompressed, 0)),
			MaxRatio:        cfg.BombMaxRatio,
		}),
		Scanner:       scanner,
		Mover:         s3storage.NewRelocator(store, logger),
		Notifier:      submission.NewNotifier(subs, cfg.ReviewTypeName, cfg.ScorecardID, logger),
		Publisher:     publisher,
		DMZBucket:     cfg.DMZBucket,
		UploadTypes:   cfg.UploadTypes,
		PublicURLBase: cfg.PublicURLBase,
		Metrics:       m,
		Logger:        logger,
	})

	var audit worker.Recorder
	var results api.Results
	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL, int32(cfg.ProcessingPool)+2)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		repo := repository.NewScanRepository(pool)
		audit, results = repo, repo
	}
	proc := worker.NewProcessor(p, audit, logger)

	status := api.New(api.Options{
		Address: cfg.MetricsAddress,
		Scanner: scanner,
		Results: results,
		Metrics: m,
	}, logger)
	go func() {
		if err := status.Run(ctx); err != nil {
			logger.Error("status server stopped", slog.String("error", err.Error()))
		}
	}()

	if v, err := scanner.Version(ctx); err == nil {
		logger.Info("clamd reachable", slog.String("version", v))
	}
	if err := scanner.WaitReady(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("wait for clamd: %w", err)
	}
	logger.Info("clamd ready, consuming", slog.String("source", cfg.Source))

	switch cfg.Source {
	case config.SourceKafka:
		tlsConfig, err := kafka.ClientTLS(cfg.KafkaClientCert, cfg.KafkaClientCertKey)
		if err != nil {
			return err
		}
		consumer := kafka.NewConsumer(
			kafka.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, tlsConfig),
			kafka.Handler{Handle: proc.Handle, Permanent: pipeline.Permanent},
			kafka.Options{
				Workers:     cfg.ProcessingPool,
				MaxAttempts: cfg.TaskMaxRetry + 1,
				RetryDelay:  time.Second,
			},
			logger,
		)
		return consumer.Run(ctx)
	default:
		return runAsynq(ctx, cfg, proc, logger)
	}
}

func runAsynq(ctx context.Context, cfg *config.Config, proc *worker.Processor, logger *slog.Logger) error {
	server := asynq.NewServer(queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), asynq.Config{
		Concurrency: cfg.ProcessingPool,
		Queues:      map[string]int{queue.DefaultQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn("scan task failed",
				slog.String("type", task.Type()),
				slog.Int("retried", retried),
				slog.Int("max_retry", maxRetry),
				slog.String("error", err.Error()))
		}),
	})
	if err := server.Start(proc.Handler()); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func newPublisher(cfg *config.Config, httpClient *http.Client, token auth.TokenProvider, logger *slog.Logger) (events.Publisher, func(), error) {
	if cfg.BusDriver == config.BusAMQP {
		pub, err := events.NewAMQPPublisher(events.AMQPOptions{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			RoutingKey: cfg.AMQPRoutingKey,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect amqp: %w", err)
		}
		return pub, func() { _ = pub.Close() }, nil
	}
	return events.NewBusPublisher(cfg.BusEventsURL, httpClient, token, logger), func() {}, nil
}
