// Package main wires together the application automation service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/jobswipe/applyd/internal/api"
	"github.com/jobswipe/applyd/internal/autoapply"
	"github.com/jobswipe/applyd/internal/clock/system"
	"github.com/jobswipe/applyd/internal/config"
	"github.com/jobswipe/applyd/internal/events"
	"github.com/jobswipe/applyd/internal/events/sinks"
	"github.com/jobswipe/applyd/internal/id/uuid"
	"github.com/jobswipe/applyd/internal/logging"
	"github.com/jobswipe/applyd/internal/metrics"
	"github.com/jobswipe/applyd/internal/orchestrator"
	"github.com/jobswipe/applyd/internal/poller"
	"github.com/jobswipe/applyd/internal/procpool"
	memorypublisher "github.com/jobswipe/applyd/internal/publisher/memory"
	pubsubpublisher "github.com/jobswipe/applyd/internal/publisher/pubsub"
	"github.com/jobswipe/applyd/internal/queueapi"
	"github.com/jobswipe/applyd/internal/storage/gcs"
	"github.com/jobswipe/applyd/internal/storage/local"
	memorystorage "github.com/jobswipe/applyd/internal/storage/memory"
	"github.com/jobswipe/applyd/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.NewGenerator()

	hub := events.NewHub(
		events.Config{Logger: logger.Named("events")},
		sinks.NewLogSink(logger.Named("events")),
		sinks.NewPrometheusSink(),
	)

	logStore, closeLogStore, err := buildLogStore(ctx, cfg)
	if err != nil {
		logger.Fatal("log store init failed", zap.Error(err))
	}
	defer closeLogStore()

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	publisher, stopPublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer stopPublisher()

	queueClient, err := queueapi.New(queueapi.Config{
		BaseURL:   cfg.Queue.BaseURL,
		AuthToken: cfg.Queue.APIKey,
		Timeout:   time.Duration(cfg.Queue.RequestTimeoutSec) * time.Second,

		RequestsPerSecond: cfg.Queue.RequestsPerSecond,
		Burst:             int(cfg.Queue.RequestsPerSecond),
	}, logger.Named("queue"))
	if err != nil {
		logger.Fatal("queue client init failed", zap.Error(err))
	}

	pool, err := procpool.New(procpool.Config{
		MaxWorkers:       cfg.Pool.MaxWorkers,
		Command:          cfg.Pool.WorkerCommand,
		Args:             cfg.Pool.WorkerArgs,
		ProcessTimeout:   cfg.ProcessTimeout(),
		IdleTimeout:      time.Duration(cfg.Pool.IdleTimeoutSec) * time.Second,
		ReadinessTimeout: time.Duration(cfg.Pool.ReadinessTimeoutSec) * time.Second,
		AcquireTimeout:   time.Duration(cfg.Pool.AcquireTimeoutSec) * time.Second,
		CleanupInterval:  time.Duration(cfg.Pool.CleanupIntervalSec) * time.Second,
		Reuse:            cfg.Pool.Reuse,
	}, clock, idGen, hub, logger.Named("pool"))
	if err != nil {
		logger.Fatal("worker pool init failed", zap.Error(err))
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Mode:                autoapply.ProcessingMode(cfg.Automation.Mode),
		MaxRetries:          cfg.Automation.MaxRetries,
		RetryDelay:          time.Duration(cfg.Automation.RetryDelayMs) * time.Millisecond,
		RequestsPerMinute:   cfg.Automation.RequestsPerMinute,
		BurstLimit:          cfg.Automation.BurstLimit,
		CaptchaGrace:        cfg.CaptchaGrace(),
		ProcessTimeout:      cfg.ProcessTimeout(),
		ScriptDir:           cfg.Pool.ScriptDir,
		ArtifactPrefix:      cfg.Storage.Prefix,
		ArtifactContentType: cfg.Storage.ContentType,
		CompletionTopic:     cfg.PubSub.TopicName,
	}, pool, queueClient, logStore, blobStore, publisher, clock, idGen, hub, logger.Named("orchestrator"))
	if err != nil {
		logger.Fatal("orchestrator init failed", zap.Error(err))
	}

	queuePoller, err := poller.New(poller.Config{
		Interval:          cfg.PollInterval(),
		PageSize:          cfg.Queue.PageSize,
		DeviceID:          cfg.Queue.DeviceID,
		MaxConcurrent:     cfg.Automation.MaxConcurrentJobs,
		MaxRetries:        cfg.Queue.MaxRetries,
		BackoffBase:       time.Duration(cfg.Queue.BackoffBaseMs) * time.Millisecond,
		BackoffMultiplier: cfg.Queue.BackoffMultiplier,
		BackoffMax:        time.Duration(cfg.Queue.BackoffMaxMs) * time.Millisecond,
		AvgProcessing:     time.Duration(cfg.Queue.AvgProcessingSeconds) * time.Second,
	}, queueClient, orch, clock, hub, logger.Named("poller"))
	if err != nil {
		logger.Fatal("poller init failed", zap.Error(err))
	}

	apiServer := api.NewServer(pool, queuePoller, orch, logStore, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("poller started",
			zap.String("device_id", cfg.Queue.DeviceID),
			zap.Duration("interval", cfg.PollInterval()),
		)
		if err := queuePoller.Run(ctx); err != nil {
			logger.Error("poller stopped", zap.Error(err))
			stop()
		}
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := pool.StopAll(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildLogStore(ctx context.Context, cfg config.Config) (autoapply.LogStore, func(), error) {
	switch cfg.DB.Provider {
	case "postgres":
		store, err := postgres.NewLogStore(ctx, postgres.LogStoreConfig{DSN: cfg.DB.DSN})
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return store, store.Close, nil
	case "memory":
		return memorystorage.NewLogStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown db provider %q", cfg.DB.Provider)
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config) (autoapply.ArtifactStore, error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	case "local":
		return local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
	case "memory":
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (autoapply.Publisher, func(), error) {
	switch cfg.PubSub.Provider {
	case "pubsub":
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub := pubsubpublisher.New(client.Topic(cfg.PubSub.TopicName))
		cleanup := func() {
			pub.Stop()
			if cerr := client.Close(); cerr != nil {
				zap.L().Warn("pubsub client close failed", zap.Error(cerr))
			}
		}
		return pub, cleanup, nil
	case "noop":
		return memorypublisher.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown pubsub provider %q", cfg.PubSub.Provider)
	}
}
