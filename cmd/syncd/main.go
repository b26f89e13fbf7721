package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"driftsync/internal/config"
	"driftsync/internal/conflict"
	"driftsync/internal/database"
	"driftsync/internal/device"
	"driftsync/internal/domain"
	"driftsync/internal/events"
	"driftsync/internal/executor"
	"driftsync/internal/logging"
	"driftsync/internal/metrics"
	"driftsync/internal/models"
	"driftsync/internal/orchestrator"
	"driftsync/internal/queue"
	"driftsync/internal/report"
	"driftsync/internal/repository"
	"driftsync/internal/version"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, loadErr := loadConfigAndLogger()
	if loadErr != nil {
		return loadErr
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := prepareDirectories(cfg, &logger); err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Error().Err(err).Msg("database init failed")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, index := initQueueIndex(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	metrics.Register()
	if cfg.Monitoring.PrometheusEnabled {
		startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	replay := executor.NewHTTPReplay(cfg.Upstream.BaseURL, logger)

	q := queue.New(db, index, replay, logger, queue.Options{
		BatchSize:     cfg.Queue.BatchSize,
		LeaseTTL:      cfg.Queue.LeaseTTL(),
		ExecTimeout:   cfg.Queue.ExecTimeout(),
		Score:         queue.ScorePolicy{PriorityWeight: time.Duration(cfg.Queue.PriorityWeightMs) * time.Millisecond},
		Retry:         retryPolicy(cfg.Queue),
		ExecutorRate:  rate.Limit(cfg.Queue.ExecutorRatePerSec),
		EnqueueLimit:  cfg.Queue.EnqueueLimit,
		EnqueueWindow: time.Duration(cfg.Queue.EnqueueWindowSecs) * time.Second,
	})

	versions := version.NewStore(db, logger)
	resolver := conflict.NewResolver(db, versions, logger)

	eventBus := events.NewEventBus()
	registry := device.NewRegistry(db, eventBus, logger)

	jobs := orchestrator.NewJobRegistry(
		cfg.Sync.JobRegistryCapacity,
		time.Duration(cfg.Sync.JobRegistryTTLMinutes)*time.Minute,
	)

	orch := orchestrator.New(q, versions, resolver, registry, jobs, eventBus, logger, orchestrator.Config{
		QueueSweepInterval:    time.Duration(cfg.Sync.QueueSweepSeconds) * time.Second,
		ConflictSweepInterval: time.Duration(cfg.Sync.ConflictSweepSeconds) * time.Second,
		DeviceSweepInterval:   time.Duration(cfg.Sync.DeviceSweepSeconds) * time.Second,
		CleanupInterval:       time.Duration(cfg.Sync.CleanupSweepSeconds) * time.Second,
		QueueRetentionDays:    cfg.Sync.QueueRetentionDays,
		ConflictRetentionDays: cfg.Sync.ConflictRetentionDays,
		DeviceRetentionDays:   cfg.Sync.DeviceRetentionDays,
		MinPendingForSync:     cfg.Sync.MinPendingForSync,
		SweepStrategy:         cfg.Sync.SweepStrategy,
	})

	subscribeSyncEvents(ctx, eventBus, orch, &logger)

	backup := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
	go backup.Start(ctx)

	startReportLoop(ctx, cfg, db, &logger)

	logger.Info().Msg("sync daemon started")
	orch.Run(ctx)

	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "syncd-main").Logger()

	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if cfg == nil {
		return os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("create database directory")
		return err
	}
	if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("create export directory")
		return err
	}
	return nil
}

// initQueueIndex wires the Redis-backed priority index with an in-memory
// fallback; without a configured Redis address the daemon runs on memory
// alone.
func initQueueIndex(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, domain.QueueIndex) {
	fallback := repository.NewMemoryQueueIndex()
	if cfg.Redis.Address == "" {
		logger.Warn().Msg("redis not configured, using in-memory queue index")
		return nil, fallback
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable")
	}

	primary := repository.NewRedisQueueIndex(redisClient)
	return redisClient, repository.NewFailoverQueueIndex(primary, fallback, logger)
}

func retryPolicy(cfg config.QueueConfig) queue.RetryPolicy {
	return queue.RetryPolicy{
		InitialDelay:  time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		BackoffFactor: 2,
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Int("port", port).Msg("metrics server started")
}

// startReportLoop periodically writes an xlsx operational snapshot when
// exports.report_interval is configured.
func startReportLoop(ctx context.Context, cfg *config.Config, db *database.DB, logger *zerolog.Logger) {
	if cfg.Exports.ReportInterval == "" {
		return
	}
	interval, err := time.ParseDuration(cfg.Exports.ReportInterval)
	if err != nil {
		logger.Warn().Err(err).Str("interval", cfg.Exports.ReportInterval).Msg("bad report interval, reports disabled")
		return
	}

	exporter := report.NewExporter(db, cfg.Exports.Path, logger)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := exporter.Export(ctx); err != nil {
					logger.Error().Err(err).Msg("periodic report failed")
				}
			}
		}
	}()
	logger.Info().Dur("interval", interval).Msg("report loop started")
}

// subscribeSyncEvents turns sync_requested presence events into incremental
// sync jobs so a device nudge actually drains that user's queue.
func subscribeSyncEvents(ctx context.Context, bus *events.EventBus, orch *orchestrator.Orchestrator, logger *zerolog.Logger) {
	bus.Subscribe(events.EventSyncRequested, func(ev *events.Event) error {
		var payload events.DeviceEventPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			logger.Error().Err(err).Str("event", ev.Type).Msg("event bus: decode payload")
			return nil
		}

		jobID, err := orch.StartJob(ctx, payload.UserID, models.JobTypeIncrementalSync, nil)
		if err != nil {
			logger.Error().Err(err).Str("user_id", payload.UserID).Msg("event bus: start sync job")
			return nil
		}

		logger.Info().
			Str("user_id", payload.UserID).
			Str("device_id", payload.DeviceID).
			Str("job_id", jobID).
			Msg("sync job queued for device")
		return nil
	})
}
