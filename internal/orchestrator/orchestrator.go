package orchestrator

import (
	"context"
	"fmt"
	"time"

	"driftsync/internal/conflict"
	"driftsync/internal/device"
	"driftsync/internal/domain"
	"driftsync/internal/events"
	"driftsync/internal/metrics"
	"driftsync/internal/models"
	"driftsync/internal/queue"
	"driftsync/internal/version"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config tunes the periodic cycles and retention windows.
type Config struct {
	QueueSweepInterval    time.Duration
	ConflictSweepInterval time.Duration
	DeviceSweepInterval   time.Duration
	CleanupInterval       time.Duration

	QueueRetentionDays    int
	ConflictRetentionDays int
	DeviceRetentionDays   int

	// MinPendingForSync gates which devices get a sync nudge.
	MinPendingForSync int

	// SweepStrategy is the policy applied by the periodic conflict sweep.
	SweepStrategy string
}

func DefaultConfig() Config {
	return Config{
		QueueSweepInterval:    30 * time.Second,
		ConflictSweepInterval: 5 * time.Minute,
		DeviceSweepInterval:   2 * time.Minute,
		CleanupInterval:       time.Hour,
		QueueRetentionDays:    models.DefaultQueueRetentionDays,
		ConflictRetentionDays: models.DefaultConflictRetentionDays,
		DeviceRetentionDays:   models.DefaultDeviceRetentionDays,
		MinPendingForSync:     1,
		SweepStrategy:         models.StrategyServerWins,
	}
}

// Orchestrator composes the queue, version ledger, conflict resolver and
// device registry into periodic background cycles and on-demand sync jobs.
type Orchestrator struct {
	queue     *queue.Queue
	versions  *version.Store
	conflicts *conflict.Resolver
	devices   *device.Registry
	jobs      *JobRegistry
	events    domain.EventPublisher
	logger    zerolog.Logger
	cfg       Config
}

func New(q *queue.Queue, versions *version.Store, conflicts *conflict.Resolver, devices *device.Registry, jobs *JobRegistry, publisher domain.EventPublisher, logger zerolog.Logger, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.QueueSweepInterval <= 0 {
		cfg.QueueSweepInterval = def.QueueSweepInterval
	}
	if cfg.ConflictSweepInterval <= 0 {
		cfg.ConflictSweepInterval = def.ConflictSweepInterval
	}
	if cfg.DeviceSweepInterval <= 0 {
		cfg.DeviceSweepInterval = def.DeviceSweepInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.QueueRetentionDays <= 0 {
		cfg.QueueRetentionDays = def.QueueRetentionDays
	}
	if cfg.ConflictRetentionDays <= 0 {
		cfg.ConflictRetentionDays = def.ConflictRetentionDays
	}
	if cfg.DeviceRetentionDays <= 0 {
		cfg.DeviceRetentionDays = def.DeviceRetentionDays
	}
	if cfg.MinPendingForSync <= 0 {
		cfg.MinPendingForSync = def.MinPendingForSync
	}
	if cfg.SweepStrategy == "" {
		cfg.SweepStrategy = def.SweepStrategy
	}

	return &Orchestrator{
		queue:     q,
		versions:  versions,
		conflicts: conflicts,
		devices:   devices,
		jobs:      jobs,
		events:    publisher,
		logger:    logger.With().Str("component", "sync-orchestrator").Logger(),
		cfg:       cfg,
	}
}

// Job returns a copy of a registered sync job.
func (o *Orchestrator) Job(id string) *models.SyncJob {
	return o.jobs.Get(id)
}

// Jobs lists a user's registered sync jobs.
func (o *Orchestrator) Jobs(userID string) []models.SyncJob {
	return o.jobs.List(userID)
}

// StartJob registers an on-demand sync job and executes it asynchronously.
// The caller gets the job id back immediately; progress and outcome surface
// through Job and the event bus.
func (o *Orchestrator) StartJob(ctx context.Context, userID, jobType string, metadata map[string]any) (string, error) {
	switch jobType {
	case models.JobTypeFullSync, models.JobTypeIncrementalSync, models.JobTypeConflictResolution, models.JobTypeQueueProcessing:
	default:
		return "", fmt.Errorf("unknown sync job type: %s", jobType)
	}
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	job := &models.SyncJob{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      jobType,
		Status:    models.JobStatusPending,
		Metadata:  metadata,
		StartedAt: time.Now(),
	}
	if err := o.jobs.Put(job); err != nil {
		return "", err
	}

	// Jobs are not cancellable once started; they run to completion or
	// failure detached from the caller's context.
	go o.runJob(context.WithoutCancel(ctx), job.ID)

	return job.ID, nil
}

func (o *Orchestrator) runJob(ctx context.Context, jobID string) {
	o.jobs.Update(jobID, func(j *models.SyncJob) {
		j.Status = models.JobStatusRunning
	})

	job := o.jobs.Get(jobID)
	if job == nil {
		return
	}

	err := o.executeJob(ctx, job)

	now := time.Now()
	status := models.JobStatusCompleted
	if err != nil {
		status = models.JobStatusFailed
	}
	o.jobs.Update(jobID, func(j *models.SyncJob) {
		j.Status = status
		j.CompletedAt = &now
		if err != nil {
			j.ErrorMessage = err.Error()
		} else {
			j.Progress = 100
		}
	})
	metrics.IncSyncJob(job.Type, status)

	eventType := events.EventSyncCompleted
	if err != nil {
		eventType = events.EventSyncFailed
		o.logger.Error().Err(err).Str("job_id", jobID).Str("type", job.Type).Msg("sync job failed")
	} else {
		o.logger.Info().Str("job_id", jobID).Str("type", job.Type).Msg("sync job completed")
	}

	payload := events.SyncJobEventPayload{
		JobID:  jobID,
		UserID: job.UserID,
		Type:   job.Type,
		Status: status,
	}
	if err != nil {
		payload.ErrorMessage = err.Error()
	}
	if pubErr := o.events.PublishJSON(eventType, payload); pubErr != nil {
		o.logger.Warn().Err(pubErr).Str("job_id", jobID).Msg("publish job event")
	}
}

func (o *Orchestrator) executeJob(ctx context.Context, job *models.SyncJob) error {
	switch job.Type {
	case models.JobTypeFullSync:
		return o.runFullSync(ctx, job)
	case models.JobTypeIncrementalSync:
		return o.runIncrementalSync(ctx, job)
	case models.JobTypeConflictResolution:
		return o.runConflictResolution(ctx, job)
	case models.JobTypeQueueProcessing:
		return o.runQueueProcessing(ctx, job)
	default:
		return fmt.Errorf("unknown sync job type: %s", job.Type)
	}
}

func (o *Orchestrator) setProgress(jobID string, progress int) {
	o.jobs.Update(jobID, func(j *models.SyncJob) {
		j.Progress = progress
	})
}

func (o *Orchestrator) setMetadata(jobID, key string, value any) {
	o.jobs.Update(jobID, func(j *models.SyncJob) {
		if j.Metadata == nil {
			j.Metadata = make(map[string]any)
		}
		j.Metadata[key] = value
	})
}

func (o *Orchestrator) runFullSync(ctx context.Context, job *models.SyncJob) error {
	online, err := o.devices.OnlineDevices(ctx, job.UserID)
	if err != nil {
		return err
	}
	o.setMetadata(job.ID, "online_devices", len(online))
	o.setProgress(job.ID, 10)

	if err := o.queue.Drain(ctx, job.UserID); err != nil {
		return err
	}
	o.setProgress(job.ID, 30)

	resolved, err := o.conflicts.AutoResolve(ctx, job.UserID, "", conflict.AutoResolveOptions{
		DefaultStrategy: models.StrategyServerWins,
	})
	if err != nil {
		return err
	}
	o.setMetadata(job.ID, "conflicts_resolved", resolved)
	o.setProgress(job.ID, 50)

	if err := o.devices.TouchSyncTimestamps(ctx, job.UserID, true); err != nil {
		return err
	}
	o.setProgress(job.ID, 80)

	stats, err := o.versions.Stats(ctx)
	if err != nil {
		return err
	}
	o.setMetadata(job.ID, "version_counts", stats)
	o.setProgress(job.ID, 100)
	return nil
}

func (o *Orchestrator) runIncrementalSync(ctx context.Context, job *models.SyncJob) error {
	if err := o.queue.Drain(ctx, job.UserID); err != nil {
		return err
	}
	o.setProgress(job.ID, 40)

	// Incremental sync reports conflicts but leaves resolution to policy or
	// manual action.
	unresolved, err := o.conflicts.UnresolvedConflicts(ctx, job.UserID)
	if err != nil {
		return err
	}
	o.setMetadata(job.ID, "unresolved_conflicts", len(unresolved))
	o.setProgress(job.ID, 60)

	if err := o.devices.TouchSyncTimestamps(ctx, job.UserID, true); err != nil {
		return err
	}
	o.setProgress(job.ID, 100)
	return nil
}

func (o *Orchestrator) runConflictResolution(ctx context.Context, job *models.SyncJob) error {
	resolved, err := o.conflicts.AutoResolve(ctx, job.UserID, entityTypeFilter(job.Metadata), conflict.AutoResolveOptions{
		DefaultStrategy: models.StrategyMerge,
		FieldPriorities: fieldPriorities(job.Metadata),
	})
	if err != nil {
		return err
	}
	o.setMetadata(job.ID, "conflicts_resolved", resolved)
	o.setProgress(job.ID, 100)
	return nil
}

func (o *Orchestrator) runQueueProcessing(ctx context.Context, job *models.SyncJob) error {
	before, err := o.queue.Stats(ctx, job.UserID)
	if err != nil {
		return err
	}

	if err := o.queue.Drain(ctx, job.UserID); err != nil {
		return err
	}

	after, err := o.queue.Stats(ctx, job.UserID)
	if err != nil {
		return err
	}

	o.setMetadata(job.ID, "processed", after.Completed-before.Completed)
	o.setMetadata(job.ID, "failed", after.Failed-before.Failed)
	o.setMetadata(job.ID, "remaining", after.Pending)
	o.setProgress(job.ID, 100)
	return nil
}

// fieldPriorities extracts a {field: "local"|"server"} map from caller
// metadata.
func fieldPriorities(metadata map[string]any) map[string]string {
	raw, ok := metadata["field_priorities"]
	if !ok {
		return nil
	}
	switch t := raw.(type) {
	case map[string]string:
		return t
	case map[string]any:
		out := make(map[string]string, len(t))
		for field, side := range t {
			if s, ok := side.(string); ok {
				out[field] = s
			}
		}
		return out
	default:
		return nil
	}
}

func entityTypeFilter(metadata map[string]any) string {
	if s, ok := metadata["entity_type"].(string); ok {
		return s
	}
	return ""
}

// Run drives the periodic cycles until the context is cancelled. Every
// cycle is idempotent, so an overlapping on-demand job or a skipped tick
// never corrupts state.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info().
		Dur("queue_sweep", o.cfg.QueueSweepInterval).
		Dur("conflict_sweep", o.cfg.ConflictSweepInterval).
		Dur("device_sweep", o.cfg.DeviceSweepInterval).
		Dur("cleanup", o.cfg.CleanupInterval).
		Msg("orchestrator started")
	defer o.logger.Info().Msg("orchestrator stopped")

	queueTicker := time.NewTicker(o.cfg.QueueSweepInterval)
	defer queueTicker.Stop()
	conflictTicker := time.NewTicker(o.cfg.ConflictSweepInterval)
	defer conflictTicker.Stop()
	deviceTicker := time.NewTicker(o.cfg.DeviceSweepInterval)
	defer deviceTicker.Stop()
	cleanupTicker := time.NewTicker(o.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-queueTicker.C:
			o.tick(ctx, "queue_sweep", o.sweepQueues)
		case <-conflictTicker.C:
			o.tick(ctx, "conflict_sweep", o.sweepConflicts)
		case <-deviceTicker.C:
			o.tick(ctx, "device_sweep", o.sweepDevices)
		case <-cleanupTicker.C:
			o.tick(ctx, "cleanup", o.cleanup)
		}
	}
}

// tick runs one cycle; an error skips the tick and the next one retries.
func (o *Orchestrator) tick(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		metrics.IncCycleError(name)
		o.logger.Error().Err(err).Str("cycle", name).Msg("cycle tick skipped")
	}
}

func (o *Orchestrator) sweepQueues(ctx context.Context) error {
	users, err := o.queue.UsersWithPendingWork(ctx)
	if err != nil {
		return err
	}
	for _, userID := range users {
		if err := o.queue.Drain(ctx, userID); err != nil {
			o.logger.Error().Err(err).Str("user_id", userID).Msg("queue drain failed")
		}
	}

	if stats, err := o.queue.Stats(ctx, ""); err == nil {
		metrics.SetQueueDepth(models.ItemStatusPending, stats.Pending)
		metrics.SetQueueDepth(models.ItemStatusProcessing, stats.Processing)
		metrics.SetQueueDepth(models.ItemStatusCompleted, stats.Completed)
		metrics.SetQueueDepth(models.ItemStatusFailed, stats.Failed)
	}
	return nil
}

func (o *Orchestrator) sweepConflicts(ctx context.Context) error {
	counts, err := o.conflicts.UsersWithConflicts(ctx)
	if err != nil {
		return err
	}
	for userID := range counts {
		_, err := o.conflicts.AutoResolve(ctx, userID, "", conflict.AutoResolveOptions{
			DefaultStrategy: o.cfg.SweepStrategy,
		})
		if err != nil {
			o.logger.Error().Err(err).Str("user_id", userID).Msg("conflict sweep failed")
		}
	}
	return nil
}

func (o *Orchestrator) sweepDevices(ctx context.Context) error {
	devices, err := o.devices.DevicesNeedingSync(ctx, o.cfg.MinPendingForSync)
	if err != nil {
		return err
	}
	for i := range devices {
		d := &devices[i]
		nudged, err := o.devices.RequestSync(ctx, d.UserID, d.DeviceID)
		if err != nil {
			o.logger.Error().Err(err).Str("device_id", d.DeviceID).Msg("sync nudge failed")
			continue
		}
		if nudged {
			o.logger.Debug().Str("user_id", d.UserID).Str("device_id", d.DeviceID).Msg("device nudged to sync")
		}
	}
	return nil
}

func (o *Orchestrator) cleanup(ctx context.Context) error {
	removedItems, err := o.queue.CleanupOldItems(ctx, "", o.cfg.QueueRetentionDays)
	if err != nil {
		return err
	}
	removedConflicts, err := o.conflicts.CleanupResolved(ctx, o.cfg.ConflictRetentionDays)
	if err != nil {
		return err
	}
	removedDevices, err := o.devices.CleanupOffline(ctx, o.cfg.DeviceRetentionDays)
	if err != nil {
		return err
	}

	if removedItems > 0 || removedConflicts > 0 || removedDevices > 0 {
		o.logger.Info().
			Int64("queue_items", removedItems).
			Int64("conflicts", removedConflicts).
			Int64("devices", removedDevices).
			Msg("retention cleanup")
	}
	return nil
}
