package orchestrator

import (
	"errors"
	"maps"
	"sync"
	"time"

	"driftsync/internal/models"
)

// ErrRegistryFull means every slot holds a job that is still running.
var ErrRegistryFull = errors.New("job registry full")

// JobRegistry holds ephemeral sync jobs. It is bounded and evicts terminal
// jobs after a TTL, so a burst of on-demand syncs cannot grow memory without
// limit. Jobs are lost on restart; exactly one orchestrator instance may own
// a registry.
type JobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*models.SyncJob
	cap  int
	ttl  time.Duration
	now  func() time.Time
}

func NewJobRegistry(capacity int, ttl time.Duration) *JobRegistry {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JobRegistry{
		jobs: make(map[string]*models.SyncJob),
		cap:  capacity,
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put registers a new job, evicting expired terminal jobs as needed.
func (r *JobRegistry) Put(job *models.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpiredLocked()
	if len(r.jobs) >= r.cap {
		if !r.evictOldestTerminalLocked() {
			return ErrRegistryFull
		}
	}

	copied := cloneJob(job)
	r.jobs[job.ID] = &copied
	return nil
}

// Get returns a copy of the job, or nil when unknown or evicted.
func (r *JobRegistry) Get(id string) *models.SyncJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil
	}
	copied := cloneJob(job)
	return &copied
}

// Update mutates a job under the registry lock. Progress never moves
// backwards regardless of what the mutation sets.
func (r *JobRegistry) Update(id string, fn func(*models.SyncJob)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return false
	}
	before := job.Progress
	fn(job)
	if job.Progress < before {
		job.Progress = before
	}
	return true
}

// List returns copies of the user's jobs; an empty userID lists everything.
func (r *JobRegistry) List(userID string) []models.SyncJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.SyncJob
	for _, job := range r.jobs {
		if userID != "" && job.UserID != userID {
			continue
		}
		out = append(out, cloneJob(job))
	}
	return out
}

// cloneJob copies a job including its metadata map, so registry internals
// and caller-held copies never share mutable state.
func cloneJob(job *models.SyncJob) models.SyncJob {
	copied := *job
	copied.Metadata = maps.Clone(job.Metadata)
	return copied
}

func (r *JobRegistry) evictExpiredLocked() {
	cutoff := r.now().Add(-r.ttl)
	for id, job := range r.jobs {
		if job.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
		}
	}
}

func (r *JobRegistry) evictOldestTerminalLocked() bool {
	var oldestID string
	var oldestAt time.Time
	for id, job := range r.jobs {
		if !job.Terminal() || job.CompletedAt == nil {
			continue
		}
		if oldestID == "" || job.CompletedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = *job.CompletedAt
		}
	}
	if oldestID == "" {
		return false
	}
	delete(r.jobs, oldestID)
	return true
}
