package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"driftsync/internal/database"
	"driftsync/internal/models"
	"driftsync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor records dispatches and answers with a scripted error per
// request id.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []string
	failWith map[string]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{failWith: make(map[string]error)}
}

func (f *fakeExecutor) Execute(_ context.Context, item *models.QueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, item.RequestID)
	return f.failWith[item.RequestID]
}

func (f *fakeExecutor) callCount(requestID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.calls {
		if id == requestID {
			n++
		}
	}
	return n
}

func setupQueue(t *testing.T, opts Options) (*Queue, *database.DB, *fakeExecutor) {
	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	exec := newFakeExecutor()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	q := New(db, repository.NewMemoryQueueIndex(), exec, logger, opts)
	return q, db, exec
}

func TestEnqueueValidation(t *testing.T) {
	q, _, _ := setupQueue(t, Options{})
	ctx := context.Background()

	cases := []struct {
		name   string
		userID string
		op     models.Operation
	}{
		{"missing user", "", models.Operation{Method: "POST", Target: "/x", Priority: 50}},
		{"missing method", "user-1", models.Operation{Target: "/x", Priority: 50}},
		{"missing target", "user-1", models.Operation{Method: "POST", Priority: 50}},
		{"priority too high", "user-1", models.Operation{Method: "POST", Target: "/x", Priority: 101}},
		{"priority negative", "user-1", models.Operation{Method: "POST", Target: "/x", Priority: -1}},
		{"max retries too high", "user-1", models.Operation{Method: "POST", Target: "/x", Priority: 50, MaxRetries: 11}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tc.userID, tc.op)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestEnqueueDefaults(t *testing.T) {
	q, _, _ := setupQueue(t, Options{})
	ctx := context.Background()

	before := time.Now()
	item, err := q.Enqueue(ctx, "user-1", models.Operation{Method: "POST", Target: "/api/notes", Priority: 50})
	require.NoError(t, err)

	assert.NotEmpty(t, item.RequestID)
	assert.Equal(t, models.DefaultMaxRetries, item.MaxRetries)
	assert.Equal(t, models.ItemStatusPending, item.Status)
	assert.False(t, item.ScheduledAt.Before(before.Add(-time.Second)))
}

func TestEnqueueIdempotent(t *testing.T) {
	q, _, _ := setupQueue(t, Options{})
	ctx := context.Background()

	op := models.Operation{
		RequestID: "req-fixed",
		Method:    "POST",
		Target:    "/api/notes",
		Priority:  50,
		Payload:   map[string]any{"title": "first"},
	}
	first, err := q.Enqueue(ctx, "user-1", op)
	require.NoError(t, err)

	// Same request id, different payload: the original wins.
	op.Payload = map[string]any{"title": "second"}
	second, err := q.Enqueue(ctx, "user-1", op)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "first", second.Payload["title"])

	stats, err := q.Stats(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total())
}

func TestEnqueueRateLimited(t *testing.T) {
	q, _, _ := setupQueue(t, Options{EnqueueLimit: 2, EnqueueWindow: time.Minute})
	ctx := context.Background()

	op := models.Operation{Method: "POST", Target: "/api/notes", Priority: 50}
	_, err := q.Enqueue(ctx, "user-1", op)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "user-1", op)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "user-1", op)
	assert.ErrorIs(t, err, ErrRateLimited)

	// Other users keep their own budget.
	_, err = q.Enqueue(ctx, "user-2", op)
	require.NoError(t, err)
}

func TestDrainCompletesItems(t *testing.T) {
	q, _, exec := setupQueue(t, Options{})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "user-1", models.Operation{Method: "POST", Target: "/api/notes", Priority: 80})
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx, "user-1"))

	assert.Equal(t, 1, exec.callCount(item.RequestID))

	stats, err := q.Stats(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Pending)

	// A drained item is gone from the index: nothing re-executes.
	require.NoError(t, q.Drain(ctx, "user-1"))
	assert.Equal(t, 1, exec.callCount(item.RequestID))
}

func TestDrainPriorityOrder(t *testing.T) {
	q, _, exec := setupQueue(t, Options{})
	ctx := context.Background()

	low, err := q.Enqueue(ctx, "user-1", models.Operation{RequestID: "low", Method: "POST", Target: "/a", Priority: 10})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, "user-1", models.Operation{RequestID: "high", Method: "POST", Target: "/b", Priority: 90})
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx, "user-1"))

	require.Equal(t, 1, exec.callCount(low.RequestID))
	require.Equal(t, 1, exec.callCount(high.RequestID))
	assert.Equal(t, []string{"high", "low"}, exec.calls)
}

func TestDrainSkipsFutureItems(t *testing.T) {
	q, _, exec := setupQueue(t, Options{})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "user-1", models.Operation{
		Method:      "POST",
		Target:      "/api/notes",
		Priority:    50,
		ScheduledAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx, "user-1"))
	assert.Zero(t, exec.callCount(item.RequestID))

	stats, err := q.Stats(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestDrainRetriesThenFails(t *testing.T) {
	q, db, exec := setupQueue(t, Options{
		Retry: RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2},
	})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "user-1", models.Operation{
		RequestID:  "doomed",
		Method:     "POST",
		Target:     "/api/notes",
		Priority:   50,
		MaxRetries: 2,
	})
	require.NoError(t, err)
	exec.failWith["doomed"] = errors.New("upstream 500")

	// First attempt: fails, rescheduled as retry 1.
	require.NoError(t, q.Drain(ctx, "user-1"))
	got, err := db.GetQueueItemByRequestID(ctx, item.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "upstream 500", *got.LastError)

	// Wait out the millisecond backoff, then the final attempt fails
	// terminally (retry 2 of max 2).
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.Drain(ctx, "user-1"))

	got, err = db.GetQueueItemByRequestID(ctx, item.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusFailed, got.Status)
	// The exhausted count is persisted with the terminal state.
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 2, exec.callCount(item.RequestID))

	// Out of the index: nothing more happens.
	require.NoError(t, q.Drain(ctx, "user-1"))
	assert.Equal(t, 2, exec.callCount(item.RequestID))

	// Terminally failed means no retry budget, so the failed-item sweep
	// leaves it alone.
	reset, err := q.RetryFailedItems(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, reset)

	got, err = db.GetQueueItemByRequestID(ctx, item.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusFailed, got.Status)
}

func TestDrainDependencyGating(t *testing.T) {
	q, db, exec := setupQueue(t, Options{})
	ctx := context.Background()

	parent, err := q.Enqueue(ctx, "user-1", models.Operation{
		RequestID: "create-note",
		Method:    "POST",
		Target:    "/api/notes",
		Priority:  90,
	})
	require.NoError(t, err)

	child, err := q.Enqueue(ctx, "user-1", models.Operation{
		RequestID:    "update-note",
		Method:       "PUT",
		Target:       "/api/notes/1",
		Priority:     10,
		Dependencies: []string{"create-note"},
	})
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx, "user-1"))

	// Parent drains first (higher priority); the child's dependency is then
	// satisfied within the same pass.
	assert.Equal(t, 1, exec.callCount(parent.RequestID))
	assert.Equal(t, 1, exec.callCount(child.RequestID))
	assert.Equal(t, []string{"create-note", "update-note"}, exec.calls)

	got, err := db.GetQueueItemByRequestID(ctx, child.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusCompleted, got.Status)
}

func TestDrainStuckOnFailedDependency(t *testing.T) {
	q, db, exec := setupQueue(t, Options{
		Retry: RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2},
	})
	ctx := context.Background()

	parent, err := q.Enqueue(ctx, "user-1", models.Operation{
		RequestID:  "will-fail",
		Method:     "POST",
		Target:     "/api/notes",
		Priority:   90,
		MaxRetries: 1,
	})
	require.NoError(t, err)
	exec.failWith["will-fail"] = errors.New("permanent")

	child, err := q.Enqueue(ctx, "user-1", models.Operation{
		RequestID:    "blocked",
		Method:       "PUT",
		Target:       "/api/notes/1",
		Priority:     10,
		Dependencies: []string{"will-fail"},
	})
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx, "user-1"))
	require.NoError(t, q.Drain(ctx, "user-1"))

	gotParent, err := db.GetQueueItemByRequestID(ctx, parent.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusFailed, gotParent.Status)

	// The dependent is stuck, not failed.
	gotChild, err := db.GetQueueItemByRequestID(ctx, child.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusPending, gotChild.Status)
	assert.Zero(t, exec.callCount(child.RequestID))
}

func TestDrainWakesDependentsScheduledLater(t *testing.T) {
	q, db, exec := setupQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "user-1", models.Operation{
		RequestID: "base",
		Method:    "POST",
		Target:    "/api/notes",
		Priority:  90,
	})
	require.NoError(t, err)

	// Dependent deliberately scheduled far out; completion of the base item
	// pulls it forward.
	child, err := q.Enqueue(ctx, "user-1", models.Operation{
		RequestID:    "later",
		Method:       "PUT",
		Target:       "/api/notes/1",
		Priority:     10,
		Dependencies: []string{"base"},
		ScheduledAt:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx, "user-1"))

	got, err := db.GetQueueItemByRequestID(ctx, child.RequestID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.ScheduledAt, time.Minute)

	require.NoError(t, q.Drain(ctx, "user-1"))
	assert.Equal(t, 1, exec.callCount(child.RequestID))
}

func TestRetryFailedItems(t *testing.T) {
	q, db, exec := setupQueue(t, Options{})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "user-1", models.Operation{
		RequestID:  "flaky",
		Method:     "POST",
		Target:     "/api/notes",
		Priority:   50,
		MaxRetries: 3,
	})
	require.NoError(t, err)

	// Fail the item with retry budget left, the way an operator
	// intervention or crash-recovery path would.
	_, err = db.CompareAndSwapStatus(ctx, item.ID, models.ItemStatusPending, models.ItemStatusProcessing, nil)
	require.NoError(t, err)
	_, err = db.MarkFailed(ctx, item.ID, 1, "transient")
	require.NoError(t, err)

	reset, err := q.RetryFailedItems(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	require.NoError(t, q.Drain(ctx, "user-1"))
	got, err := db.GetQueueItemByRequestID(ctx, item.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusCompleted, got.Status)
	assert.Equal(t, 1, exec.callCount(item.RequestID))
}

func TestCleanupOldItems(t *testing.T) {
	q, db, _ := setupQueue(t, Options{})
	ctx := context.Background()

	done, err := q.Enqueue(ctx, "user-1", models.Operation{Method: "POST", Target: "/a", Priority: 50})
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx, "user-1"))

	pending, err := q.Enqueue(ctx, "user-1", models.Operation{
		Method: "POST", Target: "/b", Priority: 50,
		ScheduledAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// Negative days falls back to the default window; the completed row is
	// too young to go.
	deleted, err := q.CleanupOldItems(ctx, "user-1", -1)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	// A future cutoff sweeps the terminal row but never the pending one.
	deleted, err = db.DeleteOldQueueItems(ctx, "user-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	gone, err := db.GetQueueItemByRequestID(ctx, done.RequestID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	got, err := db.GetQueueItemByRequestID(ctx, pending.RequestID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestUsersWithPendingWork(t *testing.T) {
	q, _, _ := setupQueue(t, Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "user-a", models.Operation{Method: "POST", Target: "/a", Priority: 50})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "user-b", models.Operation{Method: "POST", Target: "/b", Priority: 50})
	require.NoError(t, err)

	users, err := q.UsersWithPendingWork(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-a", "user-b"}, users)

	require.NoError(t, q.Drain(ctx, "user-a"))

	users, err = q.UsersWithPendingWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-b"}, users)
}
