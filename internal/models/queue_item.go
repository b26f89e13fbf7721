package models

import "time"

// Operation describes the deferred request a client wants replayed once it is
// back online. Method/Target/Payload/Headers are opaque to the sync core; the
// executor is the only component that interprets them.
type Operation struct {
	RequestID    string            `json:"request_id,omitempty"`
	Method       string            `json:"method"`
	Target       string            `json:"target"`
	Payload      map[string]any    `json:"payload,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Priority     int               `json:"priority"`
	MaxRetries   int               `json:"max_retries"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
}

// QueueItem is a persisted deferred operation.
type QueueItem struct {
	ID           int64             `json:"id"`
	UserID       string            `json:"user_id"`
	RequestID    string            `json:"request_id"`
	Method       string            `json:"method"`
	Target       string            `json:"target"`
	Payload      map[string]any    `json:"payload,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Priority     int               `json:"priority"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	Status       string            `json:"status"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	LastError    *string           `json:"last_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// QueueStats holds per-status counts for one user's queue.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the number of items across all states.
func (s QueueStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}
