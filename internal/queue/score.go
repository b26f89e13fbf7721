package queue

import (
	"time"

	"driftsync/internal/models"
)

// ScorePolicy is the named ordering for the per-user priority index: items
// with lower scores drain first. The score combines how far in the future an
// item is scheduled with how important it is, both in milliseconds, so a
// delayed high-priority item naturally overtakes a stale low-priority one
// once its delay elapses.
type ScorePolicy struct {
	// PriorityWeight is the score cost of one priority point. With the
	// default of one second, priority 100 beats priority 0 by 100 seconds of
	// schedule delay.
	PriorityWeight time.Duration
}

func DefaultScorePolicy() ScorePolicy {
	return ScorePolicy{PriorityWeight: time.Second}
}

// Score computes the index score for an item at a given time.
func (p ScorePolicy) Score(item *models.QueueItem, now time.Time) float64 {
	weight := p.PriorityWeight
	if weight <= 0 {
		weight = time.Second
	}

	delay := item.ScheduledAt.Sub(now).Milliseconds()
	if delay < 0 {
		delay = 0
	}

	priorityCost := int64(models.MaxPriority-item.Priority) * weight.Milliseconds()
	return float64(delay + priorityCost)
}
