package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueueIndex is an in-process fallback for the Redis index. It keeps
// the same semantics (score ordering, lease TTL, rate windows) so the queue
// keeps draining when Redis is unavailable.
type MemoryQueueIndex struct {
	mu     sync.Mutex
	scores map[string]map[string]float64
	leases map[string]memoryLease
	rates  map[string]memoryRate
	now    func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

type memoryRate struct {
	count  int
	resets time.Time
}

func NewMemoryQueueIndex() *MemoryQueueIndex {
	return &MemoryQueueIndex{
		scores: make(map[string]map[string]float64),
		leases: make(map[string]memoryLease),
		rates:  make(map[string]memoryRate),
		now:    time.Now,
	}
}

func (m *MemoryQueueIndex) Add(_ context.Context, userID, requestID string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scores[userID] == nil {
		m.scores[userID] = make(map[string]float64)
	}
	m.scores[userID][requestID] = score
	return nil
}

func (m *MemoryQueueIndex) Remove(_ context.Context, userID, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scores[userID], requestID)
	return nil
}

func (m *MemoryQueueIndex) Top(_ context.Context, userID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type entry struct {
		id    string
		score float64
	}
	entries := make([]entry, 0, len(m.scores[userID]))
	for id, score := range m.scores[userID] {
		entries = append(entries, entry{id: id, score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score == entries[j].score {
			return entries[i].id < entries[j].id
		}
		return entries[i].score < entries[j].score
	})

	if limit > len(entries) {
		limit = len(entries)
	}
	ids := make([]string, 0, limit)
	for _, e := range entries[:limit] {
		ids = append(ids, e.id)
	}
	return ids, nil
}

func (m *MemoryQueueIndex) AcquireLease(_ context.Context, userID string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if lease, ok := m.leases[userID]; ok && now.Before(lease.expires) {
		return "", ErrLeaseHeld
	}
	token := uuid.NewString()
	m.leases[userID] = memoryLease{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (m *MemoryQueueIndex) ReleaseLease(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.leases[userID]; ok && lease.token == token {
		delete(m.leases, userID)
	}
	return nil
}

func (m *MemoryQueueIndex) CheckRateLimit(_ context.Context, userID string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	r, ok := m.rates[userID]
	if !ok || now.After(r.resets) {
		r = memoryRate{count: 0, resets: now.Add(window)}
	}
	r.count++
	m.rates[userID] = r
	return r.count <= limit, nil
}
