package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter keeps a sliding log of hit times per key. It is only
// consistent within one process; production deployments use PostgresCounter.
type MemoryCounter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	lastGC   time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{requests: make(map[string][]time.Time)}
}

func (m *MemoryCounter) Hit(_ context.Context, key string, now time.Time, p Policy) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-p.Window)
	valid := prune(m.requests[key], cutoff)

	res := Result{Limit: p.Limit}
	if len(valid) >= p.Limit {
		m.requests[key] = valid
		res.ResetAt = valid[0].Add(p.Window)
		return res, nil
	}

	valid = append(valid, now)
	m.requests[key] = valid
	res.Allowed = true
	res.Remaining = p.Limit - len(valid)
	res.ResetAt = valid[0].Add(p.Window)

	if now.Sub(m.lastGC) > time.Hour {
		m.gc(now)
	}
	return res, nil
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

// gc drops keys idle for longer than the largest window in use.
func (m *MemoryCounter) gc(now time.Time) {
	m.lastGC = now
	cutoff := now.Add(-2 * time.Hour)
	for key, hits := range m.requests {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(m.requests, key)
		}
	}
}
