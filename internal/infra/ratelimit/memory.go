package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"freightd/internal/domain"
)

const defaultMaxKeys = 10000

// MemoryLimiter is a fixed-window counter kept in process memory. It is the
// single-instance default; deployments with more than one API replica should
// use the Redis limiter so all replicas share one budget.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
	maxKeys int
}

type window struct {
	used  int
	until time.Time
}

func NewMemoryLimiter(now func() time.Time, maxKeys int) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &MemoryLimiter{
		now:     now,
		windows: make(map[string]*window),
		maxKeys: maxKeys,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, span time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[key]
	if w == nil || now.After(w.until) {
		if len(m.windows) >= m.maxKeys {
			m.evictExpired(now)
		}
		if w == nil && len(m.windows) >= m.maxKeys {
			return domain.RateLimitDecision{}, errors.New("rate limiter key capacity exceeded")
		}
		w = &window{until: now.Add(span)}
		m.windows[key] = w
	}

	if w.used >= limit {
		return domain.RateLimitDecision{Limit: limit, ResetAt: w.until}, nil
	}
	w.used++
	return domain.RateLimitDecision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - w.used,
		ResetAt:   w.until,
	}, nil
}

func (m *MemoryLimiter) evictExpired(now time.Time) {
	for key, w := range m.windows {
		if now.After(w.until) {
			delete(m.windows, key)
		}
	}
}
