package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	mu     sync.Mutex
	stamps []time.Time
	// dead is set under mu once the window is removed from the map.
	dead bool
}

// prune drops timestamps older than now-size. Caller holds w.mu.
func (w *window) prune(now time.Time, size time.Duration) {
	cutoff := now.Add(-size)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]
}

// MemoryLimiter keeps windows in process memory with one lock per key.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryLimiter creates an in-process limiter. now may be nil.
func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     now,
	}
}

func (m *MemoryLimiter) bucket(key string) *window {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok {
		w = &window{}
		m.windows[key] = w
	}
	return w
}

// acquire returns the live window for key with w.mu held. A window removed by
// Cleanup or Reset between lookup and lock is retried.
func (m *MemoryLimiter) acquire(action, client string) *window {
	key := action + "|" + client
	for {
		w := m.bucket(key)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, action, client string, limit int, size time.Duration) (Decision, error) {
	w := m.acquire(action, client)
	defer w.mu.Unlock()
	now := m.now()

	w.prune(now, size)
	if len(w.stamps) >= limit {
		retry := size
		if len(w.stamps) > 0 {
			retry = w.stamps[0].Add(size).Sub(now)
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}

	w.stamps = append(w.stamps, now)
	return Decision{Allowed: true, Remaining: limit - len(w.stamps)}, nil
}

func (m *MemoryLimiter) Remaining(_ context.Context, action, client string, limit int, size time.Duration) (int, error) {
	w := m.acquire(action, client)
	defer w.mu.Unlock()

	w.prune(m.now(), size)
	if n := limit - len(w.stamps); n > 0 {
		return n, nil
	}
	return 0, nil
}

func (m *MemoryLimiter) Reset(_ context.Context, action, client string) error {
	key := action + "|" + client

	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.windows[key]; ok {
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
		delete(m.windows, key)
	}
	return nil
}

func (m *MemoryLimiter) Cleanup(_ context.Context, horizon time.Duration) (int, error) {
	cutoff := m.now().Add(-horizon)

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for key, w := range m.windows {
		w.mu.Lock()
		if len(w.stamps) == 0 || w.stamps[len(w.stamps)-1].Before(cutoff) {
			w.dead = true
			delete(m.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed, nil
}
