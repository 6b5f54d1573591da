package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	sweepInterval  = time.Minute
	staleThreshold = 10 * time.Minute
)

// bucket tracks one key's token balance.
type bucket struct {
	tokens  float64
	updated time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. Buckets
// refill continuously at the configured rate up to the burst capacity; a
// background sweep drops keys idle past staleThreshold so the map stays
// bounded.
type MemoryLimiter struct {
	rate  float64 // tokens per second
	burst float64 // bucket capacity

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter sustaining rate requests per second
// per key with bursts up to burst. Call Close to stop the eviction sweep.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow consumes one token from key's bucket, reporting whether one was
// available. A key's first request sees a full bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{tokens: m.burst - 1, updated: now}
		return true, nil
	}

	b.tokens += now.Sub(b.updated).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.updated = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction sweep. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.updated.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
