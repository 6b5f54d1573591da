package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestMemoryLimiterBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}

	ok, err := m.Allow(ctx, "k1")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("request past burst should be denied")
	}
}

func TestMemoryLimiterRefill(t *testing.T) {
	// 1000 tokens/s refills one per millisecond.
	m := NewMemoryLimiter(1000, 2)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = m.Allow(ctx, "k1")
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("should be denied immediately after exhausting burst")
	}

	time.Sleep(5 * time.Millisecond)

	ok, err := m.Allow(ctx, "k1")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if !ok {
		t.Fatal("should be allowed again after refill")
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := NewMemoryLimiter(10, 1)
	defer closeLimiter(t, m)

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, "a"); !ok {
		t.Fatal("first request for 'a' should succeed")
	}
	if ok, _ := m.Allow(ctx, "a"); ok {
		t.Fatal("second request for 'a' should be denied")
	}
	if ok, _ := m.Allow(ctx, "b"); !ok {
		t.Fatal("'b' has its own bucket and should succeed")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(100, 50)
	defer closeLimiter(t, m)

	ctx := context.Background()
	var wg sync.WaitGroup
	allowed := make([]int, 10)

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, "shared")
				if err != nil {
					t.Errorf("goroutine %d: Allow error: %v", idx, err)
					return
				}
				if ok {
					allowed[idx]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range allowed {
		total += c
	}
	// 100 requests against a burst of 50 in a single instant.
	if total < 1 || total > 50 {
		t.Fatalf("expected between 1 and 50 allowed, got %d", total)
	}
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "stale")
	_, _ = m.Allow(ctx, "recent")

	m.mu.Lock()
	m.buckets["stale"].updated = time.Now().Add(-15 * time.Minute)
	m.mu.Unlock()

	m.evictStale()

	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, recentExists := m.buckets["recent"]
	m.mu.Unlock()

	if staleExists {
		t.Fatal("stale bucket should be evicted")
	}
	if !recentExists {
		t.Fatal("recent bucket should survive eviction")
	}
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m := NewMemoryLimiter(1000, 3)
	defer closeLimiter(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "k1")

	// Backdate so the refill computation would overflow the cap.
	m.mu.Lock()
	m.buckets["k1"].updated = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, "k1"); !ok {
			t.Fatalf("request %d after long idle should be allowed", i)
		}
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("tokens must cap at burst even after a long idle")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(ctx, "anything")
		if err != nil {
			t.Fatalf("NoopLimiter.Allow error: %v", err)
		}
		if !ok {
			t.Fatal("NoopLimiter must always allow")
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}
