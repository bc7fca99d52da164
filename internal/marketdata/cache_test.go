package marketdata

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchComputesOnceWithinTTL(t *testing.T) {
	cache := NewShortTTLCache()
	calls := 0
	compute := func() (any, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 5; i++ {
		val, err := cache.Fetch("quote:NSE_EQ:11536", time.Minute, compute)
		if err != nil {
			t.Fatalf("Fetch returned error: %v", err)
		}
		if val != 42 {
			t.Fatalf("expected 42, got %v", val)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 compute within TTL, got %d", calls)
	}
}

func TestFetchRecomputesAfterExpiry(t *testing.T) {
	cache := NewShortTTLCache()
	current := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	calls := 0
	compute := func() (any, error) {
		calls++
		return calls, nil
	}

	if val, _ := cache.Fetch("k", 3*time.Second, compute); val != 1 {
		t.Fatalf("expected first compute, got %v", val)
	}

	current = current.Add(2 * time.Second)
	if val, _ := cache.Fetch("k", 3*time.Second, compute); val != 1 {
		t.Fatalf("expected cached value before expiry, got %v", val)
	}

	current = current.Add(2 * time.Second)
	if val, _ := cache.Fetch("k", 3*time.Second, compute); val != 2 {
		t.Fatalf("expected recompute after expiry, got %v", val)
	}
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	cache := NewShortTTLCache()
	calls := 0
	failing := func() (any, error) {
		calls++
		return nil, errors.New("broker down")
	}

	for i := 0; i < 3; i++ {
		if _, err := cache.Fetch("k", time.Minute, failing); err == nil {
			t.Fatal("expected error from compute")
		}
	}
	if calls != 3 {
		t.Errorf("errors must not be cached: expected 3 computes, got %d", calls)
	}

	if val, err := cache.Fetch("k", time.Minute, func() (any, error) { return "ok", nil }); err != nil || val != "ok" {
		t.Fatalf("expected success after failures, got %v err=%v", val, err)
	}
}

func TestFetchConcurrentMissesAreSafe(t *testing.T) {
	cache := NewShortTTLCache()
	var computes int64

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := cache.Fetch("shared", time.Minute, func() (any, error) {
				atomic.AddInt64(&computes, 1)
				return "v", nil
			})
			if err != nil || val != "v" {
				t.Errorf("unexpected result %v err=%v", val, err)
			}
		}()
	}
	wg.Wait()

	// Duplicate computation is allowed on a cold key; zero is not.
	if atomic.LoadInt64(&computes) < 1 {
		t.Error("expected at least one compute")
	}
}
