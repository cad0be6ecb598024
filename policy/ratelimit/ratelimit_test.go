package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucketAllowsUpToCapacity(t *testing.T) {
	b := NewTokenBucket(2, 0)
	now := time.Now()
	if !b.Allow(now) {
		t.Fatalf("expected first call admitted")
	}
	if !b.Allow(now) {
		t.Fatalf("expected second call admitted")
	}
	if b.Allow(now) {
		t.Fatalf("expected third call rejected once capacity exhausted")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	b := NewTokenBucket(1, 1)
	now := time.Now()
	if !b.Allow(now) {
		t.Fatalf("expected first call admitted")
	}
	if b.Allow(now) {
		t.Fatalf("expected immediate second call rejected")
	}
	later := now.Add(2 * time.Second)
	if !b.Allow(later) {
		t.Fatalf("expected call admitted after refill")
	}
}

func TestTokenBucketReserveReturnsWaitWhenBlocked(t *testing.T) {
	b := NewTokenBucket(1, 1)
	now := time.Now()
	ok, wait := b.Reserve(now)
	if !ok || wait != 0 {
		t.Fatalf("expected first reserve to succeed with zero wait, got ok=%v wait=%v", ok, wait)
	}
	ok, wait = b.Reserve(now)
	if ok {
		t.Fatalf("expected second reserve to be blocked")
	}
	if wait <= 0 {
		t.Fatalf("expected positive wait estimate, got %v", wait)
	}
}

func TestFixedWindowAllowsUpToLimit(t *testing.T) {
	w := NewFixedWindow(2, 60)
	now := time.Now()
	if !w.Allow(now) || !w.Allow(now) {
		t.Fatalf("expected first two calls admitted")
	}
	if w.Allow(now) {
		t.Fatalf("expected third call rejected within window")
	}
}

func TestFixedWindowResetsAfterWindow(t *testing.T) {
	w := NewFixedWindow(1, 1)
	now := time.Now()
	if !w.Allow(now) {
		t.Fatalf("expected first call admitted")
	}
	if w.Allow(now) {
		t.Fatalf("expected second call rejected within window")
	}
	later := now.Add(2 * time.Second)
	if !w.Allow(later) {
		t.Fatalf("expected call admitted in new window")
	}
}

func TestFixedWindowReserveWaitBoundedByWindow(t *testing.T) {
	w := NewFixedWindow(1, 10)
	now := time.Now()
	w.Allow(now)
	ok, wait := w.Reserve(now)
	if ok {
		t.Fatalf("expected reserve to be blocked")
	}
	if wait <= 0 || wait > 10*time.Second {
		t.Fatalf("expected wait within window bound, got %v", wait)
	}
}

func TestRegistryMemoizesPerKey(t *testing.T) {
	r := NewRegistry()
	calls := 0
	factory := func() Limiter {
		calls++
		return NewTokenBucket(1, 0)
	}
	a := r.GetOrCreate("k1", factory)
	b := r.GetOrCreate("k1", factory)
	if a != b {
		t.Fatalf("expected same limiter instance for same key")
	}
	if calls != 1 {
		t.Fatalf("expected factory invoked once, got %d", calls)
	}
	r.GetOrCreate("k2", factory)
	if calls != 2 {
		t.Fatalf("expected factory invoked again for distinct key, got %d", calls)
	}
}
