package agent

import (
	"testing"
	"time"
)

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(3)
	for i := 0; i < 3; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow("u1") {
		t.Fatal("fourth request should be limited")
	}
}

func TestRateLimiter_PerUser(t *testing.T) {
	rl := NewRateLimiter(1)
	if !rl.Allow("u1") {
		t.Fatal("u1 first request should be allowed")
	}
	if !rl.Allow("u2") {
		t.Fatal("u2 must not share u1's bucket")
	}
	if rl.Allow("u1") {
		t.Fatal("u1 second request should be limited")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2)
	rl.now = func() time.Time { return now }

	rl.Allow("u1")
	rl.Allow("u1")
	if rl.Allow("u1") {
		t.Fatal("bucket should be empty")
	}
	now = now.Add(31 * time.Second)
	if !rl.Allow("u1") {
		t.Fatal("expected one token after 30s at 2/min")
	}
}

func TestRateLimiter_DefaultRate(t *testing.T) {
	rl := NewRateLimiter(0)
	if rl.burst != defaultRatePerMinute {
		t.Fatalf("expected burst %d, got %d", defaultRatePerMinute, rl.burst)
	}
}

func TestRateLimiter_CleanupIdle(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(5)
	rl.now = func() time.Time { return now }
	rl.Allow("old")

	now = now.Add(limiterIdleTTL + time.Minute)
	rl.mu.Lock()
	rl.cleanup(now)
	_, ok := rl.limiters["old"]
	rl.mu.Unlock()
	if ok {
		t.Fatal("idle user should be dropped")
	}
}
