package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/otbridge/otbridge/pkg/models"
)

func TestAcquireWithinBurstImmediate(t *testing.T) {
	l := New(models.RateLimitConfig{RecordsPerSec: 100, BytesPerSec: 1 << 20, BurstMult: 2})

	start := time.Now()
	if err := l.Acquire(context.Background(), 50, 1024); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Acquire within burst took %v, want immediate", elapsed)
	}
}

func TestAcquireBlocksWhenExhausted(t *testing.T) {
	l := New(models.RateLimitConfig{RecordsPerSec: 100, BytesPerSec: 1 << 20, BurstMult: 1})

	// Drain the record bucket, then the next acquire must wait for refill.
	if err := l.Acquire(context.Background(), 100, 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	start := time.Now()
	if err := l.Acquire(context.Background(), 10, 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Acquire after drain returned in %v, want >= 50ms refill wait", elapsed)
	}
}

func TestAcquireOversizedRequestChunks(t *testing.T) {
	// Request larger than burst must throttle, not error.
	l := New(models.RateLimitConfig{RecordsPerSec: 1000, BytesPerSec: 1 << 30, BurstMult: 1})
	if err := l.Acquire(context.Background(), 1500, 1); err != nil {
		t.Fatalf("Acquire above burst: %v", err)
	}
}

func TestAcquireCancelled(t *testing.T) {
	l := New(models.RateLimitConfig{RecordsPerSec: 1, BytesPerSec: 1, BurstMult: 1})
	l.Acquire(context.Background(), 1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, 1, 1); err == nil {
		t.Fatal("Acquire with expired context returned nil error")
	}
}

func TestAllow(t *testing.T) {
	l := New(models.RateLimitConfig{RecordsPerSec: 10, BytesPerSec: 1 << 20, BurstMult: 1})
	if !l.Allow(5, 100) {
		t.Error("Allow within budget = false")
	}
	l.Acquire(context.Background(), 5, 100)
	if l.Allow(10, 100) {
		t.Error("Allow with drained record bucket = true")
	}
}

func TestDefaults(t *testing.T) {
	l := New(models.RateLimitConfig{})
	if err := l.Acquire(context.Background(), 500, 1<<20); err != nil {
		t.Fatalf("Acquire with default limits: %v", err)
	}
}
