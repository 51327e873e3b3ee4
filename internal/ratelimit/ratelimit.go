// Package ratelimit throttles the ingest path on two dimensions at once:
// records per second and bytes per second.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/otbridge/otbridge/pkg/models"
)

// Defaults per the configuration surface.
const (
	DefaultRecordsPerSec = 500.0
	DefaultBytesPerSec   = 5.0 * 1 << 20
	DefaultBurstMult     = 2.0
)

// Limiter gates batches on record count and byte volume. A batch passes
// only when both buckets can supply the requested tokens.
type Limiter struct {
	records *rate.Limiter
	bytes   *rate.Limiter
}

// New builds a limiter from config, applying defaults for zero fields.
func New(cfg models.RateLimitConfig) *Limiter {
	recs := cfg.RecordsPerSec
	if recs <= 0 {
		recs = DefaultRecordsPerSec
	}
	bytes := cfg.BytesPerSec
	if bytes <= 0 {
		bytes = DefaultBytesPerSec
	}
	mult := cfg.BurstMult
	if mult <= 0 {
		mult = DefaultBurstMult
	}
	return &Limiter{
		records: rate.NewLimiter(rate.Limit(recs), burst(recs, mult)),
		bytes:   rate.NewLimiter(rate.Limit(bytes), burst(bytes, mult)),
	}
}

func burst(perSec, mult float64) int {
	b := int(math.Ceil(perSec * mult))
	if b < 1 {
		b = 1
	}
	return b
}

// Acquire blocks until nRecords and nBytes worth of tokens are available
// in both dimensions, or the context is cancelled. Requests larger than a
// bucket's burst are satisfied in burst-sized slices so oversized batches
// throttle instead of erroring.
func (l *Limiter) Acquire(ctx context.Context, nRecords, nBytes int) error {
	if err := waitN(ctx, l.records, nRecords); err != nil {
		return fmt.Errorf("record rate: %w", err)
	}
	if err := waitN(ctx, l.bytes, nBytes); err != nil {
		return fmt.Errorf("byte rate: %w", err)
	}
	return nil
}

func waitN(ctx context.Context, lim *rate.Limiter, n int) error {
	for n > 0 {
		chunk := n
		if b := lim.Burst(); chunk > b {
			chunk = b
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Allow reports whether a batch would pass right now without blocking.
// Tokens are only consumed when both dimensions admit the batch.
func (l *Limiter) Allow(nRecords, nBytes int) bool {
	now := time.Now()
	recRes := l.records.ReserveN(now, capN(nRecords, l.records.Burst()))
	if !recRes.OK() || recRes.Delay() > 0 {
		recRes.Cancel()
		return false
	}
	byteRes := l.bytes.ReserveN(now, capN(nBytes, l.bytes.Burst()))
	if !byteRes.OK() || byteRes.Delay() > 0 {
		recRes.Cancel()
		byteRes.Cancel()
		return false
	}
	return true
}

func capN(n, burst int) int {
	if n > burst {
		return burst
	}
	if n < 0 {
		return 0
	}
	return n
}
