package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a leaky bucket with continuous linear decay: used tokens drain
// at leakPerMinute, Acquire blocks until one token fits under capacity.
// Brokers quota per endpoint, so one bucket guards one
// (broker, operation-category) pair and nothing else.
type Bucket struct {
	mu            sync.Mutex
	capacity      float64
	leakPerMinute float64
	used          float64
	last          time.Time

	nowFn   func() time.Time
	sleepFn func(context.Context, time.Duration) error
}

func NewBucket(capacity, leakPerMinute float64) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if leakPerMinute <= 0 {
		leakPerMinute = 1
	}
	b := &Bucket{
		capacity:      capacity,
		leakPerMinute: leakPerMinute,
		nowFn:         time.Now,
		sleepFn:       sleepCtx,
	}
	b.last = b.nowFn()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// leak applies the elapsed-time decay. Caller holds the lock.
func (b *Bucket) leak(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.used -= b.leakPerMinute * elapsed.Minutes()
	if b.used < 0 {
		b.used = 0
	}
	b.last = now
}

// Acquire consumes one token, sleeping until enough has leaked. Callers
// block inside this call; fairness is FIFO-by-retry only.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := b.nowFn()
		b.leak(now)
		if b.used+1 <= b.capacity {
			b.used++
			b.mu.Unlock()
			return nil
		}
		deficit := b.used + 1 - b.capacity
		wait := time.Duration(deficit / b.leakPerMinute * float64(time.Minute))
		b.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if err := b.sleepFn(ctx, wait); err != nil {
			return err
		}
	}
}

// Used reports the decayed token count, for metrics and tests.
func (b *Bucket) Used() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leak(b.nowFn())
	return b.used
}
