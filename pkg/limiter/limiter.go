// Package limiter bounds how many operations run at once against a shared
// resource such as the custodial wallet, whose single nonce sequence makes
// concurrent submissions collide.
package limiter

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter admits callers in arrival order and never lets more than limit
// operations run concurrently.
type Limiter struct {
	limit   int64
	sem     *semaphore.Weighted
	pacer   *rate.Limiter
	running atomic.Int64
	peak    atomic.Int64
	queued  atomic.Int64
}

// Option 定义可选配置。
type Option func(*Limiter)

// WithSpacing enforces a minimum gap between two consecutive starts.
func WithSpacing(gap time.Duration) Option {
	return func(l *Limiter) {
		if gap > 0 {
			l.pacer = rate.NewLimiter(rate.Every(gap), 1)
		}
	}
}

// New creates a Limiter. A limit below 1 is treated as 1.
func New(limit int, opts ...Option) *Limiter {
	if limit < 1 {
		limit = 1
	}
	l := &Limiter{limit: int64(limit), sem: semaphore.NewWeighted(int64(limit))}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Execute runs fn once a slot is free. The error returned by fn is handed
// back unchanged and never affects other queued callers.
func (l *Limiter) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("limiter: nil operation")
	}
	l.queued.Add(1)
	err := l.sem.Acquire(ctx, 1)
	l.queued.Add(-1)
	if err != nil {
		return err
	}
	defer l.sem.Release(1)

	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			return err
		}
	}

	current := l.running.Add(1)
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	defer l.running.Add(-1)

	return fn(ctx)
}

// Do is the value-returning form of Execute.
func Do[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// Limit returns the configured concurrency bound.
func (l *Limiter) Limit() int { return int(l.limit) }

// Running returns the number of operations currently executing.
func (l *Limiter) Running() int { return int(l.running.Load()) }

// Peak returns the highest concurrent count observed since creation.
func (l *Limiter) Peak() int { return int(l.peak.Load()) }

// Queued returns the number of callers waiting for a slot.
func (l *Limiter) Queued() int { return int(l.queued.Load()) }
