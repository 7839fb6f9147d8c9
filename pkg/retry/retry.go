// Package retry runs fallible operations under a declarative policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffFunc returns the wait before the given retry (1-based).
type BackoffFunc func(retry int, base time.Duration) time.Duration

// Policy describes how an operation is retried. MaxRetries counts retries,
// so an operation runs at most MaxRetries+1 times.
type Policy struct {
	Name       string
	MaxRetries int
	Delay      time.Duration
	Backoff    BackoffFunc
	// Retryable, when set, stops retrying as soon as it reports false.
	Retryable func(error) bool
}

// Named policies used by the orchestrator.
var (
	AirdropSend = Policy{Name: "airdrop_send", MaxRetries: 5, Delay: 3 * time.Second, Backoff: Fixed}
	Deployment  = Policy{Name: "deployment", MaxRetries: 2, Delay: 5 * time.Second, Backoff: Fixed}
	Once        = Policy{Name: "once"}
)

// Fixed waits the base delay between every attempt.
func Fixed(_ int, base time.Duration) time.Duration { return base }

// Exponential multiplies the base delay by factor on every retry, capped at max.
func Exponential(factor float64, max time.Duration) BackoffFunc {
	return func(retry int, base time.Duration) time.Duration {
		d := float64(base)
		for i := 1; i < retry; i++ {
			d *= factor
			if max > 0 && time.Duration(d) >= max {
				return max
			}
		}
		return time.Duration(d)
	}
}

// WithRetries returns a copy of the policy with a different retry budget.
func (p Policy) WithRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

// WithDelay returns a copy of the policy with a different base delay.
func (p Policy) WithDelay(d time.Duration) Policy {
	p.Delay = d
	return p
}

func (p Policy) wait(retry int) time.Duration {
	if p.Backoff == nil {
		return p.Delay
	}
	return p.Backoff(retry, p.Delay)
}

// Do calls fn until it succeeds or the policy is exhausted. The last error of
// fn is returned as is. A cancelled context stops further attempts and the
// last error of fn is still returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is the value-returning form of Do.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	var (
		last    T
		lastErr error
	)
	operation := func() (T, error) {
		// 等待期间 ctx 被取消时，交回上一次的结果而不是 ctx.Err()。
		if lastErr != nil && ctx.Err() != nil {
			return last, backoff.Permanent(lastErr)
		}
		out, err := fn(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return out, backoff.Permanent(err)
		}
		last, lastErr = out, err
		return out, err
	}
	schedule := backoff.WithMaxRetries(&policyBackOff{policy: p, ctx: ctx}, uint64(retries))
	return backoff.RetryNotifyWithTimerAndData(operation, schedule, nil, &contextTimer{ctx: ctx})
}

// policyBackOff adapts a Policy to backoff.BackOff. The retry budget is
// enforced by backoff.WithMaxRetries.
type policyBackOff struct {
	policy Policy
	ctx    context.Context
	retry  int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	if b.ctx.Err() != nil {
		return backoff.Stop
	}
	b.retry++
	if d := b.policy.wait(b.retry); d > 0 {
		return d
	}
	return 0
}

func (b *policyBackOff) Reset() { b.retry = 0 }

// contextTimer fires on expiry or as soon as ctx is cancelled.
type contextTimer struct {
	ctx    context.Context
	timer  *time.Timer
	detach func() bool
	c      chan time.Time
}

func (t *contextTimer) Start(d time.Duration) {
	t.Stop()
	c := make(chan time.Time, 1)
	fire := func() {
		select {
		case c <- time.Now():
		default:
		}
	}
	t.c = c
	t.timer = time.AfterFunc(d, fire)
	t.detach = context.AfterFunc(t.ctx, fire)
}

func (t *contextTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.detach != nil {
		t.detach()
	}
}

func (t *contextTimer) C() <-chan time.Time { return t.c }
