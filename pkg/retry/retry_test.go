package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDoCallsAtMostRetriesPlusOne(t *testing.T) {
	last := errors.New("attempt failed")
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 3}, func(context.Context) error {
		calls++
		if calls == 4 {
			return last
		}
		return fmt.Errorf("attempt %d", calls)
	})
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
	if err != last {
		t.Fatalf("expected final error returned unchanged, got %v", err)
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), Policy{MaxRetries: 5, Delay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Fatalf("expected success on third call, got v=%d calls=%d", v, calls)
	}
}

func TestDoHonoursRetryable(t *testing.T) {
	fatal := errors.New("reverted")
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 5, Retryable: func(err error) bool { return err != fatal }}, func(context.Context) error {
		calls++
		return fatal
	})
	if calls != 1 || err != fatal {
		t.Fatalf("expected a single call returning the fatal error, got calls=%d err=%v", calls, err)
	}
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	failure := errors.New("rpc unavailable")
	calls := 0
	err := Do(ctx, Policy{MaxRetries: 5, Delay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return failure
	})
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if err != failure {
		t.Fatalf("expected last error, got %v", err)
	}
}

func TestDoStopsWhenCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	failure := errors.New("rpc unavailable")
	calls := 0
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := Do(ctx, Policy{MaxRetries: 5, Delay: time.Hour}, func(context.Context) error {
		calls++
		return failure
	})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("wait was not interrupted, took %s", elapsed)
	}
	if calls != 1 || err != failure {
		t.Fatalf("expected one call returning the last error, got calls=%d err=%v", calls, err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := Exponential(2, 300*time.Millisecond)
	cases := map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 300 * time.Millisecond, 6: 300 * time.Millisecond}
	for retry, want := range cases {
		if got := b(retry, 100*time.Millisecond); got != want {
			t.Fatalf("retry %d: expected %s got %s", retry, want, got)
		}
	}
}

func TestNamedPolicies(t *testing.T) {
	if AirdropSend.MaxRetries != 5 || AirdropSend.Delay != 3*time.Second {
		t.Fatalf("unexpected airdrop policy %+v", AirdropSend)
	}
	if Deployment.MaxRetries != 2 || Deployment.Delay != 5*time.Second {
		t.Fatalf("unexpected deployment policy %+v", Deployment)
	}
}
