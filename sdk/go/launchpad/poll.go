package launchpad

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PollOptions controls WaitForTask.
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollOptions polls every 5 seconds for up to 60 attempts.
var DefaultPollOptions = PollOptions{Interval: 5 * time.Second, MaxAttempts: 60}

// ErrPollExhausted is returned when the task is still running after the last attempt.
var ErrPollExhausted = errors.New("launchpad: task did not finish before polling gave up")

// WaitForTask polls the task until it reaches a terminal status. The last
// snapshot is returned together with ErrPollExhausted when attempts run out.
// Transient request failures count as attempts.
func (c *Client) WaitForTask(ctx context.Context, agentID, taskID string) (Task, error) {
	opts := c.poll
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollOptions.Interval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultPollOptions.MaxAttempts
	}

	var (
		last    Task
		lastErr error
	)
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		t, err := c.GetTask(ctx, agentID, taskID)
		if err == nil {
			last = t
			if t.Terminal() {
				return t, nil
			}
		} else {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return last, err
			}
			lastErr = err
		}
		if attempt == opts.MaxAttempts {
			break
		}
		timer := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
	if last.ID == "" && lastErr != nil {
		return last, fmt.Errorf("%w: %v", ErrPollExhausted, lastErr)
	}
	return last, ErrPollExhausted
}

// DistributeAndWait submits a distribution and waits for it to finish.
func (c *Client) DistributeAndWait(ctx context.Context, req DistributeRequest) (Task, error) {
	id, err := c.Distribute(ctx, req)
	if err != nil {
		return Task{}, err
	}
	return c.WaitForTask(ctx, req.AgentID, id)
}
