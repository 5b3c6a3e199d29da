package probe

import (
	"context"
	"time"
)

type Status string

const (
	StatusReady    Status = "ready"
	StatusNotReady Status = "not_ready"
	StatusFatal    Status = "fatal"
)

// Result is the outcome of a single check or of a whole poll.
// DeadlineExceeded is only set by Poll.
type Result struct {
	Status           Status
	Reason           string
	DeadlineExceeded bool
}

func Ready(reason string) Result {
	return Result{Status: StatusReady, Reason: reason}
}

func NotReady(reason string) Result {
	return Result{Status: StatusNotReady, Reason: reason}
}

func Fatal(reason string) Result {
	return Result{Status: StatusFatal, Reason: reason}
}

func (r Result) IsReady() bool {
	return r.Status == StatusReady
}

// CheckFunc must be idempotent and cheap; ctx carries the attempt timeout
type CheckFunc func(ctx context.Context) Result

const (
	DefaultInterval          = 1 * time.Second
	DefaultDeadline          = 60 * time.Second
	MaxDefaultAttemptTimeout = 5 * time.Second
)

// Policy controls Poll. A zero InitialDelay waits one interval before the
// first attempt; a negative InitialDelay attempts immediately.
type Policy struct {
	Interval       time.Duration
	Deadline       time.Duration
	AttemptTimeout time.Duration
	InitialDelay   time.Duration
}

func (p Policy) WithDefaults() Policy {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Deadline <= 0 {
		p.Deadline = DefaultDeadline
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = p.Interval
		if p.AttemptTimeout > MaxDefaultAttemptTimeout {
			p.AttemptTimeout = MaxDefaultAttemptTimeout
		}
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = p.Interval
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	return p
}

type Observer func(attempt int, result Result)

type pollOptions struct {
	observer Observer
}

type PollOption func(*pollOptions)

// WithObserver reports every attempt, in order, from the polling goroutine
func WithObserver(observer Observer) PollOption {
	return func(o *pollOptions) {
		o.observer = observer
	}
}

// Poll re-invokes check until it is Ready, Fatal, or the policy deadline elapses.
// Deadline expiry yields NotReady with DeadlineExceeded set; cancellation yields Fatal.
func Poll(ctx context.Context, check CheckFunc, policy Policy, opts ...PollOption) Result {
	policy = policy.WithDefaults()

	options := pollOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	deadline := time.NewTimer(policy.Deadline)
	defer deadline.Stop()

	next := time.NewTimer(policy.InitialDelay)
	defer next.Stop()

	last := NotReady("no attempt made")
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return Fatal("cancelled")
		case <-deadline.C:
			return Result{
				Status:           StatusNotReady,
				Reason:           "deadline exceeded: " + last.Reason,
				DeadlineExceeded: true,
			}
		case <-next.C:
		}

		last = runAttempt(ctx, check, policy.AttemptTimeout)
		if ctx.Err() != nil {
			return Fatal("cancelled")
		}
		if options.observer != nil {
			options.observer(attempt, last)
		}

		switch last.Status {
		case StatusReady, StatusFatal:
			return last
		}

		next.Reset(policy.Interval)
	}
}

func runAttempt(ctx context.Context, check CheckFunc, timeout time.Duration) Result {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := check(attemptCtx)
	if result.Status == "" {
		return NotReady("check returned no status")
	}
	return result
}

// Combine runs the side channel first: a Fatal or NotReady from it wins over the check
func Combine(sideChannel func() Result, check CheckFunc) CheckFunc {
	return func(ctx context.Context) Result {
		if sideChannel != nil {
			if r := sideChannel(); r.Status != StatusReady {
				return r
			}
		}
		return check(ctx)
	}
}
