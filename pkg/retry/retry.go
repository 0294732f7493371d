// Package retry decides whether a failed provider call is retried and how
// long to wait before the next attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pario-ai/llmbatch/pkg/budget"
	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/provider"
)

// Policy bounds retries. MaxAttempts counts every attempt, including the
// first.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Growth      float64
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		Growth:      2,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait after failed attempt n (0-based):
// min(BaseDelay * Growth^n, MaxDelay).
func (p Policy) Delay(n int) time.Duration {
	growth := p.Growth
	if growth < 1 {
		growth = 1
	}
	d := float64(p.BaseDelay) * math.Pow(growth, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

type outcomeKind int

const (
	kindFatal outcomeKind = iota
	kindSuccess
	kindRetryable
)

// Outcome is the result of one attempt.
type Outcome struct {
	kind     outcomeKind
	Response *models.Response
	Err      error
}

// Success reports a completed attempt.
func Success(resp *models.Response) Outcome { return Outcome{kind: kindSuccess, Response: resp} }

// Retryable reports a failure that may succeed on a later attempt.
func Retryable(err error) Outcome { return Outcome{kind: kindRetryable, Err: err} }

// Fatal reports a failure that must not be retried.
func Fatal(err error) Outcome { return Outcome{kind: kindFatal, Err: err} }

// IsSuccess reports whether the attempt succeeded.
func (o Outcome) IsSuccess() bool { return o.kind == kindSuccess }

// IsRetryable reports whether the attempt failed retryably.
func (o Outcome) IsRetryable() bool { return o.kind == kindRetryable }

// ExhaustedError is returned when every allowed attempt failed retryably.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Classify maps a non-nil attempt error to Retryable or Fatal. A context
// error counts as a per-attempt timeout only while ctx itself is live.
func Classify(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return Fatal(errors.New("retry: classify called without an error"))
	case ctx.Err() != nil:
		return Fatal(err)
	case errors.Is(err, context.Canceled):
		return Fatal(err)
	case errors.Is(err, budget.ErrBudgetExceeded):
		return Fatal(err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Retryable(err)
	}
	if k, ok := provider.KindOf(err); ok {
		if k.Retryable() {
			return Retryable(err)
		}
		return Fatal(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(err)
	}
	return Fatal(err)
}

// Stats describes one Do call.
type Stats struct {
	Attempts int
	Waited   time.Duration
}

// Retries returns the number of attempts after the first.
func (s Stats) Retries() int {
	if s.Attempts == 0 {
		return 0
	}
	return s.Attempts - 1
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller runs attempts under a Policy.
type Controller struct {
	policy  Policy
	sleep   SleepFunc
	onRetry func(attempt int, err error, delay time.Duration)
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleep replaces the wait between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithOnRetry registers a hook called before each backoff wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(c *Controller) { c.onRetry = fn }
}

// New creates a Controller. A non-positive MaxAttempts means one attempt.
func New(p Policy, opts ...Option) *Controller {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	c := &Controller{policy: p, sleep: sleepWithCtx}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Policy returns the effective policy.
func (c *Controller) Policy() Policy { return c.policy }

// Do calls fn until it succeeds, fails fatally, or MaxAttempts is reached.
// attempt is 0-based.
func (c *Controller) Do(ctx context.Context, fn func(ctx context.Context, attempt int) Outcome) (*models.Response, Stats, error) {
	var st Stats
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, st, err
		}
		st.Attempts++
		o := fn(ctx, attempt)
		switch o.kind {
		case kindSuccess:
			return o.Response, st, nil
		case kindFatal:
			return nil, st, o.Err
		}

		if st.Attempts >= c.policy.MaxAttempts {
			return nil, st, &ExhaustedError{Attempts: st.Attempts, Last: o.Err}
		}

		delay := c.backoff(attempt, o.Err)
		if c.onRetry != nil {
			c.onRetry(attempt, o.Err, delay)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, st, err
		}
		st.Waited += delay
	}
}

// backoff honors a provider Retry-After hint when it is longer than the
// policy delay, still capped at MaxDelay.
func (c *Controller) backoff(attempt int, err error) time.Duration {
	d := c.policy.Delay(attempt)
	var pe *provider.Error
	if errors.As(err, &pe) && pe.RetryAfter > d {
		d = pe.RetryAfter
		if c.policy.MaxDelay > 0 && d > c.policy.MaxDelay {
			d = c.policy.MaxDelay
		}
	}
	return d
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
