package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// BreakerSettings configures WithBreaker.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	OnStateChange       func(name string, from, to gobreaker.State)
}

// Breaker guards a client with a circuit breaker. Only retryable provider
// failures count against the breaker; auth and request errors do not.
type Breaker struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next. While the breaker is open, calls fail fast with
// gobreaker.ErrOpenState.
func WithBreaker(next Client, s BreakerSettings) *Breaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.Name == "" {
		s.Name = "provider"
	}
	threshold := s.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    s.Name,
		Timeout: s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful:  countsAsSuccess,
		OnStateChange: s.OnStateChange,
	})
	return &Breaker{next: next, cb: cb}
}

func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	if k, ok := KindOf(err); ok {
		return !k.Retryable()
	}
	return !errors.Is(err, context.DeadlineExceeded)
}

// Send implements Client.
func (b *Breaker) Send(ctx context.Context, req models.Request) (*models.Response, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.next.Send(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp, _ := out.(*models.Response)
	return resp, nil
}

// Stream implements Streamer when the wrapped client does. Only opening
// the stream is guarded.
func (b *Breaker) Stream(ctx context.Context, req models.Request) (Stream, error) {
	s, ok := b.next.(Streamer)
	if !ok {
		return nil, ErrUnsupportedOperation
	}
	out, err := b.cb.Execute(func() (any, error) {
		return s.Stream(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	stream, _ := out.(Stream)
	return stream, nil
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
