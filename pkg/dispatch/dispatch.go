// Package dispatch sends provider requests under a concurrency bound and a
// minimum inter-request spacing.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/provider"
)

// DefaultMaxConcurrency is used when Options.MaxConcurrency is not positive.
const DefaultMaxConcurrency = 4

// Options configures a Dispatcher.
type Options struct {
	MaxConcurrency int
	// Limiter spaces request starts. Nil disables spacing.
	Limiter Limiter
	// RequestTimeout bounds one Submit. Zero disables it.
	RequestTimeout time.Duration
}

// Dispatcher holds at most MaxConcurrency requests in flight. Each
// response is returned to the caller that submitted it.
type Dispatcher struct {
	client   provider.Client
	sem      chan struct{}
	limiter  Limiter
	timeout  time.Duration
	inFlight atomic.Int64
	peak     atomic.Int64
}

// New creates a Dispatcher over client.
func New(client provider.Client, opts Options) *Dispatcher {
	n := opts.MaxConcurrency
	if n <= 0 {
		n = DefaultMaxConcurrency
	}
	return &Dispatcher{
		client:  client,
		sem:     make(chan struct{}, n),
		limiter: opts.Limiter,
		timeout: opts.RequestTimeout,
	}
}

// MaxConcurrency returns the slot count.
func (d *Dispatcher) MaxConcurrency() int { return cap(d.sem) }

// InFlight returns the number of held slots.
func (d *Dispatcher) InFlight() int { return int(d.inFlight.Load()) }

// Peak returns the highest InFlight value observed.
func (d *Dispatcher) Peak() int { return int(d.peak.Load()) }

func (d *Dispatcher) acquire(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	n := d.inFlight.Add(1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.release()
			return err
		}
	}
	return nil
}

func (d *Dispatcher) release() {
	d.inFlight.Add(-1)
	<-d.sem
}

// Submit sends req once and blocks until the provider answers, the
// per-request timeout fires, or ctx is done. A fired timeout is reported
// as a provider timeout.
func (d *Dispatcher) Submit(ctx context.Context, req models.Request) (*models.Response, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	resp, err := d.client.Send(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &provider.Error{Kind: provider.KindTimeout, Message: "request timed out", Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// OpenStream opens a stream through the dispatcher. The slot stays held
// until the returned stream is closed.
func (d *Dispatcher) OpenStream(ctx context.Context, req models.Request) (provider.Stream, error) {
	s, ok := d.client.(provider.Streamer)
	if !ok {
		return nil, provider.ErrUnsupportedOperation
	}
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	stream, err := s.Stream(ctx, req)
	if err != nil {
		d.release()
		return nil, err
	}
	return &slotStream{Stream: stream, release: d.release}, nil
}

type slotStream struct {
	provider.Stream
	release func()
	once    sync.Once
}

func (s *slotStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(s.release)
	return err
}
