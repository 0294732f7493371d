package batch

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/pario-ai/llmbatch/pkg/budget"
	"github.com/pario-ai/llmbatch/pkg/dispatch"
	"github.com/pario-ai/llmbatch/pkg/logx"
	"github.com/pario-ai/llmbatch/pkg/metrics"
	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/pricing"
	"github.com/pario-ai/llmbatch/pkg/provider"
	"github.com/pario-ai/llmbatch/pkg/retry"
)

// Streamer executes a single request and yields partial output as it
// arrives.
type Streamer struct {
	dispatcher *dispatch.Dispatcher
	retry      *retry.Controller
	pricing    *pricing.Table
	metrics    *metrics.Recorder
	budget     *budget.Enforcer
}

// StreamOptions configures a standalone Streamer.
type StreamOptions struct {
	Dispatcher *dispatch.Dispatcher
	Retry      *retry.Controller
	Pricing    *pricing.Table
	Metrics    *metrics.Recorder
	Budget     *budget.Enforcer
}

// NewStreamer creates a Streamer.
func NewStreamer(opts StreamOptions) *Streamer {
	s := &Streamer{
		dispatcher: opts.Dispatcher,
		retry:      opts.Retry,
		pricing:    opts.Pricing,
		metrics:    opts.Metrics,
		budget:     opts.Budget,
	}
	if s.retry == nil {
		s.retry = retry.New(retry.DefaultPolicy())
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRecorder(nil)
	}
	return s
}

// Stream opens req and yields its chunks. Opening the stream and receiving
// the first chunk are retried under the retry policy; a failure after that
// is yielded once as a terminal error. Breaking out of the loop closes the
// provider stream. The sequence can be iterated once.
func (s *Streamer) Stream(ctx context.Context, req models.Request) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		if err := s.budget.Check(ctx, req.Model); err != nil {
			yield(models.Chunk{}, err)
			return
		}

		var (
			stream provider.Stream
			first  models.Chunk
			empty  bool
		)
		_, stats, err := s.retry.Do(ctx, func(ctx context.Context, attempt int) retry.Outcome {
			st, err := s.dispatcher.OpenStream(ctx, req)
			if err != nil {
				return retry.Classify(ctx, err)
			}
			c, err := st.Next()
			if err != nil && !errors.Is(err, io.EOF) {
				_ = st.Close()
				return retry.Classify(ctx, err)
			}
			stream, first, empty = st, c, err != nil
			return retry.Success(&models.Response{})
		})
		s.metrics.Retried(stats.Retries())
		if err != nil {
			yield(models.Chunk{}, err)
			return
		}
		defer stream.Close()

		var usage *models.TokenUsage
		defer func() { s.account(req.Model, usage) }()

		if empty {
			return
		}
		c := first
		for {
			if c.Usage != nil {
				u := *c.Usage
				usage = &u
			}
			if !yield(c, nil) {
				return
			}
			var err error
			c, err = stream.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(models.Chunk{}, err)
				return
			}
		}
	}
}

func (s *Streamer) account(model string, usage *models.TokenUsage) {
	if usage == nil {
		return
	}
	s.metrics.Tokens(*usage)
	if s.pricing == nil {
		return
	}
	cost, err := pricing.Estimate(*usage, s.pricing, model)
	if err != nil {
		s.metrics.UnknownPricing()
		logx.Warn().Err(err).Str("model", model).Msg("cost reported as unknown")
		return
	}
	s.metrics.Cost(cost)
}
