package batch

import (
	"context"
	"errors"
	"time"

	"github.com/pario-ai/llmbatch/pkg/budget"
	"github.com/pario-ai/llmbatch/pkg/cache"
	"github.com/pario-ai/llmbatch/pkg/logx"
	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/pricing"
	"github.com/pario-ai/llmbatch/pkg/provider"
	"github.com/pario-ai/llmbatch/pkg/retry"
	"github.com/pario-ai/llmbatch/pkg/template"
)

// call is the shared result of one coalesced provider call sequence.
type call struct {
	resp   *models.Response
	stats  retry.Stats
	cached bool
}

// process turns one record into its output row. It never returns an error;
// failures are written into the row.
func (e *Engine) process(ctx context.Context, runID string, rec models.Record) models.OutputRecord {
	out := models.OutputRecord{Index: rec.Index, Fields: rec.Fields}
	var key string
	defer func() {
		e.metrics.Processed(out.Failed())
		e.record(runID, key, out)
	}()

	if err := ctx.Err(); err != nil {
		fail(ctx, &out, err)
		return out
	}

	req, err := e.Render(rec.Fields)
	if err != nil {
		fail(ctx, &out, err)
		return out
	}
	key = cache.Key(req, e.opts.CacheVersion)
	cacheable := e.cacheable(req)

	if cacheable && e.opts.Cache != nil {
		entry, ok, err := e.opts.Cache.Get(ctx, key)
		switch {
		case err != nil:
			logx.Warn().Err(err).Str("key", key).Msg("cache unavailable, treating as miss")
		case ok:
			e.metrics.CacheHit()
			fillResponse(&out, &entry.Response)
			out.CacheHit = true
			out.CostKnown = true
			return out
		}
	}

	var (
		c      call
		leader bool
	)
	if cacheable && e.opts.Cache != nil {
		v, err, _ := e.group.Do(key, func() (any, error) {
			leader = true
			// A previous leader may have stored the response since the
			// lookup above.
			if entry, ok, err := e.opts.Cache.Get(ctx, key); err == nil && ok {
				return call{resp: &entry.Response, cached: true}, nil
			}
			return e.call(ctx, key, req, true)
		})
		if v != nil {
			c = v.(call)
		}
		if err != nil {
			// Followers of a failed call share its outcome and count as
			// misses alongside it.
			e.metrics.CacheMiss()
			out.Attempts = c.stats.Attempts
			fail(ctx, &out, err)
			return out
		}
	} else {
		leader = true
		c, err = e.call(ctx, key, req, false)
		if err != nil {
			e.metrics.CacheMiss()
			out.Attempts = c.stats.Attempts
			fail(ctx, &out, err)
			return out
		}
	}

	fillResponse(&out, c.resp)
	if !leader || c.cached {
		// Served by the cache or an identical in-flight request.
		e.metrics.CacheHit()
		out.CacheHit = true
		out.CostKnown = true
		return out
	}

	e.metrics.CacheMiss()
	out.Attempts = c.stats.Attempts
	out.Usage = c.resp.Usage
	e.metrics.Tokens(out.Usage)
	e.price(&out, req.Model)
	return out
}

// call performs the provider call sequence for a cache miss and stores a
// successful response. The returned call carries stats even on failure.
func (e *Engine) call(ctx context.Context, key string, req models.Request, store bool) (call, error) {
	if err := e.opts.Budget.Check(ctx, req.Model); err != nil {
		return call{}, err
	}

	start := time.Now()
	resp, stats, err := e.retry.Do(ctx, func(ctx context.Context, attempt int) retry.Outcome {
		resp, err := e.opts.Dispatcher.Submit(ctx, req)
		if err != nil {
			return retry.Classify(ctx, err)
		}
		return retry.Success(resp)
	})
	e.metrics.ObserveRequest(time.Since(start))
	e.metrics.Retried(stats.Retries())
	if err != nil {
		return call{stats: stats}, err
	}

	if store && e.opts.Cache != nil {
		entry := models.CacheEntry{Key: key, Response: *resp, CreatedAt: time.Now().UTC()}
		if _, err := e.opts.Cache.PutIfAbsent(ctx, key, entry); err != nil {
			logx.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return call{resp: resp, stats: stats}, nil
}

// cacheable reports whether req may be served from or coalesced with an
// identical request.
func (e *Engine) cacheable(req models.Request) bool {
	limit := e.opts.CacheMaxTemperature
	if limit == nil || req.Params.Temperature == nil {
		return true
	}
	return *req.Params.Temperature <= *limit
}

func (e *Engine) price(out *models.OutputRecord, model string) {
	if e.opts.Pricing == nil {
		return
	}
	cost, err := pricing.Estimate(out.Usage, e.opts.Pricing, model)
	if err != nil {
		e.metrics.UnknownPricing()
		if _, seen := e.warned.LoadOrStore(model, struct{}{}); !seen {
			logx.Warn().Err(err).Str("model", model).Msg("cost reported as unknown")
		}
		return
	}
	out.Cost = cost
	out.CostKnown = true
	e.metrics.Cost(cost)
}

func (e *Engine) record(runID, key string, out models.OutputRecord) {
	if e.opts.Tracker == nil {
		return
	}
	rec := models.UsageRecord{
		RunID:       runID,
		RecordIndex: out.Index,
		Model:       e.opts.Model,
		CacheKey:    key,
		Usage:       out.Usage,
		Cost:        out.Cost,
		CacheHit:    out.CacheHit,
		Attempts:    out.Attempts,
		ErrorKind:   out.ErrorKind,
		CreatedAt:   time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.opts.Tracker.Record(ctx, rec); err != nil {
		logx.Warn().Err(err).Int("index", out.Index).Msg("tracker: record usage")
	}
}

func fillResponse(out *models.OutputRecord, resp *models.Response) {
	out.Text = resp.Text
	out.FinishReason = resp.FinishReason
	out.ToolCalls = resp.ToolCalls
}

func fail(ctx context.Context, out *models.OutputRecord, err error) {
	out.Error = err.Error()
	out.ErrorKind = errorKind(ctx, err)
}

// errorKind maps a record failure to its output classification.
func errorKind(ctx context.Context, err error) models.ErrorKind {
	var exhausted *retry.ExhaustedError
	switch {
	case errors.Is(err, template.ErrTemplate):
		return models.ErrKindTemplate
	case errors.Is(err, budget.ErrBudgetExceeded):
		return models.ErrKindBudget
	case errors.As(err, &exhausted):
		return models.ErrKindRetriesExhausted
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return models.ErrKindCancelled
	}
	if k, ok := provider.KindOf(err); ok {
		switch k {
		case provider.KindAuth:
			return models.ErrKindAuth
		case provider.KindRequest:
			return models.ErrKindRequest
		case provider.KindContentPolicy:
			return models.ErrKindContentPolicy
		}
	}
	return models.ErrKindProvider
}
