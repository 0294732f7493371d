// Package batch runs templated LLM requests over a stream of records. It
// renders each record, serves repeats from the response cache, dispatches
// misses through the rate-limited dispatcher under the retry policy and
// accounts for tokens and cost.
package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/llmbatch/pkg/budget"
	"github.com/pario-ai/llmbatch/pkg/cache"
	"github.com/pario-ai/llmbatch/pkg/dispatch"
	"github.com/pario-ai/llmbatch/pkg/logx"
	"github.com/pario-ai/llmbatch/pkg/metrics"
	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/pricing"
	"github.com/pario-ai/llmbatch/pkg/retry"
	"github.com/pario-ai/llmbatch/pkg/template"
	"github.com/pario-ai/llmbatch/pkg/tracker"
)

// Options configures an Engine.
type Options struct {
	Model       string
	System      string // template
	User        string // template
	Params      models.Params
	Tools       []models.Tool
	PromptCache bool

	Dispatcher *dispatch.Dispatcher
	Retry      *retry.Controller

	// Cache is optional. CacheVersion is folded into every key.
	Cache        cache.Store
	CacheVersion string
	// CacheMaxTemperature bypasses the cache for requests sampled above it.
	CacheMaxTemperature *float64

	// Pricing is optional; without it costs are reported as unknown.
	Pricing *pricing.Table
	Metrics *metrics.Recorder
	Tracker tracker.Tracker
	Budget  *budget.Enforcer

	// Workers defaults to the dispatcher's concurrency.
	Workers int
}

// Engine is a configured batch pipeline. One Engine runs one batch at a time.
type Engine struct {
	opts    Options
	system  *template.Template
	user    *template.Template
	workers int

	group   singleflight.Group
	warned  sync.Map // model -> struct{}
	metrics *metrics.Recorder
	retry   *retry.Controller
}

// New validates opts and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Model == "" {
		return nil, errors.New("batch: model is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("batch: dispatcher is required")
	}
	if opts.User == "" {
		return nil, errors.New("batch: user prompt template is required")
	}

	e := &Engine{opts: opts, metrics: opts.Metrics, retry: opts.Retry}

	user, err := template.Parse(opts.User)
	if err != nil {
		return nil, fmt.Errorf("batch: user template: %w", err)
	}
	e.user = user
	if opts.System != "" {
		system, err := template.Parse(opts.System)
		if err != nil {
			return nil, fmt.Errorf("batch: system template: %w", err)
		}
		e.system = system
	}

	if e.metrics == nil {
		e.metrics = metrics.NewRecorder(nil)
	}
	if e.retry == nil {
		e.retry = retry.New(retry.DefaultPolicy())
	}
	e.workers = opts.Workers
	if e.workers <= 0 {
		e.workers = opts.Dispatcher.MaxConcurrency()
	}
	return e, nil
}

// Metrics returns the engine's recorder.
func (e *Engine) Metrics() *metrics.Recorder { return e.metrics }

// Render builds the request for one record.
func (e *Engine) Render(fields map[string]any) (models.Request, error) {
	user, err := e.user.Execute(fields)
	if err != nil {
		return models.Request{}, err
	}
	req := models.Request{
		Model:       e.opts.Model,
		User:        user,
		Params:      e.opts.Params,
		Tools:       e.opts.Tools,
		PromptCache: e.opts.PromptCache,
	}
	if e.system != nil {
		if req.System, err = e.system.Execute(fields); err != nil {
			return models.Request{}, err
		}
	}
	return req, nil
}

// Streamer returns a Streamer sharing this engine's dispatcher, retry policy
// and accounting.
func (e *Engine) Streamer() *Streamer {
	return &Streamer{
		dispatcher: e.opts.Dispatcher,
		retry:      e.retry,
		pricing:    e.opts.Pricing,
		metrics:    e.metrics,
		budget:     e.opts.Budget,
	}
}

// Run prepares a batch over records. Nothing is pulled until Results is
// iterated.
func (e *Engine) Run(ctx context.Context, records iter.Seq[models.Record]) *Batch {
	return &Batch{
		engine:  e,
		ctx:     ctx,
		records: records,
		id:      uuid.NewString(),
		done:    make(chan struct{}),
	}
}

// Collect runs records to completion and returns every output in input order.
func Collect(ctx context.Context, e *Engine, records iter.Seq[models.Record]) ([]models.OutputRecord, models.RunSummary, error) {
	b := e.Run(ctx, records)
	var out []models.OutputRecord
	for o := range b.Results() {
		out = append(out, o)
	}
	return out, b.Summary(), b.Err()
}

// Batch is one run of an Engine.
type Batch struct {
	engine  *Engine
	ctx     context.Context
	records iter.Seq[models.Record]
	id      string

	started atomic.Bool
	done    chan struct{}
	summary models.RunSummary
	err     error
}

// ID returns the run id recorded in the ledger.
func (b *Batch) ID() string { return b.id }

// Summary returns the run summary. It blocks until Results is exhausted or
// abandoned; before Results is iterated it returns a zero summary.
func (b *Batch) Summary() models.RunSummary {
	if !b.started.Load() {
		return models.RunSummary{RunID: b.id}
	}
	<-b.done
	return b.summary
}

// Err returns the cancellation cause when the run was cut short by its
// context.
func (b *Batch) Err() error {
	if !b.started.Load() {
		return nil
	}
	<-b.done
	return b.err
}

type job struct {
	seq int
	rec models.Record
}

type result struct {
	seq int
	out models.OutputRecord
}

// Results yields one output per pulled record, in input order. It may be
// iterated once; later iterations yield nothing. Breaking out of the loop
// stops pulling records and waits for in-flight work to finish.
func (b *Batch) Results() iter.Seq[models.OutputRecord] {
	return func(yield func(models.OutputRecord) bool) {
		if !b.started.CompareAndSwap(false, true) {
			return
		}
		defer close(b.done)
		b.run(yield)
	}
}

func (b *Batch) run(yield func(models.OutputRecord) bool) {
	e := b.engine
	e.metrics.Reset(b.id)
	e.startRun(b.ctx, b.id)
	logx.Info().Str("run_id", b.id).Str("model", e.opts.Model).Int("workers", e.workers).Msg("batch started")

	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()

	window := make(chan struct{}, max(e.workers*8, 16))
	jobs := make(chan job)
	results := make(chan result, e.workers)

	go func() {
		defer close(jobs)
		seq := 0
		for rec := range b.records {
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}
			jobs <- job{seq: seq, rec: rec}
			seq++
		}
	}()

	var wg sync.WaitGroup
	for range e.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- result{seq: j.seq, out: e.process(ctx, b.id, j.rec)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	pending := make(map[int]models.OutputRecord)
	next := 0
	stopped := false
	for r := range results {
		if stopped {
			continue
		}
		pending[r.seq] = r.out
		for {
			o, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			<-window
			if !yield(o) {
				stopped = true
				cancel()
				break
			}
		}
	}

	b.summary = e.metrics.Snapshot()
	if err := b.ctx.Err(); err != nil {
		b.err = context.Cause(b.ctx)
	}
	e.finishRun(b.id, b.summary)

	logx.Info().
		Str("run_id", b.id).
		Int64("processed", b.summary.Processed).
		Int64("cache_hits", b.summary.CacheHits).
		Int64("retried", b.summary.Retried).
		Int64("failed", b.summary.Failed).
		Float64("estimated_cost", b.summary.EstimatedCost).
		Dur("duration", b.summary.Duration).
		Msg("batch finished")
}

func (e *Engine) startRun(ctx context.Context, id string) {
	if e.opts.Tracker == nil {
		return
	}
	if err := e.opts.Tracker.StartRun(ctx, models.Run{ID: id, Model: e.opts.Model}); err != nil {
		logx.Warn().Err(err).Msg("tracker: start run")
	}
}

func (e *Engine) finishRun(id string, s models.RunSummary) {
	if e.opts.Tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.opts.Tracker.FinishRun(ctx, id, int(s.Processed), s.EstimatedCost); err != nil {
		logx.Warn().Err(err).Msg("tracker: finish run")
	}
}
