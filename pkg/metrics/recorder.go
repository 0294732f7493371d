package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// Recorder accumulates run metrics. Counters are atomic so workers can
// record concurrently. Reset starts a new run; the Prometheus collectors keep
// counting across runs.
type Recorder struct {
	mu      sync.Mutex
	runID   string
	started time.Time

	processed      atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	retried        atomic.Int64
	failed         atomic.Int64
	unknownPricing atomic.Int64

	inputTokens      atomic.Int64
	outputTokens     atomic.Int64
	cacheWriteTokens atomic.Int64
	cacheReadTokens  atomic.Int64

	costBits atomic.Uint64

	prom *collectors
}

type collectors struct {
	records     *prometheus.CounterVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	retries     prometheus.Counter
	tokens      *prometheus.CounterVec
	cost        prometheus.Counter
	latency     prometheus.Histogram
}

// NewRecorder creates a Recorder. When reg is non-nil the llmbatch_*
// collectors are registered with it.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{started: time.Now()}
	if reg == nil {
		return r
	}
	f := promauto.With(reg)
	r.prom = &collectors{
		records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llmbatch_records_total",
			Help: "Output records produced, by status",
		}, []string{"status"}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "llmbatch_cache_hits_total",
			Help: "Records served from the response cache",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "llmbatch_cache_misses_total",
			Help: "Records that required a provider call",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "llmbatch_retries_total",
			Help: "Retried provider attempts",
		}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llmbatch_tokens_total",
			Help: "Provider-billed tokens, by kind",
		}, []string{"kind"}),
		cost: f.NewCounter(prometheus.CounterOpts{
			Name: "llmbatch_estimated_cost_usd_total",
			Help: "Estimated spend in USD",
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmbatch_request_duration_seconds",
			Help:    "Provider call duration including retries",
			Buckets: prometheus.DefBuckets,
		}),
	}
	return r
}

// Reset zeroes the run counters and starts a new run.
func (r *Recorder) Reset(runID string) {
	r.mu.Lock()
	r.runID = runID
	r.started = time.Now()
	r.mu.Unlock()

	for _, c := range []*atomic.Int64{
		&r.processed, &r.cacheHits, &r.cacheMisses, &r.retried, &r.failed, &r.unknownPricing,
		&r.inputTokens, &r.outputTokens, &r.cacheWriteTokens, &r.cacheReadTokens,
	} {
		c.Store(0)
	}
	r.costBits.Store(0)
}

// Processed counts one output record.
func (r *Recorder) Processed(failed bool) {
	r.processed.Add(1)
	status := "ok"
	if failed {
		r.failed.Add(1)
		status = "failed"
	}
	if r.prom != nil {
		r.prom.records.WithLabelValues(status).Inc()
	}
}

// CacheHit counts a cache hit.
func (r *Recorder) CacheHit() {
	r.cacheHits.Add(1)
	if r.prom != nil {
		r.prom.cacheHits.Inc()
	}
}

// CacheMiss counts a cache miss.
func (r *Recorder) CacheMiss() {
	r.cacheMisses.Add(1)
	if r.prom != nil {
		r.prom.cacheMisses.Inc()
	}
}

// Retried counts n retried attempts.
func (r *Recorder) Retried(n int) {
	if n <= 0 {
		return
	}
	r.retried.Add(int64(n))
	if r.prom != nil {
		r.prom.retries.Add(float64(n))
	}
}

// Tokens adds provider-billed usage.
func (r *Recorder) Tokens(u models.TokenUsage) {
	r.inputTokens.Add(int64(u.InputTokens))
	r.outputTokens.Add(int64(u.OutputTokens))
	r.cacheWriteTokens.Add(int64(u.CacheWriteTokens))
	r.cacheReadTokens.Add(int64(u.CacheReadTokens))
	if r.prom != nil {
		r.prom.tokens.WithLabelValues("input").Add(float64(u.InputTokens))
		r.prom.tokens.WithLabelValues("output").Add(float64(u.OutputTokens))
		r.prom.tokens.WithLabelValues("cache_write").Add(float64(u.CacheWriteTokens))
		r.prom.tokens.WithLabelValues("cache_read").Add(float64(u.CacheReadTokens))
	}
}

// Cost adds an estimated cost in USD.
func (r *Recorder) Cost(usd float64) {
	if usd == 0 {
		return
	}
	for {
		old := r.costBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + usd)
		if r.costBits.CompareAndSwap(old, next) {
			break
		}
	}
	if r.prom != nil && usd > 0 {
		r.prom.cost.Add(usd)
	}
}

// UnknownPricing counts a record whose model had no price.
func (r *Recorder) UnknownPricing() {
	r.unknownPricing.Add(1)
}

// ObserveRequest records the duration of one provider call sequence.
func (r *Recorder) ObserveRequest(d time.Duration) {
	if r.prom != nil {
		r.prom.latency.Observe(d.Seconds())
	}
}

// Snapshot returns the current run summary.
func (r *Recorder) Snapshot() models.RunSummary {
	r.mu.Lock()
	runID, started := r.runID, r.started
	r.mu.Unlock()

	return models.RunSummary{
		RunID:       runID,
		Processed:   r.processed.Load(),
		CacheHits:   r.cacheHits.Load(),
		CacheMisses: r.cacheMisses.Load(),
		Retried:     r.retried.Load(),
		Failed:      r.failed.Load(),
		Tokens: models.TokenUsage{
			InputTokens:      int(r.inputTokens.Load()),
			OutputTokens:     int(r.outputTokens.Load()),
			CacheWriteTokens: int(r.cacheWriteTokens.Load()),
			CacheReadTokens:  int(r.cacheReadTokens.Load()),
		},
		EstimatedCost:  math.Float64frombits(r.costBits.Load()),
		UnknownPricing: r.unknownPricing.Load(),
		Duration:       time.Since(started),
	}
}
