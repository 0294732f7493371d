package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/pario-ai/llmbatch/pkg/batch"
	"github.com/pario-ai/llmbatch/pkg/budget"
	"github.com/pario-ai/llmbatch/pkg/cache"
	rediscache "github.com/pario-ai/llmbatch/pkg/cache/redis"
	sqlitecache "github.com/pario-ai/llmbatch/pkg/cache/sqlite"
	"github.com/pario-ai/llmbatch/pkg/config"
	"github.com/pario-ai/llmbatch/pkg/dispatch"
	"github.com/pario-ai/llmbatch/pkg/logx"
	"github.com/pario-ai/llmbatch/pkg/metrics"
	"github.com/pario-ai/llmbatch/pkg/pricing"
	"github.com/pario-ai/llmbatch/pkg/provider"
	"github.com/pario-ai/llmbatch/pkg/provider/anthropic"
	"github.com/pario-ai/llmbatch/pkg/provider/gemini"
	"github.com/pario-ai/llmbatch/pkg/provider/mock"
	"github.com/pario-ai/llmbatch/pkg/provider/openai"
	"github.com/pario-ai/llmbatch/pkg/redisx"
	"github.com/pario-ai/llmbatch/pkg/retry"
	"github.com/pario-ai/llmbatch/pkg/tracker"
)

// loadConfig reads the config file and overlays LLMBATCH_* variables.
func loadConfig(path string, validate bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

// runtime holds everything a run or stream needs, plus what must be closed.
type runtime struct {
	engine   *batch.Engine
	registry *prometheus.Registry
	closers  []io.Closer
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			logx.Warn().Err(err).Msg("close")
		}
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()
	rt.registry.MustRegister(collectors.NewGoCollector())

	var rdb *goredis.Client
	if cfg.Redis.URL != "" && (cfg.Dispatch.Distributed || (cfg.Cache.Enabled && cfg.Cache.Backend == config.CacheRedis)) {
		rdb, err = redisx.New(ctx, redisx.Config{URL: cfg.Redis.URL})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rdb)
	}

	client, err := newProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init provider: %w", err)
	}

	var limiter dispatch.Limiter
	switch {
	case cfg.Dispatch.Distributed:
		limiter = dispatch.NewRedisLimiter(redis_rate.NewLimiter(rdb), cfg.Dispatch.LimiterKey, cfg.Dispatch.MinDelay)
	case cfg.Dispatch.MinDelay > 0:
		limiter = dispatch.NewLocalLimiter(cfg.Dispatch.MinDelay)
	}
	d := dispatch.New(client, dispatch.Options{
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		Limiter:        limiter,
		RequestTimeout: cfg.Dispatch.RequestTimeout,
	})

	store, err := openCache(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}
	if store != nil {
		rt.closers = append(rt.closers, store)
	}

	var tr *tracker.SQLiteTracker
	if cfg.Tracker.Enabled {
		tr, err = tracker.New(cfg.Tracker.DBPath)
		if err != nil {
			return nil, fmt.Errorf("init tracker: %w", err)
		}
		rt.closers = append(rt.closers, tr)
	}

	var enforcer *budget.Enforcer
	if cfg.Budget.Enabled {
		enforcer = budget.New(cfg.Budget.Policies, tr)
	}

	var table *pricing.Table
	if cfg.Cost.Enabled {
		table = pricing.NewTable(cfg.Cost.Pricing)
	}

	opts := batch.Options{
		Model:               cfg.Model,
		System:              cfg.Prompt.System,
		User:                cfg.Prompt.User,
		Params:              cfg.Params,
		Tools:               cfg.Tools,
		PromptCache:         cfg.Prompt.Cache,
		Dispatcher:          d,
		Retry:               retry.New(cfg.Retry.Policy(), retry.WithOnRetry(logRetry)),
		Cache:               store,
		CacheVersion:        cfg.Cache.Version,
		CacheMaxTemperature: cfg.Cache.MaxTemperature,
		Pricing:             table,
		Metrics:             metrics.NewRecorder(rt.registry),
		Budget:              enforcer,
	}
	if tr != nil {
		opts.Tracker = tr
	}
	rt.engine, err = batch.New(opts)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func logRetry(attempt int, err error, delay time.Duration) {
	logx.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying request")
}

func newProvider(ctx context.Context, cfg *config.Config) (provider.Client, error) {
	p := cfg.Provider
	var (
		client provider.Client
		err    error
	)
	switch p.Type {
	case config.ProviderOpenAI:
		client, err = openai.New(openai.Config{BaseURL: p.BaseURL, APIKey: p.APIKey, Headers: p.Headers, HTTPClient: http.DefaultClient})
	case config.ProviderAnthropic:
		client, err = anthropic.New(anthropic.Config{BaseURL: p.BaseURL, APIKey: p.APIKey, Headers: p.Headers, HTTPClient: http.DefaultClient})
	case config.ProviderGemini:
		client, err = gemini.New(ctx, gemini.Config{BaseURL: p.BaseURL, APIKey: p.APIKey, Headers: p.Headers})
	case config.ProviderMock:
		return mock.New(mock.Options{}), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Breaker.Enabled {
		return client, nil
	}
	return provider.WithBreaker(client, provider.BreakerSettings{
		Name:                p.Type,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logx.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}), nil
}

// cacheStore is a cache backend that also supports inspection.
type cacheStore interface {
	cache.Store
	cache.Inspector
}

// openCache returns nil when caching is disabled.
func openCache(ctx context.Context, cfg *config.Config, rdb *goredis.Client) (cacheStore, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	switch cfg.Cache.Backend {
	case config.CacheSQLite:
		c, err := sqlitecache.New(cfg.Cache.Path, cfg.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
		return c, nil
	case config.CacheMemory:
		return cache.NewMemory(cfg.Cache.TTL), nil
	case config.CacheRedis:
		if rdb == nil {
			var err error
			if rdb, err = redisx.New(ctx, redisx.Config{URL: cfg.Redis.URL}); err != nil {
				return nil, err
			}
			return &ownedRedisCache{Cache: rediscache.New(rdb, cfg.Cache.TTL), rdb: rdb}, nil
		}
		return rediscache.New(rdb, cfg.Cache.TTL), nil
	default:
		return nil, errors.New("unknown cache backend " + cfg.Cache.Backend)
	}
}

// ownedRedisCache closes a client opened only for the cache.
type ownedRedisCache struct {
	*rediscache.Cache
	rdb *goredis.Client
}

func (c *ownedRedisCache) Close() error {
	return c.rdb.Close()
}
