package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/retry"
	"github.com/pario-ai/llmbatch/pkg/template"
)

// Provider types.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderMock      = "mock"
)

// Cache backends.
const (
	CacheSQLite = "sqlite"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all llmbatch configuration.
type Config struct {
	Model    string         `yaml:"model"`
	Provider ProviderConfig `yaml:"provider"`
	Prompt   PromptConfig   `yaml:"prompt"`
	Params   models.Params  `yaml:"params"`
	Tools    []models.Tool  `yaml:"tools"`
	Stream   bool           `yaml:"stream"`
	Cache    CacheConfig    `yaml:"cache"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Retry    RetryConfig    `yaml:"retry"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Cost     CostConfig     `yaml:"cost"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Budget   BudgetConfig   `yaml:"budget"`
	Redis    RedisConfig    `yaml:"redis"`
	Output   OutputConfig   `yaml:"output"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ProviderConfig defines the upstream LLM API.
// Type is "openai" (default), "anthropic", "gemini" or "mock".
type ProviderConfig struct {
	Type    string            `yaml:"type"`
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Headers map[string]string `yaml:"headers"`
}

// PromptConfig holds the prompt templates.
type PromptConfig struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
	// Cache asks the provider to cache the system prompt.
	Cache bool `yaml:"cache"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Backend string        `yaml:"backend"`
	Path    string        `yaml:"path"`
	TTL     time.Duration `yaml:"ttl"`
	// Version is folded into every cache key; bump it to invalidate.
	Version string `yaml:"version"`
	// MaxTemperature disables caching for requests sampled above it.
	MaxTemperature *float64 `yaml:"max_temperature"`
}

// DispatchConfig controls concurrency and pacing.
type DispatchConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	MinDelay       time.Duration `yaml:"min_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Distributed shares MinDelay across processes through Redis.
	Distributed bool   `yaml:"distributed"`
	LimiterKey  string `yaml:"limiter_key"`
}

// RetryConfig controls backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Growth      float64       `yaml:"growth"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Policy converts the section to a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		Growth:      r.Growth,
		MaxDelay:    r.MaxDelay,
	}
}

// BreakerConfig controls the provider circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// CostConfig controls cost estimation.
type CostConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Pricing []models.ModelPricing `yaml:"pricing"`
}

// TrackerConfig controls the usage ledger.
type TrackerConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// BudgetConfig controls budget enforcement. It requires the tracker.
type BudgetConfig struct {
	Enabled  bool                  `yaml:"enabled"`
	Policies []models.BudgetPolicy `yaml:"policies"`
}

// RedisConfig is shared by the redis cache backend and distributed limiter.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// OutputConfig shapes output rows.
type OutputConfig struct {
	Field     string `yaml:"field"`
	WithUsage bool   `yaml:"with_usage"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{Type: ProviderOpenAI},
		Cache: CacheConfig{
			Enabled: true,
			Backend: CacheSQLite,
			Path:    "llmbatch-cache.db",
			Version: "v1",
		},
		Dispatch: DispatchConfig{
			MaxConcurrency: 4,
			RequestTimeout: 2 * time.Minute,
			LimiterKey:     "default",
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   500 * time.Millisecond,
			Growth:      2,
			MaxDelay:    30 * time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
		},
		Cost:    CostConfig{Enabled: true},
		Tracker: TrackerConfig{DBPath: "llmbatch.db"},
		Output:  OutputConfig{Field: "response"},
		Log:     LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Env holds secrets and overrides read from LLMBATCH_* variables.
type Env struct {
	APIKey   string `envconfig:"API_KEY"`
	BaseURL  string `envconfig:"BASE_URL"`
	Model    string `envconfig:"MODEL"`
	RedisURL string `envconfig:"REDIS_URL"`
	LogLevel string `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overlays non-empty LLMBATCH_* variables onto the config.
func (c *Config) ApplyEnv() error {
	var env Env
	if err := envconfig.Process("llmbatch", &env); err != nil {
		return fmt.Errorf("process env: %w", err)
	}
	overlay(&c.Provider.APIKey, env.APIKey)
	overlay(&c.Provider.BaseURL, env.BaseURL)
	overlay(&c.Model, env.Model)
	overlay(&c.Redis.URL, env.RedisURL)
	overlay(&c.Log.Level, env.LogLevel)
	return nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate performs strict sanity checks on the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("model must be set")
	}
	if err := c.validateProvider(); err != nil {
		return err
	}
	if err := c.validatePrompt(); err != nil {
		return err
	}
	if t := c.Params.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("params.temperature must be within [0, 2], got %v", *t)
	}
	if p := c.Params.TopP; p != nil && (*p < 0 || *p > 1) {
		return fmt.Errorf("params.top_p must be within [0, 1], got %v", *p)
	}
	if c.Params.MaxTokens < 0 {
		return fmt.Errorf("params.max_tokens must not be negative, got %d", c.Params.MaxTokens)
	}
	for _, tool := range c.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			return errors.New("tools: name must not be empty")
		}
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateCost(); err != nil {
		return err
	}
	return c.validateBudget()
}

func (c *Config) validateProvider() error {
	p := c.Provider
	switch p.Type {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		if strings.TrimSpace(p.APIKey) == "" {
			return fmt.Errorf("provider %s: api_key must be provided", p.Type)
		}
	case ProviderMock:
	default:
		return fmt.Errorf("provider.type %q must be one of %s, %s, %s or %s",
			p.Type, ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderMock)
	}
	if p.BaseURL != "" {
		u, err := url.Parse(p.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("provider %s: base_url %q must be an http(s) URL", p.Type, p.BaseURL)
		}
	}
	for key := range p.Headers {
		if !isCanonicalHTTPHeader(key) {
			return fmt.Errorf("provider %s: header %q is not a valid HTTP header name", p.Type, key)
		}
	}
	return nil
}

func (c *Config) validatePrompt() error {
	if strings.TrimSpace(c.Prompt.User) == "" {
		return errors.New("prompt.user must be set")
	}
	if _, err := template.Parse(c.Prompt.User); err != nil {
		return fmt.Errorf("prompt.user: %w", err)
	}
	if _, err := template.Parse(c.Prompt.System); err != nil {
		return fmt.Errorf("prompt.system: %w", err)
	}
	return nil
}

func (c *Config) validateCache() error {
	if !c.Cache.Enabled {
		return nil
	}
	switch c.Cache.Backend {
	case CacheSQLite:
		if c.Cache.Path == "" {
			return errors.New("cache.path must be set for the sqlite backend")
		}
	case CacheMemory:
	case CacheRedis:
		if c.Redis.URL == "" {
			return errors.New("redis.url must be set for the redis cache backend")
		}
	default:
		return fmt.Errorf("cache.backend %q must be one of %s, %s or %s", c.Cache.Backend, CacheSQLite, CacheMemory, CacheRedis)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %v", c.Cache.TTL)
	}
	return nil
}

func (c *Config) validateDispatch() error {
	d := c.Dispatch
	if d.MaxConcurrency <= 0 {
		return fmt.Errorf("dispatch.max_concurrency must be positive, got %d", d.MaxConcurrency)
	}
	if d.MinDelay < 0 || d.RequestTimeout < 0 {
		return errors.New("dispatch delays must not be negative")
	}
	if d.Distributed {
		if c.Redis.URL == "" {
			return errors.New("redis.url must be set for the distributed limiter")
		}
		if d.MinDelay == 0 {
			return errors.New("dispatch.min_delay must be set for the distributed limiter")
		}
	}
	return nil
}

func (c *Config) validateRetry() error {
	r := c.Retry
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", r.MaxAttempts)
	}
	if r.Growth < 1 {
		return fmt.Errorf("retry.growth must be at least 1, got %v", r.Growth)
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		return errors.New("retry delays must not be negative")
	}
	if r.MaxDelay > 0 && r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("retry.max_delay %v is shorter than retry.base_delay %v", r.MaxDelay, r.BaseDelay)
	}
	return nil
}

func (c *Config) validateCost() error {
	for _, p := range c.Cost.Pricing {
		if strings.TrimSpace(p.Model) == "" {
			return errors.New("cost.pricing: model must not be empty")
		}
		if p.InputPerM < 0 || p.OutputPerM < 0 || p.CacheWritePerM < 0 || p.CacheReadPerM < 0 {
			return fmt.Errorf("cost.pricing %s: prices must not be negative", p.Model)
		}
	}
	return nil
}

func (c *Config) validateBudget() error {
	if !c.Budget.Enabled {
		return nil
	}
	if !c.Tracker.Enabled {
		return errors.New("budget requires tracker.enabled")
	}
	for _, p := range c.Budget.Policies {
		if p.MaxTokens <= 0 {
			return fmt.Errorf("budget policy %q: max_tokens must be positive", p.Model)
		}
		switch p.Period {
		case models.BudgetDaily, models.BudgetMonthly:
		default:
			return fmt.Errorf("budget policy %q: period %q must be daily or monthly", p.Model, p.Period)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}
	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
