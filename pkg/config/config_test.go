package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/llmbatch/pkg/models"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Model = "gpt-4o"
	cfg.Provider.APIKey = "sk-test"
	cfg.Prompt.User = "Summarize: {text}"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Dispatch.MaxConcurrency != 4 {
		t.Errorf("expected 4, got %d", cfg.Dispatch.MaxConcurrency)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.Growth != 2 {
		t.Errorf("unexpected retry defaults %+v", cfg.Retry)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Backend != CacheSQLite {
		t.Errorf("unexpected cache defaults %+v", cfg.Cache)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	content := `
model: claude-sonnet-4
provider:
  type: anthropic
  api_key: ${TEST_API_KEY}
prompt:
  system: "You are a classifier."
  user: "Classify: {review}"
  cache: true
params:
  temperature: 0
  max_tokens: 256
cache:
  enabled: true
  backend: memory
  ttl: 30m
  max_temperature: 0.5
dispatch:
  max_concurrency: 8
  min_delay: 250ms
retry:
  max_attempts: 6
  base_delay: 1s
  growth: 3
  max_delay: 1m
cost:
  enabled: true
  pricing:
    - model: claude-sonnet-4
      input_per_m: 3
      output_per_m: 15
      cache_read_per_m: 0.3
tracker:
  enabled: true
budget:
  enabled: true
  policies:
    - model: claude-sonnet-4
      max_tokens: 500000
      period: daily
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.Provider.APIKey != "sk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Provider.APIKey)
	}
	if cfg.Params.Temperature == nil || *cfg.Params.Temperature != 0 {
		t.Error("explicit zero temperature should be kept")
	}
	if cfg.Cache.TTL != 30*time.Minute || *cfg.Cache.MaxTemperature != 0.5 {
		t.Errorf("unexpected cache %+v", cfg.Cache)
	}
	if cfg.Cache.Version != "v1" {
		t.Error("defaults should survive partial sections")
	}
	if cfg.Dispatch.MinDelay != 250*time.Millisecond || cfg.Dispatch.RequestTimeout != 2*time.Minute {
		t.Errorf("unexpected dispatch %+v", cfg.Dispatch)
	}
	p := cfg.Retry.Policy()
	if p.MaxAttempts != 6 || p.BaseDelay != time.Second || p.Growth != 3 || p.MaxDelay != time.Minute {
		t.Errorf("unexpected policy %+v", p)
	}
	if len(cfg.Cost.Pricing) != 1 || cfg.Cost.Pricing[0].CacheReadPerM != 0.3 {
		t.Errorf("unexpected pricing %+v", cfg.Cost.Pricing)
	}
	if cfg.Budget.Policies[0].Period != models.BudgetDaily {
		t.Errorf("unexpected budget %+v", cfg.Budget)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("model: [unclosed"), 0644)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LLMBATCH_API_KEY", "sk-env")
	t.Setenv("LLMBATCH_REDIS_URL", "redis://localhost:6379/1")

	cfg := validConfig()
	cfg.Model = "from-file"
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.APIKey != "sk-env" || cfg.Redis.URL != "redis://localhost:6379/1" {
		t.Errorf("env not applied: %+v %+v", cfg.Provider, cfg.Redis)
	}
	if cfg.Model != "from-file" {
		t.Error("unset env vars must not override")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no model", func(c *Config) { c.Model = "" }, "model"},
		{"unknown provider", func(c *Config) { c.Provider.Type = "cohere" }, "provider.type"},
		{"missing key", func(c *Config) { c.Provider.APIKey = "" }, "api_key"},
		{"bad base url", func(c *Config) { c.Provider.BaseURL = "ftp://x" }, "base_url"},
		{"bad header", func(c *Config) { c.Provider.Headers = map[string]string{"X Bad": "1"} }, "header"},
		{"no user prompt", func(c *Config) { c.Prompt.User = "" }, "prompt.user"},
		{"malformed prompt", func(c *Config) { c.Prompt.User = "{text" }, "prompt.user"},
		{"malformed system", func(c *Config) { c.Prompt.System = "}" }, "prompt.system"},
		{"temperature", func(c *Config) { v := 3.0; c.Params.Temperature = &v }, "temperature"},
		{"cache backend", func(c *Config) { c.Cache.Backend = "disk" }, "cache.backend"},
		{"redis cache without url", func(c *Config) { c.Cache.Backend = CacheRedis }, "redis.url"},
		{"concurrency", func(c *Config) { c.Dispatch.MaxConcurrency = 0 }, "max_concurrency"},
		{"distributed without redis", func(c *Config) {
			c.Dispatch.Distributed = true
			c.Dispatch.MinDelay = time.Second
		}, "redis.url"},
		{"attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"growth", func(c *Config) { c.Retry.Growth = 0.5 }, "growth"},
		{"max delay", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "max_delay"},
		{"negative price", func(c *Config) {
			c.Cost.Pricing = []models.ModelPricing{{Model: "m", InputPerM: -1}}
		}, "negative"},
		{"budget without tracker", func(c *Config) { c.Budget.Enabled = true }, "tracker"},
		{"budget period", func(c *Config) {
			c.Tracker.Enabled = true
			c.Budget.Enabled = true
			c.Budget.Policies = []models.BudgetPolicy{{MaxTokens: 10, Period: "weekly"}}
		}, "period"},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: expected %q in %q", tc.name, tc.want, err.Error())
		}
	}
}

func TestValidateMockNeedsNoKey(t *testing.T) {
	cfg := validConfig()
	cfg.Provider = ProviderConfig{Type: ProviderMock}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected mock provider to validate, got %v", err)
	}
}
