package models

// ModelPricing defines per-1M token costs in USD for a model.
// A zero CacheWritePerM falls back to InputPerM and a zero CacheReadPerM to
// 10% of InputPerM.
type ModelPricing struct {
	Model          string  `json:"model" yaml:"model"`
	InputPerM      float64 `json:"input_per_m" yaml:"input_per_m"`
	OutputPerM     float64 `json:"output_per_m" yaml:"output_per_m"`
	CacheWritePerM float64 `json:"cache_write_per_m,omitempty" yaml:"cache_write_per_m"`
	CacheReadPerM  float64 `json:"cache_read_per_m,omitempty" yaml:"cache_read_per_m"`
}

// CostReport is an aggregated cost row grouped by run and model.
type CostReport struct {
	RunID         string     `json:"run_id"`
	Model         string     `json:"model"`
	RequestCount  int        `json:"request_count"`
	CacheHits     int        `json:"cache_hits"`
	Usage         TokenUsage `json:"usage"`
	EstimatedCost float64    `json:"estimated_cost"`
	CostKnown     bool       `json:"cost_known"`
}
