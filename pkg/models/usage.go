package models

import "time"

// UsageRecord is one ledger row: the accounting for one output record.
type UsageRecord struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	RecordIndex int        `json:"record_index"`
	Model       string     `json:"model"`
	CacheKey    string     `json:"cache_key,omitempty"`
	Usage       TokenUsage `json:"usage"`
	Cost        float64    `json:"cost"`
	CacheHit    bool       `json:"cache_hit"`
	Attempts    int        `json:"attempts"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// UsageSummary aggregates ledger rows per run and model.
type UsageSummary struct {
	RunID        string     `json:"run_id"`
	Model        string     `json:"model"`
	RequestCount int        `json:"request_count"`
	CacheHits    int        `json:"cache_hits"`
	Failed       int        `json:"failed"`
	Usage        TokenUsage `json:"usage"`
	Cost         float64    `json:"cost"`
}

// Run describes one batch run in the ledger.
type Run struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	StartedAt time.Time `json:"started_at"`
	Records   int       `json:"records"`
	Cost      float64   `json:"cost"`
}
