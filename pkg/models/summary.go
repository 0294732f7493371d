package models

import "time"

// RunSummary is the end-of-run report of a batch. Every record that reached
// the cache or the provider counts as exactly one hit or one miss. Records
// sharing a failed in-flight call count as misses.
type RunSummary struct {
	RunID          string        `json:"run_id"`
	Processed      int64         `json:"processed"`
	CacheHits      int64         `json:"cache_hits"`
	CacheMisses    int64         `json:"cache_misses"`
	Retried        int64         `json:"retried"`
	Failed         int64         `json:"failed"`
	Tokens         TokenUsage    `json:"tokens"`
	EstimatedCost  float64       `json:"estimated_cost"`
	UnknownPricing int64         `json:"unknown_pricing"`
	Duration       time.Duration `json:"duration"`
}
