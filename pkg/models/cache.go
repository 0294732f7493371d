package models

import "time"

// CacheEntry stores a cached LLM response.
type CacheEntry struct {
	Key       string    `json:"key"`
	Response  Response  `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
