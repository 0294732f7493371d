// Package cache defines the response cache used to memoize identical
// requests, the key derivation, and an in-memory backend.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// Store is a durable key/response map. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the entry for key. A missing or stale entry is reported
	// as ok=false with a nil error.
	Get(ctx context.Context, key string) (entry models.CacheEntry, ok bool, err error)
	// PutIfAbsent stores entry unless a live entry already exists for key.
	// It reports whether entry was written.
	PutIfAbsent(ctx context.Context, key string, entry models.CacheEntry) (stored bool, err error)
	// Close releases resources.
	Close() error
}

// Inspector is implemented by stores that can report and prune their contents.
type Inspector interface {
	Stats(ctx context.Context) (models.CacheStats, error)
	Clear(ctx context.Context, expiredOnly bool) error
}

// UnavailableError reports that the backing store could not be reached or
// returned an unusable value. Callers treat it as a miss.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("cache unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as an *UnavailableError, or returns nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}

// keyMaterial is the canonical form hashed into a key. Field order is fixed
// by the struct, and maps inside tool schemas are sorted by encoding/json.
type keyMaterial struct {
	Version string        `json:"v"`
	Model   string        `json:"model"`
	System  string        `json:"system"`
	User    string        `json:"user"`
	Params  models.Params `json:"params"`
	Tools   []models.Tool `json:"tools"`
}

// Key derives the cache key for req: the hex SHA-256 of every field that can
// change the output. PromptCache only affects billing and is excluded.
func Key(req models.Request, version string) string {
	m := keyMaterial{
		Version: version,
		Model:   req.Model,
		System:  req.System,
		User:    req.User,
		Params:  req.Params,
		Tools:   req.Tools,
	}
	if len(m.Tools) == 0 {
		m.Tools = nil
	}
	if len(m.Params.Stop) == 0 {
		m.Params.Stop = nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		// Only reachable with unencodable tool schema values; fall back to
		// their printed form so the function stays total.
		data = fmt.Appendf(nil, "%#v", m)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
