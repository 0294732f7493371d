package cache

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/llmbatch/pkg/models"
)

func temp(v float64) *float64 { return &v }

func baseRequest() models.Request {
	return models.Request{
		Model:  "gpt-4o",
		System: "You are terse.",
		User:   "Summarize: hello",
		Params: models.Params{Temperature: temp(0), MaxTokens: 64},
	}
}

func TestKeyDeterministic(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	if Key(a, "v1") != Key(b, "v1") {
		t.Error("identical requests should produce identical keys")
	}
	if len(Key(a, "v1")) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(Key(a, "v1")))
	}
}

func TestKeyIgnoresPromptCacheFlag(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.PromptCache = true
	if Key(a, "") != Key(b, "") {
		t.Error("prompt cache flag must not change the key")
	}
}

func TestKeyDiffers(t *testing.T) {
	base := baseRequest()
	baseKey := Key(base, "v1")

	variants := map[string]func(r *models.Request){
		"model":       func(r *models.Request) { r.Model = "gpt-4o-mini" },
		"system":      func(r *models.Request) { r.System = "You are verbose." },
		"user":        func(r *models.Request) { r.User = "Summarize: hello!" },
		"temperature": func(r *models.Request) { r.Params.Temperature = temp(0.7) },
		"unset temp":  func(r *models.Request) { r.Params.Temperature = nil },
		"max tokens":  func(r *models.Request) { r.Params.MaxTokens = 65 },
		"stop":        func(r *models.Request) { r.Params.Stop = []string{"\n"} },
		"tools": func(r *models.Request) {
			r.Tools = []models.Tool{{Name: "lookup", Parameters: map[string]any{"type": "object"}}}
		},
	}
	for name, mutate := range variants {
		r := baseRequest()
		mutate(&r)
		if Key(r, "v1") == baseKey {
			t.Errorf("%s: expected a different key", name)
		}
	}
	if Key(base, "v2") == baseKey {
		t.Error("version tag should change the key")
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	want := models.CacheEntry{
		Response: models.Response{
			Text:         "hi",
			FinishReason: "stop",
			Usage:        models.TokenUsage{InputTokens: 10, OutputTokens: 2},
		},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	stored, err := m.PutIfAbsent(ctx, "k", want)
	if err != nil || !stored {
		t.Fatalf("expected store, got stored=%v err=%v", stored, err)
	}
	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	want.Key = "k"
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}

	stored, _ = m.PutIfAbsent(ctx, "k", models.CacheEntry{Response: models.Response{Text: "other"}})
	if stored {
		t.Error("second put should not overwrite a live entry")
	}
	got, _, _ = m.Get(ctx, "k")
	if got.Response.Text != "hi" {
		t.Errorf("entry overwritten: %q", got.Response.Text)
	}
}

func TestMemoryTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _ = m.PutIfAbsent(ctx, "k", models.CacheEntry{Response: models.Response{Text: "old"}})
	now = now.Add(2 * time.Minute)

	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("expected stale entry to miss")
	}
	stored, _ := m.PutIfAbsent(ctx, "k", models.CacheEntry{Response: models.Response{Text: "new"}})
	if !stored {
		t.Error("stale entry should be replaceable")
	}

	stats, _ := m.Stats(ctx)
	if stats.Entries != 1 || stats.Misses != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestMemoryConcurrentPutIfAbsent(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stores int
		winner string
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text := string(rune('a' + i))
			ok, err := m.PutIfAbsent(ctx, "same", models.CacheEntry{Response: models.Response{Text: text}})
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				stores++
				winner = text
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if stores != 1 {
		t.Fatalf("expected exactly one store, got %d", stores)
	}
	got, _, _ := m.Get(ctx, "same")
	if got.Response.Text != winner {
		t.Errorf("expected the stored entry %q, got %q", winner, got.Response.Text)
	}
}

func TestUnavailableError(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable("get", cause)
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatal("expected *UnavailableError")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be unwrappable")
	}
	if Unavailable("get", nil) != nil {
		t.Error("nil cause should give nil error")
	}
}
