package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/provider"
)

var (
	_ provider.Client   = (*Client)(nil)
	_ provider.Streamer = (*Client)(nil)
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Config{APIKey: "g-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSend(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.0-flash:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"candidates":[{"content":{"role":"model","parts":[{"text":"Ciao"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":30,"candidatesTokenCount":2,"cachedContentTokenCount":10},
			"modelVersion":"gemini-2.0-flash-001"
		}`)
	})

	temp := 0.2
	resp, err := c.Send(context.Background(), models.Request{
		Model:  "gemini-2.0-flash",
		System: "Translate to Italian.",
		User:   "Hello",
		Params: models.Params{Temperature: &temp, MaxTokens: 10},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := body["systemInstruction"]; !ok {
		t.Error("expected systemInstruction in request")
	}
	if resp.Text != "Ciao" || resp.FinishReason != "STOP" {
		t.Errorf("unexpected response %+v", resp)
	}
	want := models.TokenUsage{InputTokens: 20, OutputTokens: 2, CacheReadTokens: 10}
	if resp.Usage != want {
		t.Errorf("usage = %+v, want %+v", resp.Usage, want)
	}
}

func TestSendRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	})
	_, err := c.Send(context.Background(), models.Request{Model: "gemini-2.0-flash", User: "x"})
	var pe *provider.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *provider.Error, got %v", err)
	}
	if pe.Kind != provider.KindRateLimit {
		t.Errorf("expected rate limit, got %v", pe.Kind)
	}
}
