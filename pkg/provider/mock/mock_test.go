package mock

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/provider"
)

func TestSendEcho(t *testing.T) {
	c := New(Options{})
	resp, err := c.Send(context.Background(), models.Request{Model: "m", User: "hello world"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "MOCK: hello world" {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if c.Calls() != 1 {
		t.Errorf("expected 1 call, got %d", c.Calls())
	}
}

func TestPromptCacheUsage(t *testing.T) {
	c := New(Options{Reply: func(models.Request) string { return "ok" }})
	resp, _ := c.Send(context.Background(), models.Request{System: "12345678", User: "abcd", PromptCache: true})
	if resp.Usage.CacheReadTokens != 2 || resp.Usage.InputTokens != 1 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestFailNext(t *testing.T) {
	boom := &provider.Error{Kind: provider.KindTransient}
	c := New(Options{}).FailNext(boom)

	if _, err := c.Send(context.Background(), models.Request{}); !errors.Is(err, boom) {
		t.Errorf("expected scripted error, got %v", err)
	}
	if _, err := c.Send(context.Background(), models.Request{}); err != nil {
		t.Errorf("expected success after script, got %v", err)
	}
}

func TestLatencyHonorsCancel(t *testing.T) {
	c := New(Options{Latency: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Send(ctx, models.Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStream(t *testing.T) {
	c := New(Options{Reply: func(models.Request) string { return "a b c" }})
	s, err := c.Stream(context.Background(), models.Request{User: "x"})
	if err != nil {
		t.Fatal(err)
	}
	var text string
	var usage *models.TokenUsage
	for {
		ch, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		text += ch.Text
		if ch.Usage != nil {
			usage = ch.Usage
		}
	}
	_ = s.Close()
	_ = s.Close()
	if text != "a b c" || usage == nil {
		t.Errorf("unexpected stream %q %v", text, usage)
	}
	if c.inFlight.Load() != 0 {
		t.Errorf("stream slot not released")
	}
}
