// Package mock is a deterministic provider for dry runs and tests. It
// answers every request with a reply derived from the prompt and never
// touches the network.
package mock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/provider"
	"github.com/pario-ai/llmbatch/pkg/tokens"
)

// Options configures a Client.
type Options struct {
	// Prefix is prepended to echoed prompts. Defaults to "MOCK".
	Prefix string
	// Reply overrides the echo reply.
	Reply func(req models.Request) string
	// Latency delays each call, honoring cancellation.
	Latency time.Duration
	// Count estimates tokens. Defaults to tokens.Approx.
	Count func(model, text string) int
}

// Client is a scripted provider.Client and provider.Streamer.
type Client struct {
	opts Options

	mu       sync.Mutex
	failures []error
	requests []models.Request

	calls    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Prefix == "" {
		opts.Prefix = "MOCK"
	}
	if opts.Count == nil {
		opts.Count = func(_, text string) int { return tokens.Approx(text) }
	}
	return &Client{opts: opts}
}

// FailNext queues errors returned, in order, by the next calls.
func (c *Client) FailNext(errs ...error) *Client {
	c.mu.Lock()
	c.failures = append(c.failures, errs...)
	c.mu.Unlock()
	return c
}

// Calls returns the number of Send and Stream calls made.
func (c *Client) Calls() int { return int(c.calls.Load()) }

// Peak returns the highest number of concurrent calls observed.
func (c *Client) Peak() int { return int(c.peak.Load()) }

// Requests returns a copy of every request received.
func (c *Client) Requests() []models.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Request(nil), c.requests...)
}

func (c *Client) begin(ctx context.Context, req models.Request) error {
	c.calls.Add(1)
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}

	c.mu.Lock()
	c.requests = append(c.requests, req)
	var err error
	if len(c.failures) > 0 {
		err = c.failures[0]
		c.failures = c.failures[1:]
	}
	c.mu.Unlock()

	if c.opts.Latency > 0 {
		t := time.NewTimer(c.opts.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (c *Client) reply(req models.Request) string {
	if c.opts.Reply != nil {
		return c.opts.Reply(req)
	}
	return fmt.Sprintf("%s: %s", c.opts.Prefix, req.User)
}

func (c *Client) usage(req models.Request, out string) models.TokenUsage {
	in := c.opts.Count(req.Model, req.User)
	u := models.TokenUsage{OutputTokens: c.opts.Count(req.Model, out)}
	sys := c.opts.Count(req.Model, req.System)
	if req.PromptCache {
		u.CacheReadTokens = sys
	} else {
		in += sys
	}
	u.InputTokens = in
	return u
}

// Send implements provider.Client.
func (c *Client) Send(ctx context.Context, req models.Request) (*models.Response, error) {
	defer c.inFlight.Add(-1)
	if err := c.begin(ctx, req); err != nil {
		return nil, err
	}
	text := c.reply(req)
	return &models.Response{
		Text:         text,
		FinishReason: "stop",
		Usage:        c.usage(req, text),
		Model:        req.Model,
	}, nil
}

// Stream implements provider.Streamer. The reply is split on spaces.
func (c *Client) Stream(ctx context.Context, req models.Request) (provider.Stream, error) {
	if err := c.begin(ctx, req); err != nil {
		c.inFlight.Add(-1)
		return nil, err
	}
	text := c.reply(req)
	words := strings.SplitAfter(text, " ")
	u := c.usage(req, text)
	return &stream{ctx: ctx, words: words, usage: u, release: func() { c.inFlight.Add(-1) }}, nil
}

type stream struct {
	ctx     context.Context
	words   []string
	pos     int
	usage   models.TokenUsage
	sent    bool
	release func()
	once    sync.Once
}

func (s *stream) Next() (models.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return models.Chunk{}, err
	}
	if s.pos < len(s.words) {
		w := s.words[s.pos]
		s.pos++
		return models.Chunk{Text: w}, nil
	}
	if !s.sent {
		s.sent = true
		u := s.usage
		return models.Chunk{FinishReason: "stop", Usage: &u}, nil
	}
	return models.Chunk{}, io.EOF
}

func (s *stream) Close() error {
	s.once.Do(s.release)
	return nil
}
