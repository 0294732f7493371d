// Package anthropic is a provider client for the Anthropic Messages API,
// including prompt caching of the system prompt.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "llmbatch/0.1"
	apiVersion      = "2023-06-01"
	// DefaultBaseURL is used when Config.BaseURL is empty.
	DefaultBaseURL = "https://api.anthropic.com"
	// DefaultMaxTokens is sent when the request leaves max_tokens unset;
	// the API requires it.
	DefaultMaxTokens = 1024
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Client calls POST {base}/v1/messages.
type Client struct {
	apiKey      string
	headers     map[string]string
	client      *http.Client
	messagesURL string
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("anthropic base url %q must be http(s)", baseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		apiKey:      cfg.APIKey,
		headers:     cfg.Headers,
		client:      client,
		messagesURL: baseURL + "/v1/messages",
	}, nil
}

// Send implements provider.Client.
func (c *Client) Send(ctx context.Context, req models.Request) (*models.Response, error) {
	httpResp, err := c.do(ctx, buildPayload(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var mr messageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&mr); err != nil {
		return nil, provider.TransportError(fmt.Errorf("decode provider response: %w", err))
	}
	return mr.toResponse(), nil
}

// Stream implements provider.Streamer.
func (c *Client) Stream(ctx context.Context, req models.Request) (provider.Stream, error) {
	httpResp, err := c.do(ctx, buildPayload(req, true))
	if err != nil {
		return nil, err
	}
	return &stream{body: httpResp.Body, events: provider.NewEventReader(httpResp.Body)}, nil
}

func (c *Client) do(ctx context.Context, payload messagePayload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindRequest, Message: "marshal payload", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("anthropic-version", apiVersion)
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(err)
	}
	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, provider.ParseAPIError(httpResp)
	}
	return httpResp, nil
}

type cacheControl struct {
	Type string `json:"type"`
}

type textBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type messagePayload struct {
	Model         string      `json:"model"`
	System        []textBlock `json:"system,omitempty"`
	Messages      []message   `json:"messages"`
	MaxTokens     int         `json:"max_tokens"`
	Temperature   *float64    `json:"temperature,omitempty"`
	TopP          *float64    `json:"top_p,omitempty"`
	StopSequences []string    `json:"stop_sequences,omitempty"`
	Tools         []toolDef   `json:"tools,omitempty"`
	Stream        bool        `json:"stream,omitempty"`
}

func buildPayload(req models.Request, stream bool) messagePayload {
	p := messagePayload{
		Model:         req.Model,
		Messages:      []message{{Role: "user", Content: req.User}},
		MaxTokens:     req.Params.MaxTokens,
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		StopSequences: req.Params.Stop,
		Stream:        stream,
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	if req.System != "" {
		block := textBlock{Type: "text", Text: req.System}
		if req.PromptCache {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		p.System = []textBlock{block}
	}
	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		p.Tools = append(p.Tools, toolDef{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return p
}

type usageBlock struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u usageBlock) toUsage() models.TokenUsage {
	return models.TokenUsage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
	}
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usageBlock     `json:"usage"`
}

func (r messageResponse) toResponse() *models.Response {
	resp := &models.Response{
		FinishReason: r.StopReason,
		Usage:        r.Usage.toUsage(),
		Model:        r.Model,
	}
	var text strings.Builder
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	resp.Text = text.String()
	return resp
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string     `json:"model"`
		Usage usageBlock `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *usageBlock `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// stream accumulates usage across message_start (input and cache tokens)
// and message_delta (output tokens), emitting it on message_stop.
type stream struct {
	body   io.ReadCloser
	events *provider.EventReader
	usage  models.TokenUsage
	stop   string
	done   bool
}

func (s *stream) Next() (models.Chunk, error) {
	for {
		if s.done {
			return models.Chunk{}, io.EOF
		}
		ev, err := s.events.Next()
		if err == io.EOF {
			s.done = true
			return models.Chunk{}, &provider.Error{Kind: provider.KindTransient, Message: "stream ended before message_stop"}
		}
		if err != nil {
			return models.Chunk{}, provider.TransportError(err)
		}

		var se streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
			return models.Chunk{}, &provider.Error{Kind: provider.KindTransient, Message: "decode stream event", Err: err}
		}

		switch se.Type {
		case "message_start":
			if se.Message != nil {
				s.usage = se.Message.Usage.toUsage()
			}
		case "content_block_delta":
			if se.Delta != nil && se.Delta.Type == "text_delta" && se.Delta.Text != "" {
				return models.Chunk{Text: se.Delta.Text}, nil
			}
		case "message_delta":
			if se.Delta != nil && se.Delta.StopReason != "" {
				s.stop = se.Delta.StopReason
			}
			if se.Usage != nil {
				s.usage.OutputTokens = se.Usage.OutputTokens
			}
		case "message_stop":
			s.done = true
			u := s.usage
			return models.Chunk{FinishReason: s.stop, Usage: &u}, nil
		case "error":
			s.done = true
			pe := &provider.Error{Kind: provider.KindTransient}
			if se.Error != nil {
				pe.Message = se.Error.Message
				if se.Error.Type == "rate_limit_error" {
					pe.Kind = provider.KindRateLimit
				}
			}
			return models.Chunk{}, pe
		}
	}
}

func (s *stream) Close() error {
	s.done = true
	return s.body.Close()
}
