// Package openai is a provider client for OpenAI-compatible chat
// completion APIs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/provider"
	"github.com/pario-ai/llmbatch/pkg/tokens"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "llmbatch/0.1"
	// DefaultBaseURL is used when Config.BaseURL is empty.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Client calls POST {base}/chat/completions.
type Client struct {
	apiKey  string
	headers map[string]string
	client  *http.Client
	chatURL string
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("openai base url %q must be http(s)", baseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  client,
		chatURL: baseURL + "/chat/completions",
	}, nil
}

// Send implements provider.Client.
func (c *Client) Send(ctx context.Context, req models.Request) (*models.Response, error) {
	httpResp, err := c.do(ctx, buildPayload(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var cr chatResponse
	if err := decodeJSON(httpResp.Body, &cr); err != nil {
		return nil, err
	}
	return cr.toResponse()
}

// Stream implements provider.Streamer.
func (c *Client) Stream(ctx context.Context, req models.Request) (provider.Stream, error) {
	httpResp, err := c.do(ctx, buildPayload(req, true))
	if err != nil {
		return nil, err
	}
	return &stream{
		body:   httpResp.Body,
		events: provider.NewEventReader(httpResp.Body),
		model:  req.Model,
		prompt: req.System + "\n" + req.User,
	}, nil
}

func (c *Client) do(ctx context.Context, payload chatPayload) (*http.Response, error) {
	httpReq, err := c.newRequest(ctx, payload)
	if err != nil {
		return nil, err
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

func (c *Client) newRequest(ctx context.Context, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindRequest, Message: "marshal payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

type chatPayload struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Seed          *int64         `json:"seed,omitempty"`
	Tools         []toolDef      `json:"tools,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []toolCallWire `json:"tool_calls,omitempty"`
}

type toolDef struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolCallWire struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func buildPayload(req models.Request, stream bool) chatPayload {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	p := chatPayload{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		Stop:        req.Params.Stop,
		Seed:        req.Params.Seed,
	}
	if req.Params.MaxTokens > 0 {
		v := req.Params.MaxTokens
		p.MaxTokens = &v
	}
	for _, t := range req.Tools {
		p.Tools = append(p.Tools, toolDef{
			Type:     "function",
			Function: functionDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if stream {
		p.Stream = true
		p.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return p
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

// toUsage splits prompt tokens into uncached input and cache reads.
func (u *usageBlock) toUsage() models.TokenUsage {
	if u == nil {
		return models.TokenUsage{}
	}
	cached := 0
	if u.PromptTokensDetails != nil {
		cached = u.PromptTokensDetails.CachedTokens
	}
	return models.TokenUsage{
		InputTokens:     u.PromptTokens - cached,
		OutputTokens:    u.CompletionTokens,
		CacheReadTokens: cached,
	}
}

func (r chatResponse) toResponse() (*models.Response, error) {
	if len(r.Choices) == 0 {
		return nil, &provider.Error{Kind: provider.KindTransient, Message: "openai response did not include choices"}
	}
	choice := r.Choices[0]
	resp := &models.Response{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        r.Usage.toUsage(),
		Model:        r.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usageBlock `json:"usage,omitempty"`
}

type stream struct {
	body   io.ReadCloser
	events *provider.EventReader
	model  string
	prompt string
	out    strings.Builder
	usage  bool
	done   bool
}

// Next implements provider.Stream. If the server never reports usage, the
// final chunk carries an estimate.
func (s *stream) Next() (models.Chunk, error) {
	for {
		if s.done {
			return models.Chunk{}, io.EOF
		}
		ev, err := s.events.Next()
		if errors.Is(err, io.EOF) || (err == nil && ev.Data == "[DONE]") {
			s.done = true
			if !s.usage {
				s.usage = true
				return models.Chunk{Usage: &models.TokenUsage{
					InputTokens:  tokens.Count(s.model, s.prompt),
					OutputTokens: tokens.Count(s.model, s.out.String()),
				}}, nil
			}
			return models.Chunk{}, io.EOF
		}
		if err != nil {
			return models.Chunk{}, provider.TransportError(err)
		}

		var sc streamChunk
		if err := json.Unmarshal([]byte(ev.Data), &sc); err != nil {
			return models.Chunk{}, &provider.Error{Kind: provider.KindTransient, Message: "decode stream chunk", Err: err}
		}

		var chunk models.Chunk
		if len(sc.Choices) > 0 {
			chunk.Text = sc.Choices[0].Delta.Content
			if fr := sc.Choices[0].FinishReason; fr != nil {
				chunk.FinishReason = *fr
			}
		}
		if sc.Usage != nil {
			u := sc.Usage.toUsage()
			chunk.Usage = &u
			s.usage = true
		}
		if chunk.Text == "" && chunk.FinishReason == "" && chunk.Usage == nil {
			continue
		}
		s.out.WriteString(chunk.Text)
		return chunk, nil
	}
}

// Close implements provider.Stream.
func (s *stream) Close() error {
	s.done = true
	return s.body.Close()
}

func decodeJSON(reader io.Reader, target any) error {
	if err := json.NewDecoder(reader).Decode(target); err != nil {
		return provider.TransportError(fmt.Errorf("decode provider response: %w", err))
	}
	return nil
}
