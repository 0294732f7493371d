// Package gemini is a provider client for the Gemini API built on the
// google.golang.org/genai SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/pario-ai/llmbatch/pkg/models"
	"github.com/pario-ai/llmbatch/pkg/provider"
)

// Config configures a Client.
type Config struct {
	APIKey     string
	BaseURL    string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Client sends requests through a genai.Client.
type Client struct {
	models *genai.Models
}

// New creates a Client for the Gemini API backend.
func New(ctx context.Context, cfg Config) (*Client, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	if len(cfg.Headers) > 0 {
		clientCfg.HTTPOptions.Headers = http.Header{}
		for k, v := range cfg.Headers {
			clientCfg.HTTPOptions.Headers.Set(k, v)
		}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{models: client.Models}, nil
}

func buildConfig(req models.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		StopSequences: req.Params.Stop,
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if t := req.Params.Temperature; t != nil {
		cfg.Temperature = genai.Ptr(float32(*t))
	}
	if p := req.Params.TopP; p != nil {
		cfg.TopP = genai.Ptr(float32(*p))
	}
	if req.Params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Params.MaxTokens)
	}
	if s := req.Params.Seed; s != nil {
		cfg.Seed = genai.Ptr(int32(*s))
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if t.Parameters != nil {
				decl.ParametersJsonSchema = t.Parameters
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func toUsage(u *genai.GenerateContentResponseUsageMetadata) models.TokenUsage {
	if u == nil {
		return models.TokenUsage{}
	}
	return models.TokenUsage{
		InputTokens:     int(u.PromptTokenCount - u.CachedContentTokenCount),
		OutputTokens:    int(u.CandidatesTokenCount),
		CacheReadTokens: int(u.CachedContentTokenCount),
	}
}

func finishReason(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	return string(resp.Candidates[0].FinishReason)
}

// Send implements provider.Client.
func (c *Client) Send(ctx context.Context, req models.Request) (*models.Response, error) {
	resp, err := c.models.GenerateContent(ctx, req.Model, genai.Text(req.User), buildConfig(req))
	if err != nil {
		return nil, classify(err)
	}

	fr := finishReason(resp)
	if fr == string(genai.FinishReasonSafety) && resp.Text() == "" {
		return nil, &provider.Error{Kind: provider.KindContentPolicy, Message: "response blocked by safety filter"}
	}

	out := &models.Response{
		Text:         resp.Text(),
		FinishReason: fr,
		Usage:        toUsage(resp.UsageMetadata),
		Model:        resp.ModelVersion,
	}
	for _, fc := range resp.FunctionCalls() {
		args, _ := json.Marshal(fc.Args)
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: string(args)})
	}
	return out, nil
}

// Stream implements provider.Streamer.
func (c *Client) Stream(ctx context.Context, req models.Request) (provider.Stream, error) {
	seq := c.models.GenerateContentStream(ctx, req.Model, genai.Text(req.User), buildConfig(req))
	next, stop := iter.Pull2(seq)
	return &stream{next: next, stop: stop}, nil
}

type stream struct {
	next  func() (*genai.GenerateContentResponse, error, bool)
	stop  func()
	usage *models.TokenUsage
	done  bool
}

// Next implements provider.Stream. Usage is reported cumulatively by the
// API and emitted once, after the last response.
func (s *stream) Next() (models.Chunk, error) {
	for {
		if s.done {
			return models.Chunk{}, io.EOF
		}
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			if s.usage != nil {
				return models.Chunk{Usage: s.usage}, nil
			}
			return models.Chunk{}, io.EOF
		}
		if err != nil {
			s.done = true
			return models.Chunk{}, classify(err)
		}
		if resp.UsageMetadata != nil {
			u := toUsage(resp.UsageMetadata)
			s.usage = &u
		}
		chunk := models.Chunk{Text: resp.Text(), FinishReason: finishReason(resp)}
		if chunk.Text == "" && chunk.FinishReason == "" {
			continue
		}
		return chunk, nil
	}
}

// Close implements provider.Stream.
func (s *stream) Close() error {
	s.done = true
	s.stop()
	return nil
}

// classify maps genai errors onto provider errors.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var p *genai.APIError
		if !errors.As(err, &p) || p == nil {
			return provider.TransportError(err)
		}
		apiErr = *p
	}
	pe := &provider.Error{
		Kind:    provider.KindForStatus(apiErr.Code),
		Status:  apiErr.Code,
		Message: apiErr.Message,
		Err:     err,
	}
	if pe.Kind == provider.KindRequest && strings.Contains(strings.ToLower(apiErr.Message), "safety") {
		pe.Kind = provider.KindContentPolicy
	}
	return pe
}
