package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a provider failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindRequest
	KindContentPolicy
	KindRateLimit
	KindTransient
	KindTimeout
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindAuth:          "auth",
	KindRequest:       "request",
	KindContentPolicy: "content_policy",
	KindRateLimit:     "rate_limit",
	KindTransient:     "transient",
	KindTimeout:       "timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Retryable reports whether failures of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTransient, KindTimeout:
		return true
	}
	return false
}

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("provider ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return KindUnknown, false
}

// KindForStatus maps an HTTP status to a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindRequest
	}
	return KindUnknown
}

var contentPolicyCodes = []string{"content_policy", "content_filter", "safety", "moderation"}

func isContentPolicy(fields ...string) bool {
	for _, f := range fields {
		f = strings.ToLower(f)
		for _, c := range contentPolicyCodes {
			if strings.Contains(f, c) {
				return true
			}
		}
	}
	return false
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. It returns 0 when absent or unparsable.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// ParseAPIError builds an *Error from a failed HTTP response. Both the
// OpenAI and Anthropic error envelopes ({"error": {"message", "type"}})
// are understood.
func ParseAPIError(resp *http.Response) error {
	pe := &Error{
		Kind:       KindForStatus(resp.StatusCode),
		Status:     resp.StatusCode,
		RetryAfter: ParseRetryAfter(resp.Header, time.Now()),
	}
	// Anthropic reports overload with a non-standard 529.
	if resp.StatusCode == 529 {
		pe.Kind = KindTransient
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		pe.Message = "failed to read error body"
		pe.Err = err
		return pe
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		pe.Message = apiErr.Error.Message
		code := ""
		if apiErr.Error.Code != nil {
			code = fmt.Sprint(apiErr.Error.Code)
		}
		if pe.Kind == KindRequest && isContentPolicy(apiErr.Error.Type, code) {
			pe.Kind = KindContentPolicy
		}
		if apiErr.Error.Type == "overloaded_error" {
			pe.Kind = KindTransient
		}
		return pe
	}

	pe.Message = strings.TrimSpace(string(body))
	return pe
}

// TransportError classifies an error returned by http.Client.Do. Context
// errors are returned unchanged so callers can tell cancellation from a
// per-attempt timeout.
func TransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Kind: KindTransient, Message: "request failed", Err: err}
}
