// Package provider defines the boundary between the engine and an LLM API,
// and the error taxonomy shared by all provider clients.
package provider

import (
	"context"
	"errors"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// ErrUnsupportedOperation indicates the client cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// Client performs one complete request.
type Client interface {
	Send(ctx context.Context, req models.Request) (*models.Response, error)
}

// Streamer opens an incremental response.
type Streamer interface {
	Stream(ctx context.Context, req models.Request) (Stream, error)
}

// Stream yields chunks until Next returns io.EOF. Close must be called
// exactly once and releases the underlying connection.
type Stream interface {
	Next() (models.Chunk, error)
	Close() error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req models.Request) (*models.Response, error)

// Send implements Client.
func (f ClientFunc) Send(ctx context.Context, req models.Request) (*models.Response, error) {
	return f(ctx, req)
}
