package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/avatar/pkg/adapters/backend"
)

type BackendConfig struct {
	ResponseText string
	StreamChunks []string
	// Err makes Send fail; Fallback is the text returned alongside it.
	Err      error
	Fallback string
}

// Backend answers every message with a canned reply.
type Backend struct {
	cfg BackendConfig

	mu       sync.Mutex
	requests []backend.Request
}

func NewBackend(cfg BackendConfig) *Backend {
	if cfg.ResponseText == "" && len(cfg.StreamChunks) == 0 {
		cfg.ResponseText = "mock response"
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "mock_backend" }

func (b *Backend) Send(ctx context.Context, req backend.Request) (backend.Reply, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	if b.cfg.Err != nil {
		return backend.TextReply(b.cfg.Fallback), b.cfg.Err
	}
	if len(b.cfg.StreamChunks) == 0 {
		return backend.TextReply(b.cfg.ResponseText), nil
	}
	out := make(chan backend.Chunk, len(b.cfg.StreamChunks))
	for _, chunk := range b.cfg.StreamChunks {
		out <- backend.Chunk{Text: chunk}
	}
	close(out)
	return backend.Reply{Stream: out}, nil
}

// Requests returns every request received so far.
func (b *Backend) Requests() []backend.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.Request, len(b.requests))
	copy(out, b.requests)
	return out
}

var _ backend.Backend = (*Backend)(nil)
