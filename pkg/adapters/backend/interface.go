package backend

import (
	"context"

	"github.com/harunnryd/avatar/pkg/conversation"
)

// Backend defines the contract for a conversation service.
//
// Send never panics. On failure it returns a fallback Text reply together
// with a *errorsx.BackendError so the caller can speak the fallback and log
// the cause.
type Backend interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Send(ctx context.Context, req Request) (Reply, error)
}

// Request is one user message plus the context the service needs.
type Request struct {
	Message        string
	ConversationID string
	UserID         string
	// TurnCounter is the number of user turns so far, this one included.
	TurnCounter int
	// History is the rolling context window, oldest first.
	History []conversation.Turn
	// TotalContext is the full history length.
	TotalContext int
}

// Chunk is one streamed fragment. A chunk with Err set ends the stream.
type Chunk struct {
	Text string
	Err  error
}

// Reply is either complete Text or an incremental Stream. The stream is
// closed by the backend when the reply ends.
type Reply struct {
	Text   string
	Stream <-chan Chunk
}

// Streaming reports whether the reply arrives incrementally.
func (r Reply) Streaming() bool { return r.Stream != nil }

// TextReply wraps a complete answer.
func TextReply(text string) Reply { return Reply{Text: text} }
