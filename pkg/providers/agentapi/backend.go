package agentapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/harunnryd/avatar/pkg/adapters/backend"
	"github.com/harunnryd/avatar/pkg/conversation"
	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/resilience"
)

type Config struct {
	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"`
	TimeoutMS int               `mapstructure:"timeout_ms"`
	MaxTokens int               `mapstructure:"max_tokens"`
	Stream    *bool             `mapstructure:"stream"`
}

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxTokens = 1000
	maxLineBytes     = 1 << 20
)

// Backend posts each message to a conversational agent endpoint. Streamed
// replies are newline-delimited JSON documents, one text fragment each.
type Backend struct {
	url       string
	client    *resty.Client
	timeout   time.Duration
	maxTokens int
	stream    bool
	fallbacks conversation.FallbackMessages
	logger    *slog.Logger
}

func New(cfg Config, fallbacks conversation.FallbackMessages) (*Backend, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("agentapi: url is required")
	}
	timeout := DefaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	stream := true
	if cfg.Stream != nil {
		stream = *cfg.Stream
	}
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeaders(cfg.Headers)
	return &Backend{
		url:       cfg.URL,
		client:    client,
		timeout:   timeout,
		maxTokens: cfg.MaxTokens,
		stream:    stream,
		fallbacks: fallbacks.WithDefaults(),
		logger:    logging.NewComponentLogger(slog.Default(), "agent_api"),
	}, nil
}

func (b *Backend) Name() string { return "agent_api" }

func (b *Backend) Send(ctx context.Context, req backend.Request) (backend.Reply, error) {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	r := b.client.R().
		SetContext(cctx).
		SetBody(buildPayload(req, b.maxTokens))
	if b.stream {
		r.SetDoNotParseResponse(true)
	}
	resp, err := r.Post(b.url)
	if err != nil {
		cancel()
		return b.fail(cctx, 0, err)
	}
	if resp.IsError() {
		if b.stream && resp.RawBody() != nil {
			_ = resp.RawBody().Close()
		}
		cancel()
		err := fmt.Errorf("HTTP error: %d", resp.StatusCode())
		if resp.StatusCode() == http.StatusTooManyRequests {
			err = resilience.RateLimitError{
				Provider:   b.Name(),
				Message:    err.Error(),
				RetryAfter: resilience.ParseRetryAfter(resp.Header().Get("Retry-After"), time.Now()),
			}
		}
		return b.fail(cctx, resp.StatusCode(), err)
	}

	if !b.stream {
		defer cancel()
		text, err := extractText(resp.Body())
		if err != nil {
			return b.fail(cctx, 0, &errorsx.BackendError{Reason: errorsx.ReasonBackendRequest, Err: err})
		}
		if text == "" {
			return backend.TextReply(b.fallbacks.Error), nil
		}
		return backend.TextReply(text), nil
	}

	body := resp.RawBody()
	out := make(chan backend.Chunk, 32)
	go func() {
		defer cancel()
		defer close(out)
		defer body.Close()
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if line == "" || line == "[DONE]" {
				continue
			}
			text, err := extractText([]byte(line))
			if err != nil {
				b.logger.Warn("agent_api_chunk_skipped", slog.String("error", err.Error()))
				continue
			}
			if text == "" {
				continue
			}
			select {
			case out <- backend.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			reason := errorsx.ReasonBackendStream
			if cctx.Err() != nil {
				reason = errorsx.ReasonBackendTimeout
			}
			b.logger.Warn("agent_api_stream_failed",
				slog.String("reason", string(reason)),
				slog.String("error", err.Error()))
			select {
			case out <- backend.Chunk{Err: &errorsx.BackendError{Reason: reason, Err: err}}:
			case <-ctx.Done():
			}
		}
	}()
	return backend.Reply{Stream: out}, nil
}

// fail classifies a request failure and pairs it with the fallback text.
func (b *Backend) fail(ctx context.Context, status int, err error) (backend.Reply, error) {
	reason := errorsx.Reason(err)
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		reason = errorsx.ReasonBackendTimeout
	case status == http.StatusTooManyRequests:
		reason = errorsx.ReasonBackendRateLimit
		if !resilience.IsRateLimit(err) {
			err = resilience.RateLimitError{Provider: b.Name(), Message: err.Error()}
		}
	case status >= 500:
		reason = errorsx.ReasonBackendUnavailable
	case status >= 400:
		reason = errorsx.ReasonBackendRequest
	case reason == errorsx.ReasonUnknown:
		reason = errorsx.ReasonBackendUnavailable
	}
	b.logger.Warn("agent_api_request_failed",
		slog.String("reason", string(reason)),
		slog.Int("status", status),
		slog.String("error", err.Error()))
	var berr *errorsx.BackendError
	if !errors.As(err, &berr) {
		berr = &errorsx.BackendError{Reason: reason, StatusCode: status, Err: err}
	}
	return backend.TextReply(b.fallbacks.For(reason)), berr
}

var _ backend.Backend = (*Backend)(nil)
