package openai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/avatar/pkg/adapters/backend"
	"github.com/harunnryd/avatar/pkg/conversation"
	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/resilience"
	openai "github.com/sashabaranov/go-openai"
)

type Config struct {
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	BaseURL      string `mapstructure:"base_url"`
	SystemPrompt string `mapstructure:"system_prompt"`
	MaxTokens    int    `mapstructure:"max_tokens"`
	TimeoutMS    int    `mapstructure:"timeout_ms"`
	Stream       *bool  `mapstructure:"stream"`
}

const (
	defaultModel   = openai.GPT4oMini
	defaultTimeout = 30 * time.Second
)

// Backend answers through the chat completions API. Replies stream by
// default; each delta becomes one chunk.
type Backend struct {
	client    *openai.Client
	model     string
	system    string
	maxTokens int
	timeout   time.Duration
	stream    bool
	fallbacks conversation.FallbackMessages
	logger    *slog.Logger
}

func New(cfg Config, fallbacks conversation.FallbackMessages) (*Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api_key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	timeout := defaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	stream := true
	if cfg.Stream != nil {
		stream = *cfg.Stream
	}
	return &Backend{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		system:    strings.TrimSpace(cfg.SystemPrompt),
		maxTokens: cfg.MaxTokens,
		timeout:   timeout,
		stream:    stream,
		fallbacks: fallbacks.WithDefaults(),
		logger:    logging.NewComponentLogger(slog.Default(), "openai_backend"),
	}, nil
}

func (b *Backend) Name() string { return "openai" }

func (b *Backend) Send(ctx context.Context, req backend.Request) (backend.Reply, error) {
	chat := openai.ChatCompletionRequest{
		Model:     b.model,
		Messages:  b.messages(req),
		MaxTokens: b.maxTokens,
		User:      req.UserID,
	}
	if !b.stream {
		cctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		resp, err := b.client.CreateChatCompletion(cctx, chat)
		if err != nil {
			return b.fail(cctx, err)
		}
		if len(resp.Choices) == 0 {
			return b.fail(cctx, errors.New("no choices"))
		}
		return backend.TextReply(resp.Choices[0].Message.Content), nil
	}

	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	chat.Stream = true
	stream, err := b.client.CreateChatCompletionStream(cctx, chat)
	if err != nil {
		reply, ferr := b.fail(cctx, err)
		cancel()
		return reply, ferr
	}
	out := make(chan backend.Chunk, 32)
	go func() {
		defer cancel()
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				_, ferr := b.fail(cctx, err)
				if ferr != nil && errorsx.Reason(ferr) != errorsx.ReasonBackendTimeout {
					ferr = &errorsx.BackendError{Reason: errorsx.ReasonBackendStream, Err: err}
				}
				select {
				case out <- backend.Chunk{Err: ferr}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- backend.Chunk{Text: resp.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return backend.Reply{Stream: out}, nil
}

// messages maps the rolling history onto chat messages. The current
// message is already the last history turn when the history is kept by
// the session controller.
func (b *Backend) messages(req backend.Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if b.system != "" && (len(req.History) == 0 || req.History[0].Role != conversation.RoleSystem) {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: b.system})
	}
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		switch turn.Role {
		case conversation.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case conversation.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	last := len(req.History) - 1
	if req.Message != "" && (last < 0 || req.History[last].Role != conversation.RoleUser || req.History[last].Content != req.Message) {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})
	}
	return out
}

// fail classifies err and pairs it with the matching fallback text.
func (b *Backend) fail(ctx context.Context, err error) (backend.Reply, error) {
	reason := errorsx.ReasonBackendUnavailable
	var (
		apiErr *openai.APIError
		reqErr *openai.RequestError
		status int
	)
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		reason = errorsx.ReasonBackendTimeout
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		reason = errorsx.ReasonBackendRateLimit
		err = resilience.RateLimitError{Provider: b.Name(), Message: err.Error()}
	case status >= 400 && status < 500:
		reason = errorsx.ReasonBackendRequest
	}
	b.logger.Warn("openai_request_failed",
		slog.String("reason", string(reason)),
		slog.Int("status", status),
		slog.String("error", err.Error()))
	return backend.TextReply(b.fallbacks.For(reason)), &errorsx.BackendError{Reason: reason, StatusCode: status, Err: err}
}

var _ backend.Backend = (*Backend)(nil)
