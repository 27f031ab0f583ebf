package avatarws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/avatar/pkg/adapters/synthesis"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/resilience"
	"github.com/harunnryd/avatar/pkg/transports"
)

type Config struct {
	URL         string `mapstructure:"url"`
	APIKey      string `mapstructure:"api_key"`
	KeepAliveMS int    `mapstructure:"keepalive_ms"`
}

const (
	defaultKeepAlive = 15 * time.Second
	writeTimeout     = 5 * time.Second
)

var (
	ErrClosed       = errors.New("avatar session closed")
	ErrNotAttached  = errors.New("avatar session not attached")
	errAttachedOnce = errors.New("avatar session already attached")
)

// Provider drives a talking-avatar service over a websocket control
// channel. Signaling (offer and answer) and speech requests share the
// socket; media flows over the attached transport.
type Provider struct {
	cfg       Config
	keepAlive time.Duration
	logger    *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	avatar   synthesis.AvatarConfig
	session  string
	answer   chan message
	pending  map[string]chan message
	current  string
	events   chan synthesis.Event
	closed   bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("avatarws: url is required")
	}
	keepAlive := defaultKeepAlive
	if cfg.KeepAliveMS > 0 {
		keepAlive = time.Duration(cfg.KeepAliveMS) * time.Millisecond
	}
	return &Provider{
		cfg:       cfg,
		keepAlive: keepAlive,
		logger:    logging.NewComponentLogger(slog.Default(), "avatar_ws"),
		pending:   make(map[string]chan message),
		events:    make(chan synthesis.Event, 32),
		done:      make(chan struct{}),
	}, nil
}

// NewFactory adapts New to synthesis.Factory.
func NewFactory(cfg Config) synthesis.Factory {
	return func() (synthesis.Provider, error) {
		return New(cfg)
	}
}

func (p *Provider) Name() string { return "avatar_ws" }

func (p *Provider) Configure(cfg synthesis.AvatarConfig) error {
	if strings.TrimSpace(cfg.Character) == "" {
		return errors.New("avatarws: character is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return errAttachedOnce
	}
	p.avatar = cfg
	return nil
}

// Attach opens the control socket, sends the avatar configuration and the
// transport's offer, and applies the service's answer.
func (p *Provider) Attach(ctx context.Context, transport transports.Transport) (synthesis.ConnectResult, error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return synthesis.ConnectResult{}, ErrClosed
	case p.conn != nil:
		p.mu.Unlock()
		return synthesis.ConnectResult{}, errAttachedOnce
	}
	avatar := p.avatar
	p.mu.Unlock()

	header := http.Header{}
	if p.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, p.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return synthesis.ConnectResult{}, resilience.RateLimitError{
				Provider:   p.Name(),
				Message:    resp.Status,
				RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			}
		}
		p.logger.Error("avatar_ws_dial_failed", slog.String("error", err.Error()))
		return synthesis.ConnectResult{}, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	answer := make(chan message, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		_ = conn.Close()
		return synthesis.ConnectResult{}, ErrClosed
	}
	p.conn = conn
	p.answer = answer
	p.cancel = cancel
	p.loopDone = make(chan struct{})
	p.mu.Unlock()

	go p.readLoop(loopCtx, conn)
	go p.keepAliveLoop(loopCtx)

	if err := p.send(message{Type: typeConfigure, Avatar: avatarPayload(avatar)}); err != nil {
		return synthesis.ConnectResult{}, err
	}
	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		return synthesis.ConnectResult{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.send(message{Type: typeOffer, SDP: offer}); err != nil {
		return synthesis.ConnectResult{}, err
	}

	var ack message
	select {
	case ack = <-answer:
	case <-ctx.Done():
		return synthesis.ConnectResult{}, ctx.Err()
	}
	if ack.Type == typeError {
		return synthesis.ConnectResult{}, fmt.Errorf("avatar service: %s", ack.Message)
	}
	if err := transport.ApplyAnswer(ack.SDP); err != nil {
		return synthesis.ConnectResult{}, fmt.Errorf("apply answer: %w", err)
	}
	p.mu.Lock()
	p.session = ack.SessionID
	p.mu.Unlock()
	p.logger.Info("avatar_session_started", slog.String("avatar_session_id", ack.SessionID))
	return synthesis.ConnectResult{SessionID: ack.SessionID, Answer: ack.SDP}, nil
}

// Speak sends one SSML document and waits for the service to report how
// it ended.
func (p *Provider) Speak(ctx context.Context, ssml string) (synthesis.SpeechResult, error) {
	id := uuid.NewString()
	done := make(chan message, 1)
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return synthesis.SpeechResult{ID: id, Outcome: synthesis.OutcomeFailed}, ErrClosed
	case p.conn == nil:
		p.mu.Unlock()
		return synthesis.SpeechResult{ID: id, Outcome: synthesis.OutcomeFailed}, ErrNotAttached
	}
	p.pending[id] = done
	p.current = id
	p.mu.Unlock()
	defer p.forget(id)

	if err := p.send(message{Type: typeSpeak, ID: id, SSML: ssml}); err != nil {
		return synthesis.SpeechResult{ID: id, Outcome: synthesis.OutcomeFailed, Reason: err.Error()}, err
	}
	select {
	case msg := <-done:
		return result(id, msg), nil
	case <-ctx.Done():
		return synthesis.SpeechResult{ID: id, Outcome: synthesis.OutcomeCanceled, Reason: ctx.Err().Error()}, ctx.Err()
	}
}

func (p *Provider) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	if p.current == id {
		p.current = ""
	}
	p.mu.Unlock()
}

// CancelSpeech asks the service to stop the current utterance. The
// matching Speak returns once the service confirms.
func (p *Provider) CancelSpeech(ctx context.Context) error {
	p.mu.Lock()
	id, attached := p.current, p.conn != nil && !p.closed
	p.mu.Unlock()
	if !attached {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.send(message{Type: typeStop, ID: id})
}

func (p *Provider) Events() <-chan synthesis.Event { return p.events }

func (p *Provider) Done() <-chan struct{} { return p.done }

func (p *Provider) markDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn, cancel, loopDone := p.conn, p.cancel, p.loopDone
	for id, ch := range p.pending {
		ch <- message{Type: typeSpeakingFailed, ID: id, Reason: ErrClosed.Error()}
		delete(p.pending, id)
	}
	close(p.events)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		p.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		err = conn.Close()
		<-loopDone
	}
	p.markDone()
	p.logger.Info("avatar_session_closed")
	return err
}

func (p *Provider) send(msg message) error {
	p.mu.Lock()
	conn, closed := p.conn, p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotAttached
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (p *Provider) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(p.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.send(message{Type: typePing}); err != nil {
				p.logger.Debug("avatar_ws_keepalive_failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(p.loopDone)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("avatar_ws_read_failed", slog.String("error", err.Error()))
				p.failPending(err)
				p.markDone()
			}
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("avatar_ws_bad_message", slog.Int("bytes", len(data)))
			continue
		}
		p.handle(msg)
	}
}

func (p *Provider) handle(msg message) {
	switch msg.Type {
	case typeAnswer, typeError:
		p.mu.Lock()
		answer := p.answer
		p.mu.Unlock()
		if answer != nil {
			select {
			case answer <- msg:
			default:
			}
		}
		if msg.Type == typeError {
			p.logger.Error("avatar_service_error", slog.String("message", msg.Message))
			if msg.ID != "" {
				p.resolve(message{Type: typeSpeakingFailed, ID: msg.ID, Reason: msg.Message})
			}
		}
	case typeSpeakingStarted:
		p.emit(synthesis.Event{Kind: synthesis.EventSpeakingStarted, SpeechID: msg.ID})
	case typeSpeakingCompleted:
		p.emit(synthesis.Event{Kind: synthesis.EventSpeakingCompleted, SpeechID: msg.ID})
		p.resolve(msg)
	case typeSpeakingCanceled:
		p.emit(synthesis.Event{Kind: synthesis.EventSpeakingCanceled, SpeechID: msg.ID})
		p.resolve(msg)
	case typeSpeakingFailed:
		p.resolve(msg)
	case typePong:
	default:
		p.logger.Debug("avatar_ws_unhandled", slog.String("type", msg.Type))
	}
}

func (p *Provider) resolve(msg message) {
	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
	}
	p.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (p *Provider) failPending(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]chan message)
	answer := p.answer
	p.mu.Unlock()
	for id, ch := range pending {
		ch <- message{Type: typeSpeakingFailed, ID: id, Reason: err.Error()}
	}
	if answer != nil {
		select {
		case answer <- message{Type: typeError, Message: err.Error()}:
		default:
		}
	}
}

func (p *Provider) emit(ev synthesis.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("avatar_event_dropped", slog.String("kind", string(ev.Kind)))
	}
}

func result(id string, msg message) synthesis.SpeechResult {
	switch msg.Type {
	case typeSpeakingCompleted:
		return synthesis.SpeechResult{ID: id, Outcome: synthesis.OutcomeCompleted}
	case typeSpeakingCanceled:
		return synthesis.SpeechResult{ID: id, Outcome: synthesis.OutcomeCanceled, Reason: msg.Reason}
	default:
		return synthesis.SpeechResult{ID: id, Outcome: synthesis.OutcomeFailed, Reason: msg.Reason}
	}
}

var _ synthesis.Provider = (*Provider)(nil)
