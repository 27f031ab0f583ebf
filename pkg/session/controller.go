package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/avatar/pkg/adapters/backend"
	"github.com/harunnryd/avatar/pkg/adapters/recognition"
	"github.com/harunnryd/avatar/pkg/connection"
	"github.com/harunnryd/avatar/pkg/conversation"
	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/metrics"
	"github.com/harunnryd/avatar/pkg/redact"
	"github.com/harunnryd/avatar/pkg/resilience"
)

const (
	DefaultActivateDebounce = 500 * time.Millisecond
	DefaultErrorClear       = 10 * time.Second
	DefaultStopRetries      = 3
	DefaultStopBackoff      = 100 * time.Millisecond
	DefaultStopTimeout      = 3 * time.Second
	defaultEventBuffer      = 64
)

var (
	ErrNotConnected = errors.New("avatar not connected")
	errStillActive  = errors.New("recognizer still active")
)

// Connector brings the avatar session up and down.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() connection.State
	AddListener(l connection.Listener)
}

// Speaker plays assistant text on the avatar.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	CancelCurrent(ctx context.Context)
	IsSpeaking() bool
	OnSpeakingChange(fn func(bool))
}

// SilenceDetector ends listening after a quiet period.
type SilenceDetector interface {
	Start(onTimeout func()) error
	Stop()
	NotePartial()
}

type Options struct {
	// ID identifies the UI client; it tags logs and metrics.
	ID          string
	Connection  Connector
	Speech      Speaker
	Silence     SilenceDetector
	Recognition recognition.Provider
	Microphone  recognition.MicrophoneGate
	Backend     backend.Backend
	History     *conversation.History
	Users       conversation.UserStore
	Normalizer  *conversation.Normalizer
	Fallbacks   conversation.FallbackMessages
	// Window is how many recent turns go to the backend.
	Window int

	ActivateDebounce time.Duration
	ErrorClear       time.Duration
	StopRetries      int
	StopBackoff      time.Duration
	StopTimeout      time.Duration

	Logger      *slog.Logger
	Observer    metrics.Observer
	EventBuffer int
}

// Controller coordinates one user's conversation with the avatar: it
// relays text and finished transcripts to the backend, speaks replies and
// owns the microphone. Public methods never fail; problems are reported on
// the event channel.
type Controller struct {
	id         string
	conn       Connector
	speech     Speaker
	silence    SilenceDetector
	recognizer recognition.Provider
	mic        recognition.MicrophoneGate
	backend    backend.Backend
	history    *conversation.History
	users      conversation.UserStore
	normalizer *conversation.Normalizer
	fallbacks  conversation.FallbackMessages
	window     int
	debounce   time.Duration
	errorClear time.Duration
	stopPolicy stopPolicy
	logger     *slog.Logger
	obs        metrics.Observer
	tags       map[string]string
	events     chan Event
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once

	mu             sync.Mutex
	status         connection.State
	speaking       bool
	listening      bool
	starting       bool
	stopping       bool
	finalTaken     bool
	transcript     string
	errMsg         string
	errSeq         uint64
	errTimer       *time.Timer
	lastActivate   time.Time
	conversationID string
	closed         bool
}

type stopPolicy struct {
	retries int
	backoff time.Duration
	timeout time.Duration
}

func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.Connection == nil:
		return nil, errors.New("session: connection is required")
	case opts.Speech == nil:
		return nil, errors.New("session: speech controller is required")
	case opts.Backend == nil:
		return nil, errors.New("session: backend is required")
	case opts.Recognition != nil && (opts.Silence == nil || opts.Microphone == nil):
		return nil, errors.New("session: recognition needs a silence monitor and a microphone")
	}
	if opts.History == nil {
		opts.History = conversation.NewHistory("")
	}
	if opts.Window <= 0 {
		opts.Window = conversation.DefaultWindow
	}
	if opts.ActivateDebounce <= 0 {
		opts.ActivateDebounce = DefaultActivateDebounce
	}
	if opts.ErrorClear <= 0 {
		opts.ErrorClear = DefaultErrorClear
	}
	if opts.StopRetries <= 0 {
		opts.StopRetries = DefaultStopRetries
	}
	if opts.StopBackoff <= 0 {
		opts.StopBackoff = DefaultStopBackoff
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.Normalizer == nil {
		opts.Normalizer = conversation.NewNormalizer(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:         opts.ID,
		conn:       opts.Connection,
		speech:     opts.Speech,
		silence:    opts.Silence,
		recognizer: opts.Recognition,
		mic:        opts.Microphone,
		backend:    opts.Backend,
		history:    opts.History,
		users:      opts.Users,
		normalizer: opts.Normalizer,
		fallbacks:  opts.Fallbacks.WithDefaults(),
		window:     opts.Window,
		debounce:   opts.ActivateDebounce,
		errorClear: opts.ErrorClear,
		stopPolicy: stopPolicy{
			retries: opts.StopRetries,
			backoff: opts.StopBackoff,
			timeout: opts.StopTimeout,
		},
		logger:         logging.WithSession(logging.NewComponentLogger(opts.Logger, "session_controller"), opts.ID),
		obs:            opts.Observer,
		tags:           map[string]string{"session_id": opts.ID},
		events:         make(chan Event, opts.EventBuffer),
		ctx:            ctx,
		cancel:         cancel,
		status:         opts.Connection.State(),
		conversationID: conversation.NewConversationID(),
	}
	c.conn.AddListener(connection.ListenerFunc(c.onConnectionChange))
	c.speech.OnSpeakingChange(c.setSpeaking)
	return c, nil
}

// Events is the single outward channel for status, speech, microphone,
// transcript, message and error events. It is closed by Close.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Status:         c.status.String(),
		StatusText:     c.status.StatusText(),
		Speaking:       c.speaking,
		Listening:      c.listening,
		Transcript:     c.transcript,
		Error:          c.errMsg,
		ConversationID: c.conversationID,
	}
}

func (c *Controller) IsConnected() bool { return c.conn.State() == connection.StateConnected }

func (c *Controller) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

func (c *Controller) IsSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// ErrorMessage returns the banner text, empty once it was cleared.
func (c *Controller) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// History returns every turn of the conversation so far.
func (c *Controller) History() []conversation.Turn { return c.history.Turns() }

// Activate connects on the first open of the widget. Calls inside the
// debounce window, or while connecting or connected, do nothing.
func (c *Controller) Activate(ctx context.Context) {
	now := time.Now()
	c.mu.Lock()
	if c.closed || (!c.lastActivate.IsZero() && now.Sub(c.lastActivate) < c.debounce) {
		c.mu.Unlock()
		return
	}
	c.lastActivate = now
	c.mu.Unlock()

	switch c.conn.State() {
	case connection.StateConnecting, connection.StateConnected:
		return
	}
	if err := c.conn.Connect(ctx); err != nil {
		c.logger.Error("activate_failed",
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
}

// SendMessage forwards text to the backend and speaks the reply. Blank
// text or a missing connection make it a no-op.
func (c *Controller) SendMessage(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if c.conn.State() != connection.StateConnected {
		c.logger.Warn("send_skipped_not_connected")
		return
	}
	c.speech.CancelCurrent(ctx)

	user := c.history.Append(conversation.RoleUser, text)
	c.emit(Event{Type: EventMessage, Turn: &user})
	c.logger.Info("message_sent", slog.String("text", redact.Preview(text, 80)))
	metrics.Record(c.obs, metrics.EventMessageSent, c.tags, nil)

	reply := c.ask(ctx, text)
	assistant := c.history.Append(conversation.RoleAssistant, reply)
	c.emit(Event{Type: EventMessage, Turn: &assistant})
	c.speak(ctx, assistant.Content)
}

// ask returns the assistant text for one user message, substituting a
// fallback message for any backend failure.
func (c *Controller) ask(ctx context.Context, text string) string {
	req := backend.Request{
		Message:        text,
		ConversationID: c.ConversationID(),
		TurnCounter:    c.history.UserTurns(),
		History:        c.history.Window(c.window),
		TotalContext:   c.history.Len(),
	}
	if c.users != nil {
		id, err := c.users.UserID()
		if err != nil {
			c.logger.Warn("user_id_unavailable", slog.String("error", err.Error()))
		}
		req.UserID = id
	}

	start := time.Now()
	reply, err := c.backend.Send(ctx, req)
	if err != nil {
		reason := errorsx.Reason(err)
		c.logger.Warn("backend_failed",
			slog.String("backend", c.backend.Name()),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()))
		metrics.Record(c.obs, metrics.EventBackendDone, c.tags, map[string]any{"ok": false, "reason": string(reason)})
		if fallback := strings.TrimSpace(reply.Text); fallback != "" {
			return fallback
		}
		return c.fallbacks.For(reason)
	}
	if !reply.Streaming() {
		metrics.Record(c.obs, metrics.EventBackendFirstChunk, c.tags, nil)
		metrics.Record(c.obs, metrics.EventBackendDone, c.tags, map[string]any{"ok": true, "duration_ms": time.Since(start).Milliseconds()})
		if out := c.normalizer.Apply(reply.Text); out != "" {
			return out
		}
		return c.fallbacks.Error
	}

	var (
		b         conversation.Builder
		streamErr error
	)
read:
	for {
		select {
		case <-ctx.Done():
			streamErr = &errorsx.BackendError{Reason: errorsx.ReasonBackendTimeout, Err: ctx.Err()}
			break read
		case chunk, ok := <-reply.Stream:
			if !ok {
				break read
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
				break read
			}
			if b.Chunks() == 0 {
				metrics.Record(c.obs, metrics.EventBackendFirstChunk, c.tags, nil)
			}
			b.Add(c.normalizer.Chunk(chunk.Text))
		}
	}
	metrics.Record(c.obs, metrics.EventBackendDone, c.tags, map[string]any{
		"ok":          streamErr == nil,
		"chunks":      b.Chunks(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	assembled := b.Text()
	if streamErr != nil {
		if assembled == "" {
			c.logger.Warn("backend_stream_failed", slog.String("error", streamErr.Error()))
			return c.fallbacks.For(errorsx.Reason(streamErr))
		}
		c.logger.Warn("backend_stream_truncated",
			slog.Int("chunks", b.Chunks()),
			slog.String("error", streamErr.Error()))
	}
	if assembled == "" {
		return c.fallbacks.Error
	}
	return assembled
}

func (c *Controller) speak(ctx context.Context, text string) {
	err := c.speech.Speak(ctx, text)
	if err == nil {
		return
	}
	var synthErr *errorsx.SpeechSynthesisError
	if errors.As(err, &synthErr) && synthErr.Canceled() {
		c.logger.Debug("speech_interrupted", slog.String("speech_id", synthErr.SessionID))
		return
	}
	c.reportError(err)
}

// ToggleMicrophone starts listening, or fully stops it when active. A
// start requested while a stop is in progress is rejected.
func (c *Controller) ToggleMicrophone(ctx context.Context) {
	if c.recognizer == nil {
		c.reportError(&errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionStart, Err: errors.New("no recognizer configured")})
		return
	}
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return
	case c.stopping || c.starting:
		c.mu.Unlock()
		c.logger.Warn("microphone_toggle_rejected")
		return
	case c.listening:
		c.mu.Unlock()
		c.stopListening(ctx, "user")
		return
	}
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()
	c.startListening(ctx)
}

func (c *Controller) startListening(ctx context.Context) {
	if c.conn.State() != connection.StateConnected {
		c.reportError(&errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionStart, Err: ErrNotConnected})
		return
	}
	c.speech.CancelCurrent(ctx)

	if err := c.mic.RequestPermission(ctx); err != nil {
		var recErr *errorsx.RecognitionError
		if !errors.As(err, &recErr) {
			err = &errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionPermission, Err: err}
		}
		c.reportError(err)
		return
	}

	c.mu.Lock()
	c.finalTaken = false
	c.transcript = ""
	c.mu.Unlock()

	ok, err := c.recognizer.Start(ctx, recognition.Callbacks{
		OnPartial: c.onPartial,
		OnFinal:   c.onFinal,
		OnError:   c.onRecognitionError,
		OnStop:    c.onRecognizerStopped,
	})
	if err != nil || !ok {
		var recErr *errorsx.RecognitionError
		if !errors.As(err, &recErr) {
			err = &errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionStart, Err: err}
		}
		c.reportError(err)
		return
	}
	c.setListening(true)
	metrics.Record(c.obs, metrics.EventRecognitionStart, c.tags, map[string]any{"provider": c.recognizer.Name()})

	if err := c.silence.Start(c.onSilence); err != nil {
		c.logger.Warn("silence_monitor_unavailable", slog.String("error", err.Error()))
	}
}

// stopListening performs a complete stop: monitor, recognizer with
// retries, and a forced reset when the recognizer will not let go.
func (c *Controller) stopListening(ctx context.Context, reason string) {
	c.mu.Lock()
	if !c.listening || c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()

	c.silence.Stop()
	err := c.stopRecognizer(ctx)
	if err != nil {
		c.logger.Warn("recognizer_stop_failed",
			slog.String("error", err.Error()),
			slog.Int("retries", c.stopPolicy.retries))
		c.recognizer.ForceReset()
	}

	c.mu.Lock()
	c.stopping = false
	c.transcript = ""
	c.mu.Unlock()
	c.setListening(false)
	metrics.Record(c.obs, metrics.EventRecognitionStop, c.tags, map[string]any{
		"reason":      reason,
		"force_reset": err != nil,
	})
}

func (c *Controller) stopRecognizer(ctx context.Context) error {
	policy := resilience.RetryPolicy{MaxRetries: c.stopPolicy.retries, Backoff: c.stopPolicy.backoff}
	return policy.DoContext(ctx, func() error {
		sctx, cancel := context.WithTimeout(ctx, c.stopPolicy.timeout)
		defer cancel()
		if err := c.recognizer.Stop(sctx); err != nil {
			return &errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionStop, Err: err}
		}
		if c.recognizer.IsActive() {
			return &errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionStop, Err: errStillActive}
		}
		return nil
	})
}

func (c *Controller) onPartial(text string) {
	c.mu.Lock()
	if !c.listening || c.finalTaken {
		c.mu.Unlock()
		return
	}
	c.transcript = text
	c.mu.Unlock()
	c.emit(Event{Type: EventTranscript, Text: text})
	c.silence.NotePartial()
}

// onFinal stops listening and then sends the transcript, once per cycle.
func (c *Controller) onFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	if !c.listening || c.finalTaken {
		c.mu.Unlock()
		return
	}
	c.finalTaken = true
	c.mu.Unlock()

	go func() {
		c.stopListening(c.ctx, "final")
		c.SendMessage(c.ctx, text)
	}()
}

func (c *Controller) onRecognitionError(err error) {
	var recErr *errorsx.RecognitionError
	if !errors.As(err, &recErr) {
		err = &errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionRuntime, Err: err}
	}
	c.reportError(err)
	go c.stopListening(c.ctx, "error")
}

func (c *Controller) onRecognizerStopped() {
	c.mu.Lock()
	unexpected := c.listening && !c.stopping && !c.finalTaken
	c.mu.Unlock()
	if unexpected {
		go c.stopListening(c.ctx, "provider")
	}
}

func (c *Controller) onSilence() {
	c.logger.Info("listening_timed_out")
	go c.stopListening(c.ctx, "silence")
}

func (c *Controller) onConnectionChange(ev connection.StateChange) {
	c.mu.Lock()
	c.status = ev.To
	c.mu.Unlock()
	c.emit(Event{Type: EventStatus, Status: ev.To.String(), Text: ev.To.StatusText()})

	if ev.Err != nil {
		c.reportError(ev.Err)
	}
	if ev.To == connection.StateDisconnected || ev.To == connection.StateFailed {
		go c.stopListening(c.ctx, "disconnected")
	}
}

// ClearConversation starts a new conversation: speech stops, the history
// goes back to the system message and a new conversation id is issued.
func (c *Controller) ClearConversation(ctx context.Context) {
	c.speech.CancelCurrent(ctx)
	c.history.Reset()
	id := conversation.NewConversationID()
	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
	c.logger.Info("conversation_cleared", slog.String("conversation_id", id))
	c.emit(Event{Type: EventCleared, Text: id})
}

// Close stops listening and speech, disconnects and closes Events. It is
// safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if c.recognizer != nil {
			c.stopListening(context.Background(), "close")
		}
		c.speech.CancelCurrent(context.Background())
		c.conn.Disconnect()
		c.cancel()

		c.mu.Lock()
		c.closed = true
		if c.errTimer != nil {
			c.errTimer.Stop()
			c.errTimer = nil
		}
		close(c.events)
		c.mu.Unlock()
		c.logger.Info("session_closed")
	})
}

// reportError publishes a user-facing banner that clears itself after
// errorClear unless a newer error replaced it.
func (c *Controller) reportError(err error) {
	if err == nil {
		return
	}
	msg := errorsx.UserMessage(err)
	c.logger.Error("session_error",
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))

	c.mu.Lock()
	c.errSeq++
	seq := c.errSeq
	c.errMsg = msg
	if c.errTimer != nil {
		c.errTimer.Stop()
	}
	if !c.closed {
		c.errTimer = time.AfterFunc(c.errorClear, func() { c.clearError(seq) })
	}
	c.mu.Unlock()
	c.emit(Event{Type: EventError, Text: msg})
}

func (c *Controller) clearError(seq uint64) {
	c.mu.Lock()
	if c.errSeq != seq || c.errMsg == "" {
		c.mu.Unlock()
		return
	}
	c.errMsg = ""
	c.errTimer = nil
	c.mu.Unlock()
	c.emit(Event{Type: EventErrorCleared})
}

func (c *Controller) setSpeaking(v bool) {
	c.mu.Lock()
	if c.speaking == v {
		c.mu.Unlock()
		return
	}
	c.speaking = v
	c.mu.Unlock()
	c.emit(Event{Type: EventSpeaking, Active: v})
}

func (c *Controller) setListening(v bool) {
	c.mu.Lock()
	if c.listening == v {
		c.mu.Unlock()
		return
	}
	c.listening = v
	c.mu.Unlock()
	c.emit(Event{Type: EventListening, Active: v})
}

func (c *Controller) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("session_event_dropped", slog.String("type", string(ev.Type)))
	}
}
