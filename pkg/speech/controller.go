package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/avatar/pkg/adapters/synthesis"
	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/metrics"
	"github.com/harunnryd/avatar/pkg/redact"
)

const (
	DefaultTimeout = 30 * time.Second
	// cancelSettleTimeout bounds how long CancelCurrent waits for the
	// interrupted Speak to return.
	cancelSettleTimeout = 2 * time.Second
)

// ProviderSource yields the synthesis provider while the session is connected.
type ProviderSource interface {
	ActiveProvider() (synthesis.Provider, bool)
}

type Options struct {
	Timeout  time.Duration
	Voice    Voice
	Logger   *slog.Logger
	Observer metrics.Observer
	// Tags are attached to every metrics event, e.g. the client session id.
	Tags map[string]string
}

// Controller serializes avatar utterances. Only one session speaks at a
// time and the newest Speak always wins.
type Controller struct {
	src     ProviderSource
	timeout time.Duration
	voice   Voice
	logger  *slog.Logger
	obs     metrics.Observer
	tags    map[string]string

	mu       sync.Mutex
	current  *run
	provider synthesis.Provider
	latest   uint64
	speaking bool
	onChange []func(bool)
	onEnd    []func(Session)
}

func NewController(src ProviderSource, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Voice.Name == "" {
		opts.Voice = DefaultVoice()
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Controller{
		src:     src,
		timeout: opts.Timeout,
		voice:   opts.Voice,
		logger:  logging.NewComponentLogger(opts.Logger, "speech_output"),
		obs:     opts.Observer,
		tags:    opts.Tags,
	}
}

// OnSpeakingChange registers a callback for the speaking flag.
func (c *Controller) OnSpeakingChange(fn func(bool)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// OnSessionEnd registers a callback receiving every session in its final state.
func (c *Controller) OnSessionEnd(fn func(Session)) {
	c.mu.Lock()
	c.onEnd = append(c.onEnd, fn)
	c.mu.Unlock()
}

func (c *Controller) IsSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Current returns the Speaking session, if any.
func (c *Controller) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Session{}, false
	}
	return c.current.session, true
}

// Speak says text and blocks until it is spoken. Without a connection it is
// a logged no-op. An utterance interrupted by a newer Speak or by
// CancelCurrent returns a *errorsx.SpeechSynthesisError that reports Canceled.
func (c *Controller) Speak(ctx context.Context, text string) error {
	provider, ok := c.src.ActiveProvider()
	if !ok {
		c.logger.Warn("speak_skipped_not_connected")
		return nil
	}
	c.mu.Lock()
	c.latest++
	seq := c.latest
	c.mu.Unlock()

	c.CancelCurrent(ctx)

	cleaned := Clean(text)
	if cleaned == "" {
		return nil
	}
	r := &run{
		session: Session{ID: uuid.NewString(), Text: cleaned, State: StateQueued},
		cancel:  make(chan struct{}),
		settled: make(chan struct{}),
	}

	c.mu.Lock()
	if seq != c.latest || c.current != nil {
		c.mu.Unlock()
		r.session.State = StateCancelled
		c.ended(r.session)
		return &errorsx.SpeechSynthesisError{SessionID: r.session.ID, Reason: errorsx.ReasonSpeechCanceled, Err: errors.New("superseded")}
	}
	r.session.State = StateSpeaking
	r.session.StartedAt = time.Now()
	c.current = r
	c.provider = provider
	listeners := c.setSpeakingLocked(true)
	c.mu.Unlock()
	notifySpeaking(listeners, true)

	c.logger.Info("speech_started",
		slog.String("speech_id", r.session.ID),
		slog.String("text", redact.Preview(cleaned, 80)))
	metrics.Record(c.obs, metrics.EventSpeechStarted, c.tags, map[string]any{"speech_id": r.session.ID})

	err := c.play(ctx, provider, r)
	c.finish(r, err)
	return err
}

// play races the provider against the timeout and the session's cancel
// channel. Whichever settles first decides the outcome.
func (c *Controller) play(ctx context.Context, provider synthesis.Provider, r *run) error {
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ssml := BuildSSML(r.session.Text, c.voice)
	type outcome struct {
		res synthesis.SpeechResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := provider.Speak(sctx, ssml)
		done <- outcome{res: res, err: err}
	}()

	id := r.session.ID
	canceled := &errorsx.SpeechSynthesisError{SessionID: id, Reason: errorsx.ReasonSpeechCanceled}
	select {
	case <-r.cancel:
		return canceled
	case <-sctx.Done():
		if ctx.Err() != nil {
			c.stopProvider(provider)
			canceled.Err = ctx.Err()
			return canceled
		}
		c.stopProvider(provider)
		return &errorsx.SpeechTimeoutError{SessionID: id, Timeout: c.timeout}
	case out := <-done:
		c.mu.Lock()
		stopped := r.stopped
		c.mu.Unlock()
		switch {
		case stopped:
			return canceled
		case out.err != nil:
			return &errorsx.SpeechSynthesisError{SessionID: id, Reason: errorsx.ReasonSpeechSynthesis, Err: out.err}
		case out.res.Outcome == synthesis.OutcomeCanceled:
			canceled.Err = reasonErr(out.res.Reason)
			return canceled
		case out.res.Outcome == synthesis.OutcomeFailed:
			return &errorsx.SpeechSynthesisError{SessionID: id, Reason: errorsx.ReasonSpeechSynthesis, Err: reasonErr(out.res.Reason)}
		default:
			return nil
		}
	}
}

func (c *Controller) finish(r *run, err error) {
	var (
		timeoutErr *errorsx.SpeechTimeoutError
		synthErr   *errorsx.SpeechSynthesisError
		final      State
	)
	switch {
	case err == nil:
		final = StateCompleted
	case errors.As(err, &synthErr) && synthErr.Canceled():
		final = StateCancelled
	case errors.As(err, &timeoutErr):
		final = StateFailed
		c.logger.Warn("speech_timeout", slog.String("speech_id", r.session.ID), slog.Duration("timeout", c.timeout))
	default:
		final = StateFailed
		c.logger.Error("speech_failed", slog.String("speech_id", r.session.ID), slog.String("error", err.Error()))
	}

	c.mu.Lock()
	r.session.State = final
	var listeners []func(bool)
	if c.current == r {
		c.current = nil
		c.provider = nil
		listeners = c.setSpeakingLocked(false)
	}
	close(r.settled)
	c.mu.Unlock()
	notifySpeaking(listeners, false)

	c.logger.Info("speech_ended",
		slog.String("speech_id", r.session.ID),
		slog.String("state", string(final)))
	metrics.Record(c.obs, metrics.EventSpeechEnded, c.tags, map[string]any{
		"speech_id":   r.session.ID,
		"state":       string(final),
		"duration_ms": time.Since(r.session.StartedAt).Milliseconds(),
	})
	c.ended(r.session)
}

// CancelCurrent stops the Speaking session and waits for it to settle.
// It never fails; provider errors are logged and the speaking flag is
// always reset.
func (c *Controller) CancelCurrent(ctx context.Context) {
	c.mu.Lock()
	r, provider := c.current, c.provider
	if r == nil {
		c.mu.Unlock()
		return
	}
	r.requestCancel()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		var listeners []func(bool)
		if c.current == r {
			c.current = nil
			c.provider = nil
			listeners = c.setSpeakingLocked(false)
		}
		c.mu.Unlock()
		notifySpeaking(listeners, false)
	}()

	c.logger.Info("speech_cancel_requested", slog.String("speech_id", r.session.ID))
	c.stopProvider(provider)

	wait := time.NewTimer(cancelSettleTimeout)
	defer wait.Stop()
	select {
	case <-r.settled:
	case <-ctx.Done():
	case <-wait.C:
		c.logger.Warn("speech_cancel_unsettled", slog.String("speech_id", r.session.ID))
	}
}

func (c *Controller) stopProvider(provider synthesis.Provider) {
	if provider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelSettleTimeout)
	defer cancel()
	if err := provider.CancelSpeech(ctx); err != nil {
		c.logger.Warn("speech_cancel_failed", slog.String("error", err.Error()))
	}
}

func (c *Controller) setSpeakingLocked(v bool) []func(bool) {
	if c.speaking == v {
		return nil
	}
	c.speaking = v
	out := make([]func(bool), len(c.onChange))
	copy(out, c.onChange)
	return out
}

func (c *Controller) ended(s Session) {
	c.mu.Lock()
	fns := make([]func(Session), len(c.onEnd))
	copy(fns, c.onEnd)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func notifySpeaking(fns []func(bool), v bool) {
	for _, fn := range fns {
		fn(v)
	}
}

func reasonErr(reason string) error {
	if reason == "" {
		return nil
	}
	return errors.New(reason)
}
