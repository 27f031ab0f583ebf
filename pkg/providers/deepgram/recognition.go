package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/avatar/pkg/adapters/recognition"
	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	Endpointing    int    `mapstructure:"endpointing_ms"`
	// MicBuffer is how many PCM chunks may queue before the microphone drops them.
	MicBuffer int `mapstructure:"mic_buffer"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "pt-BR"
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	if c.UtteranceEndMS <= 0 {
		c.UtteranceEndMS = 1000
	}
	if c.MicBuffer <= 0 {
		c.MicBuffer = 64
	}
	return c
}

// liveStream is the part of the SDK websocket client the recognizer drives.
type liveStream interface {
	Connect() bool
	Stream(r io.Reader) error
	Stop()
}

type dialFunc func(ctx context.Context, cfg Config, sampleRate int, cb msginterfaces.LiveMessageCallback) (liveStream, error)

func dialDeepgram(ctx context.Context, cfg Config, sampleRate int, cb msginterfaces.LiveMessageCallback) (liveStream, error) {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       cfg.Language,
		Encoding:       cfg.Encoding,
		SampleRate:     sampleRate,
		Channels:       1,
		InterimResults: true,
		VadEvents:      true,
		SmartFormat:    true,
		Punctuate:      true,
		UtteranceEndMs: fmt.Sprintf("%d", cfg.UtteranceEndMS),
	}
	if cfg.Endpointing > 0 {
		opts.Endpointing = fmt.Sprintf("%d", cfg.Endpointing)
	}
	ws, err := client.NewWSUsingCallback(ctx, cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, opts, cb)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// Recognition is a continuous recognizer streaming the microphone to
// Deepgram live transcription. Final segments are joined until Deepgram
// marks the end of speech, which yields one OnFinal per utterance.
type Recognition struct {
	cfg    Config
	mic    recognition.Microphone
	dial   dialFunc
	logger *slog.Logger

	mu       sync.Mutex
	cb       recognition.Callbacks
	active   bool
	stopping bool
	gen      uint64
	stream   liveStream
	writer   *io.PipeWriter
	release  func()
	cancel   context.CancelFunc
	segments []string
}

func New(cfg Config, mic recognition.Microphone) (*Recognition, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("deepgram: api_key is required")
	}
	if mic == nil {
		return nil, errors.New("deepgram: microphone is required")
	}
	return &Recognition{
		cfg:    cfg.withDefaults(),
		mic:    mic,
		dial:   dialDeepgram,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_recognition"),
	}, nil
}

// NewFactory adapts New to recognition.Factory.
func NewFactory(cfg Config) recognition.Factory {
	return func(mic recognition.Microphone) (recognition.Provider, error) {
		return New(cfg, mic)
	}
}

func (r *Recognition) Name() string { return "deepgram" }

func (r *Recognition) Start(ctx context.Context, cb recognition.Callbacks) (bool, error) {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return true, nil
	}
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	sctx, cancel := context.WithCancel(context.Background())
	stream, err := r.dial(sctx, r.cfg, r.mic.SampleRate(), &callback{parent: r, gen: gen})
	if err != nil {
		cancel()
		r.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return false, &errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionStart, Err: err}
	}
	if err := ctx.Err(); err != nil {
		cancel()
		return false, &errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionStart, Err: err}
	}
	if !stream.Connect() {
		cancel()
		r.logger.Error("deepgram_connect_failed")
		return false, nil
	}

	reader, writer := io.Pipe()
	chunks, release := r.mic.Subscribe(r.cfg.MicBuffer)

	r.mu.Lock()
	r.cb = cb
	r.active = true
	r.stopping = false
	r.stream = stream
	r.writer = writer
	r.release = release
	r.cancel = cancel
	r.segments = nil
	r.mu.Unlock()

	go r.pump(sctx, chunks, writer)
	go func() {
		if err := stream.Stream(reader); err != nil && sctx.Err() == nil {
			r.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			r.fail(gen, err)
		}
	}()

	r.logger.Info("deepgram_connected",
		slog.String("model", r.cfg.Model),
		slog.String("language", r.cfg.Language),
		slog.Int("sample_rate", r.mic.SampleRate()))
	if cb.OnStart != nil {
		cb.OnStart()
	}
	return true, nil
}

// pump forwards microphone audio into the SDK stream until the
// subscription is released.
func (r *Recognition) pump(ctx context.Context, chunks <-chan []byte, w *io.PipeWriter) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-chunks:
			if !ok {
				return
			}
			if _, err := w.Write(pcm); err != nil {
				return
			}
		}
	}
}

// Stop ends the live stream. The SDK close handshake is raced against ctx.
func (r *Recognition) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	stream := r.stream
	onStop := r.cb.OnStop
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		stream.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("deepgram_stop_timeout")
		return ctx.Err()
	}

	r.teardown()
	r.logger.Info("deepgram_stopped")
	if onStop != nil {
		onStop()
	}
	return nil
}

func (r *Recognition) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ForceReset abandons the current stream without waiting for Deepgram.
func (r *Recognition) ForceReset() {
	r.mu.Lock()
	stream := r.stream
	r.gen++
	r.mu.Unlock()
	r.teardown()
	if stream != nil {
		go stream.Stop()
	}
	r.logger.Warn("deepgram_force_reset")
}

func (r *Recognition) teardown() {
	r.mu.Lock()
	release, cancel, writer := r.release, r.cancel, r.writer
	r.active = false
	r.stopping = false
	r.stream = nil
	r.release, r.cancel, r.writer = nil, nil, nil
	r.segments = nil
	r.cb = recognition.Callbacks{}
	r.mu.Unlock()
	if release != nil {
		release()
	}
	if cancel != nil {
		cancel()
	}
	if writer != nil {
		_ = writer.Close()
	}
}

// handleTranscript folds one Deepgram result into the utterance. Interim
// results become partials, and speech_final closes the utterance.
func (r *Recognition) handleTranscript(gen uint64, text string, isFinal, speechFinal bool) {
	text = strings.TrimSpace(text)
	r.mu.Lock()
	if gen != r.gen || !r.active || r.stopping {
		r.mu.Unlock()
		return
	}
	cb := r.cb
	if isFinal && text != "" {
		r.segments = append(r.segments, text)
	}
	utterance := strings.Join(r.segments, " ")
	if !isFinal && text != "" {
		utterance = strings.TrimSpace(utterance + " " + text)
	}
	if speechFinal {
		r.segments = nil
	}
	r.mu.Unlock()

	if utterance == "" {
		return
	}
	r.logger.Debug("transcript_received",
		slog.String("transcript", redact.Text(utterance)),
		slog.Bool("is_final", isFinal),
		slog.Bool("speech_final", speechFinal))
	switch {
	case speechFinal:
		if cb.OnFinal != nil {
			cb.OnFinal(utterance)
		}
	case cb.OnPartial != nil:
		cb.OnPartial(utterance)
	}
}

// flushUtterance emits pending final segments when Deepgram reports the
// end of an utterance without a speech_final result.
func (r *Recognition) flushUtterance(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || !r.active || r.stopping || len(r.segments) == 0 {
		r.mu.Unlock()
		return
	}
	utterance := strings.Join(r.segments, " ")
	r.segments = nil
	fn := r.cb.OnFinal
	r.mu.Unlock()
	if fn != nil {
		fn(utterance)
	}
}

func (r *Recognition) fail(gen uint64, err error) {
	r.mu.Lock()
	if gen != r.gen || !r.active || r.stopping {
		r.mu.Unlock()
		return
	}
	fn := r.cb.OnError
	r.mu.Unlock()
	if fn != nil {
		fn(&errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionRuntime, Err: err})
	}
}

// closed reports a server-side close that nobody asked for.
func (r *Recognition) closed(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || !r.active || r.stopping {
		r.mu.Unlock()
		return
	}
	fn := r.cb.OnStop
	r.mu.Unlock()
	r.teardown()
	if fn != nil {
		fn()
	}
}

type callback struct {
	parent *Recognition
	gen    uint64
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	c.parent.handleTranscript(c.gen, mr.Channel.Alternatives[0].Transcript, mr.IsFinal, mr.SpeechFinal)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event")
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.flushUtterance(c.gen)
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.parent.closed(c.gen)
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.fail(c.gen, fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var _ recognition.Provider = (*Recognition)(nil)
