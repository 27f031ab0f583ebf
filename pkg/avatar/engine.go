package avatar

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/avatar/pkg/adapters/backend"
	"github.com/harunnryd/avatar/pkg/adapters/recognition"
	"github.com/harunnryd/avatar/pkg/adapters/synthesis"
	"github.com/harunnryd/avatar/pkg/audio"
	"github.com/harunnryd/avatar/pkg/connection"
	"github.com/harunnryd/avatar/pkg/conversation"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/metrics"
	"github.com/harunnryd/avatar/pkg/observers"
	"github.com/harunnryd/avatar/pkg/redact"
	"github.com/harunnryd/avatar/pkg/relay"
	"github.com/harunnryd/avatar/pkg/resilience"
	"github.com/harunnryd/avatar/pkg/session"
	"github.com/harunnryd/avatar/pkg/silence"
	"github.com/harunnryd/avatar/pkg/speech"
	"github.com/harunnryd/avatar/pkg/transports"
	"github.com/harunnryd/avatar/pkg/transports/webrtc"
)

// Engine builds one fully wired session per UI client. Vendor providers,
// the backend wrappers and the observer chain are shared by all clients.
type Engine struct {
	cfg        Config
	providers  *ProviderRegistry
	synthesis  synthesis.Factory
	recognizer recognition.Factory
	backend    backend.Backend
	relay      relay.Source
	transports transports.Factory
	users      conversation.UserStore
	normalizer *conversation.Normalizer
	base       *slog.Logger
	logger     *slog.Logger

	asyncObs *metrics.AsyncObserver
	latency  *observers.LatencyObserver
	events   *metrics.JSONLObserver

	closeOnce sync.Once
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Transports defaults to pion peer connections.
	Transports transports.Factory
	// Users defaults to the file at conversation.user_id_path.
	Users  conversation.UserStore
	Logger *slog.Logger
	// Observers receive every metrics event next to the built-in chain.
	Observers []metrics.Observer
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
		RegisterBuiltins(providers)
	}

	synth, err := providers.BuildSynthesis(cfg)
	if err != nil {
		return nil, err
	}
	recog, err := providers.BuildRecognition(cfg)
	if err != nil {
		return nil, err
	}
	inner, err := providers.BuildBackend(cfg)
	if err != nil {
		return nil, err
	}
	src, err := providers.BuildRelay(cfg)
	if err != nil {
		return nil, err
	}

	latencyObs := observers.NewLatencyObserver(logger)
	obsList := []metrics.Observer{latencyObs, observers.NewLoggerObserver(logger)}
	var eventsObs *metrics.JSONLObserver
	if path := strings.TrimSpace(cfg.Observability.EventsPath); path != "" {
		eventsObs, err = metrics.OpenJSONLObserver(path)
		if err != nil {
			return nil, fmt.Errorf("open events log: %w", err)
		}
		obsList = append(obsList, eventsObs)
	}
	obsList = append(obsList, opts.Observers...)
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), cfg.Observability.EventsBuffer)

	retry := backend.NewRetryBackend(inner, backend.RetryConfig{
		MaxAttempts: cfg.Backend.RetryAttempts,
		BaseDelay:   millis(cfg.Backend.RetryBaseMS),
	})
	retry.SetObserver(asyncObs)
	cooldown := millis(cfg.Backend.CircuitCooldownMS)
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	threshold := cfg.Backend.CircuitThreshold
	if threshold <= 0 {
		threshold = 3
	}
	breaker := backend.NewCircuitBreakerBackend(retry, resilience.NewCircuitBreaker(threshold, cooldown))
	breaker.SetObserver(asyncObs)

	newTransport := opts.Transports
	if newTransport == nil {
		newTransport = webrtc.NewFactory()
	}
	users := opts.Users
	if users == nil {
		users = conversation.NewFileStore(cfg.Conversation.UserIDPath)
	}

	logger.Info("avatar_engine_init",
		slog.String("environment", cfg.Environment),
		slog.String("synthesis_provider", cfg.Vendors.Synthesis.Provider),
		slog.String("recognition_provider", cfg.Vendors.Recognition.Provider),
		slog.String("backend_provider", cfg.Vendors.Backend.Provider),
		slog.String("relay_provider", cfg.Vendors.Relay.Provider),
	)

	return &Engine{
		cfg:        cfg,
		providers:  providers,
		synthesis:  synth,
		recognizer: recog,
		backend:    breaker,
		relay:      src,
		transports: newTransport,
		users:      users,
		normalizer: conversation.NewNormalizer(cfg.Conversation.Pronunciations),
		base:       logger,
		logger:     logging.NewComponentLogger(logger, "avatar_engine"),
		asyncObs:   asyncObs,
		latency:    latencyObs,
		events:     eventsObs,
	}, nil
}

// Client is one UI client's session and the pieces it owns.
type Client struct {
	ID         string
	Session    *session.Controller
	Microphone *audio.Microphone
	Connection *connection.Manager
	Speech     *speech.Controller

	engine    *Engine
	closeOnce sync.Once
}

// NewClient wires a session for id. onTrack, when set, is told about every
// remote media track the avatar service sends.
func (e *Engine) NewClient(id string, onTrack func(transports.Track)) (*Client, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("avatar: client id is required")
	}
	cfg := e.cfg
	tags := map[string]string{"session_id": id}
	logger := logging.WithSession(e.base, id)

	mic := audio.NewMicrophone(cfg.Audio.SampleRate)
	conn, err := connection.NewManager(connection.Options{
		Config: connection.Config{
			PrimaryTimeout:    millis(cfg.Connection.PrimaryTimeoutMS),
			FallbackTimeout:   millis(cfg.Connection.FallbackTimeoutMS),
			CredentialTimeout: millis(cfg.Connection.CredentialTimeoutMS),
			DisconnectGrace:   millis(cfg.Connection.DisconnectGraceMS),
			Avatar:            cfg.AvatarSettings(),
		},
		Relay:      e.relay,
		Transports: e.transports,
		Synthesis:  e.synthesis,
		Logger:     logger,
		Observer:   e.asyncObs,
		OnTrack:    onTrack,
	})
	if err != nil {
		mic.Close()
		return nil, err
	}
	speaker := speech.NewController(conn, speech.Options{
		Timeout:  millis(cfg.Speech.TimeoutMS),
		Voice:    cfg.Voice(),
		Logger:   logger,
		Observer: e.asyncObs,
		Tags:     tags,
	})

	opts := session.Options{
		ID:               id,
		Connection:       conn,
		Speech:           speaker,
		Backend:          e.backend,
		History:          conversation.NewHistory(cfg.Conversation.SystemPrompt),
		Users:            e.users,
		Normalizer:       e.normalizer,
		Fallbacks:        cfg.Conversation.Fallback,
		Window:           cfg.Conversation.Window,
		ActivateDebounce: millis(cfg.Session.ActivateDebounceMS),
		ErrorClear:       millis(cfg.Session.ErrorClearMS),
		StopRetries:      cfg.Session.StopRetries,
		StopBackoff:      millis(cfg.Session.StopBackoffMS),
		StopTimeout:      millis(cfg.Session.StopTimeoutMS),
		Logger:           logger,
		Observer:         e.asyncObs,
	}
	if e.recognizer != nil {
		rec, err := e.recognizer(mic)
		if err != nil {
			mic.Close()
			return nil, fmt.Errorf("build recognizer: %w", err)
		}
		opts.Recognition = rec
		opts.Microphone = mic
		opts.Silence = silence.NewMonitor(mic, silence.Options{
			Threshold:      cfg.Silence.Threshold,
			Window:         millis(cfg.Silence.WindowMS),
			SampleInterval: millis(cfg.Silence.SampleIntervalMS),
			Logger:         logger,
			Observer:       e.asyncObs,
			Tags:           tags,
		})
	}
	ctrl, err := session.NewController(opts)
	if err != nil {
		mic.Close()
		return nil, err
	}
	return &Client{
		ID:         id,
		Session:    ctrl,
		Microphone: mic,
		Connection: conn,
		Speech:     speaker,
		engine:     e,
	}, nil
}

// VoiceEnabled reports whether clients get a recognizer.
func (e *Engine) VoiceEnabled() bool { return e.recognizer != nil }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

// Latency returns the last measured turn latency of a client.
func (e *Engine) Latency(id string) (observers.Latency, bool) {
	return e.latency.Last(id)
}

// Close flushes the observer chain. Clients must be closed first.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.asyncObs.Close()
		if e.events != nil {
			err = e.events.Close()
		}
		e.logger.Info("avatar_engine_closed", slog.Int64("dropped_events", e.asyncObs.Dropped()))
	})
	return err
}

// Close ends the session and releases the microphone. Safe to repeat.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.Session.Close()
		c.Microphone.Close()
		c.engine.latency.Forget(c.ID)
	})
}
