package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/avatar/pkg/adapters/synthesis"
	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/metrics"
	"github.com/harunnryd/avatar/pkg/relay"
	"github.com/harunnryd/avatar/pkg/transports"
)

const (
	DefaultPrimaryTimeout    = 30 * time.Second
	DefaultFallbackTimeout   = 10 * time.Second
	DefaultCredentialTimeout = relay.DefaultTimeout
	// DefaultDisconnectGrace is how long a "disconnected" peer may take to
	// recover before the session is torn down.
	DefaultDisconnectGrace = 5 * time.Second
)

var errAborted = errors.New("connect aborted by disconnect")

type Config struct {
	PrimaryTimeout    time.Duration
	FallbackTimeout   time.Duration
	CredentialTimeout time.Duration
	DisconnectGrace   time.Duration
	Avatar            synthesis.AvatarConfig
}

func (c Config) withDefaults() Config {
	if c.PrimaryTimeout <= 0 {
		c.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = DefaultFallbackTimeout
	}
	if c.CredentialTimeout <= 0 {
		c.CredentialTimeout = DefaultCredentialTimeout
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	return c
}

type Options struct {
	Config      Config
	Relay       relay.Source
	Transports  transports.Factory
	Synthesis   synthesis.Factory
	Logger      *slog.Logger
	Observer    metrics.Observer
	OnTrack     func(transports.Track)
	OnSynthesis func(synthesis.Event)
}

// strategy is one connection attempt: every attempt builds its own
// credentials, transport and provider.
type strategy struct {
	name    string
	timeout time.Duration
}

// Manager owns the transport and the synthesis provider for one session.
type Manager struct {
	cfg          Config
	relay        relay.Source
	newTransport transports.Factory
	newProvider  synthesis.Factory
	logger       *slog.Logger
	obs          metrics.Observer
	onTrack      func(transports.Track)
	onSynthesis  func(synthesis.Event)

	mu         sync.Mutex
	state      State
	transport  transports.Transport
	provider   synthesis.Provider
	generation uint64
	// abort cancels the connect sequence in flight, nil otherwise.
	abort     context.CancelFunc
	listeners []Listener
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Transports == nil {
		return nil, errors.New("connection: transport factory is required")
	}
	if opts.Synthesis == nil {
		return nil, errors.New("connection: synthesis factory is required")
	}
	if opts.Relay == nil {
		opts.Relay = relay.Static(transports.DefaultSTUN())
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Manager{
		cfg:          opts.Config.withDefaults(),
		relay:        opts.Relay,
		newTransport: opts.Transports,
		newProvider:  opts.Synthesis,
		logger:       logging.NewComponentLogger(opts.Logger, "connection_manager"),
		obs:          opts.Observer,
		onTrack:      opts.OnTrack,
		onSynthesis:  opts.OnSynthesis,
		state:        StateDisconnected,
	}, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool { return m.State() == StateConnected }

func (m *Manager) StatusText() string { return m.State().StatusText() }

// ActiveProvider returns the synthesis provider while Connected.
func (m *Manager) ActiveProvider() (synthesis.Provider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.provider == nil {
		return nil, false
	}
	return m.provider, true
}

// AddListener registers a listener for state change events.
func (m *Manager) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Connect brings up the avatar session. It returns nil immediately when a
// connect is already in flight or the session is up.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	ev, err := m.transitionLocked(StateConnecting, "connect", nil)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	gen := m.generation
	ctx, cancel := context.WithCancel(ctx)
	m.abort = cancel
	m.mu.Unlock()
	defer m.endSequence(gen, cancel)
	m.notify(ev)

	var (
		lastErr  error
		lastName string
	)
	for _, s := range []strategy{
		{name: "primary", timeout: m.cfg.PrimaryTimeout},
		{name: "fallback", timeout: m.cfg.FallbackTimeout},
	} {
		if ctx.Err() != nil || !m.current(gen) {
			break
		}
		lastName = s.name
		res, err := m.attempt(ctx, s)
		if err != nil {
			lastErr = err
			m.logger.Warn("connection_attempt_failed",
				slog.String("attempt", s.name),
				slog.String("reason", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			continue
		}
		if err := m.install(gen, res); err != nil {
			return &errorsx.ConnectionError{Reason: errorsx.ReasonTransportFailed, Attempt: s.name, Err: err}
		}
		return nil
	}
	if lastErr == nil {
		lastErr = &errorsx.ConnectionError{Reason: errorsx.ReasonProviderStart, Err: ctx.Err()}
	}
	var connErr *errorsx.ConnectionError
	if !errors.As(lastErr, &connErr) {
		connErr = &errorsx.ConnectionError{Reason: errorsx.ReasonProviderStart, Err: lastErr}
	}
	connErr.Attempt = lastName

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return connErr
	}
	ev, terr := m.transitionLocked(StateFailed, "connect_failed", connErr)
	m.mu.Unlock()
	if terr == nil {
		m.notify(ev)
	}
	return connErr
}

// current reports whether gen is still the live connect sequence.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

func (m *Manager) endSequence(gen uint64, cancel context.CancelFunc) {
	cancel()
	m.mu.Lock()
	if gen == m.generation {
		m.abort = nil
	}
	m.mu.Unlock()
}

// abortLocked bumps the generation and cancels the connect sequence in
// flight. m.mu must be held.
func (m *Manager) abortLocked() {
	m.generation++
	if m.abort != nil {
		m.abort()
		m.abort = nil
	}
}

// Disconnect tears everything down and returns to Disconnected, aborting a
// connect in flight. It never fails and may be called any number of times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.abortLocked()
	transport, provider := m.transport, m.provider
	m.transport, m.provider = nil, nil
	var (
		ev      StateChange
		changed bool
	)
	if m.state != StateDisconnected {
		var err error
		ev, err = m.transitionLocked(StateDisconnected, "disconnect", nil)
		changed = err == nil
	}
	m.mu.Unlock()

	release(provider, transport)
	if changed {
		m.logger.Info("connection_closed")
		m.notify(ev)
	}
}

type attemptResult struct {
	transport transports.Transport
	provider  synthesis.Provider
	session   string
}

// attempt races one strategy against its timeout. The losing side is
// ignored; a late success releases its own resources.
func (m *Manager) attempt(ctx context.Context, s strategy) (attemptResult, error) {
	start := time.Now()
	m.logger.Info("connection_attempt_started",
		slog.String("attempt", s.name),
		slog.Duration("timeout", s.timeout))

	actx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		res attemptResult
		err error
	}
	var settled atomic.Bool
	done := make(chan outcome, 1)
	go func() {
		res, err := m.build(actx, s.name)
		if !settled.CompareAndSwap(false, true) {
			if err == nil {
				m.logger.Warn("connection_attempt_late", slog.String("attempt", s.name))
				release(res.provider, res.transport)
			}
			return
		}
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-actx.Done():
		if settled.CompareAndSwap(false, true) {
			out.err = &errorsx.ConnectionError{Reason: errorsx.ReasonProviderTimeout, Attempt: s.name, Err: actx.Err()}
		} else {
			out = <-done
		}
	}

	metrics.Record(m.obs, metrics.EventConnectionAttempt,
		map[string]string{"attempt": s.name},
		map[string]any{"ok": out.err == nil, "duration_ms": time.Since(start).Milliseconds()})
	return out.res, out.err
}

// build runs steps (a)-(e) of one attempt. On failure it releases whatever
// it created.
func (m *Manager) build(ctx context.Context, name string) (attemptResult, error) {
	credCtx, cancel := context.WithTimeout(ctx, m.cfg.CredentialTimeout)
	creds, err := m.relay.Fetch(credCtx)
	cancel()
	if err != nil {
		var ce *errorsx.CredentialError
		if !errors.As(err, &ce) {
			err = &errorsx.CredentialError{Reason: errorsx.ReasonCredentialFetch, Err: err}
		}
		return attemptResult{}, &errorsx.ConnectionError{Reason: errorsx.ReasonCredentialFetch, Attempt: name, Err: err}
	}

	transport, err := m.newTransport(creds.Servers)
	if err != nil {
		return attemptResult{}, &errorsx.ConnectionError{Reason: errorsx.ReasonTransportCreate, Attempt: name, Err: err}
	}
	transport.OnTrack(m.handleTrack)
	transport.OnStateChange(func(s transports.PeerState) { m.handlePeerState(transport, s) })

	provider, err := m.newProvider()
	if err != nil {
		release(nil, transport)
		return attemptResult{}, &errorsx.ConnectionError{Reason: errorsx.ReasonProviderStart, Attempt: name, Err: err}
	}
	if err := provider.Configure(m.cfg.Avatar); err != nil {
		release(provider, transport)
		return attemptResult{}, &errorsx.ConnectionError{Reason: errorsx.ReasonProviderStart, Attempt: name, Err: err}
	}
	ack, err := provider.Attach(ctx, transport)
	if err != nil {
		release(provider, transport)
		reason := errorsx.ReasonProviderStart
		if ctx.Err() != nil {
			reason = errorsx.ReasonProviderTimeout
		}
		return attemptResult{}, &errorsx.ConnectionError{Reason: reason, Attempt: name, Err: err}
	}
	if transport.State().Terminal() {
		release(provider, transport)
		return attemptResult{}, &errorsx.ConnectionError{
			Reason:  errorsx.ReasonTransportFailed,
			Attempt: name,
			Err:     errors.New("transport " + string(transport.State())),
		}
	}
	return attemptResult{transport: transport, provider: provider, session: ack.SessionID}, nil
}

func (m *Manager) install(gen uint64, res attemptResult) error {
	m.mu.Lock()
	if gen != m.generation || m.state != StateConnecting {
		m.mu.Unlock()
		release(res.provider, res.transport)
		return errAborted
	}
	m.transport, m.provider = res.transport, res.provider
	ev, err := m.transitionLocked(StateConnected, "connected", nil)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.logger.Info("connection_established",
		slog.String("transport", res.transport.Name()),
		slog.String("provider", res.provider.Name()),
		slog.String("avatar_session", res.session))
	go m.drainEvents(res.provider)
	go m.watchProvider(res.provider)
	m.notify(ev)
	return nil
}

func (m *Manager) handleTrack(track transports.Track) {
	m.logger.Debug("remote_track", slog.String("kind", track.Kind), slog.String("track_id", track.ID))
	if m.onTrack != nil {
		m.onTrack(track)
	}
}

// handlePeerState tears the session down when the live transport fails.
// Events from transports of earlier attempts are ignored.
func (m *Manager) handlePeerState(t transports.Transport, s transports.PeerState) {
	switch {
	case s.Terminal():
		m.dropTransport(t, s)
	case s == transports.PeerDisconnected:
		time.AfterFunc(m.cfg.DisconnectGrace, func() {
			if t.State() == transports.PeerDisconnected {
				m.dropTransport(t, s)
			}
		})
	}
}

func (m *Manager) dropTransport(t transports.Transport, s transports.PeerState) {
	m.mu.Lock()
	if m.transport != t || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("transport_lost", slog.String("peer_state", string(s)))
	m.teardownLocked("transport_"+string(s), errors.New("peer "+string(s)))
}

// watchProvider tears the session down when the live provider loses its
// service. A provider released by the manager itself is no longer live.
func (m *Manager) watchProvider(p synthesis.Provider) {
	<-p.Done()
	m.mu.Lock()
	if m.provider != p || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("avatar_service_lost", slog.String("provider", p.Name()))
	m.teardownLocked("provider_lost", errors.New("avatar service connection lost"))
}

// teardownLocked drops the live session after a failure. It is called with
// m.mu held and releases it.
func (m *Manager) teardownLocked(reason string, err error) {
	cause := &errorsx.ConnectionError{Reason: errorsx.ReasonTransportFailed, Err: err}
	m.abortLocked()
	transport, provider := m.transport, m.provider
	m.transport, m.provider = nil, nil
	ev, terr := m.transitionLocked(StateDisconnected, reason, cause)
	m.mu.Unlock()

	release(provider, transport)
	if terr == nil {
		m.notify(ev)
	}
}

func (m *Manager) drainEvents(p synthesis.Provider) {
	events := p.Events()
	if events == nil {
		return
	}
	for ev := range events {
		m.logger.Debug("synthesis_event", slog.String("kind", string(ev.Kind)), slog.String("speech_id", ev.SpeechID))
		if m.onSynthesis != nil {
			m.onSynthesis(ev)
		}
	}
}

// transitionLocked must be called with m.mu held. Listeners are notified
// by the caller once the lock is released.
func (m *Manager) transitionLocked(to State, reason string, cause error) (StateChange, error) {
	if !transitionValid(m.state, to) {
		return StateChange{}, &InvalidTransitionError{From: m.state, To: to}
	}
	ev := StateChange{From: m.state, To: to, Reason: reason, Err: cause, Timestamp: time.Now()}
	m.state = to
	return ev, nil
}

func (m *Manager) notify(ev StateChange) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	tags := map[string]string{"from": ev.From.String(), "to": ev.To.String()}
	if ev.Err != nil {
		tags["reason"] = string(errorsx.Reason(ev.Err))
	}
	metrics.Record(m.obs, metrics.EventConnectionState, tags, nil)
	for _, l := range listeners {
		l.OnStateChange(ev)
	}
}

func release(p synthesis.Provider, t transports.Transport) {
	if p != nil {
		_ = p.Close()
	}
	if t != nil {
		_ = t.Close()
	}
}
