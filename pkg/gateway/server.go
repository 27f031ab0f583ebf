package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/avatar/pkg/avatar"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/transports"
)

type Config struct {
	Addr           string
	Path           string
	AllowedOrigins []string
	AllowAnyOrigin bool
	MaxClients     int
	DrainTimeout   time.Duration
	VoiceEnabled   bool
	SendBuffer     int
	WriteTimeout   time.Duration
	ReadLimit      int64
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

// Server bridges browser websockets to avatar sessions: JSON commands in,
// session events and track notices out.
type Server struct {
	cfg      Config
	registry *Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger
	server   *http.Server
	draining atomic.Bool
}

func New(cfg Config, factory ClientFactory, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(factory, cfg.MaxClients),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logging.NewComponentLogger(logger, "gateway"),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

// NewFromEngine wires the gateway to an engine using its gateway settings.
func NewFromEngine(e *avatar.Engine, logger *slog.Logger) *Server {
	gw := e.Config().Gateway
	return New(Config{
		Addr:           gw.Addr,
		Path:           gw.Path,
		AllowedOrigins: gw.AllowedOrigins,
		MaxClients:     gw.MaxClients,
		DrainTimeout:   time.Duration(gw.DrainTimeoutMS) * time.Millisecond,
		VoiceEnabled:   e.VoiceEnabled(),
	}, e.NewClient, logger)
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if s.registry.Draining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"clients": s.registry.Count()})
	})
	return mux
}

// Start binds the listener and serves in the background. Bind errors are
// returned; ctx ending closes the server without draining.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", s.cfg.Addr, err)
	}
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway_server_error", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("gateway_started", slog.String("addr", ln.Addr().String()), slog.String("path", s.cfg.Path))
	return nil
}

// Drain refuses new clients, waits up to DrainTimeout for the open ones to
// leave, then closes the rest and the listener.
func (s *Server) Drain() error {
	if !s.draining.CompareAndSwap(false, true) {
		return nil
	}
	s.registry.SetDraining(true)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	if !s.registry.WaitForEmpty(ctx, 0) {
		s.logger.Warn("gateway_drain_timeout", slog.Int64("clients", s.registry.Count()))
	}
	s.registry.CloseAll()
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.registry.Draining() || s.registry.Full() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	sock := newSocket(conn, s.cfg.SendBuffer, s.cfg.WriteTimeout)

	id := uuid.NewString()
	logger := logging.WithSession(s.logger, id)
	client, err := s.registry.Create(id, func(t transports.Track) {
		sock.enqueue(trackMessage(t))
	})
	if err != nil {
		logger.Warn("gateway_client_rejected", slog.String("error", err.Error()))
		sock.enqueue(CommandErrorMessage{Type: MessageCommandError, Text: err.Error()})
		sock.close()
		return
	}
	logger.Info("gateway_client_connected", slog.String("remote", r.RemoteAddr))

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range client.Session.Events() {
			sock.enqueue(ev)
		}
		// The session was closed, possibly by Drain: unblock the read loop.
		_ = conn.SetReadDeadline(time.Now())
	}()
	sock.enqueue(ReadyMessage{
		Type:         MessageReady,
		ClientID:     id,
		VoiceEnabled: s.cfg.VoiceEnabled,
		Snapshot:     client.Session.Snapshot(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	var inflight sync.WaitGroup
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if kind == websocket.BinaryMessage {
			client.Microphone.Push(msg)
			continue
		}
		var cmd Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			sock.enqueue(CommandErrorMessage{Type: MessageCommandError, Text: "invalid command"})
			continue
		}
		s.dispatch(ctx, &inflight, sock, client, cmd)
	}

	cancel()
	s.registry.Remove(id)
	inflight.Wait()
	<-forwarded
	sock.close()
	logger.Info("gateway_client_disconnected")
}

// dispatch runs blocking session calls off the read loop so microphone
// audio keeps flowing while a reply is spoken.
func (s *Server) dispatch(ctx context.Context, inflight *sync.WaitGroup, sock *socket, client *avatar.Client, cmd Command) {
	run := func(fn func()) {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			fn()
		}()
	}
	switch strings.ToLower(strings.TrimSpace(cmd.Type)) {
	case CommandActivate:
		run(func() { client.Session.Activate(ctx) })
	case CommandSend:
		text := cmd.Text
		run(func() { client.Session.SendMessage(ctx, text) })
	case CommandToggleMic:
		run(func() { client.Session.ToggleMicrophone(ctx) })
	case CommandMicPermission:
		client.Microphone.SetPermission(cmd.Granted)
	case CommandClear:
		run(func() { client.Session.ClearConversation(ctx) })
	case CommandSnapshot:
		sock.enqueue(SnapshotMessage{Type: MessageSnapshot, Snapshot: client.Session.Snapshot()})
	default:
		sock.enqueue(CommandErrorMessage{Type: MessageCommandError, Command: cmd.Type, Text: "unknown command"})
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	if len(s.cfg.AllowedOrigins) == 0 {
		return sameHost(origin, r.Host)
	}
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if a == "*" {
			return true
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func sameHost(origin, host string) bool {
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	return strings.EqualFold(originHost, host)
}
