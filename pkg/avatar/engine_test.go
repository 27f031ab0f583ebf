package avatar

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/avatar/pkg/adapters/backend"
	"github.com/harunnryd/avatar/pkg/connection"
	"github.com/harunnryd/avatar/pkg/conversation"
	"github.com/harunnryd/avatar/pkg/metrics"
	"github.com/harunnryd/avatar/pkg/providers/mock"
	"github.com/harunnryd/avatar/pkg/transports"
	transportmock "github.com/harunnryd/avatar/pkg/transports/mock"
)

func testConfig() Config {
	return Config{
		Audio:   AudioConfig{SampleRate: 16000},
		Avatar:  AvatarConfig{Character: "lisa", Style: "casual-sitting"},
		Session: SessionConfig{StopBackoffMS: 1},
		Silence: SilenceConfig{WindowMS: 3_600_000},
		Conversation: ConversationConfig{
			SystemPrompt:   conversation.DefaultSystemPrompt,
			Pronunciations: conversation.DefaultPronunciations(),
		},
		Gateway: GatewayConfig{Path: "/ws"},
		Vendors: VendorsConfig{
			Synthesis:   VendorConfig{Provider: "mock", Settings: map[string]any{"speak_duration_ms": 5}},
			Recognition: VendorConfig{Provider: "mock", Settings: map[string]any{"transcript": "qual o horário"}},
			Backend:     VendorConfig{Provider: "mock"},
		},
	}
}

type engineFixture struct {
	engine     *Engine
	backend    *mock.Backend
	transports *transportmock.Factory
	memory     *metrics.MemoryObserver
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	f := &engineFixture{
		backend:    mock.NewBackend(mock.BackendConfig{StreamChunks: []string{"Funciona ", "24h"}}),
		transports: &transportmock.Factory{},
		memory:     metrics.NewMemoryObserver(),
	}
	reg := NewProviderRegistry()
	RegisterBuiltins(reg)
	reg.RegisterBackend("mock", func(Config) (backend.Backend, error) { return f.backend, nil })
	e, err := NewEngine(EngineOptions{
		Config:     cfg,
		Providers:  reg,
		Transports: f.transports.New,
		Users:      conversation.StaticUserStore("user_1"),
		Observers:  []metrics.Observer{f.memory},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	f.engine = e
	t.Cleanup(func() { _ = e.Close() })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func drainEvents(c *Client) {
	go func() {
		for range c.Session.Events() {
		}
	}()
}

func TestEngineTextConversation(t *testing.T) {
	f := newEngineFixture(t, testConfig())
	var tracks atomic.Int32
	client, err := f.engine.NewClient("client-1", func(transports.Track) { tracks.Add(1) })
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()
	drainEvents(client)

	ctx := context.Background()
	client.Session.Activate(ctx)
	if client.Connection.State() != connection.StateConnected {
		t.Fatalf("expected connected, got %s", client.Connection.State())
	}
	if f.transports.Count() != 1 {
		t.Fatalf("expected one transport, got %d", f.transports.Count())
	}
	f.transports.Last().PushTrack(transports.Track{ID: "v1", Kind: "video"})
	waitFor(t, "track callback", func() bool { return tracks.Load() == 1 })

	client.Session.SendMessage(ctx, "Qual o horário?")
	history := client.Session.History()
	last := history[len(history)-1]
	if last.Role != conversation.RoleAssistant || last.Content != "Funciona 24h" {
		t.Fatalf("unexpected assistant turn %+v", last)
	}
	reqs := f.backend.Requests()
	if len(reqs) != 1 || reqs[0].UserID != "user_1" || reqs[0].ConversationID != client.Session.ConversationID() {
		t.Fatalf("unexpected backend requests %+v", reqs)
	}
	if history[0].Role != conversation.RoleSystem {
		t.Fatalf("history must start with the system prompt")
	}

	client.Close()
	_ = f.engine.Close()
	if f.memory.Count(metrics.EventMessageSent) != 1 {
		t.Fatalf("message_sent must reach the observer chain")
	}
	if f.memory.Count(metrics.EventConnectionAttempt) == 0 {
		t.Fatalf("connection attempts must reach the observer chain")
	}
}

func TestEngineVoiceConversation(t *testing.T) {
	f := newEngineFixture(t, testConfig())
	if !f.engine.VoiceEnabled() {
		t.Fatalf("mock recognizer must enable voice")
	}
	client, err := f.engine.NewClient("client-2", nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()
	drainEvents(client)

	ctx := context.Background()
	client.Session.Activate(ctx)
	client.Microphone.SetPermission(true)
	client.Session.ToggleMicrophone(ctx)
	if !client.Session.IsListening() {
		t.Fatalf("expected listening after toggle")
	}
	client.Microphone.Push(make([]byte, 320))

	waitFor(t, "transcript sent", func() bool { return len(f.backend.Requests()) == 1 })
	if got := f.backend.Requests()[0].Message; got != "qual o horário" {
		t.Fatalf("unexpected message %q", got)
	}
	waitFor(t, "listening off", func() bool { return !client.Session.IsListening() })
}

func TestEngineTextOnlyWithoutRecognizer(t *testing.T) {
	cfg := testConfig()
	cfg.Vendors.Recognition = VendorConfig{}
	f := newEngineFixture(t, cfg)
	if f.engine.VoiceEnabled() {
		t.Fatalf("voice must be off without a recognizer")
	}
	client, err := f.engine.NewClient("client-3", nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	drainEvents(client)
	client.Session.ToggleMicrophone(context.Background())
	if client.Session.IsListening() {
		t.Fatalf("toggle must be a no-op without a recognizer")
	}
	client.Close()
	client.Close()
}

func TestEngineRejectsUnknownProviders(t *testing.T) {
	cases := map[string]func(*Config){
		"synthesis":   func(c *Config) { c.Vendors.Synthesis.Provider = "nope" },
		"recognition": func(c *Config) { c.Vendors.Recognition.Provider = "nope" },
		"backend":     func(c *Config) { c.Vendors.Backend.Provider = "nope" },
		"relay":       func(c *Config) { c.Vendors.Relay.Provider = "nope" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			_, err := NewEngine(EngineOptions{Config: cfg, Users: conversation.StaticUserStore("u")})
			if err == nil || !strings.Contains(err.Error(), "not registered") {
				t.Fatalf("expected registration error, got %v", err)
			}
		})
	}
}

func TestBuiltinSettingsAreValidated(t *testing.T) {
	cases := map[string]func(*Config){
		"avatarws url":    func(c *Config) { c.Vendors.Synthesis = VendorConfig{Provider: "avatarws"} },
		"deepgram key":    func(c *Config) { c.Vendors.Recognition = VendorConfig{Provider: "deepgram"} },
		"agentapi url":    func(c *Config) { c.Vendors.Backend = VendorConfig{Provider: "agentapi"} },
		"openai key":      func(c *Config) { c.Vendors.Backend = VendorConfig{Provider: "openai"} },
		"twilio sid":      func(c *Config) { c.Vendors.Relay = VendorConfig{Provider: "twilio"} },
		"unknown setting": func(c *Config) { c.Vendors.Backend.Settings = map[string]any{"colour": "blue"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			if _, err := NewEngine(EngineOptions{Config: cfg, Users: conversation.StaticUserStore("u")}); err == nil {
				t.Fatalf("expected settings error")
			}
		})
	}
}

func TestNewClientRequiresID(t *testing.T) {
	f := newEngineFixture(t, testConfig())
	if _, err := f.engine.NewClient(" ", nil); err == nil {
		t.Fatalf("expected id error")
	}
}
