package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/avatar/pkg/avatar"
	"github.com/harunnryd/avatar/pkg/conversation"
	"github.com/harunnryd/avatar/pkg/transports"
	transportmock "github.com/harunnryd/avatar/pkg/transports/mock"
)

func testEngine(t *testing.T, factory *transportmock.Factory) *avatar.Engine {
	t.Helper()
	cfg := avatar.Config{
		Audio:   avatar.AudioConfig{SampleRate: 16000},
		Avatar:  avatar.AvatarConfig{Character: "lisa", Style: "casual-sitting"},
		Session: avatar.SessionConfig{StopBackoffMS: 1},
		Silence: avatar.SilenceConfig{WindowMS: 3_600_000},
		Conversation: avatar.ConversationConfig{
			SystemPrompt: conversation.DefaultSystemPrompt,
		},
		Gateway: avatar.GatewayConfig{Path: "/ws"},
		Vendors: avatar.VendorsConfig{
			Synthesis:   avatar.VendorConfig{Provider: "mock", Settings: map[string]any{"speak_duration_ms": 5}},
			Recognition: avatar.VendorConfig{Provider: "mock", Settings: map[string]any{"transcript": "oi"}},
			Backend:     avatar.VendorConfig{Provider: "mock", Settings: map[string]any{"response_text": "Funciona"}},
		},
	}
	e, err := avatar.NewEngine(avatar.EngineOptions{
		Config:     cfg,
		Transports: factory.New,
		Users:      conversation.StaticUserStore("user_1"),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func startServer(t *testing.T, cfg Config, e *avatar.Engine) (*Server, *httptest.Server) {
	t.Helper()
	cfg.VoiceEnabled = e.VoiceEnabled()
	srv := New(cfg, e.NewClient, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Registry().CloseAll()
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil returns the first message matching match, failing after two
// seconds.
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("bad message %s: %v", raw, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func ofType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

func send(t *testing.T, conn *websocket.Conn, cmd Command) {
	t.Helper()
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestGatewayConversation(t *testing.T) {
	factory := &transportmock.Factory{}
	srv, ts := startServer(t, Config{}, testEngine(t, factory))
	conn := dial(t, ts)

	ready := readUntil(t, conn, "ready", ofType(MessageReady))
	if ready["client_id"] == "" || ready["voice_enabled"] != true {
		t.Fatalf("unexpected ready %v", ready)
	}
	if srv.Registry().Count() != 1 {
		t.Fatalf("expected one registered client, got %d", srv.Registry().Count())
	}

	send(t, conn, Command{Type: CommandActivate})
	readUntil(t, conn, "connected", func(m map[string]any) bool {
		return m["type"] == "status" && m["status"] == "connected"
	})

	factory.Last().PushTrack(transports.Track{ID: "v1", Kind: "video"})
	track := readUntil(t, conn, "track", ofType(MessageTrack))
	if info, _ := track["track"].(map[string]any); info["kind"] != "video" {
		t.Fatalf("unexpected track %v", track)
	}

	send(t, conn, Command{Type: CommandSend, Text: "Qual o horário?"})
	reply := readUntil(t, conn, "assistant turn", func(m map[string]any) bool {
		turn, _ := m["turn"].(map[string]any)
		return m["type"] == "message" && turn["role"] == "assistant"
	})
	if turn := reply["turn"].(map[string]any); turn["content"] != "Funciona" {
		t.Fatalf("unexpected reply %v", reply)
	}

	send(t, conn, Command{Type: CommandSnapshot})
	snap := readUntil(t, conn, "snapshot", ofType(MessageSnapshot))
	if s, _ := snap["snapshot"].(map[string]any); s["status"] != "connected" {
		t.Fatalf("unexpected snapshot %v", snap)
	}

	send(t, conn, Command{Type: "dance"})
	bad := readUntil(t, conn, "command error", ofType(MessageCommandError))
	if bad["command"] != "dance" {
		t.Fatalf("unexpected command error %v", bad)
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Registry().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayVoiceTurn(t *testing.T) {
	factory := &transportmock.Factory{}
	_, ts := startServer(t, Config{}, testEngine(t, factory))
	conn := dial(t, ts)
	readUntil(t, conn, "ready", ofType(MessageReady))

	send(t, conn, Command{Type: CommandActivate})
	readUntil(t, conn, "connected", func(m map[string]any) bool { return m["status"] == "connected" })
	send(t, conn, Command{Type: CommandMicPermission, Granted: true})
	send(t, conn, Command{Type: CommandToggleMic})
	readUntil(t, conn, "listening", func(m map[string]any) bool {
		return m["type"] == "listening" && m["active"] == true
	})
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	readUntil(t, conn, "user turn", func(m map[string]any) bool {
		turn, _ := m["turn"].(map[string]any)
		return m["type"] == "message" && turn["role"] == "user" && turn["content"] == "oi"
	})
}

func TestGatewayDrainingRefusesClients(t *testing.T) {
	srv, ts := startServer(t, Config{DrainTimeout: 50 * time.Millisecond}, testEngine(t, &transportmock.Factory{}))
	conn := dial(t, ts)
	readUntil(t, conn, "ready", ofType(MessageReady))

	done := make(chan error, 1)
	go func() { done <- srv.Drain() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("drain did not finish")
	}
	if srv.Registry().Count() != 0 {
		t.Fatalf("drain must close remaining clients")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %v", err)
	}
	res, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready must fail while draining, got %d", res.StatusCode)
	}
}

func TestGatewayClientLimit(t *testing.T) {
	_, ts := startServer(t, Config{MaxClients: 1}, testEngine(t, &transportmock.Factory{}))
	conn := dial(t, ts)
	readUntil(t, conn, "ready", ofType(MessageReady))

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 over the limit, got %v", err)
	}
}

func TestCheckOrigin(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", nil, "", "avatar.local", true},
		{"same host by default", nil, "https://avatar.local", "avatar.local", true},
		{"other host by default", nil, "https://evil.example", "avatar.local", false},
		{"full origin match", []string{"https://app.example/"}, "https://app.example", "avatar.local", true},
		{"scheme mismatch", []string{"https://app.example"}, "http://app.example", "avatar.local", false},
		{"bare host match", []string{"app.example"}, "http://APP.example", "avatar.local", true},
		{"wildcard", []string{"*"}, "https://any.example", "avatar.local", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Config{AllowedOrigins: tc.allowed}, nil, nil)
			req := httptest.NewRequest(http.MethodGet, "http://"+tc.host+"/ws", nil)
			req.Host = tc.host
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if got := s.checkOrigin(req); got != tc.want {
				t.Fatalf("checkOrigin = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGatewayStartReportsBindErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	srv := New(Config{Addr: ln.Addr().String()}, nil, nil)
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected bind error on a taken port")
	}

	free := New(Config{Addr: "127.0.0.1:0"}, nil, nil)
	if err := free.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := free.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
}
