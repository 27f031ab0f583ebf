package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/avatar/pkg/adapters/backend"
	"github.com/harunnryd/avatar/pkg/conversation"
	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/resilience"
)

type chatBody struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newServer(t *testing.T, handler func(w http.ResponseWriter, body chatBody)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		var body chatBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		handler(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sse(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		payload, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion.chunk",
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": c}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func request() backend.Request {
	return backend.Request{
		Message: "Qual o horário?",
		History: []conversation.Turn{
			{Role: conversation.RoleSystem, Content: "Você é um assistente."},
			{Role: conversation.RoleUser, Content: "Oi"},
			{Role: conversation.RoleAssistant, Content: "Olá!"},
			{Role: conversation.RoleUser, Content: "Qual o horário?"},
		},
	}
}

func collect(t *testing.T, reply backend.Reply) (string, error) {
	t.Helper()
	if !reply.Streaming() {
		t.Fatalf("expected a streamed reply")
	}
	var sb strings.Builder
	for chunk := range reply.Stream {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

func TestStreamingReply(t *testing.T) {
	var got chatBody
	srv := newServer(t, func(w http.ResponseWriter, body chatBody) {
		got = body
		sse(w, "Fun", "ciona", " 24h")
	})
	b, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL}, conversation.FallbackMessages{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	reply, err := b.Send(context.Background(), request())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	text, err := collect(t, reply)
	if err != nil || text != "Funciona 24h" {
		t.Fatalf("unexpected stream %q %v", text, err)
	}
	if !got.Stream || got.Model != string(defaultModel) {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Messages) != 4 || got.Messages[0].Role != "system" || got.Messages[3].Content != "Qual o horário?" {
		t.Fatalf("history must map one to one, got %+v", got.Messages)
	}
}

func TestSystemPromptAndMessageAdded(t *testing.T) {
	b, err := New(Config{APIKey: "sk-test", SystemPrompt: "Seja breve."}, conversation.FallbackMessages{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msgs := b.messages(backend.Request{Message: "Oi"})
	if len(msgs) != 2 || msgs[0].Content != "Seja breve." || msgs[1].Content != "Oi" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestCompleteReply(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, body chatBody) {
		if body.Stream {
			t.Errorf("stream must be off")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Funciona 24h"},"finish_reason":"stop"}]}`)
	})
	off := false
	b, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL, Stream: &off}, conversation.FallbackMessages{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	reply, err := b.Send(context.Background(), request())
	if err != nil || reply.Streaming() || reply.Text != "Funciona 24h" {
		t.Fatalf("unexpected reply %+v %v", reply, err)
	}
}

func TestFailuresCarryFallbacks(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		reason   errorsx.ReasonCode
		fallback string
	}{
		{"rate limited", http.StatusTooManyRequests, errorsx.ReasonBackendRateLimit, conversation.DefaultFallbacks().Unavailable},
		{"server error", http.StatusInternalServerError, errorsx.ReasonBackendUnavailable, conversation.DefaultFallbacks().Unavailable},
		{"bad request", http.StatusBadRequest, errorsx.ReasonBackendRequest, conversation.DefaultFallbacks().Error},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, body chatBody) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"error":{"message":"nope","type":"server_error"}}`)
			})
			b, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL}, conversation.FallbackMessages{})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			reply, err := b.Send(context.Background(), request())
			if errorsx.Reason(err) != tc.reason {
				t.Fatalf("expected %s, got %v", tc.reason, err)
			}
			if reply.Text != tc.fallback {
				t.Fatalf("unexpected fallback %q", reply.Text)
			}
			if tc.status == http.StatusTooManyRequests && !resilience.IsRateLimit(err) {
				t.Fatalf("rate limits must trip the circuit breaker")
			}
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{}, conversation.FallbackMessages{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}
