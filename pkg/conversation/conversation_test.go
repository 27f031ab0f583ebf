package conversation

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/harunnryd/avatar/pkg/errorsx"
)

func TestHistorySeedAndWindow(t *testing.T) {
	h := NewHistory("Você é um assistente.")
	if h.Len() != 1 || h.Turns()[0].Role != RoleSystem {
		t.Fatalf("expected seeded system turn")
	}
	for i := 0; i < 12; i++ {
		h.Append(RoleUser, "pergunta")
		h.Append(RoleAssistant, "resposta")
	}
	if got := len(h.Window(DefaultWindow)); got != DefaultWindow {
		t.Fatalf("expected window of %d, got %d", DefaultWindow, got)
	}
	if h.UserTurns() != 12 {
		t.Fatalf("expected 12 user turns, got %d", h.UserTurns())
	}
	h.Reset()
	if h.Len() != 1 {
		t.Fatalf("expected only the system turn after reset, got %d", h.Len())
	}
}

func TestBuilderFreezesOnce(t *testing.T) {
	h := NewHistory("")
	var b Builder
	for _, c := range []string{"Fun", "ciona", " 24h"} {
		b.Add(c)
	}
	turn, ok := b.Freeze(h)
	if !ok || turn.Content != "Funciona 24h" || turn.Role != RoleAssistant {
		t.Fatalf("unexpected frozen turn %+v ok=%v", turn, ok)
	}
	b.Add(" extra")
	if _, ok := b.Freeze(h); ok {
		t.Fatalf("second freeze must be rejected")
	}
	if h.Len() != 1 {
		t.Fatalf("expected exactly one assistant turn, got %d", h.Len())
	}
}

func TestBuilderEmptyDoesNotAppend(t *testing.T) {
	h := NewHistory("")
	var b Builder
	if _, ok := b.Freeze(h); ok || h.Len() != 0 {
		t.Fatalf("empty builder must not append")
	}
}

func TestNormalizerPronunciations(t *testing.T) {
	n := NewNormalizer(DefaultPronunciations())
	got := n.Apply("O cartão PrimeClass\\n\\ntem Priority Pass, Diners e Altus. Prime!")
	want := "O cartão praime class tem praióriti Pass, dáiners e altos. praime!"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestNormalizerChunkKeepsSpacing(t *testing.T) {
	n := NewNormalizer(nil)
	if got := n.Chunk(" 24h"); got != " 24h" {
		t.Fatalf("chunk must keep leading space, got %q", got)
	}
}

func TestIdentifiers(t *testing.T) {
	if !regexp.MustCompile(`^conv_\d+_[0-9a-f]{9}$`).MatchString(NewConversationID()) {
		t.Fatalf("unexpected conversation id format")
	}
}

func TestFileStorePersistsUserID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "chatbot_user_id")
	first, err := NewFileStore(path).UserID()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	second, err := NewFileStore(path).UserID()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	if first != second {
		t.Fatalf("expected persisted id, got %q then %q", first, second)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file written: %v", err)
	}
}

func TestFallbackSelection(t *testing.T) {
	f := FallbackMessages{Timeout: "lento"}.WithDefaults()
	if f.For(errorsx.ReasonBackendTimeout) != "lento" {
		t.Fatalf("expected custom timeout text")
	}
	if f.For(errorsx.ReasonBackendUnavailable) != DefaultFallbacks().Unavailable {
		t.Fatalf("expected default unavailable text")
	}
	if f.For(errorsx.ReasonUnknown) != DefaultFallbacks().Generic {
		t.Fatalf("expected generic text")
	}
}
