package speech

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/avatar/pkg/adapters/synthesis"
	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/providers/mock"
	transportmock "github.com/harunnryd/avatar/pkg/transports/mock"
)

type fakeSource struct {
	mu        sync.Mutex
	provider  synthesis.Provider
	connected bool
}

func (f *fakeSource) ActiveProvider() (synthesis.Provider, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provider, f.connected
}

func attached(t *testing.T, cfg mock.SynthesisConfig) *mock.Synthesis {
	t.Helper()
	p := mock.NewSynthesis(cfg)
	if _, err := p.Attach(context.Background(), transportmock.New(nil)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return p
}

type endings struct {
	mu       sync.Mutex
	sessions []Session
}

func (e *endings) add(s Session) {
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
}

func (e *endings) byText(text string) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		if s.Text == text {
			return s, true
		}
	}
	return Session{}, false
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

func TestSpeakCompletes(t *testing.T) {
	p := attached(t, mock.SynthesisConfig{SpeakDuration: 10 * time.Millisecond})
	c := NewController(&fakeSource{provider: p, connected: true}, Options{})
	var (
		mu    sync.Mutex
		flags []bool
	)
	c.OnSpeakingChange(func(v bool) {
		mu.Lock()
		flags = append(flags, v)
		mu.Unlock()
	})
	if err := c.Speak(context.Background(), "Olá <b>mundo</b>"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if c.IsSpeaking() {
		t.Fatalf("speaking flag must reset")
	}
	spoken := p.Spoken()
	if len(spoken) != 1 || !strings.Contains(spoken[0], "Olá bmundo/b") {
		t.Fatalf("unexpected ssml %v", spoken)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(flags) != 2 || !flags[0] || flags[1] {
		t.Fatalf("expected true then false, got %v", flags)
	}
}

func TestSpeakNotConnectedIsNoop(t *testing.T) {
	p := attached(t, mock.SynthesisConfig{})
	c := NewController(&fakeSource{provider: p}, Options{})
	if err := c.Speak(context.Background(), "oi"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if len(p.Spoken()) != 0 {
		t.Fatalf("provider must not be called while disconnected")
	}
}

func TestSpeakBlankTextIsNoop(t *testing.T) {
	p := attached(t, mock.SynthesisConfig{})
	c := NewController(&fakeSource{provider: p, connected: true}, Options{})
	if err := c.Speak(context.Background(), " <> "); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if len(p.Spoken()) != 0 {
		t.Fatalf("blank text must not reach the provider")
	}
}

func TestNewerSpeakSupersedesCurrent(t *testing.T) {
	p := attached(t, mock.SynthesisConfig{SpeakDuration: time.Hour})
	c := NewController(&fakeSource{provider: p, connected: true}, Options{})
	ends := &endings{}
	c.OnSessionEnd(ends.add)

	errA := make(chan error, 1)
	go func() { errA <- c.Speak(context.Background(), "a") }()
	waitFor(t, "a speaking", func() bool {
		s, ok := c.Current()
		return ok && s.Text == "a"
	})

	go func() { _ = c.Speak(context.Background(), "b") }()

	err := <-errA
	var synthErr *errorsx.SpeechSynthesisError
	if !errors.As(err, &synthErr) || !synthErr.Canceled() {
		t.Fatalf("expected canceled error for a, got %v", err)
	}
	waitFor(t, "b speaking", func() bool {
		s, ok := c.Current()
		return ok && s.Text == "b"
	})
	a, ok := ends.byText("a")
	if !ok || a.State != StateCancelled {
		t.Fatalf("expected a cancelled, got %+v", a)
	}
	if _, ok := ends.byText("b"); ok {
		t.Fatalf("b must still be speaking")
	}
	if !c.IsSpeaking() {
		t.Fatalf("expected b to hold the speaking flag")
	}
	c.CancelCurrent(context.Background())
	if c.IsSpeaking() {
		t.Fatalf("cancel must reset the speaking flag")
	}
}

func TestSpeakTimeout(t *testing.T) {
	p := attached(t, mock.SynthesisConfig{SpeakDuration: time.Hour})
	c := NewController(&fakeSource{provider: p, connected: true}, Options{Timeout: 30 * time.Millisecond})
	ends := &endings{}
	c.OnSessionEnd(ends.add)

	err := c.Speak(context.Background(), "demorado")
	var timeoutErr *errorsx.SpeechTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if p.Cancels() == 0 {
		t.Fatalf("timeout must cancel provider speech")
	}
	if s, _ := ends.byText("demorado"); s.State != StateFailed {
		t.Fatalf("expected failed session, got %s", s.State)
	}
	if c.IsSpeaking() {
		t.Fatalf("speaking flag must reset after timeout")
	}
}

func TestSpeakProviderFailure(t *testing.T) {
	p := attached(t, mock.SynthesisConfig{SpeakErr: errors.New("voice unavailable")})
	c := NewController(&fakeSource{provider: p, connected: true}, Options{})
	err := c.Speak(context.Background(), "oi")
	var synthErr *errorsx.SpeechSynthesisError
	if !errors.As(err, &synthErr) || synthErr.Canceled() {
		t.Fatalf("expected synthesis failure, got %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonSpeechSynthesis {
		t.Fatalf("unexpected reason %s", errorsx.Reason(err))
	}
}

func TestCancelCurrentWhenIdle(t *testing.T) {
	p := attached(t, mock.SynthesisConfig{})
	c := NewController(&fakeSource{provider: p, connected: true}, Options{})
	c.CancelCurrent(context.Background())
	if p.Cancels() != 0 {
		t.Fatalf("idle cancel must not reach the provider")
	}
}

func TestBuildSSML(t *testing.T) {
	got := BuildSSML("Tom & Jerry", Voice{Name: "pt-BR-FranciscaNeural", Rate: "+10%", Pitch: "-5%"})
	for _, want := range []string{
		`xml:lang="pt-BR"`,
		`<voice name="pt-BR-FranciscaNeural">`,
		`<prosody rate="+10%" pitch="-5%">Tom &amp; Jerry</prosody>`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %s", want, got)
		}
	}
	if Clean("  <speak>oi</speak> ") != "speakoi/speak" {
		t.Fatalf("unexpected clean result %q", Clean("<speak>oi</speak>"))
	}
}

func TestBuildSSMLEscapesVoiceAttributes(t *testing.T) {
	got := BuildSSML("oi", Voice{Name: `pt-BR-"Francisca"`, Rate: `<fast>`, Pitch: "0%", Lang: `pt&BR`})
	if strings.Contains(got, `name="pt-BR-"`) {
		t.Fatalf("voice name must be escaped: %s", got)
	}
	dec := xml.NewDecoder(strings.NewReader(got))
	var names []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("invalid ssml %s: %v", got, err)
		}
		if el, ok := tok.(xml.StartElement); ok && el.Name.Local == "voice" {
			for _, a := range el.Attr {
				names = append(names, a.Value)
			}
		}
	}
	if len(names) != 1 || names[0] != `pt-BR-"Francisca"` {
		t.Fatalf("voice name not preserved, got %v", names)
	}
}

func TestCurrentDuringSpeech(t *testing.T) {
	p := attached(t, mock.SynthesisConfig{SpeakDuration: time.Millisecond})
	c := NewController(&fakeSource{provider: p, connected: true}, Options{})

	stop := make(chan struct{})
	seen := make(chan State, 1)
	go func() {
		defer close(seen)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if s, ok := c.Current(); ok && s.State != StateSpeaking {
				seen <- s.State
				return
			}
		}
	}()
	for i := 0; i < 50; i++ {
		if err := c.Speak(context.Background(), "frase"); err != nil {
			t.Fatalf("speak %d: %v", i, err)
		}
	}
	close(stop)
	if s, ok := <-seen; ok {
		t.Fatalf("current session reported state %s while speaking", s)
	}
}
