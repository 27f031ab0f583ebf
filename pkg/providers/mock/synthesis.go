package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/avatar/pkg/adapters/synthesis"
	"github.com/harunnryd/avatar/pkg/transports"
)

type SynthesisConfig struct {
	// AttachDelay is how long Attach takes before acknowledging.
	AttachDelay time.Duration
	AttachErr   error
	// SpeakDuration is how long an utterance plays before completing.
	SpeakDuration time.Duration
	SpeakErr      error
}

// Synthesis is an avatar provider that answers the offer itself and "speaks"
// by waiting SpeakDuration.
type Synthesis struct {
	cfg    SynthesisConfig
	events chan synthesis.Event

	mu        sync.Mutex
	avatar    synthesis.AvatarConfig
	attached  bool
	closed    bool
	current   chan struct{}
	spoken    []string
	cancels   int
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

func NewSynthesis(cfg SynthesisConfig) *Synthesis {
	if cfg.SpeakDuration <= 0 {
		cfg.SpeakDuration = 20 * time.Millisecond
	}
	return &Synthesis{cfg: cfg, events: make(chan synthesis.Event, 32), done: make(chan struct{})}
}

func (s *Synthesis) Name() string { return "mock_synthesis" }

func (s *Synthesis) Configure(cfg synthesis.AvatarConfig) error {
	s.mu.Lock()
	s.avatar = cfg
	s.mu.Unlock()
	return nil
}

func (s *Synthesis) Attach(ctx context.Context, transport transports.Transport) (synthesis.ConnectResult, error) {
	if s.cfg.AttachDelay > 0 {
		select {
		case <-time.After(s.cfg.AttachDelay):
		case <-ctx.Done():
			return synthesis.ConnectResult{}, ctx.Err()
		}
	}
	if s.cfg.AttachErr != nil {
		return synthesis.ConnectResult{}, s.cfg.AttachErr
	}
	if _, err := transport.CreateOffer(ctx); err != nil {
		return synthesis.ConnectResult{}, err
	}
	answer := "v=0\r\ns=mock-answer\r\n"
	if err := transport.ApplyAnswer(answer); err != nil {
		return synthesis.ConnectResult{}, err
	}
	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
	return synthesis.ConnectResult{SessionID: uuid.NewString(), Answer: answer}, nil
}

func (s *Synthesis) Speak(ctx context.Context, ssml string) (synthesis.SpeechResult, error) {
	s.mu.Lock()
	if !s.attached || s.closed {
		s.mu.Unlock()
		return synthesis.SpeechResult{}, errors.New("not attached")
	}
	id := uuid.NewString()
	stop := make(chan struct{})
	s.current = stop
	s.spoken = append(s.spoken, ssml)
	s.mu.Unlock()

	if s.cfg.SpeakErr != nil {
		return synthesis.SpeechResult{ID: id, Outcome: synthesis.OutcomeFailed, Reason: s.cfg.SpeakErr.Error()}, s.cfg.SpeakErr
	}
	s.emit(synthesis.Event{Kind: synthesis.EventSpeakingStarted, SpeechID: id})

	timer := time.NewTimer(s.cfg.SpeakDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.finish(stop)
		s.emit(synthesis.Event{Kind: synthesis.EventSpeakingCompleted, SpeechID: id})
		return synthesis.SpeechResult{ID: id, Outcome: synthesis.OutcomeCompleted}, nil
	case <-stop:
		s.emit(synthesis.Event{Kind: synthesis.EventSpeakingCanceled, SpeechID: id})
		return synthesis.SpeechResult{ID: id, Outcome: synthesis.OutcomeCanceled, Reason: "stopped"}, nil
	case <-ctx.Done():
		s.finish(stop)
		return synthesis.SpeechResult{ID: id, Outcome: synthesis.OutcomeCanceled, Reason: ctx.Err().Error()}, ctx.Err()
	}
}

func (s *Synthesis) finish(stop chan struct{}) {
	s.mu.Lock()
	if s.current == stop {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Synthesis) CancelSpeech(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	if s.current != nil {
		close(s.current)
		s.current = nil
	}
	return nil
}

func (s *Synthesis) Events() <-chan synthesis.Event { return s.events }

func (s *Synthesis) Done() <-chan struct{} { return s.done }

// Drop simulates the avatar service going away: later Speak calls fail and
// Done is closed.
func (s *Synthesis) Drop() {
	s.mu.Lock()
	s.attached = false
	if s.current != nil {
		close(s.current)
		s.current = nil
	}
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Synthesis) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.current != nil {
			close(s.current)
			s.current = nil
		}
		s.mu.Unlock()
		close(s.events)
		s.doneOnce.Do(func() { close(s.done) })
	})
	return nil
}

func (s *Synthesis) emit(ev synthesis.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Spoken returns every SSML document passed to Speak.
func (s *Synthesis) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spoken))
	copy(out, s.spoken)
	return out
}

func (s *Synthesis) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func (s *Synthesis) Avatar() synthesis.AvatarConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avatar
}

func (s *Synthesis) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SynthesisFactory hands out providers in order; once Script is spent it
// builds from Default.
type SynthesisFactory struct {
	Script  []SynthesisConfig
	Default SynthesisConfig

	mu    sync.Mutex
	built []*Synthesis
}

func (f *SynthesisFactory) New() (synthesis.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := f.Default
	if n := len(f.built); n < len(f.Script) {
		cfg = f.Script[n]
	}
	p := NewSynthesis(cfg)
	f.built = append(f.built, p)
	return p, nil
}

func (f *SynthesisFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *SynthesisFactory) Last() *Synthesis {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

func (f *SynthesisFactory) All() []*Synthesis {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Synthesis, len(f.built))
	copy(out, f.built)
	return out
}

var _ synthesis.Provider = (*Synthesis)(nil)
