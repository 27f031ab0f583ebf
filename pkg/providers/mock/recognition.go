package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/avatar/pkg/adapters/recognition"
)

type RecognitionConfig struct {
	// Transcript, when set, is emitted as a final result after the first
	// audio chunk; InterimTranscript is emitted before it as a partial.
	Transcript        string
	InterimTranscript string
	StartErr          error
	// Refuse makes Start report false without an error.
	Refuse bool
	// StuckStops is how many Stop calls leave the recognizer active.
	StuckStops int
}

// Recognition is a recognizer driven by tests through EmitPartial,
// EmitFinal and EmitError, or by microphone audio when Transcript is set.
type Recognition struct {
	cfg RecognitionConfig
	mic recognition.Microphone

	mu      sync.Mutex
	cb      recognition.Callbacks
	active  bool
	stuck   int
	starts  int
	stops   int
	resets  int
	release func()
}

func NewRecognition(cfg RecognitionConfig, mic recognition.Microphone) *Recognition {
	return &Recognition{cfg: cfg, mic: mic, stuck: cfg.StuckStops}
}

// RecognitionFactory adapts NewRecognition to recognition.Factory.
func RecognitionFactory(cfg RecognitionConfig) recognition.Factory {
	return func(mic recognition.Microphone) (recognition.Provider, error) {
		return NewRecognition(cfg, mic), nil
	}
}

func (r *Recognition) Name() string { return "mock_recognition" }

func (r *Recognition) Start(ctx context.Context, cb recognition.Callbacks) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if r.cfg.StartErr != nil {
		return false, r.cfg.StartErr
	}
	if r.cfg.Refuse {
		return false, nil
	}
	r.mu.Lock()
	r.cb = cb
	r.active = true
	r.starts++
	if r.mic != nil && r.cfg.Transcript != "" {
		ch, release := r.mic.Subscribe(4)
		r.release = release
		go r.listen(ch)
	}
	r.mu.Unlock()
	if cb.OnStart != nil {
		cb.OnStart()
	}
	return true, nil
}

func (r *Recognition) listen(ch <-chan []byte) {
	if _, ok := <-ch; !ok {
		return
	}
	if r.cfg.InterimTranscript != "" {
		r.EmitPartial(r.cfg.InterimTranscript)
	}
	r.EmitFinal(r.cfg.Transcript)
}

func (r *Recognition) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stops++
	if r.stuck > 0 {
		r.stuck--
		r.mu.Unlock()
		return nil
	}
	wasActive := r.active
	r.active = false
	release := r.release
	r.release = nil
	onStop := r.cb.OnStop
	r.mu.Unlock()
	if release != nil {
		release()
	}
	if wasActive && onStop != nil {
		onStop()
	}
	return nil
}

func (r *Recognition) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Recognition) ForceReset() {
	r.mu.Lock()
	r.resets++
	r.active = false
	r.stuck = 0
	release := r.release
	r.release = nil
	r.cb = recognition.Callbacks{}
	r.mu.Unlock()
	if release != nil {
		release()
	}
}

func (r *Recognition) EmitPartial(text string) {
	r.mu.Lock()
	fn := r.cb.OnPartial
	active := r.active
	r.mu.Unlock()
	if active && fn != nil {
		fn(text)
	}
}

func (r *Recognition) EmitFinal(text string) {
	r.mu.Lock()
	fn := r.cb.OnFinal
	active := r.active
	r.mu.Unlock()
	if active && fn != nil {
		fn(text)
	}
}

func (r *Recognition) EmitError(err error) {
	r.mu.Lock()
	fn := r.cb.OnError
	r.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Counts returns how many times Start, Stop and ForceReset were called.
func (r *Recognition) Counts() (starts, stops, resets int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops, r.resets
}

var _ recognition.Provider = (*Recognition)(nil)
