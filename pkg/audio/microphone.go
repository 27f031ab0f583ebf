package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/avatar/pkg/errorsx"
)

// DefaultSampleRate is the PCM16 mono rate UI clients capture at.
const DefaultSampleRate = 16000

// ErrPermissionDenied is returned while the user has not granted the microphone.
var ErrPermissionDenied = errors.New("microphone permission not granted")

// Microphone fans PCM16 little-endian mono audio from a UI client out to
// the recognizer and the silence analyser.
type Microphone struct {
	sampleRate int
	granted    atomic.Bool

	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
	closed bool
}

func NewMicrophone(sampleRate int) *Microphone {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Microphone{sampleRate: sampleRate, subs: make(map[int]chan []byte)}
}

func (m *Microphone) SampleRate() int { return m.sampleRate }

// SetPermission records the user's consent as reported by the client.
func (m *Microphone) SetPermission(granted bool) { m.granted.Store(granted) }

// RequestPermission fails with a RecognitionError unless consent was given.
func (m *Microphone) RequestPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionPermission, Err: err}
	}
	if !m.granted.Load() {
		return &errorsx.RecognitionError{Reason: errorsx.ReasonRecognitionPermission, Err: ErrPermissionDenied}
	}
	return nil
}

// Push delivers one chunk to every subscriber. Slow subscribers drop chunks.
func (m *Microphone) Push(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, ch := range m.subs {
		select {
		case ch <- pcm:
		default:
		}
	}
}

// Subscribe returns a chunk channel and the function that releases it.
func (m *Microphone) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan []byte, buffer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
			m.mu.Unlock()
		})
	}
}

// Subscribers reports how many taps are open.
func (m *Microphone) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// OpenAnalyser opens an energy tap on the microphone.
func (m *Microphone) OpenAnalyser() (Analyser, error) {
	ch, release := m.Subscribe(8)
	a := &energyAnalyser{release: release, done: make(chan struct{}), stale: 250 * time.Millisecond}
	go a.run(ch)
	return a, nil
}

// Close releases every subscriber.
func (m *Microphone) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
