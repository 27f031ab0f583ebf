package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/avatar/pkg/metrics"
)

// LatencyObserver measures one conversational turn per session:
// message sent, first backend chunk, backend done and speech start.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
	last   map[string]Latency
}

// Latency is the breakdown of the last completed turn of a session.
type Latency struct {
	FirstChunkMS  int64
	BackendMS     int64
	SpeechStartMS int64
}

type trace struct {
	sent       time.Time
	firstChunk time.Time
	backendEnd time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		last:   make(map[string]Latency),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags["session_id"]
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if ev.Name == metrics.EventMessageSent {
		o.traces[sessionID] = &trace{sent: ev.Time}
		return
	}
	t := o.traces[sessionID]
	if t == nil {
		return
	}
	switch ev.Name {
	case metrics.EventBackendFirstChunk:
		if t.firstChunk.IsZero() {
			t.firstChunk = ev.Time
		}
	case metrics.EventBackendDone:
		t.backendEnd = ev.Time
	case metrics.EventSpeechStarted:
		l := Latency{
			FirstChunkMS:  durationMs(t.sent, t.firstChunk),
			BackendMS:     durationMs(t.sent, t.backendEnd),
			SpeechStartMS: durationMs(t.sent, ev.Time),
		}
		o.last[sessionID] = l
		delete(o.traces, sessionID)
		o.log.Info("turn_latency",
			"session_id", sessionID,
			"first_chunk_ms", l.FirstChunkMS,
			"backend_ms", l.BackendMS,
			"speech_start_ms", l.SpeechStartMS,
		)
	}
}

// Last returns the latency of the most recent completed turn for a session.
func (o *LatencyObserver) Last(sessionID string) (Latency, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.last[sessionID]
	return l, ok
}

// Forget drops any state kept for a closed session.
func (o *LatencyObserver) Forget(sessionID string) {
	o.mu.Lock()
	delete(o.traces, sessionID)
	delete(o.last, sessionID)
	o.mu.Unlock()
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
