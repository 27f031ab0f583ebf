package observers

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/harunnryd/avatar/pkg/metrics"
)

func TestLatencyObserverTurn(t *testing.T) {
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(io.Discard, nil)))
	base := time.Now()
	tags := map[string]string{"session_id": "s1"}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventMessageSent, Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventBackendFirstChunk, Time: base.Add(100 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventBackendDone, Time: base.Add(300 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSpeechStarted, Time: base.Add(500 * time.Millisecond), Tags: tags})

	l, ok := obs.Last("s1")
	if !ok {
		t.Fatalf("expected latency recorded")
	}
	if l.FirstChunkMS != 100 || l.BackendMS != 300 || l.SpeechStartMS != 500 {
		t.Fatalf("unexpected latency %+v", l)
	}
}

func TestLatencyObserverIgnoresUntaggedAndOrphanEvents(t *testing.T) {
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(io.Discard, nil)))
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSpeechStarted, Time: time.Now()})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSpeechStarted, Time: time.Now(), Tags: map[string]string{"session_id": "x"}})
	if _, ok := obs.Last("x"); ok {
		t.Fatalf("speech without a sent message must not produce latency")
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a, b := metrics.NewMemoryObserver(), metrics.NewMemoryObserver()
	NewMultiObserver(a, nil, b).RecordEvent(metrics.MetricsEvent{Name: "x"})
	if a.Count("x") != 1 || b.Count("x") != 1 {
		t.Fatalf("expected fan-out to both observers")
	}
}
