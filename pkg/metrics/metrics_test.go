package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestAsyncObserverForwards(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 4)
	Record(async, EventSpeechStarted, map[string]string{"session_id": "s"}, nil)
	deadline := time.Now().Add(time.Second)
	for mem.Count(EventSpeechStarted) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	async.Close()
	if mem.Count(EventSpeechStarted) != 1 {
		t.Fatalf("expected forwarded event")
	}
	async.RecordEvent(MetricsEvent{Name: "late"})
}

func TestJSONLObserverWritesLine(t *testing.T) {
	var buf bytes.Buffer
	NewJSONLObserver(&buf).RecordEvent(MetricsEvent{Name: EventSilenceTimeout, Time: time.Now(), Tags: map[string]string{"session_id": "s"}})
	if !strings.Contains(buf.String(), `"name":"silence_timeout"`) {
		t.Fatalf("unexpected line %q", buf.String())
	}
}

func TestRecordNilObserver(t *testing.T) {
	Record(nil, EventMessageSent, nil, nil)
}
