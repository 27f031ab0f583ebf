package metrics

import "time"

// Event names recorded by the session components.
const (
	EventConnectionAttempt = "connection_attempt"
	EventConnectionState   = "connection_state"
	EventMessageSent       = "message_sent"
	EventBackendFirstChunk = "backend_first_chunk"
	EventBackendDone       = "backend_done"
	EventSpeechStarted     = "speech_started"
	EventSpeechEnded       = "speech_ended"
	EventRecognitionStart  = "recognition_started"
	EventRecognitionStop   = "recognition_stopped"
	EventSilenceTimeout    = "silence_timeout"
	EventBackendRetry      = "backend_retry"
	EventRateLimit         = "rate_limit"
	EventBreakerOpen       = "breaker_open"
	EventBreakerClose      = "breaker_close"
	EventBreakerDenied     = "breaker_denied"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record stamps and forwards an event; a nil observer drops it.
func Record(obs Observer, name string, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Tags: tags, Fields: fields})
}
