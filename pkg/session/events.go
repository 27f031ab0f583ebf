package session

import (
	"time"

	"github.com/harunnryd/avatar/pkg/conversation"
)

type EventType string

const (
	EventStatus       EventType = "status"
	EventSpeaking     EventType = "speaking"
	EventListening    EventType = "listening"
	EventTranscript   EventType = "transcript"
	EventMessage      EventType = "message"
	EventError        EventType = "error"
	EventErrorCleared EventType = "error_cleared"
	EventCleared      EventType = "cleared"
)

// Event is what the UI sees. Status carries the connection state name,
// Active the speaking or listening flag, Text the live transcript or the
// error banner.
type Event struct {
	Type   EventType          `json:"type"`
	Status string             `json:"status,omitempty"`
	Active bool               `json:"active"`
	Text   string             `json:"text,omitempty"`
	Turn   *conversation.Turn `json:"turn,omitempty"`
	Time   time.Time          `json:"time"`
}

// Snapshot is the read-only projection of the session state record.
type Snapshot struct {
	Status         string `json:"status"`
	StatusText     string `json:"status_text"`
	Speaking       bool   `json:"speaking"`
	Listening      bool   `json:"listening"`
	Transcript     string `json:"transcript,omitempty"`
	Error          string `json:"error,omitempty"`
	ConversationID string `json:"conversation_id"`
}
