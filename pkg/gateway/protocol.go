package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/avatar/pkg/session"
	"github.com/harunnryd/avatar/pkg/transports"
)

// Commands the UI sends as JSON text frames. Binary frames carry raw
// 16-bit PCM microphone audio.
const (
	CommandActivate      = "activate"
	CommandSend          = "send"
	CommandToggleMic     = "toggle_mic"
	CommandMicPermission = "mic_permission"
	CommandClear         = "clear"
	CommandSnapshot      = "snapshot"
)

// Message types the gateway adds next to the session events.
const (
	MessageReady        = "ready"
	MessageTrack        = "track"
	MessageSnapshot     = "snapshot"
	MessageCommandError = "command_error"
)

type Command struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Granted bool   `json:"granted,omitempty"`
}

type ReadyMessage struct {
	Type         string           `json:"type"`
	ClientID     string           `json:"client_id"`
	VoiceEnabled bool             `json:"voice_enabled"`
	Snapshot     session.Snapshot `json:"snapshot"`
}

type TrackInfo struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	StreamID string `json:"stream_id,omitempty"`
}

type TrackMessage struct {
	Type  string    `json:"type"`
	Track TrackInfo `json:"track"`
}

type SnapshotMessage struct {
	Type     string           `json:"type"`
	Snapshot session.Snapshot `json:"snapshot"`
}

type CommandErrorMessage struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Text    string `json:"text"`
}

func trackMessage(t transports.Track) TrackMessage {
	return TrackMessage{Type: MessageTrack, Track: TrackInfo{ID: t.ID, Kind: t.Kind, StreamID: t.StreamID}}
}

// socket serializes writes to one websocket through a buffered queue.
// Messages are dropped when the queue is full.
type socket struct {
	conn         *websocket.Conn
	sendCh       chan []byte
	writeTimeout time.Duration
	done         chan struct{}

	mu     sync.Mutex
	closed bool
}

func newSocket(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *socket {
	if buffer <= 0 {
		buffer = 64
	}
	s := &socket{
		conn:         conn,
		sendCh:       make(chan []byte, buffer),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *socket) enqueue(msg any) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.sendCh <- b:
		return true
	default:
		return false
	}
}

func (s *socket) loop() {
	defer close(s.done)
	for msg := range s.sendCh {
		if s.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

// close flushes queued messages, then closes the connection.
func (s *socket) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.mu.Unlock()
	<-s.done
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = s.conn.Close()
}
