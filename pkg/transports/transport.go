package transports

import (
	"context"
	"strings"
)

// ICEServer is one STUN/TURN entry handed to the peer connection.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// PeerState mirrors the peer connection state names.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// Terminal reports whether the peer can no longer carry media.
func (s PeerState) Terminal() bool {
	return s == PeerFailed || s == PeerClosed
}

// Track describes a remote media track arriving from the avatar service.
type Track struct {
	ID       string
	Kind     string // "audio" or "video"
	StreamID string
}

// Transport is the real-time media session carrying the avatar's audio and
// video. Implementations own their network lifecycle; Close is idempotent.
type Transport interface {
	Name() string
	// OnTrack registers the remote track observer.
	OnTrack(fn func(Track))
	// OnStateChange registers the connection state observer.
	OnStateChange(fn func(PeerState))
	// CreateOffer returns the local SDP offer once candidate gathering completes.
	CreateOffer(ctx context.Context) (string, error)
	// ApplyAnswer sets the remote SDP answer.
	ApplyAnswer(sdp string) error
	State() PeerState
	Close() error
}

// Factory builds a fresh transport configured with relay servers.
type Factory func(servers []ICEServer) (Transport, error)

// DefaultSTUN is used when no relay credentials are configured.
func DefaultSTUN() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// SplitURLs accepts a single url or a comma separated list.
func SplitURLs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
