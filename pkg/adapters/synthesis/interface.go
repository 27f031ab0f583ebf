package synthesis

import (
	"context"

	"github.com/harunnryd/avatar/pkg/transports"
)

// Provider defines the contract for an avatar synthesis vendor: it joins a
// real-time transport, then turns markup text into spoken audio and video.
type Provider interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Configure sets voice, character and video framing before Attach.
	Configure(cfg AvatarConfig) error
	// Attach starts the avatar session over transport and blocks until the
	// service acknowledges it or ctx is done.
	Attach(ctx context.Context, transport transports.Transport) (ConnectResult, error)
	// Speak submits one SSML document and blocks until it is spoken,
	// cancelled or failed.
	Speak(ctx context.Context, ssml string) (SpeechResult, error)
	// CancelSpeech stops whatever is being spoken.
	CancelSpeech(ctx context.Context) error
	// Events reports speaking state changes.
	Events() <-chan Event
	// Done is closed once the avatar session ended, whether the service
	// dropped it or Close was called.
	Done() <-chan struct{}
	// Close ends the avatar session. It is safe to call more than once.
	Close() error
}

// Factory builds a fresh provider. Every connection attempt gets its own.
type Factory func() (Provider, error)

// VideoFraming describes the avatar video the service should render.
type VideoFraming struct {
	Width      int    `mapstructure:"width"`
	Height     int    `mapstructure:"height"`
	Bitrate    int    `mapstructure:"bitrate"`
	CropLeft   int    `mapstructure:"crop_left"`
	CropTop    int    `mapstructure:"crop_top"`
	CropRight  int    `mapstructure:"crop_right"`
	CropBottom int    `mapstructure:"crop_bottom"`
	Codec      string `mapstructure:"codec"`
}

// AvatarConfig contains vendor-agnostic avatar configuration.
type AvatarConfig struct {
	Character       string
	Style           string
	Voice           string
	BackgroundColor string
	Video           VideoFraming
}

// ConnectResult is the acknowledgment returned by Attach.
type ConnectResult struct {
	SessionID string
	// Answer is the remote SDP, already applied to the transport.
	Answer string
}

// Outcome is how an utterance ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeFailed    Outcome = "failed"
)

// SpeechResult describes one finished Speak call.
type SpeechResult struct {
	ID      string
	Outcome Outcome
	// Reason carries the vendor's error or cancellation detail.
	Reason string
}

// EventKind names provider speaking events.
type EventKind string

const (
	EventSpeakingStarted   EventKind = "speaking_started"
	EventSpeakingCompleted EventKind = "speaking_completed"
	EventSpeakingCanceled  EventKind = "speaking_canceled"
)

type Event struct {
	Kind     EventKind
	SpeechID string
}
