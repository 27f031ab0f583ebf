package recognition

import "context"

// Callbacks receive recognizer output. Every field is optional.
type Callbacks struct {
	OnPartial func(text string)
	OnFinal   func(text string)
	OnError   func(err error)
	OnStart   func()
	OnStop    func()
}

// Provider defines the contract for a continuous speech recognizer.
type Provider interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start begins continuous recognition. It reports false when the
	// recognizer refused to start without a transport-level error.
	Start(ctx context.Context, cb Callbacks) (bool, error)
	// Stop ends recognition and waits for the recognizer to settle.
	Stop(ctx context.Context) error
	// IsActive reports whether the recognizer still considers itself running.
	IsActive() bool
	// ForceReset drops the recognizer state so the next Start begins clean.
	ForceReset()
}

// Factory builds a recognizer bound to one microphone.
type Factory func(mic Microphone) (Provider, error)

// MicrophoneGate is the explicit user-consent step before recognition.
type MicrophoneGate interface {
	RequestPermission(ctx context.Context) error
}

// Microphone is the PCM source a recognizer reads from.
type Microphone interface {
	MicrophoneGate
	// Subscribe returns a channel of PCM16 chunks and a function releasing it.
	Subscribe(buffer int) (<-chan []byte, func())
	SampleRate() int
}

// Config contains vendor-agnostic recognizer configuration.
type Config struct {
	Language        string
	AutoPunctuation bool
}
