package speech

import "time"

// State is the lifecycle of one utterance.
type State string

const (
	StateQueued    State = "queued"
	StateSpeaking  State = "speaking"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Done reports whether the session reached a final state.
func (s State) Done() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Session is a snapshot of one utterance.
type Session struct {
	ID        string
	Text      string
	State     State
	StartedAt time.Time
}

// run is the controller's live record of a Speaking session.
type run struct {
	session Session
	cancel  chan struct{}
	settled chan struct{}
	stopped bool
}

func (r *run) requestCancel() {
	if !r.stopped {
		r.stopped = true
		close(r.cancel)
	}
}
