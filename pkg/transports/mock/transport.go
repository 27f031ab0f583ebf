package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/avatar/pkg/transports"
)

// Transport is an in-memory peer for local runs and tests. It never touches
// the network; tests drive it with SetState and PushTrack.
type Transport struct {
	servers []transports.ICEServer
	mu      sync.Mutex
	state   transports.PeerState
	onTrack func(transports.Track)
	onState func(transports.PeerState)
	answer  string
	closed  atomic.Bool
}

func New(servers []transports.ICEServer) *Transport {
	return &Transport{servers: servers, state: transports.PeerNew}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) OnTrack(fn func(transports.Track)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *Transport) OnStateChange(fn func(transports.PeerState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) CreateOffer(ctx context.Context) (string, error) {
	if t.closed.Load() {
		return "", errors.New("transport closed")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "v=0\r\ns=mock-offer\r\n", nil
}

func (t *Transport) ApplyAnswer(sdp string) error {
	if t.closed.Load() {
		return errors.New("transport closed")
	}
	t.mu.Lock()
	t.answer = sdp
	t.mu.Unlock()
	t.SetState(transports.PeerConnected)
	return nil
}

func (t *Transport) State() transports.PeerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.SetState(transports.PeerClosed)
	}
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool { return t.closed.Load() }

// Servers returns the relay servers the transport was built with.
func (t *Transport) Servers() []transports.ICEServer { return t.servers }

// SetState changes the peer state and notifies the observer.
func (t *Transport) SetState(s transports.PeerState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// PushTrack simulates a remote track arriving.
func (t *Transport) PushTrack(track transports.Track) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

// Factory counts constructed transports and keeps them for inspection.
type Factory struct {
	mu    sync.Mutex
	built []*Transport
	Err   error
}

func (f *Factory) New(servers []transports.ICEServer) (transports.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	t := New(servers)
	f.built = append(f.built, t)
	return t, nil
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

// Last returns the most recently built transport.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

func (f *Factory) All() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Transport, len(f.built))
	copy(out, f.built)
	return out
}

var _ transports.Transport = (*Transport)(nil)
