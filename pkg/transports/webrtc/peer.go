package webrtc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/transports"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Peer is a pion peer connection that receives the avatar's audio and video.
// Remote RTP is drained in the background; painting frames is the UI's job.
type Peer struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu      sync.Mutex
	onTrack func(transports.Track)
	onState func(transports.PeerState)
	state   transports.PeerState

	rtpBytes atomic.Int64
	closed   atomic.Bool
}

// NewFactory returns a transports.Factory building pion peers.
func NewFactory() transports.Factory {
	return func(servers []transports.ICEServer) (transports.Transport, error) {
		return New(servers)
	}
}

// New builds a peer with sendrecv audio and video transceivers, which is
// what the avatar service expects in the offer.
func New(servers []transports.ICEServer) (*Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	if len(servers) == 0 {
		servers = transports.DefaultSTUN()
	}
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, ice)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	p := &Peer{
		pc:     pc,
		logger: logging.NewComponentLogger(slog.Default(), "webrtc_peer"),
		state:  transports.PeerNew,
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.setState(transports.PeerState(state.String()))
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ice_state_changed", slog.String("state", state.String()))
		if state == webrtc.ICEConnectionStateFailed {
			p.setState(transports.PeerFailed)
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		track := transports.Track{
			ID:       remote.ID(),
			Kind:     remote.Kind().String(),
			StreamID: remote.StreamID(),
		}
		p.logger.Info("remote_track_received",
			slog.String("kind", track.Kind),
			slog.String("track_id", track.ID))
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(track)
		}
		go p.drain(remote)
	})
	return p, nil
}

func (p *Peer) Name() string { return "webrtc" }

func (p *Peer) OnTrack(fn func(transports.Track)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) OnStateChange(fn func(transports.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	if p.closed.Load() {
		return "", errors.New("peer closed")
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description")
	}
	return local.SDP, nil
}

func (p *Peer) ApplyAnswer(sdp string) error {
	if p.closed.Load() {
		return errors.New("peer closed")
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *Peer) State() transports.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RTPBytes reports how much remote media has been received.
func (p *Peer) RTPBytes() int64 { return p.rtpBytes.Load() }

func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.pc.Close()
	p.setState(transports.PeerClosed)
	return err
}

func (p *Peer) setState(s transports.PeerState) {
	p.mu.Lock()
	if p.state == s {
		p.mu.Unlock()
		return
	}
	p.state = s
	fn := p.onState
	p.mu.Unlock()
	p.logger.Info("peer_state_changed", slog.String("state", string(s)))
	if fn != nil {
		fn(s)
	}
}

func (p *Peer) drain(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		p.rtpBytes.Add(int64(n))
	}
}

var _ transports.Transport = (*Peer)(nil)
