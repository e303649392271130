package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"vico_home/vicocall/internal/domain"
)

// TrackSource is implemented by local tracks that can be bound to a sender.
type TrackSource interface {
	TrackLocal() pion.TrackLocal
}

// FactoryConfig tunes the peer connections created by a Factory.
type FactoryConfig struct {
	Logger zerolog.Logger
	// RemoteMuteTimeout marks a remote track muted after this long without
	// RTP.
	RemoteMuteTimeout time.Duration
	// RecordDir, when set, receives recordings of remote video.
	RecordDir string
}

// Factory creates pion-backed media sessions. It implements
// domain.MediaSessionFactory.
type Factory struct {
	cfg FactoryConfig
	api *pion.API
}

// NewFactory registers the default codecs and interceptors once for every
// session it will create.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.RemoteMuteTimeout <= 0 {
		cfg.RemoteMuteTimeout = 3 * time.Second
	}

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := pion.SettingEngine{}
	s.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	s.LoggerFactory = NewLoggerFactory(cfg.Logger.With().Str("module", "pion").Logger())

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	)
	return &Factory{cfg: cfg, api: api}, nil
}

// Create opens a new peer connection.
func (f *Factory) Create(mc domain.MediaConfig) (domain.MediaSession, error) {
	var servers []pion.ICEServer
	for _, s := range mc.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := f.api.NewPeerConnection(pion.Configuration{
		ICEServers:           servers,
		BundlePolicy:         pion.BundlePolicyMaxBundle,
		RTCPMuxPolicy:        pion.RTCPMuxPolicyRequire,
		ICECandidatePoolSize: mc.ICECandidatePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newPeer(pc, f.cfg), nil
}

// Peer wraps a pion PeerConnection. It implements domain.MediaSession.
type Peer struct {
	pc        *pion.PeerConnection
	logger    zerolog.Logger
	queue     *serialQueue
	muteAfter time.Duration
	recordDir string

	mu       sync.Mutex
	senders  map[domain.TrackKind]*pion.RTPSender
	onTrack  func(domain.RemoteTrackEvent)
	onState  func(domain.ConnectionHealth)
	onCand   func(domain.ICECandidatePayload)
	isClosed bool
}

func newPeer(pc *pion.PeerConnection, cfg FactoryConfig) *Peer {
	p := &Peer{
		pc:        pc,
		logger:    cfg.Logger.With().Str("module", "webrtc").Logger(),
		queue:     newSerialQueue(),
		muteAfter: cfg.RemoteMuteTimeout,
		recordDir: cfg.RecordDir,
		senders:   make(map[domain.TrackKind]*pion.RTPSender),
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.logger.Debug().Str("state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.logger.Info().Str("state", state.String()).Msg("peer connection state")
		h := healthOf(state)
		p.queue.push(func() {
			if fn := p.stateHandler(); fn != nil {
				fn(h)
			}
		})
	})
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.logger.Debug().Msg("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			p.logger.Debug().Msg("filtering loopback ICE candidate")
			return
		}
		payload := domain.ICECandidatePayload{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}
		p.queue.push(func() {
			if fn := p.candidateHandler(); fn != nil {
				fn(payload)
			}
		})
	})
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		emit := func(ev domain.RemoteTrackEvent) {
			p.queue.push(func() {
				if fn := p.trackHandler(); fn != nil {
					fn(ev)
				}
			})
		}
		go readRemote(track, p.muteAfter, p.recordDir, emit, p.logger)
	})

	return p
}

func healthOf(s pion.PeerConnectionState) domain.ConnectionHealth {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.HealthChecking
	case pion.PeerConnectionStateConnected:
		return domain.HealthConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.HealthDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.HealthFailed
	case pion.PeerConnectionStateClosed:
		return domain.HealthClosed
	}
	return domain.HealthNew
}

func (p *Peer) stateHandler() func(domain.ConnectionHealth) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onState
}

func (p *Peer) candidateHandler() func(domain.ICECandidatePayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onCand
}

func (p *Peer) trackHandler() func(domain.RemoteTrackEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onTrack
}

// OnTrack sets the remote track handler.
func (p *Peer) OnTrack(fn func(domain.RemoteTrackEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

// OnConnectionStateChange sets the connection health handler.
func (p *Peer) OnConnectionStateChange(fn func(domain.ConnectionHealth)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// OnICECandidate sets the handler for locally discovered ICE candidates.
func (p *Peer) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCand = fn
}

func trackLocal(t domain.Track) (pion.TrackLocal, error) {
	src, ok := t.(TrackSource)
	if !ok {
		return nil, fmt.Errorf("track %s cannot be sent", t.ID())
	}
	return src.TrackLocal(), nil
}

// AddTrack binds t to a new sender.
func (p *Peer) AddTrack(t domain.Track) error {
	tl, err := trackLocal(t)
	if err != nil {
		return err
	}
	sender, err := p.pc.AddTrack(tl)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}

	p.mu.Lock()
	p.senders[t.Kind()] = sender
	p.mu.Unlock()

	// RTCP has to be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// ReplaceTrack swaps the outgoing track of kind without renegotiation.
func (p *Peer) ReplaceTrack(kind domain.TrackKind, t domain.Track) error {
	p.mu.Lock()
	sender := p.senders[kind]
	p.mu.Unlock()
	if sender == nil {
		return domain.ErrReplaceUnsupported
	}

	tl, err := trackLocal(t)
	if err != nil {
		return err
	}
	if err := sender.ReplaceTrack(tl); err != nil {
		if errors.Is(err, pion.ErrUnsupportedCodec) {
			return fmt.Errorf("%w: %v", domain.ErrReplaceUnsupported, err)
		}
		return fmt.Errorf("replace track: %w", err)
	}
	return nil
}

// RemoveTrack stops sending the track of kind.
func (p *Peer) RemoveTrack(kind domain.TrackKind) error {
	p.mu.Lock()
	sender := p.senders[kind]
	delete(p.senders, kind)
	p.mu.Unlock()
	if sender == nil {
		return nil
	}
	if err := p.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	return nil
}

// CreateOffer creates an SDP offer. It does not set it locally.
func (p *Peer) CreateOffer(opts domain.OfferOptions) (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(&pion.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	return toPayload(offer), nil
}

// CreateAnswer creates an SDP answer. It does not set it locally.
func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	return toPayload(answer), nil
}

// SetLocalDescription applies an offer, answer or rollback locally.
func (p *Peer) SetLocalDescription(sdp domain.SDPPayload) error {
	if err := p.pc.SetLocalDescription(fromPayload(sdp)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.logger.Debug().Str("type", sdp.Type).Msg("local description set")
	return nil
}

// SetRemoteDescription applies the peer's offer or answer.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	if err := p.pc.SetRemoteDescription(fromPayload(sdp)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.logger.Debug().Str("type", sdp.Type).Msg("remote description set")
	return nil
}

// LocalDescription returns the local description with gathered candidates.
func (p *Peer) LocalDescription() (domain.SDPPayload, bool) {
	d := p.pc.LocalDescription()
	if d == nil {
		return domain.SDPPayload{}, false
	}
	return toPayload(*d), true
}

// AddICECandidate adds a remote candidate. The remote description must be
// set.
func (p *Peer) AddICECandidate(c domain.ICECandidatePayload) error {
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// GatheringComplete is closed once the current gathering round finishes.
func (p *Peer) GatheringComplete() <-chan struct{} {
	return pion.GatheringCompletePromise(p.pc)
}

// Close shuts down the PeerConnection. Callbacks are not delivered after
// Close returns, apart from ones already queued.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return nil
	}
	p.isClosed = true
	p.onTrack, p.onState, p.onCand = nil, nil, nil
	p.mu.Unlock()

	p.queue.close()
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func toPayload(d pion.SessionDescription) domain.SDPPayload {
	return domain.SDPPayload{Type: d.Type.String(), SDP: d.SDP}
}

func fromPayload(sdp domain.SDPPayload) pion.SessionDescription {
	return pion.SessionDescription{Type: pion.NewSDPType(sdp.Type), SDP: sdp.SDP}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
