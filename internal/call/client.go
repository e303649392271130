package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"vico_home/vicocall/internal/domain"
)

const (
	defaultRingTimeout    = 30 * time.Second
	defaultGatherTimeout  = 5 * time.Second
	defaultMaxICERestarts = 1

	// maxNegotiationFailures consecutive failures end the call.
	maxNegotiationFailures = 2
)

// Config tunes a Client. Zero durations fall back to defaults.
type Config struct {
	SelfID   string
	SelfName string
	Media    domain.MediaConfig

	// PreferInPlaceTrackReplace swaps camera tracks on the existing sender
	// instead of adding a track and renegotiating.
	PreferInPlaceTrackReplace bool

	RingTimeout   time.Duration
	GatherTimeout time.Duration
	// MaxICERestarts bounds consecutive restarts. Negative disables them.
	MaxICERestarts int
}

func (c Config) withDefaults() Config {
	if c.RingTimeout <= 0 {
		c.RingTimeout = defaultRingTimeout
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = defaultGatherTimeout
	}
	if c.MaxICERestarts == 0 {
		c.MaxICERestarts = defaultMaxICERestarts
	}
	if c.MaxICERestarts < 0 {
		c.MaxICERestarts = 0
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger replaces the default logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type endCause int

const (
	endLocal endCause = iota
	endPeer
	endTimeout
	endFailure
)

func (e endCause) String() string {
	switch e {
	case endLocal:
		return "local"
	case endPeer:
		return "peer"
	case endTimeout:
		return "timeout"
	}
	return "failure"
}

// Client drives at most one call at a time over a Signaler.
type Client struct {
	cfg     Config
	sig     domain.Signaler
	factory domain.MediaSessionFactory
	devices domain.DeviceAcquirer
	clock   clock.Clock
	logger  zerolog.Logger

	mu      sync.Mutex
	current *Session
	closed  bool
	subs    []domain.Subscription

	obsMu     sync.RWMutex
	observers map[uint64]func(Event)
	nextObs   uint64
}

// NewClient creates a Client and registers its signaling handlers.
func NewClient(cfg Config, sig domain.Signaler, factory domain.MediaSessionFactory, devices domain.DeviceAcquirer, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg.withDefaults(),
		sig:       sig,
		factory:   factory,
		devices:   devices,
		clock:     clock.New(),
		logger:    log.Logger.With().Str("module", "call").Logger(),
		observers: make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.subs = append(c.subs,
		sig.On(domain.EventCallUser, c.onCallUser),
		sig.On(domain.EventIncomingCall, c.onCallUser),
	)
	return c
}

// Subscribe registers fn for every published Event. The returned func
// removes the subscription.
func (c *Client) Subscribe(fn func(Event)) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Client) publish(ev Event) {
	c.obsMu.RLock()
	fns := make([]func(Event), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// locked runs fn under the client lock and publishes what it raised.
func (c *Client) locked(fn func(out *outbox) error) error {
	var out outbox
	c.mu.Lock()
	err := fn(&out)
	c.mu.Unlock()

	for _, ev := range out.events {
		c.publish(ev)
	}
	return err
}

// Snapshot returns the state of the current or most recent call.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return Snapshot{Phase: domain.PhaseIdle, Status: statusOf("", domain.PhaseIdle)}
	}
	return c.current.snapshot()
}

// Incoming returns the ringing inbound call, if any.
func (c *Client) Incoming() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.current
	if s == nil || s.role != domain.RoleReceiver || s.phase != domain.PhaseRinging {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// live reports whether s is still the session events should act on.
func (c *Client) live(s *Session) bool {
	return c.current == s && !s.phase.Terminal()
}

func (c *Client) newSessionLocked(role domain.Role, peer domain.PeerRef) *Session {
	s := newSession(role, peer, c.logger)
	c.current = s

	bind := func(event string, h func(*Session, json.RawMessage)) {
		s.subs = append(s.subs, c.sig.On(event, func(data json.RawMessage) { h(s, data) }))
	}
	bind(domain.EventCallReceived, c.onCallReceived)
	bind(domain.EventCallAccepted, c.onCallAccepted)
	bind(domain.EventICECandidate, c.onRemoteCandidate)
	bind(domain.EventCallUpdate, c.onCallUpdate)
	bind(domain.EventCallUpdateAnswer, c.onCallUpdateAnswer)
	bind(domain.EventEndCall, c.onEndCall)
	bind(domain.EventCallEnded, c.onEndCall)

	s.logger.Info().Msg("session created")
	return s
}

// Start places an outgoing call to peerID. It returns once the offer has
// been sent.
func (c *Client) Start(ctx context.Context, peerID string) (Snapshot, error) {
	if peerID == "" {
		return Snapshot{}, errors.New("peer id required")
	}
	if peerID == c.cfg.SelfID {
		return Snapshot{}, errors.New("cannot call yourself")
	}

	var s *Session
	err := c.locked(func(out *outbox) error {
		if c.closed {
			return ErrClosed
		}
		if c.current != nil && !c.current.phase.Terminal() {
			return ErrBusy
		}
		s = c.newSessionLocked(domain.RoleCaller, domain.PeerRef{ID: peerID})
		s.advance(domain.PhaseDialing)
		out.state(s)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	actx, cancel := s.bind(ctx)
	defer cancel()

	tracks, acqErr := c.acquire(actx, domain.MediaConstraints{Audio: true, Video: true})

	var ms domain.MediaSession
	err = c.locked(func(out *outbox) error {
		if !c.live(s) {
			stopTracks(tracks)
			return ErrCallEnded
		}
		if acqErr != nil {
			c.endLocked(s, endFailure, "Failed to access camera or microphone", acqErr, out)
			return fmt.Errorf("acquire media: %w", acqErr)
		}
		if err := c.attachMediaLocked(s, tracks); err != nil {
			c.endLocked(s, endFailure, "Failed to start call", err, out)
			return err
		}
		offer, err := s.media.CreateOffer(domain.OfferOptions{})
		if err == nil {
			err = s.media.SetLocalDescription(offer)
		}
		if err != nil {
			c.endLocked(s, endFailure, "Failed to start call", err, out)
			return fmt.Errorf("create offer: %w", err)
		}
		ms = s.media
		out.state(s)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	c.waitGathering(actx, s, ms)

	var snap Snapshot
	err = c.locked(func(out *outbox) error {
		if !c.live(s) {
			return ErrCallEnded
		}
		desc, ok := s.media.LocalDescription()
		if !ok {
			err := errors.New("no local description")
			c.endLocked(s, endFailure, "Failed to start call", err, out)
			return err
		}
		payload := domain.CallUserPayload{
			To:    peerID,
			From:  domain.PeerRef{ID: c.cfg.SelfID, Username: c.cfg.SelfName},
			Offer: desc,
		}
		if err := c.sig.Send(domain.EventCallUser, payload); err != nil {
			c.endLocked(s, endFailure, "Failed to reach signaling server", err, out)
			return fmt.Errorf("send call-user: %w", err)
		}
		s.contacted = true
		c.armRingTimerLocked(s)
		s.logger.Info().Msg("offer sent")
		out.state(s)
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

// Accept answers the ringing inbound call.
func (c *Client) Accept(ctx context.Context) (Snapshot, error) {
	var s *Session
	err := c.locked(func(out *outbox) error {
		s = c.current
		if s == nil || s.role != domain.RoleReceiver || s.phase != domain.PhaseRinging || s.accepting {
			return ErrNoIncomingCall
		}
		s.accepting = true
		s.stopRingTimer()
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	actx, cancel := s.bind(ctx)
	defer cancel()

	tracks, acqErr := c.acquire(actx, domain.MediaConstraints{Audio: true, Video: true})

	var ms domain.MediaSession
	err = c.locked(func(out *outbox) error {
		if !c.live(s) {
			stopTracks(tracks)
			return ErrCallEnded
		}
		if acqErr != nil {
			c.endLocked(s, endFailure, "Failed to access camera or microphone", acqErr, out)
			return fmt.Errorf("acquire media: %w", acqErr)
		}
		if err := c.attachMediaLocked(s, tracks); err != nil {
			c.endLocked(s, endFailure, "Failed to answer call", err, out)
			return err
		}
		if s.offer == nil {
			err := errors.New("no pending offer")
			c.endLocked(s, endFailure, "Failed to answer call", err, out)
			return err
		}
		offer := *s.offer
		s.offer = nil
		if err := c.applyRemoteLocked(s, offer); err != nil {
			c.endLocked(s, endFailure, "Call negotiation failed", err, out)
			return err
		}
		answer, err := s.media.CreateAnswer()
		if err == nil {
			err = s.media.SetLocalDescription(answer)
		}
		if err != nil {
			c.endLocked(s, endFailure, "Call negotiation failed", err, out)
			return fmt.Errorf("create answer: %w", err)
		}
		ms = s.media
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	c.waitGathering(actx, s, ms)

	var snap Snapshot
	err = c.locked(func(out *outbox) error {
		if !c.live(s) {
			return ErrCallEnded
		}
		s.accepting = false
		desc, ok := s.media.LocalDescription()
		if !ok {
			err := errors.New("no local description")
			c.endLocked(s, endFailure, "Failed to answer call", err, out)
			return err
		}
		if err := c.sig.Send(domain.EventAnswerCall, domain.AnswerCallPayload{To: s.peer.ID, Answer: desc}); err != nil {
			c.endLocked(s, endFailure, "Failed to reach signaling server", err, out)
			return fmt.Errorf("send answer-call: %w", err)
		}
		s.logger.Info().Msg("answer sent")
		s.established = true
		c.enterConnectingLocked(s, out)
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

// Reject declines the ringing inbound call.
func (c *Client) Reject() error {
	return c.locked(func(out *outbox) error {
		s := c.current
		if s == nil || s.role != domain.RoleReceiver || s.phase != domain.PhaseRinging {
			return ErrNoIncomingCall
		}
		c.endLocked(s, endLocal, "Call rejected", nil, out)
		return nil
	})
}

// Hangup ends the current call. Calling it with no live call is a no-op.
func (c *Client) Hangup() error {
	return c.locked(func(out *outbox) error {
		if s := c.current; s != nil {
			c.endLocked(s, endLocal, "Call ended", nil, out)
		}
		return nil
	})
}

// Close ends any live call and removes the client's signaling handlers.
func (c *Client) Close() error {
	return c.locked(func(out *outbox) error {
		if c.closed {
			return nil
		}
		c.closed = true
		if s := c.current; s != nil {
			c.endLocked(s, endLocal, "", nil, out)
		}
		for _, sub := range c.subs {
			c.sig.Off(sub)
		}
		c.subs = nil
		return nil
	})
}

// acquire asks for want and, when both kinds fail together, degrades to
// video only and then audio only. The first error is reported if nothing
// can be opened.
func (c *Client) acquire(ctx context.Context, want domain.MediaConstraints) ([]domain.Track, error) {
	tracks, err := c.devices.GetMedia(ctx, want)
	if err == nil {
		return tracks, nil
	}
	if !want.Audio || !want.Video {
		return nil, err
	}
	for _, fallback := range []domain.MediaConstraints{
		{Video: true, VideoDeviceID: want.VideoDeviceID},
		{Audio: true},
	} {
		if ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn().Err(err).Bool("audio", fallback.Audio).Bool("video", fallback.Video).Msg("media unavailable, retrying with fewer devices")
		if tracks, ferr := c.devices.GetMedia(ctx, fallback); ferr == nil {
			return tracks, nil
		}
	}
	return nil, err
}

func (c *Client) attachMediaLocked(s *Session, tracks []domain.Track) error {
	for _, t := range tracks {
		s.local[t.Kind()] = t
	}

	ms, err := c.factory.Create(c.cfg.Media)
	if err != nil {
		return fmt.Errorf("create media session: %w", err)
	}
	s.media = ms

	ms.OnICECandidate(func(cand domain.ICECandidatePayload) { c.onLocalCandidate(s, ms, cand) })
	ms.OnConnectionStateChange(func(h domain.ConnectionHealth) { c.onHealth(s, ms, h) })
	ms.OnTrack(func(ev domain.RemoteTrackEvent) { c.onRemoteTrack(s, ms, ev) })

	for _, t := range tracks {
		if err := ms.AddTrack(t); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

func (c *Client) waitGathering(ctx context.Context, s *Session, ms domain.MediaSession) {
	t := c.clock.Timer(c.cfg.GatherTimeout)
	defer t.Stop()

	select {
	case <-ms.GatheringComplete():
	case <-t.C:
		s.logger.Warn().Dur("timeout", c.cfg.GatherTimeout).Msg("ICE gathering incomplete, sending partial description")
	case <-ctx.Done():
	}
}

func (c *Client) armRingTimerLocked(s *Session) {
	s.stopRingTimer()
	s.ringTimer = c.clock.AfterFunc(c.cfg.RingTimeout, func() { c.onRingTimeout(s) })
}

func (c *Client) onRingTimeout(s *Session) {
	_ = c.locked(func(out *outbox) error {
		if !c.live(s) || s.accepting {
			return nil
		}
		if s.phase != domain.PhaseDialing && s.phase != domain.PhaseRinging {
			return nil
		}
		msg := "Call timed out."
		if s.role == domain.RoleCaller {
			msg = "No answer."
		}
		c.endLocked(s, endTimeout, msg, nil, out)
		return nil
	})
}

func (c *Client) enterConnectingLocked(s *Session, out *outbox) {
	if s.advance(domain.PhaseConnecting) {
		out.state(s)
	}
	if s.health == domain.HealthConnected && s.advance(domain.PhaseActive) {
		out.state(s)
	}
	c.flushQueuedLocked(s, out)
}

// endLocked tears s down. It is idempotent and runs the release steps at
// most once per session.
func (c *Client) endLocked(s *Session, cause endCause, msg string, cerr error, out *outbox) {
	if s.phase.Terminal() {
		return
	}
	s.advance(domain.PhaseEnding)
	out.state(s)

	s.stopRingTimer()
	s.cancel()
	for _, sub := range s.subs {
		c.sig.Off(sub)
	}
	s.subs = nil

	if cause != endPeer && s.contacted {
		if err := c.sig.Send(domain.EventEndCall, domain.PeerPayload{To: s.peer.ID}); err != nil {
			s.logger.Warn().Err(err).Msg("send end-call")
		}
	}

	var rerr error
	for kind, t := range s.local {
		rerr = multierr.Append(rerr, t.Stop())
		delete(s.local, kind)
	}
	if s.media != nil {
		rerr = multierr.Append(rerr, s.media.Close())
		s.media = nil
	}
	if rerr != nil {
		s.logger.Warn().Err(rerr).Msg("release media")
	}

	s.pending.reset()
	s.offer = nil
	s.remoteDescSet = false
	s.negotiating = false
	s.renegotiateNext = false
	s.remote = make(map[string]*domain.RemoteTrackState)
	s.health = domain.HealthClosed
	s.advance(domain.PhaseEnded)
	close(s.done)

	ev := s.logger.Info()
	if cerr != nil {
		ev = s.logger.Warn().Err(cerr)
	}
	ev.Stringer("cause", cause).Msg("call ended")

	out.state(s)
	if msg != "" {
		level := NoticeInfo
		switch cause {
		case endTimeout:
			level = NoticeWarn
		case endFailure:
			level = NoticeError
		}
		out.notice(s, level, msg, cerr)
	}
}

func stopTracks(tracks []domain.Track) {
	for _, t := range tracks {
		_ = t.Stop()
	}
}
