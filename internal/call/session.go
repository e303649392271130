package call

import (
	"context"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vico_home/vicocall/internal/domain"
)

// Session is one call attempt. Every field is guarded by the owning
// Client's mutex.
type Session struct {
	id     string
	role   domain.Role
	peer   domain.PeerRef
	logger zerolog.Logger

	phase  domain.Phase
	health domain.ConnectionHealth

	// contacted is set once the peer knows about this session, i.e. after
	// call-user was sent or received. end-call is only emitted after that.
	contacted bool
	// accepting is set while Accept is acquiring media.
	accepting bool
	// established is set once the peer holds our initial offer/answer
	// exchange: the caller got call-accepted, or the receiver sent
	// answer-call. call-update is only exchanged after that.
	established bool

	media         domain.MediaSession
	local         map[domain.TrackKind]domain.Track
	remote        map[string]*domain.RemoteTrackState
	pending       candidateBuffer
	remoteDescSet bool
	offer         *domain.SDPPayload

	negotiating     bool
	renegotiateNext bool
	negFailures     int
	iceRestarts     int
	toggling        bool

	ringTimer *clock.Timer
	subs      []domain.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(role domain.Role, peer domain.PeerRef, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:   id,
		role: role,
		peer: peer,
		logger: logger.With().
			Str("call", id).
			Str("role", string(role)).
			Str("peer", peer.ID).
			Logger(),
		phase:  domain.PhaseIdle,
		health: domain.HealthNew,
		local:  make(map[domain.TrackKind]domain.Track),
		remote: make(map[string]*domain.RemoteTrackState),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the session reaches Ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// advance moves the phase forward. Backward moves are refused.
func (s *Session) advance(to domain.Phase) bool {
	if to <= s.phase {
		return false
	}
	s.logger.Debug().Stringer("from", s.phase).Stringer("to", to).Msg("phase")
	s.phase = to
	return true
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:                s.id,
		Role:              s.role,
		Peer:              s.peer,
		Phase:             s.phase,
		Health:            s.health,
		Status:            statusOf(s.role, s.phase),
		InCall:            s.phase >= domain.PhaseDialing && !s.phase.Terminal(),
		Connected:         s.phase == domain.PhaseActive,
		Negotiating:       s.negotiating,
		PendingCandidates: s.pending.len(),
	}
	for kind, t := range s.local {
		snap.LocalTracks = append(snap.LocalTracks, domain.LocalTrackState{
			Kind:    kind,
			ID:      t.ID(),
			Enabled: t.Enabled(),
		})
	}
	sort.Slice(snap.LocalTracks, func(i, j int) bool {
		return snap.LocalTracks[i].Kind < snap.LocalTracks[j].Kind
	})
	for _, r := range s.remote {
		snap.RemoteTracks = append(snap.RemoteTracks, *r)
	}
	sort.Slice(snap.RemoteTracks, func(i, j int) bool {
		a, b := snap.RemoteTracks[i], snap.RemoteTracks[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})
	return snap
}

// bind derives a context that is cancelled when either ctx is done or the
// session ends.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
