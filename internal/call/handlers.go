package call

import (
	"encoding/json"

	"vico_home/vicocall/internal/domain"
)

func (c *Client) onCallUser(data json.RawMessage) {
	var p domain.CallUserPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Warn().Err(err).Msg("malformed call-user")
		return
	}
	if p.From.ID == "" || p.Offer.SDP == "" {
		c.logger.Warn().Msg("call-user without caller or offer")
		return
	}

	_ = c.locked(func(out *outbox) error {
		if c.closed {
			return nil
		}
		if cur := c.current; cur != nil && !cur.phase.Terminal() {
			if cur.peer.ID == p.From.ID {
				cur.logger.Warn().Msg("duplicate call-user from current peer ignored")
				return nil
			}
			c.logger.Info().Str("from", p.From.ID).Msg("busy, rejecting incoming call")
			if err := c.sig.Send(domain.EventEndCall, domain.PeerPayload{To: p.From.ID}); err != nil {
				c.logger.Warn().Err(err).Msg("send busy end-call")
			}
			return nil
		}

		s := c.newSessionLocked(domain.RoleReceiver, p.From)
		offer := p.Offer
		s.offer = &offer
		s.contacted = true
		s.advance(domain.PhaseRinging)

		if err := c.sig.Send(domain.EventCallReceived, domain.PeerPayload{To: p.From.ID}); err != nil {
			s.logger.Warn().Err(err).Msg("send call-received")
		}
		c.armRingTimerLocked(s)

		out.state(s)
		out.incoming(s)
		return nil
	})
}

func (c *Client) onCallReceived(s *Session, _ json.RawMessage) {
	_ = c.locked(func(out *outbox) error {
		if !c.live(s) || s.role != domain.RoleCaller {
			return nil
		}
		if s.phase == domain.PhaseDialing && s.contacted && s.advance(domain.PhaseRinging) {
			out.state(s)
		}
		return nil
	})
}

func (c *Client) onCallAccepted(s *Session, data json.RawMessage) {
	var p domain.CallAcceptedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed call-accepted")
		return
	}

	_ = c.locked(func(out *outbox) error {
		if !c.live(s) {
			return nil
		}
		if s.role != domain.RoleCaller || s.media == nil || s.remoteDescSet ||
			(s.phase != domain.PhaseDialing && s.phase != domain.PhaseRinging) {
			s.logger.Warn().Stringer("phase", s.phase).Msg("stale call-accepted ignored")
			return nil
		}
		s.stopRingTimer()
		s.established = true
		if err := c.applyRemoteLocked(s, p.Answer); err != nil {
			c.negotiationFailedLocked(s, err, out)
			return nil
		}
		s.logger.Info().Msg("call accepted")
		c.enterConnectingLocked(s, out)
		return nil
	})
}

func (c *Client) onRemoteCandidate(s *Session, data json.RawMessage) {
	var p domain.CandidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed ice-candidate")
		return
	}
	if p.Candidate.Candidate == "" {
		return
	}

	_ = c.locked(func(out *outbox) error {
		if !c.live(s) {
			return nil
		}
		if p.From != "" && p.From != s.peer.ID {
			s.logger.Warn().Str("from", p.From).Msg("candidate from unknown peer ignored")
			return nil
		}
		if s.media == nil || !s.remoteDescSet {
			s.pending.push(p.Candidate)
			s.logger.Debug().Int("pending", s.pending.len()).Msg("candidate buffered")
			return nil
		}
		if err := s.media.AddICECandidate(p.Candidate); err != nil {
			s.logger.Warn().Err(err).Msg("add remote candidate")
		}
		return nil
	})
}

func (c *Client) onEndCall(s *Session, data json.RawMessage) {
	var p domain.PeerPayload
	_ = json.Unmarshal(data, &p)

	_ = c.locked(func(out *outbox) error {
		if !c.live(s) {
			return nil
		}
		if p.From != "" && p.From != s.peer.ID {
			s.logger.Warn().Str("from", p.From).Msg("end-call from unknown peer ignored")
			return nil
		}
		c.endLocked(s, endPeer, "Call ended by peer", nil, out)
		return nil
	})
}

func (c *Client) onLocalCandidate(s *Session, ms domain.MediaSession, cand domain.ICECandidatePayload) {
	_ = c.locked(func(out *outbox) error {
		if !c.live(s) || s.media != ms {
			return nil
		}
		// Candidates gathered before the peer was contacted travel inside
		// the offer.
		if !s.contacted {
			return nil
		}
		payload := domain.CandidatePayload{To: s.peer.ID, From: c.cfg.SelfID, Candidate: cand}
		if err := c.sig.Send(domain.EventICECandidate, payload); err != nil {
			s.logger.Warn().Err(err).Msg("send ice-candidate")
		}
		return nil
	})
}

func (c *Client) onHealth(s *Session, ms domain.MediaSession, h domain.ConnectionHealth) {
	_ = c.locked(func(out *outbox) error {
		if !c.live(s) || s.media != ms {
			return nil
		}
		if s.health == h {
			return nil
		}
		s.logger.Info().Str("from", string(s.health)).Str("to", string(h)).Msg("connection state")
		s.health = h
		out.state(s)

		switch h {
		case domain.HealthConnected:
			s.iceRestarts = 0
			if s.phase == domain.PhaseConnecting && s.advance(domain.PhaseActive) {
				out.state(s)
			}
		case domain.HealthDisconnected, domain.HealthFailed:
			c.recoverLocked(s, out)
		case domain.HealthClosed:
			c.endLocked(s, endFailure, "Connection closed", nil, out)
		}
		return nil
	})
}

func (c *Client) onRemoteTrack(s *Session, ms domain.MediaSession, ev domain.RemoteTrackEvent) {
	_ = c.locked(func(out *outbox) error {
		if !c.live(s) || s.media != ms {
			return nil
		}
		r, ok := s.remote[ev.ID]
		switch ev.Type {
		case domain.RemoteTrackAdded:
			s.remote[ev.ID] = &domain.RemoteTrackState{Kind: ev.Kind, ID: ev.ID, Enabled: true}
		case domain.RemoteTrackMuted:
			if !ok {
				return nil
			}
			r.Muted, r.Enabled = true, false
		case domain.RemoteTrackUnmuted:
			if !ok {
				return nil
			}
			r.Muted, r.Enabled = false, true
		case domain.RemoteTrackEnded:
			delete(s.remote, ev.ID)
		}
		s.logger.Debug().Str("kind", string(ev.Kind)).Str("track", ev.ID).Int("event", int(ev.Type)).Msg("remote track")
		out.state(s)
		return nil
	})
}
