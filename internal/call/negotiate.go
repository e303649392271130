package call

import (
	"encoding/json"
	"fmt"

	"vico_home/vicocall/internal/domain"
)

// applyRemoteLocked installs a remote description and drains buffered
// candidates in arrival order.
func (c *Client) applyRemoteLocked(s *Session, desc domain.SDPPayload) error {
	if err := s.media.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	s.remoteDescSet = true
	s.negFailures = 0

	queued := s.pending.drain()
	for _, cand := range queued {
		if err := s.media.AddICECandidate(cand); err != nil {
			s.logger.Warn().Err(err).Msg("add buffered candidate")
		}
	}
	if len(queued) > 0 {
		s.logger.Debug().Int("count", len(queued)).Msg("drained buffered candidates")
	}
	return nil
}

// renegotiateLocked sends a fresh offer over call-update. Only one
// renegotiation is outstanding at a time: a restart request made while busy
// is dropped, a track change is coalesced into one follow-up. Before the
// initial exchange completes nothing is sent and track changes wait for it.
func (c *Client) renegotiateLocked(s *Session, iceRestart bool, out *outbox) error {
	if s.media == nil {
		return ErrInvalidPhase
	}
	if !s.established || s.accepting {
		if !iceRestart {
			s.renegotiateNext = true
		}
		s.logger.Info().Bool("iceRestart", iceRestart).Msg("call not established, renegotiation deferred")
		return ErrNegotiationBusy
	}
	if s.negotiating {
		if !iceRestart {
			s.renegotiateNext = true
		}
		s.logger.Info().Bool("iceRestart", iceRestart).Msg("renegotiation already in progress")
		return ErrNegotiationBusy
	}

	offer, err := s.media.CreateOffer(domain.OfferOptions{ICERestart: iceRestart})
	if err == nil {
		err = s.media.SetLocalDescription(offer)
	}
	if err != nil {
		err = fmt.Errorf("renegotiation offer: %w", err)
		c.negotiationFailedLocked(s, err, out)
		return err
	}

	payload := domain.UpdatePayload{To: s.peer.ID, From: c.cfg.SelfID, Offer: offer}
	if err := c.sig.Send(domain.EventCallUpdate, payload); err != nil {
		if rerr := s.media.SetLocalDescription(domain.SDPPayload{Type: domain.SDPTypeRollback}); rerr != nil {
			s.logger.Warn().Err(rerr).Msg("rollback unsent offer")
		}
		return fmt.Errorf("send call-update: %w", err)
	}

	s.negotiating = true
	s.logger.Info().Bool("iceRestart", iceRestart).Msg("renegotiation offer sent")
	out.state(s)
	return nil
}

// negotiationFailedLocked retries once through renegotiation and ends the
// call on the second consecutive failure.
func (c *Client) negotiationFailedLocked(s *Session, err error, out *outbox) {
	s.negotiating = false
	s.negFailures++
	s.logger.Error().Err(err).Int("failures", s.negFailures).Msg("negotiation failed")

	canRetry := s.media != nil && (s.role == domain.RoleCaller || s.remoteDescSet)
	if s.negFailures >= maxNegotiationFailures || !canRetry {
		c.endLocked(s, endFailure, "Call negotiation failed", err, out)
		return
	}
	out.notice(s, NoticeWarn, "Renegotiating call", err)
	_ = c.renegotiateLocked(s, false, out)
}

// recoverLocked reacts to a lost connection with a bounded ICE restart.
func (c *Client) recoverLocked(s *Session, out *outbox) {
	if s.iceRestarts >= c.cfg.MaxICERestarts {
		c.endLocked(s, endFailure, "Connection lost", nil, out)
		return
	}
	if err := c.renegotiateLocked(s, true, out); err != nil {
		s.logger.Warn().Err(err).Msg("connection interrupted, ICE restart not sent")
		return
	}
	s.iceRestarts++
	s.logger.Warn().Int("attempt", s.iceRestarts).Msg("connection interrupted, restarting ICE")
	out.notice(s, NoticeWarn, "Reconnecting", nil)
}

func (c *Client) flushQueuedLocked(s *Session, out *outbox) {
	if s.renegotiateNext && !s.negotiating && c.live(s) {
		s.renegotiateNext = false
		_ = c.renegotiateLocked(s, false, out)
	}
}

func (c *Client) onCallUpdate(s *Session, data json.RawMessage) {
	var p domain.UpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed call-update")
		return
	}

	_ = c.locked(func(out *outbox) error {
		if !c.live(s) {
			return nil
		}
		if p.From != "" && p.From != s.peer.ID {
			s.logger.Warn().Str("from", p.From).Msg("call-update from unknown peer ignored")
			return nil
		}
		if s.media == nil || s.phase < domain.PhaseConnecting {
			s.logger.Warn().Stringer("phase", s.phase).Msg("call-update before call established ignored")
			return nil
		}

		if s.negotiating {
			if s.role == domain.RoleCaller {
				s.logger.Info().Msg("offer collision, keeping own offer")
				return nil
			}
			s.logger.Info().Msg("offer collision, rolling back own offer")
			if err := s.media.SetLocalDescription(domain.SDPPayload{Type: domain.SDPTypeRollback}); err != nil {
				c.negotiationFailedLocked(s, fmt.Errorf("rollback: %w", err), out)
				return nil
			}
			s.negotiating = false
			s.renegotiateNext = true
		}

		if err := c.applyRemoteLocked(s, p.Offer); err != nil {
			c.negotiationFailedLocked(s, err, out)
			return nil
		}
		answer, err := s.media.CreateAnswer()
		if err == nil {
			err = s.media.SetLocalDescription(answer)
		}
		if err != nil {
			c.negotiationFailedLocked(s, fmt.Errorf("renegotiation answer: %w", err), out)
			return nil
		}
		payload := domain.UpdateAnswerPayload{To: s.peer.ID, From: c.cfg.SelfID, Answer: answer}
		if err := c.sig.Send(domain.EventCallUpdateAnswer, payload); err != nil {
			s.logger.Warn().Err(err).Msg("send call-update-answer")
			return nil
		}
		s.logger.Info().Msg("renegotiation answered")
		out.state(s)
		c.flushQueuedLocked(s, out)
		return nil
	})
}

func (c *Client) onCallUpdateAnswer(s *Session, data json.RawMessage) {
	var p domain.UpdateAnswerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn().Err(err).Msg("malformed call-update-answer")
		return
	}

	_ = c.locked(func(out *outbox) error {
		if !c.live(s) {
			return nil
		}
		if !s.negotiating || s.media == nil {
			s.logger.Warn().Msg("unexpected call-update-answer ignored")
			return nil
		}
		s.negotiating = false
		if err := c.applyRemoteLocked(s, p.Answer); err != nil {
			c.negotiationFailedLocked(s, err, out)
			return nil
		}
		s.logger.Info().Msg("renegotiation complete")
		out.state(s)
		c.enterConnectingLocked(s, out)
		return nil
	})
}
