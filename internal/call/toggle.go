package call

import (
	"context"
	"errors"
	"fmt"

	"vico_home/vicocall/internal/domain"
)

func (c *Client) activeLocked() (*Session, error) {
	s := c.current
	if s == nil || s.phase.Terminal() {
		return nil, ErrNoCall
	}
	if s.toggling {
		return nil, ErrToggleBusy
	}
	return s, nil
}

// ToggleAudio flips the local audio track and returns its new state.
func (c *Client) ToggleAudio() (bool, error) {
	var enabled bool
	err := c.locked(func(out *outbox) error {
		s, err := c.activeLocked()
		if err != nil {
			return err
		}
		t := s.local[domain.KindAudio]
		if t == nil {
			return ErrNoTrack
		}
		t.SetEnabled(!t.Enabled())
		enabled = t.Enabled()
		s.logger.Info().Bool("enabled", enabled).Msg("audio toggled")
		out.state(s)
		return nil
	})
	return enabled, err
}

// ToggleVideo turns the camera off by disabling the track, and back on by
// acquiring a fresh camera track. It returns the new enabled state.
func (c *Client) ToggleVideo(ctx context.Context) (bool, error) {
	var s *Session
	var softOff bool
	err := c.locked(func(out *outbox) error {
		cur, err := c.activeLocked()
		if err != nil {
			return err
		}
		if cur.media == nil {
			return ErrInvalidPhase
		}
		if t := cur.local[domain.KindVideo]; t != nil && t.Enabled() {
			t.SetEnabled(false)
			softOff = true
			cur.logger.Info().Msg("video disabled")
			out.state(cur)
			return nil
		}
		cur.toggling = true
		s = cur
		return nil
	})
	if err != nil || softOff {
		return false, err
	}
	return c.swapVideo(ctx, s, domain.MediaConstraints{Video: true}, "Failed to enable video")
}

// SwitchCamera replaces the outgoing camera with deviceID. Video is left
// enabled.
func (c *Client) SwitchCamera(ctx context.Context, deviceID string) error {
	var s *Session
	err := c.locked(func(out *outbox) error {
		cur, err := c.activeLocked()
		if err != nil {
			return err
		}
		if cur.media == nil {
			return ErrInvalidPhase
		}
		cur.toggling = true
		s = cur
		return nil
	})
	if err != nil {
		return err
	}
	_, err = c.swapVideo(ctx, s, domain.MediaConstraints{Video: true, VideoDeviceID: deviceID}, "Failed to switch camera")
	return err
}

// swapVideo acquires a camera track outside the lock and installs it. The
// caller has set s.toggling.
func (c *Client) swapVideo(ctx context.Context, s *Session, want domain.MediaConstraints, failMsg string) (bool, error) {
	actx, cancel := s.bind(ctx)
	defer cancel()

	tracks, acqErr := c.devices.GetMedia(actx, want)

	var enabled bool
	err := c.locked(func(out *outbox) error {
		s.toggling = false

		var nt domain.Track
		for _, t := range tracks {
			if t.Kind() == domain.KindVideo && nt == nil {
				nt = t
				continue
			}
			_ = t.Stop()
		}

		if !c.live(s) || s.media == nil {
			if nt != nil {
				_ = nt.Stop()
			}
			return ErrCallEnded
		}
		if acqErr == nil && nt == nil {
			acqErr = &domain.DeviceError{Kind: domain.ErrDeviceNotFound}
		}
		if acqErr != nil {
			s.logger.Warn().Err(acqErr).Msg("camera acquisition failed")
			out.notice(s, NoticeWarn, failMsg, acqErr)
			out.state(s)
			return fmt.Errorf("acquire camera: %w", acqErr)
		}

		swap := domain.DeviceTrackSwap{Kind: domain.KindVideo, New: nt, Previous: s.local[domain.KindVideo]}
		if err := c.applySwapLocked(s, swap, out); err != nil {
			_ = nt.Stop()
			s.logger.Error().Err(err).Msg("camera swap failed")
			out.notice(s, NoticeError, failMsg, err)
			out.state(s)
			return err
		}
		enabled = true
		out.state(s)
		return nil
	})
	return enabled, err
}

// applySwapLocked installs swap.New on the media session, in place when
// possible, otherwise by adding a sender and renegotiating.
func (c *Client) applySwapLocked(s *Session, swap domain.DeviceTrackSwap, out *outbox) error {
	swap.New.SetEnabled(true)

	if c.cfg.PreferInPlaceTrackReplace && swap.Previous != nil {
		err := s.media.ReplaceTrack(swap.Kind, swap.New)
		if err == nil {
			if serr := swap.Previous.Stop(); serr != nil {
				s.logger.Warn().Err(serr).Msg("stop replaced track")
			}
			s.local[swap.Kind] = swap.New
			s.logger.Info().Str("kind", string(swap.Kind)).Msg("track replaced in place")
			return nil
		}
		if !errors.Is(err, domain.ErrReplaceUnsupported) {
			return fmt.Errorf("replace %s track: %w", swap.Kind, err)
		}
		s.logger.Info().Err(err).Msg("in-place replace unavailable, renegotiating")
	}

	if swap.Previous != nil {
		if err := s.media.RemoveTrack(swap.Kind); err != nil {
			s.logger.Warn().Err(err).Msg("remove previous track")
		}
		if err := swap.Previous.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("stop previous track")
		}
		delete(s.local, swap.Kind)
	}
	if err := s.media.AddTrack(swap.New); err != nil {
		return fmt.Errorf("add %s track: %w", swap.Kind, err)
	}
	s.local[swap.Kind] = swap.New
	s.logger.Info().Str("kind", string(swap.Kind)).Msg("track added, renegotiating")

	if err := c.renegotiateLocked(s, false, out); err != nil && !errors.Is(err, ErrNegotiationBusy) {
		s.logger.Warn().Err(err).Msg("renegotiate after track change")
	}
	return nil
}
