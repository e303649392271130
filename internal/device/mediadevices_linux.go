//go:build linux

package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"vico_home/vicocall/internal/domain"
)

// MediaDevices captures camera and microphone through pion/mediadevices
// (V4L2 and malgo).
type MediaDevices struct {
	cfg      Config
	logger   zerolog.Logger
	selector *mediadevices.CodecSelector
}

func newMediaDevices(cfg Config, logger zerolog.Logger) (domain.DeviceAcquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	m := &MediaDevices{
		cfg:    cfg,
		logger: logger.With().Str("module", "device").Str("driver", "mediadevices").Logger(),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		m.logger.Warn().Msg("no media devices found")
	}
	for _, d := range devices {
		m.logger.Debug().Str("id", d.DeviceID).Str("label", d.Label).Msg("media device")
	}
	return m, nil
}

// GetMedia opens the requested devices. GetUserMedia cannot be cancelled, so
// tracks that arrive after ctx is done are closed.
func (m *MediaDevices) GetMedia(ctx context.Context, c domain.MediaConstraints) ([]domain.Track, error) {
	if !c.Audio && !c.Video {
		return nil, &domain.DeviceError{Kind: domain.ErrDeviceNotFound, Err: fmt.Errorf("no media requested")}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: m.selector}
	if c.Video {
		constraints.Video = func(tc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit malformed frames that break
			// the VP8 encoder. Raw formats only.
			tc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			tc.Width = prop.IntRanged{Max: m.cfg.Width}
			tc.Height = prop.IntRanged{Max: m.cfg.Height}
			if c.VideoDeviceID != "" {
				tc.DeviceID = prop.StringExact(c.VideoDeviceID)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	resc := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(constraints)
		resc <- result{stream, err}
	}()

	var res result
	select {
	case res = <-resc:
	case <-ctx.Done():
		go func() {
			if r := <-resc; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		m.logger.Warn().Err(res.err).Bool("audio", c.Audio).Bool("video", c.Video).Msg("GetUserMedia failed")
		return nil, classify(res.err)
	}

	var tracks []domain.Track
	for _, mt := range res.stream.GetTracks() {
		mt := mt
		kind := domain.KindAudio
		if mt.Kind() == pion.RTPCodecTypeVideo {
			kind = domain.KindVideo
		}
		mt.OnEnded(func(err error) {
			if err != nil {
				m.logger.Warn().Err(err).Str("track", mt.ID()).Msg("local track ended")
			}
		})
		tracks = append(tracks, NewTrack(kind, mt, mt.Close))
	}
	m.logger.Info().Int("tracks", len(tracks)).Msg("local media captured")
	return tracks, nil
}

// classify maps mediadevices errors onto the device error taxonomy.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	kind := domain.ErrDeviceUnavailable
	switch {
	case strings.Contains(msg, "permission"):
		kind = domain.ErrPermissionDenied
	case strings.Contains(msg, "busy"):
		kind = domain.ErrDeviceBusy
	case strings.Contains(msg, "not found"), strings.Contains(msg, "failed to find"):
		kind = domain.ErrDeviceNotFound
	}
	return &domain.DeviceError{Kind: kind, Err: err}
}
