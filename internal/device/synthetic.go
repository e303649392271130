package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"vico_home/vicocall/internal/domain"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Synthetic produces tracks without hardware. Audio carries Opus silence,
// video a fixed placeholder frame.
type Synthetic struct {
	logger zerolog.Logger

	mu   sync.Mutex
	fail func(domain.MediaConstraints) error
}

// NewSynthetic creates a hardware-free acquirer.
func NewSynthetic(logger zerolog.Logger) *Synthetic {
	return &Synthetic{logger: logger.With().Str("module", "device").Str("driver", "synthetic").Logger()}
}

// FailWith makes GetMedia return fn's error for matching requests.
func (s *Synthetic) FailWith(fn func(domain.MediaConstraints) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// GetMedia returns one track per requested kind.
func (s *Synthetic) GetMedia(ctx context.Context, c domain.MediaConstraints) ([]domain.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, &domain.DeviceError{Kind: domain.ErrDeviceNotFound, Err: fmt.Errorf("no media requested")}
	}
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		if err := fail(c); err != nil {
			return nil, err
		}
	}

	var tracks []domain.Track
	if c.Audio {
		t, err := s.newTrack(domain.KindAudio, pion.MimeTypeOpus, opusSilence, 20*time.Millisecond)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := s.newTrack(domain.KindVideo, pion.MimeTypeVP8, placeholderFrame(), time.Second/15)
		if err != nil {
			for _, prev := range tracks {
				_ = prev.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}
	s.logger.Debug().Bool("audio", c.Audio).Bool("video", c.Video).Str("deviceId", c.VideoDeviceID).Msg("synthetic media opened")
	return tracks, nil
}

func (s *Synthetic) newTrack(kind domain.TrackKind, mime string, frame []byte, interval time.Duration) (*Track, error) {
	id := fmt.Sprintf("%s-%s", kind, uuid.NewString())
	tl, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: mime}, id, "vicocall")
	if err != nil {
		return nil, &domain.DeviceError{Kind: domain.ErrDeviceUnavailable, Err: err}
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := tl.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
					s.logger.Debug().Err(err).Str("track", id).Msg("write sample")
				}
			}
		}
	}()

	return NewTrack(kind, tl, func() error {
		close(stop)
		return nil
	}), nil
}

// placeholderFrame keeps RTP flowing. It is not a decodable picture.
func placeholderFrame() []byte {
	return []byte{0x31, 0x00, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00}
}
