package webrtc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/rs/zerolog"

	"vico_home/vicocall/internal/domain"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

type rtpRecorder interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// annexBRecorder writes remote H264 as an Annex-B elementary stream.
type annexBRecorder struct {
	w      io.WriteCloser
	depack *H264Depacketizer
}

func newAnnexBRecorder(w io.WriteCloser) *annexBRecorder {
	return &annexBRecorder{w: w, depack: NewH264Depacketizer()}
}

func (r *annexBRecorder) WriteRTP(pkt *rtp.Packet) error {
	for _, nalu := range r.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if len(nalu) == 0 {
			continue
		}
		if _, err := r.w.Write(annexBStartCode); err != nil {
			return err
		}
		if _, err := r.w.Write(nalu); err != nil {
			return err
		}
	}
	return nil
}

func (r *annexBRecorder) Close() error { return r.w.Close() }

// openRecorder returns nil when the codec is not recordable.
func openRecorder(dir string, track *pion.TrackRemote) (rtpRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	base := filepath.Join(dir, fmt.Sprintf("%s-%d", sanitizeName(track.ID()), time.Now().Unix()))

	switch {
	case strings.EqualFold(track.Codec().MimeType, pion.MimeTypeH264):
		f, err := os.Create(base + ".h264")
		if err != nil {
			return nil, fmt.Errorf("create recording: %w", err)
		}
		return newAnnexBRecorder(f), nil
	case strings.EqualFold(track.Codec().MimeType, pion.MimeTypeVP8):
		w, err := ivfwriter.New(base + ".ivf")
		if err != nil {
			return nil, fmt.Errorf("create recording: %w", err)
		}
		return w, nil
	}
	return nil, nil
}

func sanitizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return "track"
	}
	return s
}

// muteWatch turns packet arrival into mute/unmute transitions. A track is
// muted after timeout without packets and unmuted by the next packet.
type muteWatch struct {
	timeout  time.Duration
	lastSeen atomic.Int64
	muted    atomic.Bool
}

func newMuteWatch(timeout time.Duration, now time.Time) *muteWatch {
	w := &muteWatch{timeout: timeout}
	w.lastSeen.Store(now.UnixNano())
	return w
}

// packet records arrival and reports whether the track just unmuted.
func (w *muteWatch) packet(now time.Time) bool {
	w.lastSeen.Store(now.UnixNano())
	return w.muted.CompareAndSwap(true, false)
}

// check reports whether the track just muted.
func (w *muteWatch) check(now time.Time) bool {
	if now.Sub(time.Unix(0, w.lastSeen.Load())) < w.timeout {
		return false
	}
	return w.muted.CompareAndSwap(false, true)
}

// readRemote pumps one remote track until it ends, raising track events
// through emit.
func readRemote(track *pion.TrackRemote, muteAfter time.Duration, recordDir string, emit func(domain.RemoteTrackEvent), logger zerolog.Logger) {
	kind := domain.KindAudio
	if track.Kind() == pion.RTPCodecTypeVideo {
		kind = domain.KindVideo
	}
	id := track.ID()
	logger = logger.With().Str("track", id).Str("kind", string(kind)).Str("codec", track.Codec().MimeType).Logger()
	logger.Info().Msg("remote track")

	emit(domain.RemoteTrackEvent{Type: domain.RemoteTrackAdded, Kind: kind, ID: id})

	var rec rtpRecorder
	if recordDir != "" && kind == domain.KindVideo {
		r, err := openRecorder(recordDir, track)
		if err != nil {
			logger.Warn().Err(err).Msg("recording disabled")
		}
		rec = r
	}

	watch := newMuteWatch(muteAfter, time.Now())
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(muteAfter / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				if watch.check(now) {
					logger.Debug().Msg("remote track muted")
					emit(domain.RemoteTrackEvent{Type: domain.RemoteTrackMuted, Kind: kind, ID: id})
				}
			}
		}
	}()

	defer func() {
		close(done)
		if rec != nil {
			if err := rec.Close(); err != nil {
				logger.Warn().Err(err).Msg("close recording")
			}
		}
		emit(domain.RemoteTrackEvent{Type: domain.RemoteTrackEnded, Kind: kind, ID: id})
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("remote track ended")
			return
		}
		if watch.packet(time.Now()) {
			logger.Debug().Msg("remote track unmuted")
			emit(domain.RemoteTrackEvent{Type: domain.RemoteTrackUnmuted, Kind: kind, ID: id})
		}
		if rec != nil {
			if err := rec.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Msg("recording stopped")
				_ = rec.Close()
				rec = nil
			}
		}
	}
}
