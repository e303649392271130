package device

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"vico_home/vicocall/internal/domain"
)

// Track is a local capture track behind an enable gate. While disabled the
// sender stays bound but RTP is swallowed, so toggling never renegotiates.
type Track struct {
	kind    domain.TrackKind
	local   *gatedTrackLocal
	closeFn func() error

	stopOnce sync.Once
	stopErr  error
}

// NewTrack wraps tl. closeFn releases the underlying device and is called
// at most once.
func NewTrack(kind domain.TrackKind, tl pion.TrackLocal, closeFn func() error) *Track {
	t := &Track{
		kind:    kind,
		local:   &gatedTrackLocal{inner: tl, bound: make(map[string]*gatedContext)},
		closeFn: closeFn,
	}
	t.local.enabled.Store(true)
	return t
}

func (t *Track) ID() string             { return t.local.ID() }
func (t *Track) Kind() domain.TrackKind { return t.kind }
func (t *Track) Enabled() bool          { return t.local.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.local.enabled.Store(enabled) }

// TrackLocal returns the gated pion track to bind to a sender.
func (t *Track) TrackLocal() pion.TrackLocal { return t.local }

// Stop releases the device.
func (t *Track) Stop() error {
	t.stopOnce.Do(func() {
		t.local.enabled.Store(false)
		if t.closeFn != nil {
			t.stopErr = t.closeFn()
		}
	})
	return t.stopErr
}

// gatedTrackLocal hands the inner track a context whose write stream drops
// packets while the gate is closed.
type gatedTrackLocal struct {
	inner   pion.TrackLocal
	enabled atomic.Bool

	mu    sync.Mutex
	bound map[string]*gatedContext
}

func (g *gatedTrackLocal) Bind(ctx pion.TrackLocalContext) (pion.RTPCodecParameters, error) {
	wrapped := &gatedContext{TrackLocalContext: ctx, enabled: &g.enabled}
	g.mu.Lock()
	g.bound[ctx.ID()] = wrapped
	g.mu.Unlock()

	params, err := g.inner.Bind(wrapped)
	if err != nil {
		g.mu.Lock()
		delete(g.bound, ctx.ID())
		g.mu.Unlock()
	}
	return params, err
}

func (g *gatedTrackLocal) Unbind(ctx pion.TrackLocalContext) error {
	g.mu.Lock()
	wrapped, ok := g.bound[ctx.ID()]
	delete(g.bound, ctx.ID())
	g.mu.Unlock()

	if !ok {
		return g.inner.Unbind(ctx)
	}
	return g.inner.Unbind(wrapped)
}

func (g *gatedTrackLocal) ID() string              { return g.inner.ID() }
func (g *gatedTrackLocal) RID() string             { return g.inner.RID() }
func (g *gatedTrackLocal) StreamID() string        { return g.inner.StreamID() }
func (g *gatedTrackLocal) Kind() pion.RTPCodecType { return g.inner.Kind() }

type gatedContext struct {
	pion.TrackLocalContext
	enabled *atomic.Bool
}

func (c *gatedContext) WriteStream() pion.TrackLocalWriter {
	return &gatedWriter{inner: c.TrackLocalContext.WriteStream(), enabled: c.enabled}
}

type gatedWriter struct {
	inner   pion.TrackLocalWriter
	enabled *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled.Load() {
		return len(payload), nil
	}
	return w.inner.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled.Load() {
		return len(b), nil
	}
	return w.inner.Write(b)
}
