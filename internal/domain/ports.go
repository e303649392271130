package domain

import (
	"context"
	"encoding/json"
)

// SignalHandler receives the raw data of one signaling event.
type SignalHandler func(data json.RawMessage)

// Subscription identifies a handler registered with Signaler.On.
type Subscription struct {
	Event string
	ID    uint64
}

// Signaler is the signaling relay. Its connect/disconnect lifecycle is owned
// by the application shell.
type Signaler interface {
	Send(event string, payload any) error
	On(event string, h SignalHandler) Subscription
	Off(sub Subscription)
}

// Track is a local device track handle.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the underlying device. Safe to call more than once.
	Stop() error
}

// MediaSession is one peer-to-peer audio/video session.
type MediaSession interface {
	AddTrack(t Track) error
	// ReplaceTrack swaps the outgoing track of kind in place. It returns
	// ErrReplaceUnsupported when no sender of that kind can be reused.
	ReplaceTrack(kind TrackKind, t Track) error
	// RemoveTrack detaches the outgoing track of kind, if any.
	RemoveTrack(kind TrackKind) error
	CreateOffer(opts OfferOptions) (SDPPayload, error)
	CreateAnswer() (SDPPayload, error)
	SetLocalDescription(sdp SDPPayload) error
	SetRemoteDescription(sdp SDPPayload) error
	// LocalDescription returns the current local description including
	// candidates gathered so far.
	LocalDescription() (SDPPayload, bool)
	AddICECandidate(c ICECandidatePayload) error
	// GatheringComplete is closed once local ICE gathering finishes.
	GatheringComplete() <-chan struct{}
	OnTrack(fn func(RemoteTrackEvent))
	OnConnectionStateChange(fn func(ConnectionHealth))
	OnICECandidate(fn func(ICECandidatePayload))
	Close() error
}

// MediaSessionFactory creates Media Session Primitives.
type MediaSessionFactory interface {
	Create(cfg MediaConfig) (MediaSession, error)
}

// DeviceAcquirer opens local capture devices.
type DeviceAcquirer interface {
	GetMedia(ctx context.Context, c MediaConstraints) ([]Track, error)
}

// ICEServerFetcher retrieves TURN credentials from a remote endpoint.
type ICEServerFetcher interface {
	FetchICEServers(ctx context.Context) ([]ICEServer, error)
}
