package domain

// Role is fixed when a call session is created.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// Phase is the lifecycle position of a call session. Phases only move
// forward, except for the side-exit to Ending/Ended.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDialing
	PhaseRinging
	PhaseConnecting
	PhaseActive
	PhaseEnding
	PhaseEnded
)

var phaseNames = [...]string{"idle", "dialing", "ringing", "connecting", "active", "ending", "ended"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// MarshalText renders the phase name in JSON snapshots.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Terminal reports whether the phase is Ending or Ended.
func (p Phase) Terminal() bool { return p >= PhaseEnding }

// ConnectionHealth mirrors the peer connection state of the primitive.
type ConnectionHealth string

const (
	HealthNew          ConnectionHealth = "new"
	HealthChecking     ConnectionHealth = "checking"
	HealthConnected    ConnectionHealth = "connected"
	HealthDisconnected ConnectionHealth = "disconnected"
	HealthFailed       ConnectionHealth = "failed"
	HealthClosed       ConnectionHealth = "closed"
)

// TrackKind is audio or video.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// LocalTrackState is the observable view of one local track.
type LocalTrackState struct {
	Kind    TrackKind `json:"kind"`
	ID      string    `json:"id"`
	Enabled bool      `json:"enabled"`
}

// RemoteTrackState is the observable view of one remote track.
type RemoteTrackState struct {
	Kind    TrackKind `json:"kind"`
	ID      string    `json:"id"`
	Enabled bool      `json:"enabled"`
	Muted   bool      `json:"muted"`
}

// RemoteTrackEventType tells what happened to a remote track.
type RemoteTrackEventType int

const (
	RemoteTrackAdded RemoteTrackEventType = iota
	RemoteTrackMuted
	RemoteTrackUnmuted
	RemoteTrackEnded
)

// RemoteTrackEvent is raised by the Media Session Primitive.
type RemoteTrackEvent struct {
	Type RemoteTrackEventType
	Kind TrackKind
	ID   string
}

// OfferOptions tunes CreateOffer.
type OfferOptions struct {
	ICERestart bool
}

// MediaConstraints selects which devices GetMedia opens.
type MediaConstraints struct {
	Audio bool
	Video bool
	// VideoDeviceID pins a specific camera; empty means any.
	VideoDeviceID string
}

// DeviceTrackSwap describes an in-flight track replacement. It lives only
// for the duration of the swap.
type DeviceTrackSwap struct {
	Kind     TrackKind
	New      Track
	Previous Track
}
