package call

import "vico_home/vicocall/internal/domain"

// EventType classifies an Event.
type EventType int

const (
	// EventState is published on every observable session change.
	EventState EventType = iota
	// EventIncoming is published when a call starts ringing on this side.
	EventIncoming
	// EventNotice carries a user-facing message.
	EventNotice
)

func (t EventType) String() string {
	switch t {
	case EventState:
		return "state"
	case EventIncoming:
		return "incoming"
	case EventNotice:
		return "notice"
	}
	return "unknown"
}

// NoticeLevel is the severity of a Notice.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeWarn  NoticeLevel = "warn"
	NoticeError NoticeLevel = "error"
)

// Notice is a user-facing message.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	Err     error       `json:"-"`
}

// Event is delivered to subscribers.
type Event struct {
	Type     EventType
	Snapshot Snapshot
	Notice   *Notice
}

// Snapshot is a copy of the observable state of one session.
type Snapshot struct {
	ID                string                    `json:"id,omitempty"`
	Role              domain.Role               `json:"role,omitempty"`
	Peer              domain.PeerRef            `json:"peer"`
	Phase             domain.Phase              `json:"phase"`
	Health            domain.ConnectionHealth   `json:"health,omitempty"`
	Status            string                    `json:"status"`
	InCall            bool                      `json:"inCall"`
	Connected         bool                      `json:"connected"`
	Negotiating       bool                      `json:"negotiating"`
	PendingCandidates int                       `json:"pendingCandidates"`
	LocalTracks       []domain.LocalTrackState  `json:"localTracks"`
	RemoteTracks      []domain.RemoteTrackState `json:"remoteTracks"`
}

// LocalEnabled reports whether a local track of kind exists and is enabled.
func (s Snapshot) LocalEnabled(kind domain.TrackKind) bool {
	for _, t := range s.LocalTracks {
		if t.Kind == kind {
			return t.Enabled
		}
	}
	return false
}

// RemoteVideoEnabled reports whether the peer is currently showing video.
func (s Snapshot) RemoteVideoEnabled() bool {
	for _, t := range s.RemoteTracks {
		if t.Kind == domain.KindVideo && t.Enabled && !t.Muted {
			return true
		}
	}
	return false
}

func statusOf(role domain.Role, p domain.Phase) string {
	switch p {
	case domain.PhaseDialing:
		return "calling"
	case domain.PhaseRinging:
		if role == domain.RoleReceiver {
			return "incoming"
		}
		return "ringing"
	case domain.PhaseConnecting:
		return "connecting"
	case domain.PhaseActive:
		return "connected"
	case domain.PhaseEnding:
		return "ending"
	case domain.PhaseEnded:
		return "ended"
	}
	return "idle"
}

// outbox collects events raised while the client lock is held. They are
// published after the lock is released.
type outbox struct {
	events []Event
}

func (o *outbox) state(s *Session) {
	o.events = append(o.events, Event{Type: EventState, Snapshot: s.snapshot()})
}

func (o *outbox) incoming(s *Session) {
	o.events = append(o.events, Event{Type: EventIncoming, Snapshot: s.snapshot()})
}

func (o *outbox) notice(s *Session, level NoticeLevel, msg string, err error) {
	o.events = append(o.events, Event{
		Type:     EventNotice,
		Snapshot: s.snapshot(),
		Notice:   &Notice{Level: level, Message: msg, Err: err},
	})
}
