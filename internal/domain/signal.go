package domain

import (
	"encoding/json"
	"fmt"
)

// Signaling event names.
const (
	EventRegister         = "register"
	EventCallUser         = "call-user"
	EventIncomingCall     = "incoming-call"
	EventCallReceived     = "call-received"
	EventCallAccepted     = "call-accepted"
	EventAnswerCall       = "answer-call"
	EventICECandidate     = "ice-candidate"
	EventCallUpdate       = "call-update"
	EventCallUpdateAnswer = "call-update-answer"
	EventEndCall          = "end-call"
	EventCallEnded        = "call-ended"
)

// SDP types carried in SDPPayload.Type.
const (
	SDPTypeOffer    = "offer"
	SDPTypeAnswer   = "answer"
	SDPTypeRollback = "rollback"
)

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PeerRef identifies the remote party in a signaling payload. The relay sends
// either a bare user id or a user object.
type PeerRef struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
}

// UnmarshalJSON accepts "id", {"_id": "id"} and {"id": "id"}.
func (p *PeerRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*p = PeerRef{ID: id}
		return nil
	}
	var obj struct {
		UnderscoreID string `json:"_id"`
		ID           string `json:"id"`
		Username     string `json:"username"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("peer ref: %w", err)
	}
	p.ID = obj.UnderscoreID
	if p.ID == "" {
		p.ID = obj.ID
	}
	p.Username = obj.Username
	return nil
}

// RegisterPayload announces this client to the relay.
type RegisterPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// CallUserPayload is sent by the caller and delivered to the receiver.
type CallUserPayload struct {
	To    string     `json:"to,omitempty"`
	From  PeerRef    `json:"from"`
	Offer SDPPayload `json:"offer"`
}

// AnswerCallPayload is sent by the receiver when accepting.
type AnswerCallPayload struct {
	To     string     `json:"to"`
	Answer SDPPayload `json:"answer"`
}

// CallAcceptedPayload is delivered to the caller when the peer accepts.
type CallAcceptedPayload struct {
	Answer SDPPayload `json:"answer"`
}

// CandidatePayload carries one trickled ICE candidate in either direction.
type CandidatePayload struct {
	To        string              `json:"to,omitempty"`
	From      string              `json:"from,omitempty"`
	Candidate ICECandidatePayload `json:"candidate"`
}

// UpdatePayload carries a renegotiation offer.
type UpdatePayload struct {
	To    string     `json:"to,omitempty"`
	From  string     `json:"from,omitempty"`
	Offer SDPPayload `json:"offer"`
}

// UpdateAnswerPayload carries a renegotiation answer.
type UpdateAnswerPayload struct {
	To     string     `json:"to,omitempty"`
	From   string     `json:"from,omitempty"`
	Answer SDPPayload `json:"answer"`
}

// PeerPayload addresses a bare notification (call-received, end-call).
type PeerPayload struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}
