package domain

import (
	"encoding/json"
	"fmt"
)

type SignalType string

const (
	SignalStartStream          SignalType = "start-stream"
	SignalJoinStream           SignalType = "join-stream"
	SignalViewerJoined         SignalType = "viewer-joined"
	SignalViewerLeft           SignalType = "viewer-left"
	SignalEndStream            SignalType = "end-stream"
	SignalLeaveStream          SignalType = "leave-stream"
	SignalQualityChangeRequest SignalType = "quality-change-request"
	SignalRequestStream        SignalType = "request-stream"
	SignalError                SignalType = "error"

	// Negotiation for the per-viewer transports.
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// SignalMessage is the envelope exchanged over the signaling channel.
// From and To carry viewer IDs; the broadcaster is addressed by an empty To.
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	SessionID SessionID       `json:"session_id,omitempty"`
	From      ViewerID        `json:"from,omitempty"`
	To        ViewerID        `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewSignalMessage builds a message with payload encoded as JSON. A nil payload is omitted.
func NewSignalMessage(t SignalType, sessionID SessionID, payload interface{}) (SignalMessage, error) {
	msg := SignalMessage{Type: t, SessionID: sessionID}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m SignalMessage) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

type StartStreamPayload struct {
	SessionID SessionID      `json:"session_id"`
	Options   SessionOptions `json:"options"`
}

type JoinStreamPayload struct {
	SessionID     SessionID     `json:"session_id"`
	ViewerOptions ViewerOptions `json:"viewer_options"`
}

type ViewerPayload struct {
	ViewerID ViewerID `json:"viewer_id"`
}

type EndStreamPayload struct {
	SessionID SessionID `json:"session_id"`
}

type QualityChangePayload struct {
	Tier QualityTier `json:"tier"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// SessionDescriptionPayload matches the JSON form of a WebRTC session description.
type SessionDescriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload matches the JSON form of a WebRTC ICE candidate init.
type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}
