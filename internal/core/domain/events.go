package domain

import "time"

type EventType string

const (
	EventSessionStarted     EventType = "session.started"
	EventSessionEnded       EventType = "session.ended"
	EventViewerJoined       EventType = "viewer.joined"
	EventViewerLeft         EventType = "viewer.left"
	EventQualityChanged     EventType = "quality.changed"
	EventRecordingCompleted EventType = "recording.completed"
)

// SessionEvent is published for external collaborators.
type SessionEvent struct {
	Type         EventType   `json:"type"`
	SessionID    SessionID   `json:"session_id"`
	ViewerID     ViewerID    `json:"viewer_id,omitempty"`
	QualityTier  QualityTier `json:"quality,omitempty"`
	RecordingURL string      `json:"recording_url,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

func NewSessionEvent(t EventType, sessionID SessionID) SessionEvent {
	return SessionEvent{Type: t, SessionID: sessionID, Timestamp: time.Now().UTC()}
}
