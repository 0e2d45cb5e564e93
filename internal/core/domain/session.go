package domain

import (
	"time"
)

type SessionID string
type ViewerID string

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionLive    SessionStatus = "live"
	SessionEnded   SessionStatus = "ended"
)

// BroadcastSession is the persisted record of one broadcast.
type BroadcastSession struct {
	ID           SessionID     `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	QualityTier  QualityTier   `json:"quality"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	RecordingURL string        `json:"recording_url,omitempty"`
	RecordedAt   *time.Time    `json:"recorded_at,omitempty"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (s *BroadcastSession) Clone() *BroadcastSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Tags != nil {
		c.Tags = append([]string(nil), s.Tags...)
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.RecordedAt != nil {
		t := *s.RecordedAt
		c.RecordedAt = &t
	}
	return &c
}

// SessionOptions is the caller-supplied metadata for a broadcast.
type SessionOptions struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	QualityTier QualityTier `json:"quality"`
	Record      bool        `json:"record"`
}

// LifecycleState is the broadcaster-side session state machine.
type LifecycleState int

const (
	StateUninitialized LifecycleState = iota
	StateInitializing
	StateLive
	StateEnding
	StateEnded
)

func (s LifecycleState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateLive:
		return "live"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}
