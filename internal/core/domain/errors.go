package domain

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrViewerNotFound      = errors.New("viewer not found")
	ErrUnknownQualityTier  = errors.New("unknown quality tier")
	ErrNotLive             = errors.New("session is not live")
	ErrBufferFinalized     = errors.New("recording buffer already finalized")
	ErrChannelClosed       = errors.New("signaling channel closed")
	ErrAdaptiveUnsupported = errors.New("adaptive playback not supported")
	ErrAssetExists         = errors.New("asset already exists")
)

// Error kinds. A SessionError matches its kind with errors.Is.
var (
	ErrInitialization = errors.New("initialization error")
	ErrTransport      = errors.New("transport error")
	ErrPlayback       = errors.New("playback error")
	ErrConnectionLost = errors.New("connection lost")
	ErrRecording      = errors.New("recording error")
)

// SessionError is the error surfaced through the OnError hook and from
// session operations.
type SessionError struct {
	Kind     error
	Op       string
	ViewerID ViewerID
	Err      error
}

func (e *SessionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.ViewerID != "" {
		b.WriteString(": viewer ")
		b.WriteString(string(e.ViewerID))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func (e *SessionError) Is(target error) bool {
	return target == e.Kind
}

func NewInitializationError(op string, err error) *SessionError {
	return &SessionError{Kind: ErrInitialization, Op: op, Err: err}
}

func NewTransportError(viewerID ViewerID, op string, err error) *SessionError {
	return &SessionError{Kind: ErrTransport, Op: op, ViewerID: viewerID, Err: err}
}

func NewPlaybackError(op string, err error) *SessionError {
	return &SessionError{Kind: ErrPlayback, Op: op, Err: err}
}

func NewConnectionLostError(attempts int, err error) *SessionError {
	return &SessionError{Kind: ErrConnectionLost, Op: "reconnect exhausted after " + strconv.Itoa(attempts) + " attempts", Err: err}
}

func NewRecordingError(op string, err error) *SessionError {
	return &SessionError{Kind: ErrRecording, Op: op, Err: err}
}
