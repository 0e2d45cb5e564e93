package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionError_MatchesKind(t *testing.T) {
	cause := errors.New("ice failed")
	err := fmt.Errorf("fan-out: %w", NewTransportError("viewer-1", "open", cause))

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrPlayback)

	var se *SessionError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, ViewerID("viewer-1"), se.ViewerID)
	assert.Equal(t, "transport error: open: viewer viewer-1: ice failed", se.Error())
}

func TestConnectionLostError_Message(t *testing.T) {
	err := NewConnectionLostError(3, nil)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, "connection lost: reconnect exhausted after 3 attempts", err.Error())
}

func TestHooks_NilSafe(t *testing.T) {
	var h *Hooks
	h.ViewerJoined("v")
	h.Error(errors.New("x"))

	var got []string
	h = &Hooks{OnQualityChange: func(q string) { got = append(got, q) }}
	h.QualityChange("high")
	h.StreamEnded(nil)
	assert.Equal(t, []string{"high"}, got)
}
