package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalMessage_WireFormat(t *testing.T) {
	msg, err := NewSignalMessage(SignalStartStream, "s1", StartStreamPayload{
		SessionID: "s1",
		Options:   SessionOptions{Title: "t", QualityTier: QualityLow},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"start-stream","session_id":"s1","payload":{"session_id":"s1","options":{"title":"t","quality":"low","record":false}}}`,
		string(raw))
}

func TestSignalMessage_Decode(t *testing.T) {
	var msg SignalMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"viewer-joined","payload":{"viewer_id":"v1"}}`), &msg))

	var p ViewerPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, ViewerID("v1"), p.ViewerID)

	empty := SignalMessage{Type: SignalLeaveStream}
	assert.Error(t, empty.Decode(&p))
}

func TestBroadcastSession_Clone(t *testing.T) {
	s := &BroadcastSession{ID: "s1", Tags: []string{"a"}}
	c := s.Clone()
	c.Tags[0] = "b"
	assert.Equal(t, "a", s.Tags[0])
	assert.Nil(t, (*BroadcastSession)(nil).Clone())
}
