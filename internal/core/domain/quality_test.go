package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConstraints_Low(t *testing.T) {
	p, err := ResolveConstraints(QualityLow)
	require.NoError(t, err)
	assert.Equal(t, ConstraintProfile{Width: 640, Height: 360, FrameRate: 15, SampleRate: 22050}, p)
}

func TestResolveConstraints_Table(t *testing.T) {
	tests := []struct {
		tier QualityTier
		want ConstraintProfile
	}{
		{QualityMedium, ConstraintProfile{Width: 1280, Height: 720, FrameRate: 30, SampleRate: 44100}},
		{QualityHigh, ConstraintProfile{Width: 1920, Height: 1080, FrameRate: 30, SampleRate: 48000}},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			got, err := ResolveConstraints(tt.tier)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveConstraints_Idempotent(t *testing.T) {
	first, err := ResolveConstraints(QualityMedium)
	require.NoError(t, err)
	second, err := ResolveConstraints(QualityMedium)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveConstraints_UnknownTier(t *testing.T) {
	_, err := ResolveConstraints("ultra")
	assert.ErrorIs(t, err, ErrUnknownQualityTier)
	assert.False(t, QualityTier("ultra").Valid())
	assert.True(t, QualityHigh.Valid())
}
