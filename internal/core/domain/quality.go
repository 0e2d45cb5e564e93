package domain

type QualityTier string

const (
	QualityLow    QualityTier = "low"
	QualityMedium QualityTier = "medium"
	QualityHigh   QualityTier = "high"
)

// ConstraintProfile holds the capture parameters for one quality tier.
type ConstraintProfile struct {
	Width      int `json:"width"`
	Height     int `json:"height"`
	FrameRate  int `json:"frame_rate"`
	SampleRate int `json:"sample_rate"`
}

var constraintProfiles = map[QualityTier]ConstraintProfile{
	QualityLow:    {Width: 640, Height: 360, FrameRate: 15, SampleRate: 22050},
	QualityMedium: {Width: 1280, Height: 720, FrameRate: 30, SampleRate: 44100},
	QualityHigh:   {Width: 1920, Height: 1080, FrameRate: 30, SampleRate: 48000},
}

// ResolveConstraints returns the capture parameters for tier.
func ResolveConstraints(tier QualityTier) (ConstraintProfile, error) {
	p, ok := constraintProfiles[tier]
	if !ok {
		return ConstraintProfile{}, ErrUnknownQualityTier
	}
	return p, nil
}

func (t QualityTier) Valid() bool {
	_, ok := constraintProfiles[t]
	return ok
}

// QualityTiers lists the tiers from lowest to highest.
func QualityTiers() []QualityTier {
	return []QualityTier{QualityLow, QualityMedium, QualityHigh}
}
