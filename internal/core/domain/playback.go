package domain

// PlaybackMode is the strategy a viewer picked at join time.
type PlaybackMode string

const (
	PlaybackAdaptive PlaybackMode = "adaptive"
	PlaybackDirect   PlaybackMode = "direct"
)

// Rendition is one encoded variant listed in a master manifest.
type Rendition struct {
	Name      string  `json:"name"`
	URI       string  `json:"uri"`
	Bandwidth int     `json:"bandwidth"` // bits per second
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	FrameRate float64 `json:"frame_rate,omitempty"`
}

// Manifest lists renditions sorted by ascending bandwidth.
type Manifest struct {
	URL        string      `json:"url"`
	Renditions []Rendition `json:"renditions"`
}

// Rendition returns the rendition with the given name.
func (m *Manifest) Rendition(name string) (Rendition, bool) {
	for _, r := range m.Renditions {
		if r.Name == name {
			return r, true
		}
	}
	return Rendition{}, false
}

// ViewerOptions are sent with join-stream.
type ViewerOptions struct {
	PreferredRendition string       `json:"preferred_rendition,omitempty"`
	Mode               PlaybackMode `json:"mode,omitempty"`
}
