package services

import (
	"sort"
	"sync"
	"time"

	"meshcast/internal/core/domain"
)

type SelectorConfig struct {
	// Headroom is the share of measured bandwidth a rendition may use.
	Headroom float64
	// Hysteresis widens the switch thresholds to prevent oscillation.
	Hysteresis        float64
	MaxPacketLoss     float64
	MinSwitchInterval time.Duration
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		Headroom:          0.8,
		Hysteresis:        0.15,
		MaxPacketLoss:     0.1,
		MinSwitchInterval: 10 * time.Second,
	}
}

type renditionSnapshot struct {
	Rendition string
	Timestamp time.Time
	Metrics   domain.NetworkMetrics
}

const maxRenditionHistory = 100

// RenditionSelector picks the rendition a viewer should play from measured
// network conditions. Upgrades need bandwidth above the target plus the
// hysteresis margin; downgrades happen only once the current rendition no
// longer fits within it, or on heavy packet loss.
type RenditionSelector struct {
	renditions []domain.Rendition
	cfg        SelectorConfig
	now        func() time.Time

	mu         sync.Mutex
	current    int
	lastSwitch time.Time
	history    []renditionSnapshot
}

// NewRenditionSelector requires at least one rendition.
func NewRenditionSelector(renditions []domain.Rendition, cfg SelectorConfig) *RenditionSelector {
	sorted := append([]domain.Rendition(nil), renditions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Bandwidth < sorted[j].Bandwidth })
	if cfg.Headroom <= 0 || cfg.Headroom > 1 {
		cfg.Headroom = 1
	}
	if cfg.Hysteresis < 0 {
		cfg.Hysteresis = 0
	}
	return &RenditionSelector{renditions: sorted, cfg: cfg, now: time.Now}
}

// Initial selects the best rendition for an initial bandwidth estimate in kbps.
func (s *RenditionSelector) Initial(bandwidthKbps int) domain.Rendition {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.fitting(s.available(bandwidthKbps), 0)
	s.lastSwitch = s.now()
	return s.renditions[s.current]
}

// Prefer selects the named rendition.
func (s *RenditionSelector) Prefer(name string) (domain.Rendition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.renditions {
		if r.Name == name {
			s.current = i
			s.lastSwitch = s.now()
			return r, true
		}
	}
	return domain.Rendition{}, false
}

func (s *RenditionSelector) Current() domain.Rendition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renditions[s.current]
}

// Evaluate returns the rendition to switch to for metrics. The second
// result is false when the current rendition should be kept.
func (s *RenditionSelector) Evaluate(metrics domain.NetworkMetrics) (domain.Rendition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSwitch) < s.cfg.MinSwitchInterval {
		return s.renditions[s.current], false
	}

	available := s.available(metrics.BandwidthDown)
	target := s.current

	switch {
	case s.cfg.MaxPacketLoss > 0 && metrics.PacketLoss > s.cfg.MaxPacketLoss:
		if target > 0 {
			target--
		}
		if fit := s.fitting(available, 0); fit < target {
			target = fit
		}
	case float64(s.renditions[s.current].Bandwidth)*(1-s.cfg.Hysteresis) > available:
		target = s.fitting(available, 0)
	default:
		if up := s.fitting(available, s.cfg.Hysteresis); up > s.current {
			target = up
		}
	}

	if target == s.current {
		return s.renditions[s.current], false
	}

	s.current = target
	s.lastSwitch = now
	s.history = append(s.history, renditionSnapshot{
		Rendition: s.renditions[target].Name,
		Timestamp: now,
		Metrics:   metrics,
	})
	if len(s.history) > maxRenditionHistory {
		s.history = s.history[len(s.history)-maxRenditionHistory:]
	}
	return s.renditions[target], true
}

// Switches returns the number of recorded rendition switches.
func (s *RenditionSelector) Switches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// available converts kbps to the usable bits per second.
func (s *RenditionSelector) available(kbps int) float64 {
	return float64(kbps) * 1000 * s.cfg.Headroom
}

// fitting returns the highest rendition whose bandwidth plus margin fits in
// available, or the lowest rendition if none does.
func (s *RenditionSelector) fitting(available, margin float64) int {
	best := 0
	for i, r := range s.renditions {
		if float64(r.Bandwidth)*(1+margin) <= available {
			best = i
		}
	}
	return best
}
