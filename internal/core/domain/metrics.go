package domain

import "time"

// NetworkMetrics are the playback conditions reported by a viewer.
type NetworkMetrics struct {
	Timestamp     time.Time
	BandwidthDown int // kbps
	PacketLoss    float64
	Latency       time.Duration
	Jitter        time.Duration
}

// SessionStats is the broadcaster's view of a running session.
type SessionStats struct {
	SessionID   SessionID     `json:"session_id"`
	State       string        `json:"state"`
	QualityTier QualityTier   `json:"quality"`
	Viewers     int           `json:"viewers"`
	Uptime      time.Duration `json:"uptime"`
	Recording   bool          `json:"recording"`
	Timestamp   time.Time     `json:"timestamp"`
}
