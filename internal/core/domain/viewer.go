package domain

import "time"

type ViewerState string

const (
	ViewerConnecting   ViewerState = "connecting"
	ViewerConnected    ViewerState = "connected"
	ViewerDisconnected ViewerState = "disconnected"
)

// ViewerConnection is a snapshot of one viewer's outbound transport.
type ViewerConnection struct {
	ViewerID ViewerID    `json:"viewer_id"`
	State    ViewerState `json:"state"`
	JoinedAt time.Time   `json:"joined_at"`
	Link     *LinkStats  `json:"link,omitempty"`
}

// LinkStats are the RTCP figures a viewer reports for its transport.
// RTT is zero until a report references one of our sender reports.
type LinkStats struct {
	PacketLoss float64       `json:"packet_loss"`
	Jitter     uint32        `json:"jitter"`
	RTT        time.Duration `json:"rtt"`
	NACKs      int           `json:"nacks"`
	PLIs       int           `json:"plis"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ConnectionState is the liveness of the signaling channel.
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)
