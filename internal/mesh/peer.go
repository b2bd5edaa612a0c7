package mesh

import "time"

// PeerState is the connection lifecycle state for one mesh peer.
type PeerState string

const (
	PeerDisconnected PeerState = "disconnected"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerFailed       PeerState = "failed"
)

// PeerConnection is local bookkeeping for one mesh peer. Connecting is a
// transient sub-state of an in-flight ConnectPeer call; Failed is only
// reached on first-connection probe failure.
type PeerConnection struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Address string    `json:"address"`
	State   PeerState `json:"state"`

	ConnectedAt  time.Time     `json:"connected_at,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
	Latency      time.Duration `json:"latency,omitempty"`

	MessagesSent     int `json:"messages_sent"`
	MessagesReceived int `json:"messages_received"`
	Failures         int `json:"failures"`
}

// Clone returns an independent copy safe to hand outside the network lock.
func (p *PeerConnection) Clone() *PeerConnection {
	cp := *p
	return &cp
}
