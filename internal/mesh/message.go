package mesh

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a mesh envelope.
type MessageType string

const (
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeDiscovery    MessageType = "discovery"
	TypeAnnouncement MessageType = "announcement"
	TypeSyncRequest  MessageType = "sync_request"
	TypeSyncResponse MessageType = "sync_response"
	TypeBroadcast    MessageType = "broadcast"
	TypeDirect       MessageType = "direct"
	TypeRelay        MessageType = "relay"
)

// DefaultTTL is the default hop budget for a new message.
const DefaultTTL = 5

var (
	ErrNoEmbeddedMessage = errors.New("mesh: relay payload has no embedded message")
	ErrBadEmbedded       = errors.New("mesh: embedded message unparsable")
)

// Message is the mesh-network envelope. A nil/empty TargetID means
// broadcast. Path lists every instance the message has traversed; a message
// is never relayed to an instance already in its path, and never once
// HopCount reaches TTL.
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"message_type"`
	SourceID  string         `json:"source_id"`
	TargetID  string         `json:"target_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	TTL       int            `json:"ttl"`
	HopCount  int            `json:"hop_count"`
	Path      []string       `json:"path,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage builds an envelope with a fresh id and default TTL.
func NewMessage(typ MessageType, sourceID, targetID string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      typ,
		SourceID:  sourceID,
		TargetID:  targetID,
		Payload:   payload,
		TTL:       DefaultTTL,
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a copy with its own path slice and payload map.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Path = append([]string(nil), m.Path...)
	if m.Payload != nil {
		cp.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// Visited reports whether an instance id is already on the path.
func (m *Message) Visited(instanceID string) bool {
	for _, hop := range m.Path {
		if hop == instanceID {
			return true
		}
	}
	return false
}

// Expired reports whether the hop budget is spent.
func (m *Message) Expired() bool {
	return m.HopCount >= m.TTL
}

// wrapRelay embeds a message inside a relay envelope addressed at nobody in
// particular; intermediate peers unwrap and route the original.
func wrapRelay(sourceID string, original *Message) *Message {
	relay := NewMessage(TypeRelay, sourceID, "", map[string]any{
		"message": original,
	})
	relay.TTL = original.TTL
	relay.HopCount = original.HopCount
	relay.Path = append([]string(nil), original.Path...)
	return relay
}

// unwrapRelay extracts the embedded original message from a relay payload.
// The payload arrives as generic JSON, so it round-trips through the codec.
func unwrapRelay(relay *Message) (*Message, error) {
	embedded, ok := relay.Payload["message"]
	if !ok || embedded == nil {
		return nil, ErrNoEmbeddedMessage
	}
	if msg, ok := embedded.(*Message); ok {
		return msg.Clone(), nil
	}
	raw, err := json.Marshal(embedded)
	if err != nil {
		return nil, ErrBadEmbedded
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, ErrBadEmbedded
	}
	if msg.ID == "" {
		return nil, ErrBadEmbedded
	}
	return &msg, nil
}
