package mesh

import (
	"encoding/json"
	"testing"

	"github.com/meshmind/meshmind/internal/testutil/testlog"
)

func TestNewMessageDefaults(t *testing.T) {
	testlog.Start(t)

	msg := NewMessage(TypeBroadcast, "mind-a", "", map[string]any{"k": "v"})
	if msg.ID == "" {
		t.Fatalf("expected generated id")
	}
	if msg.TTL != DefaultTTL {
		t.Fatalf("expected default ttl %d, got %d", DefaultTTL, msg.TTL)
	}
	if msg.HopCount != 0 {
		t.Fatalf("expected zero hop count")
	}
}

func TestVisitedAndExpired(t *testing.T) {
	testlog.Start(t)

	msg := NewMessage(TypeDirect, "mind-a", "mind-z", nil)
	msg.Path = []string{"mind-a", "mind-b"}
	if !msg.Visited("mind-b") || msg.Visited("mind-c") {
		t.Fatalf("path membership check wrong")
	}

	msg.TTL = 2
	msg.HopCount = 1
	if msg.Expired() {
		t.Fatalf("budget remains at hop 1 of ttl 2")
	}
	msg.HopCount = 2
	if !msg.Expired() {
		t.Fatalf("hop_count >= ttl must be expired")
	}
}

func TestRelayWrapUnwrapInProcess(t *testing.T) {
	testlog.Start(t)

	original := NewMessage(TypeDirect, "mind-a", "mind-z", map[string]any{"k": "v"})
	original.Path = []string{"mind-a"}
	original.HopCount = 1

	relay := wrapRelay("mind-a", original)
	if relay.Type != TypeRelay {
		t.Fatalf("expected relay envelope")
	}
	if relay.TTL != original.TTL || relay.HopCount != original.HopCount {
		t.Fatalf("relay envelope must carry the original hop budget")
	}

	got, err := unwrapRelay(relay)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if got.ID != original.ID || got.TargetID != "mind-z" {
		t.Fatalf("unwrapped message mismatch: %+v", got)
	}
}

func TestRelayUnwrapAfterWireRoundTrip(t *testing.T) {
	testlog.Start(t)

	original := NewMessage(TypeDirect, "mind-a", "mind-z", map[string]any{"k": "v"})
	relay := wrapRelay("mind-a", original)

	// Over the wire the embedded message arrives as generic JSON.
	raw, err := json.Marshal(relay)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire Message
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, err := unwrapRelay(&wire)
	if err != nil {
		t.Fatalf("unwrap wire copy: %v", err)
	}
	if got.ID != original.ID || got.Type != TypeDirect {
		t.Fatalf("unwrapped wire message mismatch: %+v", got)
	}
	if got.Payload["k"] != "v" {
		t.Fatalf("payload lost in transit: %+v", got.Payload)
	}
}

func TestRelayUnwrapRejectsMissingEmbedded(t *testing.T) {
	testlog.Start(t)

	relay := NewMessage(TypeRelay, "mind-a", "", map[string]any{})
	if _, err := unwrapRelay(relay); err == nil {
		t.Fatalf("expected error for missing embedded message")
	}
}
