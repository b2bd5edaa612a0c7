package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshmind/meshmind/internal/testutil/testlog"
)

// fakeTransport routes deliveries straight into other in-process networks,
// JSON round-tripping every message to simulate the wire.
type fakeTransport struct {
	mu       sync.Mutex
	nodes    map[string]*Network
	pingErr  map[string]error
	sendErr  map[string]error
	delivers map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		nodes:    make(map[string]*Network),
		pingErr:  make(map[string]error),
		sendErr:  make(map[string]error),
		delivers: make(map[string]int),
	}
}

func (f *fakeTransport) Ping(_ context.Context, addr, _ string) (time.Duration, error) {
	f.mu.Lock()
	err := f.pingErr[addr]
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return 3 * time.Millisecond, nil
}

func (f *fakeTransport) Deliver(ctx context.Context, addr string, msg *Message) error {
	f.mu.Lock()
	if err := f.sendErr[addr]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.delivers[addr]++
	node := f.nodes[addr]
	f.mu.Unlock()

	if node == nil {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var wire Message
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	node.ReceiveMessage(ctx, &wire)
	return nil
}

func (f *fakeTransport) deliveries(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivers[addr]
}

func newTestNetwork(transport *fakeTransport, id string) *Network {
	n := NewNetwork(Config{InstanceID: id, InstanceName: "net-" + id}, transport)
	transport.mu.Lock()
	transport.nodes[id+".local"] = n
	transport.mu.Unlock()
	return n
}

// link connects a to b one-way with the fake address convention.
func link(t *testing.T, ctx context.Context, a *Network, bID string) {
	t.Helper()
	if !a.ConnectPeer(ctx, bID, "net-"+bID, bID+".local") {
		t.Fatalf("connect %s failed", bID)
	}
}

func TestConnectPeerSuccessAndAnnouncement(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	transport := newFakeTransport()
	a := newTestNetwork(transport, "A")
	newTestNetwork(transport, "B")
	c := newTestNetwork(transport, "C")

	var announcedPeers []any
	var mu sync.Mutex
	c.RegisterHandler(TypeAnnouncement, func(_ context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		if raw, ok := msg.Payload["peers"].([]any); ok {
			announcedPeers = raw
		}
		return nil
	})

	link(t, ctx, a, "B")
	link(t, ctx, a, "C")

	peer, ok := a.Peer("B")
	if !ok || peer.State != PeerConnected {
		t.Fatalf("expected B connected, got %+v", peer)
	}
	if peer.Latency <= 0 {
		t.Fatalf("expected latency recorded")
	}

	// C's announcement should list B, the other connected peer.
	mu.Lock()
	defer mu.Unlock()
	if len(announcedPeers) != 1 {
		t.Fatalf("expected 1 announced peer, got %d", len(announcedPeers))
	}
	entry, ok := announcedPeers[0].(map[string]any)
	if !ok || entry["id"] != "B" {
		t.Fatalf("unexpected announcement entry: %+v", announcedPeers[0])
	}
}

func TestConnectPeerProbeFailureThenRecovery(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	transport := newFakeTransport()
	a := newTestNetwork(transport, "A")
	newTestNetwork(transport, "B")

	transport.pingErr["B.local"] = errors.New("connection refused")
	if a.ConnectPeer(ctx, "B", "net-B", "B.local") {
		t.Fatalf("expected probe failure")
	}
	peer, _ := a.Peer("B")
	if peer.State != PeerFailed {
		t.Fatalf("expected failed state, got %q", peer.State)
	}

	transport.pingErr["B.local"] = nil
	if !a.ConnectPeer(ctx, "B", "net-B", "B.local") {
		t.Fatalf("expected reconnect to succeed")
	}
	peer, _ = a.Peer("B")
	if peer.State != PeerConnected {
		t.Fatalf("expected connected after recovery, got %q", peer.State)
	}
}

func TestSendMessageIdempotentPerID(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	transport := newFakeTransport()
	a := newTestNetwork(transport, "A")
	newTestNetwork(transport, "B")
	link(t, ctx, a, "B")

	before := transport.deliveries("B.local")
	msg := NewMessage(TypeDirect, "A", "B", map[string]any{"n": 1})
	if !a.SendMessage(ctx, msg) {
		t.Fatalf("first send must succeed")
	}
	if a.SendMessage(ctx, msg.Clone()) {
		t.Fatalf("second send of same id must be suppressed")
	}
	if got := transport.deliveries("B.local") - before; got != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", got)
	}
}

func TestReceiveMessageDeduplicatesAndDispatchesOnce(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	transport := newFakeTransport()
	b := newTestNetwork(transport, "B")

	var calls int
	b.RegisterHandler(TypeBroadcast, func(context.Context, *Message) error {
		calls++
		return nil
	})

	msg := NewMessage(TypeBroadcast, "A", "", map[string]any{"n": 1})
	first := b.ReceiveMessage(ctx, msg)
	second := b.ReceiveMessage(ctx, msg.Clone())

	if first.Status != StatusDelivered {
		t.Fatalf("unexpected first status %q", first.Status)
	}
	if second.Status != StatusDuplicate {
		t.Fatalf("unexpected duplicate status %q", second.Status)
	}
	if calls != 1 {
		t.Fatalf("handler must run exactly once, ran %d times", calls)
	}
}

func TestAllHandlersRunDespitePanics(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	transport := newFakeTransport()
	b := newTestNetwork(transport, "B")

	var survived int
	b.RegisterHandler(TypeBroadcast, func(context.Context, *Message) error {
		panic("first handler exploded")
	})
	b.RegisterHandler(TypeBroadcast, func(context.Context, *Message) error {
		survived++
		return nil
	})

	b.ReceiveMessage(ctx, NewMessage(TypeBroadcast, "A", "", nil))
	if survived != 1 {
		t.Fatalf("later handlers must still run after a panic")
	}
}

func TestRelayReachesIndirectTarget(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	// A—B—C line: A has no direct link to C.
	transport := newFakeTransport()
	a := newTestNetwork(transport, "A")
	b := newTestNetwork(transport, "B")
	c := newTestNetwork(transport, "C")

	link(t, ctx, a, "B")
	link(t, ctx, b, "C")

	var got *Message
	c.RegisterHandler(TypeDirect, func(_ context.Context, msg *Message) error {
		got = msg
		return nil
	})

	msg := NewMessage(TypeDirect, "A", "C", map[string]any{"k": "v"})
	if !a.SendMessage(ctx, msg) {
		t.Fatalf("expected relay send to succeed")
	}
	if got == nil {
		t.Fatalf("message never reached C")
	}
	if got.Payload["k"] != "v" {
		t.Fatalf("payload lost in relay: %+v", got.Payload)
	}
}

func TestTTLBoundsRelayHops(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	// A—B—C—D line with ttl too small to reach D.
	transport := newFakeTransport()
	a := newTestNetwork(transport, "A")
	b := newTestNetwork(transport, "B")
	c := newTestNetwork(transport, "C")
	d := newTestNetwork(transport, "D")

	link(t, ctx, a, "B")
	link(t, ctx, b, "C")
	link(t, ctx, c, "D")

	var delivered int
	d.RegisterHandler(TypeDirect, func(context.Context, *Message) error {
		delivered++
		return nil
	})

	msg := NewMessage(TypeDirect, "A", "D", nil)
	msg.TTL = 2
	a.SendMessage(ctx, msg)

	if delivered != 0 {
		t.Fatalf("ttl=2 must not cross 3 hops, delivered=%d", delivered)
	}

	// With enough budget the same route works.
	msg2 := NewMessage(TypeDirect, "A", "D", nil)
	msg2.TTL = 5
	a.SendMessage(ctx, msg2)
	if delivered != 1 {
		t.Fatalf("expected delivery with sufficient ttl, delivered=%d", delivered)
	}
}

func TestRingBroadcastDeliversOncePerNode(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	// A–B–C–A ring, fully linked both ways.
	transport := newFakeTransport()
	nets := map[string]*Network{
		"A": newTestNetwork(transport, "A"),
		"B": newTestNetwork(transport, "B"),
		"C": newTestNetwork(transport, "C"),
	}
	for id, n := range nets {
		for other := range nets {
			if other != id {
				link(t, ctx, n, other)
			}
		}
	}

	counts := make(map[string]int)
	var mu sync.Mutex
	for id, n := range nets {
		id := id
		n.RegisterHandler(TypeBroadcast, func(context.Context, *Message) error {
			mu.Lock()
			counts[id]++
			mu.Unlock()
			return nil
		})
	}

	msg := NewMessage(TypeBroadcast, "A", "", map[string]any{"event": "dream_started"})
	msg.TTL = 2
	if !nets["A"].SendMessage(ctx, msg) {
		t.Fatalf("broadcast send failed")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"B", "C"} {
		if counts[id] != 1 {
			t.Fatalf("node %s handled broadcast %d times, want 1", id, counts[id])
		}
	}
	if counts["A"] != 0 {
		t.Fatalf("origin must not deliver its own broadcast to itself")
	}
}

func TestMaintenanceDisconnectsUnresponsiveIdlePeer(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	transport := newFakeTransport()
	a := newTestNetwork(transport, "A")
	newTestNetwork(transport, "B")
	link(t, ctx, a, "B")

	// Age the connection past the idle threshold, then make pings fail.
	a.mu.Lock()
	a.peers["B"].LastActivity = time.Now().UTC().Add(-time.Minute)
	a.mu.Unlock()
	transport.pingErr["B.local"] = errors.New("connection reset")

	a.maintenanceTick(ctx)

	peer, _ := a.Peer("B")
	if peer.State != PeerDisconnected {
		t.Fatalf("expected disconnected after failed idle probe, got %q", peer.State)
	}
}

func TestMaintenanceRefreshesHealthyIdlePeer(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	transport := newFakeTransport()
	a := newTestNetwork(transport, "A")
	newTestNetwork(transport, "B")
	link(t, ctx, a, "B")

	a.mu.Lock()
	a.peers["B"].LastActivity = time.Now().UTC().Add(-time.Minute)
	a.mu.Unlock()

	a.maintenanceTick(ctx)

	peer, _ := a.Peer("B")
	if peer.State != PeerConnected {
		t.Fatalf("healthy idle peer must stay connected, got %q", peer.State)
	}
	if time.Since(peer.LastActivity) > 10*time.Second {
		t.Fatalf("expected activity refreshed")
	}
}

func TestHelperWrappers(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	transport := newFakeTransport()
	a := newTestNetwork(transport, "A")
	b := newTestNetwork(transport, "B")
	link(t, ctx, a, "B")

	var events, syncReqs int
	b.RegisterHandler(TypeBroadcast, func(_ context.Context, msg *Message) error {
		if msg.Payload["event_type"] == "mood_shift" {
			events++
		}
		return nil
	})
	b.RegisterHandler(TypeSyncRequest, func(_ context.Context, msg *Message) error {
		syncReqs++
		return nil
	})

	if !a.BroadcastEvent(ctx, "mood_shift", map[string]any{"mood": "curious"}) {
		t.Fatalf("broadcast event failed")
	}
	if !a.RequestSync(ctx, "B", []string{"semantic", "dreams"}) {
		t.Fatalf("request sync failed")
	}
	if events != 1 || syncReqs != 1 {
		t.Fatalf("unexpected handler counts events=%d syncs=%d", events, syncReqs)
	}
}
