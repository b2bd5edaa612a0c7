package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshmind/meshmind/internal/observability"
)

var (
	ErrAlreadyStarted = errors.New("mesh: already started")
	ErrNotConnected   = errors.New("mesh: peer not connected")
)

// Receipt statuses returned by ReceiveMessage.
const (
	StatusDelivered = "delivered"
	StatusDuplicate = "duplicate"
	StatusForwarded = "forwarded"
	StatusDropped   = "dropped"
	StatusRejected  = "rejected"
)

// Receipt reports what happened to one received message.
type Receipt struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
}

// Transport carries mesh traffic to a peer address. The HTTP transport
// implements it; tests substitute fakes.
type Transport interface {
	Ping(ctx context.Context, addr, sourceID string) (time.Duration, error)
	Deliver(ctx context.Context, addr string, msg *Message) error
}

// Handler processes one locally delivered message. Multiple handlers per
// type are allowed and all are invoked; a panicking handler is recovered
// and logged without blocking the others.
type Handler func(ctx context.Context, msg *Message) error

// Config holds mesh runtime settings.
type Config struct {
	InstanceID          string
	InstanceName        string
	MaintenanceInterval time.Duration
	IdleProbeAfter      time.Duration
	SeenCapacity        int
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 15 * time.Second
	}
	if c.IdleProbeAfter <= 0 {
		c.IdleProbeAfter = 30 * time.Second
	}
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = 10000
	}
	return c
}

// Network maintains direct peer connections and routes messages across the
// mesh, relaying through intermediate peers when no direct link exists.
type Network struct {
	cfg       Config
	logger    zerolog.Logger
	transport Transport

	mu       sync.Mutex
	peers    map[string]*PeerConnection
	handlers map[MessageType][]Handler
	seen     *seenSet

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetwork constructs a stopped mesh network.
func NewNetwork(cfg Config, transport Transport) *Network {
	cfg = cfg.WithDefaults()
	return &Network{
		cfg:       cfg,
		logger:    log.With().Str("component", "mesh").Str("instance_id", cfg.InstanceID).Logger(),
		transport: transport,
		peers:     make(map[string]*PeerConnection),
		handlers:  make(map[MessageType][]Handler),
		seen:      newSeenSet(cfg.SeenCapacity),
	}
}

// RegisterHandler adds a handler for one message type.
func (n *Network) RegisterHandler(typ MessageType, handler Handler) {
	if handler == nil {
		return
	}
	n.mu.Lock()
	n.handlers[typ] = append(n.handlers[typ], handler)
	n.mu.Unlock()
}

// ConnectPeer probes a peer and, on success, records the connection and
// announces the other currently-connected peers to it (gossip-style peer
// exchange). A probe failure marks the peer failed; no automatic retry.
func (n *Network) ConnectPeer(ctx context.Context, id, name, addr string) bool {
	n.mu.Lock()
	existing, ok := n.peers[id]
	if ok && existing.State == PeerConnected {
		n.mu.Unlock()
		return true
	}
	if !ok {
		existing = &PeerConnection{ID: id, Name: name, Address: addr}
		n.peers[id] = existing
	}
	existing.Name = name
	existing.Address = addr
	existing.State = PeerConnecting
	n.mu.Unlock()

	latency, err := n.transport.Ping(ctx, addr, n.cfg.InstanceID)

	n.mu.Lock()
	if err != nil {
		existing.State = PeerFailed
		existing.Failures++
		n.mu.Unlock()
		n.logger.Warn().Str("peer_id", id).Str("addr", addr).Err(err).Msg("peer probe failed")
		return false
	}
	now := time.Now().UTC()
	existing.State = PeerConnected
	existing.ConnectedAt = now
	existing.LastActivity = now
	existing.Latency = latency
	others := n.connectedPeersLocked(id)
	n.mu.Unlock()

	n.logger.Info().Str("peer_id", id).Str("addr", addr).Dur("latency", latency).Msg("peer connected")

	// Share our view of the mesh with the newcomer.
	peerList := make([]map[string]any, 0, len(others))
	for _, p := range others {
		peerList = append(peerList, map[string]any{
			"id":      p.ID,
			"name":    p.Name,
			"address": p.Address,
		})
	}
	announcement := NewMessage(TypeAnnouncement, n.cfg.InstanceID, id, map[string]any{
		"peers": peerList,
	})
	n.SendMessage(ctx, announcement)
	return true
}

// DisconnectPeer drops a peer back to disconnected bookkeeping.
func (n *Network) DisconnectPeer(id string) {
	n.mu.Lock()
	if peer, ok := n.peers[id]; ok {
		peer.State = PeerDisconnected
	}
	n.mu.Unlock()
}

// Peer returns a copy of one peer's bookkeeping.
func (n *Network) Peer(id string) (*PeerConnection, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	peer, ok := n.peers[id]
	if !ok {
		return nil, false
	}
	return peer.Clone(), true
}

// Peers returns copies of all peer bookkeeping entries, ordered by id.
func (n *Network) Peers() []*PeerConnection {
	n.mu.Lock()
	out := make([]*PeerConnection, 0, len(n.peers))
	for _, peer := range n.peers {
		out = append(out, peer.Clone())
	}
	n.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// connectedPeersLocked snapshots connected peers, excluding the given ids.
// Caller holds n.mu.
func (n *Network) connectedPeersLocked(exclude ...string) []*PeerConnection {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	out := make([]*PeerConnection, 0, len(n.peers))
	for id, peer := range n.peers {
		if peer.State != PeerConnected {
			continue
		}
		if _, excluded := skip[id]; excluded {
			continue
		}
		out = append(out, peer.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendMessage routes one message: direct when the target is a connected
// peer, relayed through an intermediate otherwise, broadcast when untargeted.
// The seen-set guard guarantees at-most-once local processing per id.
func (n *Network) SendMessage(ctx context.Context, msg *Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}

	n.mu.Lock()
	if !n.seen.Add(msg.ID) {
		n.mu.Unlock()
		observability.RecordMeshMessage(n.cfg.InstanceID, string(msg.Type), StatusDuplicate)
		return false
	}
	n.mu.Unlock()

	msg = msg.Clone()
	if !msg.Visited(n.cfg.InstanceID) {
		msg.Path = append(msg.Path, n.cfg.InstanceID)
	}
	msg.HopCount++

	if msg.TargetID != "" {
		return n.sendTargeted(ctx, msg)
	}
	return n.broadcast(ctx, msg)
}

func (n *Network) sendTargeted(ctx context.Context, msg *Message) bool {
	n.mu.Lock()
	target, ok := n.peers[msg.TargetID]
	var direct *PeerConnection
	if ok && target.State == PeerConnected {
		direct = target.Clone()
	}
	n.mu.Unlock()

	if direct != nil {
		if err := n.deliverTo(ctx, direct, msg); err == nil {
			observability.RecordMeshMessage(n.cfg.InstanceID, string(msg.Type), StatusDelivered)
			return true
		}
		return false
	}

	// No direct link: relay through any connected peer not already on the
	// message path, provided hop budget remains.
	if msg.Expired() {
		n.logger.Debug().Str("message_id", msg.ID).Str("target", msg.TargetID).Msg("hop budget spent, not relaying")
		observability.RecordMeshMessage(n.cfg.InstanceID, string(msg.Type), StatusDropped)
		return false
	}

	n.mu.Lock()
	candidates := n.connectedPeersLocked()
	n.mu.Unlock()

	for _, peer := range candidates {
		if msg.Visited(peer.ID) {
			continue
		}
		relay := wrapRelay(n.cfg.InstanceID, msg)
		if err := n.deliverTo(ctx, peer, relay); err == nil {
			n.logger.Debug().
				Str("message_id", msg.ID).
				Str("target", msg.TargetID).
				Str("via", peer.ID).
				Int("hop_count", msg.HopCount).
				Msg("message relayed")
			observability.RecordMeshMessage(n.cfg.InstanceID, string(msg.Type), StatusForwarded)
			return true
		}
	}

	observability.RecordMeshMessage(n.cfg.InstanceID, string(msg.Type), StatusDropped)
	return false
}

func (n *Network) broadcast(ctx context.Context, msg *Message) bool {
	n.mu.Lock()
	candidates := n.connectedPeersLocked()
	n.mu.Unlock()

	delivered := 0
	for _, peer := range candidates {
		if msg.Visited(peer.ID) {
			continue
		}
		if err := n.deliverTo(ctx, peer, msg); err == nil {
			delivered++
		}
	}
	if delivered > 0 {
		observability.RecordMeshMessage(n.cfg.InstanceID, string(msg.Type), StatusDelivered)
	}
	return delivered > 0
}

// deliverTo transmits one message to one peer and updates its counters.
func (n *Network) deliverTo(ctx context.Context, peer *PeerConnection, msg *Message) error {
	err := n.transport.Deliver(ctx, peer.Address, msg)

	n.mu.Lock()
	if live, ok := n.peers[peer.ID]; ok {
		if err != nil {
			live.Failures++
		} else {
			live.MessagesSent++
			live.LastActivity = time.Now().UTC()
		}
	}
	n.mu.Unlock()

	if err != nil {
		n.logger.Warn().Str("peer_id", peer.ID).Str("message_id", msg.ID).Err(err).Msg("message delivery failed")
	}
	return err
}

// ReceiveMessage handles one inbound envelope: dedup, relay unwrapping,
// forwarding, and local handler dispatch.
func (n *Network) ReceiveMessage(ctx context.Context, msg *Message) *Receipt {
	if msg == nil || msg.ID == "" {
		return &Receipt{Status: StatusRejected}
	}

	n.mu.Lock()
	fresh := n.seen.Add(msg.ID)
	if peer, ok := n.peers[msg.SourceID]; ok {
		peer.MessagesReceived++
		peer.LastActivity = time.Now().UTC()
	}
	n.mu.Unlock()

	if !fresh {
		observability.RecordMeshMessage(n.cfg.InstanceID, string(msg.Type), StatusDuplicate)
		return &Receipt{Status: StatusDuplicate, MessageID: msg.ID}
	}

	if msg.Type == TypeRelay {
		return n.receiveRelay(ctx, msg)
	}

	if msg.TargetID != "" && msg.TargetID != n.cfg.InstanceID {
		// Addressed elsewhere: forward while hop budget remains.
		if msg.Expired() {
			observability.RecordMeshMessage(n.cfg.InstanceID, string(msg.Type), StatusDropped)
			return &Receipt{Status: StatusDropped, MessageID: msg.ID}
		}
		forward := msg.Clone()
		if !forward.Visited(n.cfg.InstanceID) {
			forward.Path = append(forward.Path, n.cfg.InstanceID)
		}
		forward.HopCount++
		if n.sendTargeted(ctx, forward) {
			return &Receipt{Status: StatusForwarded, MessageID: msg.ID}
		}
		return &Receipt{Status: StatusDropped, MessageID: msg.ID}
	}

	n.dispatch(ctx, msg)
	observability.RecordMeshMessage(n.cfg.InstanceID, string(msg.Type), StatusDelivered)
	return &Receipt{Status: StatusDelivered, MessageID: msg.ID}
}

// receiveRelay unwraps the embedded message, delivering locally when it is
// addressed here and re-forwarding otherwise.
func (n *Network) receiveRelay(ctx context.Context, relay *Message) *Receipt {
	original, err := unwrapRelay(relay)
	if err != nil {
		n.logger.Warn().Str("message_id", relay.ID).Err(err).Msg("relay unwrap failed")
		observability.RecordMeshMessage(n.cfg.InstanceID, string(relay.Type), StatusRejected)
		return &Receipt{Status: StatusRejected, MessageID: relay.ID}
	}

	if original.TargetID == "" || original.TargetID == n.cfg.InstanceID {
		n.mu.Lock()
		firstDelivery := n.seen.Add(original.ID)
		n.mu.Unlock()
		if !firstDelivery {
			return &Receipt{Status: StatusDuplicate, MessageID: original.ID}
		}
		n.dispatch(ctx, original)
		observability.RecordMeshMessage(n.cfg.InstanceID, string(original.Type), StatusDelivered)
		return &Receipt{Status: StatusDelivered, MessageID: original.ID}
	}

	if original.Expired() {
		observability.RecordMeshMessage(n.cfg.InstanceID, string(original.Type), StatusDropped)
		return &Receipt{Status: StatusDropped, MessageID: original.ID}
	}
	if n.SendMessage(ctx, original) {
		return &Receipt{Status: StatusForwarded, MessageID: original.ID}
	}
	return &Receipt{Status: StatusDropped, MessageID: original.ID}
}

// dispatch invokes every handler registered for the message type, each with
// panic recovery so one handler cannot block the rest.
func (n *Network) dispatch(ctx context.Context, msg *Message) {
	n.mu.Lock()
	handlers := append([]Handler(nil), n.handlers[msg.Type]...)
	n.mu.Unlock()

	for _, handler := range handlers {
		n.invoke(ctx, handler, msg)
	}
}

func (n *Network) invoke(ctx context.Context, handler Handler, msg *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			n.logger.Error().
				Interface("panic", rec).
				Str("message_id", msg.ID).
				Str("message_type", string(msg.Type)).
				Msg("message handler panicked")
		}
	}()
	if err := handler(ctx, msg.Clone()); err != nil {
		n.logger.Warn().
			Str("message_id", msg.ID).
			Str("message_type", string(msg.Type)).
			Err(err).
			Msg("message handler failed")
	}
}

// BroadcastEvent is a thin helper that broadcasts a consciousness event.
func (n *Network) BroadcastEvent(ctx context.Context, eventType string, data map[string]any) bool {
	msg := NewMessage(TypeBroadcast, n.cfg.InstanceID, "", map[string]any{
		"event_type": eventType,
		"data":       data,
	})
	return n.SendMessage(ctx, msg)
}

// RequestSync is a thin helper that asks one peer to sync the given types.
func (n *Network) RequestSync(ctx context.Context, peerID string, types []string) bool {
	payload := make([]any, 0, len(types))
	for _, t := range types {
		payload = append(payload, t)
	}
	msg := NewMessage(TypeSyncRequest, n.cfg.InstanceID, peerID, map[string]any{
		"types": payload,
	})
	return n.SendMessage(ctx, msg)
}

// Start launches the maintenance loop.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.cancel != nil {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(1)
	go n.maintenanceLoop(loopCtx)
	return nil
}

// Stop cancels the maintenance loop and waits for it.
func (n *Network) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	n.wg.Wait()
}

// maintenanceLoop re-probes idle connections, demoting unresponsive peers
// to disconnected. No automatic reconnect is attempted.
func (n *Network) maintenanceLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.maintenanceTick(ctx)
		}
	}
}

func (n *Network) maintenanceTick(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-n.cfg.IdleProbeAfter)

	n.mu.Lock()
	var idle []*PeerConnection
	for _, peer := range n.peers {
		if peer.State == PeerConnected && peer.LastActivity.Before(cutoff) {
			idle = append(idle, peer.Clone())
		}
	}
	n.mu.Unlock()

	for _, peer := range idle {
		latency, err := n.transport.Ping(ctx, peer.Address, n.cfg.InstanceID)

		n.mu.Lock()
		live, ok := n.peers[peer.ID]
		if !ok {
			n.mu.Unlock()
			continue
		}
		if err != nil {
			live.State = PeerDisconnected
			live.Failures++
			n.mu.Unlock()
			n.logger.Warn().Str("peer_id", peer.ID).Err(err).Msg("idle peer unresponsive, disconnected")
			continue
		}
		live.LastActivity = time.Now().UTC()
		live.Latency = latency
		n.mu.Unlock()
	}
}
