package memsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshmind/meshmind/internal/observability"
)

// Mode selects the direction of a per-peer sync.
type Mode string

const (
	ModePull          Mode = "pull"
	ModePush          Mode = "push"
	ModeBidirectional Mode = "bidirectional"
)

var (
	ErrInvalidMode        = errors.New("memsync: invalid sync mode")
	ErrInvalidPolicy      = errors.New("memsync: invalid conflict policy")
	ErrConflictNotFound   = errors.New("memsync: conflict not found")
	ErrConflictResolved   = errors.New("memsync: conflict already resolved")
	ErrInvalidResolution  = errors.New("memsync: resolution must be \"local\" or \"remote\"")
	ErrNoStoreForType     = errors.New("memsync: no store registered for type")
	ErrDuplicateStoreType = errors.New("memsync: store already registered for type")
)

// PeerSyncClient is the request/response surface the protocol needs from a
// peer. The HTTP transport implements it.
type PeerSyncClient interface {
	FetchIndex(ctx context.Context, addr string, types []MemoryType) (map[MemoryType]map[string]string, error)
	FetchMemories(ctx context.Context, addr string, typ MemoryType, ids []string) ([]*MemoryRecord, error)
	PushMemories(ctx context.Context, addr, sourceInstance string, records []*MemoryRecord) (int, error)
}

// SyncResult summarizes one SyncWithPeer call.
type SyncResult struct {
	Success         bool            `json:"success"`
	PeerAddress     string          `json:"peer_address"`
	RecordsSent     int             `json:"records_sent"`
	RecordsReceived int             `json:"records_received"`
	Conflicts       []*SyncConflict `json:"conflicts,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
	Duration        time.Duration   `json:"duration"`
}

// ReceiveResult summarizes one inbound push from a peer.
type ReceiveResult struct {
	Accepted  int `json:"accepted"`
	Rejected  int `json:"rejected"`
	Conflicts int `json:"conflicts"`
}

// PeerSyncState caches the last sync outcome for one peer address.
type PeerSyncState struct {
	Address          string    `json:"address"`
	LastSync         time.Time `json:"last_sync"`
	Success          bool      `json:"success"`
	RecordsExchanged int       `json:"records_exchanged"`
	LastError        string    `json:"last_error,omitempty"`
}

// historyEntry is one line of the capped sync-history log.
type historyEntry struct {
	Peer      string        `json:"peer"`
	Mode      Mode          `json:"mode"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Sent      int           `json:"sent"`
	Received  int           `json:"received"`
	Conflicts int           `json:"conflicts"`
	Success   bool          `json:"success"`
}

// Config holds protocol settings.
type Config struct {
	DataDir       string
	InstanceID    string
	DefaultPolicy Policy
	HistoryLimit  int
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = NewerWins
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	return c
}

// Protocol reconciles locally owned typed records against one peer at a
// time through registered Store adapters.
type Protocol struct {
	cfg    Config
	logger zerolog.Logger
	client PeerSyncClient

	mu        sync.RWMutex
	stores    map[MemoryType]Store
	index     map[MemoryType]map[string]string
	peerState map[string]*PeerSyncState
	conflicts []*SyncConflict
	history   []historyEntry
}

// NewProtocol constructs a protocol with no registered stores.
func NewProtocol(cfg Config, client PeerSyncClient) *Protocol {
	cfg = cfg.WithDefaults()
	return &Protocol{
		cfg:       cfg,
		logger:    log.With().Str("component", "memsync").Logger(),
		client:    client,
		stores:    make(map[MemoryType]Store),
		index:     make(map[MemoryType]map[string]string),
		peerState: make(map[string]*PeerSyncState),
	}
}

// RegisterStore binds the storage adapter for one memory type.
func (p *Protocol) RegisterStore(typ MemoryType, store Store) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.stores[typ]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateStoreType, typ)
	}
	p.stores[typ] = store
	return nil
}

// RegisteredTypes returns the types with a bound store, in stable order.
func (p *Protocol) RegisteredTypes() []MemoryType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]MemoryType, 0, len(p.stores))
	for _, typ := range AllTypes() {
		if _, ok := p.stores[typ]; ok {
			out = append(out, typ)
		}
	}
	return out
}

func (p *Protocol) store(typ MemoryType) (Store, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.stores[typ]
	return s, ok
}

// Start restores persisted sync state and rebuilds the local index from the
// registered stores so checksums reflect what is actually on disk.
func (p *Protocol) Start(ctx context.Context) error {
	p.restore()
	return p.RebuildIndex(ctx)
}

// RebuildIndex recomputes the id->checksum index for every registered type.
func (p *Protocol) RebuildIndex(ctx context.Context) error {
	for _, typ := range p.RegisteredTypes() {
		store, _ := p.store(typ)
		records, err := store.GetAll(ctx)
		if err != nil {
			return fmt.Errorf("memsync: index rebuild for %q: %w", typ, err)
		}
		fresh := make(map[string]string, len(records))
		for _, rec := range records {
			if rec == nil || rec.ID == "" {
				continue
			}
			fresh[rec.ID] = rec.Checksum
		}
		p.mu.Lock()
		p.index[typ] = fresh
		p.mu.Unlock()
	}
	return nil
}

// Index returns a copy of the local id->checksum index for the requested
// types (all registered types when empty).
func (p *Protocol) Index(types []MemoryType) map[MemoryType]map[string]string {
	if len(types) == 0 {
		types = p.RegisteredTypes()
	}
	out := make(map[MemoryType]map[string]string, len(types))
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, typ := range types {
		entry := make(map[string]string, len(p.index[typ]))
		for id, sum := range p.index[typ] {
			entry[id] = sum
		}
		out[typ] = entry
	}
	return out
}

func (p *Protocol) indexChecksum(typ MemoryType, id string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sum, ok := p.index[typ][id]
	return sum, ok
}

func (p *Protocol) setIndex(typ MemoryType, id, checksum string) {
	p.mu.Lock()
	if p.index[typ] == nil {
		p.index[typ] = make(map[string]string)
	}
	p.index[typ][id] = checksum
	p.mu.Unlock()
}

// SyncWithPeer reconciles the requested types against one peer. An empty
// types slice means every registered type; an empty policy means the
// protocol default. Transient peer errors surface only in the result.
func (p *Protocol) SyncWithPeer(ctx context.Context, addr string, mode Mode, types []MemoryType, policy Policy) *SyncResult {
	started := time.Now()
	result := &SyncResult{PeerAddress: addr, Success: true}

	if policy == "" {
		policy = p.cfg.DefaultPolicy
	}
	if !policy.Valid() {
		result.Success = false
		result.Errors = append(result.Errors, ErrInvalidPolicy.Error()+": "+string(policy))
		return result
	}
	if mode != ModePull && mode != ModePush && mode != ModeBidirectional {
		result.Success = false
		result.Errors = append(result.Errors, ErrInvalidMode.Error()+": "+string(mode))
		return result
	}
	if len(types) == 0 {
		types = p.RegisteredTypes()
	}

	peerIndex, err := p.client.FetchIndex(ctx, addr, types)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("fetch index: %v", err))
		result.Duration = time.Since(started)
		p.recordOutcome(addr, mode, started, result)
		return result
	}

	if mode == ModePull || mode == ModeBidirectional {
		p.pull(ctx, addr, types, peerIndex, policy, result)
	}
	if mode == ModePush || mode == ModeBidirectional {
		p.push(ctx, addr, types, peerIndex, result)
	}

	result.Duration = time.Since(started)
	p.recordOutcome(addr, mode, started, result)
	p.persist()

	observability.RecordSyncRecords(p.cfg.InstanceID, "sent", result.RecordsSent)
	observability.RecordSyncRecords(p.cfg.InstanceID, "received", result.RecordsReceived)
	observability.RecordPeerSync(p.cfg.InstanceID, result.Duration, result.Success)

	p.logger.Info().
		Str("peer", addr).
		Str("mode", string(mode)).
		Int("sent", result.RecordsSent).
		Int("received", result.RecordsReceived).
		Int("conflicts", len(result.Conflicts)).
		Bool("success", result.Success).
		Dur("duration", result.Duration).
		Msg("peer sync finished")
	return result
}

// pull fetches records whose peer checksum disagrees with the local index
// and applies them, resolving divergences per policy.
func (p *Protocol) pull(ctx context.Context, addr string, types []MemoryType, peerIndex map[MemoryType]map[string]string, policy Policy, result *SyncResult) {
	for _, typ := range types {
		store, ok := p.store(typ)
		if !ok {
			continue
		}

		var needed []string
		for id, peerSum := range peerIndex[typ] {
			localSum, known := p.indexChecksum(typ, id)
			if !known || localSum != peerSum {
				needed = append(needed, id)
			}
		}
		if len(needed) == 0 {
			continue
		}

		records, err := p.client.FetchMemories(ctx, addr, typ, needed)
		if err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("fetch %s memories: %v", typ, err))
			continue
		}

		for _, remote := range records {
			if err := remote.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("pulled record invalid: %v", err))
				continue
			}
			applied, conflict, err := p.applyRemote(ctx, store, remote, policy)
			if err != nil {
				result.Success = false
				result.Errors = append(result.Errors, fmt.Sprintf("apply %s/%s: %v", typ, remote.ID, err))
				continue
			}
			if conflict != nil {
				result.Conflicts = append(result.Conflicts, conflict)
			}
			if applied {
				result.RecordsReceived++
			}
		}
	}
}

// push sends local records whose checksum the peer index lacks or disagrees
// with. Types without a registered store are skipped silently.
func (p *Protocol) push(ctx context.Context, addr string, types []MemoryType, peerIndex map[MemoryType]map[string]string, result *SyncResult) {
	var outgoing []*MemoryRecord
	for _, typ := range types {
		store, ok := p.store(typ)
		if !ok {
			continue
		}
		records, err := store.GetAll(ctx)
		if err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("enumerate %s: %v", typ, err))
			continue
		}
		for _, rec := range records {
			if rec == nil || rec.ID == "" {
				continue
			}
			if peerSum, known := peerIndex[typ][rec.ID]; known && peerSum == rec.Checksum {
				continue
			}
			outgoing = append(outgoing, rec)
		}
	}
	if len(outgoing) == 0 {
		return
	}

	accepted, err := p.client.PushMemories(ctx, addr, p.cfg.InstanceID, outgoing)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("push memories: %v", err))
		return
	}
	result.RecordsSent += accepted
}

// applyRemote saves a remote record locally, detecting and resolving a
// conflict when a divergent local copy exists. Returns whether the local
// store changed and any conflict object produced.
func (p *Protocol) applyRemote(ctx context.Context, store Store, remote *MemoryRecord, policy Policy) (bool, *SyncConflict, error) {
	local, exists, err := store.GetByID(ctx, remote.ID)
	if err != nil {
		return false, nil, err
	}

	if exists && local.Checksum == remote.Checksum {
		p.setIndex(remote.Type, remote.ID, remote.Checksum)
		return false, nil, nil
	}

	if !exists {
		if err := store.Save(ctx, remote); err != nil {
			return false, nil, err
		}
		p.setIndex(remote.Type, remote.ID, remote.Checksum)
		return true, nil, nil
	}

	// Divergent copies: a first-class conflict, not an error.
	conflict := newConflict(local, remote)
	observability.RecordSyncConflict(p.cfg.InstanceID, string(policy))

	decision := applyPolicy(policy, local, remote)
	if decision.manual {
		p.mu.Lock()
		p.conflicts = append(p.conflicts, conflict)
		p.mu.Unlock()
		p.logger.Info().
			Str("record_id", remote.ID).
			Str("memory_type", string(remote.Type)).
			Msg("conflict queued for manual resolution")
		return false, conflict, nil
	}

	conflict.resolve(decision.resolution)
	if decision.save {
		if err := store.Save(ctx, decision.winner); err != nil {
			return false, conflict, err
		}
		p.setIndex(decision.winner.Type, decision.winner.ID, decision.winner.Checksum)
		return true, conflict, nil
	}
	return false, conflict, nil
}

// ReceiveMemories is the server-side counterpart of push: a peer delivered
// records to us. Unknown types and malformed records are rejected;
// divergences resolve with the protocol default policy.
func (p *Protocol) ReceiveMemories(ctx context.Context, sourceInstance string, records []*MemoryRecord) *ReceiveResult {
	result := &ReceiveResult{}
	for _, remote := range records {
		if err := remote.Validate(); err != nil {
			result.Rejected++
			p.logger.Warn().Err(err).Str("source", sourceInstance).Msg("rejected malformed record")
			continue
		}
		store, ok := p.store(remote.Type)
		if !ok {
			result.Rejected++
			p.logger.Warn().
				Str("memory_type", string(remote.Type)).
				Str("source", sourceInstance).
				Msg("rejected record for unregistered type")
			continue
		}

		applied, conflict, err := p.applyRemote(ctx, store, remote, p.cfg.DefaultPolicy)
		if err != nil {
			result.Rejected++
			p.logger.Warn().Err(err).Str("record_id", remote.ID).Msg("failed to apply pushed record")
			continue
		}
		if conflict != nil {
			result.Conflicts++
		}
		if applied {
			result.Accepted++
		} else if conflict == nil {
			// Identical checksum: already held, counts as accepted.
			result.Accepted++
		}
	}

	observability.RecordSyncRecords(p.cfg.InstanceID, "received", result.Accepted)
	p.persist()
	return result
}

// FetchLocal returns full records by id for one type, serving a peer's
// batch-fetch during its pull.
func (p *Protocol) FetchLocal(ctx context.Context, typ MemoryType, ids []string) ([]*MemoryRecord, error) {
	store, ok := p.store(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoStoreForType, typ)
	}
	out := make([]*MemoryRecord, 0, len(ids))
	for _, id := range ids {
		rec, exists, err := store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Conflicts returns the unresolved conflict queue.
func (p *Protocol) Conflicts() []*SyncConflict {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*SyncConflict, 0, len(p.conflicts))
	out = append(out, p.conflicts...)
	return out
}

// ResolveConflict settles one queued manual conflict, keeping either the
// "local" or "remote" copy. Choosing remote writes it to the store.
func (p *Protocol) ResolveConflict(ctx context.Context, conflictID, choice string) error {
	if choice != "local" && choice != "remote" {
		return ErrInvalidResolution
	}

	p.mu.Lock()
	var target *SyncConflict
	idx := -1
	for i, c := range p.conflicts {
		if c.ID == conflictID {
			target = c
			idx = i
			break
		}
	}
	p.mu.Unlock()

	if target == nil {
		return ErrConflictNotFound
	}
	if target.Resolved {
		return ErrConflictResolved
	}

	if choice == "remote" {
		store, ok := p.store(target.Type)
		if !ok {
			return fmt.Errorf("%w: %q", ErrNoStoreForType, target.Type)
		}
		if err := store.Save(ctx, target.Remote); err != nil {
			return err
		}
		p.setIndex(target.Type, target.Remote.ID, target.Remote.Checksum)
	}

	target.resolve(choice)

	p.mu.Lock()
	if idx >= 0 && idx < len(p.conflicts) && p.conflicts[idx] == target {
		p.conflicts = append(p.conflicts[:idx], p.conflicts[idx+1:]...)
	}
	p.mu.Unlock()

	p.persist()
	p.logger.Info().Str("conflict_id", conflictID).Str("choice", choice).Msg("conflict resolved")
	return nil
}

// PeerStates returns a copy of the cached per-peer sync outcomes.
func (p *Protocol) PeerStates() map[string]*PeerSyncState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*PeerSyncState, len(p.peerState))
	for addr, state := range p.peerState {
		cp := *state
		out[addr] = &cp
	}
	return out
}

// recordOutcome caches the per-peer state and appends to the capped history.
func (p *Protocol) recordOutcome(addr string, mode Mode, started time.Time, result *SyncResult) {
	state := &PeerSyncState{
		Address:          addr,
		LastSync:         time.Now().UTC(),
		Success:          result.Success,
		RecordsExchanged: result.RecordsSent + result.RecordsReceived,
	}
	if len(result.Errors) > 0 {
		state.LastError = result.Errors[len(result.Errors)-1]
	}

	entry := historyEntry{
		Peer:      addr,
		Mode:      mode,
		StartedAt: started.UTC(),
		Duration:  result.Duration,
		Sent:      result.RecordsSent,
		Received:  result.RecordsReceived,
		Conflicts: len(result.Conflicts),
		Success:   result.Success,
	}

	p.mu.Lock()
	p.peerState[addr] = state
	p.history = append(p.history, entry)
	if len(p.history) > p.cfg.HistoryLimit {
		p.history = p.history[len(p.history)-p.cfg.HistoryLimit:]
	}
	p.mu.Unlock()
}
