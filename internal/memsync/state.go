package memsync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const stateFile = "sync_state.json"

// syncSnapshot is the persisted wire shape. Unknown fields on read are
// ignored by the decoder.
type syncSnapshot struct {
	LocalIndex    map[MemoryType]map[string]string `json:"local_index"`
	PeerSyncState map[string]*PeerSyncState        `json:"peer_sync_state"`
	Conflicts     []*SyncConflict                  `json:"conflicts"`
	UpdatedAt     time.Time                        `json:"updated_at"`
}

// persist writes the index, peer state, and unresolved conflicts. I/O
// errors are logged and swallowed; state is not durable for this cycle.
func (p *Protocol) persist() {
	p.mu.RLock()
	snap := syncSnapshot{
		LocalIndex:    make(map[MemoryType]map[string]string, len(p.index)),
		PeerSyncState: make(map[string]*PeerSyncState, len(p.peerState)),
		Conflicts:     append([]*SyncConflict(nil), p.conflicts...),
		UpdatedAt:     time.Now().UTC(),
	}
	for typ, entries := range p.index {
		cp := make(map[string]string, len(entries))
		for id, sum := range entries {
			cp[id] = sum
		}
		snap.LocalIndex[typ] = cp
	}
	for addr, state := range p.peerState {
		cp := *state
		snap.PeerSyncState[addr] = &cp
	}
	p.mu.RUnlock()

	path := filepath.Join(p.cfg.DataDir, stateFile)
	if err := writeJSONFile(path, snap); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("sync state persist failed")
	}
}

// restore loads persisted sync state. A rebuilt index from the stores takes
// precedence afterwards; restored entries only seed types whose stores are
// empty or unregistered.
func (p *Protocol) restore() {
	path := filepath.Join(p.cfg.DataDir, stateFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn().Err(err).Str("path", path).Msg("sync state restore failed")
		}
		return
	}

	var snap syncSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("sync state file unparsable")
		return
	}

	p.mu.Lock()
	for typ, entries := range snap.LocalIndex {
		if !typ.Valid() {
			continue
		}
		if p.index[typ] == nil {
			p.index[typ] = make(map[string]string, len(entries))
		}
		for id, sum := range entries {
			p.index[typ][id] = sum
		}
	}
	for addr, state := range snap.PeerSyncState {
		if state != nil {
			p.peerState[addr] = state
		}
	}
	for _, c := range snap.Conflicts {
		if c != nil && !c.Resolved {
			p.conflicts = append(p.conflicts, c)
		}
	}
	p.mu.Unlock()

	p.logger.Info().
		Int("conflicts", len(snap.Conflicts)).
		Int("peers", len(snap.PeerSyncState)).
		Str("path", path).
		Msg("sync state restored")
}

// writeJSONFile writes via a temp file and rename so readers never observe
// a partial document.
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
