package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const registryFile = "registry.json"

// registrySnapshot is the persisted wire shape. Unknown fields on read are
// ignored by the decoder, so older files from richer builds still load.
type registrySnapshot struct {
	LocalInstanceID string               `json:"local_instance_id"`
	Instances       map[string]*Instance `json:"instances"`
	SeedNodes       []string             `json:"seed_nodes"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// persist writes the full registry state. I/O errors are logged and
// swallowed; state is simply not durable for this cycle.
func (r *Registry) persist() {
	r.mu.RLock()
	snap := registrySnapshot{
		Instances: make(map[string]*Instance, len(r.instances)),
		SeedNodes: append([]string(nil), r.seeds...),
		UpdatedAt: time.Now().UTC(),
	}
	if r.local != nil {
		snap.LocalInstanceID = r.local.ID
	}
	for id, inst := range r.instances {
		snap.Instances[id] = inst.Clone()
	}
	r.mu.RUnlock()

	path := filepath.Join(r.cfg.DataDir, registryFile)
	if err := writeJSONFile(path, snap); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("registry persist failed")
	}
}

// restore loads persisted remote instances and seed nodes. The previous
// local instance is never restored; the local one is freshly created each
// run so a stale self-record cannot shadow it.
func (r *Registry) restore() {
	path := filepath.Join(r.cfg.DataDir, registryFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("path", path).Msg("registry restore failed")
		}
		return
	}

	var snap registrySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("registry file unparsable")
		return
	}

	r.mu.Lock()
	for id, inst := range snap.Instances {
		if inst == nil || id == "" || id == snap.LocalInstanceID {
			continue
		}
		if _, exists := r.instances[id]; exists {
			continue
		}
		r.instances[id] = inst
	}
	for _, seed := range snap.SeedNodes {
		dup := false
		for _, existing := range r.seeds {
			if existing == seed {
				dup = true
				break
			}
		}
		if !dup && seed != "" {
			r.seeds = append(r.seeds, seed)
		}
	}
	restored := len(r.instances)
	r.mu.Unlock()

	r.logger.Info().Int("instances", restored).Str("path", path).Msg("registry restored")
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
