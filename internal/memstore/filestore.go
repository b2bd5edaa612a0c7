// Package memstore provides the storage adapters the daemon registers with
// the sync protocol, one per memory type.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/meshmind/meshmind/internal/memsync"
)

// FileStore keeps one memory type's records in a single JSON file, loaded at
// open and rewritten atomically on every mutation.
type FileStore struct {
	typ  memsync.MemoryType
	path string

	mu      sync.RWMutex
	records map[string]*memsync.MemoryRecord
}

var _ memsync.Store = (*FileStore)(nil)

// OpenFileStore loads (or initializes) the store file for one memory type
// under dir, e.g. dir/memories/semantic.json.
func OpenFileStore(dir string, typ memsync.MemoryType) (*FileStore, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", memsync.ErrUnknownType, typ)
	}
	s := &FileStore{
		typ:     typ,
		path:    filepath.Join(dir, "memories", string(typ)+".json"),
		records: make(map[string]*memsync.MemoryRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Type reports the memory type this store holds.
func (s *FileStore) Type() memsync.MemoryType {
	return s.typ
}

// GetAll returns every record, sorted by id for stable iteration.
func (s *FileStore) GetAll(ctx context.Context) ([]*memsync.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*memsync.MemoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetByID returns one record by id.
func (s *FileStore) GetByID(ctx context.Context, id string) (*memsync.MemoryRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

// Save upserts one record and rewrites the backing file.
func (s *FileStore) Save(ctx context.Context, rec *memsync.MemoryRecord) error {
	if rec == nil {
		return memsync.ErrMissingID
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Type != s.typ {
		return fmt.Errorf("%w: store holds %q, record is %q", memsync.ErrUnknownType, s.typ, rec.Type)
	}

	s.mu.Lock()
	s.records[rec.ID] = rec.Clone()
	err := s.flushLocked()
	s.mu.Unlock()
	return err
}

// Delete removes one record by id. Deleting an absent id is a no-op.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.records, id)
	err := s.flushLocked()
	s.mu.Unlock()
	return err
}

// Len reports the record count.
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

type fileSnapshot struct {
	Type    memsync.MemoryType               `json:"type"`
	Records map[string]*memsync.MemoryRecord `json:"records"`
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap fileSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("memstore: corrupt store file %s: %w", s.path, err)
	}
	for id, rec := range snap.Records {
		if rec == nil || rec.ID == "" {
			continue
		}
		if err := rec.Validate(); err != nil {
			log.Warn().
				Str("path", s.path).
				Str("id", id).
				Err(err).
				Msg("skipping invalid stored record")
			continue
		}
		s.records[rec.ID] = rec
	}
	return nil
}

func (s *FileStore) flushLocked() error {
	snap := fileSnapshot{Type: s.typ, Records: s.records}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// OpenAll opens one file store per known memory type and returns them keyed
// by type, ready to register with the protocol.
func OpenAll(dir string) (map[memsync.MemoryType]*FileStore, error) {
	out := make(map[memsync.MemoryType]*FileStore, len(memsync.AllTypes()))
	for _, typ := range memsync.AllTypes() {
		store, err := OpenFileStore(dir, typ)
		if err != nil {
			return nil, err
		}
		out[typ] = store
	}
	return out, nil
}
