package memsync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// MemoryType partitions syncable records. Content under each type is opaque
// to the sync layer; the owning subsystem interprets it.
type MemoryType string

const (
	TypeSemantic    MemoryType = "semantic"
	TypeEpisodic    MemoryType = "episodic"
	TypeDreams      MemoryType = "dreams"
	TypeDiscoveries MemoryType = "discoveries"
	TypeLearnings   MemoryType = "learnings"
	TypeDiary       MemoryType = "diary"
)

// AllTypes lists every known memory type in stable order.
func AllTypes() []MemoryType {
	return []MemoryType{TypeSemantic, TypeEpisodic, TypeDreams, TypeDiscoveries, TypeLearnings, TypeDiary}
}

// Valid reports whether the type is one of the known partitions.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeSemantic, TypeEpisodic, TypeDreams, TypeDiscoveries, TypeLearnings, TypeDiary:
		return true
	default:
		return false
	}
}

var (
	ErrMissingID     = errors.New("memsync: record missing id")
	ErrUnknownType   = errors.New("memsync: unknown memory type")
	ErrEmptyContent  = errors.New("memsync: record has no content")
	ErrChecksumError = errors.New("memsync: content not checksummable")
)

// MemoryRecord is one syncable unit of opaque content. Records are treated
// as immutable snapshots; the sync layer replaces them, never mutates in
// place.
type MemoryRecord struct {
	ID             string         `json:"id"`
	Type           MemoryType     `json:"memory_type"`
	Content        map[string]any `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	SourceInstance string         `json:"source_instance"`
	Version        int            `json:"version"`
	Checksum       string         `json:"checksum"`
}

// NewRecord builds a record with a freshly computed checksum and timestamps.
func NewRecord(typ MemoryType, id string, content map[string]any, sourceInstance string) (*MemoryRecord, error) {
	sum, err := ContentChecksum(content)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &MemoryRecord{
		ID:             id,
		Type:           typ,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
		SourceInstance: sourceInstance,
		Version:        1,
		Checksum:       sum,
	}, nil
}

// Validate checks the structural invariants of an incoming record and fills
// a missing checksum from the content.
func (r *MemoryRecord) Validate() error {
	if r == nil || r.ID == "" {
		return ErrMissingID
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
	if len(r.Content) == 0 {
		return ErrEmptyContent
	}
	if r.Checksum == "" {
		sum, err := ContentChecksum(r.Content)
		if err != nil {
			return err
		}
		r.Checksum = sum
	}
	return nil
}

// Clone returns a shallow-safe copy with its own content map.
func (r *MemoryRecord) Clone() *MemoryRecord {
	cp := *r
	cp.Content = make(map[string]any, len(r.Content))
	for k, v := range r.Content {
		cp.Content[k] = v
	}
	return &cp
}

// ContentChecksum hashes content over a canonical, key-order-independent
// serialization: identical content always yields an identical checksum no
// matter how the map was built.
func ContentChecksum(content map[string]any) (string, error) {
	// Round-trip through JSON first so equivalent values (int vs float64,
	// struct vs map) normalize to the same representation.
	normalized, err := normalize(content)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, normalized); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChecksumError, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChecksumError, err)
	}
	return out, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(raw)
		return nil
	}
}
