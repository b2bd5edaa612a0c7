package memsync

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Policy selects how a divergent record pair is resolved.
type Policy string

const (
	LocalWins  Policy = "local_wins"
	RemoteWins Policy = "remote_wins"
	NewerWins  Policy = "newer_wins"
	Merge      Policy = "merge"
	Manual     Policy = "manual"
)

// Valid reports whether the policy is known.
func (p Policy) Valid() bool {
	switch p {
	case LocalWins, RemoteWins, NewerWins, Merge, Manual:
		return true
	default:
		return false
	}
}

// SyncConflict records one detected divergence between a local and remote
// copy of the same record. It is resolved exactly once.
type SyncConflict struct {
	ID         string        `json:"id"`
	RecordID   string        `json:"record_id"`
	Type       MemoryType    `json:"memory_type"`
	Local      *MemoryRecord `json:"local"`
	Remote     *MemoryRecord `json:"remote"`
	DetectedAt time.Time     `json:"detected_at"`
	Resolved   bool          `json:"resolved"`
	Resolution string        `json:"resolution,omitempty"`
	ResolvedAt time.Time     `json:"resolved_at,omitempty"`
}

func newConflict(local, remote *MemoryRecord) *SyncConflict {
	return &SyncConflict{
		ID:         uuid.NewString(),
		RecordID:   remote.ID,
		Type:       remote.Type,
		Local:      local,
		Remote:     remote,
		DetectedAt: time.Now().UTC(),
	}
}

func (c *SyncConflict) resolve(resolution string) {
	c.Resolved = true
	c.Resolution = resolution
	c.ResolvedAt = time.Now().UTC()
}

// resolution outcomes produced by applyPolicy.
type outcome struct {
	winner     *MemoryRecord
	save       bool   // winner must be written to the local store
	resolution string // "local", "remote", "merged", or "" for manual
	manual     bool
}

// applyPolicy decides between a local and remote copy. NEWER_WINS keeps
// local on an exact timestamp tie; only a strictly newer remote wins.
func applyPolicy(policy Policy, local, remote *MemoryRecord) outcome {
	switch policy {
	case LocalWins:
		return outcome{winner: local, resolution: "local"}
	case RemoteWins:
		return outcome{winner: remote, save: true, resolution: "remote"}
	case Merge:
		return outcome{winner: mergeRecords(local, remote), save: true, resolution: "merged"}
	case Manual:
		return outcome{manual: true}
	case NewerWins:
		fallthrough
	default:
		if remote.UpdatedAt.After(local.UpdatedAt) {
			return outcome{winner: remote, save: true, resolution: "remote"}
		}
		return outcome{winner: local, resolution: "local"}
	}
}

// mergeRecords builds a new record from both copies: local content is the
// base, remote-only keys are added, and keys holding lists on both sides
// are set-unioned (order and duplicates are not preserved). Keys present on
// both sides with non-list values keep the local value.
func mergeRecords(local, remote *MemoryRecord) *MemoryRecord {
	merged := local.Clone()

	for key, remoteVal := range remote.Content {
		localVal, present := merged.Content[key]
		if !present {
			merged.Content[key] = remoteVal
			continue
		}
		localList, localIsList := localVal.([]any)
		remoteList, remoteIsList := remoteVal.([]any)
		if localIsList && remoteIsList {
			merged.Content[key] = unionLists(localList, remoteList)
		}
	}

	merged.UpdatedAt = time.Now().UTC()
	if remote.CreatedAt.Before(merged.CreatedAt) {
		merged.CreatedAt = remote.CreatedAt
	}
	merged.Version = maxInt(local.Version, remote.Version) + 1
	if sum, err := ContentChecksum(merged.Content); err == nil {
		merged.Checksum = sum
	}
	return merged
}

// unionLists treats both lists as sets keyed by canonical JSON encoding.
func unionLists(a, b []any) []any {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, list := range [][]any{a, b} {
		for _, item := range list {
			key, err := canonicalKey(item)
			if err != nil {
				out = append(out, item)
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

func canonicalKey(v any) (string, error) {
	normalized, err := normalize(v)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, normalized); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
