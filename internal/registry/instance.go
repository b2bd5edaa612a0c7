package registry

import (
	"fmt"
	"time"
)

// Role describes how an instance participates in the network. Primary is
// authoritative for conflicts only by convention, not enforced anywhere.
type Role string

const (
	RolePrimary  Role = "primary"
	RoleReplica  Role = "replica"
	RolePeer     Role = "peer"
	RoleObserver Role = "observer"
)

// Valid reports whether the role is one of the known participation modes.
func (r Role) Valid() bool {
	switch r {
	case RolePrimary, RoleReplica, RolePeer, RoleObserver:
		return true
	default:
		return false
	}
}

// Status is the last observed lifecycle state of an instance.
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusSleeping Status = "sleeping"
	StatusDreaming Status = "dreaming"
	StatusSyncing  Status = "syncing"
	StatusUnknown  Status = "unknown"
)

// AliveWindow is how long after its last heartbeat an instance still
// counts as alive.
const AliveWindow = 60 * time.Second

// Capabilities advertises what an instance can do, for capability-based
// peer selection.
type Capabilities struct {
	CanExecuteCode bool     `json:"can_execute_code"`
	CanBrowseWeb   bool     `json:"can_browse_web"`
	MaxMemoryMB    int      `json:"max_memory_mb"`
	Models         []string `json:"models,omitempty"`
}

// Has reports whether a named boolean capability is set.
func (c Capabilities) Has(name string) bool {
	switch name {
	case "can_execute_code":
		return c.CanExecuteCode
	case "can_browse_web":
		return c.CanBrowseWeb
	default:
		return false
	}
}

// Instance is one participant in the network. Remote copies of the
// consciousness-state fields are informational snapshots; only the local
// process mutates its own.
type Instance struct {
	ID           string       `json:"instance_id"`
	Name         string       `json:"name"`
	Host         string       `json:"host"`
	Port         int          `json:"port"`
	Role         Role         `json:"role"`
	Status       Status       `json:"status"`
	Capabilities Capabilities `json:"capabilities"`

	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	MemoryCount      int    `json:"memory_count"`
	LearningSessions int    `json:"learning_sessions"`
	DreamsCount      int    `json:"dreams_count"`
	CurrentMood      string `json:"current_mood,omitempty"`
}

// Address returns the host:port peers use to reach this instance.
func (i *Instance) Address() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// IsAlive reports whether the last heartbeat falls inside the alive window.
func (i *Instance) IsAlive(now time.Time) bool {
	return now.Sub(i.LastHeartbeat) < AliveWindow
}

// Clone returns an independent copy safe to hand outside the registry lock.
func (i *Instance) Clone() *Instance {
	cp := *i
	if i.Capabilities.Models != nil {
		cp.Capabilities.Models = append([]string(nil), i.Capabilities.Models...)
	}
	return &cp
}
