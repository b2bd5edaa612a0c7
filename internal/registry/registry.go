package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshmind/meshmind/internal/observability"
)

var (
	ErrNoLocalInstance = errors.New("registry: local instance not created")
	ErrAlreadyStarted  = errors.New("registry: already started")
)

// Discoverer fetches the known-instances list from a remote address.
// The HTTP transport implements it; tests substitute fakes.
type Discoverer interface {
	FetchInstances(ctx context.Context, addr string) ([]*Instance, error)
}

// Callbacks notify the owner about membership transitions. Panics inside a
// callback are recovered and logged, never propagated.
type Callbacks struct {
	OnJoined  func(*Instance)
	OnUpdated func(*Instance)
	OnLeft    func(*Instance)
}

// Config holds registry runtime settings.
type Config struct {
	DataDir           string
	Name              string
	Host              string
	Port              int
	Role              Role
	Capabilities      Capabilities
	HeartbeatInterval time.Duration
	DiscoveryInterval time.Duration
}

// WithDefaults fills unset intervals and identity fields.
func (c Config) WithDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Name == "" {
		c.Name = "meshmind"
	}
	if c.Port == 0 {
		c.Port = 8420
	}
	if c.Role == "" {
		c.Role = RolePeer
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	return c
}

// Registry is the source of truth for who is in the network and whether
// they are alive.
type Registry struct {
	cfg        Config
	logger     zerolog.Logger
	discoverer Discoverer

	mu        sync.RWMutex
	local     *Instance
	instances map[string]*Instance
	seeds     []string
	callbacks Callbacks

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry constructs a stopped registry. The discoverer may be nil when
// discovery is not wanted (tests, observers).
func NewRegistry(cfg Config, discoverer Discoverer) *Registry {
	cfg = cfg.WithDefaults()
	return &Registry{
		cfg:        cfg,
		logger:     log.With().Str("component", "registry").Logger(),
		discoverer: discoverer,
		instances:  make(map[string]*Instance),
	}
}

// SetCallbacks installs membership callbacks. Call before Start.
func (r *Registry) SetCallbacks(cb Callbacks) {
	r.mu.Lock()
	r.callbacks = cb
	r.mu.Unlock()
}

// CreateLocalInstance builds and registers the local instance using the
// persisted stable id and a locally resolved IP. Idempotent across restarts.
func (r *Registry) CreateLocalInstance() (*Instance, error) {
	id, err := loadOrCreateInstanceID(r.cfg.DataDir)
	if err != nil {
		return nil, err
	}

	host := r.cfg.Host
	if host == "" {
		host = resolveLocalIP()
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:            id,
		Name:          r.cfg.Name,
		Host:          host,
		Port:          r.cfg.Port,
		Role:          r.cfg.Role,
		Status:        StatusOnline,
		Capabilities:  r.cfg.Capabilities,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	r.mu.Lock()
	r.local = inst
	r.instances[inst.ID] = inst
	r.mu.Unlock()

	r.persist()
	r.logger.Info().
		Str("instance_id", inst.ID).
		Str("addr", inst.Address()).
		Str("role", string(inst.Role)).
		Msg("local instance created")
	return inst.Clone(), nil
}

// Local returns a copy of the local instance, or nil before creation.
func (r *Registry) Local() *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.local == nil {
		return nil
	}
	return r.local.Clone()
}

// Register adds or refreshes a remote instance and reports whether it was
// new. Every call counts as a heartbeat for the registered instance.
func (r *Registry) Register(inst *Instance) bool {
	if inst == nil || inst.ID == "" {
		return false
	}

	entry := inst.Clone()
	entry.LastHeartbeat = time.Now().UTC()
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = entry.LastHeartbeat
	}
	if entry.Status == "" || entry.Status == StatusOffline {
		entry.Status = StatusOnline
	}

	r.mu.Lock()
	_, known := r.instances[entry.ID]
	r.instances[entry.ID] = entry
	cb := r.callbacks
	r.mu.Unlock()

	r.persist()

	if !known {
		r.logger.Info().Str("instance_id", entry.ID).Str("addr", entry.Address()).Msg("instance joined")
		r.fire(cb.OnJoined, entry)
	} else {
		r.fire(cb.OnUpdated, entry)
	}
	return !known
}

// Unregister removes an instance and reports whether it was known.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	entry, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	cb := r.callbacks
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.persist()
	r.logger.Info().Str("instance_id", id).Msg("instance unregistered")
	r.fire(cb.OnLeft, entry)
	return true
}

// Get returns a copy of one instance by id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// All returns known instances, filtering out stale ones unless
// includeOffline is set. Results are ordered by id for stable output.
func (r *Registry) All(includeOffline bool) []*Instance {
	now := time.Now().UTC()

	r.mu.RLock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if !includeOffline && !inst.IsAlive(now) {
			continue
		}
		out = append(out, inst.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByCapability returns alive instances advertising a named capability.
func (r *Registry) ByCapability(name string) []*Instance {
	all := r.All(false)
	out := make([]*Instance, 0, len(all))
	for _, inst := range all {
		if inst.Capabilities.Has(name) {
			out = append(out, inst)
		}
	}
	return out
}

// ByRole returns alive instances with a given role.
func (r *Registry) ByRole(role Role) []*Instance {
	all := r.All(false)
	out := make([]*Instance, 0, len(all))
	for _, inst := range all {
		if inst.Role == role {
			out = append(out, inst)
		}
	}
	return out
}

// AddSeedNode records a bootstrap address used only for discovery.
func (r *Registry) AddSeedNode(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	r.mu.Lock()
	for _, existing := range r.seeds {
		if existing == addr {
			r.mu.Unlock()
			return
		}
	}
	r.seeds = append(r.seeds, addr)
	r.mu.Unlock()
	r.persist()
}

// SeedNodes returns the configured bootstrap addresses.
func (r *Registry) SeedNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.seeds...)
}

// UpdateLocalState refreshes the local consciousness snapshot fields that
// heartbeats advertise to peers.
func (r *Registry) UpdateLocalState(status Status, memoryCount, learningSessions, dreamsCount int, mood string) error {
	r.mu.Lock()
	if r.local == nil {
		r.mu.Unlock()
		return ErrNoLocalInstance
	}
	if status != "" {
		r.local.Status = status
	}
	r.local.MemoryCount = memoryCount
	r.local.LearningSessions = learningSessions
	r.local.DreamsCount = dreamsCount
	r.local.CurrentMood = mood
	r.mu.Unlock()

	r.persist()
	return nil
}

// Start restores persisted remote instances, creates the local instance if
// the owner has not already, and launches the heartbeat and discovery loops.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.mu.Unlock()

	r.restore()

	r.mu.RLock()
	needLocal := r.local == nil
	r.mu.RUnlock()
	if needLocal {
		if _, err := r.CreateLocalInstance(); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(2)
	go r.heartbeatLoop(loopCtx)
	go r.discoveryLoop(loopCtx)
	return nil
}

// Stop cancels the background loops and waits for them to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

// fire invokes one callback with panic recovery.
func (r *Registry) fire(cb func(*Instance), inst *Instance) {
	if cb == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("instance_id", inst.ID).Msg("membership callback panicked")
		}
	}()
	cb(inst.Clone())
}

func (r *Registry) updateMetrics() {
	now := time.Now().UTC()
	r.mu.RLock()
	localID := ""
	if r.local != nil {
		localID = r.local.ID
	}
	alive, offline := 0, 0
	for _, inst := range r.instances {
		if inst.IsAlive(now) {
			alive++
		} else {
			offline++
		}
	}
	r.mu.RUnlock()
	observability.SetKnownInstances(localID, alive, offline)
}
