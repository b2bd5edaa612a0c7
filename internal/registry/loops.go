package registry

import (
	"context"
	"time"
)

// heartbeatLoop refreshes the local heartbeat and marks remote instances
// offline once their heartbeat falls outside the alive window. The left
// callback fires exactly once per offline transition.
func (r *Registry) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeatTick()
		}
	}
}

func (r *Registry) heartbeatTick() {
	now := time.Now().UTC()

	r.mu.Lock()
	if r.local != nil {
		r.local.LastHeartbeat = now
		if r.local.Status == StatusOffline {
			r.local.Status = StatusOnline
		}
	}
	localID := ""
	if r.local != nil {
		localID = r.local.ID
	}
	var expired []*Instance
	for id, inst := range r.instances {
		if id == localID {
			continue
		}
		if !inst.IsAlive(now) && inst.Status != StatusOffline {
			inst.Status = StatusOffline
			expired = append(expired, inst.Clone())
		}
	}
	cb := r.callbacks
	r.mu.Unlock()

	r.persist()
	r.updateMetrics()

	for _, inst := range expired {
		r.logger.Warn().
			Str("instance_id", inst.ID).
			Time("last_heartbeat", inst.LastHeartbeat).
			Msg("instance heartbeat expired")
		r.fire(cb.OnLeft, inst)
	}
}

// discoveryLoop asks each seed node for its known instances and registers
// any newcomers. Seed failures are logged and skipped; the loop never aborts.
func (r *Registry) discoveryLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.discoverTick(ctx)
		}
	}
}

func (r *Registry) discoverTick(ctx context.Context) {
	if r.discoverer == nil {
		return
	}

	seeds := r.SeedNodes()
	localID := ""
	if local := r.Local(); local != nil {
		localID = local.ID
	}

	for _, seed := range seeds {
		instances, err := r.discoverer.FetchInstances(ctx, seed)
		if err != nil {
			r.logger.Debug().Str("seed", seed).Err(err).Msg("seed discovery failed")
			continue
		}
		for _, inst := range instances {
			if inst == nil || inst.ID == "" || inst.ID == localID {
				continue
			}
			if _, known := r.Get(inst.ID); known {
				continue
			}
			r.Register(inst)
			r.logger.Info().
				Str("instance_id", inst.ID).
				Str("seed", seed).
				Msg("instance discovered via seed")
		}
	}
}
