package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshmind/meshmind/internal/api"
	"github.com/meshmind/meshmind/internal/auth"
	"github.com/meshmind/meshmind/internal/config"
	"github.com/meshmind/meshmind/internal/memstore"
	"github.com/meshmind/meshmind/internal/memsync"
	"github.com/meshmind/meshmind/internal/mesh"
	"github.com/meshmind/meshmind/internal/registry"
	"github.com/meshmind/meshmind/internal/transport"
)

// daemon owns the wired component graph for one instance.
type daemon struct {
	cfg      config.DaemonConfig
	registry *registry.Registry
	protocol *memsync.Protocol
	network  *mesh.Network
	server   *api.Server
}

func newDaemon(cfg config.DaemonConfig) (*daemon, error) {
	client := transport.NewClient(transport.Config{Token: cfg.AuthToken})

	reg := registry.NewRegistry(registry.Config{
		DataDir:           cfg.DataDir,
		Name:              cfg.Name,
		Host:              cfg.Host,
		Port:              cfg.Port,
		Role:              registry.Role(cfg.Role),
		Capabilities:      cfg.RegistryCapabilities(),
		HeartbeatInterval: cfg.Heartbeat(),
		DiscoveryInterval: cfg.Discovery(),
	}, client)
	for _, addr := range cfg.SeedNodes {
		reg.AddSeedNode(addr)
	}

	local, err := reg.CreateLocalInstance()
	if err != nil {
		return nil, fmt.Errorf("create local instance: %w", err)
	}

	proto := memsync.NewProtocol(memsync.Config{
		DataDir:       cfg.DataDir,
		InstanceID:    local.ID,
		DefaultPolicy: memsync.Policy(cfg.Sync.DefaultPolicy),
		HistoryLimit:  cfg.Sync.HistoryLimit,
	}, client)
	stores, err := memstore.OpenAll(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open memory stores: %w", err)
	}
	for typ, store := range stores {
		if err := proto.RegisterStore(typ, store); err != nil {
			return nil, err
		}
	}

	network := mesh.NewNetwork(mesh.Config{
		InstanceID:   local.ID,
		InstanceName: cfg.Name,
	}, client)

	var validator auth.Validator
	if cfg.AuthToken != "" {
		validator = auth.StaticToken{Token: cfg.AuthToken}
	}
	server := api.NewServer(api.Config{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		InstanceID:  local.ID,
		CORSOrigins: cfg.CorsOrigins,
	}, api.Deps{
		Registry:  reg,
		Sync:      proto,
		Mesh:      network,
		Validator: validator,
	})

	d := &daemon{
		cfg:      cfg,
		registry: reg,
		protocol: proto,
		network:  network,
		server:   server,
	}
	d.wireRegistryCallbacks()
	d.wireMeshHandlers()
	return d, nil
}

// wireRegistryCallbacks keeps mesh connections tracking registry membership:
// discovered instances get a connection attempt, departed ones are dropped.
func (d *daemon) wireRegistryCallbacks() {
	d.registry.SetCallbacks(registry.Callbacks{
		OnJoined: func(inst *registry.Instance) {
			go d.network.ConnectPeer(context.Background(), inst.ID, inst.Name, inst.Address())
		},
		OnLeft: func(inst *registry.Instance) {
			d.network.DisconnectPeer(inst.ID)
		},
	})
}

func (d *daemon) wireMeshHandlers() {
	d.network.RegisterHandler(mesh.TypeAnnouncement, d.handleAnnouncement)
	d.network.RegisterHandler(mesh.TypeSyncRequest, d.handleSyncRequest)
}

// handleAnnouncement connects to peers a neighbor announced that we do not
// know yet. The registry learns them on its next discovery pass.
func (d *daemon) handleAnnouncement(ctx context.Context, msg *mesh.Message) error {
	raw, ok := msg.Payload["peers"].([]any)
	if !ok {
		return nil
	}
	for _, entry := range raw {
		peer, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id, _ := peer["id"].(string)
		name, _ := peer["name"].(string)
		addr, _ := peer["address"].(string)
		if id == "" || addr == "" {
			continue
		}
		if _, known := d.network.Peer(id); known {
			continue
		}
		go d.network.ConnectPeer(context.Background(), id, name, addr)
	}
	return nil
}

// handleSyncRequest runs a sync against the requesting instance for the
// types it asked for. The requester must be known to the registry.
func (d *daemon) handleSyncRequest(ctx context.Context, msg *mesh.Message) error {
	inst, ok := d.registry.Get(msg.SourceID)
	if !ok {
		return fmt.Errorf("sync request from unknown instance %q", msg.SourceID)
	}

	var types []memsync.MemoryType
	if raw, ok := msg.Payload["types"].([]any); ok {
		for _, entry := range raw {
			if name, ok := entry.(string); ok && memsync.MemoryType(name).Valid() {
				types = append(types, memsync.MemoryType(name))
			}
		}
	}

	go func() {
		result := d.protocol.SyncWithPeer(context.Background(), inst.Address(), memsync.ModeBidirectional, types, "")
		log.Info().
			Str("peer", inst.Address()).
			Bool("success", result.Success).
			Int("sent", result.RecordsSent).
			Int("received", result.RecordsReceived).
			Msg("requested sync finished")
	}()
	return nil
}

// run starts every component, blocks until the context is cancelled, then
// shuts down in reverse order.
func (d *daemon) run(ctx context.Context) error {
	if err := d.registry.Start(ctx); err != nil {
		return err
	}
	if err := d.protocol.Start(ctx); err != nil {
		return err
	}
	if err := d.network.Start(ctx); err != nil {
		return err
	}
	d.server.Start()

	local := d.registry.Local()
	log.Info().
		Str("instance_id", local.ID).
		Str("addr", local.Address()).
		Str("role", string(local.Role)).
		Int("seed_nodes", len(d.cfg.SeedNodes)).
		Msg("meshmindd ready")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown incomplete")
	}
	d.network.Stop()
	d.registry.Stop()
	return nil
}
