package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meshmind/meshmind/internal/config"
)

// localOverrides is the shape of the optional per-host override file. Only
// keys actually present in the file are applied over the base config.
type localOverrides struct {
	Name              string   `toml:"name"`
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	DataDir           string   `toml:"data_dir"`
	AuthToken         string   `toml:"auth_token"`
	SeedNodes         []string `toml:"seed_nodes"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	DiscoveryInterval string   `toml:"discovery_interval"`
}

func applyLocalOverrides(cfg config.DaemonConfig, path string) (config.DaemonConfig, error) {
	var raw localOverrides
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.DaemonConfig{}, fmt.Errorf("load override config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = raw.AuthToken
	}
	if meta.IsDefined("seed_nodes") {
		cfg.SeedNodes = normalizeSeedNodes(raw.SeedNodes)
	}
	if meta.IsDefined("heartbeat_interval") {
		if _, err := time.ParseDuration(raw.HeartbeatInterval); err != nil {
			return config.DaemonConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = raw.HeartbeatInterval
	}
	if meta.IsDefined("discovery_interval") {
		if _, err := time.ParseDuration(raw.DiscoveryInterval); err != nil {
			return config.DaemonConfig{}, fmt.Errorf("parse discovery_interval: %w", err)
		}
		cfg.DiscoveryInterval = raw.DiscoveryInterval
	}

	if err := config.ValidateDaemonConfig(cfg); err != nil {
		return config.DaemonConfig{}, err
	}
	return cfg, nil
}

func normalizeSeedNodes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, addr := range in {
		v := strings.TrimSpace(addr)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
