// Package config loads the daemon's TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/meshmind/meshmind/internal/memsync"
	"github.com/meshmind/meshmind/internal/registry"
)

type DaemonConfig struct {
	Name        string   `toml:"name"`
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	DataDir     string   `toml:"data_dir"`
	Role        string   `toml:"role"`
	CorsOrigins []string `toml:"cors_origins"`
	AuthToken   string   `toml:"auth_token"`

	SeedNodes []string `toml:"seed_nodes"`

	HeartbeatInterval string `toml:"heartbeat_interval"`
	DiscoveryInterval string `toml:"discovery_interval"`

	Capabilities CapabilitiesConfig `toml:"capabilities"`
	Sync         SyncConfig         `toml:"sync"`
}

type CapabilitiesConfig struct {
	CanExecuteCode bool     `toml:"can_execute_code"`
	CanBrowseWeb   bool     `toml:"can_browse_web"`
	MaxMemoryMB    int      `toml:"max_memory_mb"`
	Models         []string `toml:"models"`
}

type SyncConfig struct {
	DefaultPolicy string `toml:"default_policy"`
	HistoryLimit  int    `toml:"history_limit"`
}

func LoadDaemonConfig(path string) (DaemonConfig, error) {
	var cfg DaemonConfig
	if err := loadToml(path, &cfg); err != nil {
		return DaemonConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "meshmind"
	}
	if cfg.Port == 0 {
		cfg.Port = 8420
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Role == "" {
		cfg.Role = string(registry.RolePeer)
	}
	if cfg.Sync.DefaultPolicy == "" {
		cfg.Sync.DefaultPolicy = string(memsync.NewerWins)
	}
	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("daemon config missing name")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("daemon config port out of range: %d", cfg.Port)
	}
	if !registry.Role(cfg.Role).Valid() {
		return fmt.Errorf("daemon config invalid role: %q", cfg.Role)
	}
	if !memsync.Policy(cfg.Sync.DefaultPolicy).Valid() {
		return fmt.Errorf("daemon config invalid sync policy: %q", cfg.Sync.DefaultPolicy)
	}
	for _, field := range []struct{ name, value string }{
		{"heartbeat_interval", cfg.HeartbeatInterval},
		{"discovery_interval", cfg.DiscoveryInterval},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("daemon config invalid %s: %w", field.name, err)
		}
	}
	for i, addr := range cfg.SeedNodes {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("seed_nodes[%d] is empty", i)
		}
	}
	return nil
}

// Heartbeat returns the parsed heartbeat interval, zero when unset.
// Validate guarantees parseability.
func (c DaemonConfig) Heartbeat() time.Duration {
	return parseDuration(c.HeartbeatInterval)
}

// Discovery returns the parsed discovery interval, zero when unset.
func (c DaemonConfig) Discovery() time.Duration {
	return parseDuration(c.DiscoveryInterval)
}

// RegistryCapabilities converts the TOML shape into the registry's.
func (c DaemonConfig) RegistryCapabilities() registry.Capabilities {
	return registry.Capabilities{
		CanExecuteCode: c.Capabilities.CanExecuteCode,
		CanBrowseWeb:   c.Capabilities.CanBrowseWeb,
		MaxMemoryMB:    c.Capabilities.MaxMemoryMB,
		Models:         c.Capabilities.Models,
	}
}

func parseDuration(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
