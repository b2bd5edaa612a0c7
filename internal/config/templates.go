package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes the starter daemon config to path. Existing files
// are preserved unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(daemonTemplate), 0o600)
}

const daemonTemplate = `name = "meshmind"
host = ""
port = 8420
data_dir = "data"
role = "peer"
cors_origins = ["http://localhost:3000"]
auth_token = ""

seed_nodes = []

heartbeat_interval = "15s"
discovery_interval = "30s"

[capabilities]
can_execute_code = false
can_browse_web = false
max_memory_mb = 1024
models = []

[sync]
default_policy = "newer_wins"
history_limit = 100
`
