package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const identityFile = "instance.id"

// loadOrCreateInstanceID returns the persisted instance id, generating and
// persisting one on first run. The id is derived from host identity so a
// wiped data dir on the same machine regenerates the same id.
func loadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, identityFile)
	if raw, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(raw))
		if id != "" {
			return id, nil
		}
	}

	id := deriveInstanceID()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

func deriveInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	seed := hostname + ":" + machineFingerprint()
	sum := sha256.Sum256([]byte(seed))
	return "mind-" + hex.EncodeToString(sum[:])[:16]
}

// machineFingerprint prefers the kernel machine id, falling back to the
// home directory so the derivation still yields something stable.
func machineFingerprint() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if raw, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(raw)); id != "" {
				return id
			}
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "unknown-machine"
}

// resolveLocalIP discovers the outbound interface address without sending
// any traffic. Falls back to loopback when the host is offline.
func resolveLocalIP() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
