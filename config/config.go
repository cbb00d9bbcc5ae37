// Package config loads ~/.config/git-nostr settings shared by the helper
// binaries and the bridge/CLI support tools.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the knobs the resolver, dispatcher, and push pipeline read.
type Config struct {
	// Relays is the default relay set used when a nostr:// URL carries no
	// relay hint and no announcement has been fetched yet.
	Relays []string

	// DiscoveryTimeout bounds how long the resolver waits for an
	// announcement before returning NoAnnouncement.
	DiscoveryTimeout time.Duration

	// DispatchTimeout bounds a single git-server transport attempt.
	DispatchTimeout time.Duration

	// SSHKeyDefault names the default SSH key file when no nym1@ssh
	// selector is present in the URL.
	SSHKeyDefault string

	// PatchSizeThresholdBytes is the cumulative-diff cutover point between
	// emitting a patch event and a PR event.
	PatchSizeThresholdBytes int64

	// RepositoryDir is the root under which bridge-managed bare repos live.
	RepositoryDir string

	raw map[string]string
}

const defaultPatchThreshold = 130 * 1024

// LoadConfig reads key=value lines from <dir>/config, tilde-expanding dir
// first. Missing file yields defaults, not an error.
func LoadConfig(dir string) (*Config, error) {
	resolved, err := ResolvePath(dir)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Relays:                  []string{"wss://relay.damus.io", "wss://nos.lol"},
		DiscoveryTimeout:        10 * time.Second,
		DispatchTimeout:         20 * time.Second,
		PatchSizeThresholdBytes: defaultPatchThreshold,
		RepositoryDir:           filepath.Join(resolved, "repos"),
		raw:                     map[string]string{},
	}

	data, err := os.ReadFile(filepath.Join(resolved, "config"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		cfg.raw[k] = v
		switch k {
		case "relays":
			cfg.Relays = strings.Split(v, ",")
		case "discovery_timeout_seconds":
			if n, err := strconv.Atoi(v); err == nil {
				cfg.DiscoveryTimeout = time.Duration(n) * time.Second
			}
		case "dispatch_timeout_seconds":
			if n, err := strconv.Atoi(v); err == nil {
				cfg.DispatchTimeout = time.Duration(n) * time.Second
			}
		case "ssh_key_default":
			cfg.SSHKeyDefault = v
		case "patch_size_threshold_bytes":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				cfg.PatchSizeThresholdBytes = n
			}
		case "repository_dir":
			p, err := ResolvePath(v)
			if err == nil {
				cfg.RepositoryDir = p
			}
		}
	}

	return cfg, nil
}

// ResolvePath expands a leading ~ to the current user's home directory.
func ResolvePath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
	}
	return p, nil
}
