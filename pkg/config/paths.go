package config

import (
	"fmt"
	"os"
	"path/filepath"

	"foreman/pkg/protocol"
)

// Paths holds all resolved foreman state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home       string // ~/.foreman or FOREMAN_HOME
	SocketPath string // foreman.sock or FOREMAN_SOCKET_PATH
	DBPath     string // state.db or FOREMAN_DB_PATH
	PIDPath    string // foreman.pid (respects FOREMAN_HOME)
	ConfigYAML string // config.yaml (respects FOREMAN_HOME)
	ConfigTOML string // config.toml (respects FOREMAN_HOME)
}

// ResolvePaths returns all foreman paths, respecting env var overrides.
// Environment variables:
//   - FOREMAN_HOME: base directory for all foreman state (default: ~/.foreman)
//   - FOREMAN_SOCKET_PATH: server UDS socket (default: $FOREMAN_HOME/foreman.sock)
//   - FOREMAN_DB_PATH: session database (default: $FOREMAN_HOME/state.db)
//
// If FOREMAN_HOME is set, it becomes the base for all default paths.
// Specific env vars override both the default and the FOREMAN_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:       home,
		SocketPath: resolvePathWithEnv("FOREMAN_SOCKET_PATH", home, "foreman.sock"),
		DBPath:     resolvePathWithEnv("FOREMAN_DB_PATH", home, "state.db"),
		PIDPath:    filepath.Join(home, "foreman.pid"),
		ConfigYAML: filepath.Join(home, "config.yaml"),
		ConfigTOML: filepath.Join(home, "config.toml"),
	}, nil
}

// resolveHome returns the foreman home directory from FOREMAN_HOME or ~/.foreman.
func resolveHome() (string, error) {
	if v := os.Getenv("FOREMAN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.ForemanDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
