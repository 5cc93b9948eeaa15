// Package config loads the agency's on-disk configuration. A YAML file
// supplies the backend wiring, data directory, snapshot threshold, and
// host-agent policy; env.go layers the standalone spawner's
// FEAT_<GROUP>_<KEY> environment variables on top, the way
// arkeep/server/cmd/server/main.go layers ARKEEP_* env vars on top of its
// cobra flag defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/featgo/agency/internal/journal"
)

// MessagingConfig describes how to reach the messaging backend.
type MessagingConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// DatabaseConfig describes how to reach the document database.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// ManholeConfig describes the optional debug-shell listener.
type ManholeConfig struct {
	PublicKey      string `yaml:"public_key"`
	PrivateKey     string `yaml:"private_key"`
	AuthorizedKeys string `yaml:"authorized_keys"`
}

// AgencyProcessConfig describes this process's own filesystem layout and
// host-agent restart policy (distinct from internal/agency.Config, which
// is the in-process wiring derived from this after Load).
type AgencyProcessConfig struct {
	Journal          string `yaml:"journal"`
	SocketPath       string `yaml:"socket_path"`
	RunDir           string `yaml:"rundir"`
	LogDir           string `yaml:"logdir"`
	Daemonize        bool   `yaml:"daemonize"`
	ForceHostRestart bool   `yaml:"force_host_restart"`
}

// GatewayConfig describes the optional TLS/PKCS12-fronted gateway.
type GatewayConfig struct {
	P12      string `yaml:"p12"`
	AllowTCP bool   `yaml:"allow_tcp"`
}

// TunnelConfig describes whether this process may spawn subordinate
// agencies behind an SSH tunnel.
type TunnelConfig struct {
	EnableSpawningSlave bool `yaml:"enable_spawning_slave"`
}

// Config is the agency process's full configuration.
type Config struct {
	DataDir           string `yaml:"data_dir"`
	LogLevel          string `yaml:"log_level"`
	SnapshotThreshold int    `yaml:"snapshot_threshold"`

	Messaging MessagingConfig     `yaml:"messaging"`
	Database  DatabaseConfig      `yaml:"database"`
	Manhole   ManholeConfig       `yaml:"manhole"`
	Agency    AgencyProcessConfig `yaml:"agency"`
	Gateway   GatewayConfig       `yaml:"gateway"`
	Tunnel    TunnelConfig        `yaml:"tunnel"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		DataDir:           "./data",
		LogLevel:          "info",
		SnapshotThreshold: journal.SnapshotThreshold,
		Agency: AgencyProcessConfig{
			RunDir: "./run",
			LogDir: "./log",
		},
	}
}

// Load reads and parses a YAML configuration file at path, starting from
// Default() so fields the file omits keep their defaults. A missing file
// is not an error — file-based configuration is optional, matching the
// pack's own yaml.v3 loaders (StricklySoft-stricklysoft-core's
// pkg/config/loader.go treats a missing file the same way).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}
