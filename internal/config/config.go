// Package config provides mqttrelay's process-level configuration: the
// wire listener address, upstream broker address, admin surface address,
// data directory, and encryption key. Configuration is loaded from a YAML
// file and may be overridden by MQTTRELAY_-prefixed environment variables.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Config is the top-level process configuration.
type Config struct {
	// ListenAddr is the address the Wire Listener binds, e.g. ":1883".
	ListenAddr string `yaml:"listen_addr"`

	// UpstreamAddr is the internal broker address the Upstream Driver and
	// every downstream session's reverse connection target.
	UpstreamAddr string `yaml:"upstream_addr"`

	// AdminAddr is the address the admin HTTP/WebSocket surface binds.
	AdminAddr string `yaml:"admin_addr"`

	// DataDir holds the BadgerDB broker store.
	DataDir string `yaml:"data_dir"`

	// SnapshotDir, if set, is a local directory (or "s3://bucket/prefix")
	// the broker store is exported to by the "snapshot export" command;
	// nothing exports it automatically.
	SnapshotDir string `yaml:"snapshot_dir"`

	// EncryptionKeyHex is the 64 hex-character (32 byte) AES-256 key used
	// to encrypt stored broker credentials.
	EncryptionKeyHex string `yaml:"encryption_key_hex"`
}

// Default returns the built-in defaults, used when no config file is
// supplied.
func Default() Config {
	return Config{
		ListenAddr:   ":1883",
		UpstreamAddr: "127.0.0.1:1884",
		AdminAddr:    ":8080",
		DataDir:      "./data",
	}
}

// Load reads a YAML config file from path (if non-empty) and then applies
// MQTTRELAY_-prefixed environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.EncryptionKeyHex == "" {
		return Config{}, fmt.Errorf("config: encryption_key_hex (or MQTTRELAY_ENCRYPTION_KEY_HEX) is required")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ListenAddr, "MQTTRELAY_LISTEN_ADDR")
	overrideString(&cfg.UpstreamAddr, "MQTTRELAY_UPSTREAM_ADDR")
	overrideString(&cfg.AdminAddr, "MQTTRELAY_ADMIN_ADDR")
	overrideString(&cfg.DataDir, "MQTTRELAY_DATA_DIR")
	overrideString(&cfg.SnapshotDir, "MQTTRELAY_SNAPSHOT_DIR")
	overrideString(&cfg.EncryptionKeyHex, "MQTTRELAY_ENCRYPTION_KEY_HEX")
}

func overrideString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}
