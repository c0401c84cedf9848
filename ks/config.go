package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meshrtc/authcore/keystore"
)

// Config holds the Key Server configuration.
type Config struct {
	// IP and Port bind the HTTP listener.
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`

	// DatabasePath holds the keys table; NonceDbPath the replay ledger.
	DatabasePath string `yaml:"database_path"`
	NonceDbPath  string `yaml:"nonce_db_path"`

	// KeyTTLSeconds is applied to generated keys; 0 requests
	// non-expiring keys and is rejected unless ForbidNonExpiring is
	// turned off.
	KeyTTLSeconds     int64 `yaml:"key_ttl_seconds"`
	ForbidNonExpiring *bool `yaml:"forbid_non_expiring"`

	// MaxClockSkewSecs is the auth envelope freshness window.
	MaxClockSkewSecs int64 `yaml:"max_clock_skew_secs"`

	// SweepIntervalSecs is the cadence of the expired-key sweeper and
	// the nonce purger.
	SweepIntervalSecs int64 `yaml:"sweep_interval_secs"`

	// Kek optionally encrypts secret keys at rest.
	Kek keystore.KekConfig `yaml:"kek"`

	// Nodes authorizes callers: node id, hex shared secret, role.
	Nodes []NodeAuth `yaml:"nodes"`
}

// NodeAuth authorizes one caller.
type NodeAuth struct {
	NodeID string `yaml:"node_id"`
	// SharedSecret is hex-encoded, >=16 bytes decoded.
	SharedSecret string `yaml:"shared_secret"`
	// Role: issuer (generate_key), validator (get_secret_key), or
	// admin (both).
	Role string `yaml:"role"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	forbid := true
	return &Config{
		IP:                "0.0.0.0",
		Port:              7400,
		DatabasePath:      "/var/lib/authcore/ks_keys.db",
		NonceDbPath:       "/var/lib/authcore/ks_nonce.db",
		KeyTTLSeconds:     3600,
		ForbidNonExpiring: &forbid,
		MaxClockSkewSecs:  300,
		SweepIntervalSecs: 60,
	}
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file is absent.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// forbidNonExpiring resolves the tri-state flag (default true).
func (c *Config) forbidNonExpiring() bool {
	if c.ForbidNonExpiring == nil {
		return true
	}
	return *c.ForbidNonExpiring
}

// decodeNodes turns the config entries into the auth table.
func (c *Config) decodeNodes() (map[string]nodeCredential, error) {
	nodes := make(map[string]nodeCredential, len(c.Nodes))
	for _, n := range c.Nodes {
		secret, err := hex.DecodeString(n.SharedSecret)
		if err != nil {
			return nil, fmt.Errorf("node %s: invalid shared secret hex: %w", n.NodeID, err)
		}
		role, err := parseRole(n.Role)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.NodeID, err)
		}
		nodes[n.NodeID] = nodeCredential{secret: secret, role: role}
	}
	return nodes, nil
}
