package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshrtc/authcore/keystore"
	"github.com/meshrtc/authcore/ksclient"
)

// Config holds the TURN daemon configuration.
type Config struct {
	// Realm is the TURN realm string presented to clients.
	Realm string `yaml:"realm"`

	// IP and Port bind the UDP listener (3478 is the STUN/TURN port).
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`

	// RelayIP is the address relayed candidates are allocated on;
	// PublicIP overrides the address advertised to peers when the
	// relay sits behind NAT.
	RelayIP  string `yaml:"relay_ip"`
	PublicIP string `yaml:"public_ip"`

	// MinRelayPort and MaxRelayPort bound the relay port range.
	MinRelayPort int `yaml:"min_relay_port"`
	MaxRelayPort int `yaml:"max_relay_port"`

	// KeystorePath serves secrets from a local keystore (validator
	// inside the KS process). Empty switches to the remote KS client.
	KeystorePath string `yaml:"keystore_path"`
	// Kek must match the Key Server's setting when the local keystore
	// is encrypted at rest.
	Kek keystore.KekConfig `yaml:"kek"`

	// Remote KS client settings, used when KeystorePath is empty.
	KsEndpoint       string `yaml:"ks_endpoint"`
	KsTimeoutSeconds int64  `yaml:"ks_timeout_seconds"`
	NodeID           string `yaml:"node_id"`
	SharedSecret     string `yaml:"shared_secret"`

	// RealmDbPath enables realm-state validation of credentials.
	RealmDbPath string `yaml:"realm_db_path"`

	// AuthCacheCapacity bounds the derived-key LRU.
	AuthCacheCapacity int `yaml:"auth_cache_capacity"`

	// HealthPort serves /health and /metrics; 0 disables.
	HealthPort int `yaml:"health_port"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Realm:             "relay.meshrtc.org",
		IP:                "0.0.0.0",
		Port:              3478,
		RelayIP:           "127.0.0.1",
		MinRelayPort:      49152,
		MaxRelayPort:      65535,
		KsEndpoint:        "http://127.0.0.1:7400",
		KsTimeoutSeconds:  10,
		AuthCacheCapacity: 1000,
		HealthPort:        7420,
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

// ksClientConfig assembles the remote KS client settings.
func (c *Config) ksClientConfig() (ksclient.Config, error) {
	secret, err := hex.DecodeString(c.SharedSecret)
	if err != nil {
		return ksclient.Config{}, fmt.Errorf("invalid shared secret hex: %w", err)
	}
	return ksclient.Config{
		Endpoint:     c.KsEndpoint,
		NodeID:       c.NodeID,
		SharedSecret: secret,
		Timeout:      time.Duration(c.KsTimeoutSeconds) * time.Second,
	}, nil
}
