package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshrtc/authcore/ksclient"
)

// Config holds the Actor Identity Service configuration.
type Config struct {
	// IP and Port bind the HTTP listener.
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`

	// RealmDbPath holds the realm/ACL tables; KeyCacheDbPath the
	// public-key mirror.
	RealmDbPath    string `yaml:"realm_db_path"`
	KeyCacheDbPath string `yaml:"key_cache_db_path"`

	// KS client settings.
	KsEndpoint       string `yaml:"ks_endpoint"`
	KsTimeoutSeconds int64  `yaml:"ks_timeout_seconds"`
	// NodeID and SharedSecret (hex) authenticate this service to KS.
	NodeID       string `yaml:"node_id"`
	SharedSecret string `yaml:"shared_secret"`

	// TokenTTLSeconds bounds issued credentials.
	TokenTTLSeconds int64 `yaml:"token_ttl_seconds"`
	// SignalingHeartbeatIntervalSecs is handed to clients; a realm
	// config row overrides it.
	SignalingHeartbeatIntervalSecs uint32 `yaml:"signaling_heartbeat_interval_secs"`

	// WorkerID fixes the snowflake worker slot; -1 derives it from
	// hostname and pid.
	WorkerID int64 `yaml:"worker_id"`

	// Key cache windows (seconds); zero takes package defaults.
	RefreshIntervalSecs int64 `yaml:"refresh_interval_secs"`
	PreExpiryWindowSecs int64 `yaml:"pre_expiry_window_secs"`
	ToleranceSecs       int64 `yaml:"tolerance_secs"`

	// EnablePeriodicRotation rotates the sealing key on age even when
	// it is not near expiry.
	EnablePeriodicRotation  bool  `yaml:"enable_periodic_rotation"`
	KeyRotationIntervalSecs int64 `yaml:"key_rotation_interval_secs"`

	// Rate limiting on allocate, per remote address.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// NATS carries allocate on the signaling bus when configured.
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig holds signaling-bus connection settings.
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	Subject         string `yaml:"subject"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		IP:                             "0.0.0.0",
		Port:                           7410,
		RealmDbPath:                    "/var/lib/authcore/ais_realm.db",
		KeyCacheDbPath:                 "/var/lib/authcore/ais_keys.db",
		KsEndpoint:                     "http://127.0.0.1:7400",
		KsTimeoutSeconds:               10,
		TokenTTLSeconds:                3600,
		SignalingHeartbeatIntervalSecs: 30,
		WorkerID:                       -1,
		KeyRotationIntervalSecs:        86400,
		RateLimitRPS:                   20,
		RateLimitBurst:                 40,
		NATS: NATSConfig{
			ReconnectWait: 2000,
			MaxReconnects: -1,
			Subject:       "ais.allocate",
		},
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

// ksClientConfig assembles the KS client settings.
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
