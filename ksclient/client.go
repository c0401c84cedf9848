// Package ksclient is the authenticated HTTP client for the Key
// Server. Every mutating or secret-bearing call carries a signed auth
// envelope; every received public key is held to the 33-byte
// compressed invariant before it is returned to the caller.
package ksclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshrtc/authcore/ecies"
	"github.com/meshrtc/authcore/nonceauth"
	"github.com/meshrtc/authcore/wire"
)

// DefaultTimeout bounds each outbound call.
const DefaultTimeout = 10 * time.Second

var (
	ErrUnauthorized  = errors.New("ks rejected the auth envelope")
	ErrNotFound      = errors.New("key not found")
	ErrExpired       = errors.New("key expired")
	ErrUnavailable   = errors.New("ks unavailable")
	ErrTimeout       = errors.New("ks call timed out")
	ErrSerialization = errors.New("ks returned a malformed key")
)

// Config identifies the client to the Key Server.
type Config struct {
	// Endpoint is the KS base URL, e.g. http://ks.internal:7400.
	Endpoint string `yaml:"endpoint"`
	// NodeID names this caller for access control.
	NodeID string `yaml:"node_id"`
	// SharedSecret authenticates this caller (>=16 bytes).
	SharedSecret []byte `yaml:"-"`
	// Timeout per call; zero means DefaultTimeout.
	Timeout time.Duration `yaml:"timeout"`
}

// Key is a key as seen by clients. SecretKey is set only by
// GetSecretKey.
type Key struct {
	KeyID     uint32
	PublicKey []byte
	SecretKey []byte
	ExpiresAt int64
}

// Client calls the Key Server.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a client. The shared secret length is validated here so
// misconfiguration fails at startup rather than on the first call.
func New(cfg Config) (*Client, error) {
	if len(cfg.SharedSecret) < nonceauth.MinSecretLen {
		return nil, nonceauth.ErrSecretTooShort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// mapTransportErr folds transport failures into the client taxonomy.
func mapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, err)
}

func mapStatus(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrExpired
	default:
		var eb wire.ErrorBody
		_ = json.Unmarshal(body, &eb)
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, eb.Error)
	}
}

// decodePublicKey decodes and validates a base64 public key. A
// non-33-byte key — e.g. an uncompressed 65-byte point from a broken
// server — is refused before anything stores or uses it.
func decodePublicKey(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", ErrSerialization)
	}
	if _, err := ecies.ParsePublicKey(raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSerialization, err)
	}
	return raw, nil
}

// GenerateKey asks KS for a fresh key pair and returns the public half.
func (c *Client) GenerateKey(ctx context.Context) (*Key, error) {
	env, err := nonceauth.Sign(c.cfg.SharedSecret, "generate_key", "", c.cfg.NodeID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(wire.GenerateKeyRequest{Envelope: env})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/generate_key", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus(resp.StatusCode, data)
	}

	var out wire.GenerateKeyResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: bad response body", ErrSerialization)
	}
	pub, err := decodePublicKey(out.PublicKey)
	if err != nil {
		return nil, err
	}

	log.Debug().Uint32("key_id", out.KeyID).Msg("Generated key via KS")
	return &Key{KeyID: out.KeyID, PublicKey: pub, ExpiresAt: out.ExpiresAt}, nil
}

// GetSecretKey fetches the secret scalar for a key id. The envelope
// travels as query parameters so the call stays a GET.
func (c *Client) GetSecretKey(ctx context.Context, keyID uint32) (*Key, error) {
	subject := strconv.FormatUint(uint64(keyID), 10)
	env, err := nonceauth.Sign(c.cfg.SharedSecret, "get_secret_key", subject, c.cfg.NodeID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	u := fmt.Sprintf("%s/get_secret_key/%s?%s", c.cfg.Endpoint, subject, envelopeQuery(env))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus(resp.StatusCode, data)
	}

	var out wire.SecretKeyResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: bad response body", ErrSerialization)
	}
	secret, err := base64.StdEncoding.DecodeString(out.SecretKey)
	if err != nil || len(secret) != ecies.SecretKeySize {
		return nil, fmt.Errorf("%w: bad secret key", ErrSerialization)
	}

	return &Key{KeyID: out.KeyID, SecretKey: secret, ExpiresAt: out.ExpiresAt}, nil
}

// GetPublicKey fetches public material; no envelope required.
func (c *Client) GetPublicKey(ctx context.Context, keyID uint32) (*Key, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	u := fmt.Sprintf("%s/get_public_key/%d", c.cfg.Endpoint, keyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus(resp.StatusCode, data)
	}

	var out wire.PublicKeyResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: bad response body", ErrSerialization)
	}
	pub, err := decodePublicKey(out.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Key{KeyID: out.KeyID, PublicKey: pub, ExpiresAt: out.ExpiresAt}, nil
}

// Health checks KS liveness.
func (c *Client) Health(ctx context.Context) (*wire.HealthResponse, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus(resp.StatusCode, data)
	}

	var out wire.HealthResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: bad response body", ErrSerialization)
	}
	return &out, nil
}

// envelopeQuery encodes an envelope as query parameters.
func envelopeQuery(env wire.Envelope) string {
	q := url.Values{}
	q.Set("node_id", env.NodeID)
	q.Set("nonce", env.Nonce)
	q.Set("timestamp", strconv.FormatInt(env.Timestamp, 10))
	q.Set("signature", env.Signature)
	return q.Encode()
}
