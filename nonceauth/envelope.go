// Package nonceauth implements the shared-secret auth envelope used on
// every inter-service call: a fresh nonce, a timestamp, and an
// HMAC-SHA256 signature over a canonical string. Verification is
// stateful — a nonce store rejects replays inside the skew window.
package nonceauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/authcore/wire"
)

// DefaultSkewWindow is the permitted |now - envelope.timestamp|.
const DefaultSkewWindow = 300 * time.Second

// MinSecretLen is the minimum shared-secret length in bytes.
const MinSecretLen = 16

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("stale timestamp")
	ErrReplay           = errors.New("nonce replay")
	ErrSecretTooShort   = errors.New("shared secret too short")
)

// canonicalString builds the exact byte sequence both sides sign.
// The subject slot stays in place even when empty so the two sides
// cannot disagree on field boundaries.
func canonicalString(action, subject, nodeID string, timestamp int64, nonce string) string {
	return action + ":" + subject + ":" + nodeID + ":" + strconv.FormatInt(timestamp, 10) + ":" + nonce
}

func computeSignature(secret []byte, action, subject, nodeID string, timestamp int64, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalString(action, subject, nodeID, timestamp, nonce)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign produces an envelope for one call. The nonce is a fresh UUIDv4
// (122 bits of entropy) and is never reused.
func Sign(secret []byte, action, subject, nodeID string) (wire.Envelope, error) {
	if len(secret) < MinSecretLen {
		return wire.Envelope{}, ErrSecretTooShort
	}
	nonce := uuid.NewString()
	now := time.Now().Unix()
	return wire.Envelope{
		NodeID:    nodeID,
		Nonce:     nonce,
		Timestamp: now,
		Signature: computeSignature(secret, action, subject, nodeID, now, nonce),
	}, nil
}

// Verifier checks envelopes against a shared secret and a nonce store.
type Verifier struct {
	store      NonceStore
	skewWindow time.Duration
}

// NewVerifier creates a verifier with the given replay store. A zero
// skew window falls back to DefaultSkewWindow.
func NewVerifier(store NonceStore, skewWindow time.Duration) *Verifier {
	if skewWindow <= 0 {
		skewWindow = DefaultSkewWindow
	}
	return &Verifier{store: store, skewWindow: skewWindow}
}

// SkewWindow returns the configured clock-skew window.
func (v *Verifier) SkewWindow() time.Duration {
	return v.skewWindow
}

// Verify checks signature, freshness, and replay, in that order. Any
// failure is terminal for the request. The log line carries the kind
// only — never the secret or the full signature.
func (v *Verifier) Verify(secret []byte, env *wire.Envelope, action, subject string) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}

	expected := computeSignature(secret, action, subject, env.NodeID, env.Timestamp, env.Nonce)
	// hmac.Equal is constant-time against the computed digest.
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		log.Warn().
			Str("node_id", env.NodeID).
			Str("action", action).
			Msg("Envelope rejected: invalid signature")
		return ErrInvalidSignature
	}

	now := time.Now().Unix()
	skew := now - env.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > v.skewWindow {
		log.Warn().
			Str("node_id", env.NodeID).
			Str("action", action).
			Int64("skew_secs", skew).
			Msg("Envelope rejected: stale timestamp")
		return ErrStaleTimestamp
	}

	fresh, err := v.store.CheckAndRecord(env.Nonce, env.Timestamp)
	if err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	if !fresh {
		log.Warn().
			Str("node_id", env.NodeID).
			Str("action", action).
			Msg("Envelope rejected: nonce replay")
		return ErrReplay
	}

	return nil
}
