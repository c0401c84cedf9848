package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/meshrtc/authcore/ecies"
	"github.com/meshrtc/authcore/keystore"
	"github.com/meshrtc/authcore/ksclient"
	"github.com/meshrtc/authcore/nonceauth"
	"github.com/meshrtc/authcore/wire"
)

var (
	issuerSecret    = []byte("0123456789abcdef0123456789abcdef")
	validatorSecret = []byte("fedcba9876543210fedcba9876543210")
)

func newTestServer(t *testing.T) (*httptest.Server, *keystore.Store) {
	ts, store, _ := newTestServerWithPath(t)
	return ts, store
}

func newTestServerWithPath(t *testing.T) (*httptest.Server, *keystore.Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "keys.db")
	store, err := keystore.Open(dbPath, keystore.Options{KeyTTL: time.Hour})
	if err != nil {
		t.Fatalf("Failed to open keystore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	nodes := map[string]nodeCredential{
		"ais-1":  {secret: issuerSecret, role: roleIssuer},
		"turn-1": {secret: validatorSecret, role: roleValidator},
	}
	verifier := nonceauth.NewVerifier(nonceauth.NewMemoryNonceStore(), 300*time.Second)
	server := NewServer(store, verifier, nodes)

	ts := httptest.NewServer(server.Mux())
	t.Cleanup(ts.Close)
	return ts, store, dbPath
}

func issuerClient(t *testing.T, endpoint string) *ksclient.Client {
	t.Helper()
	c, err := ksclient.New(ksclient.Config{
		Endpoint:     endpoint,
		NodeID:       "ais-1",
		SharedSecret: issuerSecret,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func validatorClient(t *testing.T, endpoint string) *ksclient.Client {
	t.Helper()
	c, err := ksclient.New(ksclient.Config{
		Endpoint:     endpoint,
		NodeID:       "turn-1",
		SharedSecret: validatorSecret,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestGenerateAndFetchRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	issuer := issuerClient(t, ts.URL)
	generated, err := issuer.GenerateKey(ctx)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(generated.PublicKey) != ecies.CompressedPubKeySize {
		t.Fatalf("Expected 33-byte public key, got %d", len(generated.PublicKey))
	}

	// Public material is readable without an envelope.
	pub, err := issuer.GetPublicKey(ctx, generated.KeyID)
	if err != nil {
		t.Fatalf("GetPublicKey failed: %v", err)
	}
	if !bytes.Equal(pub.PublicKey, generated.PublicKey) {
		t.Fatal("Public key mismatch")
	}

	// The validator role fetches the secret half and the pair works
	// as an ECIES pair.
	validator := validatorClient(t, ts.URL)
	secret, err := validator.GetSecretKey(ctx, generated.KeyID)
	if err != nil {
		t.Fatalf("GetSecretKey failed: %v", err)
	}

	pubKey, _ := ecies.ParsePublicKey(generated.PublicKey)
	privKey, _ := ecies.ParseSecretKey(secret.SecretKey)
	blob, err := ecies.Encrypt(pubKey, []byte("end to end"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	out, err := ecies.Decrypt(privKey, blob)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(out) != "end to end" {
		t.Fatal("Round trip mismatch")
	}
}

func TestRoleDenial(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	// Validator may not generate keys.
	validator := validatorClient(t, ts.URL)
	if _, err := validator.GenerateKey(ctx); !errors.Is(err, ksclient.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}

	// Issuer may not fetch secrets.
	issuer := issuerClient(t, ts.URL)
	generated, err := issuer.GenerateKey(ctx)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if _, err := issuer.GetSecretKey(ctx, generated.KeyID); !errors.Is(err, ksclient.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestUnknownNodeRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	c, err := ksclient.New(ksclient.Config{
		Endpoint:     ts.URL,
		NodeID:       "rogue",
		SharedSecret: issuerSecret,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if _, err := c.GenerateKey(context.Background()); !errors.Is(err, ksclient.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestReplayRejectedAtBoundary(t *testing.T) {
	ts, _ := newTestServer(t)

	env, err := nonceauth.Sign(issuerSecret, "generate_key", "", "ais-1")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	body, _ := json.Marshal(wire.GenerateKeyRequest{Envelope: env})

	resp, err := http.Post(ts.URL+"/generate_key", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("First request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("First request should succeed, got %d", resp.StatusCode)
	}

	// Same envelope again: replay.
	resp, err = http.Post(ts.URL+"/generate_key", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Second request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Replay should return 401, got %d", resp.StatusCode)
	}
}

func TestStaleEnvelopeRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	env, _ := nonceauth.Sign(issuerSecret, "generate_key", "", "ais-1")
	env.Timestamp -= 400
	// Re-sign over the shifted timestamp so the signature check passes
	// and the rejection comes from the skew window.
	mac := hmac.New(sha256.New, issuerSecret)
	mac.Write([]byte("generate_key::" + env.NodeID + ":" + strconv.FormatInt(env.Timestamp, 10) + ":" + env.Nonce))
	env.Signature = hex.EncodeToString(mac.Sum(nil))
	body, _ := json.Marshal(wire.GenerateKeyRequest{Envelope: env})
	resp, err := http.Post(ts.URL+"/generate_key", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", resp.StatusCode)
	}
}

func TestNotFoundVersusExpired(t *testing.T) {
	ts, store, dbPath := newTestServerWithPath(t)
	ctx := context.Background()

	validator := validatorClient(t, ts.URL)

	// Missing key: 404.
	if _, err := validator.GetSecretKey(ctx, 9999); !errors.Is(err, ksclient.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	// Expired key: 410.
	rec, err := store.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	backdateKey(t, dbPath, rec.KeyID)
	if _, err := validator.GetSecretKey(ctx, rec.KeyID); !errors.Is(err, ksclient.ErrExpired) {
		t.Fatalf("Expected ErrExpired, got %v", err)
	}
}

func TestGetPublicKeyNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	issuer := issuerClient(t, ts.URL)
	if _, err := issuer.GetPublicKey(context.Background(), 12345); !errors.Is(err, ksclient.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	issuer := issuerClient(t, ts.URL)
	health, err := issuer.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Fatalf("Expected healthy, got %q", health.Status)
	}
	if health.KeyCount != 0 {
		t.Fatalf("Expected zero keys, got %d", health.KeyCount)
	}

	if _, err := issuer.GenerateKey(ctx); err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	health, _ = issuer.Health(ctx)
	if health.KeyCount != 1 {
		t.Fatalf("Expected one key, got %d", health.KeyCount)
	}
}

func TestMalformedRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	// Bad JSON body.
	resp, err := http.Post(ts.URL+"/generate_key", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}

	// Non-numeric key id.
	resp, err = http.Get(ts.URL + "/get_public_key/abc")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}

	// Wrong method on generate_key.
	resp, err = http.Get(ts.URL + "/generate_key")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.forbidNonExpiring() {
		t.Fatal("Non-expiring keys must be forbidden by default")
	}
	if cfg.MaxClockSkewSecs != 300 {
		t.Fatalf("Expected 300s default skew, got %d", cfg.MaxClockSkewSecs)
	}
}

func TestDecodeNodes(t *testing.T) {
	cfg := &Config{Nodes: []NodeAuth{
		{NodeID: "a", SharedSecret: "30313233343536373839616263646566", Role: "issuer"},
		{NodeID: "b", SharedSecret: "30313233343536373839616263646566", Role: "admin"},
	}}
	nodes, err := cfg.decodeNodes()
	if err != nil {
		t.Fatalf("decodeNodes failed: %v", err)
	}
	if !nodes["a"].role.permits("generate_key") || nodes["a"].role.permits("get_secret_key") {
		t.Fatal("Issuer role permissions wrong")
	}
	if !nodes["b"].role.permits("get_secret_key") {
		t.Fatal("Admin role should permit everything")
	}

	bad := &Config{Nodes: []NodeAuth{{NodeID: "c", SharedSecret: "zzzz", Role: "issuer"}}}
	if _, err := bad.decodeNodes(); err == nil {
		t.Fatal("Bad hex secret should fail")
	}
}

// backdateKey forces a key into the expired state via a second handle
// on the same database file.
func backdateKey(t *testing.T, dbPath string, keyID uint32) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to open keys database: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE keys SET expires_at = ? WHERE key_id = ?`,
		time.Now().Unix()-10, keyID); err != nil {
		t.Fatalf("Failed to backdate key: %v", err)
	}
}
