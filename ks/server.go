package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/authcore/keystore"
	"github.com/meshrtc/authcore/metrics"
	"github.com/meshrtc/authcore/nonceauth"
	"github.com/meshrtc/authcore/wire"
)

// role gates which verbs a node may call.
type role uint8

const (
	roleIssuer role = iota
	roleValidator
	roleAdmin
)

func parseRole(s string) (role, error) {
	switch s {
	case "issuer":
		return roleIssuer, nil
	case "validator":
		return roleValidator, nil
	case "admin", "":
		return roleAdmin, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

func (r role) permits(action string) bool {
	switch r {
	case roleAdmin:
		return true
	case roleIssuer:
		return action == "generate_key"
	case roleValidator:
		return action == "get_secret_key"
	default:
		return false
	}
}

type nodeCredential struct {
	secret []byte
	role   role
}

// Server is the Key Server: storage, envelope verification, and the
// HTTP surface.
type Server struct {
	store    *keystore.Store
	verifier *nonceauth.Verifier
	nodes    map[string]nodeCredential
}

// NewServer wires storage and auth.
func NewServer(store *keystore.Store, verifier *nonceauth.Verifier, nodes map[string]nodeCredential) *Server {
	return &Server{store: store, verifier: verifier, nodes: nodes}
}

// Mux builds the HTTP routes.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate_key", s.handleGenerateKey)
	mux.HandleFunc("/get_secret_key/", s.handleGetSecretKey)
	mux.HandleFunc("/get_public_key/", s.handleGetPublicKey)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, wire.ErrorBody{Error: message})
}

// authorize verifies the envelope and the caller's role for an action.
func (s *Server) authorize(env *wire.Envelope, action, subject string) (int, string) {
	cred, ok := s.nodes[env.NodeID]
	if !ok {
		// Unknown caller: indistinguishable from a bad signature.
		metrics.EnvelopeRejections.WithLabelValues("invalid_signature").Inc()
		return http.StatusUnauthorized, "invalid signature"
	}

	if err := s.verifier.Verify(cred.secret, env, action, subject); err != nil {
		switch {
		case errors.Is(err, nonceauth.ErrStaleTimestamp):
			metrics.EnvelopeRejections.WithLabelValues("stale_timestamp").Inc()
			return http.StatusUnauthorized, "stale timestamp"
		case errors.Is(err, nonceauth.ErrReplay):
			metrics.EnvelopeRejections.WithLabelValues("replay").Inc()
			return http.StatusUnauthorized, "nonce replay"
		case errors.Is(err, nonceauth.ErrInvalidSignature):
			metrics.EnvelopeRejections.WithLabelValues("invalid_signature").Inc()
			return http.StatusUnauthorized, "invalid signature"
		default:
			log.Error().Err(err).Msg("Envelope verification error")
			return http.StatusInternalServerError, "internal error"
		}
	}

	if !cred.role.permits(action) {
		log.Warn().Str("node_id", env.NodeID).Str("action", action).Msg("Role denied action")
		return http.StatusForbidden, "forbidden"
	}
	return http.StatusOK, ""
}

func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req wire.GenerateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.KsRequests.WithLabelValues("generate_key", "malformed").Inc()
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	if status, msg := s.authorize(&req.Envelope, "generate_key", ""); status != http.StatusOK {
		metrics.KsRequests.WithLabelValues("generate_key", "unauthorized").Inc()
		writeError(w, status, msg)
		return
	}

	rec, err := s.store.Generate()
	if err != nil {
		metrics.KsRequests.WithLabelValues("generate_key", "error").Inc()
		log.Error().Err(err).Msg("Key generation failed")
		writeError(w, http.StatusInternalServerError, "key generation failed")
		return
	}

	metrics.KsRequests.WithLabelValues("generate_key", "ok").Inc()
	metrics.KeysGenerated.Inc()
	writeJSON(w, http.StatusOK, wire.GenerateKeyResponse{
		KeyID:     rec.KeyID,
		PublicKey: base64.StdEncoding.EncodeToString(rec.PublicKey),
		ExpiresAt: rec.ExpiresAt,
	})
}

// envelopeFromRequest accepts the envelope as query parameters or as a
// JSON body, so GET callers do not need a payload.
func envelopeFromRequest(r *http.Request) (*wire.Envelope, error) {
	q := r.URL.Query()
	if q.Get("signature") != "" {
		ts, err := strconv.ParseInt(q.Get("timestamp"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp")
		}
		return &wire.Envelope{
			NodeID:    q.Get("node_id"),
			Nonce:     q.Get("nonce"),
			Timestamp: ts,
			Signature: q.Get("signature"),
		}, nil
	}

	var req wire.SecretKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("missing envelope")
	}
	return &req.Envelope, nil
}

func keyIDFromPath(path, prefix string) (uint32, error) {
	raw := strings.TrimPrefix(path, prefix)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad key id")
	}
	return uint32(id), nil
}

func (s *Server) handleGetSecretKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := keyIDFromPath(r.URL.Path, "/get_secret_key/")
	if err != nil {
		metrics.KsRequests.WithLabelValues("get_secret_key", "malformed").Inc()
		writeError(w, http.StatusBadRequest, "bad key id")
		return
	}
	subject := strconv.FormatUint(uint64(keyID), 10)

	env, err := envelopeFromRequest(r)
	if err != nil {
		metrics.KsRequests.WithLabelValues("get_secret_key", "malformed").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if status, msg := s.authorize(env, "get_secret_key", subject); status != http.StatusOK {
		metrics.KsRequests.WithLabelValues("get_secret_key", "unauthorized").Inc()
		writeError(w, status, msg)
		return
	}

	rec, err := s.store.GetSecretKey(keyID)
	if err != nil {
		switch {
		case errors.Is(err, keystore.ErrNotFound):
			metrics.KsRequests.WithLabelValues("get_secret_key", "not_found").Inc()
			// Generic wording; the key id only appears at debug level.
			log.Debug().Uint32("key_id", keyID).Msg("Secret key lookup missed")
			writeError(w, http.StatusNotFound, "no such key")
		case errors.Is(err, keystore.ErrExpired):
			metrics.KsRequests.WithLabelValues("get_secret_key", "expired").Inc()
			writeError(w, http.StatusGone, "key expired")
		default:
			metrics.KsRequests.WithLabelValues("get_secret_key", "error").Inc()
			log.Error().Err(err).Msg("Secret key lookup failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	metrics.KsRequests.WithLabelValues("get_secret_key", "ok").Inc()
	writeJSON(w, http.StatusOK, wire.SecretKeyResponse{
		KeyID:     rec.KeyID,
		SecretKey: base64.StdEncoding.EncodeToString(rec.SecretKey),
		ExpiresAt: rec.ExpiresAt,
	})
}

func (s *Server) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := keyIDFromPath(r.URL.Path, "/get_public_key/")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad key id")
		return
	}

	rec, err := s.store.GetPublicKey(keyID)
	if err != nil {
		switch {
		case errors.Is(err, keystore.ErrNotFound):
			metrics.KsRequests.WithLabelValues("get_public_key", "not_found").Inc()
			writeError(w, http.StatusNotFound, "no such key")
		default:
			metrics.KsRequests.WithLabelValues("get_public_key", "error").Inc()
			log.Error().Err(err).Msg("Public key lookup failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	metrics.KsRequests.WithLabelValues("get_public_key", "ok").Inc()
	writeJSON(w, http.StatusOK, wire.PublicKeyResponse{
		KeyID:     rec.KeyID,
		PublicKey: base64.StdEncoding.EncodeToString(rec.PublicKey),
		ExpiresAt: rec.ExpiresAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, wire.HealthResponse{Status: "unhealthy", Version: Version})
		return
	}
	writeJSON(w, http.StatusOK, wire.HealthResponse{
		Status:   "healthy",
		Version:  Version,
		KeyCount: count,
	})
}

// Serve runs the HTTP server until the context is cancelled, then
// drains in-flight requests with a grace deadline.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Mux()}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Key Server listening")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
