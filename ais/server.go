package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/authcore/keycache"
	"github.com/meshrtc/authcore/ratelimit"
	"github.com/meshrtc/authcore/wire"
)

// maxAllocateBody bounds the binary request body.
const maxAllocateBody = 4096

// Server is the AIS HTTP surface: the binary allocate endpoint plus
// health and metrics.
type Server struct {
	issuer  *Issuer
	cache   *keycache.Cache
	limiter *ratelimit.MapLimiter
}

// NewServer wires the HTTP surface.
func NewServer(issuer *Issuer, cache *keycache.Cache, limiter *ratelimit.MapLimiter) *Server {
	return &Server{issuer: issuer, cache: cache, limiter: limiter}
}

// Mux builds the HTTP routes.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/allocate", s.handleAllocate)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.limiter.Allow(host, time.Now()) {
		log.Warn().Str("remote", host).Msg("Allocate throttled")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAllocateBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req, err := wire.DecodeAllocateRequest(body)
	if err != nil {
		http.Error(w, "malformed allocate request", http.StatusBadRequest)
		return
	}

	resp := s.issuer.Allocate(r.Context(), req)
	data, err := wire.EncodeAllocateResponse(resp)
	if err != nil {
		log.Error().Err(err).Msg("Response encoding failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// healthBody is the AIS health report.
type healthBody struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	ActiveKeyID  uint32 `json:"active_key_id,omitempty"`
	KeyExpiresIn int64  `json:"key_expires_in,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "healthy", Version: Version}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	key, err := s.cache.GetActive(ctx)
	status := http.StatusOK
	if err != nil {
		body.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		body.ActiveKeyID = key.KeyID
		if key.ExpiresAt > 0 {
			body.KeyExpiresIn = key.ExpiresAt - time.Now().Unix()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Serve runs the HTTP server until the context is cancelled, then
// drains in-flight requests with a grace deadline.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Mux()}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Identity service listening")
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
