// Package main implements the TURN relay daemon: pion/turn with the
// credential-based authenticator on the long-term-credential path.
// STUN binding requests are answered by the same listener.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/pion/turn/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/authcore/keystore"
	"github.com/meshrtc/authcore/ksclient"
	"github.com/meshrtc/authcore/realms"
	"github.com/meshrtc/authcore/turnauth"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/authcore/turnd.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Str("service", "turnd").
		Logger()
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().
		Str("version", Version).
		Str("realm", cfg.Realm).
		Msg("TURN daemon starting")

	// Secret source: local keystore or authenticated KS RPC.
	var secrets turnauth.SecretSource
	if cfg.KeystorePath != "" {
		encryptor, err := keystore.EncryptorFromConfig(cfg.Kek)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize key encryptor")
		}
		store, err := keystore.Open(cfg.KeystorePath, keystore.Options{Encryptor: encryptor})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open keystore")
		}
		defer store.Close()
		secrets = &turnauth.StoreSource{Store: store}
		log.Info().Str("path", cfg.KeystorePath).Msg("Serving secrets from local keystore")
	} else {
		ksCfg, err := cfg.ksClientConfig()
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid KS client configuration")
		}
		client, err := ksclient.New(ksCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create KS client")
		}
		secrets = &turnauth.ClientSource{Client: client}
		log.Info().Str("endpoint", cfg.KsEndpoint).Msg("Fetching secrets from KS")
	}

	// Optional realm-state gate.
	var realmValidator turnauth.RealmValidator
	if cfg.RealmDbPath != "" {
		realmStore, err := realms.Open(cfg.RealmDbPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open realm store")
		}
		defer realmStore.Close()
		realmValidator = realmStore
	}

	authenticator := turnauth.New(secrets, realmValidator, turnauth.Options{
		CacheCapacity: cfg.AuthCacheCapacity,
	})

	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("%s:%d", cfg.IP, cfg.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bind UDP listener")
	}

	relayIP := net.ParseIP(cfg.RelayIP)
	if relayIP == nil {
		log.Fatal().Str("relay_ip", cfg.RelayIP).Msg("Invalid relay IP")
	}
	advertisedIP := relayIP
	if cfg.PublicIP != "" {
		advertisedIP = net.ParseIP(cfg.PublicIP)
		if advertisedIP == nil {
			log.Fatal().Str("public_ip", cfg.PublicIP).Msg("Invalid public IP")
		}
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm:         cfg.Realm,
		AuthHandler:   authenticator.Handler(),
		LoggerFactory: logging.NewDefaultLoggerFactory(),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorPortRange{
					RelayAddress: advertisedIP,
					Address:      relayIP.String(),
					MinPort:      uint16(cfg.MinRelayPort),
					MaxPort:      uint16(cfg.MaxRelayPort),
				},
			},
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start TURN server")
	}

	log.Info().
		Str("addr", udpListener.LocalAddr().String()).
		Str("relay_ip", cfg.RelayIP).
		Msg("TURN daemon listening")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.HealthPort > 0 {
		go serveHealth(ctx, cfg.HealthPort, authenticator)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancel()

	// Stop accepting and drain; UDP gets a short grace window.
	done := make(chan struct{})
	go func() {
		server.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("TURN shutdown grace deadline exceeded")
	}

	log.Info().Msg("TURN daemon shutdown complete")
}

// serveHealth exposes liveness, cache stats and metrics.
func serveHealth(ctx context.Context, port int, auth *turnauth.Authenticator) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		size, capacity := auth.CacheStats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "healthy",
			"version":        Version,
			"cache_size":     size,
			"cache_capacity": capacity,
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", port).Msg("Health server listening")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health server error")
	}
}
