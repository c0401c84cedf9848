// Package main implements the Actor Identity Service: it allocates
// globally-unique actor ids and issues ECIES-sealed credentials with a
// per-actor pre-shared key.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/authcore/aid"
	"github.com/meshrtc/authcore/keycache"
	"github.com/meshrtc/authcore/ksclient"
	"github.com/meshrtc/authcore/ratelimit"
	"github.com/meshrtc/authcore/realms"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/authcore/ais.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Str("service", "ais").
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
		Str("config", *configPath).
		Msg("Identity service starting")

	ksCfg, err := cfg.ksClientConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid KS client configuration")
	}
	ks, err := ksclient.New(ksCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create KS client")
	}

	cache, err := keycache.Open(cfg.KeyCacheDbPath, ks, keycache.Options{
		RefreshInterval: time.Duration(cfg.RefreshIntervalSecs) * time.Second,
		PreExpiryWindow: time.Duration(cfg.PreExpiryWindowSecs) * time.Second,
		Tolerance:       time.Duration(cfg.ToleranceSecs) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open key cache")
	}
	defer cache.Close()

	realmStore, err := realms.Open(cfg.RealmDbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open realm store")
	}
	defer realmStore.Close()

	var allocator *aid.SerialAllocator
	if cfg.WorkerID >= 0 {
		allocator = aid.NewSerialAllocator(uint64(cfg.WorkerID))
	} else {
		allocator = aid.NewSerialAllocatorFromHost()
	}
	log.Info().Uint64("worker_id", allocator.WorkerID()).Msg("Serial allocator initialized")

	issuer := NewIssuer(realmStore, cache, allocator, IssuerOptions{
		TokenTTL:              time.Duration(cfg.TokenTTLSeconds) * time.Second,
		HeartbeatIntervalSecs: cfg.SignalingHeartbeatIntervalSecs,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	// Warm the cache before serving; a cold start with KS down is a
	// hard failure only when the persistent cache is empty too.
	if _, err := cache.GetActive(ctx); err != nil {
		log.Fatal().Err(err).Msg("No sealing key available at startup")
	}

	go cache.RunRefresher(ctx)
	if cfg.EnablePeriodicRotation {
		go issuer.RunRotation(ctx,
			10*time.Minute,
			time.Duration(cfg.KeyRotationIntervalSecs)*time.Second)
	}

	bus, err := NewBusTransport(cfg.NATS, issuer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to signaling bus")
	}
	if bus != nil {
		if err := bus.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to serve on signaling bus")
		}
		defer bus.Close()
	}

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)
	server := NewServer(issuer, cache, limiter)

	addr := fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)
	if err := server.Serve(ctx, addr); err != nil {
		log.Fatal().Err(err).Msg("Identity service error")
	}

	log.Info().Msg("Identity service shutdown complete")
}
