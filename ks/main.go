// Package main implements the Key Server: it generates and dispenses
// secp256k1 key pairs addressed by small integer ids, behind the
// replay-resistant auth envelope.
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

	"github.com/meshrtc/authcore/keystore"
	"github.com/meshrtc/authcore/nonceauth"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/authcore/ks.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Str("service", "ks").
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
		Msg("Key Server starting")

	nodes, err := cfg.decodeNodes()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid node auth configuration")
	}
	if len(nodes) == 0 {
		log.Fatal().Msg("No authorized nodes configured")
	}

	encryptor, err := keystore.EncryptorFromConfig(cfg.Kek)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize key encryptor")
	}

	store, err := keystore.Open(cfg.DatabasePath, keystore.Options{
		KeyTTL:            time.Duration(cfg.KeyTTLSeconds) * time.Second,
		ForbidNonExpiring: cfg.forbidNonExpiring(),
		Encryptor:         encryptor,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open key store")
	}
	defer store.Close()

	nonceStore, err := nonceauth.NewSQLiteNonceStore(cfg.NonceDbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open nonce store")
	}
	defer nonceStore.Close()

	skew := time.Duration(cfg.MaxClockSkewSecs) * time.Second
	verifier := nonceauth.NewVerifier(nonceStore, skew)
	server := NewServer(store, verifier, nodes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	sweepInterval := time.Duration(cfg.SweepIntervalSecs) * time.Second
	go store.RunSweeper(ctx, sweepInterval)
	go nonceStore.RunPurger(ctx, sweepInterval, verifier.SkewWindow())

	addr := fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)
	if err := server.Serve(ctx, addr); err != nil {
		log.Fatal().Err(err).Msg("Key Server error")
	}

	log.Info().Msg("Key Server shutdown complete")
}
