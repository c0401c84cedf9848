package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshrtc/authcore/aid"
	"github.com/meshrtc/authcore/ecies"
	"github.com/meshrtc/authcore/keycache"
	"github.com/meshrtc/authcore/metrics"
	"github.com/meshrtc/authcore/realms"
	"github.com/meshrtc/authcore/wire"
)

// IssuerOptions tune the issuance pipeline.
type IssuerOptions struct {
	// TokenTTL bounds issued credentials.
	TokenTTL time.Duration
	// HeartbeatIntervalSecs is the service-wide default; realm config
	// overrides it.
	HeartbeatIntervalSecs uint32
}

// Issuer turns an allocate request into an actor id, a sealed
// credential, and a PSK. It owns the process-lifetime allocator and
// reads the public-key cache; it stores nothing about issued PSKs.
type Issuer struct {
	realms    *realms.Store
	cache     *keycache.Cache
	allocator *aid.SerialAllocator
	opts      IssuerOptions
}

// NewIssuer wires the issuance dependencies.
func NewIssuer(realmStore *realms.Store, cache *keycache.Cache, allocator *aid.SerialAllocator, opts IssuerOptions) *Issuer {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	return &Issuer{realms: realmStore, cache: cache, allocator: allocator, opts: opts}
}

func failure(code wire.AllocateFailureCode, message string) *wire.AllocateResponse {
	metrics.AllocateFailures.WithLabelValues(code.String()).Inc()
	return &wire.AllocateResponse{Failure: &wire.AllocateFailure{Code: code, Message: message}}
}

// Allocate processes one request. Every outcome is a well-formed
// response; transport errors are for the caller's layer.
func (i *Issuer) Allocate(ctx context.Context, req *wire.AllocateRequest) *wire.AllocateResponse {
	// Realm gate.
	if err := i.realms.Validate(req.RealmID); err != nil {
		switch {
		case errors.Is(err, realms.ErrRealmNotFound):
			return failure(wire.FailureRealmNotFound, "realm not found")
		case errors.Is(err, realms.ErrRealmInactive), errors.Is(err, realms.ErrRealmExpired):
			return failure(wire.FailureForbidden, "realm not accepting registrations")
		default:
			log.Error().Err(err).Msg("Realm validation failed")
			return failure(wire.FailureInternal, "internal error")
		}
	}

	// Actor-type ACL.
	allowed, err := i.realms.ActorTypeAllowed(req.RealmID, req.ActorType.Mfr, req.ActorType.Name)
	if err != nil {
		log.Error().Err(err).Msg("ACL lookup failed")
		return failure(wire.FailureInternal, "internal error")
	}
	if !allowed {
		return failure(wire.FailureForbidden, "actor type not permitted")
	}

	// Sealing key. A cache hit proceeds even when KS is down.
	key, err := i.cache.GetActive(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("No usable sealing key")
		return failure(wire.FailureKsUnavailable, "key server unavailable")
	}
	pub, err := ecies.ParsePublicKey(key.PublicKey)
	if err != nil {
		log.Error().Err(err).Uint32("key_id", key.KeyID).Msg("Cached key failed validation")
		return failure(wire.FailureInternal, "internal error")
	}

	// Identity.
	actorID := i.allocator.Next()
	now := time.Now().Unix()
	expiresAt := now + int64(i.opts.TokenTTL.Seconds())

	psk, err := aid.NewPSK()
	if err != nil {
		log.Error().Err(err).Msg("PSK generation failed")
		return failure(wire.FailureInternal, "internal error")
	}

	claims := &aid.IdentityClaims{
		ActorID:   actorID,
		RealmID:   req.RealmID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		PSK:       psk,
	}
	plaintext, err := claims.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("Claims serialization failed")
		return failure(wire.FailureInternal, "internal error")
	}

	ciphertext, err := ecies.Encrypt(pub, plaintext)
	if err != nil {
		log.Error().Err(err).Msg("Credential sealing failed")
		return failure(wire.FailureInternal, "internal error")
	}
	credential, err := aid.EncodeCredential(&aid.Credential{KeyID: key.KeyID, Ciphertext: ciphertext})
	if err != nil {
		log.Error().Err(err).Msg("Credential encoding failed")
		return failure(wire.FailureInternal, "internal error")
	}

	heartbeat := i.opts.HeartbeatIntervalSecs
	if rc, err := i.realms.GetConfig(req.RealmID); err == nil && rc.HeartbeatIntervalSecs > 0 {
		heartbeat = rc.HeartbeatIntervalSecs
	}

	metrics.CredentialsIssued.Inc()
	log.Info().
		Uint64("actor_id", actorID).
		Uint32("realm_id", req.RealmID).
		Uint32("key_id", key.KeyID).
		Msg("Issued credential")

	return &wire.AllocateResponse{Success: &wire.AllocateSuccess{
		ActorID:                        actorID,
		Credential:                     credential,
		PSK:                            psk,
		SignalingHeartbeatIntervalSecs: heartbeat,
		CredentialExpiresAt:            expiresAt,
	}}
}

// RunRotation enforces the periodic-rotation policy: a sealing key
// older than the interval is rotated even if it is not near expiry.
func (i *Issuer) RunRotation(ctx context.Context, checkInterval, rotationInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			age, ok, err := i.cache.ActiveAge(time.Now())
			if err != nil {
				log.Error().Err(err).Msg("Rotation age check failed")
				continue
			}
			if ok && age < rotationInterval {
				continue
			}
			keyID, err := i.cache.RotateNow(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Periodic rotation failed, will retry")
				continue
			}
			log.Info().Uint32("key_id", keyID).Msg("Periodic key rotation completed")
		}
	}
}
