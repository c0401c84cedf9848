// Package turnauth derives RFC 5766 long-term-credential keys for the
// TURN server. The TURN username carries a sealed credential; the
// authenticator resolves the matching KS secret key, opens the
// credential, and computes MD5(username:realm:psk) with an LRU in
// front of the whole path.
package turnauth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/turn/v4"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/authcore/aid"
	"github.com/meshrtc/authcore/ecies"
	"github.com/meshrtc/authcore/keystore"
	"github.com/meshrtc/authcore/ksclient"
	"github.com/meshrtc/authcore/metrics"
	"github.com/meshrtc/authcore/wire"
)

// DefaultCacheCapacity bounds the auth-key LRU. 1000 derived keys is
// roughly 32 KB plus map overhead.
const DefaultCacheCapacity = 1000

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrDecryptFailed   = errors.New("credential decrypt failed")
	ErrExpired         = errors.New("credential expired")
	ErrKsUnavailable   = errors.New("ks unavailable")
)

// SecretSource resolves the KS secret key for a (tenant, key id) pair.
type SecretSource interface {
	SecretKey(ctx context.Context, tid, keyID uint32) ([]byte, error)
}

// StoreSource serves secrets directly from a local keystore — the
// validator-inside-KS deployment.
type StoreSource struct {
	Store *keystore.Store
}

func (s *StoreSource) SecretKey(ctx context.Context, tid, keyID uint32) ([]byte, error) {
	rec, err := s.Store.GetSecretKey(keyID)
	if err != nil {
		switch {
		case errors.Is(err, keystore.ErrNotFound), errors.Is(err, keystore.ErrExpired):
			return nil, fmt.Errorf("%w: %s", ErrDecryptFailed, err)
		default:
			return nil, fmt.Errorf("%w: %s", ErrKsUnavailable, err)
		}
	}
	return rec.SecretKey, nil
}

// ClientSource fetches secrets over the authenticated KS RPC — the
// standalone-validator deployment.
type ClientSource struct {
	Client *ksclient.Client
}

func (s *ClientSource) SecretKey(ctx context.Context, tid, keyID uint32) ([]byte, error) {
	key, err := s.Client.GetSecretKey(ctx, keyID)
	if err != nil {
		switch {
		case errors.Is(err, ksclient.ErrNotFound), errors.Is(err, ksclient.ErrExpired):
			return nil, fmt.Errorf("%w: %s", ErrDecryptFailed, err)
		default:
			return nil, fmt.Errorf("%w: %s", ErrKsUnavailable, err)
		}
	}
	return key.SecretKey, nil
}

// RealmValidator gates credentials on realm state; nil skips the check.
type RealmValidator interface {
	Validate(realmID uint32) error
}

// Options configure the authenticator.
type Options struct {
	// CacheCapacity bounds the LRU; zero means DefaultCacheCapacity.
	CacheCapacity int
	// ResolveTimeout bounds the secret fetch on a cache miss.
	ResolveTimeout time.Duration
}

// Authenticator owns the process-lifetime auth-key cache. Construct
// one per TURN server and mount Handler on it.
type Authenticator struct {
	secrets SecretSource
	realms  RealmValidator
	cache   *authKeyCache
	timeout time.Duration
}

// New creates an authenticator.
func New(secrets SecretSource, realms RealmValidator, opts Options) *Authenticator {
	capacity := opts.CacheCapacity
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	timeout := opts.ResolveTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log.Info().Int("cache_capacity", capacity).Msg("TURN authenticator initialized")
	return &Authenticator{
		secrets: secrets,
		realms:  realms,
		cache:   newAuthKeyCache(capacity),
		timeout: timeout,
	}
}

// CacheStats returns current size and capacity, for monitoring.
func (a *Authenticator) CacheStats() (size, capacity int) {
	return a.cache.len(), a.cache.capacity
}

// ClearCache resets the cache, for tests and manual intervention.
func (a *Authenticator) ClearCache() {
	a.cache.clear()
}

// Authenticate resolves the 16-byte integrity key for one TURN
// request. Every failure is an authentication failure to the TURN
// layer; the error kind is for logs only.
func (a *Authenticator) Authenticate(username, realm string, srcAddr net.Addr) ([]byte, error) {
	key := computeCacheKey(username, realm)
	if cached, ok := a.cache.get(key); ok {
		metrics.TurnCache.WithLabelValues("hit").Inc()
		return cached, nil
	}
	metrics.TurnCache.WithLabelValues("miss").Inc()

	var claims wire.TurnClaims
	if err := json.Unmarshal([]byte(username), &claims); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidUsername, err)
	}
	ct, err := base64.URLEncoding.DecodeString(claims.CT)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrInvalidUsername)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	secretBytes, err := a.secrets.SecretKey(ctx, claims.TID, claims.KeyID)
	if err != nil {
		return nil, err
	}
	secret, err := ecies.ParseSecretKey(secretBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKsUnavailable, err)
	}

	plaintext, err := ecies.Decrypt(secret, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryptFailed, err)
	}
	identity, err := aid.UnmarshalClaims(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryptFailed, err)
	}
	if identity.Expired(time.Now()) {
		return nil, ErrExpired
	}
	if len(identity.PSK) == 0 {
		// Credentials sealed without a PSK cannot authenticate relays.
		return nil, fmt.Errorf("%w: credential carries no psk", ErrDecryptFailed)
	}
	if a.realms != nil {
		if err := a.realms.Validate(identity.RealmID); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrDecryptFailed, err)
		}
	}

	// RFC 5766 long-term credential key: MD5(username:realm:password),
	// with the hex PSK as the password. MD5 is fixed by the protocol.
	integrity := turn.GenerateAuthKey(username, realm, hex.EncodeToString(identity.PSK))

	a.cache.put(key, integrity)
	return integrity, nil
}

// Handler adapts the authenticator to pion's AuthHandler. Failures
// log at warn with tenant, key id and source address — never the PSK
// or any key material.
func (a *Authenticator) Handler() turn.AuthHandler {
	return func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
		integrity, err := a.Authenticate(username, realm, srcAddr)
		if err != nil {
			var claims wire.TurnClaims
			_ = json.Unmarshal([]byte(username), &claims)
			log.Warn().
				Uint32("tid", claims.TID).
				Uint32("key_id", claims.KeyID).
				Str("src_addr", srcAddr.String()).
				Str("kind", errKind(err)).
				Msg("TURN authentication failed")
			metrics.TurnAuth.WithLabelValues("denied").Inc()
			return nil, false
		}
		metrics.TurnAuth.WithLabelValues("ok").Inc()
		return integrity, true
	}
}

func errKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidUsername):
		return "invalid_username"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrKsUnavailable):
		return "ks_unavailable"
	default:
		return "decrypt_failed"
	}
}
