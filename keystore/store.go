// Package keystore persists the Key Server's secp256k1 key pairs:
// monotonically assigned key ids, lifetime enforcement, and a
// background sweep of expired records. Secret keys can optionally be
// encrypted at rest with a KEK; the wire contract is unchanged either
// way.
package keystore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/meshrtc/authcore/ecies"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrExpired       = errors.New("key expired")
	ErrSerialization = errors.New("public key serialization invariant violated")
	ErrNonExpiring   = errors.New("non-expiring keys are forbidden by configuration")
)

// KeyRecord is the unit of persistent key state. PublicKey is always
// the 33-byte compressed point; SecretKey the 32-byte scalar.
// ExpiresAt == 0 means the record never expires.
type KeyRecord struct {
	KeyID     uint32
	PublicKey []byte
	SecretKey []byte
	CreatedAt int64
	ExpiresAt int64
}

// Usable reports whether the record may still decrypt/sign at now.
func (r *KeyRecord) Usable(now time.Time) bool {
	return r.ExpiresAt == 0 || r.ExpiresAt >= now.Unix()
}

// Options tune store behavior.
type Options struct {
	// KeyTTL is applied to every generated key; 0 requests
	// non-expiring keys.
	KeyTTL time.Duration

	// ForbidNonExpiring rejects Generate when KeyTTL is 0. Defaults on
	// in shipped configuration.
	ForbidNonExpiring bool

	// Encryptor protects secret keys at rest; nil stores plaintext.
	Encryptor *Encryptor
}

// Store owns the keys database. Single writer (Generate), many readers.
type Store struct {
	db   *sql.DB
	opts Options
	enc  *Encryptor
}

// Open opens (creating if needed) the keys database.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keys database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS keys (
		key_id INTEGER PRIMARY KEY AUTOINCREMENT,
		public_key BLOB NOT NULL,
		secret_key BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_keys_expires_at ON keys(expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create keys schema: %w", err)
	}

	enc := opts.Encryptor
	if enc == nil {
		enc = NoEncryption()
	}

	log.Info().
		Str("path", path).
		Dur("key_ttl", opts.KeyTTL).
		Bool("encryption", enc.Enabled()).
		Msg("Key store opened")

	return &Store{db: db, opts: opts, enc: enc}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Generate creates a fresh secp256k1 key pair and inserts it. The
// returned record carries the plaintext secret for the caller.
func (s *Store) Generate() (*KeyRecord, error) {
	if s.opts.KeyTTL == 0 && s.opts.ForbidNonExpiring {
		return nil, ErrNonExpiring
	}

	secret, public, err := ecies.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	if len(public) != ecies.CompressedPubKeySize {
		return nil, ErrSerialization
	}

	now := time.Now().Unix()
	var expiresAt int64
	if s.opts.KeyTTL > 0 {
		expiresAt = now + int64(s.opts.KeyTTL.Seconds())
	}

	storedSecret, err := s.enc.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to protect secret key: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO keys (public_key, secret_key, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		public, storedSecret, now, expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read key id: %w", err)
	}

	log.Debug().Uint32("key_id", uint32(id)).Int64("expires_at", expiresAt).Msg("Generated key")

	return &KeyRecord{
		KeyID:     uint32(id),
		PublicKey: public,
		SecretKey: secret,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

// burnDummyDigest equalizes the miss path against the hit path so
// response latency does not reveal whether a key id exists.
func burnDummyDigest() {
	mac := hmac.New(sha256.New, []byte("keystore-timing-pad"))
	mac.Write([]byte("miss"))
	mac.Sum(nil)
}

func (s *Store) fetch(keyID uint32) (*KeyRecord, error) {
	var rec KeyRecord
	err := s.db.QueryRow(
		`SELECT key_id, public_key, secret_key, created_at, expires_at FROM keys WHERE key_id = ?`,
		keyID,
	).Scan(&rec.KeyID, &rec.PublicKey, &rec.SecretKey, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		burnDummyDigest()
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query key: %w", err)
	}
	if len(rec.PublicKey) != ecies.CompressedPubKeySize {
		// Data corruption: fail hard rather than serve a bad key.
		log.Error().Uint32("key_id", keyID).Int("len", len(rec.PublicKey)).
			Msg("Stored public key violates the 33-byte invariant")
		return nil, ErrSerialization
	}
	return &rec, nil
}

// GetSecretKey fetches a record's secret for decrypt/sign use,
// distinguishing missing from expired.
func (s *Store) GetSecretKey(keyID uint32) (*KeyRecord, error) {
	rec, err := s.fetch(keyID)
	if err != nil {
		return nil, err
	}
	if !rec.Usable(time.Now()) {
		burnDummyDigest()
		return nil, ErrExpired
	}
	secret, err := s.enc.Decrypt(rec.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unprotect secret key: %w", err)
	}
	rec.SecretKey = secret
	return rec, nil
}

// GetPublicKey fetches the public half; expiry does not gate reads of
// public material.
func (s *Store) GetPublicKey(keyID uint32) (*KeyRecord, error) {
	rec, err := s.fetch(keyID)
	if err != nil {
		return nil, err
	}
	rec.SecretKey = nil
	return rec, nil
}

// Count returns the number of stored keys.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM keys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count keys: %w", err)
	}
	return n, nil
}

// CleanupExpired deletes records past their expiry. Non-expiring
// records are never touched.
func (s *Store) CleanupExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM keys WHERE expires_at > 0 AND expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired keys: %w", err)
	}
	return res.RowsAffected()
}

// RunSweeper runs CleanupExpired every interval until the context is
// cancelled, finishing the in-flight sweep first.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.CleanupExpired()
			if err != nil {
				log.Error().Err(err).Msg("Key sweep failed")
				continue
			}
			if removed > 0 {
				log.Debug().Int64("removed", removed).Msg("Key sweep completed")
			}
		}
	}
}
