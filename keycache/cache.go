// Package keycache is the issuer-local mirror of the Key Server's
// active public key. Issuance reads from here; a background task
// refreshes ahead of expiry, and a tolerance window keeps issuance
// alive through brief KS outages.
package keycache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/meshrtc/authcore/ecies"
	"github.com/meshrtc/authcore/ksclient"
	"github.com/meshrtc/authcore/metrics"
)

const (
	// DefaultRefreshInterval is how often the background task checks
	// for staleness.
	DefaultRefreshInterval = 10 * time.Minute
	// DefaultPreExpiryWindow refreshes this far ahead of expiry.
	DefaultPreExpiryWindow = 10 * time.Minute
	// DefaultTolerance keeps an expired key usable during a KS outage.
	DefaultTolerance = 24 * time.Hour
)

var ErrNoUsableKey = errors.New("no usable key in cache and ks unreachable")

// Fetcher is the slice of the KS client the cache needs.
type Fetcher interface {
	GenerateKey(ctx context.Context) (*ksclient.Key, error)
}

// CachedKey is one mirrored record.
type CachedKey struct {
	KeyID     uint32
	PublicKey []byte
	ExpiresAt int64
	CachedAt  int64
}

// Options tune the windows; zero values take the defaults.
type Options struct {
	RefreshInterval time.Duration
	PreExpiryWindow time.Duration
	Tolerance       time.Duration
}

func (o *Options) applyDefaults() {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.PreExpiryWindow <= 0 {
		o.PreExpiryWindow = DefaultPreExpiryWindow
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
}

// Cache is the persistent public-key cache. Single writer (refresh),
// many readers (issuance path).
type Cache struct {
	db      *sql.DB
	fetcher Fetcher
	opts    Options

	// refreshMu serializes fetch-and-install so concurrent misses do
	// not stampede the Key Server.
	refreshMu sync.Mutex
}

// Open opens (creating if needed) the cache database.
func Open(path string, fetcher Fetcher, opts Options) (*Cache, error) {
	opts.applyDefaults()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key cache database: %w", err)
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
	CREATE TABLE IF NOT EXISTS cached_keys (
		key_id INTEGER PRIMARY KEY,
		public_key BLOB NOT NULL,
		expires_at INTEGER NOT NULL,
		cached_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cached_keys_cached_at ON cached_keys(cached_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{db: db, fetcher: fetcher, opts: opts}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) newest() (*CachedKey, error) {
	var k CachedKey
	err := c.db.QueryRow(
		`SELECT key_id, public_key, expires_at, cached_at FROM cached_keys
		 ORDER BY cached_at DESC, key_id DESC LIMIT 1`,
	).Scan(&k.KeyID, &k.PublicKey, &k.ExpiresAt, &k.CachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cached key: %w", err)
	}
	return &k, nil
}

// usable classifies the newest entry at now. hard=true means the entry
// is past tolerance and must be dropped.
func (c *Cache) usable(k *CachedKey, now time.Time) (ok, hard bool) {
	if k.ExpiresAt == 0 || now.Unix() < k.ExpiresAt {
		return true, false
	}
	if now.Unix() < k.ExpiresAt+int64(c.opts.Tolerance.Seconds()) {
		return true, false
	}
	return false, true
}

// install writes a fetched key and prunes superseded rows.
func (c *Cache) install(k *ksclient.Key) error {
	if _, err := ecies.ParsePublicKey(k.PublicKey); err != nil {
		return fmt.Errorf("refusing to cache malformed key: %w", err)
	}
	now := time.Now().Unix()
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin install: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO cached_keys (key_id, public_key, expires_at, cached_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET public_key=excluded.public_key, expires_at=excluded.expires_at, cached_at=excluded.cached_at`,
		k.KeyID, k.PublicKey, k.ExpiresAt, now,
	); err != nil {
		return fmt.Errorf("failed to install key: %w", err)
	}
	// Keep the history shallow: only the active key and its immediate
	// predecessor matter for in-flight issuance.
	if _, err := tx.Exec(
		`DELETE FROM cached_keys WHERE key_id NOT IN (
			SELECT key_id FROM cached_keys ORDER BY cached_at DESC, key_id DESC LIMIT 2)`,
	); err != nil {
		return fmt.Errorf("failed to prune cache: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit install: %w", err)
	}

	log.Info().Uint32("key_id", k.KeyID).Int64("expires_at", k.ExpiresAt).Msg("Installed public key in cache")
	return nil
}

// refresh fetches a new key from KS and installs it.
func (c *Cache) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	key, err := c.fetcher.GenerateKey(ctx)
	if err != nil {
		metrics.KeyCacheRefreshes.WithLabelValues("error").Inc()
		return err
	}
	if err := c.install(key); err != nil {
		metrics.KeyCacheRefreshes.WithLabelValues("error").Inc()
		return err
	}
	metrics.KeyCacheRefreshes.WithLabelValues("ok").Inc()
	return nil
}

// GetActive returns the key issuance should seal to. An in-tolerance
// expired key is served (KS may be down); a hard-expired key is
// dropped and a blocking fetch is the last resort.
func (c *Cache) GetActive(ctx context.Context) (*CachedKey, error) {
	k, err := c.newest()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if k != nil {
		ok, hard := c.usable(k, now)
		if ok {
			if k.ExpiresAt != 0 && k.ExpiresAt < now.Unix() {
				log.Warn().Uint32("key_id", k.KeyID).Msg("Serving expired key within tolerance window")
			}
			return k, nil
		}
		if hard {
			if _, err := c.db.Exec(`DELETE FROM cached_keys WHERE key_id = ?`, k.KeyID); err != nil {
				return nil, fmt.Errorf("failed to drop hard-expired key: %w", err)
			}
			log.Warn().Uint32("key_id", k.KeyID).Msg("Dropped hard-expired cached key")
		}
	}

	if err := c.refresh(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoUsableKey, err)
	}
	k, err = c.newest()
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrNoUsableKey
	}
	return k, nil
}

// RefreshIfStale fetches a new key when the active one is inside the
// pre-expiry window (or missing).
func (c *Cache) RefreshIfStale(ctx context.Context) error {
	k, err := c.newest()
	if err != nil {
		return err
	}
	if k != nil && (k.ExpiresAt == 0 || time.Now().Add(c.opts.PreExpiryWindow).Unix() < k.ExpiresAt) {
		return nil
	}
	return c.refresh(ctx)
}

// RotateNow unconditionally fetches and installs a fresh key,
// returning its id.
func (c *Cache) RotateNow(ctx context.Context) (uint32, error) {
	if err := c.refresh(ctx); err != nil {
		return 0, err
	}
	k, err := c.newest()
	if err != nil {
		return 0, err
	}
	if k == nil {
		return 0, ErrNoUsableKey
	}
	return k.KeyID, nil
}

// ActiveAge returns how long ago the active key was cached; used by
// periodic rotation policy. Returns false if the cache is empty.
func (c *Cache) ActiveAge(now time.Time) (time.Duration, bool, error) {
	k, err := c.newest()
	if err != nil {
		return 0, false, err
	}
	if k == nil {
		return 0, false, nil
	}
	return now.Sub(time.Unix(k.CachedAt, 0)), true, nil
}

// RunRefresher runs RefreshIfStale every refresh interval until the
// context is cancelled. Failures retry with exponential backoff inside
// the tick and never crash the issuer.
func (c *Cache) RunRefresher(ctx context.Context) {
	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			op := func() error { return c.RefreshIfStale(ctx) }
			policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
			if err := backoff.Retry(op, policy); err != nil {
				log.Warn().Err(err).Msg("Key refresh failed, will retry next interval")
			}
		}
	}
}
