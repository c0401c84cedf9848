// Package realms stores the administrative grouping of actors: the
// realm table the supervisor populates, per-realm configuration, and
// the actor-type ACL the issuer consults.
package realms

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

var (
	ErrRealmNotFound = errors.New("realm not found")
	ErrRealmInactive = errors.New("realm inactive")
	ErrRealmExpired  = errors.New("realm expired")
)

// Realm is one administrative grouping. ExpiresAt == 0 never expires.
type Realm struct {
	RealmID   uint32
	Name      string
	Status    string
	ExpiresAt int64
}

// RealmConfig carries per-realm tunables. The issuer applies a non-zero
// HeartbeatIntervalSecs and otherwise uses the service configuration;
// TokenTTLSecs is stored and returned but the issuer does not apply it.
type RealmConfig struct {
	RealmID               uint32
	HeartbeatIntervalSecs uint32
	TokenTTLSecs          uint32
}

// Store owns the realm database tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the realm tables in the database at
// path. The same file may host other service tables.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open realm database: %w", err)
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
	CREATE TABLE IF NOT EXISTS realm (
		realm_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		expires_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS realmconfig (
		realm_id INTEGER PRIMARY KEY REFERENCES realm(realm_id),
		heartbeat_interval_secs INTEGER NOT NULL DEFAULT 0,
		token_ttl_secs INTEGER NOT NULL DEFAULT 0
	);

	-- Actor-type ACL. A realm with no rows allows every actor type;
	-- once any row exists the realm is default-deny.
	CREATE TABLE IF NOT EXISTS actoracl (
		realm_id INTEGER NOT NULL REFERENCES realm(realm_id),
		mfr TEXT NOT NULL,
		name TEXT NOT NULL,
		allowed INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (realm_id, mfr, name)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create realm schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces a realm row.
func (s *Store) Upsert(r *Realm) error {
	status := r.Status
	if status == "" {
		status = StatusActive
	}
	_, err := s.db.Exec(
		`INSERT INTO realm (realm_id, name, status, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(realm_id) DO UPDATE SET name=excluded.name, status=excluded.status, expires_at=excluded.expires_at`,
		r.RealmID, r.Name, status, r.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert realm: %w", err)
	}
	return nil
}

// Get fetches one realm.
func (s *Store) Get(realmID uint32) (*Realm, error) {
	var r Realm
	err := s.db.QueryRow(
		`SELECT realm_id, name, status, expires_at FROM realm WHERE realm_id = ?`, realmID,
	).Scan(&r.RealmID, &r.Name, &r.Status, &r.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrRealmNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query realm: %w", err)
	}
	return &r, nil
}

// Validate checks a realm exists, is active, and is not expired.
func (s *Store) Validate(realmID uint32) error {
	r, err := s.Get(realmID)
	if err != nil {
		return err
	}
	if r.Status != StatusActive {
		return ErrRealmInactive
	}
	if r.ExpiresAt != 0 && r.ExpiresAt < time.Now().Unix() {
		return ErrRealmExpired
	}
	return nil
}

// SetConfig inserts or replaces per-realm configuration.
func (s *Store) SetConfig(c *RealmConfig) error {
	_, err := s.db.Exec(
		`INSERT INTO realmconfig (realm_id, heartbeat_interval_secs, token_ttl_secs) VALUES (?, ?, ?)
		 ON CONFLICT(realm_id) DO UPDATE SET heartbeat_interval_secs=excluded.heartbeat_interval_secs, token_ttl_secs=excluded.token_ttl_secs`,
		c.RealmID, c.HeartbeatIntervalSecs, c.TokenTTLSecs,
	)
	if err != nil {
		return fmt.Errorf("failed to set realm config: %w", err)
	}
	return nil
}

// GetConfig fetches per-realm configuration; a missing row returns the
// zero config (service defaults apply).
func (s *Store) GetConfig(realmID uint32) (*RealmConfig, error) {
	var c RealmConfig
	err := s.db.QueryRow(
		`SELECT realm_id, heartbeat_interval_secs, token_ttl_secs FROM realmconfig WHERE realm_id = ?`,
		realmID,
	).Scan(&c.RealmID, &c.HeartbeatIntervalSecs, &c.TokenTTLSecs)
	if err == sql.ErrNoRows {
		return &RealmConfig{RealmID: realmID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query realm config: %w", err)
	}
	return &c, nil
}

// SetACL inserts or replaces one ACL entry.
func (s *Store) SetACL(realmID uint32, mfr, name string, allowed bool) error {
	val := 0
	if allowed {
		val = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO actoracl (realm_id, mfr, name, allowed) VALUES (?, ?, ?, ?)
		 ON CONFLICT(realm_id, mfr, name) DO UPDATE SET allowed=excluded.allowed`,
		realmID, mfr, name, val,
	)
	if err != nil {
		return fmt.Errorf("failed to set ACL entry: %w", err)
	}
	return nil
}

// ActorTypeAllowed reports whether the realm admits the actor type. A
// realm without ACL rows admits everything; with rows, only explicit
// allowed=1 matches pass.
func (s *Store) ActorTypeAllowed(realmID uint32, mfr, name string) (bool, error) {
	var rows int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM actoracl WHERE realm_id = ?`, realmID,
	).Scan(&rows); err != nil {
		return false, fmt.Errorf("failed to count ACL entries: %w", err)
	}
	if rows == 0 {
		return true, nil
	}

	var allowed int
	err := s.db.QueryRow(
		`SELECT allowed FROM actoracl WHERE realm_id = ? AND mfr = ? AND name = ?`,
		realmID, mfr, name,
	).Scan(&allowed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query ACL entry: %w", err)
	}
	return allowed == 1, nil
}
