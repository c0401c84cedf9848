package nonceauth

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// NonceStore is the replay ledger consulted by Verify. CheckAndRecord
// must be atomic: across any number of concurrent calls for the same
// nonce, exactly one observes fresh=true.
type NonceStore interface {
	CheckAndRecord(nonce string, timestamp int64) (fresh bool, err error)
	Purge(olderThan time.Time) (int64, error)
}

// SQLiteNonceStore persists accepted nonces so replay protection
// survives restarts.
type SQLiteNonceStore struct {
	db *sql.DB
}

// NewSQLiteNonceStore opens (creating if needed) the nonce database.
func NewSQLiteNonceStore(path string) (*SQLiteNonceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open nonce database: %w", err)
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
	CREATE TABLE IF NOT EXISTS nonce (
		nonce TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nonce_created_at ON nonce(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create nonce schema: %w", err)
	}

	return &SQLiteNonceStore{db: db}, nil
}

// CheckAndRecord inserts the nonce if unseen. INSERT OR IGNORE inside
// the database's serialized write path guarantees a single winner.
func (s *SQLiteNonceStore) CheckAndRecord(nonce string, timestamp int64) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO nonce (nonce, timestamp, created_at) VALUES (?, ?, ?)`,
		nonce, timestamp, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// Purge deletes entries first accepted before the cutoff.
func (s *SQLiteNonceStore) Purge(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM nonce WHERE created_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge nonces: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of recorded nonces.
func (s *SQLiteNonceStore) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM nonce`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count nonces: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteNonceStore) Close() error {
	return s.db.Close()
}

// RunPurger deletes nonces idle for twice the skew window, every
// interval, until the context is cancelled. It finishes the current
// sweep before returning.
func (s *SQLiteNonceStore) RunPurger(ctx context.Context, interval, skewWindow time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Purge(time.Now().Add(-2 * skewWindow))
			if err != nil {
				log.Error().Err(err).Msg("Nonce purge failed")
				continue
			}
			if removed > 0 {
				log.Debug().Int64("removed", removed).Msg("Nonce purge completed")
			}
		}
	}
}

// MemoryNonceStore is an in-process store for clients and tests.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryNonceStore creates an empty in-memory store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{entries: make(map[string]time.Time)}
}

// CheckAndRecord records the nonce under the lock; the map read and
// write are a single critical section.
func (m *MemoryNonceStore) CheckAndRecord(nonce string, timestamp int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.entries[nonce]; seen {
		return false, nil
	}
	m.entries[nonce] = time.Now()
	return true, nil
}

// Purge removes entries first accepted before the cutoff.
func (m *MemoryNonceStore) Purge(olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for nonce, seen := range m.entries {
		if seen.Before(olderThan) {
			delete(m.entries, nonce)
			removed++
		}
	}
	return removed, nil
}
