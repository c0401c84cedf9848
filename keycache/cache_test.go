package keycache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshrtc/authcore/ecies"
	"github.com/meshrtc/authcore/ksclient"
)

// fakeFetcher hands out fresh keys or a fixed error.
type fakeFetcher struct {
	nextID uint32
	err    error
	calls  int
}

func (f *fakeFetcher) GenerateKey(ctx context.Context) (*ksclient.Key, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	_, pub, err := ecies.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &ksclient.Key{
		KeyID:     f.nextID,
		PublicKey: pub,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}, nil
}

func openTestCache(t *testing.T, fetcher Fetcher, opts Options) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), fetcher, opts)
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (c *Cache) forceEntry(t *testing.T, keyID uint32, expiresAt, cachedAt int64) {
	t.Helper()
	_, pub, err := ecies.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if _, err := c.db.Exec(
		`INSERT OR REPLACE INTO cached_keys (key_id, public_key, expires_at, cached_at) VALUES (?, ?, ?, ?)`,
		keyID, pub, expiresAt, cachedAt,
	); err != nil {
		t.Fatalf("Failed to force cache entry: %v", err)
	}
}

func TestGetActiveEmptyCacheFetchesOnce(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := openTestCache(t, fetcher, Options{})

	k, err := c.GetActive(context.Background())
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if k == nil || k.KeyID != 1 {
		t.Fatalf("Unexpected key: %+v", k)
	}
	if fetcher.calls != 1 {
		t.Fatalf("Expected one fetch, got %d", fetcher.calls)
	}

	// A second read is served from the cache.
	if _, err := c.GetActive(context.Background()); err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("Expected no additional fetch, got %d", fetcher.calls)
	}
}

func TestGetActiveServesWithinTolerance(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("ks down")}
	c := openTestCache(t, fetcher, Options{Tolerance: 24 * time.Hour})

	// Expired 60 seconds ago, tolerance 24h: issuance continues.
	now := time.Now().Unix()
	c.forceEntry(t, 5, now-60, now-3600)

	k, err := c.GetActive(context.Background())
	if err != nil {
		t.Fatalf("GetActive should serve in-tolerance key: %v", err)
	}
	if k.KeyID != 5 {
		t.Fatalf("Expected key 5, got %d", k.KeyID)
	}
	if fetcher.calls != 0 {
		t.Fatal("In-tolerance hit should not call KS")
	}
}

func TestGetActivePastToleranceFails(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("ks down")}
	c := openTestCache(t, fetcher, Options{Tolerance: 24 * time.Hour})

	// Expired 100000 seconds ago: past the 86400-second tolerance.
	now := time.Now().Unix()
	c.forceEntry(t, 5, now-100000, now-200000)

	if _, err := c.GetActive(context.Background()); !errors.Is(err, ErrNoUsableKey) {
		t.Fatalf("Expected ErrNoUsableKey, got %v", err)
	}
	if fetcher.calls == 0 {
		t.Fatal("Past tolerance should have attempted a KS fetch")
	}
}

func TestGetActiveRecoversAfterHardExpiry(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := openTestCache(t, fetcher, Options{Tolerance: time.Hour})

	now := time.Now().Unix()
	c.forceEntry(t, 5, now-7200, now-10000)

	k, err := c.GetActive(context.Background())
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if k.KeyID == 5 {
		t.Fatal("Hard-expired key should have been replaced")
	}
}

func TestRefreshIfStale(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := openTestCache(t, fetcher, Options{PreExpiryWindow: 10 * time.Minute})

	// Fresh key far from expiry: no refresh.
	now := time.Now().Unix()
	c.forceEntry(t, 3, now+3600, now)
	if err := c.RefreshIfStale(context.Background()); err != nil {
		t.Fatalf("RefreshIfStale failed: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatal("Fresh key should not trigger refresh")
	}

	// Key expiring inside the pre-expiry window: refresh.
	c.forceEntry(t, 3, now+60, now)
	if err := c.RefreshIfStale(context.Background()); err != nil {
		t.Fatalf("RefreshIfStale failed: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("Expected one refresh, got %d", fetcher.calls)
	}
}

func TestNonExpiringKeyNeverStale(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := openTestCache(t, fetcher, Options{})

	c.forceEntry(t, 9, 0, time.Now().Unix())
	if err := c.RefreshIfStale(context.Background()); err != nil {
		t.Fatalf("RefreshIfStale failed: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatal("Non-expiring key should never refresh")
	}
}

func TestRotateNow(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := openTestCache(t, fetcher, Options{})

	id1, err := c.RotateNow(context.Background())
	if err != nil {
		t.Fatalf("RotateNow failed: %v", err)
	}
	id2, err := c.RotateNow(context.Background())
	if err != nil {
		t.Fatalf("RotateNow failed: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("Rotation should install a newer key: %d then %d", id1, id2)
	}
}

func TestActiveAge(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := openTestCache(t, fetcher, Options{})

	if _, ok, err := c.ActiveAge(time.Now()); err != nil || ok {
		t.Fatalf("Empty cache should report no age (ok=%v, err=%v)", ok, err)
	}

	now := time.Now()
	c.forceEntry(t, 2, now.Unix()+3600, now.Unix()-600)
	age, ok, err := c.ActiveAge(now)
	if err != nil || !ok {
		t.Fatalf("Expected age (ok=%v, err=%v)", ok, err)
	}
	if age < 9*time.Minute || age > 11*time.Minute {
		t.Fatalf("Unexpected age: %v", age)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	fetcher := &fakeFetcher{}
	c, err := Open(path, fetcher, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	k, err := c.GetActive(context.Background())
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	c.Close()

	// New process, KS unreachable: the persisted key still serves.
	down := &fakeFetcher{err: errors.New("ks down")}
	c2, err := Open(path, down, Options{})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer c2.Close()

	k2, err := c2.GetActive(context.Background())
	if err != nil {
		t.Fatalf("GetActive after reopen failed: %v", err)
	}
	if k2.KeyID != k.KeyID {
		t.Fatalf("Persisted key mismatch: %d != %d", k2.KeyID, k.KeyID)
	}
}
