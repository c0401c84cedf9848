package realms

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "realm.db"))
	if err != nil {
		t.Fatalf("Failed to open realm store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAndGet(t *testing.T) {
	store := openTestStore(t)

	if err := store.Upsert(&Realm{RealmID: 1, Name: "default"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	r, err := store.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.Name != "default" || r.Status != StatusActive {
		t.Errorf("Unexpected realm: %+v", r)
	}

	// Update in place.
	if err := store.Upsert(&Realm{RealmID: 1, Name: "renamed", Status: StatusSuspended}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	r, _ = store.Get(1)
	if r.Name != "renamed" || r.Status != StatusSuspended {
		t.Errorf("Update not applied: %+v", r)
	}
}

func TestValidate(t *testing.T) {
	store := openTestStore(t)

	if err := store.Validate(7); err != ErrRealmNotFound {
		t.Fatalf("Expected ErrRealmNotFound, got %v", err)
	}

	store.Upsert(&Realm{RealmID: 7, Name: "r7"})
	if err := store.Validate(7); err != nil {
		t.Fatalf("Active realm should validate: %v", err)
	}

	store.Upsert(&Realm{RealmID: 7, Name: "r7", Status: StatusSuspended})
	if err := store.Validate(7); err != ErrRealmInactive {
		t.Fatalf("Expected ErrRealmInactive, got %v", err)
	}

	store.Upsert(&Realm{RealmID: 7, Name: "r7", Status: StatusActive, ExpiresAt: time.Now().Unix() - 10})
	if err := store.Validate(7); err != ErrRealmExpired {
		t.Fatalf("Expected ErrRealmExpired, got %v", err)
	}
}

func TestACLDefaultAllow(t *testing.T) {
	store := openTestStore(t)
	store.Upsert(&Realm{RealmID: 1, Name: "open"})

	allowed, err := store.ActorTypeAllowed(1, "acme", "camera")
	if err != nil {
		t.Fatalf("ActorTypeAllowed failed: %v", err)
	}
	if !allowed {
		t.Fatal("Realm without ACL rows should admit everything")
	}
}

func TestACLDefaultDenyOnceRowsExist(t *testing.T) {
	store := openTestStore(t)
	store.Upsert(&Realm{RealmID: 1, Name: "restricted"})

	if err := store.SetACL(1, "acme", "camera", true); err != nil {
		t.Fatalf("SetACL failed: %v", err)
	}

	allowed, _ := store.ActorTypeAllowed(1, "acme", "camera")
	if !allowed {
		t.Fatal("Explicitly allowed type should pass")
	}

	allowed, _ = store.ActorTypeAllowed(1, "acme", "doorbell")
	if allowed {
		t.Fatal("Unlisted type should be denied once rows exist")
	}

	// Explicit deny row.
	if err := store.SetACL(1, "acme", "camera", false); err != nil {
		t.Fatalf("SetACL failed: %v", err)
	}
	allowed, _ = store.ActorTypeAllowed(1, "acme", "camera")
	if allowed {
		t.Fatal("Explicit deny should win")
	}
}

func TestRealmConfigFallback(t *testing.T) {
	store := openTestStore(t)
	store.Upsert(&Realm{RealmID: 3, Name: "cfg"})

	c, err := store.GetConfig(3)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if c.HeartbeatIntervalSecs != 0 || c.TokenTTLSecs != 0 {
		t.Fatal("Missing config row should yield zero values")
	}

	if err := store.SetConfig(&RealmConfig{RealmID: 3, HeartbeatIntervalSecs: 45, TokenTTLSecs: 7200}); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}
	c, _ = store.GetConfig(3)
	if c.HeartbeatIntervalSecs != 45 || c.TokenTTLSecs != 7200 {
		t.Errorf("Unexpected config: %+v", c)
	}
}
