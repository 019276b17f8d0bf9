package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stackform/stackform/pkg/engine"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	original := testRecord("rg")
	if err := store.Put(ctx, original); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, original.Identity)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for a stored record")
	}
	if got.ExternalID != original.ExternalID || got.Serial != original.Serial {
		t.Errorf("record mismatch: got %+v", got)
	}
	if !engine.ValuesEqual(got.Attrs, original.Attrs) {
		t.Errorf("attrs changed through storage:\nstored: %#v\ngot:    %#v", original.Attrs, got.Attrs)
	}
}

func TestSQLiteStoreUpsert(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := testRecord("rg")
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rec.Attrs["location"] = engine.String("east")
	rec.Serial++
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := store.Get(ctx, rec.Identity)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Attrs["location"] != engine.String("east") || got.Serial != 2 {
		t.Errorf("upsert did not replace the record: %+v", got)
	}

	all, err := store.SnapshotAll(ctx)
	if err != nil {
		t.Fatalf("SnapshotAll failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("snapshot has %d records, want 1", len(all))
	}
}

func TestSQLiteStoreGetAbsent(t *testing.T) {
	store := newTestSQLiteStore(t)
	got, err := store.Get(context.Background(), engine.Identity{Kind: "core.group", Name: "missing"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get(absent) = %+v, want nil", got)
	}
}

func TestSQLiteStoreDelete(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := testRecord("rg")
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(ctx, rec.Identity); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got, _ := store.Get(ctx, rec.Identity); got != nil {
		t.Error("record still present after Delete")
	}
	if err := store.Delete(ctx, engine.Identity{Kind: "x.y", Name: "z"}); err != nil {
		t.Errorf("Delete(absent) failed: %v", err)
	}
}

func TestSQLiteStoreLockContention(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	token, err := store.Lock(ctx, engine.LockInfo{Holder: "first holder", Operation: "apply"})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	if _, err := store.Lock(ctx, engine.LockInfo{Holder: "second", Operation: "plan"}); err == nil {
		t.Fatal("second Lock succeeded while held")
	} else if !engine.IsStateLocked(err) {
		t.Errorf("error = %v, want STATE_LOCKED", err)
	}

	if err := store.Unlock(ctx, token); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := store.Lock(ctx, engine.LockInfo{Holder: "third", Operation: "apply"}); err != nil {
		t.Errorf("Lock after Unlock failed: %v", err)
	}
}

func TestSQLiteStoreUnlockWrongToken(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.Lock(ctx, engine.LockInfo{Holder: "h", Operation: "apply"}); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := store.Unlock(ctx, "not-the-token"); err == nil {
		t.Error("Unlock succeeded with a foreign token")
	}
}

func TestSQLiteStoreStaleLockTakeover(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.Lock(ctx, engine.LockInfo{Holder: "crashed run", Operation: "apply"}); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	token, err := store.Lock(ctx, engine.LockInfo{
		Holder:         "new run",
		Operation:      "apply",
		AcquireTimeout: 5 * time.Second,
		StaleAfter:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("takeover Lock failed: %v", err)
	}
	if err := store.Unlock(ctx, token); err != nil {
		t.Errorf("Unlock failed: %v", err)
	}
}
