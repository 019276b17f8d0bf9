package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stackform/stackform/pkg/engine"
)

func testRecord(name string) *engine.RecordedState {
	return &engine.RecordedState{
		Identity:   engine.Identity{Kind: "core.group", Name: name},
		ExternalID: "ext-" + name,
		Attrs: engine.Map{
			"location": engine.String("west"),
			"replicas": engine.Int(3),
			"tags":     engine.Map{"env": engine.String("dev")},
			"group":    engine.Ref{Target: engine.Identity{Kind: "core.group", Name: "parent"}, Attr: "id"},
		},
		DependsOn: []engine.Identity{{Kind: "core.group", Name: "parent"}},
		AppliedAt: time.Now().UTC().Truncate(time.Second),
		Serial:    1,
	}
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "state.json"))
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := newTestFileStore(t)
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
	if got.ExternalID != original.ExternalID {
		t.Errorf("external id = %s, want %s", got.ExternalID, original.ExternalID)
	}
	if !engine.ValuesEqual(got.Attrs, original.Attrs) {
		t.Errorf("attrs changed through storage:\nstored: %#v\ngot:    %#v", original.Attrs, got.Attrs)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != original.DependsOn[0] {
		t.Errorf("depends_on = %v, want %v", got.DependsOn, original.DependsOn)
	}
}

func TestFileStoreGetAbsent(t *testing.T) {
	store := newTestFileStore(t)
	got, err := store.Get(context.Background(), engine.Identity{Kind: "core.group", Name: "missing"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get(absent) = %+v, want nil", got)
	}
}

func TestFileStoreDelete(t *testing.T) {
	store := newTestFileStore(t)
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

	// Deleting an absent identity succeeds.
	if err := store.Delete(ctx, engine.Identity{Kind: "x.y", Name: "z"}); err != nil {
		t.Errorf("Delete(absent) failed: %v", err)
	}
}

func TestFileStoreSnapshotAll(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if err := store.Put(ctx, testRecord(name)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	all, err := store.SnapshotAll(ctx)
	if err != nil {
		t.Fatalf("SnapshotAll failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("snapshot has %d records, want 3", len(all))
	}
	for _, name := range []string{"a", "b", "c"} {
		id := engine.Identity{Kind: "core.group", Name: name}
		if all[id] == nil {
			t.Errorf("snapshot missing %v", id)
		}
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	first := NewFileStore(path)
	if err := first.Put(ctx, testRecord("rg")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	second := NewFileStore(path)
	got, err := second.Get(ctx, engine.Identity{Kind: "core.group", Name: "rg"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.ExternalID != "ext-rg" {
		t.Errorf("reopened store returned %+v", got)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	store := NewFileStore(path)
	if _, err := store.Get(context.Background(), engine.Identity{Kind: "a.b", Name: "c"}); err == nil {
		t.Error("Get succeeded on a corrupt state file")
	}
}

func TestFileStoreLockContention(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	info := engine.LockInfo{Holder: "first holder", Operation: "apply"}
	token, err := store.Lock(ctx, info)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	// A second acquisition with no wait budget fails fast.
	_, err = store.Lock(ctx, engine.LockInfo{Holder: "second", Operation: "plan"})
	if err == nil {
		t.Fatal("second Lock succeeded while held")
	}
	if !engine.IsStateLocked(err) {
		t.Errorf("error = %v, want STATE_LOCKED", err)
	}
	var re *engine.ReconcileError
	if !errors.As(err, &re) {
		t.Fatalf("error type = %T", err)
	}
	if !strings.Contains(re.Message, "first holder") {
		t.Errorf("lock error %q does not name the holder", re.Message)
	}

	if err := store.Unlock(ctx, token); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := store.Lock(ctx, info); err != nil {
		t.Errorf("Lock after Unlock failed: %v", err)
	}
}

func TestFileStoreUnlockWrongToken(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if _, err := store.Lock(ctx, engine.LockInfo{Holder: "h", Operation: "apply"}); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := store.Unlock(ctx, "not-the-token"); err == nil {
		t.Error("Unlock succeeded with a foreign token")
	}
}

func TestFileStoreStaleLockTakeover(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if _, err := store.Lock(ctx, engine.LockInfo{Holder: "crashed run", Operation: "apply"}); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	// The crashed holder never unlocks; with a tiny stale age the next
	// acquisition breaks the lock and succeeds within its wait budget.
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
