package engine

import (
	"context"
	"time"
)

// StateStore persists the recorded state of applied resources. The
// store is the only component that owns recorded state; the executor
// writes through it one resource at a time so a crash mid-apply leaves
// an accurate partial state behind.
//
// Implementations live in pkg/stores; pkg/stores imports this package,
// not the other way around.
type StateStore interface {
	// Get returns the record for an identity, or nil when none exists.
	Get(ctx context.Context, id Identity) (*RecordedState, error)

	// Put writes a record, replacing any previous record for the same
	// identity. Writes are atomic: a crash mid-write must not corrupt
	// the previous value.
	Put(ctx context.Context, state *RecordedState) error

	// Delete removes the record for an identity. Deleting an absent
	// identity is not an error.
	Delete(ctx context.Context, id Identity) error

	// SnapshotAll returns every record keyed by identity.
	SnapshotAll(ctx context.Context) (map[Identity]*RecordedState, error)

	// Lock acquires the advisory lock guarding the store for one full
	// plan+apply cycle. A contended acquisition fails with a
	// STATE_LOCKED error once the acquire timeout elapses rather than
	// blocking indefinitely. The returned token must be passed to
	// Unlock.
	Lock(ctx context.Context, info LockInfo) (string, error)

	// Unlock releases the advisory lock identified by token.
	Unlock(ctx context.Context, token string) error

	// Close releases any backing connections or file handles.
	Close() error
}

// LockInfo describes a lock acquisition attempt.
type LockInfo struct {
	// Holder names the acquiring party, e.g. "user@host pid 4242".
	Holder string `json:"holder"`

	// Operation is the operation the lock protects ("plan", "apply").
	Operation string `json:"operation"`

	// AcquireTimeout bounds how long acquisition may wait on a
	// contended lock before failing with STATE_LOCKED. Zero means fail
	// immediately.
	AcquireTimeout time.Duration `json:"acquire_timeout"`

	// StaleAfter is the age past which an existing lock is presumed
	// abandoned and may be broken. Zero disables stale-lock takeover.
	StaleAfter time.Duration `json:"stale_after"`
}
