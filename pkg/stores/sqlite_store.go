package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/stackform/stackform/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists recorded state in a SQLite database. Writes are
// single-row transactions, so the atomicity contract holds without a
// temp-file dance; the advisory lock is a single-row table updated with
// conditional statements (compare-and-swap semantics).
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path, enables WAL
// mode, and runs migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Get implements engine.StateStore.
func (s *SQLiteStore) Get(ctx context.Context, id engine.Identity) (*engine.RecordedState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identity, external_id, attrs, depends_on, applied_at, serial
		FROM resources WHERE identity = ?`, id.String())
	state, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return state, err
}

// Put implements engine.StateStore.
func (s *SQLiteStore) Put(ctx context.Context, state *engine.RecordedState) error {
	rec := encodeRecord(state)
	attrs, err := json.Marshal(rec.Attrs)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	deps, err := json.Marshal(rec.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resources (identity, external_id, attrs, depends_on, applied_at, serial)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			external_id = excluded.external_id,
			attrs       = excluded.attrs,
			depends_on  = excluded.depends_on,
			applied_at  = excluded.applied_at,
			serial      = excluded.serial`,
		rec.Identity, rec.ExternalID, string(attrs), string(deps), rec.AppliedAt, rec.Serial)
	if err != nil {
		return fmt.Errorf("failed to write state for %s: %w", rec.Identity, err)
	}
	return nil
}

// Delete implements engine.StateStore.
func (s *SQLiteStore) Delete(ctx context.Context, id engine.Identity) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM resources WHERE identity = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete state for %s: %w", id, err)
	}
	return nil
}

// SnapshotAll implements engine.StateStore.
func (s *SQLiteStore) SnapshotAll(ctx context.Context) (map[engine.Identity]*engine.RecordedState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, external_id, attrs, depends_on, applied_at, serial
		FROM resources ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	defer rows.Close()

	out := make(map[engine.Identity]*engine.RecordedState)
	for rows.Next() {
		state, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[state.Identity] = state
	}
	return out, rows.Err()
}

// Lock implements engine.StateStore using a single-row lock table: the
// INSERT only succeeds while no row exists, which gives conditional
// write semantics without a separate lock service.
func (s *SQLiteStore) Lock(ctx context.Context, info engine.LockInfo) (string, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(info.AcquireTimeout)

	for {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO state_lock (id, token, holder, operation, created_at)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			token, info.Holder, info.Operation, time.Now().UTC())
		if err != nil {
			return "", fmt.Errorf("failed to acquire state lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return token, nil
		}

		holder := s.breakStaleLock(ctx, info.StaleAfter)
		if time.Now().After(deadline) {
			return "", engine.NewStateLocked(holder, nil)
		}
		select {
		case <-time.After(lockPollInterval):
		case <-ctx.Done():
			return "", engine.NewStateLocked(holder, ctx.Err())
		}
	}
}

// breakStaleLock removes the lock row when it exceeded its stale age
// and returns the current holder's description for error reporting.
func (s *SQLiteStore) breakStaleLock(ctx context.Context, staleAfter time.Duration) string {
	var holder string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT holder, created_at FROM state_lock WHERE id = 1`).Scan(&holder, &createdAt)
	if err != nil {
		return "unknown"
	}
	if staleAfter > 0 && time.Since(createdAt) > staleAfter {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM state_lock WHERE id = 1 AND created_at = ?`, createdAt)
	}
	return holder
}

// Unlock implements engine.StateStore. The conditional delete only
// releases a lock this run still holds.
func (s *SQLiteStore) Unlock(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM state_lock WHERE id = 1 AND token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to release state lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("state lock is no longer held by this run")
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*engine.RecordedState, error) {
	var rec storedRecord
	var attrs, deps string
	if err := row.Scan(&rec.Identity, &rec.ExternalID, &attrs, &deps, &rec.AppliedAt, &rec.Serial); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attrs); err != nil {
		return nil, fmt.Errorf("corrupt attributes for %s: %w", rec.Identity, err)
	}
	if err := json.Unmarshal([]byte(deps), &rec.DependsOn); err != nil {
		return nil, fmt.Errorf("corrupt dependencies for %s: %w", rec.Identity, err)
	}
	return decodeRecord(rec)
}
