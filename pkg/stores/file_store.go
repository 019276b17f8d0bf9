package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackform/stackform/pkg/engine"
)

// stateVersion is the on-disk document format version.
const stateVersion = 1

// lockPollInterval is how often a contended lock acquisition re-checks
// the lock file.
const lockPollInterval = 250 * time.Millisecond

// FileStore persists recorded state as a single JSON document. Every
// write lands in a temp file first and is moved into place with an
// atomic rename, so a crash mid-write leaves the previous document
// intact. The advisory lock is a sibling lock file carrying the
// holder's identity.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type stateDocument struct {
	Version   int                     `json:"version"`
	Serial    int64                   `json:"serial"`
	Resources map[string]storedRecord `json:"resources"`
}

type lockFile struct {
	Token     string    `json:"token"`
	Holder    string    `json:"holder"`
	Operation string    `json:"operation"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFileStore creates a file store at path. The file is created on
// first write; a missing file reads as empty state.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get implements engine.StateStore.
func (s *FileStore) Get(_ context.Context, id engine.Identity) (*engine.RecordedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	rec, ok := doc.Resources[id.String()]
	if !ok {
		return nil, nil
	}
	return decodeRecord(rec)
}

// Put implements engine.StateStore.
func (s *FileStore) Put(_ context.Context, state *engine.RecordedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Resources[state.Identity.String()] = encodeRecord(state)
	doc.Serial++
	return s.save(doc)
}

// Delete implements engine.StateStore. Deleting an absent identity is
// not an error.
func (s *FileStore) Delete(_ context.Context, id engine.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Resources[id.String()]; !ok {
		return nil
	}
	delete(doc.Resources, id.String())
	doc.Serial++
	return s.save(doc)
}

// SnapshotAll implements engine.StateStore.
func (s *FileStore) SnapshotAll(_ context.Context) (map[engine.Identity]*engine.RecordedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[engine.Identity]*engine.RecordedState, len(doc.Resources))
	for _, rec := range doc.Resources {
		state, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out[state.Identity] = state
	}
	return out, nil
}

// Lock implements engine.StateStore. Acquisition creates the lock file
// exclusively; on contention it polls until the acquire timeout
// elapses, breaking locks older than StaleAfter.
func (s *FileStore) Lock(ctx context.Context, info engine.LockInfo) (string, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(info.AcquireTimeout)

	for {
		holder, err := s.tryLock(token, info)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, errLockHeld) {
			return "", err
		}
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

var errLockHeld = errors.New("lock held")

// tryLock attempts one exclusive lock-file creation. On contention it
// returns errLockHeld with the current holder's description, after
// breaking the lock if it exceeded its stale age.
func (s *FileStore) tryLock(token string, info engine.LockInfo) (string, error) {
	lockPath := s.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		defer f.Close()
		content, marshalErr := json.Marshal(lockFile{
			Token:     token,
			Holder:    info.Holder,
			Operation: info.Operation,
			CreatedAt: time.Now().UTC(),
		})
		if marshalErr != nil {
			return "", marshalErr
		}
		if _, err := f.Write(content); err != nil {
			return "", fmt.Errorf("failed to write lock file: %w", err)
		}
		return "", nil
	}
	if !os.IsExist(err) {
		return "", fmt.Errorf("failed to create lock file: %w", err)
	}

	raw, readErr := os.ReadFile(lockPath)
	if readErr != nil {
		// The holder may have released between our create and read.
		return "unknown", errLockHeld
	}
	var current lockFile
	if json.Unmarshal(raw, &current) != nil {
		return "unknown", errLockHeld
	}
	if info.StaleAfter > 0 && time.Since(current.CreatedAt) > info.StaleAfter {
		_ = os.Remove(lockPath)
		return current.Holder, errLockHeld
	}
	return current.Holder, errLockHeld
}

// Unlock implements engine.StateStore. Only the holder of the token may
// release the lock.
func (s *FileStore) Unlock(_ context.Context, token string) error {
	raw, err := os.ReadFile(s.lockPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	var current lockFile
	if err := json.Unmarshal(raw, &current); err != nil {
		return fmt.Errorf("corrupt lock file: %w", err)
	}
	if current.Token != token {
		return fmt.Errorf("lock is held by %s, not this run", current.Holder)
	}
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Close implements engine.StateStore.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) lockPath() string {
	return s.path + ".lock"
}

func (s *FileStore) load() (*stateDocument, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &stateDocument{
				Version:   stateVersion,
				Resources: make(map[string]storedRecord),
			}, nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}
	var doc stateDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("corrupt state file %s: %w", s.path, err)
	}
	if doc.Resources == nil {
		doc.Resources = make(map[string]storedRecord)
	}
	return &doc, nil
}

// save writes the document to a temp file in the same directory and
// renames it over the target. Rename within one filesystem is atomic.
func (s *FileStore) save(doc *stateDocument) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
