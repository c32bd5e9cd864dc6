package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/runmux/runmux/internal/fsutil"
)

// ErrNotFound is returned when a checkpoint id has no stored snapshot.
var ErrNotFound = errors.New("snapshot not found")

// Store is the checkpoint/CAS collaborator interface. The orchestrator only
// calls this narrow capture/restore surface; the physical format behind it is
// out of scope.
type Store interface {
	// Store persists snap and returns its checkpoint id.
	Store(snap *Snapshot) (string, error)
	// Load retrieves the snapshot for a checkpoint id.
	Load(checkpointID string) (*Snapshot, error)
}

// FileStore keeps snapshots as one JSON manifest per checkpoint id under a
// directory, written atomically.
type FileStore struct {
	dir string
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Store writes the manifest under its snapshot id.
func (fs *FileStore) Store(snap *Snapshot) (string, error) {
	if snap.SnapshotID == "" {
		return "", fmt.Errorf("snapshot has no id")
	}
	path := filepath.Join(fs.dir, snap.SnapshotID+".json")
	if err := fsutil.AtomicWriteJSON(path, snap); err != nil {
		return "", fmt.Errorf("failed to store snapshot %s: %w", snap.SnapshotID, err)
	}
	return snap.SnapshotID, nil
}

// Load reads a manifest by checkpoint id.
func (fs *FileStore) Load(checkpointID string) (*Snapshot, error) {
	path := filepath.Join(fs.dir, checkpointID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if err := VerifyIntegrity(&snap); err != nil {
		return nil, fmt.Errorf("snapshot %s failed integrity check: %w", checkpointID, err)
	}
	return &snap, nil
}

// MemStore is an in-memory Store for tests and embedded use.
type MemStore struct {
	mu    sync.Mutex
	snaps map[string]*Snapshot
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{snaps: make(map[string]*Snapshot)}
}

// Store keeps a copy of snap keyed by its id.
func (ms *MemStore) Store(snap *Snapshot) (string, error) {
	if snap.SnapshotID == "" {
		return "", fmt.Errorf("snapshot has no id")
	}
	copied := *snap
	ms.mu.Lock()
	ms.snaps[snap.SnapshotID] = &copied
	ms.mu.Unlock()
	return snap.SnapshotID, nil
}

// Load returns the stored snapshot for a checkpoint id.
func (ms *MemStore) Load(checkpointID string) (*Snapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	snap, ok := ms.snaps[checkpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
	}
	copied := *snap
	return &copied, nil
}
