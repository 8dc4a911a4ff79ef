package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	// MetadataDir holds per-workspace client state
	MetadataDir = ".vcsreconcile"
	lockFile    = "lock"
)

// ErrWorkspaceLocked is returned when another process holds the workspace
var ErrWorkspaceLocked = errors.New("workspace is locked by another process")

// WorkspaceLock is an exclusive lock on a workspace root
type WorkspaceLock struct {
	flock *flock.Flock
}

// LockWorkspace takes the exclusive lock for root without blocking
func LockWorkspace(root string) (*WorkspaceLock, error) {
	dir := filepath.Join(root, MetadataDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	fl := flock.New(filepath.Join(dir, lockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return nil, ErrWorkspaceLocked
	}

	return &WorkspaceLock{flock: fl}, nil
}

// Unlock releases the lock and removes the lock file
func (w *WorkspaceLock) Unlock() error {
	// if this process hasn't locked the workspace, then don't delete the lock file
	if w == nil || !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}
