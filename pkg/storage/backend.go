package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrOutsideRoot is returned for paths that do not lie inside the workspace root
var ErrOutsideRoot = errors.New("path is outside the workspace root")

// FileInfo represents metadata about a local item
type FileInfo struct {
	Path         string
	Size         int64
	ModTime      time.Time
	IsDir        bool
	Permissions  uint32
	RelativePath string
}

// Writable reports whether the owner may write the item.
// Checked-in files are kept read-only, so a writable file carries local edits.
func (f *FileInfo) Writable() bool {
	return f.Permissions&0200 != 0
}

// Backend defines the filesystem operations the reconciler performs on a workspace.
// All paths are absolute local paths inside Root.
type Backend interface {
	// Root returns the absolute workspace root
	Root() string

	// List returns path and everything below it
	List(ctx context.Context, path string) ([]FileInfo, error)

	// Read opens a file for reading
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write atomically replaces a file with the given content.
	// If metadata carries permissions they are applied after the rename.
	Write(ctx context.Context, path string, reader io.Reader, metadata *FileInfo) error

	// Delete removes a file or directory tree. Deleting a missing path succeeds.
	Delete(ctx context.Context, path string) error

	// Rename moves a file or directory
	Rename(ctx context.Context, oldPath, newPath string) error

	// Exists checks if a file or directory exists
	Exists(ctx context.Context, path string) (bool, error)

	// Stat returns file metadata; a missing path yields an error matching fs.ErrNotExist
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// MkdirAll creates a directory and all necessary parents
	MkdirAll(ctx context.Context, path string) error

	// SetWritable toggles the owner write bit of a file
	SetWritable(ctx context.Context, path string, writable bool) error

	// Close releases any resources held by the backend
	Close() error
}
