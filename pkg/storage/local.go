package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sdejongh/vcsreconcile/internal/platform"
	"github.com/spf13/afero"
)

// Local is a workspace backend on top of an afero filesystem
type Local struct {
	fs       afero.Fs
	rootPath string
}

// NewLocal creates a backend rooted at rootPath on the OS filesystem
func NewLocal(rootPath string) (*Local, error) {
	absPath, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return NewLocalFs(afero.NewOsFs(), absPath)
}

// NewLocalFs creates a backend rooted at rootPath on an arbitrary afero filesystem.
// rootPath must be absolute and must exist.
func NewLocalFs(fsys afero.Fs, rootPath string) (*Local, error) {
	rootPath = platform.NormalizePath(rootPath)

	info, err := fsys.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to access path: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", rootPath)
	}

	return &Local{fs: fsys, rootPath: rootPath}, nil
}

// Root returns the workspace root
func (l *Local) Root() string {
	return l.rootPath
}

// Fs exposes the underlying filesystem
func (l *Local) Fs() afero.Fs {
	return l.fs
}

func (l *Local) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.rootPath, path)
	}
	path = platform.NormalizePath(path)
	if !platform.IsAncestor(l.rootPath, path, false) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return path, nil
}

func (l *Local) fileInfo(path string, info fs.FileInfo) FileInfo {
	relPath, err := filepath.Rel(l.rootPath, path)
	if err != nil {
		relPath = path
	}
	return FileInfo{
		Path:         path,
		Size:         info.Size(),
		ModTime:      info.ModTime(),
		IsDir:        info.IsDir(),
		Permissions:  uint32(info.Mode().Perm()),
		RelativePath: relPath,
	}
}

// List returns path and all items below it
func (l *Local) List(ctx context.Context, path string) ([]FileInfo, error) {
	fullPath, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	var files []FileInfo

	err = afero.Walk(l.fs, fullPath, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Check context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		files = append(files, l.fileInfo(p, info))
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return files, nil
}

// Read opens a file for reading
func (l *Local) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := l.fs.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Write streams reader into a temporary file next to path and renames it into place
func (l *Local) Write(ctx context.Context, path string, reader io.Reader, metadata *FileInfo) error {
	fullPath, err := l.resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := l.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := afero.TempFile(l.fs, dir, "."+filepath.Base(fullPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		l.fs.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		l.fs.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := l.fs.Rename(tmpName, fullPath); err != nil {
		l.fs.Remove(tmpName)
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	// Preserve metadata if provided
	if metadata != nil {
		if !metadata.ModTime.IsZero() {
			if err := l.fs.Chtimes(fullPath, metadata.ModTime, metadata.ModTime); err != nil {
				return fmt.Errorf("failed to set modification time: %w", err)
			}
		}

		if metadata.Permissions != 0 {
			if err := l.fs.Chmod(fullPath, os.FileMode(metadata.Permissions)); err != nil {
				return fmt.Errorf("failed to set permissions: %w", err)
			}
		}
	}

	return nil
}

// Delete removes a file or directory tree
func (l *Local) Delete(ctx context.Context, path string) error {
	fullPath, err := l.resolve(path)
	if err != nil {
		return err
	}
	if fullPath == l.rootPath {
		return fmt.Errorf("refusing to delete the workspace root")
	}

	if err := l.fs.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}

	return nil
}

// Rename moves a file or directory, replacing a file at newPath
func (l *Local) Rename(ctx context.Context, oldPath, newPath string) error {
	from, err := l.resolve(oldPath)
	if err != nil {
		return err
	}
	to, err := l.resolve(newPath)
	if err != nil {
		return err
	}

	if err := l.fs.Rename(from, to); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}
	return nil
}

// Exists checks if a file or directory exists
func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := l.resolve(path)
	if err != nil {
		return false, err
	}

	_, err = l.fs.Stat(fullPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check existence: %w", err)
}

// Stat returns file metadata
func (l *Local) Stat(ctx context.Context, path string) (*FileInfo, error) {
	fullPath, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := l.fs.Stat(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	fi := l.fileInfo(fullPath, info)
	return &fi, nil
}

// MkdirAll creates a directory and all necessary parents
func (l *Local) MkdirAll(ctx context.Context, path string) error {
	fullPath, err := l.resolve(path)
	if err != nil {
		return err
	}

	if err := l.fs.MkdirAll(fullPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	return nil
}

// SetWritable toggles the owner write bit
func (l *Local) SetWritable(ctx context.Context, path string, writable bool) error {
	fullPath, err := l.resolve(path)
	if err != nil {
		return err
	}

	info, err := l.fs.Stat(fullPath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	mode := info.Mode().Perm()
	if writable {
		mode |= 0200
	} else {
		mode &^= 0222
	}
	if err := l.fs.Chmod(fullPath, mode); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	return nil
}

// Close releases resources (no-op for local filesystem)
func (l *Local) Close() error {
	return nil
}
