// Package compare checks local file content against server-declared hashes.
package compare

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/sdejongh/vcsreconcile/pkg/storage"
)

// MD5Matcher compares a local file with the base64 MD5 the server reports for an item
type MD5Matcher struct {
	bufferPool *sync.Pool
}

// NewMD5Matcher creates a matcher reading with buffers of bufferSize bytes
func NewMD5Matcher(bufferSize int) *MD5Matcher {
	if bufferSize < 4096 {
		bufferSize = 4096
	}
	return &MD5Matcher{
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, bufferSize)
				return &buf
			},
		},
	}
}

// Hash returns the base64 encoded MD5 of the file at path
func (m *MD5Matcher) Hash(ctx context.Context, backend storage.Backend, path string) (string, error) {
	reader, err := backend.Read(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer reader.Close()

	hash := md5.New()
	bufPtr := m.bufferPool.Get().(*[]byte)
	defer m.bufferPool.Put(bufPtr)
	buf := *bufPtr

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			hash.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
	}

	return base64.StdEncoding.EncodeToString(hash.Sum(nil)), nil
}

// Matches reports whether the file at path hashes to expected.
// A missing file never matches; an empty expected hash always does.
func (m *MD5Matcher) Matches(ctx context.Context, backend storage.Backend, path, expected string) (bool, error) {
	if expected == "" {
		return true, nil
	}

	actual, err := m.Hash(ctx, backend, path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

// HashString returns the base64 MD5 of content, the form servers publish
func HashString(content string) string {
	sum := md5.Sum([]byte(content))
	return base64.StdEncoding.EncodeToString(sum[:])
}
