package models

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled marks a batch stopped by context cancellation
	ErrCancelled = errors.New("operation cancelled")

	// ErrFolderNotEmpty is wrapped when a folder still holds files the batch may not remove
	ErrFolderNotEmpty = errors.New("folder is not empty")
)

// FilesystemError reports a failed create, delete, rename or write
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("failed to %s '%s': %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// TypeMismatchError reports a folder where a file was expected or the reverse
type TypeMismatchError struct {
	Path     string
	Expected ItemKind
}

func (e *TypeMismatchError) Error() string {
	found := KindFolder
	if e.Expected == KindFolder {
		found = KindFile
	}
	return fmt.Sprintf("expected %s at '%s' but found a %s", e.Expected, e.Path, found)
}

// LocalConflictError reports local state that was not overridden
type LocalConflictError struct {
	Path     string
	IsSource bool
}

func (e *LocalConflictError) Error() string {
	return fmt.Sprintf("local conflict detected for '%s'", e.Path)
}

// ServerError wraps a failure returned by the server collaborator
type ServerError struct {
	Op  string
	Err error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s failed: %v", e.Op, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// UserCancelledError reports a merge step aborted by the user. It is not a failure.
type UserCancelledError struct {
	Path string
	Step string
}

func (e *UserCancelledError) Error() string {
	return fmt.Sprintf("%s cancelled by user for '%s'", e.Step, e.Path)
}

// IsUserCancelled reports whether err is or wraps a UserCancelledError
func IsUserCancelled(err error) bool {
	var uc *UserCancelledError
	return errors.As(err, &uc)
}
