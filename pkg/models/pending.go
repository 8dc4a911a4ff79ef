package models

import (
	"fmt"
	"time"
)

// PendingChange is a local change recorded by the server but not checked in
type PendingChange struct {
	ID         int
	ItemID     int
	LocalPath  string
	ServerPath string
	// SourceServerPath is the path before a pending rename
	SourceServerPath string
	Kind             ItemKind
	Change           ChangeType
	// Version is the server version the change is based on
	Version   int
	CreatedAt time.Time
}

// Failure is a per-path failure reported by the server
type Failure struct {
	Path    string
	Code    string
	Message string
}

func (f Failure) Error() string {
	if f.Path == "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", f.Path, f.Message, f.Code)
}

// OperationsResult carries get-operations together with per-path failures
type OperationsResult struct {
	Operations []Operation
	Failures   []Failure
	// UndonePaths maps a requested local path to where the item lives after an undo
	UndonePaths map[string]string
}

// GetRequest asks for the operations bringing Path to a version
type GetRequest struct {
	Path string
	// Version 0 means latest
	Version int
	// WorkspaceVersion requests the version currently recorded for the workspace
	WorkspaceVersion bool
}

// LocalConflictReason tells which side of an operation diverged locally
type LocalConflictReason string

const (
	LocalConflictSource LocalConflictReason = "source"
	LocalConflictTarget LocalConflictReason = "target"
)

// LocalConflict is reported to the server when local state is not overridden
type LocalConflict struct {
	ItemID          int
	ServerVersion   int
	PendingChangeID int
	SourceLocalPath string
	TargetLocalPath string
	Reason          LocalConflictReason
}

// NewLocalConflict builds the report for an operation
func NewLocalConflict(op Operation, isSource bool) LocalConflict {
	reason := LocalConflictTarget
	if isSource {
		reason = LocalConflictSource
	}
	return LocalConflict{
		ItemID:          op.ItemID,
		ServerVersion:   op.ServerVersion,
		PendingChangeID: op.PendingChangeID,
		SourceLocalPath: op.SourceLocalPath,
		TargetLocalPath: op.TargetLocalPath,
		Reason:          reason,
	}
}
