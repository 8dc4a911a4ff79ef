package models

import (
	"path/filepath"
	"strings"
)

// ConflictKind is the server-reported kind of a conflict
type ConflictKind string

const (
	// ConflictContent indicates both sides edited the item
	ConflictContent ConflictKind = "content"
	// ConflictRename indicates both sides renamed the item
	ConflictRename ConflictKind = "rename"
	// ConflictNameAndContent indicates a rename and an edit collided
	ConflictNameAndContent ConflictKind = "name-and-content"
	// ConflictDelete indicates one side deleted the item the other changed
	ConflictDelete ConflictKind = "delete"
	// ConflictDeleteTarget indicates the target of a change was deleted
	ConflictDeleteTarget ConflictKind = "delete-target"
	// ConflictMerge indicates a conflict raised by a branch merge
	ConflictMerge ConflictKind = "merge"
)

// VersionType names the flavour of a version spec
type VersionType string

const (
	VersionChangeset VersionType = "changeset"
	VersionDate      VersionType = "date"
	VersionLabel     VersionType = "label"
	VersionLatest    VersionType = "latest"
	VersionWorkspace VersionType = "workspace"
)

// VersionSpec identifies a server version
type VersionSpec struct {
	Type  VersionType
	Value string
}

// VersionRange is an inclusive range of versions
type VersionRange struct {
	Start VersionSpec
	End   VersionSpec
}

// MergeMapping describes the branch relationship behind a merge conflict
type MergeMapping struct {
	FromServerItem string
	ToServerItem   string
	ChangeTypes    ChangeType
	FromVersion    VersionRange
}

// Conflict is a disagreement between local and server state for one item
type Conflict struct {
	ID     int
	ItemID int

	// LocalPath is where the item currently lives in the workspace
	LocalPath string

	TheirServerPath string
	YourServerPath  string
	// OldServerPath is the server path the pending change was based on
	OldServerPath string

	YourChanges ChangeType
	BaseChanges ChangeType

	TheirVersion int
	BaseVersion  int

	Kind ConflictKind

	// Mapping is only set for merge conflicts
	Mapping *MergeMapping
}

// ResolutionType tells the server how to resolve a conflict
type ResolutionType string

const (
	// ResolutionTakeTheirs discards the local change in favour of the server state
	ResolutionTakeTheirs ResolutionType = "take-theirs"
	// ResolutionKeepYours keeps the local change, rebased on the server version
	ResolutionKeepYours ResolutionType = "keep-yours"
	// ResolutionTakeTheirsName accepts the server name and keeps local content.
	// The content part of the conflict stays open.
	ResolutionTakeTheirsName ResolutionType = "take-theirs-name"
)

// ParseResolutionType validates a resolution name
func ParseResolutionType(s string) (ResolutionType, error) {
	switch r := ResolutionType(strings.ToLower(s)); r {
	case ResolutionTakeTheirs, ResolutionKeepYours, ResolutionTakeTheirsName:
		return r, nil
	}
	return "", &ValidationError{Field: "resolution", Message: "must be take-theirs, keep-yours or take-theirs-name"}
}

// ResolveRequest asks the server to resolve the conflict at Path
type ResolveRequest struct {
	Path       string
	Resolution ResolutionType
	// NewServerPath is the name chosen for a rename, optional
	NewServerPath string
}

// ResolveResult is the server's answer to a resolve request
type ResolveResult struct {
	// Resolved holds the post-resolution state of the conflict, empty when nothing changed
	Resolved []Conflict
	// Operations must be applied in resolve mode
	Operations []Operation
	// UndoOperations must be applied in undo mode with overwrite
	UndoOperations []Operation
}

// ContentTriplet holds the three inputs of a content merge
type ContentTriplet struct {
	Base   string
	Local  string
	Server string
}

// NameMergerResolution records the outcome of a name merge
type NameMergerResolution struct {
	TheirName    string
	YourName     string
	ResolvedName string

	// ResolvedLocalPath is filled in after the server resolves the rename
	ResolvedLocalPath string
}

// ChoseTheirs reports whether the user picked the server name
func (r *NameMergerResolution) ChoseTheirs() bool {
	return r.ResolvedName == r.TheirName
}

// FallbackLocalPath sets ResolvedLocalPath to the local form of the chosen name when the server
// did not report one. toLocal maps a server path to a local path.
func (r *NameMergerResolution) FallbackLocalPath(toLocal func(string) string) {
	if r.ResolvedLocalPath != "" {
		return
	}
	if toLocal != nil {
		r.ResolvedLocalPath = toLocal(r.ResolvedName)
		return
	}
	r.ResolvedLocalPath = filepath.FromSlash(r.ResolvedName)
}

// Outcome is the terminal state of one conflict resolution
type Outcome string

const (
	OutcomeResolved Outcome = "resolved"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)
