package models

import (
	"strings"
)

// ItemKind distinguishes files from folders
type ItemKind string

const (
	// KindFile is a regular file
	KindFile ItemKind = "file"
	// KindFolder is a directory
	KindFolder ItemKind = "folder"
)

// Mode selects the rules an operation batch is applied with
type Mode string

const (
	// ModeGet applies operations from a get (update workspace)
	ModeGet Mode = "get"
	// ModeUndo applies operations returned when pending changes are undone
	ModeUndo Mode = "undo"
	// ModeResolve applies operations returned by a conflict resolution
	ModeResolve Mode = "resolve"
)

// ChangeType is a bit mask of pending or server change kinds
type ChangeType uint16

const (
	ChangeAdd ChangeType = 1 << iota
	ChangeEdit
	ChangeDelete
	ChangeRename
	ChangeUndelete
	ChangeBranch
	ChangeEncoding

	// ChangeNone is the empty mask
	ChangeNone ChangeType = 0
)

var changeNames = []struct {
	flag ChangeType
	name string
}{
	{ChangeAdd, "add"},
	{ChangeEdit, "edit"},
	{ChangeDelete, "delete"},
	{ChangeRename, "rename"},
	{ChangeUndelete, "undelete"},
	{ChangeBranch, "branch"},
	{ChangeEncoding, "encoding"},
}

// Has reports whether every flag of other is set
func (c ChangeType) Has(other ChangeType) bool {
	return other != 0 && c&other == other
}

// HasAny reports whether at least one flag of other is set
func (c ChangeType) HasAny(other ChangeType) bool {
	return c&other != 0
}

// ContainsOnly reports whether c is non-empty and has no flag outside other
func (c ChangeType) ContainsOnly(other ChangeType) bool {
	return c != 0 && c&^other == 0
}

// String renders the mask as a comma separated list ("add, edit")
func (c ChangeType) String() string {
	if c == ChangeNone {
		return "none"
	}
	var parts []string
	for _, n := range changeNames {
		if c&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ", ")
}

// ParseChangeType parses the String form back into a mask.
// Separators may be commas, spaces or pipes; names are case-insensitive.
func ParseChangeType(s string) (ChangeType, error) {
	var c ChangeType
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '|'
	})
	for _, f := range fields {
		f = strings.ToLower(f)
		if f == "none" {
			continue
		}
		found := false
		for _, n := range changeNames {
			if n.name == f {
				c |= n.flag
				found = true
				break
			}
		}
		if !found {
			return ChangeNone, &ValidationError{Field: "change", Message: "unknown change type " + f}
		}
	}
	return c, nil
}

// Operation is one server-declared change (a get-operation) to apply to the workspace.
// An empty TargetLocalPath means delete, an empty SourceLocalPath means create.
type Operation struct {
	ItemID          int
	PendingChangeID int

	SourceLocalPath  string
	TargetLocalPath  string
	SourceServerPath string
	TargetServerPath string

	Kind          ItemKind
	ServerVersion int
	LocalVersion  int
	Change        ChangeType

	// DownloadURL locates the server content of a file, empty for folders
	DownloadURL string
	// Hash is the base64 MD5 of the server content when known
	Hash string

	HasConflict bool
}

// Path returns the path the operation is reported under
func (op *Operation) Path() string {
	if op.TargetLocalPath != "" {
		return op.TargetLocalPath
	}
	return op.SourceLocalPath
}

// IsDelete reports whether the operation removes its item from the workspace
func (op *Operation) IsDelete() bool {
	return op.SourceLocalPath != "" && op.TargetLocalPath == ""
}

// IsCreate reports whether the operation creates a new local item
func (op *Operation) IsCreate() bool {
	return op.SourceLocalPath == "" && op.TargetLocalPath != ""
}

// Validate checks the structural invariants of an operation
func (op *Operation) Validate() error {
	if op.SourceLocalPath == "" && op.TargetLocalPath == "" {
		return &ValidationError{Field: "Path", Message: "source or target local path is required"}
	}
	if op.Kind != KindFile && op.Kind != KindFolder {
		return &ValidationError{Field: "Kind", Message: "must be file or folder"}
	}
	if op.ServerVersion < 0 || op.LocalVersion < 0 {
		return &ValidationError{Field: "Version", Message: "versions cannot be negative"}
	}
	return nil
}

// LocalVersionUpdate records the version now present at a local path.
// An empty TargetLocalPath removes the item from the workspace.
type LocalVersionUpdate struct {
	ItemID          int
	TargetLocalPath string
	LocalVersion    int
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
