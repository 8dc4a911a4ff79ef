// Package conflicts classifies server-reported conflicts and drives their resolution.
package conflicts

import (
	"fmt"
	"strconv"

	"github.com/sdejongh/vcsreconcile/pkg/models"
)

// Classification is the resolution path a conflict takes
type Classification string

const (
	ClassNameOnly       Classification = "name-only"
	ClassContentOnly    Classification = "content-only"
	ClassNameAndContent Classification = "name-and-content"
	ClassDelete         Classification = "delete"
	// ClassUnclassifiable covers merge conflicts whose mapping names no change the resolver
	// can act on
	ClassUnclassifiable Classification = "unclassifiable"
)

// IsMergeConflict reports whether c was raised by a branch merge
func IsMergeConflict(c models.Conflict) bool {
	return c.Kind == models.ConflictMerge
}

func mappingHas(c models.Conflict, flags models.ChangeType) bool {
	return IsMergeConflict(c) && c.Mapping != nil && c.Mapping.ChangeTypes.HasAny(flags)
}

// IsNameConflict reports whether resolving c involves choosing a name
func IsNameConflict(c models.Conflict) bool {
	switch c.Kind {
	case models.ConflictRename, models.ConflictNameAndContent:
		return true
	}
	return mappingHas(c, models.ChangeRename)
}

// IsContentConflict reports whether resolving c involves merging content
func IsContentConflict(c models.Conflict) bool {
	switch c.Kind {
	case models.ConflictContent, models.ConflictNameAndContent:
		return true
	}
	return mappingHas(c, models.ChangeEdit)
}

// IsDeleteConflict reports whether one side of c deleted the item
func IsDeleteConflict(c models.Conflict) bool {
	switch c.Kind {
	case models.ConflictDelete, models.ConflictDeleteTarget:
		return true
	}
	return mappingHas(c, models.ChangeDelete|models.ChangeUndelete)
}

// Classify returns exactly one classification for c. Delete wins over everything else.
func Classify(c models.Conflict) Classification {
	name, content := IsNameConflict(c), IsContentConflict(c)
	switch {
	case IsDeleteConflict(c):
		return ClassDelete
	case name && content:
		return ClassNameAndContent
	case name:
		return ClassNameOnly
	case content:
		return ClassContentOnly
	}
	return ClassUnclassifiable
}

// MergeFromVersion returns the changeset a merge conflict was merged from. Only changeset
// version specs are supported.
func MergeFromVersion(c models.Conflict) (int, error) {
	if !IsMergeConflict(c) || c.Mapping == nil {
		return 0, fmt.Errorf("%s is not a merge conflict", c.LocalPath)
	}
	end := c.Mapping.FromVersion.End
	if end.Type != models.VersionChangeset {
		return 0, fmt.Errorf("unsupported merge version type %q for %s", end.Type, c.LocalPath)
	}
	version, err := strconv.Atoi(end.Value)
	if err != nil {
		return 0, fmt.Errorf("invalid changeset %q for %s: %w", end.Value, c.LocalPath, err)
	}
	return version, nil
}
