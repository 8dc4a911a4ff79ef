// Package merge holds the capabilities the conflict resolver hands user decisions to: picking a
// name for a renamed item and producing the merged content of a file.
package merge

import (
	"context"
	"errors"

	"github.com/sdejongh/vcsreconcile/pkg/models"
)

// ErrUnmergedHunks is returned when a three-way merge leaves changes that could not be applied
var ErrUnmergedHunks = errors.New("merge left unapplied changes")

// NameMerger picks the server path an item should end up at.
// ok is false when the user cancelled.
type NameMerger interface {
	MergeName(ctx context.Context, yourName, theirName string) (name string, ok bool, err error)
}

// ContentHint tells a content merger where the result goes
type ContentHint struct {
	LocalPath string
	// Revision labels the server side, e.g. "changeset 12"
	Revision string
}

// ContentMerger writes the merged content of triplet to hint.LocalPath.
// merged is false when the user cancelled; nothing is written then.
type ContentMerger interface {
	MergeContent(ctx context.Context, triplet models.ContentTriplet, hint ContentHint) (merged bool, err error)
}

// Choice is a fixed answer to a name merge
type Choice string

const (
	ChooseYours  Choice = "yours"
	ChooseTheirs Choice = "theirs"
	// ChooseCancel aborts every name merge
	ChooseCancel Choice = "cancel"
)

// ParseChoice validates a configured name choice, defaulting to yours
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case "":
		return ChooseYours, nil
	case ChooseYours, ChooseTheirs, ChooseCancel:
		return c, nil
	}
	return "", &models.ValidationError{Field: "name_choice", Message: "must be yours, theirs or cancel"}
}
