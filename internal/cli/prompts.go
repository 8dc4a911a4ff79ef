package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/sdejongh/vcsreconcile/pkg/apply"
	"github.com/sdejongh/vcsreconcile/pkg/merge"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/storage"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// runForm runs a form and maps an aborted prompt to a user cancellation
func runForm(ctx context.Context, form *huh.Form) (bool, error) {
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// promptDecider asks on the terminal whether a writable local item may be overwritten
type promptDecider struct{}

func (promptDecider) DecideLocalConflict(ctx context.Context, path string, isSource bool) (apply.Decision, error) {
	overwrite := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s has local changes. Overwrite it?", path)).
				Description("Declining records a local conflict and leaves the file as it is.").
				Affirmative("Overwrite").
				Negative("Keep").
				Value(&overwrite),
		),
	)

	ok, err := runForm(ctx, form)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &models.UserCancelledError{Path: path, Step: "local conflict"}
	}
	if overwrite {
		return apply.DecisionOverride, nil
	}
	return apply.DecisionReport, nil
}

// promptNameMerger lets the user pick the server path of a renamed item
type promptNameMerger struct{}

const customName = "custom"

func (promptNameMerger) MergeName(ctx context.Context, yourName, theirName string) (string, bool, error) {
	choice := string(merge.ChooseYours)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("The item was renamed on both sides. Which name should it keep?").
				Options(
					huh.NewOption("Yours: "+yourName, string(merge.ChooseYours)),
					huh.NewOption("Theirs: "+theirName, string(merge.ChooseTheirs)),
					huh.NewOption("Another name", customName),
				).
				Value(&choice),
		),
	)
	if ok, err := runForm(ctx, form); !ok || err != nil {
		return "", false, err
	}

	switch choice {
	case string(merge.ChooseTheirs):
		return theirName, true, nil
	case customName:
		name := yourName
		input := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Server path").
					Value(&name).
					Validate(func(s string) error {
						if !strings.HasPrefix(s, "$/") {
							return errors.New("server paths start with $/")
						}
						return nil
					}),
			),
		)
		if ok, err := runForm(ctx, input); !ok || err != nil {
			return "", false, err
		}
		return name, true, nil
	}
	return yourName, true, nil
}

// promptContentMerger lets the user pick a side, try the automatic merge, or look at the
// differences first
type promptContentMerger struct {
	backend storage.Backend
	auto    *merge.PatchMerger
}

const (
	contentAuto   = "auto"
	contentYours  = "yours"
	contentTheirs = "theirs"
	contentDiff   = "diff"
	contentCancel = "cancel"
)

func (m promptContentMerger) MergeContent(ctx context.Context, triplet models.ContentTriplet, hint merge.ContentHint) (bool, error) {
	for {
		choice := contentAuto
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title(fmt.Sprintf("%s conflicts with %s", hint.LocalPath, hint.Revision)).
					Options(
						huh.NewOption("Merge automatically", contentAuto),
						huh.NewOption("Keep your content", contentYours),
						huh.NewOption("Take their content", contentTheirs),
						huh.NewOption("Show differences", contentDiff),
						huh.NewOption("Leave unresolved", contentCancel),
					).
					Value(&choice),
			),
		)
		if ok, err := runForm(ctx, form); !ok || err != nil {
			return false, err
		}

		switch choice {
		case contentAuto:
			merged, err := m.auto.MergeContent(ctx, triplet, hint)
			if errors.Is(err, merge.ErrUnmergedHunks) {
				fmt.Fprintf(os.Stderr, "Automatic merge failed: %v\n", err)
				continue
			}
			return merged, err
		case contentYours:
			return true, m.write(ctx, hint.LocalPath, triplet.Local)
		case contentTheirs:
			return true, m.write(ctx, hint.LocalPath, triplet.Server)
		case contentDiff:
			printDiff(triplet.Local, triplet.Server)
		default:
			return false, nil
		}
	}
}

func (m promptContentMerger) write(ctx context.Context, path, content string) error {
	if err := m.backend.Write(ctx, path, strings.NewReader(content), &storage.FileInfo{Permissions: 0644}); err != nil {
		return &models.FilesystemError{Op: "write merged content to", Path: path, Err: err}
	}
	return nil
}

// printDiff writes a coloured character diff from yours to theirs
func printDiff(yours, theirs string) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(yours, theirs, true)
	diffs = dmp.DiffCleanupSemantic(diffs)
	fmt.Fprintln(os.Stderr, dmp.DiffPrettyText(diffs))
}
