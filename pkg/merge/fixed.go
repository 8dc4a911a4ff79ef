package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/sdejongh/vcsreconcile/pkg/apply"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/storage"
)

// mergedPermissions leaves merged files writable: they carry a pending edit
const mergedPermissions = 0644

// FixedNameMerger answers every name merge the same way.
// A non-empty Custom name wins over Choice.
type FixedNameMerger struct {
	Choice Choice
	Custom string
}

func (m FixedNameMerger) MergeName(ctx context.Context, yourName, theirName string) (string, bool, error) {
	if m.Custom != "" {
		return m.Custom, true, nil
	}
	switch m.Choice {
	case ChooseTheirs:
		return theirName, true, nil
	case ChooseCancel:
		return "", false, nil
	}
	return yourName, true, nil
}

// FixedContentMerger writes the same content for every merge
type FixedContentMerger struct {
	Backend storage.Backend
	Content string
	// Cancel makes every merge report a user cancellation
	Cancel bool
	// Calls records the triplets it was given, Hints the matching hints
	Calls []models.ContentTriplet
	Hints []ContentHint
}

func (m *FixedContentMerger) MergeContent(ctx context.Context, triplet models.ContentTriplet, hint ContentHint) (bool, error) {
	m.Calls = append(m.Calls, triplet)
	m.Hints = append(m.Hints, hint)
	if m.Cancel {
		return false, nil
	}
	if err := writeMerged(ctx, m.Backend, hint.LocalPath, m.Content); err != nil {
		return false, err
	}
	return true, nil
}

func writeMerged(ctx context.Context, backend storage.Backend, path, content string) error {
	if err := backend.Write(ctx, path, strings.NewReader(content), &storage.FileInfo{Permissions: mergedPermissions}); err != nil {
		return &models.FilesystemError{Op: "write merged content to", Path: path, Err: err}
	}
	return nil
}

// ScriptedDecider answers local-conflict questions from a table of paths
type ScriptedDecider struct {
	Decisions map[string]apply.Decision
	Default   apply.Decision
	// Asked records every question in order
	Asked []string
}

func (d *ScriptedDecider) DecideLocalConflict(ctx context.Context, path string, isSource bool) (apply.Decision, error) {
	d.Asked = append(d.Asked, path)
	if decision, ok := d.Decisions[path]; ok {
		return decision, nil
	}
	switch d.Default {
	case apply.DecisionOverride, apply.DecisionReport:
		return d.Default, nil
	case "":
		return apply.DecisionReport, nil
	}
	return "", fmt.Errorf("unknown decision %q", d.Default)
}
