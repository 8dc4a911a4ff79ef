package merge

import (
	"context"
	"fmt"

	"github.com/sdejongh/vcsreconcile/pkg/logging"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/storage"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffCleanupThreshold is the diff length above which diffs are cleaned up before patching
const diffCleanupThreshold = 64

// PatchMerger merges text without asking anyone: the local edits (base to local) are replayed
// as patches on top of the server content.
type PatchMerger struct {
	backend storage.Backend
	logger  logging.Logger
}

// NewPatchMerger creates a merger writing results through backend
func NewPatchMerger(backend storage.Backend, logger logging.Logger) *PatchMerger {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &PatchMerger{backend: backend, logger: logger}
}

// Merge returns the three-way merge of triplet
func Merge(triplet models.ContentTriplet) (string, error) {
	switch {
	case triplet.Local == triplet.Base:
		return triplet.Server, nil
	case triplet.Server == triplet.Base, triplet.Server == triplet.Local:
		return triplet.Local, nil
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(triplet.Base, triplet.Local, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	patches := dmp.PatchMake(triplet.Base, diffs)
	merged, applied := dmp.PatchApply(patches, triplet.Server)
	failed := 0
	for _, ok := range applied {
		if !ok {
			failed++
		}
	}
	if failed > 0 {
		return merged, fmt.Errorf("%w: %d of %d", ErrUnmergedHunks, failed, len(applied))
	}
	return merged, nil
}

// MergeContent writes the merged text to hint.LocalPath. A merge that leaves unapplied hunks
// writes nothing and fails.
func (m *PatchMerger) MergeContent(ctx context.Context, triplet models.ContentTriplet, hint ContentHint) (bool, error) {
	merged, err := Merge(triplet)
	if err != nil {
		m.logger.Warn(ctx, "Automatic merge failed", logging.Fields{"path": hint.LocalPath, "revision": hint.Revision})
		return false, fmt.Errorf("%s: %w", hint.LocalPath, err)
	}
	if err := writeMerged(ctx, m.backend, hint.LocalPath, merged); err != nil {
		return false, err
	}
	m.logger.Debug(ctx, "Merged content", logging.Fields{"path": hint.LocalPath, "revision": hint.Revision})
	return true, nil
}
