// Package ordering arranges get-operations so that a parent is always applied before the
// items below it, and keeps queued source paths valid after a folder moves.
package ordering

import (
	"github.com/sdejongh/vcsreconcile/internal/platform"
	"github.com/sdejongh/vcsreconcile/pkg/models"
)

// Sort returns a new slice in application order. Each operation is inserted right before the
// first already placed operation whose source lies strictly under its own source; otherwise it
// is appended. Operations without a source are appended in arrival order.
func Sort(ops []models.Operation) []models.Operation {
	sorted := make([]models.Operation, 0, len(ops))

	for _, op := range ops {
		idx := len(sorted)
		if op.SourceLocalPath != "" {
			for i := range sorted {
				if platform.IsAncestor(op.SourceLocalPath, sorted[i].SourceLocalPath, true) {
					idx = i
					break
				}
			}
		}
		sorted = append(sorted, models.Operation{})
		copy(sorted[idx+1:], sorted[idx:])
		sorted[idx] = op
	}

	return sorted
}

// RewriteSourcePaths updates every operation after index from whose source is oldPath or lies
// under it, so it points below newPath instead. It returns the number of rewritten operations.
func RewriteSourcePaths(ops []models.Operation, from int, oldPath, newPath string) int {
	if oldPath == "" || newPath == "" || platform.EqualPaths(oldPath, newPath) {
		return 0
	}

	n := 0
	for i := from + 1; i < len(ops); i++ {
		rewritten, ok := platform.ReplacePrefix(ops[i].SourceLocalPath, oldPath, newPath)
		if !ok {
			continue
		}
		ops[i].SourceLocalPath = rewritten
		n++
	}
	return n
}
