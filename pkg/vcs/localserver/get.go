package localserver

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/sdejongh/vcsreconcile/internal/platform"
	"github.com/sdejongh/vcsreconcile/pkg/models"
)

// itemState gathers what the server knows about one item while planning a get
type itemState struct {
	latest    *versionRow
	target    *versionRow
	workspace *workspaceRow
	pending   *pendingRow
	conflict  *conflictRow
}

// Get returns the operations bringing the requested paths to the requested versions.
// Items whose pending change collides with a newer server version get a conflict recorded and
// come back as conflicted operations.
func (s *Server) Get(ctx context.Context, requests []models.GetRequest) ([]models.Operation, error) {
	var ops []models.Operation
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		ids, err := itemIDs(ctx, tx)
		if err != nil {
			return err
		}

		seen := make(map[int]bool)
		for _, req := range requests {
			scope := s.ServerPath(req.Path)
			if scope == "" {
				return fmt.Errorf("%s is not mapped to %s", req.Path, s.serverRoot)
			}

			for _, id := range ids {
				if seen[id] {
					continue
				}
				st, err := s.loadItem(ctx, tx, id, req)
				if err != nil {
					return err
				}
				if st == nil || !st.inScope(scope) {
					continue
				}
				seen[id] = true

				op, err := s.planItem(ctx, tx, id, st, req)
				if err != nil {
					return err
				}
				if op != nil {
					ops = append(ops, *op)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(ops, func(i, j int) bool {
		return platform.ComparePaths(ops[i].Path(), ops[j].Path()) < 0
	})
	return ops, nil
}

func (s *Server) loadItem(ctx context.Context, q querier, id int, req models.GetRequest) (*itemState, error) {
	st := &itemState{}
	var err error
	if st.latest, err = rowAt(ctx, q, id, latestVersion); err != nil {
		return nil, err
	}
	if st.workspace, err = workspaceItem(ctx, q, id); err != nil {
		return nil, err
	}
	if st.pending, err = pendingFor(ctx, q, id); err != nil {
		return nil, err
	}
	if st.conflict, err = conflictFor(ctx, q, id); err != nil {
		return nil, err
	}

	switch {
	case req.WorkspaceVersion:
		if st.workspace == nil {
			return nil, nil
		}
		st.target, err = rowAt(ctx, q, id, st.workspace.LocalVersion)
	case req.Version > 0:
		st.target, err = rowAt(ctx, q, id, req.Version)
	default:
		st.target = st.latest
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (st *itemState) inScope(scope string) bool {
	if st.target != nil && platform.IsServerAncestor(scope, st.target.ServerPath, false) {
		return true
	}
	if st.workspace != nil && st.workspace.ServerPath != "" && platform.IsServerAncestor(scope, st.workspace.ServerPath, false) {
		return true
	}
	return st.pending != nil && platform.IsServerAncestor(scope, st.pending.ServerPath, false)
}

func (st *itemState) targetDeleted() bool {
	return st.target == nil || st.target.Deleted
}

func (s *Server) planItem(ctx context.Context, tx *sqlx.Tx, id int, st *itemState, req models.GetRequest) (*models.Operation, error) {
	if st.pending != nil {
		if req.WorkspaceVersion || st.pending.change().Has(models.ChangeAdd) {
			return nil, nil
		}
		return s.planPendingItem(ctx, tx, id, st)
	}

	ws := st.workspace
	if ws == nil || ws.ServerPath == "" {
		if st.targetDeleted() {
			return nil, nil
		}
		op := s.newOperation(id, st.target)
		op.TargetLocalPath = s.LocalPath(st.target.ServerPath)
		op.TargetServerPath = st.target.ServerPath
		op.ServerVersion = st.target.Version
		op.Change = models.ChangeAdd
		return op, nil
	}

	if st.targetDeleted() {
		version := req.Version
		if st.target != nil {
			version = st.target.Version
		}
		kind, err := itemKind(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return &models.Operation{
			ItemID:           id,
			SourceLocalPath:  s.LocalPath(ws.ServerPath),
			SourceServerPath: ws.ServerPath,
			Kind:             kind,
			ServerVersion:    version,
			LocalVersion:     ws.LocalVersion,
			Change:           models.ChangeDelete,
		}, nil
	}

	held, err := rowAt(ctx, tx, id, ws.LocalVersion)
	if err != nil {
		return nil, err
	}

	rename := ws.ServerPath != st.target.ServerPath
	if st.target.Version == ws.LocalVersion && !rename {
		if !req.WorkspaceVersion {
			return nil, nil
		}
		// forced re-get at the held version; the executor compares hashes
		op := s.newOperation(id, st.target)
		op.SourceLocalPath = s.LocalPath(ws.ServerPath)
		op.TargetLocalPath = op.SourceLocalPath
		op.SourceServerPath = ws.ServerPath
		op.TargetServerPath = ws.ServerPath
		op.ServerVersion = ws.LocalVersion
		op.LocalVersion = ws.LocalVersion
		return op, nil
	}

	op := s.newOperation(id, st.target)
	op.SourceLocalPath = s.LocalPath(ws.ServerPath)
	op.TargetLocalPath = s.LocalPath(st.target.ServerPath)
	op.SourceServerPath = ws.ServerPath
	op.TargetServerPath = st.target.ServerPath
	op.ServerVersion = st.target.Version
	op.LocalVersion = ws.LocalVersion
	if rename {
		op.Change |= models.ChangeRename
	}
	if op.Kind == models.KindFile && (held == nil || held.Content != st.target.Content) {
		op.Change |= models.ChangeEdit
	}
	return op, nil
}

// planPendingItem handles an item carrying a pending change
func (s *Server) planPendingItem(ctx context.Context, tx *sqlx.Tx, id int, st *itemState) (*models.Operation, error) {
	p := st.pending
	kind, err := itemKind(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	conflicted := &models.Operation{
		ItemID:           id,
		PendingChangeID:  p.ID,
		SourceLocalPath:  s.LocalPath(p.ServerPath),
		TargetLocalPath:  s.LocalPath(p.ServerPath),
		SourceServerPath: p.ServerPath,
		TargetServerPath: p.ServerPath,
		Kind:             kind,
		Change:           p.change(),
		HasConflict:      true,
	}

	if st.conflict != nil {
		conflicted.ServerVersion = st.conflict.TheirVersion
		conflicted.LocalVersion = st.conflict.BaseVersion
		return conflicted, nil
	}
	if st.target == nil || st.target.Version <= p.BaseVersion {
		return nil, nil
	}

	base, err := rowAt(ctx, tx, id, p.BaseVersion)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, fmt.Errorf("item %d has no history at base version %d", id, p.BaseVersion)
	}

	var baseChanges models.ChangeType
	switch {
	case st.target.Deleted:
		baseChanges = models.ChangeDelete
	default:
		if st.target.ServerPath != base.ServerPath {
			baseChanges |= models.ChangeRename
		}
		if kind == models.KindFile && st.target.Content != base.Content {
			baseChanges |= models.ChangeEdit
		}
	}

	if baseChanges == models.ChangeNone {
		return nil, s.rebase(ctx, tx, st, st.target)
	}

	conflict := conflictRow{
		ItemID:          id,
		TheirServerPath: st.target.ServerPath,
		YourServerPath:  p.ServerPath,
		OldServerPath:   p.SourceServerPath,
		YourChanges:     p.ChangeMask,
		BaseChanges:     int(baseChanges),
		TheirVersion:    st.target.Version,
		BaseVersion:     p.BaseVersion,
	}

	nameConflict := baseChanges.Has(models.ChangeRename) && p.ServerPath != st.target.ServerPath
	contentConflict := p.change().Has(models.ChangeEdit) && baseChanges.Has(models.ChangeEdit)

	switch {
	case p.change().Has(models.ChangeDelete) || st.target.Deleted:
		conflict.Kind = string(models.ConflictDelete)
	case nameConflict && contentConflict:
		conflict.Kind = string(models.ConflictNameAndContent)
	case nameConflict:
		conflict.Kind = string(models.ConflictRename)
	case contentConflict:
		conflict.Kind = string(models.ConflictContent)
	case baseChanges.Has(models.ChangeEdit):
		// a local rename only: fetch the new content into the renamed file
		op := s.newOperation(id, st.target)
		op.PendingChangeID = p.ID
		op.SourceLocalPath = s.LocalPath(p.ServerPath)
		op.TargetLocalPath = op.SourceLocalPath
		op.SourceServerPath = p.ServerPath
		op.TargetServerPath = p.ServerPath
		op.ServerVersion = st.target.Version
		op.LocalVersion = st.workspace.LocalVersion
		op.Change = models.ChangeEdit
		return op, s.rebase(ctx, tx, st, nil)
	default:
		return nil, s.rebase(ctx, tx, st, st.target)
	}

	if err := putConflict(ctx, tx, conflict); err != nil {
		return nil, err
	}
	conflicted.ServerVersion = conflict.TheirVersion
	conflicted.LocalVersion = conflict.BaseVersion
	return conflicted, nil
}

// rebase moves a pending change onto the target version. When held is set the workspace is
// recorded as already holding it.
func (s *Server) rebase(ctx context.Context, tx *sqlx.Tx, st *itemState, held *versionRow) error {
	p := *st.pending
	p.BaseVersion = st.target.Version
	p.SourceServerPath = st.target.ServerPath
	if err := putPending(ctx, tx, p); err != nil {
		return err
	}
	if held == nil || st.workspace == nil {
		return nil
	}
	ws := *st.workspace
	ws.LocalVersion = held.Version
	return putWorkspaceItem(ctx, tx, ws)
}

// newOperation fills the item fields of an operation fetching row
func (s *Server) newOperation(id int, row *versionRow) *models.Operation {
	op := &models.Operation{ItemID: id, Kind: row.kind()}
	if op.Kind == models.KindFile {
		op.DownloadURL = downloadURL(id, row.Version)
		op.Hash = contentHash(row)
	}
	return op
}
