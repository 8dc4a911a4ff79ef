package localserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/sdejongh/vcsreconcile/internal/platform"
	"github.com/sdejongh/vcsreconcile/pkg/models"
)

// GetConflicts lists the conflicts of items under the local root
func (s *Server) GetConflicts(ctx context.Context, root string) ([]models.Conflict, error) {
	scope := s.serverRoot
	if root != "" {
		if scope = s.ServerPath(root); scope == "" {
			return nil, fmt.Errorf("%s is not mapped to %s", root, s.serverRoot)
		}
	}

	rows, err := conflictRows(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var conflicts []models.Conflict
	for _, row := range rows {
		p, err := pendingFor(ctx, s.db, row.ItemID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		if !platform.IsServerAncestor(scope, p.ServerPath, false) && !platform.IsServerAncestor(scope, row.TheirServerPath, false) {
			continue
		}
		conflicts = append(conflicts, s.toConflict(row, p))
	}
	return conflicts, nil
}

func (s *Server) toConflict(row conflictRow, p *pendingRow) models.Conflict {
	return models.Conflict{
		ID:              row.ID,
		ItemID:          row.ItemID,
		LocalPath:       s.LocalPath(p.ServerPath),
		TheirServerPath: row.TheirServerPath,
		YourServerPath:  row.YourServerPath,
		OldServerPath:   row.OldServerPath,
		YourChanges:     models.ChangeType(row.YourChanges),
		BaseChanges:     models.ChangeType(row.BaseChanges),
		TheirVersion:    row.TheirVersion,
		BaseVersion:     row.BaseVersion,
		Kind:            models.ConflictKind(row.Kind),
	}
}

// ResolveConflict resolves the conflict at req.Path. The result is empty when no conflict is
// recorded there.
func (s *Server) ResolveConflict(ctx context.Context, req models.ResolveRequest) (*models.ResolveResult, error) {
	if _, err := models.ParseResolutionType(string(req.Resolution)); err != nil {
		return nil, err
	}
	serverPath := s.ServerPath(req.Path)
	if serverPath == "" {
		return nil, fmt.Errorf("%s is not mapped to %s", req.Path, s.serverRoot)
	}

	result := &models.ResolveResult{}
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		pending, err := pendingChanges(ctx, tx)
		if err != nil {
			return err
		}
		p := pendingAt(pending, serverPath)
		if p == nil {
			return nil
		}
		c, err := conflictFor(ctx, tx, p.ItemID)
		if err != nil || c == nil {
			return err
		}

		r := &resolution{server: s, tx: tx, pending: p, conflict: c}
		if err := r.load(ctx); err != nil {
			return err
		}

		switch req.Resolution {
		case models.ResolutionTakeTheirs:
			return r.takeTheirs(ctx, result)
		case models.ResolutionKeepYours:
			return r.keepYours(ctx, req.NewServerPath, result)
		default:
			return r.takeTheirsName(ctx, result)
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// resolution carries the rows one resolve call works on
type resolution struct {
	server    *Server
	tx        *sqlx.Tx
	pending   *pendingRow
	conflict  *conflictRow
	workspace *workspaceRow
	latest    *versionRow
	kind      models.ItemKind
}

func (r *resolution) load(ctx context.Context) error {
	id := r.pending.ItemID
	var err error
	if r.workspace, err = workspaceItem(ctx, r.tx, id); err != nil {
		return err
	}
	if r.workspace == nil {
		r.workspace = &workspaceRow{ItemID: id, LocalVersion: r.pending.BaseVersion}
	}
	if r.latest, err = rowAt(ctx, r.tx, id, latestVersion); err != nil {
		return err
	}
	if r.latest == nil {
		return fmt.Errorf("item %d has no history", id)
	}
	r.kind, err = itemKind(ctx, r.tx, id)
	return err
}

func (r *resolution) resolved() []models.Conflict {
	return []models.Conflict{r.server.toConflict(*r.conflict, r.pending)}
}

func (r *resolution) fetch(op *models.Operation, row *versionRow) {
	if r.kind == models.KindFile && !row.Deleted {
		op.DownloadURL = downloadURL(row.ItemID, row.Version)
		op.Hash = contentHash(row)
	}
}

// takeTheirs drops the local change and returns the operation that restores the server state
func (r *resolution) takeTheirs(ctx context.Context, result *models.ResolveResult) error {
	result.Resolved = r.resolved()

	id := r.pending.ItemID
	if err := deleteConflict(ctx, r.tx, id); err != nil {
		return err
	}
	if err := deletePending(ctx, r.tx, id); err != nil {
		return err
	}

	op := models.Operation{
		ItemID:           id,
		PendingChangeID:  r.pending.ID,
		SourceLocalPath:  r.server.LocalPath(r.workspace.ServerPath),
		SourceServerPath: r.workspace.ServerPath,
		Kind:             r.kind,
		ServerVersion:    r.latest.Version,
		LocalVersion:     r.workspace.LocalVersion,
		Change:           r.pending.change() & models.ChangeEdit,
	}
	if !r.latest.Deleted {
		op.TargetLocalPath = r.server.LocalPath(r.latest.ServerPath)
		op.TargetServerPath = r.latest.ServerPath
		r.fetch(&op, r.latest)
	}
	switch {
	case op.SourceLocalPath == "" && op.TargetLocalPath == "":
		return deleteWorkspaceItem(ctx, r.tx, id)
	case op.TargetLocalPath == "":
		op.Change |= models.ChangeDelete
	case op.SourceLocalPath == "":
		op.Change |= models.ChangeAdd
	case op.SourceLocalPath != op.TargetLocalPath:
		op.Change |= models.ChangeRename
	}
	result.UndoOperations = append(result.UndoOperations, op)
	return nil
}

// keepYours rebases the local change on the latest server version
func (r *resolution) keepYours(ctx context.Context, newServerPath string, result *models.ResolveResult) error {
	result.Resolved = r.resolved()

	id := r.pending.ItemID
	if err := deleteConflict(ctx, r.tx, id); err != nil {
		return err
	}

	change := r.pending.change()
	if change.Has(models.ChangeDelete) {
		if r.latest.Deleted {
			if err := deletePending(ctx, r.tx, id); err != nil {
				return err
			}
			return deleteWorkspaceItem(ctx, r.tx, id)
		}
		p := *r.pending
		p.ServerPath = r.latest.ServerPath
		p.SourceServerPath = r.latest.ServerPath
		p.BaseVersion = r.latest.Version
		if err := putPending(ctx, r.tx, p); err != nil {
			return err
		}
		ws := *r.workspace
		ws.LocalVersion = r.latest.Version
		return putWorkspaceItem(ctx, r.tx, ws)
	}

	if r.latest.Deleted {
		return r.readd(ctx)
	}

	target := r.pending.ServerPath
	if newServerPath != "" {
		target = newServerPath
	}
	if !platform.IsServerAncestor(r.server.serverRoot, target, false) {
		return fmt.Errorf("%s is not under %s", target, r.server.serverRoot)
	}
	if target != r.latest.ServerPath {
		change |= models.ChangeRename
	} else {
		change &^= models.ChangeRename
	}

	if change == models.ChangeNone {
		if err := deletePending(ctx, r.tx, id); err != nil {
			return err
		}
	} else {
		p := *r.pending
		p.ChangeMask = int(change)
		p.ServerPath = target
		p.SourceServerPath = r.latest.ServerPath
		p.BaseVersion = r.latest.Version
		if err := putPending(ctx, r.tx, p); err != nil {
			return err
		}
	}

	op := models.Operation{
		ItemID:           id,
		PendingChangeID:  r.pending.ID,
		SourceLocalPath:  r.server.LocalPath(r.workspace.ServerPath),
		TargetLocalPath:  r.server.LocalPath(target),
		SourceServerPath: r.workspace.ServerPath,
		TargetServerPath: target,
		Kind:             r.kind,
		ServerVersion:    r.latest.Version,
		LocalVersion:     r.latest.Version,
		Change:           change & (models.ChangeRename | models.ChangeEdit),
	}
	if op.SourceLocalPath == "" {
		op.SourceLocalPath = op.TargetLocalPath
	}
	if r.kind == models.KindFile && !change.Has(models.ChangeEdit) {
		// nothing local to keep but the name: fetch the server content
		op.LocalVersion = r.workspace.LocalVersion
		r.fetch(&op, r.latest)
	}
	result.Operations = append(result.Operations, op)
	return nil
}

// readd turns an edit of an item deleted on the server into a pending add of a new item
func (r *resolution) readd(ctx context.Context) error {
	id := r.pending.ItemID
	newID, err := newItem(ctx, r.tx, r.kind)
	if err != nil {
		return err
	}
	if err := putWorkspaceItem(ctx, r.tx, workspaceRow{ItemID: newID, ServerPath: r.pending.ServerPath}); err != nil {
		return err
	}
	if err := putPending(ctx, r.tx, pendingRow{
		ItemID:           newID,
		ChangeMask:       int(models.ChangeAdd),
		ServerPath:       r.pending.ServerPath,
		SourceServerPath: r.pending.ServerPath,
	}); err != nil {
		return err
	}
	if err := deletePending(ctx, r.tx, id); err != nil {
		return err
	}
	return deleteWorkspaceItem(ctx, r.tx, id)
}

// takeTheirsName accepts the server name and leaves any content conflict open
func (r *resolution) takeTheirsName(ctx context.Context, result *models.ResolveResult) error {
	if r.latest.Deleted {
		return fmt.Errorf("%s was deleted on the server, there is no name to take", r.pending.ServerPath)
	}
	id := r.pending.ItemID
	theirs := r.latest.ServerPath

	p := *r.pending
	p.ServerPath = theirs
	if strings.EqualFold(theirs, p.SourceServerPath) {
		p.ChangeMask &^= int(models.ChangeRename)
	}

	c := *r.conflict
	contentOpen := p.change().Has(models.ChangeEdit) && models.ChangeType(c.BaseChanges).Has(models.ChangeEdit)

	op := models.Operation{
		ItemID:           id,
		PendingChangeID:  p.ID,
		SourceLocalPath:  r.server.LocalPath(r.workspace.ServerPath),
		TargetLocalPath:  r.server.LocalPath(theirs),
		SourceServerPath: r.workspace.ServerPath,
		TargetServerPath: theirs,
		Kind:             r.kind,
		ServerVersion:    r.workspace.LocalVersion,
		LocalVersion:     r.workspace.LocalVersion,
		Change:           models.ChangeRename,
	}
	if op.SourceLocalPath == "" {
		op.SourceLocalPath = op.TargetLocalPath
	}

	if contentOpen {
		c.Kind = string(models.ConflictContent)
		c.YourServerPath = theirs
		c.BaseChanges &^= int(models.ChangeRename)
		if err := putConflict(ctx, r.tx, c); err != nil {
			return err
		}
		if err := putPending(ctx, r.tx, p); err != nil {
			return err
		}
		result.Resolved = []models.Conflict{r.server.toConflict(c, &p)}
		result.Operations = append(result.Operations, op)
		return nil
	}

	result.Resolved = r.resolved()
	if err := deleteConflict(ctx, r.tx, id); err != nil {
		return err
	}
	p.BaseVersion = r.latest.Version
	p.SourceServerPath = theirs
	p.ChangeMask &^= int(models.ChangeRename)
	if p.change() == models.ChangeNone {
		if err := deletePending(ctx, r.tx, id); err != nil {
			return err
		}
	} else if err := putPending(ctx, r.tx, p); err != nil {
		return err
	}

	op.ServerVersion = r.latest.Version
	op.LocalVersion = r.latest.Version
	if r.kind == models.KindFile && !p.change().Has(models.ChangeEdit) {
		op.LocalVersion = r.workspace.LocalVersion
		r.fetch(&op, r.latest)
	}
	result.Operations = append(result.Operations, op)
	return nil
}
