package localserver

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sdejongh/vcsreconcile/internal/platform"
	"github.com/sdejongh/vcsreconcile/pkg/models"
)

// Failure codes reported per path
const (
	CodeNotMapped        = "NotMapped"
	CodeNotFound         = "NotFound"
	CodeAlreadyVersioned = "AlreadyVersioned"
	CodeNoPendingChange  = "NoPendingChange"
	CodePendingAdd       = "PendingAdd"
	CodeNotSupported     = "NotSupported"
)

func failure(path, code, msg string) models.Failure {
	return models.Failure{Path: path, Code: code, Message: msg}
}

// ScheduleForAddition records pending adds for unversioned local paths. The returned create
// operations describe items whose content already lives on disk.
func (s *Server) ScheduleForAddition(ctx context.Context, paths []string) (*models.OperationsResult, error) {
	result := &models.OperationsResult{}
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		pending, err := pendingChanges(ctx, tx)
		if err != nil {
			return err
		}

		for _, localPath := range paths {
			serverPath := s.ServerPath(localPath)
			if serverPath == "" {
				result.Failures = append(result.Failures, failure(localPath, CodeNotMapped, "path is outside the workspace"))
				continue
			}
			if existing, err := s.workspaceAt(ctx, tx, serverPath); err != nil {
				return err
			} else if existing != nil || pendingAt(pending, serverPath) != nil {
				result.Failures = append(result.Failures, failure(localPath, CodeAlreadyVersioned, "item is already under version control"))
				continue
			}
			info, err := os.Stat(localPath)
			if err != nil {
				result.Failures = append(result.Failures, failure(localPath, CodeNotFound, err.Error()))
				continue
			}

			kind := models.KindFile
			if info.IsDir() {
				kind = models.KindFolder
			}
			id, err := newItem(ctx, tx, kind)
			if err != nil {
				return err
			}
			row := pendingRow{
				ItemID:           id,
				ChangeMask:       int(models.ChangeAdd),
				ServerPath:       serverPath,
				SourceServerPath: serverPath,
			}
			if err := putPending(ctx, tx, row); err != nil {
				return err
			}
			if err := putWorkspaceItem(ctx, tx, workspaceRow{ItemID: id, ServerPath: serverPath}); err != nil {
				return err
			}
			added, err := pendingFor(ctx, tx, id)
			if err != nil {
				return err
			}
			pending = append(pending, *added)

			result.Operations = append(result.Operations, models.Operation{
				ItemID:           id,
				PendingChangeID:  added.ID,
				TargetLocalPath:  localPath,
				TargetServerPath: serverPath,
				Kind:             kind,
				Change:           models.ChangeAdd,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ScheduleForDeletion records pending deletes for the paths and everything below them
func (s *Server) ScheduleForDeletion(ctx context.Context, paths []string) (*models.OperationsResult, error) {
	result := &models.OperationsResult{}
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		held, err := workspaceItems(ctx, tx)
		if err != nil {
			return err
		}

		done := make(map[int]bool)
		for _, localPath := range paths {
			serverPath := s.ServerPath(localPath)
			if serverPath == "" {
				result.Failures = append(result.Failures, failure(localPath, CodeNotMapped, "path is outside the workspace"))
				continue
			}
			matched := false
			for _, ws := range held {
				if ws.ServerPath == "" || !platform.IsServerAncestor(serverPath, ws.ServerPath, false) {
					continue
				}
				matched = true
				if done[ws.ItemID] {
					continue
				}
				done[ws.ItemID] = true

				op, fail, err := s.pendDelete(ctx, tx, ws)
				if err != nil {
					return err
				}
				if fail != nil {
					result.Failures = append(result.Failures, *fail)
					continue
				}
				if op != nil {
					result.Operations = append(result.Operations, *op)
				}
			}
			if !matched {
				result.Failures = append(result.Failures, failure(localPath, CodeNotFound, "no versioned item at path"))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) pendDelete(ctx context.Context, tx *sqlx.Tx, ws workspaceRow) (*models.Operation, *models.Failure, error) {
	localPath := s.LocalPath(ws.ServerPath)
	existing, err := pendingFor(ctx, tx, ws.ItemID)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		switch {
		case existing.change().Has(models.ChangeAdd):
			f := failure(localPath, CodePendingAdd, "undo the pending add instead")
			return nil, &f, nil
		case existing.change().Has(models.ChangeDelete):
			return nil, nil, nil
		}
	}

	base, err := rowAt(ctx, tx, ws.ItemID, ws.LocalVersion)
	if err != nil {
		return nil, nil, err
	}
	source := ws.ServerPath
	if base != nil {
		source = base.ServerPath
	}
	row := pendingRow{
		ItemID:           ws.ItemID,
		ChangeMask:       int(models.ChangeDelete),
		ServerPath:       ws.ServerPath,
		SourceServerPath: source,
		BaseVersion:      ws.LocalVersion,
	}
	if err := putPending(ctx, tx, row); err != nil {
		return nil, nil, err
	}
	saved, err := pendingFor(ctx, tx, ws.ItemID)
	if err != nil {
		return nil, nil, err
	}
	kind, err := itemKind(ctx, tx, ws.ItemID)
	if err != nil {
		return nil, nil, err
	}

	return &models.Operation{
		ItemID:           ws.ItemID,
		PendingChangeID:  saved.ID,
		SourceLocalPath:  localPath,
		SourceServerPath: ws.ServerPath,
		Kind:             kind,
		ServerVersion:    ws.LocalVersion,
		LocalVersion:     ws.LocalVersion,
		Change:           models.ChangeDelete,
	}, nil, nil
}

// CheckOut records pending edits for files so they may be modified locally
func (s *Server) CheckOut(ctx context.Context, paths []string) (*models.OperationsResult, error) {
	result := &models.OperationsResult{}
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, localPath := range paths {
			serverPath := s.ServerPath(localPath)
			if serverPath == "" {
				result.Failures = append(result.Failures, failure(localPath, CodeNotMapped, "path is outside the workspace"))
				continue
			}
			ws, err := s.workspaceAt(ctx, tx, serverPath)
			if err != nil {
				return err
			}
			if ws == nil {
				result.Failures = append(result.Failures, failure(localPath, CodeNotFound, "no versioned item at path"))
				continue
			}
			kind, err := itemKind(ctx, tx, ws.ItemID)
			if err != nil {
				return err
			}
			if kind != models.KindFile {
				result.Failures = append(result.Failures, failure(localPath, CodeNotSupported, "only files can be checked out"))
				continue
			}

			p, err := pendingFor(ctx, tx, ws.ItemID)
			if err != nil {
				return err
			}
			if p == nil {
				base, err := rowAt(ctx, tx, ws.ItemID, ws.LocalVersion)
				if err != nil {
					return err
				}
				source := ws.ServerPath
				if base != nil {
					source = base.ServerPath
				}
				p = &pendingRow{
					ItemID:           ws.ItemID,
					ServerPath:       ws.ServerPath,
					SourceServerPath: source,
					BaseVersion:      ws.LocalVersion,
				}
			}
			if p.change().HasAny(models.ChangeAdd | models.ChangeEdit) {
				continue
			}
			p.ChangeMask |= int(models.ChangeEdit)
			if err := putPending(ctx, tx, *p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Rename records a pending rename of a file and returns the operation moving it locally
func (s *Server) Rename(ctx context.Context, oldPath, newPath string) (*models.OperationsResult, error) {
	result := &models.OperationsResult{}
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		from, to := s.ServerPath(oldPath), s.ServerPath(newPath)
		if from == "" || to == "" {
			result.Failures = append(result.Failures, failure(oldPath, CodeNotMapped, "path is outside the workspace"))
			return nil
		}
		ws, err := s.workspaceAt(ctx, tx, from)
		if err != nil {
			return err
		}
		if ws == nil {
			result.Failures = append(result.Failures, failure(oldPath, CodeNotFound, "no versioned item at path"))
			return nil
		}
		kind, err := itemKind(ctx, tx, ws.ItemID)
		if err != nil {
			return err
		}
		if kind != models.KindFile {
			result.Failures = append(result.Failures, failure(oldPath, CodeNotSupported, "only files can be renamed"))
			return nil
		}
		if occupant, err := s.workspaceAt(ctx, tx, to); err != nil {
			return err
		} else if occupant != nil && occupant.ItemID != ws.ItemID {
			result.Failures = append(result.Failures, failure(newPath, CodeAlreadyVersioned, "target is already under version control"))
			return nil
		}

		p, err := pendingFor(ctx, tx, ws.ItemID)
		if err != nil {
			return err
		}
		if p == nil {
			base, err := rowAt(ctx, tx, ws.ItemID, ws.LocalVersion)
			if err != nil {
				return err
			}
			p = &pendingRow{ItemID: ws.ItemID, SourceServerPath: from, BaseVersion: ws.LocalVersion}
			if base != nil {
				p.SourceServerPath = base.ServerPath
			}
		}
		if p.change().Has(models.ChangeDelete) {
			result.Failures = append(result.Failures, failure(oldPath, CodeNotSupported, "item is pending deletion"))
			return nil
		}
		p.ServerPath = to
		if !p.change().Has(models.ChangeAdd) {
			p.ChangeMask |= int(models.ChangeRename)
		}
		if err := putPending(ctx, tx, *p); err != nil {
			return err
		}
		saved, err := pendingFor(ctx, tx, ws.ItemID)
		if err != nil {
			return err
		}

		result.Operations = append(result.Operations, models.Operation{
			ItemID:           ws.ItemID,
			PendingChangeID:  saved.ID,
			SourceLocalPath:  s.LocalPath(from),
			TargetLocalPath:  s.LocalPath(to),
			SourceServerPath: from,
			TargetServerPath: to,
			Kind:             kind,
			ServerVersion:    ws.LocalVersion,
			LocalVersion:     ws.LocalVersion,
			Change:           models.ChangeRename,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UndoPendingChanges drops the pending changes under paths and returns the operations that put
// the server's view of each item back on disk
func (s *Server) UndoPendingChanges(ctx context.Context, paths []string) (*models.OperationsResult, error) {
	result := &models.OperationsResult{UndonePaths: make(map[string]string)}
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		pending, err := pendingChanges(ctx, tx)
		if err != nil {
			return err
		}

		done := make(map[int]bool)
		for _, localPath := range paths {
			serverPath := s.ServerPath(localPath)
			if serverPath == "" {
				result.Failures = append(result.Failures, failure(localPath, CodeNotMapped, "path is outside the workspace"))
				continue
			}
			matched := false
			for _, p := range pending {
				if !platform.IsServerAncestor(serverPath, p.ServerPath, false) {
					continue
				}
				matched = true
				if done[p.ItemID] {
					continue
				}
				done[p.ItemID] = true

				op, err := s.undoPending(ctx, tx, p)
				if err != nil {
					return err
				}
				result.Operations = append(result.Operations, *op)
				result.UndonePaths[s.LocalPath(p.ServerPath)] = op.TargetLocalPath
			}
			if !matched {
				result.Failures = append(result.Failures, failure(localPath, CodeNoPendingChange, "no pending change to undo"))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) undoPending(ctx context.Context, tx *sqlx.Tx, p pendingRow) (*models.Operation, error) {
	kind, err := itemKind(ctx, tx, p.ItemID)
	if err != nil {
		return nil, err
	}
	localPath := s.LocalPath(p.ServerPath)

	if p.change().Has(models.ChangeAdd) {
		// the item never reached the server; forget it and leave the local file alone
		if err := deleteItem(ctx, tx, p.ItemID); err != nil {
			return nil, err
		}
		return &models.Operation{
			ItemID:           p.ItemID,
			PendingChangeID:  p.ID,
			SourceLocalPath:  localPath,
			TargetLocalPath:  localPath,
			SourceServerPath: p.ServerPath,
			TargetServerPath: p.ServerPath,
			Kind:             kind,
			Change:           p.change(),
		}, nil
	}

	ws, err := workspaceItem(ctx, tx, p.ItemID)
	if err != nil {
		return nil, err
	}
	version := p.BaseVersion
	if ws != nil {
		version = ws.LocalVersion
	}
	held, err := rowAt(ctx, tx, p.ItemID, version)
	if err != nil {
		return nil, err
	}

	op := &models.Operation{
		ItemID:           p.ItemID,
		PendingChangeID:  p.ID,
		SourceLocalPath:  localPath,
		SourceServerPath: p.ServerPath,
		Kind:             kind,
		ServerVersion:    version,
		LocalVersion:     version,
		Change:           p.change(),
	}
	if p.change().Has(models.ChangeDelete) {
		op.SourceLocalPath = ""
	}
	if held != nil && !held.Deleted {
		op.TargetLocalPath = s.LocalPath(held.ServerPath)
		op.TargetServerPath = held.ServerPath
		if kind == models.KindFile {
			op.DownloadURL = downloadURL(p.ItemID, held.Version)
			op.Hash = contentHash(held)
		}
	}

	if err := deleteConflict(ctx, tx, p.ItemID); err != nil {
		return nil, err
	}
	if err := deletePending(ctx, tx, p.ItemID); err != nil {
		return nil, err
	}
	return op, nil
}

// GetPendingChanges lists pending changes under paths, every pending change when paths is empty
func (s *Server) GetPendingChanges(ctx context.Context, paths []string) ([]models.PendingChange, error) {
	rows, err := pendingChanges(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var scopes []string
	for _, p := range paths {
		if sp := s.ServerPath(p); sp != "" {
			scopes = append(scopes, sp)
		}
	}
	if len(paths) > 0 && len(scopes) == 0 {
		return nil, nil
	}

	var changes []models.PendingChange
	for _, row := range rows {
		if len(scopes) > 0 && !underAny(scopes, row.ServerPath) {
			continue
		}
		kind, err := itemKind(ctx, s.db, row.ItemID)
		if err != nil {
			return nil, err
		}
		created, _ := time.Parse(time.RFC3339, row.CreatedAt)
		changes = append(changes, models.PendingChange{
			ID:               row.ID,
			ItemID:           row.ItemID,
			LocalPath:        s.LocalPath(row.ServerPath),
			ServerPath:       row.ServerPath,
			SourceServerPath: row.SourceServerPath,
			Kind:             kind,
			Change:           row.change(),
			Version:          row.BaseVersion,
			CreatedAt:        created,
		})
	}
	return changes, nil
}

// UpdateLocalVersions records what the workspace now holds. Unknown items are ignored.
func (s *Server) UpdateLocalVersions(ctx context.Context, updates []models.LocalVersionUpdate) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, u := range updates {
			ok, err := itemExists(ctx, tx, u.ItemID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			if u.TargetLocalPath == "" {
				p, err := pendingFor(ctx, tx, u.ItemID)
				if err != nil {
					return err
				}
				if p == nil {
					if err := deleteWorkspaceItem(ctx, tx, u.ItemID); err != nil {
						return err
					}
					continue
				}
				row := workspaceRow{ItemID: u.ItemID, LocalVersion: u.LocalVersion}
				if err := putWorkspaceItem(ctx, tx, row); err != nil {
					return err
				}
				continue
			}

			serverPath := s.ServerPath(u.TargetLocalPath)
			if serverPath == "" {
				continue
			}
			row := workspaceRow{ItemID: u.ItemID, ServerPath: serverPath, LocalVersion: u.LocalVersion}
			if err := putWorkspaceItem(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReportLocalConflict records local state the client declined to override
func (s *Server) ReportLocalConflict(ctx context.Context, conflict models.LocalConflict) error {
	return putLocalConflict(ctx, s.db, localConflictRow{
		ItemID:          conflict.ItemID,
		ServerVersion:   conflict.ServerVersion,
		PendingChangeID: conflict.PendingChangeID,
		SourceLocalPath: conflict.SourceLocalPath,
		TargetLocalPath: conflict.TargetLocalPath,
		Reason:          string(conflict.Reason),
	})
}

// LocalConflicts returns every reported local conflict, oldest first
func (s *Server) LocalConflicts(ctx context.Context) ([]models.LocalConflict, error) {
	rows, err := localConflictRows(ctx, s.db)
	if err != nil {
		return nil, err
	}
	conflicts := make([]models.LocalConflict, 0, len(rows))
	for _, row := range rows {
		conflicts = append(conflicts, models.LocalConflict{
			ItemID:          row.ItemID,
			ServerVersion:   row.ServerVersion,
			PendingChangeID: row.PendingChangeID,
			SourceLocalPath: row.SourceLocalPath,
			TargetLocalPath: row.TargetLocalPath,
			Reason:          models.LocalConflictReason(row.Reason),
		})
	}
	return conflicts, nil
}

// workspaceAt finds the workspace item held at serverPath
func (s *Server) workspaceAt(ctx context.Context, q querier, serverPath string) (*workspaceRow, error) {
	rows, err := workspaceItems(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.ServerPath != "" && strings.EqualFold(row.ServerPath, serverPath) {
			return &row, nil
		}
	}
	return nil, nil
}

func pendingAt(rows []pendingRow, serverPath string) *pendingRow {
	for i := range rows {
		if strings.EqualFold(rows[i].ServerPath, serverPath) {
			return &rows[i]
		}
	}
	return nil
}

func underAny(scopes []string, serverPath string) bool {
	for _, scope := range scopes {
		if platform.IsServerAncestor(scope, serverPath, false) {
			return true
		}
	}
	return false
}
