package localserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sdejongh/vcsreconcile/pkg/models"
)

const latestVersion = math.MaxInt32

// querier is satisfied by both *sqlx.DB and *sqlx.Tx
type querier interface {
	sqlx.ExtContext
}

type versionRow struct {
	ItemID     int    `db:"item_id"`
	Version    int    `db:"version"`
	ServerPath string `db:"server_path"`
	Content    string `db:"content"`
	Deleted    bool   `db:"deleted"`
	Kind       string `db:"kind"`
}

func (r *versionRow) kind() models.ItemKind {
	return models.ItemKind(r.Kind)
}

type workspaceRow struct {
	ItemID       int    `db:"item_id"`
	ServerPath   string `db:"server_path"`
	LocalVersion int    `db:"local_version"`
}

type pendingRow struct {
	ID               int    `db:"id"`
	ItemID           int    `db:"item_id"`
	ChangeMask       int    `db:"change_mask"`
	ServerPath       string `db:"server_path"`
	SourceServerPath string `db:"source_server_path"`
	BaseVersion      int    `db:"base_version"`
	CreatedAt        string `db:"created_at"`
}

func (p *pendingRow) change() models.ChangeType {
	return models.ChangeType(p.ChangeMask)
}

type conflictRow struct {
	ID              int    `db:"id"`
	ItemID          int    `db:"item_id"`
	Kind            string `db:"kind"`
	TheirServerPath string `db:"their_server_path"`
	YourServerPath  string `db:"your_server_path"`
	OldServerPath   string `db:"old_server_path"`
	YourChanges     int    `db:"your_changes"`
	BaseChanges     int    `db:"base_changes"`
	TheirVersion    int    `db:"their_version"`
	BaseVersion     int    `db:"base_version"`
}

const versionColumns = `v.item_id, v.version, v.server_path, v.content, v.deleted, i.kind`

// rowAt returns the newest history row of an item at or before version, nil when none
func rowAt(ctx context.Context, q querier, itemID, version int) (*versionRow, error) {
	var row versionRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+versionColumns+`
		FROM item_versions v JOIN items i ON i.id = v.item_id
		WHERE v.item_id = ? AND v.version <= ?
		ORDER BY v.version DESC LIMIT 1`, itemID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query item %d at %d: %w", itemID, version, err)
	}
	return &row, nil
}

// latestRows returns the newest history row of every item that has one
func latestRows(ctx context.Context, q querier) ([]versionRow, error) {
	var rows []versionRow
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+versionColumns+`
		FROM item_versions v JOIN items i ON i.id = v.item_id
		WHERE v.version = (SELECT MAX(version) FROM item_versions WHERE item_id = v.item_id)
		ORDER BY v.server_path`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest items: %w", err)
	}
	return rows, nil
}

// rowsForPath returns history rows recorded under serverPath at or before version
func rowsForPath(ctx context.Context, q querier, serverPath string, version int) ([]versionRow, error) {
	var rows []versionRow
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+versionColumns+`
		FROM item_versions v JOIN items i ON i.id = v.item_id
		WHERE v.server_path = ? COLLATE NOCASE AND v.version <= ?
		ORDER BY v.version DESC`, serverPath, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query path %s: %w", serverPath, err)
	}
	return rows, nil
}

func itemIDs(ctx context.Context, q querier) ([]int, error) {
	var ids []int
	if err := sqlx.SelectContext(ctx, q, &ids, `SELECT id FROM items ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	return ids, nil
}

func itemKind(ctx context.Context, q querier, itemID int) (models.ItemKind, error) {
	var kind string
	err := sqlx.GetContext(ctx, q, &kind, `SELECT kind FROM items WHERE id = ?`, itemID)
	if err != nil {
		return "", fmt.Errorf("failed to query item %d: %w", itemID, err)
	}
	return models.ItemKind(kind), nil
}

func workspaceItem(ctx context.Context, q querier, itemID int) (*workspaceRow, error) {
	var row workspaceRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT item_id, server_path, local_version FROM workspace_items WHERE item_id = ?`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace item %d: %w", itemID, err)
	}
	return &row, nil
}

func workspaceItems(ctx context.Context, q querier) ([]workspaceRow, error) {
	var rows []workspaceRow
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT item_id, server_path, local_version FROM workspace_items ORDER BY server_path`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace items: %w", err)
	}
	return rows, nil
}

func putWorkspaceItem(ctx context.Context, q querier, row workspaceRow) error {
	_, err := sqlx.NamedExecContext(ctx, q, `INSERT OR REPLACE INTO workspace_items (item_id, server_path, local_version)
		VALUES (:item_id, :server_path, :local_version)`, row)
	if err != nil {
		return fmt.Errorf("failed to record workspace item %d: %w", row.ItemID, err)
	}
	return nil
}

func deleteWorkspaceItem(ctx context.Context, q querier, itemID int) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM workspace_items WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("failed to forget workspace item %d: %w", itemID, err)
	}
	return nil
}

const pendingColumns = `id, item_id, change_mask, server_path, source_server_path, base_version, created_at`

func pendingFor(ctx context.Context, q querier, itemID int) (*pendingRow, error) {
	var row pendingRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+pendingColumns+` FROM pending_changes WHERE item_id = ?`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending change for item %d: %w", itemID, err)
	}
	return &row, nil
}

func pendingChanges(ctx context.Context, q querier) ([]pendingRow, error) {
	var rows []pendingRow
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+pendingColumns+` FROM pending_changes ORDER BY server_path`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	return rows, nil
}

func putPending(ctx context.Context, q querier, row pendingRow) error {
	if row.CreatedAt == "" {
		row.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO pending_changes
		(item_id, change_mask, server_path, source_server_path, base_version, created_at)
		VALUES (:item_id, :change_mask, :server_path, :source_server_path, :base_version, :created_at)
		ON CONFLICT(item_id) DO UPDATE SET
			change_mask = excluded.change_mask,
			server_path = excluded.server_path,
			source_server_path = excluded.source_server_path,
			base_version = excluded.base_version`, row)
	if err != nil {
		return fmt.Errorf("failed to record pending change for item %d: %w", row.ItemID, err)
	}
	return nil
}

func deletePending(ctx context.Context, q querier, itemID int) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM pending_changes WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("failed to drop pending change for item %d: %w", itemID, err)
	}
	return nil
}

const conflictColumns = `id, item_id, kind, their_server_path, your_server_path, old_server_path,
	your_changes, base_changes, their_version, base_version`

func conflictFor(ctx context.Context, q querier, itemID int) (*conflictRow, error) {
	var row conflictRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+conflictColumns+` FROM conflicts WHERE item_id = ?`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict for item %d: %w", itemID, err)
	}
	return &row, nil
}

func conflictRows(ctx context.Context, q querier) ([]conflictRow, error) {
	var rows []conflictRow
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+conflictColumns+` FROM conflicts ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	return rows, nil
}

func putConflict(ctx context.Context, q querier, row conflictRow) error {
	_, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO conflicts
		(item_id, kind, their_server_path, your_server_path, old_server_path,
		 your_changes, base_changes, their_version, base_version)
		VALUES (:item_id, :kind, :their_server_path, :your_server_path, :old_server_path,
		 :your_changes, :base_changes, :their_version, :base_version)
		ON CONFLICT(item_id) DO UPDATE SET
			kind = excluded.kind,
			their_server_path = excluded.their_server_path,
			your_server_path = excluded.your_server_path,
			old_server_path = excluded.old_server_path,
			your_changes = excluded.your_changes,
			base_changes = excluded.base_changes,
			their_version = excluded.their_version,
			base_version = excluded.base_version`, row)
	if err != nil {
		return fmt.Errorf("failed to record conflict for item %d: %w", row.ItemID, err)
	}
	return nil
}

func deleteConflict(ctx context.Context, q querier, itemID int) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM conflicts WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("failed to drop conflict for item %d: %w", itemID, err)
	}
	return nil
}

func newChangeset(ctx context.Context, q querier, comment string) (int, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO changesets (comment, created_at) VALUES (?, ?)`,
		comment, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to create changeset: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read changeset id: %w", err)
	}
	return int(id), nil
}

func newItem(ctx context.Context, q querier, kind models.ItemKind) (int, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO items (kind) VALUES (?)`, string(kind))
	if err != nil {
		return 0, fmt.Errorf("failed to create item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read item id: %w", err)
	}
	return int(id), nil
}

func deleteItem(ctx context.Context, q querier, itemID int) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, itemID); err != nil {
		return fmt.Errorf("failed to delete item %d: %w", itemID, err)
	}
	return nil
}

func putVersion(ctx context.Context, q querier, row versionRow) error {
	_, err := sqlx.NamedExecContext(ctx, q, `INSERT OR REPLACE INTO item_versions (item_id, version, server_path, content, deleted)
		VALUES (:item_id, :version, :server_path, :content, :deleted)`, row)
	if err != nil {
		return fmt.Errorf("failed to record version %d of item %d: %w", row.Version, row.ItemID, err)
	}
	return nil
}

func latestChangeset(ctx context.Context, q querier) (int, error) {
	var id sql.NullInt64
	if err := sqlx.GetContext(ctx, q, &id, `SELECT MAX(id) FROM changesets`); err != nil {
		return 0, fmt.Errorf("failed to query latest changeset: %w", err)
	}
	return int(id.Int64), nil
}

func itemExists(ctx context.Context, q querier, itemID int) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM items WHERE id = ?`, itemID); err != nil {
		return false, fmt.Errorf("failed to query item %d: %w", itemID, err)
	}
	return n > 0, nil
}

type localConflictRow struct {
	ID              int    `db:"id"`
	ItemID          int    `db:"item_id"`
	ServerVersion   int    `db:"server_version"`
	PendingChangeID int    `db:"pending_change_id"`
	SourceLocalPath string `db:"source_local_path"`
	TargetLocalPath string `db:"target_local_path"`
	Reason          string `db:"reason"`
	ReportedAt      string `db:"reported_at"`
}

func putLocalConflict(ctx context.Context, q querier, row localConflictRow) error {
	if row.ReportedAt == "" {
		row.ReportedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO local_conflicts
		(item_id, server_version, pending_change_id, source_local_path, target_local_path, reason, reported_at)
		VALUES (:item_id, :server_version, :pending_change_id, :source_local_path, :target_local_path, :reason, :reported_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to record local conflict for item %d: %w", row.ItemID, err)
	}
	return nil
}

func localConflictRows(ctx context.Context, q querier) ([]localConflictRow, error) {
	var rows []localConflictRow
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT id, item_id, server_version, pending_change_id,
		source_local_path, target_local_path, reason, reported_at FROM local_conflicts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query local conflicts: %w", err)
	}
	return rows, nil
}
