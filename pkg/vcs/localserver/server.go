// Package localserver is a self-contained, single-workspace version-control server kept in
// SQLite. It implements vcs.Client for the CLI and for end-to-end tests, and exposes Commit so
// changes by other users can be simulated.
package localserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/sdejongh/vcsreconcile/internal/platform"
	"github.com/sdejongh/vcsreconcile/pkg/compare"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/vcs"
)

// URLScheme prefixes download URLs served from the database
const URLScheme = "vcs-local:"

// Options configures a Server
type Options struct {
	// DBPath is the SQLite file, ":memory:" for a throwaway server
	DBPath string
	// ServerRoot is the server folder mapped to LocalRoot, e.g. "$/project"
	ServerRoot string
	// LocalRoot is the absolute workspace root
	LocalRoot string
	// Downloader serves download URLs that do not use URLScheme
	Downloader vcs.Downloader
}

// Server is the SQLite backed server for one workspace mapping
type Server struct {
	db         *sqlx.DB
	serverRoot string
	localRoot  string
	downloader vcs.Downloader
}

var _ vcs.Client = (*Server)(nil)

// Open opens or creates the server database
func Open(opts Options) (*Server, error) {
	if opts.DBPath == "" {
		opts.DBPath = ":memory:"
	}
	if opts.ServerRoot == "" {
		opts.ServerRoot = "$/" + filepath.Base(opts.LocalRoot)
	}
	if !strings.HasPrefix(opts.ServerRoot, "$/") {
		return nil, fmt.Errorf("server root must start with $/: %s", opts.ServerRoot)
	}
	if !filepath.IsAbs(opts.LocalRoot) {
		return nil, fmt.Errorf("local root must be absolute: %s", opts.LocalRoot)
	}

	db, err := openDB(opts.DBPath)
	if err != nil {
		return nil, err
	}

	return &Server{
		db:         db,
		serverRoot: strings.TrimSuffix(opts.ServerRoot, "/"),
		localRoot:  platform.NormalizePath(opts.LocalRoot),
		downloader: opts.Downloader,
	}, nil
}

// Close closes the database
func (s *Server) Close() error {
	return s.db.Close()
}

// ServerRoot returns the mapped server folder
func (s *Server) ServerRoot() string {
	return s.serverRoot
}

// LocalPath maps a server path into the workspace, "" when it is not mapped
func (s *Server) LocalPath(serverPath string) string {
	if serverPath == "" || !platform.IsServerAncestor(s.serverRoot, serverPath, false) {
		return ""
	}
	rel := strings.TrimPrefix(serverPath[len(s.serverRoot):], "/")
	if rel == "" {
		return s.localRoot
	}
	return filepath.Join(s.localRoot, filepath.FromSlash(rel))
}

// ServerPath maps a local path to its server path, "" when it lies outside the workspace
func (s *Server) ServerPath(localPath string) string {
	if localPath == "" || !platform.IsAncestor(s.localRoot, localPath, false) {
		return ""
	}
	rel, err := filepath.Rel(s.localRoot, platform.NormalizePath(localPath))
	if err != nil {
		return ""
	}
	if rel == "." {
		return s.serverRoot
	}
	return s.serverRoot + "/" + filepath.ToSlash(rel)
}

// ServerChange is one change in a changeset committed by another user
type ServerChange struct {
	Change models.ChangeType
	Kind   models.ItemKind
	// Path is the server path the change applies to
	Path string
	// NewPath is the destination of a rename
	NewPath string
	Content string
}

// Commit records a changeset made outside this workspace and returns its number
func (s *Server) Commit(ctx context.Context, comment string, changes ...ServerChange) (int, error) {
	var cs int
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		cs, err = newChangeset(ctx, tx, comment)
		if err != nil {
			return err
		}
		for _, ch := range changes {
			if err := s.applyServerChange(ctx, tx, cs, ch); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cs, nil
}

func (s *Server) applyServerChange(ctx context.Context, tx *sqlx.Tx, cs int, ch ServerChange) error {
	if ch.Change.Has(models.ChangeAdd) {
		kind := ch.Kind
		if kind == "" {
			kind = models.KindFile
		}
		if existing, err := s.latestAt(ctx, tx, ch.Path); err != nil {
			return err
		} else if existing != nil {
			return fmt.Errorf("item already exists: %s", ch.Path)
		}
		id, err := newItem(ctx, tx, kind)
		if err != nil {
			return err
		}
		return putVersion(ctx, tx, versionRow{ItemID: id, Version: cs, ServerPath: ch.Path, Content: ch.Content})
	}

	row, err := s.latestAt(ctx, tx, ch.Path)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("item not found: %s", ch.Path)
	}

	next := *row
	next.Version = cs
	if ch.Change.Has(models.ChangeEdit) {
		next.Content = ch.Content
	}
	if ch.Change.Has(models.ChangeDelete) {
		next.Deleted = true
	}
	if ch.Change.Has(models.ChangeRename) {
		next.ServerPath = ch.NewPath
	}
	if err := putVersion(ctx, tx, next); err != nil {
		return err
	}

	if row.kind() != models.KindFolder || !ch.Change.HasAny(models.ChangeRename|models.ChangeDelete) {
		return nil
	}

	// folder renames and deletes carry every live descendant with them
	rows, err := latestRows(ctx, tx)
	if err != nil {
		return err
	}
	for _, child := range rows {
		if child.Deleted || !platform.IsServerAncestor(row.ServerPath, child.ServerPath, true) {
			continue
		}
		moved := child
		moved.Version = cs
		if ch.Change.Has(models.ChangeDelete) {
			moved.Deleted = true
		} else {
			moved.ServerPath = ch.NewPath + child.ServerPath[len(row.ServerPath):]
		}
		if err := putVersion(ctx, tx, moved); err != nil {
			return err
		}
	}
	return nil
}

// latestAt finds the live item whose newest row sits at serverPath
func (s *Server) latestAt(ctx context.Context, q querier, serverPath string) (*versionRow, error) {
	rows, err := rowsForPath(ctx, q, serverPath, latestVersion)
	if err != nil {
		return nil, err
	}
	for _, candidate := range rows {
		latest, err := rowAt(ctx, q, candidate.ItemID, latestVersion)
		if err != nil {
			return nil, err
		}
		if latest != nil && !latest.Deleted && strings.EqualFold(latest.ServerPath, serverPath) {
			return latest, nil
		}
	}
	return nil, nil
}

// itemAt finds the row of the item that lived at serverPath as of version
func (s *Server) itemAt(ctx context.Context, q querier, serverPath string, version int) (*versionRow, error) {
	rows, err := rowsForPath(ctx, q, serverPath, version)
	if err != nil {
		return nil, err
	}
	for _, candidate := range rows {
		at, err := rowAt(ctx, q, candidate.ItemID, version)
		if err != nil {
			return nil, err
		}
		if at != nil && strings.EqualFold(at.ServerPath, serverPath) {
			return at, nil
		}
	}
	return nil, nil
}

// GetLatestChangeset returns the newest version of the item at serverPath
func (s *Server) GetLatestChangeset(ctx context.Context, serverPath string) (int, error) {
	row, err := s.itemAt(ctx, s.db, serverPath, latestVersion)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, fmt.Errorf("no history for %s", serverPath)
	}
	return row.Version, nil
}

// GetContent returns the content the item at serverPath had at version
func (s *Server) GetContent(ctx context.Context, serverPath string, version int) (string, error) {
	if version <= 0 {
		version = latestVersion
	}
	row, err := s.itemAt(ctx, s.db, serverPath, version)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", fmt.Errorf("no item at %s as of %d", serverPath, version)
	}
	return row.Content, nil
}

// GetMergeBaseVersion returns the newest changeset both source and target have seen.
// Branches are not modelled, so this is the older of the two latest versions.
func (s *Server) GetMergeBaseVersion(ctx context.Context, workingFolder, source, target string) (int, error) {
	src, err := s.GetLatestChangeset(ctx, source)
	if err != nil {
		return 0, err
	}
	tgt, err := s.GetLatestChangeset(ctx, target)
	if err != nil {
		return 0, err
	}
	return min(src, tgt), nil
}

func downloadURL(itemID, version int) string {
	return fmt.Sprintf("%s%d/%d", URLScheme, itemID, version)
}

// DownloadItem serves vcs-local URLs from the database and hands anything else to the
// configured downloader
func (s *Server) DownloadItem(ctx context.Context, url string) (io.ReadCloser, error) {
	if !strings.HasPrefix(url, URLScheme) {
		if s.downloader == nil {
			return nil, fmt.Errorf("no downloader configured for %s", url)
		}
		return s.downloader.DownloadItem(ctx, url)
	}

	itemPart, versionPart, ok := strings.Cut(strings.TrimPrefix(url, URLScheme), "/")
	if !ok {
		return nil, fmt.Errorf("malformed download url: %s", url)
	}
	itemID, err := strconv.Atoi(itemPart)
	if err != nil {
		return nil, fmt.Errorf("malformed download url: %s", url)
	}
	version, err := strconv.Atoi(versionPart)
	if err != nil {
		return nil, fmt.Errorf("malformed download url: %s", url)
	}

	row, err := rowAt(ctx, s.db, itemID, version)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Deleted {
		return nil, fmt.Errorf("%w: %s", vcs.ErrDownloadNotFound, url)
	}
	return io.NopCloser(strings.NewReader(row.Content)), nil
}

// CheckIn commits every pending change of the workspace, reading file content from disk.
// Pending changes based on an outdated version or in conflict are refused.
func (s *Server) CheckIn(ctx context.Context, comment string) (int, []string, error) {
	var cs int
	var paths []string
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		pending, err := pendingChanges(ctx, tx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return fmt.Errorf("no pending changes")
		}

		for _, p := range pending {
			if c, err := conflictFor(ctx, tx, p.ItemID); err != nil {
				return err
			} else if c != nil {
				return fmt.Errorf("%s has an unresolved conflict", p.ServerPath)
			}
			if p.change().Has(models.ChangeAdd) {
				continue
			}
			latest, err := rowAt(ctx, tx, p.ItemID, latestVersion)
			if err != nil {
				return err
			}
			if latest != nil && latest.Version > p.BaseVersion {
				return fmt.Errorf("%s changed on the server since version %d, get latest first", p.ServerPath, p.BaseVersion)
			}
		}

		cs, err = newChangeset(ctx, tx, comment)
		if err != nil {
			return err
		}

		for _, p := range pending {
			localPath := s.LocalPath(p.ServerPath)
			kind, err := itemKind(ctx, tx, p.ItemID)
			if err != nil {
				return err
			}

			row := versionRow{ItemID: p.ItemID, Version: cs, ServerPath: p.ServerPath}
			if prev, err := rowAt(ctx, tx, p.ItemID, latestVersion); err != nil {
				return err
			} else if prev != nil {
				row.Content = prev.Content
			}

			switch {
			case p.change().Has(models.ChangeDelete):
				row.Deleted = true
			case kind == models.KindFile && p.change().HasAny(models.ChangeAdd|models.ChangeEdit):
				data, err := os.ReadFile(localPath)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", localPath, err)
				}
				row.Content = string(data)
			}

			if err := putVersion(ctx, tx, row); err != nil {
				return err
			}
			if err := deletePending(ctx, tx, p.ItemID); err != nil {
				return err
			}
			if row.Deleted {
				if err := deleteWorkspaceItem(ctx, tx, p.ItemID); err != nil {
					return err
				}
				continue
			}
			if err := putWorkspaceItem(ctx, tx, workspaceRow{ItemID: p.ItemID, ServerPath: p.ServerPath, LocalVersion: cs}); err != nil {
				return err
			}
			if kind == models.KindFile {
				paths = append(paths, localPath)
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return cs, paths, nil
}

// contentHash is the hash published with file get-operations
func contentHash(row *versionRow) string {
	if row == nil || row.kind() != models.KindFile {
		return ""
	}
	return compare.HashString(row.Content)
}

// parentOf returns the parent server folder
func parentOf(serverPath string) string {
	return path.Dir(serverPath)
}
