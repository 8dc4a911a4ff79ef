// Package apply brings a workspace to the state described by a batch of get-operations.
package apply

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/sdejongh/vcsreconcile/internal/platform"
	"github.com/sdejongh/vcsreconcile/pkg/compare"
	"github.com/sdejongh/vcsreconcile/pkg/logging"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/ordering"
	"github.com/sdejongh/vcsreconcile/pkg/storage"
	"github.com/sdejongh/vcsreconcile/pkg/vcs"
)

// readOnly is the permission set on every downloaded file
const readOnly = 0444

// Server is the part of the server the executor talks to
type Server interface {
	vcs.VersionFlusher
	vcs.Downloader
}

// Options configures one Execute call
type Options struct {
	Mode models.Mode
	// Guard decides about diverging local state; nil overrides
	Guard Guard
	// AllowDownload false applies structure and bookkeeping without writing content
	AllowDownload bool
	// OverwriteWritable replaces local state without asking the guard and re-downloads
	// files whose content does not match the server hash
	OverwriteWritable bool
	// Progress is called before each operation
	Progress func(index, total int, op models.Operation)
}

// Result is the outcome of one batch
type Result struct {
	BatchID string
	Errors  []error
	// Updates were flushed to the server at the end of the batch
	Updates []models.LocalVersionUpdate
	Files   *models.UpdatedFiles
	// Applied counts operations that completed without error
	Applied int
}

// Executor applies get-operations to a workspace
type Executor struct {
	backend storage.Backend
	server  Server
	matcher *compare.MD5Matcher
	logger  logging.Logger
}

// NewExecutor creates an executor writing through backend
func NewExecutor(backend storage.Backend, server Server, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Executor{
		backend: backend,
		server:  server,
		matcher: compare.NewMD5Matcher(64 * 1024),
		logger:  logger,
	}
}

// Execute applies ops in parent-first order. Per-item failures are collected in the result and
// never stop the batch; version updates are flushed once at the end.
func (e *Executor) Execute(ctx context.Context, ops []models.Operation, opts Options) *Result {
	result := &Result{
		BatchID: uuid.NewString(),
		Files:   models.NewUpdatedFiles(),
	}
	if len(ops) == 0 {
		return result
	}
	if opts.Guard == nil {
		opts.Guard = overrideGuard{}
	}

	run := &batch{
		executor: e,
		opts:     opts,
		result:   result,
		ops:      ordering.Sort(ops),
		approved: mapset.NewThreadUnsafeSet[string](),
		refused:  mapset.NewThreadUnsafeSet[string](),
		updates:  make(map[int]int),
		logger:   e.logger.WithFields(logging.Fields{"batch": result.BatchID, "mode": string(opts.Mode)}),
	}

	run.logger.Debug(ctx, "Applying operations", logging.Fields{"count": len(run.ops)})

	for i := 0; i < len(run.ops); i++ {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%w: %v", models.ErrCancelled, err))
			run.logger.Warn(ctx, "Batch cancelled", logging.Fields{"remaining": len(run.ops) - i})
			break
		}
		op := run.ops[i]
		if opts.Progress != nil {
			opts.Progress(i, len(run.ops), op)
		}

		if err := run.apply(ctx, i, op); err != nil {
			result.Errors = append(result.Errors, err)
			run.logger.Error(ctx, "Operation failed", err, logging.Fields{"path": op.Path(), "item": op.ItemID})
			continue
		}
		result.Applied++
	}

	if len(result.Updates) > 0 {
		// applied mutations stay, so their versions are recorded even after cancellation
		if err := e.server.UpdateLocalVersions(context.WithoutCancel(ctx), result.Updates); err != nil {
			result.Errors = append(result.Errors, &models.ServerError{Op: "update local versions", Err: err})
		}
	}

	run.logger.Info(ctx, "Batch applied", logging.Fields{
		"operations": len(run.ops),
		"applied":    result.Applied,
		"errors":     len(result.Errors),
	})
	return result
}

func pathKey(path string) string {
	return platform.NormalizePath(path)
}

// batch is the state of one Execute call
type batch struct {
	executor *Executor
	opts     Options
	result   *Result
	ops      []models.Operation
	// approved and refused hold the guard decisions taken for pending deletes while
	// checking their parent folder
	approved mapset.Set[string]
	refused  mapset.Set[string]
	// updates maps item ids to their entry in result.Updates
	updates map[int]int
	logger  logging.Logger
}

func (b *batch) apply(ctx context.Context, index int, op models.Operation) error {
	if op.HasConflict {
		if b.opts.Mode != models.ModeResolve {
			b.result.Files.Add(models.GroupModified, op.Path(), op.ServerVersion)
		}
		return nil
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation for item %d: %w", op.ItemID, err)
	}

	b.logger.Debug(ctx, "Applying operation", logging.Fields{
		"item":   op.ItemID,
		"source": op.SourceLocalPath,
		"target": op.TargetLocalPath,
		"change": op.Change.String(),
	})

	switch {
	case op.IsDelete() && op.Kind == models.KindFolder:
		return b.deleteFolder(ctx, index, op)
	case op.IsDelete():
		return b.deleteFile(ctx, op)
	case op.IsCreate() && op.Kind == models.KindFolder:
		return b.createFolder(ctx, op)
	case op.IsCreate():
		return b.createFile(ctx, op)
	case op.Kind == models.KindFolder:
		return b.changeFolder(ctx, index, op)
	default:
		return b.changeFile(ctx, op)
	}
}

// record adds the version update of op, replacing an earlier one for the same item
func (b *batch) record(op models.Operation, target string) {
	update := models.LocalVersionUpdate{ItemID: op.ItemID, TargetLocalPath: target, LocalVersion: op.ServerVersion}
	if i, ok := b.updates[op.ItemID]; ok {
		b.result.Updates[i] = update
		return
	}
	b.updates[op.ItemID] = len(b.result.Updates)
	b.result.Updates = append(b.result.Updates, update)
}

// stat returns nil when nothing exists at path
func (b *batch) stat(ctx context.Context, path string) (*storage.FileInfo, error) {
	info, err := b.executor.backend.Stat(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.FilesystemError{Op: "stat", Path: path, Err: err}
	}
	return info, nil
}

func (b *batch) mayOverride(ctx context.Context, op models.Operation, isSource bool) error {
	if b.opts.OverwriteWritable {
		return nil
	}
	ok, err := b.opts.Guard.MayOverride(ctx, op, isSource)
	if err != nil {
		return err
	}
	if !ok {
		path := op.TargetLocalPath
		if isSource || path == "" {
			path = op.SourceLocalPath
		}
		return &models.LocalConflictError{Path: path, IsSource: isSource}
	}
	return nil
}

func (b *batch) remove(ctx context.Context, path string) error {
	if err := b.executor.backend.Delete(ctx, path); err != nil {
		return &models.FilesystemError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

func (b *batch) mkdirAll(ctx context.Context, path string) error {
	if err := b.executor.backend.MkdirAll(ctx, path); err != nil {
		return &models.FilesystemError{Op: "create", Path: path, Err: err}
	}
	return nil
}

// download writes the server content of op into target and makes it read-only
func (b *batch) download(ctx context.Context, op models.Operation, target string) error {
	if !b.opts.AllowDownload || op.DownloadURL == "" {
		return nil
	}
	rc, err := b.executor.server.DownloadItem(ctx, op.DownloadURL)
	if err != nil {
		return &models.ServerError{Op: "download " + op.DownloadURL, Err: err}
	}
	defer rc.Close()

	if err := b.executor.backend.Write(ctx, target, rc, &storage.FileInfo{Permissions: readOnly}); err != nil {
		return &models.FilesystemError{Op: "write", Path: target, Err: err}
	}
	return nil
}

func (b *batch) deleteFile(ctx context.Context, op models.Operation) error {
	src := op.SourceLocalPath
	info, err := b.stat(ctx, src)
	if err != nil {
		return err
	}
	if info == nil {
		b.record(op, "")
		return nil
	}
	if info.IsDir {
		return &models.TypeMismatchError{Path: src, Expected: models.KindFile}
	}
	if info.Writable() {
		key := pathKey(src)
		switch {
		case b.refused.Contains(key):
			return &models.LocalConflictError{Path: src, IsSource: true}
		case !b.approved.Contains(key):
			if err := b.mayOverride(ctx, op, true); err != nil {
				return err
			}
		}
	}
	if err := b.remove(ctx, src); err != nil {
		return err
	}
	b.record(op, "")
	b.result.Files.Add(models.GroupRemoved, src, op.ServerVersion)
	return nil
}

func (b *batch) deleteFolder(ctx context.Context, index int, op models.Operation) error {
	src := op.SourceLocalPath
	info, err := b.stat(ctx, src)
	if err != nil {
		return err
	}
	if info == nil {
		b.record(op, "")
		return nil
	}
	if !info.IsDir {
		return &models.TypeMismatchError{Path: src, Expected: models.KindFolder}
	}
	if err := b.checkDeletable(ctx, index, src); err != nil {
		return err
	}
	if err := b.remove(ctx, src); err != nil {
		return err
	}
	b.record(op, "")
	b.result.Files.Add(models.GroupRemoved, src, op.ServerVersion)
	return nil
}

// checkDeletable fails when the folder holds a writable file that no later operation of
// the batch deletes. A writable file with a pending delete goes through the guard here,
// since removing the folder removes it first.
func (b *batch) checkDeletable(ctx context.Context, index int, folder string) error {
	entries, err := b.executor.backend.List(ctx, folder)
	if err != nil {
		return &models.FilesystemError{Op: "list", Path: folder, Err: err}
	}

	// source paths are read now, after earlier folder moves rewrote them
	pending := make(map[string]models.Operation)
	for _, op := range b.ops[index+1:] {
		if op.IsDelete() && !op.HasConflict {
			pending[pathKey(op.SourceLocalPath)] = op
		}
	}

	for _, entry := range entries {
		if entry.IsDir || !entry.Writable() {
			continue
		}
		key := pathKey(entry.Path)
		child, ok := pending[key]
		if !ok {
			return &models.FilesystemError{
				Op:   "delete",
				Path: folder,
				Err:  fmt.Errorf("%w: %s is writable", models.ErrFolderNotEmpty, entry.Path),
			}
		}
		if b.approved.Contains(key) {
			continue
		}
		if b.refused.Contains(key) {
			return &models.LocalConflictError{Path: entry.Path, IsSource: true}
		}
		if err := b.mayOverride(ctx, child, true); err != nil {
			var local *models.LocalConflictError
			if errors.As(err, &local) {
				b.refused.Add(key)
			}
			return err
		}
		b.approved.Add(key)
	}
	return nil
}

func (b *batch) createFile(ctx context.Context, op models.Operation) error {
	tgt := op.TargetLocalPath
	info, err := b.stat(ctx, tgt)
	if err != nil {
		return err
	}

	existed := info != nil
	replace := !existed
	if existed {
		if info.IsDir {
			return &models.TypeMismatchError{Path: tgt, Expected: models.KindFile}
		}
		if info.Writable() {
			if err := b.mayOverride(ctx, op, false); err != nil {
				return err
			}
			replace = true
		}
	}

	if err := b.mkdirAll(ctx, filepath.Dir(tgt)); err != nil {
		return err
	}
	if replace {
		if err := b.download(ctx, op, tgt); err != nil {
			return err
		}
	}

	b.record(op, tgt)
	if existed {
		b.result.Files.Add(models.GroupRestored, tgt, op.ServerVersion)
	} else {
		b.result.Files.Add(models.GroupCreated, tgt, op.ServerVersion)
	}
	return nil
}

func (b *batch) createFolder(ctx context.Context, op models.Operation) error {
	tgt := op.TargetLocalPath
	info, err := b.stat(ctx, tgt)
	if err != nil {
		return err
	}
	if info != nil && !info.IsDir {
		if info.Writable() {
			if err := b.mayOverride(ctx, op, false); err != nil {
				return err
			}
		}
		if err := b.remove(ctx, tgt); err != nil {
			return err
		}
		info = nil
	}

	if info == nil {
		if err := b.mkdirAll(ctx, tgt); err != nil {
			return err
		}
		b.result.Files.Add(models.GroupCreated, tgt, op.ServerVersion)
	}
	b.record(op, tgt)
	return nil
}

func (b *batch) changeFile(ctx context.Context, op models.Operation) error {
	src, tgt := op.SourceLocalPath, op.TargetLocalPath
	undoingAdd := b.opts.Mode == models.ModeUndo && op.Change.Has(models.ChangeAdd)
	download := (op.Change.Has(models.ChangeEdit) && b.opts.Mode != models.ModeResolve) ||
		op.ServerVersion != op.LocalVersion
	rename := pathKey(src) != pathKey(tgt)

	if !download && !rename {
		if b.opts.OverwriteWritable && b.opts.AllowDownload && !undoingAdd {
			if err := b.refresh(ctx, op); err != nil {
				return err
			}
		}
		b.record(op, tgt)
		return nil
	}

	tgtInfo, err := b.stat(ctx, tgt)
	if err != nil {
		return err
	}
	if tgtInfo != nil && tgtInfo.IsDir {
		return &models.TypeMismatchError{Path: tgt, Expected: models.KindFile}
	}

	var srcInfo *storage.FileInfo
	if rename {
		if srcInfo, err = b.stat(ctx, src); err != nil {
			return err
		}
		switch {
		case srcInfo != nil && srcInfo.IsDir:
			if err := b.mayOverride(ctx, op, true); err != nil {
				return err
			}
			if err := b.remove(ctx, src); err != nil {
				return err
			}
			srcInfo = nil
		case srcInfo != nil && srcInfo.Writable() && b.opts.Mode == models.ModeGet:
			if err := b.mayOverride(ctx, op, true); err != nil {
				return err
			}
		}
	}
	if tgtInfo != nil && tgtInfo.Writable() && b.opts.Mode != models.ModeUndo {
		if err := b.mayOverride(ctx, op, false); err != nil {
			return err
		}
	}

	if err := b.mkdirAll(ctx, filepath.Dir(tgt)); err != nil {
		return err
	}

	if rename && !download && srcInfo != nil {
		if err := b.executor.backend.Rename(ctx, src, tgt); err != nil {
			return &models.FilesystemError{Op: "rename", Path: src, Err: err}
		}
	} else {
		if rename && srcInfo != nil {
			if err := b.remove(ctx, src); err != nil {
				return err
			}
		}
		if !undoingAdd {
			if err := b.download(ctx, op, tgt); err != nil {
				return err
			}
		}
	}

	b.record(op, tgt)
	b.result.Files.Add(models.GroupUpdated, tgt, op.ServerVersion)
	return nil
}

// refresh re-downloads a file whose local content no longer matches the server hash
func (b *batch) refresh(ctx context.Context, op models.Operation) error {
	if op.Hash == "" || op.DownloadURL == "" {
		return nil
	}
	tgt := op.TargetLocalPath
	ok, err := b.executor.matcher.Matches(ctx, b.executor.backend, tgt, op.Hash)
	if err != nil {
		return &models.FilesystemError{Op: "read", Path: tgt, Err: err}
	}
	if ok {
		return nil
	}
	if err := b.download(ctx, op, tgt); err != nil {
		return err
	}
	b.result.Files.Add(models.GroupRestored, tgt, op.ServerVersion)
	return nil
}

func (b *batch) changeFolder(ctx context.Context, index int, op models.Operation) error {
	src, tgt := op.SourceLocalPath, op.TargetLocalPath
	undoingAdd := b.opts.Mode == models.ModeUndo && op.Change.Has(models.ChangeAdd)
	rename := pathKey(src) != pathKey(tgt)

	tgtInfo, err := b.stat(ctx, tgt)
	if err != nil {
		return err
	}
	if tgtInfo != nil && !tgtInfo.IsDir {
		if tgtInfo.Writable() {
			if err := b.mayOverride(ctx, op, false); err != nil {
				return err
			}
		}
		if err := b.remove(ctx, tgt); err != nil {
			return err
		}
		tgtInfo = nil
	}

	var srcInfo *storage.FileInfo
	if rename {
		if srcInfo, err = b.stat(ctx, src); err != nil {
			return err
		}
		if srcInfo != nil && !srcInfo.IsDir {
			if srcInfo.Writable() {
				if err := b.mayOverride(ctx, op, true); err != nil {
					return err
				}
			}
			if err := b.remove(ctx, src); err != nil {
				return err
			}
			srcInfo = nil
		}
	}

	changed := false
	switch {
	case tgtInfo == nil && srcInfo != nil:
		if err := b.mkdirAll(ctx, filepath.Dir(tgt)); err != nil {
			return err
		}
		if err := b.executor.backend.Rename(ctx, src, tgt); err != nil {
			return &models.FilesystemError{Op: "rename", Path: src, Err: err}
		}
		changed = true
	case tgtInfo == nil && undoingAdd:
		// nothing local to restore
		return nil
	case tgtInfo == nil:
		if err := b.mkdirAll(ctx, tgt); err != nil {
			return err
		}
		changed = true
	case srcInfo != nil:
		// the target already exists; the source goes unless it still holds local work
		if err := b.checkDeletable(ctx, index, src); err != nil {
			b.logger.Warn(ctx, "Leaving source folder in place", logging.Fields{"path": src, "reason": err.Error()})
		} else if err := b.remove(ctx, src); err != nil {
			return err
		}
	}

	b.record(op, tgt)
	if changed || rename {
		b.result.Files.Add(models.GroupUpdated, tgt, op.ServerVersion)
	}
	if rename {
		if n := ordering.RewriteSourcePaths(b.ops, index, src, tgt); n > 0 {
			b.logger.Debug(ctx, "Rewrote pending source paths", logging.Fields{"from": src, "to": tgt, "count": n})
		}
	}
	return nil
}
