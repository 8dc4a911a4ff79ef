// Package changes runs the pending-change workflows of a workspace: get, add, delete, edit,
// rename, undo and restore. Each one asks the server for get-operations and applies them
// through the executor.
package changes

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sdejongh/vcsreconcile/internal/platform"
	"github.com/sdejongh/vcsreconcile/pkg/apply"
	"github.com/sdejongh/vcsreconcile/pkg/logging"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/storage"
	"github.com/sdejongh/vcsreconcile/pkg/vcs"
)

// Options configures an Engine
type Options struct {
	// Guard decides on writable local files the operations would overwrite
	Guard apply.Guard
	// AllowDownload enables content downloads for get, delete and rename
	AllowDownload bool
	// OverwriteWritable lets GetLatest replace writable files without asking the guard
	OverwriteWritable bool
	// Excludes are glob patterns never scheduled for addition
	Excludes []string
	// Progress is handed to the executor
	Progress func(index, total int, op models.Operation)
}

// Result is the outcome of one workflow
type Result struct {
	// Paths lists the local paths the workflow acted on, sorted. For Undo these are the
	// restored paths.
	Paths      []string
	Errors     []error
	Files      *models.UpdatedFiles
	Operations int
	Applied    int
}

func newResult() *Result {
	return &Result{Files: models.NewUpdatedFiles()}
}

// Succeeded returns the number of items that completed without error
func (r *Result) Succeeded() int {
	return len(r.Paths)
}

func (r *Result) fail(failures []models.Failure) {
	for _, f := range failures {
		r.Errors = append(r.Errors, f)
	}
}

// Engine drives the pending-change workflows
type Engine struct {
	server   vcs.Client
	backend  storage.Backend
	executor *apply.Executor
	opts     Options
	logger   logging.Logger
}

// NewEngine creates an engine applying operations through executor
func NewEngine(server vcs.Client, backend storage.Backend, executor *apply.Executor, opts Options, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Engine{
		server:   server,
		backend:  backend,
		executor: executor,
		opts:     opts,
		logger:   logger,
	}
}

// Root returns the workspace root
func (e *Engine) Root() string {
	return e.backend.Root()
}

func (e *Engine) run(ctx context.Context, ops []models.Operation, opts apply.Options, result *Result) {
	if opts.Guard == nil {
		opts.Guard = e.opts.Guard
	}
	opts.Progress = e.opts.Progress

	res := e.executor.Execute(ctx, ops, opts)
	result.Operations += len(ops)
	result.Applied += res.Applied
	result.Errors = append(result.Errors, res.Errors...)
	result.Files.Merge(res.Files)
}

func sortedPaths(set mapset.Set[string]) []string {
	paths := set.ToSlice()
	slices.SortFunc(paths, platform.ComparePaths)
	return paths
}

// Undo drops the pending changes under paths and restores the server state of the items.
// A failing server call is returned as the error; everything else is collected per item.
func (e *Engine) Undo(ctx context.Context, paths []string) (*Result, error) {
	result := newResult()
	if len(paths) == 0 {
		return result, nil
	}

	res, err := e.server.UndoPendingChanges(ctx, paths)
	if err != nil {
		return nil, &models.ServerError{Op: "undo pending changes", Err: err}
	}
	result.fail(res.Failures)

	e.run(ctx, res.Operations, apply.Options{Mode: models.ModeUndo, AllowDownload: true}, result)

	restored := mapset.NewThreadUnsafeSet[string]()
	for local := range res.UndonePaths {
		restored.Add(local)
	}
	for _, op := range res.Operations {
		if path := op.Path(); path != "" {
			restored.Add(path)
		}
	}
	result.Paths = sortedPaths(restored)

	e.logger.Info(ctx, "Pending changes undone", logging.Fields{
		"requested": len(paths),
		"restored":  len(result.Paths),
		"errors":    len(result.Errors),
	})
	return result, nil
}

// Restore re-gets the items under paths at the version the workspace holds, replacing local
// content that no longer matches the server and recreating missing files
func (e *Engine) Restore(ctx context.Context, paths []string) (*Result, error) {
	result := newResult()
	if len(paths) == 0 {
		return result, nil
	}

	requests := make([]models.GetRequest, 0, len(paths))
	for _, p := range paths {
		requests = append(requests, models.GetRequest{Path: p, WorkspaceVersion: true})
	}
	ops, err := e.server.Get(ctx, requests)
	if err != nil {
		return nil, &models.ServerError{Op: "get", Err: err}
	}

	e.run(ctx, ops, apply.Options{Mode: models.ModeGet, AllowDownload: true, OverwriteWritable: true}, result)
	result.Paths = result.Files.Paths(models.GroupRestored)
	return result, nil
}

// GetLatest brings paths, or the whole workspace when none is given, to the latest version.
// Items with conflicting pending changes are left alone and reported as modified.
func (e *Engine) GetLatest(ctx context.Context, paths []string) (*Result, error) {
	result := newResult()
	if len(paths) == 0 {
		paths = []string{e.backend.Root()}
	}

	requests := make([]models.GetRequest, 0, len(paths))
	for _, p := range paths {
		requests = append(requests, models.GetRequest{Path: p})
	}
	ops, err := e.server.Get(ctx, requests)
	if err != nil {
		return nil, &models.ServerError{Op: "get", Err: err}
	}

	e.run(ctx, ops, apply.Options{
		Mode:              models.ModeGet,
		AllowDownload:     e.opts.AllowDownload,
		OverwriteWritable: e.opts.OverwriteWritable,
	}, result)

	touched := mapset.NewThreadUnsafeSet[string]()
	for _, op := range ops {
		touched.Add(op.Path())
	}
	result.Paths = sortedPaths(touched)
	return result, nil
}

// ScheduleForAddition records pending adds for paths and, for folders, everything below them
// that the ignore rules let through. The local files are the content, so nothing is applied.
func (e *Engine) ScheduleForAddition(ctx context.Context, paths []string) (*Result, error) {
	result := newResult()
	if len(paths) == 0 {
		return result, nil
	}

	filter, err := LoadFilter(ctx, e.backend, e.opts.Excludes)
	if err != nil {
		return nil, err
	}

	candidates, err := e.expand(ctx, paths, filter)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return result, nil
	}

	res, err := e.server.ScheduleForAddition(ctx, candidates)
	if err != nil {
		return nil, &models.ServerError{Op: "schedule for addition", Err: err}
	}
	result.fail(res.Failures)

	added := mapset.NewThreadUnsafeSet[string]()
	for _, op := range res.Operations {
		added.Add(op.TargetLocalPath)
	}
	result.Paths = sortedPaths(added)
	result.Operations = len(res.Operations)

	e.logger.Info(ctx, "Items scheduled for addition", logging.Fields{
		"candidates": len(candidates),
		"added":      len(result.Paths),
		"errors":     len(result.Errors),
	})
	return result, nil
}

// expand lists each path and, for folders, their contents, parents first. Explicitly named
// paths are kept even when ignored; ignored folders are not descended into.
func (e *Engine) expand(ctx context.Context, paths []string, filter *Filter) ([]string, error) {
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []string
	add := func(path string) {
		if seen.Add(platform.NormalizePath(path)) {
			out = append(out, path)
		}
	}

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, &models.FilesystemError{Op: "resolve", Path: path, Err: err}
		}
		info, err := e.backend.Stat(ctx, abs)
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrOutsideRoot) {
			// let the server report it
			add(abs)
			continue
		}
		if err != nil {
			return nil, &models.FilesystemError{Op: "stat", Path: abs, Err: err}
		}
		add(abs)
		if !info.IsDir {
			continue
		}

		entries, err := e.backend.List(ctx, abs)
		if err != nil {
			return nil, &models.FilesystemError{Op: "list", Path: abs, Err: err}
		}
		slices.SortFunc(entries, func(a, b storage.FileInfo) int { return platform.ComparePaths(a.Path, b.Path) })

		var skipped []string
		for _, entry := range entries {
			if platform.EqualPaths(entry.Path, abs) {
				continue
			}
			if slices.ContainsFunc(skipped, func(dir string) bool { return platform.IsAncestor(dir, entry.Path, true) }) {
				continue
			}
			if filter.Excluded(entry.Path) {
				if entry.IsDir {
					skipped = append(skipped, entry.Path)
				}
				continue
			}
			add(entry.Path)
		}
	}
	return out, nil
}

// ScheduleForDeletion records pending deletes for paths and removes the local items.
// Pending edits and renames under the paths are undone first; items whose only pending change
// is an add are forgotten and deleted locally.
func (e *Engine) ScheduleForDeletion(ctx context.Context, paths []string) (*Result, error) {
	result := newResult()
	if len(paths) == 0 {
		return result, nil
	}

	pending, err := e.server.GetPendingChanges(ctx, paths)
	if err != nil {
		return nil, &models.ServerError{Op: "get pending changes", Err: err}
	}

	var undo []string
	adds := mapset.NewThreadUnsafeSet[string]()
	for _, p := range pending {
		if p.Change.Has(models.ChangeDelete) {
			continue
		}
		undo = append(undo, p.LocalPath)
		if p.Change.Has(models.ChangeAdd) {
			adds.Add(platform.NormalizePath(p.LocalPath))
		}
	}

	targets := slices.Clone(paths)
	if len(undo) > 0 {
		res, err := e.server.UndoPendingChanges(ctx, undo)
		if err != nil {
			return nil, &models.ServerError{Op: "undo pending changes", Err: err}
		}
		result.fail(res.Failures)
		e.run(ctx, res.Operations, apply.Options{Mode: models.ModeUndo, AllowDownload: true}, result)

		// an undone rename moved the item back; delete it where it now lives
		for i, p := range targets {
			if moved, ok := res.UndonePaths[p]; ok && moved != "" {
				targets[i] = moved
			}
		}
	}

	var versioned []string
	removed := mapset.NewThreadUnsafeSet[string]()
	for _, p := range targets {
		if !adds.Contains(platform.NormalizePath(p)) {
			versioned = append(versioned, p)
			continue
		}
		if err := e.backend.Delete(ctx, p); err != nil {
			result.Errors = append(result.Errors, &models.FilesystemError{Op: "delete", Path: p, Err: err})
			continue
		}
		result.Files.Add(models.GroupRemoved, p, 0)
		removed.Add(p)
	}

	if len(versioned) > 0 {
		res, err := e.server.ScheduleForDeletion(ctx, versioned)
		if err != nil {
			return nil, &models.ServerError{Op: "schedule for deletion", Err: err}
		}
		result.fail(res.Failures)
		e.run(ctx, res.Operations, apply.Options{Mode: models.ModeGet, AllowDownload: e.opts.AllowDownload}, result)
		for _, op := range res.Operations {
			removed.Add(op.Path())
		}
	}

	result.Paths = sortedPaths(removed)
	e.logger.Info(ctx, "Items scheduled for deletion", logging.Fields{
		"deleted": len(result.Paths),
		"undone":  len(undo),
		"errors":  len(result.Errors),
	})
	return result, nil
}

// CheckOut records pending edits for files and makes them writable
func (e *Engine) CheckOut(ctx context.Context, paths []string) (*Result, error) {
	result := newResult()
	if len(paths) == 0 {
		return result, nil
	}

	res, err := e.server.CheckOut(ctx, paths)
	if err != nil {
		return nil, &models.ServerError{Op: "check out", Err: err}
	}
	result.fail(res.Failures)

	failed := mapset.NewThreadUnsafeSet[string]()
	for _, f := range res.Failures {
		failed.Add(platform.NormalizePath(f.Path))
	}
	edited := mapset.NewThreadUnsafeSet[string]()
	for _, p := range paths {
		if failed.Contains(platform.NormalizePath(p)) {
			continue
		}
		if err := e.backend.SetWritable(ctx, p, true); err != nil {
			result.Errors = append(result.Errors, &models.FilesystemError{Op: "chmod", Path: p, Err: err})
			continue
		}
		edited.Add(p)
	}
	result.Paths = sortedPaths(edited)
	return result, nil
}

// Rename records a pending rename and moves the local item
func (e *Engine) Rename(ctx context.Context, oldPath, newPath string) (*Result, error) {
	result := newResult()
	res, err := e.server.Rename(ctx, oldPath, newPath)
	if err != nil {
		return nil, &models.ServerError{Op: "rename", Err: err}
	}
	result.fail(res.Failures)
	if len(res.Failures) > 0 {
		return result, nil
	}

	// the user moves their own edits, so the source is never guarded
	guard, err := apply.NewGuard(apply.PolicyOverride, nil, nil)
	if err != nil {
		return nil, err
	}
	e.run(ctx, res.Operations, apply.Options{Mode: models.ModeGet, Guard: guard, AllowDownload: e.opts.AllowDownload}, result)
	if len(result.Errors) == 0 {
		result.Paths = []string{newPath}
	}
	return result, nil
}
