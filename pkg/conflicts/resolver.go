package conflicts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sdejongh/vcsreconcile/internal/platform"
	"github.com/sdejongh/vcsreconcile/pkg/apply"
	"github.com/sdejongh/vcsreconcile/pkg/logging"
	"github.com/sdejongh/vcsreconcile/pkg/merge"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/storage"
	"github.com/sdejongh/vcsreconcile/pkg/vcs"
)

var (
	// ErrDeleteConflict is returned for conflicts where one side deleted the item
	ErrDeleteConflict = errors.New("deletions cannot be merged")
	// ErrUnclassifiable is returned for merge conflicts the resolver has no path for
	ErrUnclassifiable = errors.New("conflict has no name, content or delete part")
)

// Options configures a Resolver
type Options struct {
	// Names defaults to keeping your name
	Names merge.NameMerger
	// Contents defaults to an automatic three-way merge
	Contents merge.ContentMerger
	// Guard is handed to the executor for the operations a resolution returns
	Guard apply.Guard
	// LocalPath maps a server path to the workspace. It fills in the resolved local path of a
	// name merge when the server does not report one.
	LocalPath func(serverPath string) string
	// Progress is called before each conflict of ResolveAll and AcceptChanges
	Progress func(index, total int, c models.Conflict)
}

// BatchResult is the outcome of resolving several conflicts
type BatchResult struct {
	Outcomes []models.ConflictOutcome
	Errors   []error
	Files    *models.UpdatedFiles
}

// Count returns the number of conflicts that ended in outcome
func (b *BatchResult) Count(outcome models.Outcome) int {
	n := 0
	for _, o := range b.Outcomes {
		if o.Outcome == outcome {
			n++
		}
	}
	return n
}

func (b *BatchResult) add(c models.Conflict, outcome models.Outcome, err error) {
	b.Outcomes = append(b.Outcomes, models.ConflictOutcome{Path: c.LocalPath, Kind: c.Kind, Outcome: outcome, Error: err})
	if err != nil && !models.IsUserCancelled(err) {
		b.Errors = append(b.Errors, err)
	}
}

// Resolver walks the conflicts of a workspace through classification, merge and the final
// resolve call. It keeps the working set of conflicts between calls and refreshes it from the
// server after every resolution.
type Resolver struct {
	server   vcs.Client
	backend  storage.Backend
	executor *apply.Executor
	opts     Options
	logger   logging.Logger

	roots     []string
	conflicts []models.Conflict
	files     *models.UpdatedFiles
}

// NewResolver creates a resolver. A nil logger discards output.
func NewResolver(server vcs.Client, backend storage.Backend, executor *apply.Executor, opts Options, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	if opts.Names == nil {
		opts.Names = merge.FixedNameMerger{Choice: merge.ChooseYours}
	}
	if opts.Contents == nil {
		opts.Contents = merge.NewPatchMerger(backend, logger)
	}
	return &Resolver{
		server:   server,
		backend:  backend,
		executor: executor,
		opts:     opts,
		logger:   logger,
		files:    models.NewUpdatedFiles(),
	}
}

// Conflicts returns the current working set in resolution order
func (r *Resolver) Conflicts() []models.Conflict {
	return slices.Clone(r.conflicts)
}

// Files returns the paths touched by resolutions so far
func (r *Resolver) Files() *models.UpdatedFiles {
	return r.files
}

// Load queries the conflicts under roots, or under the workspace root when none is given, and
// replaces the working set
func (r *Resolver) Load(ctx context.Context, roots ...string) error {
	if len(roots) == 0 {
		roots = []string{r.backend.Root()}
	}
	r.roots = roots
	return r.refresh(ctx)
}

func (r *Resolver) refresh(ctx context.Context) error {
	roots := r.roots
	if len(roots) == 0 {
		roots = []string{r.backend.Root()}
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	var conflicts []models.Conflict
	for _, root := range roots {
		found, err := r.server.GetConflicts(ctx, root)
		if err != nil {
			return &models.ServerError{Op: "get conflicts", Err: err}
		}
		for _, c := range found {
			if seen.Add(conflictKey(c)) {
				conflicts = append(conflicts, c)
			}
		}
	}
	sortConflicts(conflicts)
	r.conflicts = conflicts

	r.logger.Debug(ctx, "Loaded conflicts", logging.Fields{"count": len(conflicts)})
	return nil
}

func conflictKey(c models.Conflict) string {
	return platform.NormalizePath(c.LocalPath)
}

func sortConflicts(conflicts []models.Conflict) {
	slices.SortStableFunc(conflicts, func(a, b models.Conflict) int {
		return platform.ComparePaths(a.LocalPath, b.LocalPath)
	})
}

// Merge resolves one conflict interactively. It returns Skipped with a UserCancelledError when
// the user aborts a name or content merge.
func (r *Resolver) Merge(ctx context.Context, c models.Conflict) (models.Outcome, error) {
	logger := r.logger.WithFields(logging.Fields{"path": c.LocalPath, "kind": string(c.Kind)})

	switch Classify(c) {
	case ClassDelete:
		return models.OutcomeFailed, fmt.Errorf("%s: %w", c.LocalPath, ErrDeleteConflict)
	case ClassUnclassifiable:
		return models.OutcomeFailed, fmt.Errorf("%s: %w", c.LocalPath, ErrUnclassifiable)
	}

	// the triplet is read before any rename can move or overwrite the local file
	var triplet *models.ContentTriplet
	if IsContentConflict(c) {
		var err error
		if triplet, err = r.populate(ctx, c); err != nil {
			return models.OutcomeFailed, err
		}
	}

	if !IsNameConflict(c) {
		if triplet == nil {
			return r.keepYours(ctx, c, "")
		}
		return r.mergeContent(ctx, c, c.LocalPath, *triplet, "")
	}

	names, err := r.mergeName(ctx, c)
	if err != nil {
		return models.OutcomeFailed, err
	}
	if names == nil {
		logger.Info(ctx, "Name merge cancelled", nil)
		return models.OutcomeSkipped, &models.UserCancelledError{Path: c.LocalPath, Step: "name merge"}
	}
	logger.Debug(ctx, "Name chosen", logging.Fields{"name": names.ResolvedName, "theirs": names.ChoseTheirs()})

	// a custom name travels with the keep-yours resolve call
	custom := ""
	if !names.ChoseTheirs() && names.ResolvedName != names.YourName {
		custom = names.ResolvedName
	}

	switch {
	case triplet == nil && names.ChoseTheirs():
		return r.takeTheirs(ctx, c, true)
	case triplet == nil:
		return r.keepYours(ctx, c, custom)
	case names.ChoseTheirs():
		res, err := r.resolve(ctx, models.ResolveRequest{Path: c.LocalPath, Resolution: models.ResolutionTakeTheirsName}, resolveOptions{requery: true})
		if err != nil {
			return models.OutcomeFailed, err
		}
		if len(res.Resolved) > 0 {
			names.ResolvedLocalPath = res.Resolved[0].LocalPath
		}
		names.FallbackLocalPath(r.opts.LocalPath)
		return r.mergeContent(ctx, c, names.ResolvedLocalPath, *triplet, "")
	default:
		return r.mergeContent(ctx, c, c.LocalPath, *triplet, custom)
	}
}

// mergeName asks the name merger. A nil resolution means the user cancelled.
func (r *Resolver) mergeName(ctx context.Context, c models.Conflict) (*models.NameMergerResolution, error) {
	yours, theirs := c.YourServerPath, c.TheirServerPath
	if IsMergeConflict(c) && c.Mapping != nil {
		yours, theirs = c.Mapping.ToServerItem, c.Mapping.FromServerItem
	}

	name, ok, err := r.opts.Names.MergeName(ctx, yours, theirs)
	if err != nil {
		return nil, fmt.Errorf("name merge for %s: %w", c.LocalPath, err)
	}
	if !ok {
		return nil, nil
	}
	return &models.NameMergerResolution{TheirName: theirs, YourName: yours, ResolvedName: name}, nil
}

// populate reads base, local and server content. It returns nil for folders.
func (r *Resolver) populate(ctx context.Context, c models.Conflict) (*models.ContentTriplet, error) {
	info, err := r.backend.Stat(ctx, c.LocalPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, &models.FilesystemError{Op: "stat", Path: c.LocalPath, Err: err}
	case info.IsDir:
		return nil, nil
	}

	triplet := &models.ContentTriplet{}
	if info != nil {
		if triplet.Local, err = r.readLocal(ctx, c.LocalPath); err != nil {
			return nil, err
		}
	}

	if IsMergeConflict(c) {
		from, err := MergeFromVersion(c)
		if err != nil {
			return nil, err
		}
		source, target := c.Mapping.FromServerItem, c.Mapping.ToServerItem
		base, err := r.server.GetMergeBaseVersion(ctx, c.LocalPath, source, target)
		if err != nil {
			return nil, &models.ServerError{Op: "get merge base", Err: err}
		}
		if triplet.Base, err = r.content(ctx, source, base); err != nil {
			return nil, err
		}
		if triplet.Server, err = r.content(ctx, source, from); err != nil {
			return nil, err
		}
		return triplet, nil
	}

	basePath := c.OldServerPath
	if basePath == "" {
		basePath = c.YourServerPath
	}
	if triplet.Base, err = r.content(ctx, basePath, c.BaseVersion); err != nil {
		return nil, err
	}
	latest, err := r.server.GetLatestChangeset(ctx, c.TheirServerPath)
	if err != nil {
		return nil, &models.ServerError{Op: "get history", Err: err}
	}
	if triplet.Server, err = r.content(ctx, c.TheirServerPath, latest); err != nil {
		return nil, err
	}
	return triplet, nil
}

func (r *Resolver) content(ctx context.Context, serverPath string, version int) (string, error) {
	content, err := r.server.GetContent(ctx, serverPath, version)
	if err != nil {
		return "", &models.ServerError{Op: fmt.Sprintf("get content of %s at %d", serverPath, version), Err: err}
	}
	return content, nil
}

func (r *Resolver) readLocal(ctx context.Context, path string) (string, error) {
	rc, err := r.backend.Read(ctx, path)
	if err != nil {
		return "", &models.FilesystemError{Op: "read", Path: path, Err: err}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", &models.FilesystemError{Op: "read", Path: path, Err: err}
	}
	return string(data), nil
}

// mergeContent hands the triplet to the content merger and keeps the result
func (r *Resolver) mergeContent(ctx context.Context, c models.Conflict, path string, triplet models.ContentTriplet, newServerPath string) (models.Outcome, error) {
	exists, err := r.backend.Exists(ctx, path)
	if err != nil {
		return models.OutcomeFailed, &models.FilesystemError{Op: "stat", Path: path, Err: err}
	}
	if exists {
		if err := r.backend.SetWritable(ctx, path, true); err != nil {
			return models.OutcomeFailed, &models.FilesystemError{Op: "make writable", Path: path, Err: err}
		}
	}

	// merge conflicts bring their content from the source branch changeset
	revision := c.TheirVersion
	if IsMergeConflict(c) {
		if revision, err = MergeFromVersion(c); err != nil {
			return models.OutcomeFailed, err
		}
	}

	merged, err := r.opts.Contents.MergeContent(ctx, triplet, merge.ContentHint{
		LocalPath: path,
		Revision:  fmt.Sprintf("changeset %d", revision),
	})
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("content merge for %s: %w", path, err)
	}
	if !merged {
		r.logger.Info(ctx, "Content merge cancelled", logging.Fields{"path": path})
		return models.OutcomeSkipped, &models.UserCancelledError{Path: path, Step: "content merge"}
	}

	req := models.ResolveRequest{Path: path, Resolution: models.ResolutionKeepYours, NewServerPath: newServerPath}
	return r.finish(r.resolve(ctx, req, resolveOptions{notify: true, requery: true}))
}

func (r *Resolver) keepYours(ctx context.Context, c models.Conflict, newServerPath string) (models.Outcome, error) {
	req := models.ResolveRequest{Path: c.LocalPath, Resolution: models.ResolutionKeepYours, NewServerPath: newServerPath}
	return r.finish(r.resolve(ctx, req, resolveOptions{notify: true, requery: true}))
}

func (r *Resolver) takeTheirs(ctx context.Context, c models.Conflict, notify bool) (models.Outcome, error) {
	req := models.ResolveRequest{Path: c.LocalPath, Resolution: models.ResolutionTakeTheirs}
	return r.finish(r.resolve(ctx, req, resolveOptions{notify: notify, requery: true}))
}

func (r *Resolver) finish(res *models.ResolveResult, err error) (models.Outcome, error) {
	switch {
	case err != nil:
		return models.OutcomeFailed, err
	case len(res.Resolved) == 0:
		return models.OutcomeSkipped, nil
	}
	return models.OutcomeResolved, nil
}

type resolveOptions struct {
	// notify adds the path to the merged group
	notify  bool
	requery bool
}

// resolve issues one resolve call and applies the operations it returns. The result is
// returned together with any apply or re-query errors.
func (r *Resolver) resolve(ctx context.Context, req models.ResolveRequest, opts resolveOptions) (*models.ResolveResult, error) {
	r.logger.Debug(ctx, "Resolving conflict", logging.Fields{"path": req.Path, "resolution": string(req.Resolution)})

	res, err := r.server.ResolveConflict(ctx, req)
	if err != nil {
		return nil, &models.ServerError{Op: "resolve conflict", Err: err}
	}

	var errs []error
	if len(res.UndoOperations) > 0 {
		out := r.executor.Execute(ctx, res.UndoOperations, apply.Options{
			Mode:              models.ModeUndo,
			Guard:             r.opts.Guard,
			AllowDownload:     true,
			OverwriteWritable: true,
		})
		errs = append(errs, out.Errors...)
	}
	if len(res.Operations) > 0 {
		out := r.executor.Execute(ctx, res.Operations, apply.Options{
			Mode:          models.ModeResolve,
			Guard:         r.opts.Guard,
			AllowDownload: true,
		})
		errs = append(errs, out.Errors...)
	}

	if opts.notify && len(res.Resolved) > 0 {
		r.files.Add(models.GroupMerged, req.Path, res.Resolved[0].TheirVersion)
	}
	if opts.requery {
		if err := r.refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// ResolveAll merges every conflict of the working set in order. The set is re-read after each
// resolution; a path is attempted at most once.
func (r *Resolver) ResolveAll(ctx context.Context) *BatchResult {
	result := &BatchResult{Files: r.files}
	attempted := mapset.NewThreadUnsafeSet[string]()

	for {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%w: %v", models.ErrCancelled, err))
			break
		}

		remaining := 0
		var next *models.Conflict
		for i := range r.conflicts {
			if attempted.Contains(conflictKey(r.conflicts[i])) {
				continue
			}
			if next == nil {
				next = &r.conflicts[i]
			}
			remaining++
		}
		if next == nil {
			break
		}
		c := *next
		attempted.Add(conflictKey(c))
		if r.opts.Progress != nil {
			done := attempted.Cardinality() - 1
			r.opts.Progress(done, done+remaining, c)
		}

		outcome, err := r.Merge(ctx, c)
		result.add(c, outcome, err)
		r.log(ctx, c, outcome, err)
	}
	return result
}

// AcceptChanges resolves conflicts with one resolution and no merging. Failures are collected
// per conflict; the working set is re-read once at the end.
func (r *Resolver) AcceptChanges(ctx context.Context, conflicts []models.Conflict, resolution models.ResolutionType) *BatchResult {
	result := &BatchResult{Files: r.files}
	if resolution != models.ResolutionTakeTheirs && resolution != models.ResolutionKeepYours {
		result.Errors = append(result.Errors, &models.ValidationError{Field: "resolution", Message: "must be take-theirs or keep-yours"})
		return result
	}

	ordered := slices.Clone(conflicts)
	sortConflicts(ordered)
	for i, c := range ordered {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%w: %v", models.ErrCancelled, err))
			break
		}
		if r.opts.Progress != nil {
			r.opts.Progress(i, len(ordered), c)
		}

		res, err := r.resolve(ctx, models.ResolveRequest{Path: c.LocalPath, Resolution: resolution}, resolveOptions{})
		outcome, err := r.finish(res, err)
		if outcome == models.OutcomeResolved {
			group := models.GroupSkipped
			if resolution == models.ResolutionTakeTheirs {
				group = models.GroupUpdated
			}
			r.files.Add(group, c.LocalPath, c.TheirVersion)
		}
		result.add(c, outcome, err)
		r.log(ctx, c, outcome, err)
	}

	if err := r.refresh(ctx); err != nil {
		result.Errors = append(result.Errors, err)
	}
	return result
}

// Skip leaves conflicts unresolved and records them as skipped
func (r *Resolver) Skip(conflicts []models.Conflict) {
	for _, c := range conflicts {
		r.files.Add(models.GroupSkipped, c.LocalPath, c.TheirVersion)
	}
}

func (r *Resolver) log(ctx context.Context, c models.Conflict, outcome models.Outcome, err error) {
	fields := logging.Fields{"path": c.LocalPath, "kind": string(c.Kind), "outcome": string(outcome)}
	switch {
	case err == nil:
		r.logger.Info(ctx, "Conflict processed", fields)
	case models.IsUserCancelled(err):
		r.logger.Info(ctx, "Conflict skipped by user", fields)
	default:
		r.logger.Error(ctx, "Conflict resolution failed", err, fields)
	}
}
