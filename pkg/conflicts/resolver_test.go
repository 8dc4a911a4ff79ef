package conflicts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sdejongh/vcsreconcile/pkg/apply"
	"github.com/sdejongh/vcsreconcile/pkg/merge"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/storage"
	"github.com/sdejongh/vcsreconcile/pkg/vcs/localserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Workspace fixture
// ============================================================================

type workspace struct {
	t       *testing.T
	root    string
	srv     *localserver.Server
	backend *storage.Local
	exec    *apply.Executor
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	root := t.TempDir()
	srv, err := localserver.Open(localserver.Options{LocalRoot: root, ServerRoot: "$/proj"})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	backend, err := storage.NewLocal(root)
	require.NoError(t, err)
	return &workspace{t: t, root: root, srv: srv, backend: backend, exec: apply.NewExecutor(backend, srv, nil)}
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.root, name)
}

func (w *workspace) commit(changes ...localserver.ServerChange) {
	w.t.Helper()
	_, err := w.srv.Commit(context.Background(), "change", changes...)
	require.NoError(w.t, err)
}

func (w *workspace) apply(ops []models.Operation) {
	w.t.Helper()
	result := w.exec.Execute(context.Background(), ops, apply.Options{Mode: models.ModeGet, AllowDownload: true})
	require.Empty(w.t, result.Errors)
}

// get brings the workspace to the latest version; conflicts are left in place
func (w *workspace) get() {
	w.t.Helper()
	ops, err := w.srv.Get(context.Background(), []models.GetRequest{{Path: w.root}})
	require.NoError(w.t, err)
	w.apply(ops)
}

// edit checks name out and writes content to it
func (w *workspace) edit(name, content string) {
	w.t.Helper()
	res, err := w.srv.CheckOut(context.Background(), []string{w.path(name)})
	require.NoError(w.t, err)
	require.Empty(w.t, res.Failures)
	require.NoError(w.t, w.backend.SetWritable(context.Background(), w.path(name), true))
	require.NoError(w.t, os.WriteFile(w.path(name), []byte(content), 0644))
}

func (w *workspace) rename(from, to string) {
	w.t.Helper()
	res, err := w.srv.Rename(context.Background(), w.path(from), w.path(to))
	require.NoError(w.t, err)
	require.Empty(w.t, res.Failures)
	w.apply(res.Operations)
}

func (w *workspace) remove(name string) {
	w.t.Helper()
	res, err := w.srv.ScheduleForDeletion(context.Background(), []string{w.path(name)})
	require.NoError(w.t, err)
	require.Empty(w.t, res.Failures)
	w.apply(res.Operations)
}

func (w *workspace) read(name string) string {
	w.t.Helper()
	data, err := os.ReadFile(w.path(name))
	require.NoError(w.t, err)
	return string(data)
}

func (w *workspace) pending() map[string]models.ChangeType {
	w.t.Helper()
	changes, err := w.srv.GetPendingChanges(context.Background(), nil)
	require.NoError(w.t, err)
	out := make(map[string]models.ChangeType)
	for _, c := range changes {
		out[c.ServerPath] = c.Change
	}
	return out
}

func (w *workspace) resolver(opts Options) *Resolver {
	w.t.Helper()
	opts.LocalPath = w.srv.LocalPath
	r := NewResolver(w.srv, w.backend, w.exec, opts, nil)
	require.NoError(w.t, r.Load(context.Background()))
	return r
}

func (w *workspace) onlyConflict(r *Resolver) models.Conflict {
	w.t.Helper()
	conflicts := r.Conflicts()
	require.Len(w.t, conflicts, 1)
	return conflicts[0]
}

// contentConflict leaves base.txt edited on both sides
func contentConflict(t *testing.T) *workspace {
	w := newWorkspace(t)
	w.commit(localserver.ServerChange{Change: models.ChangeAdd, Path: "$/proj/base.txt", Content: "base"})
	w.get()
	w.edit("base.txt", "yours")
	w.commit(localserver.ServerChange{Change: models.ChangeEdit, Path: "$/proj/base.txt", Content: "theirs"})
	w.get()
	return w
}

// ============================================================================
// Content conflicts
// ============================================================================

func TestResolveContentConflict(t *testing.T) {
	ctx := context.Background()
	w := contentConflict(t)
	contents := &merge.FixedContentMerger{Backend: w.backend, Content: "merged"}
	r := w.resolver(Options{Contents: contents})

	c := w.onlyConflict(r)
	assert.Equal(t, models.ConflictContent, c.Kind)
	assert.Equal(t, w.path("base.txt"), c.LocalPath)

	outcome, err := r.Merge(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeResolved, outcome)

	require.Len(t, contents.Calls, 1)
	assert.Equal(t, models.ContentTriplet{Base: "base", Local: "yours", Server: "theirs"}, contents.Calls[0])

	assert.Equal(t, "merged", w.read("base.txt"))
	info, err := os.Stat(w.path("base.txt"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0200, "the merged file stays writable")

	changes, err := w.srv.GetPendingChanges(ctx, nil)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, models.ChangeEdit, changes[0].Change)
	before, err := w.srv.GetContent(ctx, changes[0].ServerPath, changes[0].Version)
	require.NoError(t, err)
	assert.Equal(t, "theirs", before)

	assert.Empty(t, r.Conflicts(), "the working set is re-read after resolving")
	assert.Equal(t, []string{w.path("base.txt")}, r.Files().Paths(models.GroupMerged))
}

func TestResolveContentConflictCancelled(t *testing.T) {
	w := contentConflict(t)
	r := w.resolver(Options{Contents: &merge.FixedContentMerger{Backend: w.backend, Cancel: true}})

	outcome, err := r.Merge(context.Background(), w.onlyConflict(r))
	assert.Equal(t, models.OutcomeSkipped, outcome)
	assert.True(t, models.IsUserCancelled(err))

	assert.Equal(t, "yours", w.read("base.txt"))
	assert.Len(t, r.Conflicts(), 1)
	assert.True(t, r.Files().Empty())
}

func TestResolveContentConflictHint(t *testing.T) {
	w := contentConflict(t)
	contents := &merge.FixedContentMerger{Backend: w.backend, Content: "merged"}
	r := w.resolver(Options{Contents: contents})
	c := w.onlyConflict(r)

	_, err := r.Merge(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, contents.Hints, 1)
	assert.Equal(t, merge.ContentHint{LocalPath: w.path("base.txt"), Revision: fmt.Sprintf("changeset %d", c.TheirVersion)}, contents.Hints[0])
}

// unstatable makes every existence check fail
type unstatable struct {
	*storage.Local
}

func (unstatable) Exists(ctx context.Context, path string) (bool, error) {
	return false, os.ErrPermission
}

func TestResolveContentConflictExistsError(t *testing.T) {
	w := contentConflict(t)
	contents := &merge.FixedContentMerger{Backend: w.backend, Content: "merged"}
	r := NewResolver(w.srv, unstatable{w.backend}, w.exec, Options{Contents: contents, LocalPath: w.srv.LocalPath}, nil)
	require.NoError(t, r.Load(context.Background()))

	outcome, err := r.Merge(context.Background(), w.onlyConflict(r))
	assert.Equal(t, models.OutcomeFailed, outcome)
	var fsErr *models.FilesystemError
	require.True(t, errors.As(err, &fsErr))
	assert.Equal(t, w.path("base.txt"), fsErr.Path)
	assert.ErrorIs(t, err, os.ErrPermission)

	assert.Empty(t, contents.Calls, "nothing is merged")
	assert.Equal(t, "yours", w.read("base.txt"))
	assert.Len(t, r.Conflicts(), 1)
}

func TestResolveAllIsDeterministic(t *testing.T) {
	ctx := context.Background()
	w := contentConflict(t)
	r := w.resolver(Options{Contents: &merge.FixedContentMerger{Backend: w.backend, Content: "merged"}})

	first := r.ResolveAll(ctx)
	assert.Empty(t, first.Errors)
	assert.Equal(t, 1, first.Count(models.OutcomeResolved))
	content := w.read("base.txt")

	require.NoError(t, r.Load(ctx))
	second := r.ResolveAll(ctx)
	assert.Empty(t, second.Errors)
	assert.Empty(t, second.Outcomes)
	assert.Equal(t, content, w.read("base.txt"))
}

func TestResolveAllOrder(t *testing.T) {
	ctx := context.Background()
	w := newWorkspace(t)
	w.commit(
		localserver.ServerChange{Change: models.ChangeAdd, Path: "$/proj/b.txt", Content: "b"},
		localserver.ServerChange{Change: models.ChangeAdd, Path: "$/proj/A.txt", Content: "a"},
		localserver.ServerChange{Change: models.ChangeAdd, Path: "$/proj/c.txt", Content: "c"},
	)
	w.get()
	for _, name := range []string{"b.txt", "A.txt", "c.txt"} {
		w.edit(name, "yours")
	}
	w.commit(
		localserver.ServerChange{Change: models.ChangeEdit, Path: "$/proj/b.txt", Content: "theirs"},
		localserver.ServerChange{Change: models.ChangeEdit, Path: "$/proj/A.txt", Content: "theirs"},
		localserver.ServerChange{Change: models.ChangeEdit, Path: "$/proj/c.txt", Content: "theirs"},
	)
	w.get()

	var seen []string
	var totals []int
	r := w.resolver(Options{
		Contents: &merge.FixedContentMerger{Backend: w.backend, Content: "merged"},
		Progress: func(index, total int, c models.Conflict) {
			assert.Equal(t, len(seen), index)
			seen = append(seen, filepath.Base(c.LocalPath))
			totals = append(totals, total)
		},
	})

	result := r.ResolveAll(ctx)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"A.txt", "b.txt", "c.txt"}, seen)
	assert.Equal(t, []int{3, 3, 3}, totals)
	assert.Equal(t, 3, result.Count(models.OutcomeResolved))
}

func TestResolveAllCancelled(t *testing.T) {
	w := contentConflict(t)
	r := w.resolver(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.ResolveAll(ctx)
	require.Len(t, result.Errors, 1)
	assert.True(t, errors.Is(result.Errors[0], models.ErrCancelled))
	assert.Empty(t, result.Outcomes)
}

// ============================================================================
// Delete conflicts
// ============================================================================

// deleteConflict deletes base.txt locally while the server renames and edits it
func deleteConflict(t *testing.T) *workspace {
	w := newWorkspace(t)
	w.commit(localserver.ServerChange{Change: models.ChangeAdd, Path: "$/proj/base.txt", Content: "A"})
	w.get()
	w.remove("base.txt")
	w.commit(localserver.ServerChange{
		Change: models.ChangeRename | models.ChangeEdit, Path: "$/proj/base.txt", NewPath: "$/proj/theirs.txt", Content: "B",
	})
	w.get()
	return w
}

func TestDeleteConflictAgainstRenameAndEdit(t *testing.T) {
	ctx := context.Background()

	t.Run("cannot be merged", func(t *testing.T) {
		w := deleteConflict(t)
		r := w.resolver(Options{})
		c := w.onlyConflict(r)
		assert.Equal(t, ClassDelete, Classify(c))

		outcome, err := r.Merge(ctx, c)
		assert.Equal(t, models.OutcomeFailed, outcome)
		assert.True(t, errors.Is(err, ErrDeleteConflict))
		assert.Len(t, r.Conflicts(), 1)
	})

	t.Run("take theirs", func(t *testing.T) {
		w := deleteConflict(t)
		r := w.resolver(Options{})

		result := r.AcceptChanges(ctx, r.Conflicts(), models.ResolutionTakeTheirs)
		require.Empty(t, result.Errors)
		assert.Equal(t, 1, result.Count(models.OutcomeResolved))

		assert.Equal(t, "B", w.read("theirs.txt"))
		assert.NoFileExists(t, w.path("base.txt"))
		assert.Empty(t, w.pending())
		assert.Empty(t, r.Conflicts())
		assert.Equal(t, []string{w.path("base.txt")}, r.Files().Paths(models.GroupUpdated))
	})

	t.Run("keep yours", func(t *testing.T) {
		w := deleteConflict(t)
		r := w.resolver(Options{})

		result := r.AcceptChanges(ctx, r.Conflicts(), models.ResolutionKeepYours)
		require.Empty(t, result.Errors)
		assert.Equal(t, 1, result.Count(models.OutcomeResolved))

		assert.NoFileExists(t, w.path("base.txt"))
		assert.NoFileExists(t, w.path("theirs.txt"))
		assert.Equal(t, map[string]models.ChangeType{"$/proj/theirs.txt": models.ChangeDelete}, w.pending())
		assert.Equal(t, []string{w.path("base.txt")}, r.Files().Paths(models.GroupSkipped))
	})
}

func TestAcceptChanges(t *testing.T) {
	ctx := context.Background()

	t.Run("already resolved is skipped", func(t *testing.T) {
		w := contentConflict(t)
		r := w.resolver(Options{})
		stale := r.Conflicts()

		_, err := w.srv.ResolveConflict(ctx, models.ResolveRequest{Path: w.path("base.txt"), Resolution: models.ResolutionKeepYours})
		require.NoError(t, err)

		result := r.AcceptChanges(ctx, stale, models.ResolutionTakeTheirs)
		assert.Empty(t, result.Errors)
		assert.Equal(t, 1, result.Count(models.OutcomeSkipped))
		assert.Equal(t, "yours", w.read("base.txt"))
	})

	t.Run("take theirs restores the server content", func(t *testing.T) {
		w := contentConflict(t)
		r := w.resolver(Options{})

		result := r.AcceptChanges(ctx, r.Conflicts(), models.ResolutionTakeTheirs)
		require.Empty(t, result.Errors)
		assert.Equal(t, "theirs", w.read("base.txt"))
		assert.Empty(t, w.pending())
	})

	t.Run("take theirs name is not a batch resolution", func(t *testing.T) {
		w := contentConflict(t)
		r := w.resolver(Options{})

		result := r.AcceptChanges(ctx, r.Conflicts(), models.ResolutionTakeTheirsName)
		require.Len(t, result.Errors, 1)
		assert.Empty(t, result.Outcomes)
		assert.Len(t, r.Conflicts(), 1)
	})
}

func TestSkip(t *testing.T) {
	w := contentConflict(t)
	r := w.resolver(Options{})

	r.Skip(r.Conflicts())
	assert.Equal(t, []string{w.path("base.txt")}, r.Files().Paths(models.GroupSkipped))
	assert.Len(t, r.Conflicts(), 1)
}

// ============================================================================
// Name conflicts
// ============================================================================

// renameConflict renames a.txt to mine.txt locally and to theirs.txt on the server
func renameConflict(t *testing.T) *workspace {
	w := newWorkspace(t)
	w.commit(localserver.ServerChange{Change: models.ChangeAdd, Path: "$/proj/a.txt", Content: "A"})
	w.get()
	w.rename("a.txt", "mine.txt")
	w.commit(localserver.ServerChange{Change: models.ChangeRename, Path: "$/proj/a.txt", NewPath: "$/proj/theirs.txt"})
	w.get()
	return w
}

func TestResolveRenameConflict(t *testing.T) {
	tests := []struct {
		name        string
		names       merge.FixedNameMerger
		wantOutcome models.Outcome
		wantFile    string
		wantPending map[string]models.ChangeType
	}{
		{"theirs", merge.FixedNameMerger{Choice: merge.ChooseTheirs}, models.OutcomeResolved, "theirs.txt", map[string]models.ChangeType{}},
		{"yours", merge.FixedNameMerger{Choice: merge.ChooseYours}, models.OutcomeResolved, "mine.txt",
			map[string]models.ChangeType{"$/proj/mine.txt": models.ChangeRename}},
		{"custom", merge.FixedNameMerger{Custom: "$/proj/custom.txt"}, models.OutcomeResolved, "custom.txt",
			map[string]models.ChangeType{"$/proj/custom.txt": models.ChangeRename}},
		{"cancel", merge.FixedNameMerger{Choice: merge.ChooseCancel}, models.OutcomeSkipped, "mine.txt",
			map[string]models.ChangeType{"$/proj/mine.txt": models.ChangeRename}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := renameConflict(t)
			r := w.resolver(Options{Names: tt.names})
			c := w.onlyConflict(r)
			assert.Equal(t, models.ConflictRename, c.Kind)
			assert.Equal(t, w.path("mine.txt"), c.LocalPath)

			outcome, err := r.Merge(context.Background(), c)
			assert.Equal(t, tt.wantOutcome, outcome)
			if tt.wantOutcome == models.OutcomeSkipped {
				assert.True(t, models.IsUserCancelled(err))
				assert.Len(t, r.Conflicts(), 1)
			} else {
				require.NoError(t, err)
				assert.Empty(t, r.Conflicts())
			}

			assert.Equal(t, "A", w.read(tt.wantFile))
			for _, name := range []string{"a.txt", "mine.txt", "theirs.txt", "custom.txt"} {
				if name != tt.wantFile {
					assert.NoFileExists(t, w.path(name))
				}
			}
			assert.Equal(t, tt.wantPending, w.pending())
		})
	}
}

// nameAndContentConflict renames and edits a.txt on both sides
func nameAndContentConflict(t *testing.T) *workspace {
	w := newWorkspace(t)
	w.commit(localserver.ServerChange{Change: models.ChangeAdd, Path: "$/proj/a.txt", Content: "A"})
	w.get()
	w.edit("a.txt", "yours")
	w.rename("a.txt", "mine.txt")
	w.commit(localserver.ServerChange{
		Change: models.ChangeRename | models.ChangeEdit, Path: "$/proj/a.txt", NewPath: "$/proj/theirs.txt", Content: "theirs",
	})
	w.get()
	return w
}

func TestResolveNameAndContent(t *testing.T) {
	t.Run("their name", func(t *testing.T) {
		w := nameAndContentConflict(t)
		contents := &merge.FixedContentMerger{Backend: w.backend, Content: "merged"}
		r := w.resolver(Options{Names: merge.FixedNameMerger{Choice: merge.ChooseTheirs}, Contents: contents})
		c := w.onlyConflict(r)
		assert.Equal(t, ClassNameAndContent, Classify(c))

		outcome, err := r.Merge(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeResolved, outcome)

		require.Len(t, contents.Calls, 1)
		assert.Equal(t, models.ContentTriplet{Base: "A", Local: "yours", Server: "theirs"}, contents.Calls[0])
		assert.Equal(t, "merged", w.read("theirs.txt"))
		assert.NoFileExists(t, w.path("mine.txt"))
		assert.Equal(t, map[string]models.ChangeType{"$/proj/theirs.txt": models.ChangeEdit}, w.pending())
		assert.Empty(t, r.Conflicts())
		assert.Equal(t, []string{w.path("theirs.txt")}, r.Files().Paths(models.GroupMerged))
	})

	t.Run("your name", func(t *testing.T) {
		w := nameAndContentConflict(t)
		contents := &merge.FixedContentMerger{Backend: w.backend, Content: "merged"}
		r := w.resolver(Options{Names: merge.FixedNameMerger{Choice: merge.ChooseYours}, Contents: contents})

		outcome, err := r.Merge(context.Background(), w.onlyConflict(r))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeResolved, outcome)

		assert.Equal(t, "merged", w.read("mine.txt"))
		assert.NoFileExists(t, w.path("theirs.txt"))
		assert.Equal(t, map[string]models.ChangeType{
			"$/proj/mine.txt": models.ChangeEdit | models.ChangeRename,
		}, w.pending())
		assert.Empty(t, r.Conflicts())
	})

	t.Run("cancelled name merge changes nothing", func(t *testing.T) {
		w := nameAndContentConflict(t)
		contents := &merge.FixedContentMerger{Backend: w.backend, Content: "merged"}
		r := w.resolver(Options{Names: merge.FixedNameMerger{Choice: merge.ChooseCancel}, Contents: contents})

		outcome, err := r.Merge(context.Background(), w.onlyConflict(r))
		assert.Equal(t, models.OutcomeSkipped, outcome)
		assert.True(t, models.IsUserCancelled(err))
		assert.Empty(t, contents.Calls)
		assert.Equal(t, "yours", w.read("mine.txt"))
		assert.Len(t, r.Conflicts(), 1)
	})
}

// ============================================================================
// Merge conflicts
// ============================================================================

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Get(ctx context.Context, requests []models.GetRequest) ([]models.Operation, error) {
	args := m.Called(requests)
	return args.Get(0).([]models.Operation), args.Error(1)
}

func (m *mockClient) ScheduleForAddition(ctx context.Context, paths []string) (*models.OperationsResult, error) {
	args := m.Called(paths)
	return args.Get(0).(*models.OperationsResult), args.Error(1)
}

func (m *mockClient) ScheduleForDeletion(ctx context.Context, paths []string) (*models.OperationsResult, error) {
	args := m.Called(paths)
	return args.Get(0).(*models.OperationsResult), args.Error(1)
}

func (m *mockClient) CheckOut(ctx context.Context, paths []string) (*models.OperationsResult, error) {
	args := m.Called(paths)
	return args.Get(0).(*models.OperationsResult), args.Error(1)
}

func (m *mockClient) Rename(ctx context.Context, oldPath, newPath string) (*models.OperationsResult, error) {
	args := m.Called(oldPath, newPath)
	return args.Get(0).(*models.OperationsResult), args.Error(1)
}

func (m *mockClient) UndoPendingChanges(ctx context.Context, paths []string) (*models.OperationsResult, error) {
	args := m.Called(paths)
	return args.Get(0).(*models.OperationsResult), args.Error(1)
}

func (m *mockClient) GetPendingChanges(ctx context.Context, paths []string) ([]models.PendingChange, error) {
	args := m.Called(paths)
	return args.Get(0).([]models.PendingChange), args.Error(1)
}

func (m *mockClient) GetConflicts(ctx context.Context, root string) ([]models.Conflict, error) {
	args := m.Called(root)
	return args.Get(0).([]models.Conflict), args.Error(1)
}

func (m *mockClient) ResolveConflict(ctx context.Context, req models.ResolveRequest) (*models.ResolveResult, error) {
	args := m.Called(req)
	return args.Get(0).(*models.ResolveResult), args.Error(1)
}

func (m *mockClient) UpdateLocalVersions(ctx context.Context, updates []models.LocalVersionUpdate) error {
	return m.Called(updates).Error(0)
}

func (m *mockClient) ReportLocalConflict(ctx context.Context, conflict models.LocalConflict) error {
	return m.Called(conflict).Error(0)
}

func (m *mockClient) GetLatestChangeset(ctx context.Context, serverPath string) (int, error) {
	args := m.Called(serverPath)
	return args.Int(0), args.Error(1)
}

func (m *mockClient) GetContent(ctx context.Context, serverPath string, version int) (string, error) {
	args := m.Called(serverPath, version)
	return args.String(0), args.Error(1)
}

func (m *mockClient) GetMergeBaseVersion(ctx context.Context, workingFolder, source, target string) (int, error) {
	args := m.Called(workingFolder, source, target)
	return args.Int(0), args.Error(1)
}

func (m *mockClient) DownloadItem(ctx context.Context, url string) (io.ReadCloser, error) {
	args := m.Called(url)
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func TestMergeConflictReadsBranchContent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	backend, err := storage.NewLocal(root)
	require.NoError(t, err)
	local := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(local, []byte("yours"), 0644))

	c := mergeConflict(models.ChangeEdit)
	c.LocalPath = local

	client := &mockClient{}
	client.On("GetMergeBaseVersion", local, "$/main/a.txt", "$/dev/a.txt").Return(3, nil)
	client.On("GetContent", "$/main/a.txt", 3).Return("base", nil)
	client.On("GetContent", "$/main/a.txt", 7).Return("theirs", nil)
	client.On("ResolveConflict", models.ResolveRequest{Path: local, Resolution: models.ResolutionKeepYours}).
		Return(&models.ResolveResult{Resolved: []models.Conflict{c}}, nil).Once()
	client.On("GetConflicts", root).Return([]models.Conflict(nil), nil)

	contents := &merge.FixedContentMerger{Backend: backend, Content: "merged"}
	r := NewResolver(client, backend, apply.NewExecutor(backend, client, nil), Options{Contents: contents}, nil)

	outcome, err := r.Merge(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeResolved, outcome)
	assert.Equal(t, []models.ContentTriplet{{Base: "base", Local: "yours", Server: "theirs"}}, contents.Calls)
	require.Len(t, contents.Hints, 1)
	assert.Equal(t, merge.ContentHint{LocalPath: local, Revision: "changeset 7"}, contents.Hints[0])
	client.AssertExpectations(t)
}

func TestMergeConflictWithUnsupportedVersionFails(t *testing.T) {
	root := t.TempDir()
	backend, err := storage.NewLocal(root)
	require.NoError(t, err)

	c := mergeConflict(models.ChangeEdit)
	c.LocalPath = filepath.Join(root, "a.txt")
	c.Mapping.FromVersion.End = models.VersionSpec{Type: models.VersionDate, Value: "2024-01-01"}

	client := &mockClient{}
	r := NewResolver(client, backend, apply.NewExecutor(backend, client, nil), Options{}, nil)

	outcome, err := r.Merge(context.Background(), c)
	assert.Equal(t, models.OutcomeFailed, outcome)
	assert.ErrorContains(t, err, "unsupported merge version type")
	client.AssertNotCalled(t, "ResolveConflict", mock.Anything)
}

func TestLoadReportsServerErrors(t *testing.T) {
	root := t.TempDir()
	backend, err := storage.NewLocal(root)
	require.NoError(t, err)

	client := &mockClient{}
	client.On("GetConflicts", root).Return([]models.Conflict(nil), errors.New("unreachable"))
	r := NewResolver(client, backend, apply.NewExecutor(backend, client, nil), Options{}, nil)

	err = r.Load(context.Background())
	var serverErr *models.ServerError
	assert.True(t, errors.As(err, &serverErr))
}
