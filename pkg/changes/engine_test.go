package changes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sdejongh/vcsreconcile/pkg/apply"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/storage"
	"github.com/sdejongh/vcsreconcile/pkg/vcs/localserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Helpers
// ============================================================================

type fixture struct {
	t      *testing.T
	root   string
	srv    *localserver.Server
	engine *Engine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	root := t.TempDir()
	srv, err := localserver.Open(localserver.Options{LocalRoot: root, ServerRoot: "$/proj"})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	backend, err := storage.NewLocal(root)
	require.NoError(t, err)

	opts.AllowDownload = true
	engine := NewEngine(srv, backend, apply.NewExecutor(backend, srv, nil), opts, nil)
	return &fixture{t: t, root: root, srv: srv, engine: engine}
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.root, filepath.FromSlash(name))
}

func (f *fixture) commit(changes ...localserver.ServerChange) {
	f.t.Helper()
	_, err := f.srv.Commit(context.Background(), "change", changes...)
	require.NoError(f.t, err)
}

func (f *fixture) getLatest() *Result {
	f.t.Helper()
	result, err := f.engine.GetLatest(context.Background(), nil)
	require.NoError(f.t, err)
	require.Empty(f.t, result.Errors)
	return result
}

func (f *fixture) write(name, content string) {
	f.t.Helper()
	path := f.path(name)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0755))
	if _, err := os.Stat(path); err == nil {
		require.NoError(f.t, os.Chmod(path, 0644))
	}
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0644))
}

func (f *fixture) read(name string) string {
	f.t.Helper()
	data, err := os.ReadFile(f.path(name))
	require.NoError(f.t, err)
	return string(data)
}

func (f *fixture) writable(name string) bool {
	f.t.Helper()
	info, err := os.Stat(f.path(name))
	require.NoError(f.t, err)
	return info.Mode().Perm()&0200 != 0
}

func (f *fixture) pending() map[string]models.ChangeType {
	f.t.Helper()
	changes, err := f.srv.GetPendingChanges(context.Background(), nil)
	require.NoError(f.t, err)
	out := make(map[string]models.ChangeType)
	for _, c := range changes {
		out[c.ServerPath] = c.Change
	}
	return out
}

// seeded commits a.txt and dir/b.txt and gets them
func seeded(t *testing.T, opts Options) *fixture {
	f := newFixture(t, opts)
	f.commit(
		localserver.ServerChange{Change: models.ChangeAdd, Path: "$/proj/a.txt", Content: "line one\r\nline two\n\tend"},
		localserver.ServerChange{Change: models.ChangeAdd, Kind: models.KindFolder, Path: "$/proj/dir"},
		localserver.ServerChange{Change: models.ChangeAdd, Path: "$/proj/dir/b.txt", Content: "B"},
	)
	f.getLatest()
	return f
}

// ============================================================================
// GetLatest
// ============================================================================

func TestGetLatest(t *testing.T) {
	f := newFixture(t, Options{})
	f.commit(
		localserver.ServerChange{Change: models.ChangeAdd, Path: "$/proj/a.txt", Content: "A"},
		localserver.ServerChange{Change: models.ChangeAdd, Kind: models.KindFolder, Path: "$/proj/dir"},
	)

	result := f.getLatest()
	assert.Equal(t, []string{f.path("a.txt"), f.path("dir")}, result.Paths)
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, "A", f.read("a.txt"))
	assert.False(t, f.writable("a.txt"))
	assert.Equal(t, []string{f.path("a.txt"), f.path("dir")}, result.Files.Paths(models.GroupCreated))

	again := f.getLatest()
	assert.Empty(t, again.Paths, "a workspace at the latest version needs no operations")
}

func TestGetLatestReportsConflictsAsModified(t *testing.T) {
	ctx := context.Background()
	f := seeded(t, Options{})

	_, err := f.engine.CheckOut(ctx, []string{f.path("dir/b.txt")})
	require.NoError(t, err)
	f.write("dir/b.txt", "yours")
	f.commit(localserver.ServerChange{Change: models.ChangeEdit, Path: "$/proj/dir/b.txt", Content: "theirs"})

	result := f.getLatest()
	assert.Equal(t, []string{f.path("dir/b.txt")}, result.Files.Paths(models.GroupModified))
	assert.Equal(t, "yours", f.read("dir/b.txt"))
}

// ============================================================================
// Undo
// ============================================================================

func TestUndoRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := seeded(t, Options{})
	original := f.read("a.txt")

	_, err := f.engine.CheckOut(ctx, []string{f.path("a.txt")})
	require.NoError(t, err)
	f.write("a.txt", "edited")

	result, err := f.engine.Undo(ctx, []string{f.path("a.txt")})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{f.path("a.txt")}, result.Paths)

	assert.Equal(t, original, f.read("a.txt"), "content is restored byte for byte")
	assert.False(t, f.writable("a.txt"))
	assert.Empty(t, f.pending())

	// redo and undo again
	_, err = f.engine.CheckOut(ctx, []string{f.path("a.txt")})
	require.NoError(t, err)
	f.write("a.txt", "edited")
	_, err = f.engine.Undo(ctx, []string{f.path("a.txt")})
	require.NoError(t, err)
	assert.Equal(t, original, f.read("a.txt"))
}

func TestUndoRename(t *testing.T) {
	ctx := context.Background()
	f := seeded(t, Options{})

	renamed, err := f.engine.Rename(ctx, f.path("dir/b.txt"), f.path("dir/c.txt"))
	require.NoError(t, err)
	require.Empty(t, renamed.Errors)
	assert.NoFileExists(t, f.path("dir/b.txt"))

	result, err := f.engine.Undo(ctx, []string{f.path("dir/c.txt")})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{f.path("dir/b.txt"), f.path("dir/c.txt")}, result.Paths)
	assert.Equal(t, "B", f.read("dir/b.txt"))
	assert.NoFileExists(t, f.path("dir/c.txt"))
	assert.Empty(t, f.pending())
}

func TestUndoFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("no paths", func(t *testing.T) {
		f := seeded(t, Options{})
		result, err := f.engine.Undo(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, result.Paths)
		assert.Zero(t, result.Operations)
	})

	t.Run("nothing pending is a per-item error", func(t *testing.T) {
		f := seeded(t, Options{})
		result, err := f.engine.Undo(ctx, []string{f.path("a.txt")})
		require.NoError(t, err)
		require.Len(t, result.Errors, 1)
		var failure models.Failure
		require.True(t, errors.As(result.Errors[0], &failure))
		assert.Equal(t, localserver.CodeNoPendingChange, failure.Code)
	})

	t.Run("server errors are fatal", func(t *testing.T) {
		f := seeded(t, Options{})
		require.NoError(t, f.srv.Close())
		_, err := f.engine.Undo(ctx, []string{f.path("a.txt")})
		var serverErr *models.ServerError
		assert.True(t, errors.As(err, &serverErr))
	})
}

// ============================================================================
// Restore
// ============================================================================

func TestRestore(t *testing.T) {
	ctx := context.Background()
	f := seeded(t, Options{})

	f.write("a.txt", "changed without checkout")
	require.NoError(t, os.Remove(f.path("dir/b.txt")))

	result, err := f.engine.Restore(ctx, []string{f.root})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{f.path("a.txt"), f.path("dir/b.txt")}, result.Paths)

	assert.Equal(t, "line one\r\nline two\n\tend", f.read("a.txt"))
	assert.Equal(t, "B", f.read("dir/b.txt"))
	assert.False(t, f.writable("a.txt"))
	assert.Empty(t, f.pending())

	again, err := f.engine.Restore(ctx, []string{f.root})
	require.NoError(t, err)
	assert.Empty(t, again.Paths, "matching files are left alone")
}

// ============================================================================
// Pending changes
// ============================================================================

func TestScheduleForAddition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Excludes: []string{"bin/", "**/*.bak"}})
	f.write(IgnoreFileName, "*.log\n")
	f.write("src/main.go", "package main")
	f.write("src/debug.log", "noise")
	f.write("src/old/main.go.bak", "old")
	f.write("src/bin/tool", "binary")

	result, err := f.engine.ScheduleForAddition(ctx, []string{f.path("src")})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{f.path("src"), f.path("src/main.go"), f.path("src/old")}, result.Paths)

	assert.Equal(t, map[string]models.ChangeType{
		"$/proj/src":         models.ChangeAdd,
		"$/proj/src/main.go": models.ChangeAdd,
		"$/proj/src/old":     models.ChangeAdd,
	}, f.pending())
	assert.True(t, f.writable("src/main.go"), "added files keep their local content")

	again, err := f.engine.ScheduleForAddition(ctx, []string{f.path("src/main.go")})
	require.NoError(t, err)
	require.Len(t, again.Errors, 1)
	assert.Contains(t, again.Errors[0].Error(), localserver.CodeAlreadyVersioned)
}

func TestScheduleForAdditionRejectsBadPatterns(t *testing.T) {
	f := newFixture(t, Options{Excludes: []string{"[unclosed"}})
	f.write("a.txt", "A")

	_, err := f.engine.ScheduleForAddition(context.Background(), []string{f.path("a.txt")})
	var validation *models.ValidationError
	assert.True(t, errors.As(err, &validation))
}

func TestScheduleForDeletion(t *testing.T) {
	ctx := context.Background()

	t.Run("versioned file", func(t *testing.T) {
		f := seeded(t, Options{})
		result, err := f.engine.ScheduleForDeletion(ctx, []string{f.path("a.txt")})
		require.NoError(t, err)
		assert.Empty(t, result.Errors)
		assert.Equal(t, []string{f.path("a.txt")}, result.Paths)
		assert.NoFileExists(t, f.path("a.txt"))
		assert.Equal(t, map[string]models.ChangeType{"$/proj/a.txt": models.ChangeDelete}, f.pending())
	})

	t.Run("edited file is undone first", func(t *testing.T) {
		f := seeded(t, Options{})
		_, err := f.engine.CheckOut(ctx, []string{f.path("a.txt")})
		require.NoError(t, err)
		f.write("a.txt", "edited")

		result, err := f.engine.ScheduleForDeletion(ctx, []string{f.path("a.txt")})
		require.NoError(t, err)
		assert.Empty(t, result.Errors)
		assert.NoFileExists(t, f.path("a.txt"))
		assert.Equal(t, map[string]models.ChangeType{"$/proj/a.txt": models.ChangeDelete}, f.pending())
	})

	t.Run("renamed file is deleted under its original name", func(t *testing.T) {
		f := seeded(t, Options{})
		_, err := f.engine.Rename(ctx, f.path("a.txt"), f.path("z.txt"))
		require.NoError(t, err)

		result, err := f.engine.ScheduleForDeletion(ctx, []string{f.path("z.txt")})
		require.NoError(t, err)
		assert.Empty(t, result.Errors)
		assert.NoFileExists(t, f.path("a.txt"))
		assert.NoFileExists(t, f.path("z.txt"))
		assert.Equal(t, map[string]models.ChangeType{"$/proj/a.txt": models.ChangeDelete}, f.pending())
	})

	t.Run("pending add is forgotten", func(t *testing.T) {
		f := seeded(t, Options{})
		f.write("new.txt", "new")
		_, err := f.engine.ScheduleForAddition(ctx, []string{f.path("new.txt")})
		require.NoError(t, err)

		result, err := f.engine.ScheduleForDeletion(ctx, []string{f.path("new.txt")})
		require.NoError(t, err)
		assert.Empty(t, result.Errors)
		assert.Equal(t, []string{f.path("new.txt")}, result.Paths)
		assert.NoFileExists(t, f.path("new.txt"))
		assert.Empty(t, f.pending())
	})

	t.Run("folder", func(t *testing.T) {
		f := seeded(t, Options{})
		result, err := f.engine.ScheduleForDeletion(ctx, []string{f.path("dir")})
		require.NoError(t, err)
		assert.Empty(t, result.Errors)
		assert.NoDirExists(t, f.path("dir"))
		assert.Equal(t, map[string]models.ChangeType{
			"$/proj/dir":       models.ChangeDelete,
			"$/proj/dir/b.txt": models.ChangeDelete,
		}, f.pending())
	})
}

func TestCheckOut(t *testing.T) {
	ctx := context.Background()
	f := seeded(t, Options{})

	result, err := f.engine.CheckOut(ctx, []string{f.path("a.txt"), f.path("missing.txt")})
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, []string{f.path("a.txt")}, result.Paths)
	assert.True(t, f.writable("a.txt"))
	assert.Equal(t, map[string]models.ChangeType{"$/proj/a.txt": models.ChangeEdit}, f.pending())
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	f := seeded(t, Options{})

	result, err := f.engine.Rename(ctx, f.path("a.txt"), f.path("dir/moved.txt"))
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{f.path("dir/moved.txt")}, result.Paths)
	assert.NoFileExists(t, f.path("a.txt"))
	assert.Equal(t, "line one\r\nline two\n\tend", f.read("dir/moved.txt"))
	assert.Equal(t, map[string]models.ChangeType{"$/proj/dir/moved.txt": models.ChangeRename}, f.pending())

	_, err = f.engine.Rename(ctx, f.path("missing.txt"), f.path("other.txt"))
	require.NoError(t, err)
}

func TestFilter(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, IgnoreFileName), []byte("*.log\n!keep.log\nobj/\n"), 0644))
	backend, err := storage.NewLocal(root)
	require.NoError(t, err)

	filter, err := LoadFilter(context.Background(), backend, []string{"*.tmp", "build/*", "cache/"})
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"main.go", false},
		{"trace.log", true},
		{"keep.log", false},
		{"src/obj/x.o", true},
		{"a.tmp", true},
		{"deep/a.tmp", true},
		{"build/out", true},
		{"src/build/out", false},
		{"src/cache/entry", true},
		{".vcsreconcile/lock", true},
		{IgnoreFileName, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, filter.Excluded(filepath.Join(root, filepath.FromSlash(tt.path))))
		})
	}

	assert.False(t, filter.Excluded(filepath.Join(filepath.Dir(root), "elsewhere.log")))
}
