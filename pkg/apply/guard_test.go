package apply

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDecider struct {
	mock.Mock
}

func (m *mockDecider) DecideLocalConflict(ctx context.Context, path string, isSource bool) (Decision, error) {
	args := m.Called(path, isSource)
	return args.Get(0).(Decision), args.Error(1)
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    Policy
		wantErr bool
	}{
		{"", PolicyAsk, false},
		{"override", PolicyOverride, false},
		{" Report ", PolicyReport, false},
		{"ASK", PolicyAsk, false},
		{"sometimes", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePolicy(tt.input)
			if tt.wantErr {
				var invalid *models.ValidationError
				assert.True(t, errors.As(err, &invalid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewGuardRequiresCollaborators(t *testing.T) {
	srv := newFakeServer()

	_, err := NewGuard(PolicyOverride, nil, nil)
	assert.NoError(t, err)
	_, err = NewGuard(PolicyReport, nil, nil)
	assert.Error(t, err)
	_, err = NewGuard(PolicyAsk, srv, nil)
	assert.Error(t, err)
	_, err = NewGuard(PolicyAsk, nil, &mockDecider{})
	assert.Error(t, err)
	_, err = NewGuard(Policy("never"), srv, &mockDecider{})
	assert.Error(t, err)
}

func TestGuards(t *testing.T) {
	op := models.Operation{
		ItemID: 4, PendingChangeID: 2, SourceLocalPath: "/ws/old.txt", TargetLocalPath: "/ws/new.txt",
		Kind: models.KindFile, ServerVersion: 6, LocalVersion: 5,
	}
	ctx := context.Background()

	t.Run("override", func(t *testing.T) {
		guard, err := NewGuard(PolicyOverride, nil, nil)
		require.NoError(t, err)
		ok, err := guard.MayOverride(ctx, op, false)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("report", func(t *testing.T) {
		srv := newFakeServer()
		guard, err := NewGuard(PolicyReport, srv, nil)
		require.NoError(t, err)

		ok, err := guard.MayOverride(ctx, op, true)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, []models.LocalConflict{{
			ItemID: 4, ServerVersion: 6, PendingChangeID: 2,
			SourceLocalPath: "/ws/old.txt", TargetLocalPath: "/ws/new.txt",
			Reason: models.LocalConflictSource,
		}}, srv.reports)
	})

	t.Run("ask and override", func(t *testing.T) {
		srv := newFakeServer()
		decider := &mockDecider{}
		decider.On("DecideLocalConflict", "/ws/new.txt", false).Return(DecisionOverride, nil).Once()
		guard, err := NewGuard(PolicyAsk, srv, decider)
		require.NoError(t, err)

		ok, err := guard.MayOverride(ctx, op, false)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, srv.reports)
		decider.AssertExpectations(t)
	})

	t.Run("ask and report", func(t *testing.T) {
		srv := newFakeServer()
		decider := &mockDecider{}
		decider.On("DecideLocalConflict", "/ws/old.txt", true).Return(DecisionReport, nil).Once()
		guard, err := NewGuard(PolicyAsk, srv, decider)
		require.NoError(t, err)

		ok, err := guard.MayOverride(ctx, op, true)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Len(t, srv.reports, 1)
		decider.AssertExpectations(t)
	})

	t.Run("ask fails", func(t *testing.T) {
		srv := newFakeServer()
		decider := &mockDecider{}
		cancelled := &models.UserCancelledError{Path: "/ws/new.txt", Step: "local conflict"}
		decider.On("DecideLocalConflict", "/ws/new.txt", false).Return(Decision(""), cancelled)
		guard, err := NewGuard(PolicyAsk, srv, decider)
		require.NoError(t, err)

		_, err = guard.MayOverride(ctx, op, false)
		assert.True(t, models.IsUserCancelled(err))
		assert.Empty(t, srv.reports)
	})
}

func TestExecuteAsksForWritableTarget(t *testing.T) {
	exec, srv, root := newTestExecutor(t)
	path := filepath.Join(root, "a.txt")
	writeFile(t, path, "unsaved", true)

	decider := &mockDecider{}
	decider.On("DecideLocalConflict", path, false).Return(DecisionOverride, nil).Once()
	guard, err := NewGuard(PolicyAsk, srv, decider)
	require.NoError(t, err)

	result := exec.Execute(context.Background(), []models.Operation{{
		ItemID: 1, SourceLocalPath: path, TargetLocalPath: path, Kind: models.KindFile,
		ServerVersion: 2, LocalVersion: 1, Change: models.ChangeEdit, DownloadURL: srv.serve("a", "server"),
	}}, Options{Mode: models.ModeGet, Guard: guard, AllowDownload: true})

	require.Empty(t, result.Errors)
	assert.Equal(t, "server", readFile(t, path))
	decider.AssertExpectations(t)
}
