// Package vcs defines the server collaborator the reconciler talks to.
package vcs

import (
	"context"
	"io"

	"github.com/sdejongh/vcsreconcile/pkg/models"
)

// Client is the version-control server as seen from one workspace.
// Paths are local paths unless the parameter name says otherwise.
type Client interface {
	// Get returns the operations that bring the requested paths to the requested versions
	Get(ctx context.Context, requests []models.GetRequest) ([]models.Operation, error)

	ScheduleForAddition(ctx context.Context, paths []string) (*models.OperationsResult, error)
	ScheduleForDeletion(ctx context.Context, paths []string) (*models.OperationsResult, error)
	// CheckOut records pending edits; it returns no operations
	CheckOut(ctx context.Context, paths []string) (*models.OperationsResult, error)
	// Rename records a pending rename and returns the operation moving the local item
	Rename(ctx context.Context, oldPath, newPath string) (*models.OperationsResult, error)

	// UndoPendingChanges drops the pending changes under paths and returns the operations
	// restoring the server state
	UndoPendingChanges(ctx context.Context, paths []string) (*models.OperationsResult, error)

	GetPendingChanges(ctx context.Context, paths []string) ([]models.PendingChange, error)

	GetConflicts(ctx context.Context, root string) ([]models.Conflict, error)
	ResolveConflict(ctx context.Context, req models.ResolveRequest) (*models.ResolveResult, error)

	// UpdateLocalVersions records what the workspace now holds
	UpdateLocalVersions(ctx context.Context, updates []models.LocalVersionUpdate) error
	ReportLocalConflict(ctx context.Context, conflict models.LocalConflict) error

	// GetLatestChangeset returns the newest version of serverPath
	GetLatestChangeset(ctx context.Context, serverPath string) (int, error)
	GetContent(ctx context.Context, serverPath string, version int) (string, error)
	GetMergeBaseVersion(ctx context.Context, workingFolder, source, target string) (int, error)

	// DownloadItem opens the content behind a download URL
	DownloadItem(ctx context.Context, url string) (io.ReadCloser, error)
}

// VersionFlusher is the part of Client the executor flushes version updates to
type VersionFlusher interface {
	UpdateLocalVersions(ctx context.Context, updates []models.LocalVersionUpdate) error
}

// Downloader opens the content behind a download URL
type Downloader interface {
	DownloadItem(ctx context.Context, url string) (io.ReadCloser, error)
}

// ConflictReporter receives local conflicts the guard declined to override
type ConflictReporter interface {
	ReportLocalConflict(ctx context.Context, conflict models.LocalConflict) error
}
