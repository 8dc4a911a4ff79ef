package models

import (
	"errors"
	"sort"
	"time"
)

// FileGroup classifies a path touched by a batch
type FileGroup string

const (
	GroupCreated  FileGroup = "created"
	GroupUpdated  FileGroup = "updated"
	GroupRemoved  FileGroup = "removed"
	GroupMerged   FileGroup = "merged"
	GroupSkipped  FileGroup = "skipped"
	GroupModified FileGroup = "modified"
	GroupRestored FileGroup = "restored"
)

// FileGroups lists every group in display order
var FileGroups = []FileGroup{
	GroupCreated, GroupUpdated, GroupRemoved, GroupMerged, GroupSkipped, GroupModified, GroupRestored,
}

// UpdatedFile is one entry of a group
type UpdatedFile struct {
	Path    string
	Version int
}

// UpdatedFiles collects the paths a batch touched, by group
type UpdatedFiles struct {
	groups map[FileGroup][]UpdatedFile
}

// NewUpdatedFiles creates an empty collection
func NewUpdatedFiles() *UpdatedFiles {
	return &UpdatedFiles{groups: make(map[FileGroup][]UpdatedFile)}
}

// Add records path in group
func (u *UpdatedFiles) Add(group FileGroup, path string, version int) {
	if u.groups == nil {
		u.groups = make(map[FileGroup][]UpdatedFile)
	}
	u.groups[group] = append(u.groups[group], UpdatedFile{Path: path, Version: version})
}

// Files returns the entries of a group in insertion order
func (u *UpdatedFiles) Files(group FileGroup) []UpdatedFile {
	if u == nil {
		return nil
	}
	return u.groups[group]
}

// Paths returns the sorted paths of a group
func (u *UpdatedFiles) Paths(group FileGroup) []string {
	files := u.Files(group)
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)
	return paths
}

// Count returns the number of entries across all groups
func (u *UpdatedFiles) Count() int {
	if u == nil {
		return 0
	}
	n := 0
	for _, files := range u.groups {
		n += len(files)
	}
	return n
}

// Empty reports whether no path was recorded
func (u *UpdatedFiles) Empty() bool {
	return u.Count() == 0
}

// Merge appends every entry of other
func (u *UpdatedFiles) Merge(other *UpdatedFiles) {
	if other == nil {
		return
	}
	for _, group := range FileGroups {
		for _, f := range other.groups[group] {
			u.Add(group, f.Path, f.Version)
		}
	}
}

// Status represents the overall result of a batch
type Status string

const (
	// StatusSuccess indicates all operations completed successfully
	StatusSuccess Status = "success"
	// StatusPartial indicates some operations failed
	StatusPartial Status = "partial"
	// StatusFailed indicates the batch failed
	StatusFailed Status = "failed"
	// StatusCancelled indicates the batch was cancelled
	StatusCancelled Status = "cancelled"
)

// ExitCode returns the appropriate exit code for the status
func (s Status) ExitCode() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusPartial:
		return 1
	case StatusFailed:
		return 2
	case StatusCancelled:
		return 3
	default:
		return 2
	}
}

// ConflictOutcome records what happened to one conflict
type ConflictOutcome struct {
	Path    string
	Kind    ConflictKind
	Outcome Outcome
	Error   error
}

// Report summarises one command run for output formatters
type Report struct {
	BatchID   string
	Command   string
	Workspace string

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Operations int
	Files      *UpdatedFiles
	Conflicts  []ConflictOutcome
	Errors     []error

	Status Status
}

// Finish stamps the end time and derives the status from the errors.
// succeeded is the number of items that completed without error.
func (r *Report) Finish(succeeded int) {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
	if r.Status != "" {
		return
	}
	switch {
	case len(r.Errors) == 0:
		r.Status = StatusSuccess
	case hasCancellation(r.Errors):
		r.Status = StatusCancelled
	case succeeded > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusFailed
	}
}

func hasCancellation(errs []error) bool {
	for _, err := range errs {
		if errors.Is(err, ErrCancelled) {
			return true
		}
	}
	return false
}
