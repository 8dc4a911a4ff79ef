package output

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/fatih/color"
	"github.com/sdejongh/vcsreconcile/pkg/models"
)

var (
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
)

// HumanFormatter formats output in human-readable format
type HumanFormatter struct {
	writer  io.Writer
	command string
	total   int
}

// NewHumanFormatter creates a new human-readable formatter
func NewHumanFormatter() *HumanFormatter {
	return &HumanFormatter{}
}

// Start initializes the formatter
func (f *HumanFormatter) Start(writer io.Writer, command string, total int) error {
	f.writer = writer
	f.command = command
	f.total = total
	return nil
}

// Progress prints one line per step
func (f *HumanFormatter) Progress(update ProgressUpdate) error {
	if f.writer == nil {
		return nil
	}
	fmt.Fprintf(f.writer, "[%d/%d] %s %s\n", update.Index+1, update.Total, update.Step, update.Path)
	return nil
}

// Complete prints the touched files by group, the conflict outcomes and the errors
func (f *HumanFormatter) Complete(report *models.Report) error {
	if f.writer == nil {
		f.writer = io.Discard
	}
	w := f.writer

	for _, group := range models.FileGroups {
		for _, path := range report.Files.Paths(group) {
			fmt.Fprintf(w, "%-9s %s\n", groupLabel(group), path)
		}
	}

	if len(report.Conflicts) > 0 {
		fmt.Fprintf(w, "\nConflicts:\n")
		for _, c := range report.Conflicts {
			line := fmt.Sprintf("  %-9s %-17s %s", outcomeLabel(c.Outcome), c.Kind, c.Path)
			if c.Error != nil && !models.IsUserCancelled(c.Error) {
				line += ": " + c.Error.Error()
			}
			fmt.Fprintln(w, line)
		}
	}

	fmt.Fprintf(w, "\n%s completed in %s\n", report.Command, formatDuration(report.Duration))
	fmt.Fprintf(w, "  %s applied, %s touched\n",
		english.Plural(report.Operations, "operation", ""),
		english.Plural(report.Files.Count(), "item", ""))
	fmt.Fprintf(w, "Status: %s\n", statusLabel(report.Status))

	if len(report.Errors) > 0 {
		fmt.Fprintf(w, "\nErrors:\n")
		for _, err := range report.Errors {
			fmt.Fprintf(w, "  %s\n", describeError(err))
		}
	}
	return nil
}

// Error reports an error
func (f *HumanFormatter) Error(err error) error {
	if f.writer != nil {
		fmt.Fprintf(f.writer, "%s %v\n", red("Error:"), err)
	}
	return nil
}

// Name returns the formatter name
func (f *HumanFormatter) Name() string {
	return "human"
}

func groupLabel(group models.FileGroup) string {
	label := string(group)
	switch group {
	case models.GroupCreated, models.GroupUpdated, models.GroupRestored, models.GroupMerged:
		return green(label)
	case models.GroupRemoved:
		return cyan(label)
	default:
		return yellow(label)
	}
}

func outcomeLabel(outcome models.Outcome) string {
	switch outcome {
	case models.OutcomeResolved:
		return green(string(outcome))
	case models.OutcomeSkipped:
		return yellow(string(outcome))
	default:
		return red(string(outcome))
	}
}

func statusLabel(status models.Status) string {
	switch status {
	case models.StatusSuccess:
		return green(string(status))
	case models.StatusPartial, models.StatusCancelled:
		return yellow(string(status))
	default:
		return red(string(status))
	}
}

// describeError prefixes filesystem errors with their operation
func describeError(err error) string {
	var fsErr *models.FilesystemError
	if errors.As(err, &fsErr) {
		return fmt.Sprintf("%s %s: %v", fsErr.Op, fsErr.Path, fsErr.Err)
	}
	return err.Error()
}

// formatDuration renders short runs precisely and long ones the humanize way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Millisecond).String()
	}
	now := time.Now()
	return strings.TrimSpace(humanize.RelTime(now.Add(-d), now, "", ""))
}
