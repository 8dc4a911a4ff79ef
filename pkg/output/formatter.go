package output

import (
	"io"

	"github.com/sdejongh/vcsreconcile/pkg/models"
)

// ProgressUpdate reports one step of a batch
type ProgressUpdate struct {
	Index int // zero-based position in the batch
	Total int
	Path  string
	Step  string // "apply" or "resolve"
}

// Formatter defines the interface for output formatting
// Implementations include human-readable, progress bar and JSON formatters
type Formatter interface {
	// Start initializes the formatter for a new command run of total steps
	Start(writer io.Writer, command string, total int) error

	// Progress reports progress during the run
	Progress(update ProgressUpdate) error

	// Complete finalizes output and displays the report
	Complete(report *models.Report) error

	// Error reports an error outside the report
	Error(err error) error

	// Name returns the formatter name
	Name() string
}

// New returns the formatter for format. Progress bars only apply to the human format.
func New(format string, progress bool) Formatter {
	switch {
	case format == "json":
		return NewJSONFormatter()
	case progress:
		return NewProgressFormatter()
	default:
		return NewHumanFormatter()
	}
}
