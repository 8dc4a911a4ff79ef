package output

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/sdejongh/vcsreconcile/pkg/models"
)

// JSONFormatter formats output as JSON for automation and scripting
type JSONFormatter struct {
	writer  io.Writer
	command string
	errors  []string
}

// JSONReportData represents the final report data
type JSONReportData struct {
	BatchID    string                    `json:"batch_id,omitempty"`
	Command    string                    `json:"command"`
	Workspace  string                    `json:"workspace,omitempty"`
	Status     string                    `json:"status"`
	ExitCode   int                       `json:"exit_code"`
	StartTime  time.Time                 `json:"start_time"`
	Duration   string                    `json:"duration"`
	DurationMs int64                     `json:"duration_ms"`
	Operations int                       `json:"operations"`
	Files      map[string][]JSONFileData `json:"files,omitempty"`
	Conflicts  []JSONConflictData        `json:"conflicts,omitempty"`
	Errors     []string                  `json:"errors,omitempty"`
}

// JSONFileData represents one touched path
type JSONFileData struct {
	Path    string `json:"path"`
	Version int    `json:"version,omitempty"`
}

// JSONConflictData represents the outcome of one conflict
type JSONConflictData struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

// Start initializes the formatter
func (f *JSONFormatter) Start(writer io.Writer, command string, total int) error {
	if writer == nil {
		writer = os.Stdout
	}
	f.writer = writer
	f.command = command
	return nil
}

// Progress is not streamed, to keep the output a single parseable document
func (f *JSONFormatter) Progress(update ProgressUpdate) error {
	return nil
}

// Complete writes the report as one JSON document
func (f *JSONFormatter) Complete(report *models.Report) error {
	if f.writer == nil {
		f.writer = io.Discard
	}

	data := JSONReportData{
		BatchID:    report.BatchID,
		Command:    report.Command,
		Workspace:  report.Workspace,
		Status:     string(report.Status),
		ExitCode:   report.Status.ExitCode(),
		StartTime:  report.StartTime,
		Duration:   report.Duration.Round(time.Millisecond).String(),
		DurationMs: report.Duration.Milliseconds(),
		Operations: report.Operations,
		Errors:     f.errors,
	}

	for _, group := range models.FileGroups {
		files := report.Files.Files(group)
		if len(files) == 0 {
			continue
		}
		if data.Files == nil {
			data.Files = make(map[string][]JSONFileData)
		}
		for _, file := range files {
			data.Files[string(group)] = append(data.Files[string(group)], JSONFileData{Path: file.Path, Version: file.Version})
		}
	}

	for _, c := range report.Conflicts {
		entry := JSONConflictData{Path: c.Path, Kind: string(c.Kind), Outcome: string(c.Outcome)}
		if c.Error != nil {
			entry.Error = c.Error.Error()
		}
		data.Conflicts = append(data.Conflicts, entry)
	}

	for _, err := range report.Errors {
		data.Errors = append(data.Errors, err.Error())
	}

	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Error records an error; it is emitted with the report
func (f *JSONFormatter) Error(err error) error {
	f.errors = append(f.errors, err.Error())
	return nil
}

// Name returns the formatter name
func (f *JSONFormatter) Name() string {
	return "json"
}
