package output

import (
	"io"
	"os"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/sdejongh/vcsreconcile/pkg/models"
)

const progressTemplate = `{{string . "step"}} {{counters . }} {{bar . "[" "=" ">" " " "]"}} {{percent . }} {{string . "path"}}`

// ProgressFormatter draws a progress bar while a batch runs and prints the human summary once
// it completes
type ProgressFormatter struct {
	mu      sync.Mutex
	writer  io.Writer
	command string
	bar     *pb.ProgressBar
	summary *HumanFormatter
}

// NewProgressFormatter creates a new progress bar formatter
func NewProgressFormatter() *ProgressFormatter {
	return &ProgressFormatter{summary: NewHumanFormatter()}
}

// Start initializes the formatter. When total is not known up front the bar is drawn on the
// first progress update.
func (f *ProgressFormatter) Start(writer io.Writer, command string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if writer == nil {
		writer = os.Stdout
	}
	f.writer = writer
	f.command = command
	if err := f.summary.Start(writer, command, total); err != nil {
		return err
	}
	f.finishBar()
	if total > 0 {
		f.startBar(total)
	}
	return nil
}

func (f *ProgressFormatter) startBar(total int) {
	f.bar = pb.New(total).
		SetWriter(f.writer).
		SetTemplateString(progressTemplate).
		SetMaxWidth(120).
		Set("step", f.command).
		Set("path", "")
	f.bar.Start()
}

// Progress moves the bar to the step being processed
func (f *ProgressFormatter) Progress(update ProgressUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.bar == nil {
		if f.writer == nil || update.Total <= 0 {
			return nil
		}
		f.startBar(update.Total)
	}
	if int64(update.Total) != f.bar.Total() {
		f.bar.SetTotal(int64(update.Total))
	}
	f.bar.SetCurrent(int64(update.Index))
	if update.Step != "" {
		f.bar.Set("step", update.Step)
	}
	f.bar.Set("path", update.Path)
	return nil
}

// Complete stops the bar and prints the summary
func (f *ProgressFormatter) Complete(report *models.Report) error {
	f.mu.Lock()
	if f.bar != nil {
		f.bar.SetCurrent(f.bar.Total())
		f.bar.Set("path", "")
	}
	f.finishBar()
	f.mu.Unlock()

	return f.summary.Complete(report)
}

// Error reports an error below the bar
func (f *ProgressFormatter) Error(err error) error {
	return f.summary.Error(err)
}

// Name returns the formatter name
func (f *ProgressFormatter) Name() string {
	return "progress"
}

func (f *ProgressFormatter) finishBar() {
	if f.bar != nil {
		f.bar.Finish()
		f.bar = nil
	}
}
