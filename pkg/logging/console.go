package logging

import (
	"io"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewConsoleLogger logs human readable lines to w, coloured when w is a terminal
func NewConsoleLogger(w io.Writer, level Level) *SlogLogger {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      toSlog(level),
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})
	return NewSlogLogger(handler, nil)
}
