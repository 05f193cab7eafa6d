package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
)

// Logger provides color-coded status lines for the user. Diagnostics go
// through hclog instead; see NewDiagnostics.
type Logger struct {
	Verbose bool
	Quiet   bool
	NoColor bool

	out io.Writer

	info    *color.Color
	success *color.Color
	warning *color.Color
	failure *color.Color
	debug   *color.Color
}

// NewLogger creates a new logger writing to stderr
func NewLogger(verbose, quiet, noColor bool) *Logger {
	return NewLoggerTo(os.Stderr, verbose, quiet, noColor)
}

// NewLoggerTo creates a logger writing to w
func NewLoggerTo(w io.Writer, verbose, quiet, noColor bool) *Logger {
	l := &Logger{
		Verbose: verbose,
		Quiet:   quiet,
		NoColor: noColor,
		out:     w,
		info:    color.New(color.FgBlue),
		success: color.New(color.FgGreen),
		warning: color.New(color.FgYellow),
		failure: color.New(color.FgRed),
		debug:   color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{l.info, l.success, l.warning, l.failure, l.debug} {
		if noColor {
			c.DisableColor()
		}
	}
	return l
}

func (l *Logger) print(c *color.Color, tag, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(l.out, c.Sprint(tag+" "+msg))
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.Quiet {
		return
	}
	l.print(l.info, "[INFO]", format, args...)
}

// Success logs a success message
func (l *Logger) Success(format string, args ...interface{}) {
	if l.Quiet {
		return
	}
	l.print(l.success, "[SUCCESS]", format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.print(l.warning, "[WARNING]", format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.print(l.failure, "[ERROR]", format, args...)
}

// Debug logs a debug message (only if verbose is enabled)
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.Verbose {
		return
	}
	l.print(l.debug, "[DEBUG]", format, args...)
}

// NewDiagnostics returns the structured logger handed to the internal
// packages. It is quiet unless debug or verbose is set; debug also shows
// the commands run.
func NewDiagnostics(verbose, debug, noColor bool) hclog.Logger {
	level := hclog.Warn
	switch {
	case debug:
		level = hclog.Trace
	case verbose:
		level = hclog.Debug
	}
	colorOpt := hclog.AutoColor
	if noColor {
		colorOpt = hclog.ColorOff
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "volmon",
		Level:  level,
		Output: os.Stderr,
		Color:  colorOpt,
	})
}
