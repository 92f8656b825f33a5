package log

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Logger provides leveled logging.
// This abstraction allows swapping logging implementations.
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message
	Debug(args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})

	// Tracef logs a formatted message below debug level
	Tracef(format string, args ...interface{})

	// With returns a logger carrying the given key/value pairs
	With(kv ...interface{}) Logger

	// Named returns a sub-logger whose name is appended to the current one
	Named(name string) Logger
}

// Options configures New.
type Options struct {
	Name   string
	Level  string
	JSON   bool
	Output io.Writer
}

// hcLogger implements Logger on top of hashicorp/go-hclog.
type hcLogger struct {
	l hclog.Logger
}

// New creates a Logger. Level accepts trace, debug, info, warn and error.
func New(opts Options) Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return &hcLogger{l: hclog.New(&hclog.LoggerOptions{
		Name:       opts.Name,
		Level:      level,
		Output:     out,
		JSONFormat: opts.JSON,
	})}
}

// NewDefault returns an info-level logger writing to stderr.
func NewDefault() Logger {
	return New(Options{Name: "replstream"})
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &hcLogger{l: hclog.NewNullLogger()}
}

// FromHCLog wraps an existing hclog logger.
func FromHCLog(l hclog.Logger) Logger {
	return &hcLogger{l: l}
}

func (h *hcLogger) Error(args ...interface{}) { h.l.Error(fmt.Sprint(args...)) }

func (h *hcLogger) Errorf(format string, args ...interface{}) {
	h.l.Error(fmt.Sprintf(format, args...))
}

func (h *hcLogger) Warn(args ...interface{}) { h.l.Warn(fmt.Sprint(args...)) }

func (h *hcLogger) Warnf(format string, args ...interface{}) {
	h.l.Warn(fmt.Sprintf(format, args...))
}

func (h *hcLogger) Info(args ...interface{}) { h.l.Info(fmt.Sprint(args...)) }

func (h *hcLogger) Infof(format string, args ...interface{}) {
	h.l.Info(fmt.Sprintf(format, args...))
}

func (h *hcLogger) Debug(args ...interface{}) { h.l.Debug(fmt.Sprint(args...)) }

func (h *hcLogger) Debugf(format string, args ...interface{}) {
	if h.l.IsDebug() {
		h.l.Debug(fmt.Sprintf(format, args...))
	}
}

func (h *hcLogger) Tracef(format string, args ...interface{}) {
	if h.l.IsTrace() {
		h.l.Trace(fmt.Sprintf(format, args...))
	}
}

func (h *hcLogger) With(kv ...interface{}) Logger {
	return &hcLogger{l: h.l.With(kv...)}
}

func (h *hcLogger) Named(name string) Logger {
	return &hcLogger{l: h.l.Named(name)}
}
