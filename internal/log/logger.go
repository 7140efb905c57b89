// Package log owns the process-wide structured logger. Service logs go to
// stderr so command output on stdout stays machine-readable.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup installs the global logger on stderr. Only the first call has an
// effect. Unknown levels mean info; unknown formats mean json.
func Setup(level, format string) {
	once.Do(func() {
		logger = New(os.Stderr, level, format)
		slog.SetDefault(logger)
	})
}

// New builds a logger writing to w. Format "auto" picks text when w is a
// terminal and json otherwise.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if resolveFormat(w, format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func resolveFormat(w io.Writer, format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		return "text"
	case "auto":
		f, ok := w.(*os.File)
		if ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return "text"
		}
	}
	return "json"
}

// Get returns the global logger, installing the default one if Setup has
// not run.
func Get() *slog.Logger {
	Setup("info", "json")
	return logger
}

// WithComponent returns the global logger tagged with component=name.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}
