// Package log provides category-tagged structured logging for chronicle.
//
// Output is discarded until Init or Open is called, so library packages can
// log freely without polluting the console of a driving process.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Category tags the subsystem that produced a log line.
type Category string

const (
	CatOrch   Category = "orch"
	CatAgent  Category = "agent"
	CatIPC    Category = "ipc"
	CatStore  Category = "store"
	CatConfig Category = "config"
	CatCLI    Category = "cli"
	CatLua    Category = "lua"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init routes log output to w at the given level.
func Init(w io.Writer, level slog.Level) {
	current.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// Open appends log output to the file at path. The returned closer restores
// the discard logger and closes the file.
func Open(path string, level slog.Level) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // G304: path comes from config
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	Init(f, level)
	return func() error {
		Init(io.Discard, level)
		return f.Close()
	}, nil
}

func logger(cat Category) *slog.Logger {
	return current.Load().With("cat", string(cat))
}

func Debug(cat Category, msg string, args ...any) { logger(cat).Debug(msg, args...) }
func Info(cat Category, msg string, args ...any)  { logger(cat).Info(msg, args...) }
func Warn(cat Category, msg string, args ...any)  { logger(cat).Warn(msg, args...) }
func Error(cat Category, msg string, args ...any) { logger(cat).Error(msg, args...) }

// ErrorErr logs msg at error level with err attached.
func ErrorErr(cat Category, msg string, err error, args ...any) {
	logger(cat).Error(msg, append([]any{"error", err}, args...)...)
}
