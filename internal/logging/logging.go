// Package logging builds pipeflow's slog loggers: the run logger on stderr
// and the per-task log files that also feed it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Handler formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New creates a logger writing to w. format is "text" or "json"; anything
// else falls back to text.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(newHandler(w, level, format))
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, FormatJSON) {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel converts a level name (debug, info, warn/warning, error, any
// case) to slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		s = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// TaskLog is the log file of one task. Logger writes every record at or
// above the file level to the file and forwards it to the run logger, which
// applies its own level.
type TaskLog struct {
	Logger *slog.Logger
	file   *os.File
}

// OpenTaskLog creates <dir>/<name>.log, truncating an older log of the same
// task.
func OpenTaskLog(run *slog.Logger, dir, name string, level slog.Level, format string) (*TaskLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, name+".log"))
	if err != nil {
		return nil, fmt.Errorf("create task log: %w", err)
	}
	h := NewFanout(run.Handler(), newHandler(f, level, format))
	return &TaskLog{Logger: slog.New(h), file: f}, nil
}

// Path returns the location of the log file.
func (l *TaskLog) Path() string { return l.file.Name() }

// Close closes the log file.
func (l *TaskLog) Close() error { return l.file.Close() }
