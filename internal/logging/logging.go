// Package logging provides structured, context-carrying logging for maw
// using the standard library's log/slog. Grounded on the teacher's
// cmd/entire/cli/logging package: one JSON log file per operation,
// level controlled by an environment variable first, then config.
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelEnvVar is the environment variable that overrides the configured log level.
const LevelEnvVar = "MANIFOLD_LOG_LEVEL"

// DirName is the directory (relative to the repository root) holding log files.
const DirName = ".manifold/logs"

type contextKey int

const (
	workspaceKey contextKey = iota
	mergeIDKey
	phaseKey
	componentKey
)

// WithWorkspace attaches a workspace name to the context for subsequent log calls.
func WithWorkspace(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workspaceKey, name)
}

// WithMergeID attaches a merge id to the context.
func WithMergeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, mergeIDKey, id)
}

// WithPhase attaches the current merge-state phase to the context.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey, phase)
}

// WithComponent attaches the subsystem name generating the log line.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

var (
	mu           sync.RWMutex
	logger       *slog.Logger
	logFile      *os.File
	logBufWriter *bufio.Writer
)

// Init opens (or creates) .manifold/logs/<opID>.log under repoRoot and
// routes subsequent log calls to it as JSON. Falls back to stderr if the
// file cannot be created. Level comes from MANIFOLD_LOG_LEVEL, then the
// configuredLevel argument (from config.toml), defaulting to info.
func Init(repoRoot, opID, configuredLevel string) error {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()

	levelStr := os.Getenv(LevelEnvVar)
	if levelStr == "" {
		levelStr = configuredLevel
	}
	level := parseLevel(levelStr)

	dir := filepath.Join(repoRoot, DirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		logger = create(os.Stderr, level)
		return nil //nolint:nilerr // best-effort, fall back to stderr
	}

	path := filepath.Join(dir, opID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // opID is a generated ULID/UUID, not user path input
	if err != nil {
		logger = create(os.Stderr, level)
		return nil //nolint:nilerr
	}

	logFile = f
	logBufWriter = bufio.NewWriterSize(f, 8192)
	logger = create(logBufWriter, level)
	return nil
}

// Close flushes and closes the active log file, if any. Safe to call multiple times.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func closeLocked() {
	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func create(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Debug(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelDebug, msg, attrs...) }
func Info(ctx context.Context, msg string, attrs ...any)  { log(ctx, slog.LevelInfo, msg, attrs...) }
func Warn(ctx context.Context, msg string, attrs ...any)  { log(ctx, slog.LevelWarn, msg, attrs...) }
func Error(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelError, msg, attrs...) }

// Duration logs msg with duration_ms computed from start. Intended for defer.
func Duration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	all := make([]any, 0, len(attrs)+1)
	all = append(all, slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	all = append(all, attrs...)
	log(ctx, level, msg, all...)
}

func log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	l := current()
	all := fromContext(ctx)
	all = append(all, attrs...)
	l.Log(context.Background(), level, msg, all...)
}

func fromContext(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var attrs []any
	if v, ok := ctx.Value(workspaceKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("workspace", v))
	}
	if v, ok := ctx.Value(mergeIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("merge_id", v))
	}
	if v, ok := ctx.Value(phaseKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("phase", v))
	}
	if v, ok := ctx.Value(componentKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("component", v))
	}
	return attrs
}

// errAttr is a convenience for slog.Any("error", err) call sites.
func errAttr(err error) slog.Attr { return slog.String("error", fmt.Sprint(err)) }

// ErrAttr exposes errAttr for other packages composing log attrs.
func ErrAttr(err error) slog.Attr { return errAttr(err) }
