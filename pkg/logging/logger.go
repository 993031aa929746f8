// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package logging provides structured logging for the job-manager core.
package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode"
)

// Logger is the interface used throughout the core for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithContext(ctx context.Context) Logger
}

// slogLogger wraps slog.Logger to implement Logger.
type slogLogger struct {
	logger *slog.Logger
}

// NewLogger creates a new logger with the specified configuration.
func NewLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level: config.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	logger := slog.New(handler).With(
		"service", "jobmgr",
		"version", config.Version,
	)

	return &slogLogger{logger: logger}
}

func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, sanitizeFields(args)...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, sanitizeFields(args)...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, sanitizeFields(args)...) }
func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, sanitizeFields(args)...) }

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(sanitizeFields(args)...)}
}

// contextKey namespaces values the reactor stashes on a context so handler
// logs pick up the job/batch/plugin they're acting on without threading
// extra parameters through every call.
type contextKey string

const (
	ContextKeyJobID   contextKey = "job_id"
	ContextKeyBatchID contextKey = "batch_id"
	ContextKeyPlugin  contextKey = "plugin"
)

// WithContext extracts job_id/batch_id/plugin from ctx, if present, and
// attaches them to the returned logger.
func (l *slogLogger) WithContext(ctx context.Context) Logger {
	attrs := make([]any, 0, 6)
	if v := ctx.Value(ContextKeyJobID); v != nil {
		attrs = append(attrs, "job_id", v)
	}
	if v := ctx.Value(ContextKeyBatchID); v != nil {
		attrs = append(attrs, "batch_id", v)
	}
	if v := ctx.Value(ContextKeyPlugin); v != nil {
		attrs = append(attrs, "plugin", v)
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

// Config holds logger configuration.
type Config struct {
	Level   slog.Level
	Format  Format
	Output  *os.File
	Version string
}

// Format represents the log output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// DefaultConfig returns a default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:   slog.LevelInfo,
		Format:  FormatText,
		Output:  os.Stdout,
		Version: "dev",
	}
}

// sanitizeLogValue strips control characters from string values before a log
// line is emitted, since job-supplied strings (annotations, plugin errmsg)
// can otherwise be used to forge log lines.
// lgtm[go/log-injection] This function sanitizes log values by removing control characters
func sanitizeLogValue(value any) any {
	str, ok := value.(string)
	if !ok {
		return value
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, str)
}

// lgtm[go/log-injection] sanitizeFields applies sanitizeLogValue to every field
func sanitizeFields(fields []any) []any {
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = sanitizeLogValue(f)
	}
	return out
}

// LogDuration logs the duration of a finished operation.
func LogDuration(logger Logger, start time.Time, operation string) {
	d := time.Since(start)
	logger.Info("operation completed", "operation", operation, "duration_ms", d.Milliseconds())
}

// LogAPICall returns logger tagged with method and path, for a handler
// that logs both the incoming request and its eventual outcome without
// repeating those two fields at each call site.
func LogAPICall(logger Logger, method, path string, fields ...any) Logger {
	return logger.With(append([]any{"method", method, "path", path}, fields...)...)
}

// LogError logs an error tagged with the operation and error type, if err is non-nil.
func LogError(logger Logger, err error, operation string, fields ...any) {
	if err == nil {
		return
	}
	baseFields := []any{
		"operation", operation,
		"error", err.Error(),
		"error_type", getErrorType(err),
	}
	logger.Error("operation failed", append(baseFields, sanitizeFields(fields)...)...)
}

func getErrorType(err error) string {
	if err == nil {
		return ""
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return "PathError"
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return "LinkError"
	}
	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return "SyscallError"
	}
	return fmt.Sprintf("%T", err)
}

// NoOpLogger discards all log messages; used in tests that don't assert on logs.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...any)          {}
func (NoOpLogger) Info(msg string, args ...any)           {}
func (NoOpLogger) Warn(msg string, args ...any)           {}
func (NoOpLogger) Error(msg string, args ...any)          {}
func (NoOpLogger) With(args ...any) Logger                { return NoOpLogger{} }
func (NoOpLogger) WithContext(ctx context.Context) Logger { return NoOpLogger{} }

// DefaultLogger is a package-level logger for convenience.
var DefaultLogger = NewLogger(DefaultConfig())

// SetDefaultLogger sets the package-level default logger.
func SetDefaultLogger(logger Logger) {
	DefaultLogger = logger
}
