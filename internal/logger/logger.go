// Package logger provides the adapter's informational logging: a
// slog-backed logger with a TRACE level below DEBUG, in the shape of
// gcsfuse's internal/logger package. Logging here is always informational
// — per spec §7, it never raises or changes control flow.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LevelTrace sits one step below slog's Debug, for the high-volume
// per-callback logging the adapter does when debug mode is on.
const LevelTrace = slog.LevelDebug - 4

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// Init reconfigures the package-level logger. debug lowers the level to
// LevelTrace; json switches the renderer from text to JSON, matching
// gcsfuse's --log-format flag.
func Init(w io.Writer, debug bool, json bool) {
	level := slog.LevelInfo
	if debug {
		level = LevelTrace
	}

	opts := &slog.HandlerOptions{Level: level}
	if json {
		defaultLogger = slog.New(slog.NewJSONHandler(w, opts))
	} else {
		defaultLogger = slog.New(slog.NewTextHandler(w, opts))
	}
}

func Tracef(format string, args ...any) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	defaultLogger.Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	defaultLogger.Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	defaultLogger.Error(fmt.Sprintf(format, args...))
}

func Info(msg string) {
	defaultLogger.Info(msg)
}
