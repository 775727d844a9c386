// Package logging builds the structured loggers used across agora components.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Level is the minimum console level ("debug", "info", "warn", "error").
	Level string
	// DebugFile, when set, receives every entry at debug level as JSON lines.
	// Parent directories are created if they don't exist.
	DebugFile string
	// Console disables console output when false and DebugFile is set.
	Console bool
}

// Logger pairs a zap logger with the resources it owns.
type Logger struct {
	*zap.Logger
	mu    sync.Mutex
	files []*os.File
}

// New creates a logger writing human-readable entries to stderr and, when
// configured, JSON entries to the debug file.
func New(opts Options) (*Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		level.SetLevel(parsed)
	}

	var cores []zapcore.Core
	l := &Logger{}

	if opts.Console || opts.DebugFile == "" {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			level,
		))
	}

	if opts.DebugFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.DebugFile), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.DebugFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.files = append(l.files, f)
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(f),
			zapcore.DebugLevel,
		))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return l, nil
}

// ForProject creates a logger with the debug file in the project's
// .agora/logs directory. Falls back to a console-only logger if the log
// file cannot be opened.
func ForProject(projectRoot, level string) *Logger {
	l, err := New(Options{
		Level:     level,
		DebugFile: filepath.Join(projectRoot, ".agora", "logs", "agora-debug.log"),
		Console:   true,
	})
	if err == nil {
		return l
	}
	l, err = New(Options{Level: level, Console: true})
	if err != nil {
		return Nop()
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Close flushes buffered entries and closes any log files.
// Safe to call on a nil logger.
func (l *Logger) Close() error {
	if l == nil || l.Logger == nil {
		return nil
	}

	_ = l.Sync()

	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = nil
	return firstErr
}

// OrNop returns logger, or a no-op logger when it is nil. Components use it
// so a zero-value option never panics.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
