// Package logging provides structured logging functionality using Go's slog package.
// It supports both text and JSON output formats, configurable log levels,
// and scanner-aware helpers that attach scanner names and forensic paths.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

const (
	// File permissions for directories and log files.
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel represents the available log levels.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the available log formats.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// Config holds logging configuration.
type Config struct {
	Level     LogLevel  `yaml:"level" json:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format    LogFormat `yaml:"format" json:"format" toml:"format" validate:"omitempty,oneof=text json"`
	Output    string    `yaml:"output" json:"output" toml:"output"`
	AddSource bool      `yaml:"add_source" json:"add_source" toml:"add_source"`
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:     LevelInfo,
		Format:    FormatText,
		Output:    "stderr",
		AddSource: false,
	}
}

// Logger wraps slog.Logger with additional functionality.
type Logger struct {
	*slog.Logger
	config Config
}

func parseLevel(l LogLevel) slog.Level {
	switch strings.ToLower(string(l)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new structured logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		// Assume it's a file path
		if err := os.MkdirAll(filepath.Dir(cfg.Output), logDirPerm); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
		if err != nil {
			return nil, err
		}
		writer = file
	}
	return NewWithWriter(cfg, writer), nil
}

// NewWithWriter creates a logger that writes to w, ignoring cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// NewDefault creates a logger with default configuration.
func NewDefault() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// WithFields adds structured fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.With(fields...),
		config: l.config,
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithScanner adds a scanner field to the logger.
func (l *Logger) WithScanner(scanner string) *Logger {
	return l.WithFields("scanner", scanner)
}

// WithPos0 adds a forensic path field to the logger.
func (l *Logger) WithPos0(pos0 string) *Logger {
	return l.WithFields("pos0", pos0)
}

// WithRunID adds a run ID field to the logger.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.WithFields("run_id", runID)
}

// WithError adds an error field to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields("error", err)
}

// ErrorScanner logs scanner-related errors.
func (l *Logger) ErrorScanner(msg, scanner, pos0 string, err error, fields ...any) {
	allFields := append([]any{"scanner", scanner, "pos0", pos0, "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoEngine logs engine-related information.
func (l *Logger) InfoEngine(msg string, fields ...any) {
	allFields := append([]any{"component", "engine"}, fields...)
	l.Info(msg, allFields...)
}

// ErrorEngine logs engine-related errors.
func (l *Logger) ErrorEngine(msg string, err error, fields ...any) {
	allFields := append([]any{"component", "engine", "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoRecorder logs feature recorder information.
func (l *Logger) InfoRecorder(msg, channel string, fields ...any) {
	allFields := append([]any{"component", "recorder", "channel", channel}, fields...)
	l.Info(msg, allFields...)
}

// ErrorRecorder logs feature recorder errors.
func (l *Logger) ErrorRecorder(msg, channel string, err error, fields ...any) {
	allFields := append([]any{"component", "recorder", "channel", channel, "error", err}, fields...)
	l.Error(msg, allFields...)
}

// Global logger instance - can be replaced for testing.
var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(NewDefault())
}

// SetDefault sets the default logger instance.
func SetDefault(logger *Logger) {
	if logger == nil {
		return
	}
	defaultLogger.Store(logger)
}

// Default returns the default logger instance.
func Default() *Logger {
	return defaultLogger.Load()
}

// Info logs at info level using the default logger.
func Info(msg string, fields ...any) {
	Default().Info(msg, fields...)
}
