package ops

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/hearsay/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

// NewLogger creates a new structured logger based on config
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithRelay adds a relay field to all log messages
func (l *Logger) WithRelay(url string) *Logger {
	return &Logger{
		Logger: l.Logger.With("relay", url),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// LogRelayConnection logs a relay connection attempt
func (l *Logger) LogRelayConnection(url string, connected bool, err error) {
	if err != nil {
		l.Warn("relay connection failed", "relay", url, "error", err)
		return
	}
	if connected {
		l.Info("relay connected", "relay", url)
	} else {
		l.Info("relay disconnected", "relay", url)
	}
}

// LogJobOutcome logs the completion of a relay job
func (l *Logger) LogJobOutcome(url string, jobID uint64, reason string) {
	l.Debug("job complete", "relay", url, "job_id", jobID, "reason", reason)
}

// LogPickerPass logs one relay picking pass
func (l *Logger) LogPickerPass(assigned, seeking int) {
	l.Debug("picker pass", "relays_assigned", assigned, "pubkeys_seeking", seeking)
}

// LogRetentionPrune logs a pruning operation
func (l *Logger) LogRetentionPrune(deleted, remaining int64, err error) {
	if err != nil {
		l.Error("pruning failed", "error", err)
		return
	}
	l.Info("pruning complete", "deleted", deleted, "remaining", remaining)
}

// LogBackupOperation logs a backup or restore operation
func (l *Logger) LogBackupOperation(operation, path string, sizeBytes int64, err error) {
	if err != nil {
		l.Error("backup operation failed", "operation", operation, "path", path, "error", err)
		return
	}
	l.Info("backup operation complete", "operation", operation, "path", path, "size_bytes", sizeBytes)
}

// LogStartup logs application startup with metadata
func (l *Logger) LogStartup(version, commit string, extra map[string]interface{}) {
	args := []any{"version", version, "commit", commit}
	for k, v := range extra {
		args = append(args, k, v)
	}
	l.Info("starting", args...)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("shutting down", "reason", reason)
}
