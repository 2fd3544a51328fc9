package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap logger with helpers for the harness's hot paths.
type Logger struct {
	zap *zap.Logger
}

// Config holds logging configuration
type Config struct {
	Level  string
	Format string // "json" or "console"
	Output string // "stdout" or "stderr"
}

// NewLogger creates a new structured logger
func NewLogger(config Config) (*Logger, error) {
	if config.Format == "" {
		config.Format = "json"
	}
	if config.Output == "" {
		config.Output = "stderr"
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = parseLevel(config.Level)
	zapConfig.Encoding = config.Format
	zapConfig.OutputPaths = []string{config.Output}
	zapConfig.ErrorOutputPaths = []string{config.Output}
	zapConfig.DisableCaller = true
	zapConfig.DisableStacktrace = true

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{zap: zapLogger}, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// parseLevel parses a zap level from string
func parseLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

// WithFields returns a logger with the given fields attached to every entry.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		zapFields = append(zapFields, zap.Any(key, value))
	}
	return &Logger{zap: l.zap.With(zapFields...)}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) {
	l.zap.Debug(msg, convertToZapFields(args)...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...any) {
	l.zap.Info(msg, convertToZapFields(args)...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...any) {
	l.zap.Warn(msg, convertToZapFields(args)...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.zap.Error(msg, convertToZapFields(args)...)
}

// convertToZapFields converts alternating key/value args to zap fields
func convertToZapFields(args []any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields = append(fields, zap.Any(key, args[i+1]))
		}
	}
	return fields
}

// LogLLMRequest logs one completed model invocation.
func (l *Logger) LogLLMRequest(provider, model, status string, duration time.Duration, tokens int, requestID string) {
	l.Info("model invocation completed",
		"provider", provider,
		"model", model,
		"status", status,
		"duration_ms", float64(duration.Nanoseconds())/1e6,
		"tokens", tokens,
		"request_id", requestID,
	)
}

// LogRetry logs a retry of a model invocation.
func (l *Logger) LogRetry(provider, model, reason string, attempt int, requestID string) {
	l.Warn("invocation retry",
		"provider", provider,
		"model", model,
		"reason", reason,
		"attempt", attempt,
		"request_id", requestID,
	)
}

// LogCacheOperation logs a response cache lookup.
func (l *Logger) LogCacheOperation(operation string, hit bool, requestID string) {
	if hit {
		l.Info("cache hit", "operation", operation, "request_id", requestID)
	} else {
		l.Debug("cache miss", "operation", operation, "request_id", requestID)
	}
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}
