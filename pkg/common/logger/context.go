package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates key/value pairs over the lifetime of an
// operation so each log call carries the full set without the caller
// re-threading them through every function.
type LoggerContext struct {
	logger *Logger

	mu   sync.Mutex
	args []any
}

// NewLoggerContext constructs a LoggerContext around the given logger.
func NewLoggerContext(logger *Logger) *LoggerContext {
	return &LoggerContext{logger: logger}
}

// Add appends key/value pairs that will be included on every subsequent
// log call made through this context.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.args = append(lc.args, args...)
}

// Debug logs at LevelDebug with the accumulated key/value pairs.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.Debugc(ctx, 4, msg, lc.merged(args)...)
}

// Info logs at LevelInfo with the accumulated key/value pairs.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.Infoc(ctx, 4, msg, lc.merged(args)...)
}

// Warn logs at LevelWarn with the accumulated key/value pairs.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.Warnc(ctx, 4, msg, lc.merged(args)...)
}

// Error logs at LevelError with the accumulated key/value pairs.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.Errorc(ctx, 4, msg, lc.merged(args)...)
}

func (lc *LoggerContext) merged(args []any) []any {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	out := make([]any, 0, len(lc.args)+len(args))
	out = append(out, lc.args...)
	out = append(out, args...)
	return out
}
