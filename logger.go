package basalt

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the structured logger the Env threads through its
// subsystems. It embeds slog.Logger, so every slog method is available
// on it directly.
type Logger struct {
	*slog.Logger
}

// NewLogger wraps an arbitrary slog handler. A nil handler falls back
// to info-level text output on stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		return NewTextLogger(slog.LevelInfo)
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger emits JSON records to stderr, filtered at level.
func NewJSONLogger(level slog.Level) *Logger {
	opts := slog.HandlerOptions{Level: level}
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &opts))}
}

// NewTextLogger emits key=value text records to stderr, filtered at
// level.
func NewTextLogger(level slog.Level) *Logger {
	opts := slog.HandlerOptions{Level: level}
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &opts))}
}

// NoopLogger returns a Logger that drops every record.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(discardHandler{})}
}

// discardHandler drops every record. It mirrors slog.DiscardHandler,
// which needs a newer Go release than this module builds with.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

// WithSubsystem adds a subsystem field to the logger.
func (l *Logger) WithSubsystem(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("subsystem", name),
	}
}

// WithStorePath adds a store path field to the logger.
func (l *Logger) WithStorePath(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("store_path", path),
	}
}

// WithPool adds a worker pool field to the logger.
func (l *Logger) WithPool(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("pool", name),
	}
}

// LogInitStep logs one step of the environment init sequence.
func (l *Logger) LogInitStep(ctx context.Context, step string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "init step failed",
			"step", step,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "init step completed",
			"step", step,
		)
	}
}

// LogDestroyStep logs one step of the environment destroy sequence.
func (l *Logger) LogDestroyStep(ctx context.Context, step string) {
	l.DebugContext(ctx, "destroy step completed",
		"step", step,
	)
}

// LogBudget logs a resolved resource budget.
func (l *Logger) LogBudget(ctx context.Context, resource string, requested, granted int64) {
	if granted < requested {
		l.InfoContext(ctx, "budget reduced",
			"resource", resource,
			"requested", requested,
			"granted", granted,
		)
	} else {
		l.DebugContext(ctx, "budget resolved",
			"resource", resource,
			"granted", granted,
		)
	}
}

// LogFallback logs a recoverable probe failure and the value used instead.
func (l *Logger) LogFallback(ctx context.Context, fact string, fallback int64, err error) {
	l.WarnContext(ctx, "system fact unavailable, using fallback",
		"fact", fact,
		"fallback", fallback,
		"error", err,
	)
}
