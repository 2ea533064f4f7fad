package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with run, phase and task fields.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger creates a logger writing to cfg.Writer, or stderr.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var writer io.Writer = os.Stderr
	if cfg.Writer != nil {
		writer = cfg.Writer
	}
	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.TimeOnly}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return &Logger{
		zlog: zerolog.New(writer).Level(level).With().Timestamp().Logger(),
	}, nil
}

// WithContext adds the logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from the context, or a disabled logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.Nop()}
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{zlog: l.zlog.With().Interface(key, value).Logger()}
}

// WithRunID adds a run_id field to the logger.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("run_id", runID).Logger()}
}

// WithSequence adds a sequence field to the logger.
func (l *Logger) WithSequence(sequenceID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("sequence", sequenceID).Logger()}
}

// WithPhase adds a phase field to the logger.
func (l *Logger) WithPhase(phase string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("phase", phase).Logger()}
}

// WithTask adds task name and type fields to the logger.
func (l *Logger) WithTask(name, taskType string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("task", name).
			Str("task_type", taskType).
			Logger(),
	}
}

// WithSpan adds the trace and span IDs of a recording span.
func (l *Logger) WithSpan(traceID, spanID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("trace_id", traceID).Str("span_id", spanID).Logger()}
}

// Zerolog returns the underlying zerolog logger for components that take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}
