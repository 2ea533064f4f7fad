package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events for a deployment run.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events, flushes spans and writes the metrics textfile.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	return t.Metrics.WriteTextfile(t.Config.Metrics.TextfilePath)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

type (
	runSpanKey    struct{}
	phaseSpanKey  struct{}
	phaseTimerKey struct{}
	taskSpanKey   struct{}
)

// WithRunContext starts the run span and records the run start.
func WithRunContext(ctx context.Context, runID, sequenceID string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, sequenceID)

	logger := FromContext(ctx).WithRunID(runID).WithSequence(sequenceID)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithSpan(sc.TraceID().String(), sc.SpanID().String())
	}
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted(sequenceID)
	_ = tel.Events.PublishRunStarted(runID, sequenceID)

	return context.WithValue(spanCtx, runSpanKey{}, span)
}

// EndRunContext ends the run span and records the run outcome.
func EndRunContext(ctx context.Context, runID, status string, duration time.Duration, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	tel.Metrics.RecordRunCompleted(status, duration)

	if err != nil {
		tel.Metrics.RecordError(errorClass(err))
		_ = tel.Events.PublishRunFailed(runID, err.Error())
		return
	}
	_ = tel.Events.PublishRunCompleted(runID, status, duration)
}

// WithPhaseContext starts the span and timer of one phase.
func WithPhaseContext(ctx context.Context, runID, phase string, tasks int) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartPhaseSpan(ctx, phase, tasks)
	spanCtx = FromContext(ctx).WithPhase(phase).WithContext(spanCtx)

	_ = tel.Events.PublishPhaseStarted(runID, phase, tasks)

	spanCtx = context.WithValue(spanCtx, phaseSpanKey{}, span)
	return context.WithValue(spanCtx, phaseTimerKey{}, NewTimer())
}

// EndPhaseContext ends the phase span and records the phase outcome.
func EndPhaseContext(ctx context.Context, runID, phase, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(phaseSpanKey{}).(trace.Span); ok {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var duration time.Duration
	if timer, ok := ctx.Value(phaseTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	tel.Metrics.RecordPhase(phase, status, duration)
	_ = tel.Events.PublishPhaseCompleted(runID, phase, status, duration)
}

// WithTaskContext starts the span of one task.
func WithTaskContext(ctx context.Context, runID, phase, taskName, taskType string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartTaskSpan(ctx, phase, taskName, taskType)
	spanCtx = FromContext(ctx).WithTask(taskName, taskType).WithContext(spanCtx)

	_ = tel.Events.PublishTaskStarted(runID, phase, taskName, taskType)

	return context.WithValue(spanCtx, taskSpanKey{}, span)
}

// EndTaskContext ends the task span and records the task outcome.
func EndTaskContext(ctx context.Context, runID, phase, taskName, taskType, outcome string, duration time.Duration, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(taskSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrTaskOutcome.String(outcome))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	tel.Metrics.RecordTask(taskType, outcome, duration)

	if err != nil {
		tel.Metrics.RecordError(errorClass(err))
		_ = tel.Events.PublishTaskFailed(runID, phase, taskName, outcome, err.Error())
		return
	}
	_ = tel.Events.PublishTaskCompleted(runID, phase, taskName, duration)
}

// RecordSelectionFallback records a selection step that kept its input.
func RecordSelectionFallback(ctx context.Context, runID, step, action string, candidates int) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordSelectionFallback(action)
	_ = tel.Events.PublishSelectionFallback(runID, step, action, candidates)
}

// RecordPolicyViolation records a blocking policy violation of a sequence.
func RecordPolicyViolation(ctx context.Context, sequenceID, rule, reason string) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordError("policy")
	_ = tel.Events.PublishPolicyViolation(sequenceID, rule, reason)
}

// RecordCollaboratorCall runs fn inside a collaborator span.
func RecordCollaboratorCall(ctx context.Context, service, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	spanCtx, span := tel.Tracer.StartCollaboratorSpan(ctx, service, operation)
	defer span.End()

	err := fn(spanCtx)
	if err != nil {
		tel.Metrics.RecordError(errorClass(err))
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}

// classifier is implemented by errors that carry an error class.
type classifier interface {
	ErrorClass() string
}

func errorClass(err error) string {
	var c classifier
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return "unknown"
}
