package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with run, phase and task spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer. A disabled config yields spans that are never exported.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider()
		return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg, serviceName+"/"+serviceVersion)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter. The connection is made
// lazily so a station without network still deploys.
func createOTLPExporter(cfg TracingConfig, userAgent string) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(userAgent)),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	return otlptracegrpc.New(context.Background(), opts...)
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartRunSpan starts a span for a sequence run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, sequenceID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "run.execute",
		AttrRunID.String(runID),
		AttrSequenceID.String(sequenceID),
	)
}

// StartPhaseSpan starts a span for one phase of a run.
func (t *Tracer) StartPhaseSpan(ctx context.Context, phase string, tasks int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "phase."+phase,
		AttrPhase.String(phase),
		AttrPhaseTasks.Int(tasks),
	)
}

// StartTaskSpan starts a span for a task execution.
func (t *Tracer) StartTaskSpan(ctx context.Context, phase, taskName, taskType string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "task."+taskType,
		AttrPhase.String(phase),
		AttrTaskName.String(taskName),
		AttrTaskType.String(taskType),
	)
}

// StartCollaboratorSpan starts a span for a call into an external service.
func (t *Tracer) StartCollaboratorSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, service+"."+operation,
		AttrCollaborator.String(service),
		AttrCollaboratorOp.String(operation),
	)
}

// RecordError records err and its class on the span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(AttrErrorClass.String(errorClass(err)))
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Attribute keys of deployment spans.
var (
	AttrRunID      = attribute.Key("run.id")
	AttrRunStatus  = attribute.Key("run.status")
	AttrSequenceID = attribute.Key("sequence.id")

	AttrPhase      = attribute.Key("phase")
	AttrPhaseTasks = attribute.Key("phase.tasks")

	AttrTaskName    = attribute.Key("task.name")
	AttrTaskType    = attribute.Key("task.type")
	AttrTaskOutcome = attribute.Key("task.outcome")

	AttrCollaborator   = attribute.Key("collaborator.service")
	AttrCollaboratorOp = attribute.Key("collaborator.operation")

	AttrErrorClass = attribute.Key("error.class")
)
