package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps OpenTelemetry tracing for the orchestration core.
// Spans cover the turn, each provider call, and each tool execution.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures tracing. An empty Endpoint yields a no-op
// tracer that records nothing and exports nothing.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	SamplingRate   float64
	Insecure       bool
}

// NewTracer creates a tracer and returns it with a shutdown function
// that must be called on exit.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error, error) {
	if config.ServiceName == "" {
		config.ServiceName = "insightpilot"
	}
	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)},
			func(context.Context) error { return nil }, nil
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	tracer := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}
	return tracer, provider.Shutdown, nil
}

// StartTurn starts a span covering one chat turn.
func (t *Tracer) StartTurn(ctx context.Context, sessionID, turnID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("turn.id", turnID),
		))
}

// StartProviderCall starts a span covering one reasoning provider call.
func (t *Tracer) StartProviderCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "provider.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider.name", provider),
			attribute.String("provider.model", model),
		))
}

// StartToolCall starts a span covering one tool execution.
func (t *Tracer) StartToolCall(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", toolName)))
}

// RecordError marks a span failed with the given error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
