// Package traces wires OpenTelemetry spans around the monitor's decisions.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/secmon"

// Setup describes where spans go and how this process labels itself.
type Setup struct {
	// Endpoint is the OTLP gRPC collector; empty disables export.
	Endpoint string
	Version  string
	Env      string
}

// Init installs a batching OTLP provider and the W3C propagator, so a login
// handler's trace continues through the evaluation. The returned func
// flushes pending spans.
func Init(ctx context.Context, setup Setup, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	if setup.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(setup.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("secmon"),
		semconv.ServiceVersion(setup.Version),
		attribute.String("deployment.environment", setup.Env),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", setup.Endpoint)
	return tp.Shutdown, nil
}

// StartSpan opens a span on the secmon tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End marks the span failed when err is set, then ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func UserID(id string) attribute.KeyValue { return attribute.String("secmon.user_id", id) }

func EntryID(id int64) attribute.KeyValue { return attribute.Int64("secmon.audit.entry_id", id) }

func IncidentID(id string) attribute.KeyValue { return attribute.String("secmon.incident.id", id) }

func Score(score float64) attribute.KeyValue { return attribute.Float64("secmon.risk.score", score) }

func Flags(flags string) attribute.KeyValue { return attribute.String("secmon.risk.flags", flags) }
