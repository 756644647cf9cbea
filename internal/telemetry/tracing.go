// Package telemetry provides OpenTelemetry tracing setup for retrieval runs.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer used for retrieval spans.
const TracerName = "github.com/JakeFAU/channel-retriever"

// InitTracerProvider installs a global tracer provider and the W3C trace
// context propagator. No exporter is attached unless passed in opts; the
// spans still give Pub/Sub notifications a traceparent to carry.
func InitTracerProvider(ctx context.Context, serviceName string, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// StartRun opens the span covering one retrieval run.
func StartRun(ctx context.Context, jobID, runID string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "retrieval.run",
		trace.WithAttributes(
			attribute.String("retrieval.job_id", jobID),
			attribute.String("retrieval.run_id", runID),
		),
	)
}
