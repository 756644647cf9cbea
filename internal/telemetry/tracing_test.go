package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Not parallel: installs global providers.
func TestStartRunRecordsSpan(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(ctx, "channel-retriever-test", sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	runCtx, span := StartRun(ctx, "chan-1", "run-1")
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(runCtx, carrier)
	span.End()

	assert.NotEmpty(t, carrier.Get("traceparent"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "retrieval.run", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("retrieval.job_id", "chan-1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("retrieval.run_id", "run-1"))
}
