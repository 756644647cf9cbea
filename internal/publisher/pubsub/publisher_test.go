package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "pages")
	require.NoError(t, err)
	return client, srv
}

func TestPublisherPublishes(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	pub := New(client, "pages")
	pub.propagator = propagation.TraceContext{}
	defer pub.Close()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	id, err := pub.Publish(ctx, "", map[string]any{"job_id": "chan", "batch": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	assert.Equal(t, "chan", body["job_id"])
	assert.EqualValues(t, 3, body["batch"])
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msgs[0].Attributes["traceparent"])
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "pages").Publish(context.Background(), "", "x")
	require.Error(t, err)

	client, _ := newTestClient(t)
	pub := New(client, "")
	defer pub.Close()

	_, err = pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is not configured")

	_, err = pub.Publish(context.Background(), "pages", func() {})
	require.ErrorContains(t, err, "marshal payload")
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("k", "v")
	assert.Equal(t, "v", c.Get("k"))
	assert.Equal(t, []string{"k"}, c.Keys())
}
