package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type sdkInstrumentation struct {
	tp *sdktrace.TracerProvider
}

var _ instrument.Instrumentation = sdkInstrumentation{}

func (s sdkInstrumentation) Tracer(name string) trace.Tracer { return s.tp.Tracer(name) }
func (sdkInstrumentation) Meter(name string) metric.Meter    { return metricnoop.NewMeterProvider().Meter(name) }

func (sdkInstrumentation) Propagator() propagation.TextMapPropagator {
	return propagation.TraceContext{}
}

func (s sdkInstrumentation) Shutdown(ctx context.Context) error { return s.tp.Shutdown(ctx) }

func TestClientPropagatesTraceContext(t *testing.T) {
	t.Parallel()

	ins := sdkInstrumentation{tp: sdktrace.NewTracerProvider()}
	t.Cleanup(func() { _ = ins.Shutdown(context.Background()) })
	c := newTestClient(t, Config{}, NewMemoryBroker(), WithInstrumentation(ins))

	type delivery struct {
		msg Message
		sc  trace.SpanContext
	}
	got := make(chan delivery, 1)
	_, err := c.Subscribe(t.Context(), "traced", func(ctx context.Context, m Message) Result {
		got <- delivery{msg: m, sc: trace.SpanContextFromContext(ctx)}
		return Ack()
	})
	require.NoError(t, err)

	ctx, span := ins.tp.Tracer("test").Start(t.Context(), "request")
	_, err = c.Publish(ctx, "traced", []byte("k"), []byte("v"), map[string]string{"trace": "user"})
	require.NoError(t, err)
	span.End()

	select {
	case d := <-got:
		assert.NotEmpty(t, d.msg.Header("traceparent"))
		assert.Equal(t, "user", d.msg.Header("trace"))
		assert.Equal(t, span.SpanContext().TraceID(), d.sc.TraceID())
		assert.NotEqual(t, span.SpanContext().SpanID(), d.sc.SpanID())
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestClientWithoutTraceLeavesHeadersNil(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{}, NewMemoryBroker())

	got := make(chan Message, 1)
	_, err := c.Subscribe(t.Context(), "plain", func(_ context.Context, m Message) Result {
		got <- m
		return Ack()
	})
	require.NoError(t, err)

	_, err = c.Publish(t.Context(), "plain", nil, []byte("v"), nil)
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Empty(t, m.Header("traceparent"))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
