package instrument

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		"WARN":   slog.LevelWarn,
		" error": slog.LevelError,
		"":       slog.LevelInfo,
		"loud":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	ins, err := New(context.Background(), &Config{ServiceName: "unimq-test", LogLevel: "debug"})
	require.NoError(t, err)
	assert.IsType(t, noopInstrumentation{}, ins)
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
	require.NoError(t, ins.Shutdown(context.Background()))

	ins, err = New(context.Background(), nil)
	require.NoError(t, err)
	assert.IsType(t, noopInstrumentation{}, ins)
	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))

	SetLevel("debug")
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
	SetLevel("info")
	assert.Contains(t, ins.Propagator().Fields(), "traceparent")
}

func TestCorrelationID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, GetCorrelationID(ctx))
	assert.Empty(t, GetCorrelationID(nil)) //nolint:staticcheck // nil context is tolerated

	ctx = SetCorrelationID(ctx, "cid-1")
	assert.Equal(t, "cid-1", GetCorrelationID(ctx))
}

func TestMaskHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := &contextHandler{
		Handler: &maskHandler{
			handler: slog.NewJSONHandler(&buf, nil),
			masker:  newMasker([]string{" Passcode", "secret_key", ""}),
		},
		serviceName: "unimq",
	}
	logger := slog.New(h)

	ctx := SetCorrelationID(context.Background(), "cid-9")
	logger.InfoContext(ctx, "connect",
		"passcode", "hunter2",
		"headers", map[string]string{"secret_key": "s", "job_id": "j"},
		"body", `{"nested":{"SECRET_KEY":"x"},"ok":1}`,
		"payload", []byte(`[{"passcode":"p"}]`),
	)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "***", line["passcode"])
	assert.Equal(t, map[string]any{"secret_key": "***", "job_id": "j"}, line["headers"])
	assert.JSONEq(t, `{"nested":{"SECRET_KEY":"***"},"ok":1}`, line["body"].(string))
	assert.JSONEq(t, `[{"passcode":"***"}]`, line["payload"].(string))
	assert.Equal(t, "cid-9", line["_cID"])
	assert.Equal(t, "unimq", line["service"])
}

func TestContextHandlerAddsTrace(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(&contextHandler{Handler: slog.NewJSONHandler(&buf, nil), serviceName: "unimq"})

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.With("lane", 2).InfoContext(ctx, "delivered")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), line["span_id"])
	assert.Equal(t, float64(2), line["lane"])
	assert.NotContains(t, line, "_cID")
}

func TestRenameAttr(t *testing.T) {
	t.Parallel()

	src := &slog.Source{File: "/build/unimq/internal/pkg/messaging/client.go", Line: 42}
	assert.Equal(t, slog.String("file", "internal/pkg/messaging/client.go:42"), renameAttr(nil, slog.Any(slog.SourceKey, src)))
	assert.Equal(t, slog.Attr{}, renameAttr(nil, slog.Any(slog.SourceKey, &slog.Source{File: "/go/src/runtime/proc.go"})))
	assert.Equal(t, "severity", renameAttr(nil, slog.String(slog.LevelKey, "INFO")).Key)
	assert.Equal(t, "ts", renameAttr(nil, slog.String(slog.TimeKey, "now")).Key)
}

func TestFanout(t *testing.T) {
	t.Parallel()

	var debug, warn bytes.Buffer
	logger := slog.New(fanout{
		slog.NewJSONHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}).WithGroup("delivery")

	logger.Debug("fetch", "lane", 1)
	assert.Contains(t, debug.String(), `"delivery":{"lane":1}`)
	assert.Empty(t, warn.String())

	logger.Warn("slow")
	assert.Contains(t, warn.String(), "slow")
}
