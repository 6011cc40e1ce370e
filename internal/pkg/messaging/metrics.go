package messaging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type clientMetrics struct {
	published   metric.Int64Counter
	publishFail metric.Int64Counter
	processTime metric.Float64Histogram
}

func newClientMetrics(meter metric.Meter, c *Client) *clientMetrics {
	m := &clientMetrics{}

	var err error
	m.published, err = meter.Int64Counter("messaging.publish.messages", metric.WithDescription("Messages accepted by the backend"))
	if err != nil {
		slog.Error("failed to create publish counter", "error", err)
	}
	m.publishFail, err = meter.Int64Counter("messaging.publish.errors", metric.WithDescription("Publish calls that returned an error"))
	if err != nil {
		slog.Error("failed to create publish error counter", "error", err)
	}
	m.processTime, err = meter.Float64Histogram("messaging.process.duration", metric.WithDescription("Handler duration in milliseconds"))
	if err != nil {
		slog.Error("failed to create process duration histogram", "error", err)
	}

	inFlight, err1 := meter.Int64ObservableGauge("messaging.inflight", metric.WithDescription("Deliveries awaiting ack"))
	delivered, err2 := meter.Int64ObservableCounter("messaging.delivered", metric.WithDescription("Deliveries handed to handlers"))
	acked, err3 := meter.Int64ObservableCounter("messaging.acked", metric.WithDescription("Deliveries acked"))
	redelivered, err4 := meter.Int64ObservableCounter("messaging.redelivered", metric.WithDescription("Deliveries retried after nack or timeout"))
	deadLettered, err5 := meter.Int64ObservableCounter("messaging.dead_lettered", metric.WithDescription("Messages sent to the dead-letter sink"))
	if err := firstErr(err1, err2, err3, err4, err5); err != nil {
		slog.Error("failed to create delivery instruments", "error", err)
		return m
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := c.coord.Stats()
		attrs := metric.WithAttributes(attribute.String("messaging.system", string(c.adapter.Kind())))
		o.ObserveInt64(inFlight, st.InFlight, attrs)
		o.ObserveInt64(delivered, st.Delivered, attrs)
		o.ObserveInt64(acked, st.Acked, attrs)
		o.ObserveInt64(redelivered, st.Redelivered, attrs)
		o.ObserveInt64(deadLettered, st.DeadLettered, attrs)
		return nil
	}, inFlight, delivered, acked, redelivered, deadLettered)
	if err != nil {
		slog.Error("failed to register delivery callback", "error", err)
	}
	return m
}

func (m *clientMetrics) publishDone(ctx context.Context, topic string, err error) {
	attrs := metric.WithAttributes(attribute.String("messaging.destination", topic))
	if err != nil {
		if m.publishFail != nil {
			m.publishFail.Add(ctx, 1, attrs)
		}
		return
	}
	if m.published != nil {
		m.published.Add(ctx, 1, attrs)
	}
}

func (m *clientMetrics) processed(ctx context.Context, topic string, ms float64, acked bool) {
	if m.processTime == nil {
		return
	}
	m.processTime.Record(ctx, ms, metric.WithAttributes(
		attribute.String("messaging.destination", topic),
		attribute.Bool("messaging.acked", acked),
	))
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
