package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
)

// Subscription is a running consumer of one topic.
type Subscription struct {
	client  *Client
	topic   string
	lanes   []Lane
	handler Handler
	opts    subscribeOptions
	bp      *Backpressure

	// fetch stops pulling; work bounds running handlers.
	fetchCtx    context.Context
	stopFetch   context.CancelFunc
	workCtx     context.Context
	stopWork    context.CancelFunc
	abandonAll  chan struct{}
	abandonOnce sync.Once

	fetchers   sync.WaitGroup
	dispatcher sync.WaitGroup
	stopOnce   sync.Once
	stopErr    error
}

type delivery struct {
	msg    Message
	handle DeliveryHandle
	token  *Token
	stream *streamLife
}

// streamLife is shared by the deliveries of one Receive call. Once the stream
// breaks, its buffered deliveries are stale: the backend already took them
// back.
type streamLife struct {
	broken atomic.Bool
}

func newSubscription(c *Client, topic string, lanes []Lane, h Handler, so subscribeOptions) *Subscription {
	s := &Subscription{
		client:     c,
		topic:      topic,
		lanes:      lanes,
		handler:    h,
		opts:       so,
		bp:         NewBackpressure(so.capacity, 0),
		abandonAll: make(chan struct{}),
	}
	s.fetchCtx, s.stopFetch = context.WithCancel(c.bg)
	s.workCtx, s.stopWork = context.WithCancel(c.bg)
	return s
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Lanes returns the lanes this subscription consumes.
func (s *Subscription) Lanes() []Lane { return append([]Lane(nil), s.lanes...) }

// InFlight returns the number of admitted, unsettled deliveries on lane.
func (s *Subscription) InFlight(lane Lane) int { return s.bp.InFlight(lane) }

// PeakInFlight returns the highest InFlight value seen on lane.
func (s *Subscription) PeakInFlight(lane Lane) int { return s.bp.Peak(lane) }

func (s *Subscription) start() {
	for _, lane := range s.lanes {
		buf := make(chan delivery, s.bp.Capacity())

		s.fetchers.Add(1)
		go func() {
			defer s.fetchers.Done()
			defer close(buf)
			s.fetch(lane, buf)
		}()

		s.dispatcher.Add(1)
		go func() {
			defer s.dispatcher.Done()
			s.dispatch(lane, buf)
		}()
	}
}

func (s *Subscription) stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopFetch()
		s.fetchers.Wait()

		done := make(chan struct{})
		go func() {
			s.dispatcher.Wait()
			close(done)
		}()

		timer := time.NewTimer(s.client.cfg.DrainTimeout)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			slog.WarnContext(ctx, "drain timeout reached, abandoning in-flight deliveries", "topic", s.topic)
			s.abandon()
			<-done
		case <-ctx.Done():
			s.abandon()
			<-done
			s.stopErr = ctx.Err()
		}
		s.stopWork()
		slog.InfoContext(ctx, "unsubscribed", "topic", s.topic)
	})
	return s.stopErr
}

func (s *Subscription) abandon() {
	s.abandonOnce.Do(func() { close(s.abandonAll) })
}

func (s *Subscription) abandoning() bool {
	select {
	case <-s.abandonAll:
		return true
	default:
		return false
	}
}

// fetch pulls deliveries from lane into buf, holding one backpressure token
// per delivery. It reconnects with backoff until the subscription stops.
func (s *Subscription) fetch(lane Lane, buf chan<- delivery) {
	ctx := s.fetchCtx
	c := s.client
	kind := c.adapter.Kind()
	backoff := s.newBackoff()

	for ctx.Err() == nil {
		h, err := c.conns.Acquire(ctx, kind)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			s.wait(ctx, &backoff, lane, err)
			continue
		}

		stream, err := c.adapter.Receive(ctx, h.Session(), lane, ReceiveOptions{
			Group:    s.opts.group,
			Prefetch: s.bp.Capacity(),
		})
		if err != nil {
			c.conns.ReportFailure(h, err)
			c.conns.Release(h)
			s.wait(ctx, &backoff, lane, err)
			continue
		}

		life := &streamLife{}
		received, err := s.pump(ctx, lane, stream, life, buf)
		if cerr := stream.Close(); cerr != nil {
			slog.DebugContext(ctx, "failed to close stream", "lane", lane.Destination(), "error", cerr)
		}
		if ctx.Err() != nil {
			c.conns.Release(h)
			return
		}
		life.broken.Store(true)
		c.conns.ReportFailure(h, err)
		c.conns.Release(h)

		if received > 0 {
			backoff = s.newBackoff()
		}
		s.wait(ctx, &backoff, lane, err)
	}
}

func (s *Subscription) pump(ctx context.Context, lane Lane, stream Stream, life *streamLife, buf chan<- delivery) (int, error) {
	received := 0
	for {
		tok, err := s.bp.Admit(ctx, lane)
		if err != nil {
			return received, err
		}

		msg, h, err := stream.Next(ctx)
		if err != nil {
			s.bp.Release(tok)
			return received, err
		}
		received++

		select {
		case buf <- delivery{msg: msg, handle: h, token: tok, stream: life}:
		case <-ctx.Done():
			if err := s.client.coord.AbandonUntracked(context.WithoutCancel(ctx), h); err != nil {
				slog.WarnContext(ctx, "failed to abandon delivery", "message_id", msg.ID, "error", err)
			}
			s.bp.Release(tok)
			return received, ctx.Err()
		}
	}
}

func (s *Subscription) newBackoff() retry.Backoff {
	pool := s.client.cfg.Pool.withDefaults()
	b := retry.NewExponential(pool.ReconnectBase)
	b = retry.WithJitterPercent(20, b)
	return retry.WithCappedDuration(pool.ReconnectCap, b)
}

func (s *Subscription) wait(ctx context.Context, b *retry.Backoff, lane Lane, cause error) {
	d, _ := (*b).Next()
	slog.WarnContext(ctx, "lane consumer interrupted, retrying", "lane", lane.Destination(), "in", d, "error", cause)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// dispatch hands deliveries of one lane to the handler strictly in order:
// the next delivery starts only after the previous one is settled.
func (s *Subscription) dispatch(lane Lane, buf <-chan delivery) {
	coord := s.client.coord
	for d := range buf {
		if d.stream.broken.Load() {
			if err := coord.AbandonUntracked(s.workCtx, d.handle); err != nil {
				slog.DebugContext(s.workCtx, "stale delivery already reclaimed by backend", "message_id", d.msg.ID, "error", err)
			}
			s.bp.Release(d.token)
			continue
		}
		if s.abandoning() {
			if err := coord.AbandonUntracked(s.workCtx, d.handle); err != nil {
				slog.WarnContext(s.workCtx, "failed to abandon delivery", "message_id", d.msg.ID, "error", err)
			}
			s.bp.Release(d.token)
			continue
		}
		s.deliver(lane, d)
		s.bp.Release(d.token)
	}
}

func (s *Subscription) deliver(lane Lane, d delivery) {
	ctx := s.workCtx
	coord := s.client.coord

	if coord.SkipDuplicate(ctx, d.msg, d.handle) {
		slog.DebugContext(ctx, "skipping completed message", "message_id", d.msg.ID)
		return
	}

	msg := d.msg
	for {
		rec, err := coord.OnDeliver(msg, d.handle, lane)
		if err != nil {
			slog.ErrorContext(ctx, "failed to track delivery", "message_id", msg.ID, "error", err)
			if err := coord.AbandonUntracked(ctx, d.handle); err != nil {
				slog.WarnContext(ctx, "failed to abandon delivery", "message_id", msg.ID, "error", err)
			}
			return
		}

		outcome := s.process(rec)
		if outcome != OutcomeRedeliver {
			return
		}
		if s.abandoning() {
			if err := coord.AbandonUntracked(ctx, d.handle); err != nil {
				slog.WarnContext(ctx, "failed to abandon delivery", "message_id", msg.ID, "error", err)
			}
			return
		}
		msg = msg.WithAttempt(msg.Attempt + 1)
	}
}

// process runs the handler for one attempt and waits until the record is
// resolved by the handler result, the timeout sweep or an abandon.
func (s *Subscription) process(rec *InFlightRecord) Outcome {
	c := s.client
	msg := rec.Message()

	hctx, cancel := context.WithDeadline(s.workCtx, rec.Deadline())
	defer cancel()
	hctx = c.prop.Extract(hctx, propagation.MapCarrier(msg.Headers))
	hctx, span := c.tracer.Start(hctx, "process "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("messaging.destination", rec.Lane().Destination()),
			attribute.Int("messaging.attempt", msg.Attempt),
		),
	)
	defer span.End()

	start := c.clock.Now()
	results := make(chan Result, 1)
	go func() {
		results <- invokeHandler(hctx, s.handler, msg)
	}()

	settle := context.WithoutCancel(hctx)
	select {
	case res := <-results:
		c.metrics.processed(hctx, msg.Topic, float64(c.clock.Since(start).Milliseconds()), res.Acked())
		if res.Acked() {
			if err := c.coord.OnAck(settle, rec.Handle()); err != nil && !errors.Is(err, ErrUnknownDelivery) {
				slog.WarnContext(hctx, "ack failed, message will be redelivered", "message_id", msg.ID, "error", err)
			}
		} else {
			out, err := c.coord.OnNack(settle, rec.Handle(), res.Requeue())
			if err != nil && !errors.Is(err, ErrUnknownDelivery) {
				slog.ErrorContext(hctx, "nack failed", "message_id", msg.ID, "outcome", out.String(), "error", err)
			}
		}
	case <-rec.Done():
	case <-s.abandonAll:
		if err := c.coord.Abandon(settle, rec.Handle()); err != nil && !errors.Is(err, ErrUnknownDelivery) {
			slog.WarnContext(hctx, "failed to abandon delivery", "message_id", msg.ID, "error", err)
		}
	}
	<-rec.Done()

	outcome := rec.Outcome()
	span.SetAttributes(attribute.String("messaging.outcome", outcome.String()))
	if err := rec.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return outcome
}
