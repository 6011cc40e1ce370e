package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/uid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	publishRetryBase = 50 * time.Millisecond
	publishRetryCap  = 2 * time.Second
	publishQueueSize = 64
)

// Client is the broker-agnostic producer and consumer.
//
// Publish routes a message to a lane by key and sends it through a pooled
// connection; Subscribe runs one fetcher and one dispatcher per lane and
// settles every delivery through the Coordinator.
type Client struct {
	cfg     Config
	adapter Adapter
	conns   *ConnectionManager
	coord   *Coordinator
	pubBP   *Backpressure
	clock   clock.Clocker
	ids     *uid.UUID
	tracer  trace.Tracer
	prop    propagation.TextMapPropagator
	metrics *clientMetrics

	published   atomic.Int64
	publishFail atomic.Int64

	mu         sync.Mutex
	routers    map[string]*Router
	publishers map[Lane]*publishWorker
	subs       map[*Subscription]struct{}
	closed     bool

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ClientStats is a point-in-time view of a Client.
type ClientStats struct {
	Kind          Kind             `json:"kind"`
	Published     int64            `json:"published"`
	PublishFailed int64            `json:"publish_failed"`
	PublishQueued int              `json:"publish_in_flight"`
	Subscriptions int              `json:"subscriptions"`
	Delivery      CoordinatorStats `json:"delivery"`
	Connections   []HandleStatus   `json:"connections"`
}

// New builds a Client and opens its connection pool. A backend that is down
// at startup does not fail New; the pool keeps reconnecting and Publish
// reports ErrBackendUnavailable meanwhile.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	o := clientOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	adapter := o.adapter
	if adapter != nil && cfg.Kind == "" {
		cfg.Kind = adapter.Kind()
	}
	cfg = cfg.withDefaults()

	if adapter == nil {
		var err error
		adapter, err = NewAdapter(cfg.Kind, cfg.Backends)
		if err != nil {
			return nil, err
		}
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.inst == nil {
		o.inst = instrument.NewNoop()
	}

	coordOpts := []CoordinatorOption{WithClock(o.clock)}
	if o.dedupe != nil {
		coordOpts = append(coordOpts, WithDeduplicator(o.dedupe))
	}

	c := &Client{
		cfg:     cfg,
		adapter: adapter,
		conns:   NewConnectionManager(cfg.Pool, adapter),
		coord: NewCoordinator(CoordinatorConfig{
			MaxAttempts:   cfg.MaxAttempts,
			AckTimeout:    cfg.AckTimeout,
			SweepInterval: cfg.SweepInterval,
		}, adapter, o.sink, coordOpts...),
		pubBP:      NewBackpressure(cfg.Capacity, cfg.AdmitTimeout),
		clock:      o.clock,
		ids:        uid.NewUUID(),
		tracer:     o.inst.Tracer("messaging"),
		prop:       o.inst.Propagator(),
		routers:    make(map[string]*Router),
		publishers: make(map[Lane]*publishWorker),
		subs:       make(map[*Subscription]struct{}),
	}
	c.metrics = newClientMetrics(o.inst.Meter("messaging"), c)
	c.bg, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := c.conns.Start(ctx); err != nil {
		slog.WarnContext(ctx, "messaging backend unavailable at startup, reconnecting in background", "kind", cfg.Kind, "error", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.coord.Run(c.bg)
	}()

	slog.InfoContext(ctx, "messaging client started", "kind", cfg.Kind, "lanes", cfg.LaneCount, "capacity", cfg.Capacity)
	return c, nil
}

// Kind returns the backend kind.
func (c *Client) Kind() Kind { return c.adapter.Kind() }

// Coordinator exposes the delivery coordinator.
func (c *Client) Coordinator() *Coordinator { return c.coord }

// Router returns the router of topic.
func (c *Client) Router(topic string) *Router {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routerLocked(topic)
}

func (c *Client) routerLocked(topic string) *Router {
	r, ok := c.routers[topic]
	if !ok {
		r = NewRouter(topic, c.cfg.LaneCount)
		c.routers[topic] = r
	}
	return r
}

// Publish sends a message and returns once the backend accepted it or
// PublishTimeout passed. Errors wrap ErrBackendUnavailable, ErrPermanentReject
// or ErrTimeout. Messages sharing a key keep their publish order.
func (c *Client) Publish(ctx context.Context, topic string, key, payload []byte, headers map[string]string) (PublishResult, error) {
	if topic == "" {
		return PublishResult{}, ErrTopicRequired
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "publish "+topic, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	res, err := c.publish(ctx, topic, key, payload, headers)
	c.metrics.publishDone(ctx, topic, err)
	if err != nil {
		c.publishFail.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.WarnContext(ctx, "publish failed", "topic", topic, "error", err)
		return PublishResult{}, err
	}

	c.published.Inc()
	span.SetAttributes(
		attribute.String("messaging.message.id", res.MessageID),
		attribute.String("messaging.destination", res.Lane.Destination()),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (c *Client) publish(ctx context.Context, topic string, key, payload []byte, headers map[string]string) (PublishResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return PublishResult{}, publishError(ctx, ErrClosed)
	}
	lane := c.routerLocked(topic).LaneFor(key)
	worker := c.publisherLocked(lane)
	c.mu.Unlock()

	msg := Message{
		ID:         c.ids.Generate(),
		Topic:      topic,
		Key:        key,
		Payload:    payload,
		Headers:    maps.Clone(headers),
		Attempt:    1,
		EnqueuedAt: c.clock.Now(),
	}
	c.injectTrace(ctx, &msg)

	tok, err := c.pubBP.Admit(ctx, lane)
	if err != nil {
		return PublishResult{}, publishError(ctx, err)
	}
	defer c.pubBP.Release(tok)

	if err := worker.submit(ctx, msg); err != nil {
		return PublishResult{}, err
	}
	return PublishResult{MessageID: msg.ID, Lane: lane, Timestamp: c.clock.Now()}, nil
}

// injectTrace writes the publish span context into msg headers.
func (c *Client) injectTrace(ctx context.Context, msg *Message) {
	carrier := propagation.MapCarrier{}
	c.prop.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string, len(carrier))
	}
	maps.Copy(msg.Headers, carrier)
}

// send delivers msg on lane, retrying transient failures with backoff until
// ctx is done. Permanent rejects return at once.
func (c *Client) send(ctx context.Context, lane Lane, msg Message) error {
	b := retry.NewExponential(publishRetryBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(publishRetryCap, b)

	var last error
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		h, err := c.conns.Acquire(ctx, c.adapter.Kind())
		if err != nil {
			switch {
			case errors.Is(err, ErrClosed):
				last = err
				return err
			case ctx.Err() != nil:
				if last == nil {
					last = goerror.NewPoolExhausted(err, "no healthy connection")
				}
				return err
			}
			last = err
			return retry.RetryableError(err)
		}
		defer c.conns.Release(h)

		sess := h.Session()
		if sess == nil {
			last = goerror.NewConnection(ErrBackendUnavailable, "session lost")
			return retry.RetryableError(last)
		}

		err = c.adapter.Send(ctx, sess, lane, msg)
		if err == nil {
			return nil
		}
		last = err
		if goerror.ClassOf(err) == goerror.ClassPermanent {
			return err
		}
		c.conns.ReportFailure(h, err)
		slog.DebugContext(ctx, "send failed, retrying", "message_id", msg.ID, "lane", lane.Destination(), "error", err)
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if last == nil {
		last = err
	}
	return publishError(ctx, last)
}

// Subscribe starts consuming topic. Each lane delivers to handler one message
// at a time, in order; lanes run concurrently.
func (c *Client) Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if topic == "" {
		return nil, ErrTopicRequired
	}
	if handler == nil {
		return nil, ErrHandlerRequired
	}

	so := newSubscribeOptions(subscribeOptions{group: c.cfg.Group, capacity: c.cfg.Capacity}, opts...)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	router := c.routerLocked(topic)
	lanes := router.Lanes()
	if len(so.lanes) > 0 {
		lanes = lanes[:0]
		for _, i := range so.lanes {
			if i < 0 || i >= router.LaneCount() {
				c.mu.Unlock()
				return nil, fmt.Errorf("messaging: lane %d out of range for %s", i, topic)
			}
			lanes = append(lanes, Lane{Topic: topic, Index: i})
		}
	}
	sub := newSubscription(c, topic, lanes, handler, so)
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	sub.start()
	slog.InfoContext(ctx, "subscribed", "topic", topic, "group", so.group, "lanes", len(lanes))
	return sub, nil
}

// Unsubscribe stops sub. Running handlers get DrainTimeout to finish; every
// delivery not yet settled is abandoned back to the backend.
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()

	return sub.stop(ctx)
}

// Stats returns counters for monitoring.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	subs := len(c.subs)
	c.mu.Unlock()

	return ClientStats{
		Kind:          c.adapter.Kind(),
		Published:     c.published.Load(),
		PublishFailed: c.publishFail.Load(),
		PublishQueued: c.pubBP.Total(),
		Subscriptions: subs,
		Delivery:      c.coord.Stats(),
		Connections:   c.conns.Snapshot(),
	}
}

// Healthy reports whether the backend has at least one healthy connection.
func (c *Client) Healthy() bool {
	return c.conns.Healthy()
}

// Close unsubscribes everything, stops background work and closes the pool.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	clear(c.subs)
	workers := make([]*publishWorker, 0, len(c.publishers))
	for _, w := range c.publishers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	// Subscriptions drain in parallel.
	errs := make([]error, len(subs)+1)
	var g errgroup.Group
	for i, s := range subs {
		g.Go(func() error {
			errs[i] = s.stop(context.Background())
			return nil
		})
	}
	_ = g.Wait()
	for _, w := range workers {
		w.close()
	}
	c.cancel()
	c.wg.Wait()

	errs[len(subs)] = c.conns.Close()
	return errors.Join(errs...)
}

type publishJob struct {
	ctx  context.Context
	msg  Message
	done chan error
}

// publishWorker sends the messages of one lane sequentially.
type publishWorker struct {
	client *Client
	lane   Lane
	jobs    chan publishJob
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (c *Client) publisherLocked(lane Lane) *publishWorker {
	w, ok := c.publishers[lane]
	if ok {
		return w
	}
	w = &publishWorker{
		client: c,
		lane:   lane,
		jobs:    make(chan publishJob, publishQueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.publishers[lane] = w

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.run()
	}()
	return w
}

func (w *publishWorker) submit(ctx context.Context, msg Message) error {
	job := publishJob{ctx: ctx, msg: msg, done: make(chan error, 1)}

	select {
	case w.jobs <- job:
	case <-w.quit:
		return publishError(ctx, ErrClosed)
	case <-ctx.Done():
		return publishError(ctx, nil)
	}

	// send returns once ctx is done.
	select {
	case err := <-job.done:
		return err
	case <-w.stopped:
		select {
		case err := <-job.done:
			return err
		default:
			return publishError(ctx, ErrClosed)
		}
	}
}

func (w *publishWorker) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.quit:
			w.drain()
			return
		case job := <-w.jobs:
			if job.ctx.Err() != nil {
				job.done <- publishError(job.ctx, nil)
				continue
			}
			job.done <- w.client.send(job.ctx, w.lane, job.msg)
		}
	}
}

// drain answers the jobs still queued when the worker stops.
func (w *publishWorker) drain() {
	for {
		select {
		case job := <-w.jobs:
			job.done <- publishError(job.ctx, ErrClosed)
		default:
			return
		}
	}
}

func (w *publishWorker) close() {
	w.once.Do(func() { close(w.quit) })
}
