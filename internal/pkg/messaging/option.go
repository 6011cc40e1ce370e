package messaging

import (
	"time"

	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
)

// Config is the client configuration. Zero values get defaults.
type Config struct {
	// Kind selects the backend.
	Kind Kind `validate:"required"`
	// URIs are backend addresses. They fill the backend section of
	// FactoryOptions when it has none.
	URIs []string
	// MaxAttempts is the number of deliveries before dead-lettering.
	MaxAttempts int `validate:"gte=0"`
	// AckTimeout is the per-message ack deadline.
	AckTimeout time.Duration `validate:"gte=0"`
	// LaneCount is the number of lanes per topic.
	LaneCount int `validate:"gte=0"`
	// Capacity is the per-lane in-flight cap for both directions.
	Capacity int `validate:"gte=0"`
	// PublishTimeout bounds Publish, retries included.
	PublishTimeout time.Duration `validate:"gte=0"`
	// AdmitTimeout bounds a publish-side backpressure wait. Zero waits for
	// the publish timeout.
	AdmitTimeout time.Duration `validate:"gte=0"`
	// DrainTimeout bounds how long Unsubscribe waits for running handlers.
	DrainTimeout time.Duration `validate:"gte=0"`
	// SweepInterval is how often expired deliveries are reclaimed.
	SweepInterval time.Duration `validate:"gte=0"`
	// Group is the default consumer group.
	Group string
	// Pool configures the connection manager.
	Pool PoolConfig
	// Backends carries backend-specific settings.
	Backends FactoryOptions `validate:"-"`
}

const (
	defaultLaneCount      = 4
	defaultPublishTimeout = 10 * time.Second
	defaultDrainTimeout   = 5 * time.Second
	defaultGroup          = "unimq"
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.LaneCount < 1 {
		c.LaneCount = defaultLaneCount
	}
	if c.Capacity < 1 {
		c.Capacity = DefaultCapacity
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.Group == "" {
		c.Group = defaultGroup
	}
	c.Backends = c.Backends.withURIs(c.Kind, c.URIs)
	if c.Backends.Kafka.Partitions < 1 {
		c.Backends.Kafka.Partitions = c.LaneCount
	}
	return c
}

type clientOptions struct {
	adapter Adapter
	sink    DeadLetterSink
	dedupe  Deduplicator
	clock   clock.Clocker
	inst    instrument.Instrumentation
}

// Option customizes a Client.
type Option func(*clientOptions)

// WithAdapter uses a ready-made adapter instead of building one from Config.
func WithAdapter(a Adapter) Option {
	return func(o *clientOptions) { o.adapter = a }
}

// WithDeadLetterSink sets where permanently failed messages go.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(o *clientOptions) { o.sink = s }
}

// WithDedupe suppresses redeliveries of completed messages.
func WithDedupe(d Deduplicator) Option {
	return func(o *clientOptions) { o.dedupe = d }
}

// WithClientClock replaces the time source.
func WithClientClock(c clock.Clocker) Option {
	return func(o *clientOptions) { o.clock = c }
}

// WithInstrumentation enables tracing and metrics.
func WithInstrumentation(inst instrument.Instrumentation) Option {
	return func(o *clientOptions) { o.inst = inst }
}

type subscribeOptions struct {
	group    string
	lanes    []int
	capacity int
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

// WithGroup sets the consumer group (Kafka group, NSQ channel, JetStream
// durable, Pub/Sub subscription prefix, AMQP consumer tag).
func WithGroup(group string) SubscribeOption {
	return func(o *subscribeOptions) { o.group = group }
}

// WithLanes limits the subscription to the given lane indexes.
func WithLanes(lanes ...int) SubscribeOption {
	return func(o *subscribeOptions) { o.lanes = append(o.lanes, lanes...) }
}

// WithCapacity overrides the per-lane in-flight cap for one subscription.
func WithCapacity(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.capacity = n }
}

func newSubscribeOptions(defaults subscribeOptions, opts ...SubscribeOption) subscribeOptions {
	so := defaults
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&so)
	}
	return so
}
