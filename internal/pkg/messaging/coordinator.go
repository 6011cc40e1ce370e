package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"go.uber.org/atomic"
)

const (
	// DefaultMaxAttempts is the delivery attempt limit when none is configured.
	DefaultMaxAttempts = 5
	// DefaultAckTimeout is the per-message ack deadline when none is configured.
	DefaultAckTimeout = 30 * time.Second

	coordinatorShards = 32
)

// DeliveryState is the position of an InFlightRecord in its state machine:
// Delivered -> Acked | Nacked -> (Redelivered -> Delivered | FailedPermanently).
type DeliveryState int32

const (
	StateDelivered DeliveryState = iota
	StateAcked
	StateNacked
	StateRedelivered
	StateFailedPermanently
	StateAbandoned
)

// String implements fmt.Stringer.
func (s DeliveryState) String() string {
	switch s {
	case StateDelivered:
		return "delivered"
	case StateAcked:
		return "acked"
	case StateNacked:
		return "nacked"
	case StateRedelivered:
		return "redelivered"
	case StateFailedPermanently:
		return "failed_permanently"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Outcome is how a record left the in-flight table.
type Outcome int32

const (
	// OutcomePending means the record is still in flight.
	OutcomePending Outcome = iota
	// OutcomeAcked means the message was processed and acked on the backend.
	OutcomeAcked
	// OutcomeRedeliver means the lane must deliver the message again.
	OutcomeRedeliver
	// OutcomeDeadLettered means the message reached the dead-letter sink.
	OutcomeDeadLettered
	// OutcomeRequeued means the dead-letter sink failed and the message was
	// handed back to the backend for a later redelivery.
	OutcomeRequeued
	// OutcomeAbandoned means the subscription stopped before processing.
	OutcomeAbandoned
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeAcked:
		return "acked"
	case OutcomeRedeliver:
		return "redeliver"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether the message is done with this lane.
func (o Outcome) Terminal() bool {
	return o != OutcomePending && o != OutcomeRedeliver
}

// InFlightRecord tracks one delivery from OnDeliver until it is resolved.
type InFlightRecord struct {
	msg      Message
	lane     Lane
	handle   DeliveryHandle
	deadline time.Time

	mu      sync.Mutex
	state   DeliveryState
	outcome Outcome
	err     error
	done    chan struct{}
}

func (r *InFlightRecord) Message() Message       { return r.msg }
func (r *InFlightRecord) Lane() Lane             { return r.lane }
func (r *InFlightRecord) Handle() DeliveryHandle { return r.handle }
func (r *InFlightRecord) Attempt() int           { return r.msg.Attempt }
func (r *InFlightRecord) Deadline() time.Time    { return r.deadline }
func (r *InFlightRecord) Done() <-chan struct{}  { return r.done }

// State returns the current state.
func (r *InFlightRecord) State() DeliveryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Outcome returns the resolution, or OutcomePending.
func (r *InFlightRecord) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Err returns the backend or sink error recorded with the outcome, if any.
func (r *InFlightRecord) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *InFlightRecord) setState(s DeliveryState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *InFlightRecord) resolve(s DeliveryState, o Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != OutcomePending {
		return
	}
	r.state = s
	r.outcome = o
	r.err = err
	close(r.done)
}

// Acknowledger settles deliveries on the backend. Adapters implement it.
type Acknowledger interface {
	Ack(ctx context.Context, h DeliveryHandle) error
	Nack(ctx context.Context, h DeliveryHandle, requeue bool) error
}

// Deduplicator remembers processed message IDs across redeliveries.
type Deduplicator interface {
	// Begin reports whether the message should be processed. It returns
	// false only for messages already completed.
	Begin(ctx context.Context, id string) (bool, error)
	// Complete marks the message processed.
	Complete(ctx context.Context, id string) error
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// MaxAttempts is the number of deliveries before dead-lettering.
	MaxAttempts int
	// AckTimeout is the per-message ack deadline.
	AckTimeout time.Duration
	// SweepInterval is how often Run looks for expired records.
	SweepInterval time.Duration
}

// CoordinatorStats are cumulative counters.
type CoordinatorStats struct {
	Delivered    int64
	Acked        int64
	Redelivered  int64
	DeadLettered int64
	Requeued     int64
	Abandoned    int64
	Expired      int64
	Duplicates   int64
	InFlight     int64
}

type coordinatorCounters struct {
	delivered    atomic.Int64
	acked        atomic.Int64
	redelivered  atomic.Int64
	deadLettered atomic.Int64
	requeued     atomic.Int64
	abandoned    atomic.Int64
	expired      atomic.Int64
	duplicates   atomic.Int64
}

type coordinatorShard struct {
	mu      sync.Mutex
	records map[string]*InFlightRecord
}

// Coordinator tracks in-flight deliveries and enforces at-least-once
// semantics: a message is complete only after an explicit ack; a nack or a
// missed deadline leads to redelivery until MaxAttempts, then to the
// dead-letter sink.
type Coordinator struct {
	cfg    CoordinatorConfig
	acker  Acknowledger
	sink   DeadLetterSink
	dedupe Deduplicator
	clock  clock.Clocker

	shards   [coordinatorShards]coordinatorShard
	counters coordinatorCounters
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock replaces the time source.
func WithClock(c clock.Clocker) CoordinatorOption {
	return func(co *Coordinator) {
		if c != nil {
			co.clock = c
		}
	}
}

// WithDeduplicator enables duplicate suppression by message ID.
func WithDeduplicator(d Deduplicator) CoordinatorOption {
	return func(co *Coordinator) { co.dedupe = d }
}

// NewCoordinator returns a Coordinator settling deliveries through acker.
// A nil sink logs dead letters at error level.
func NewCoordinator(cfg CoordinatorConfig, acker Acknowledger, sink DeadLetterSink, opts ...CoordinatorOption) *Coordinator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = max(cfg.AckTimeout/4, 10*time.Millisecond)
	}
	if sink == nil {
		sink = LogDeadLetter{}
	}

	c := &Coordinator{
		cfg:   cfg,
		acker: acker,
		sink:  sink,
		clock: clock.New(),
	}
	for i := range c.shards {
		c.shards[i].records = make(map[string]*InFlightRecord)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// MaxAttempts returns the configured attempt limit.
func (c *Coordinator) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

// SkipDuplicate acks and reports true when msg was already completed.
// Dedupe store failures are logged and the message is processed.
func (c *Coordinator) SkipDuplicate(ctx context.Context, msg Message, h DeliveryHandle) bool {
	if c.dedupe == nil || msg.ID == "" {
		return false
	}
	proceed, err := c.dedupe.Begin(ctx, msg.ID)
	if err != nil {
		slog.WarnContext(ctx, "dedupe lookup failed, processing anyway", "message_id", msg.ID, "error", err)
		return false
	}
	if proceed {
		return false
	}
	c.counters.duplicates.Inc()
	if err := c.acker.Ack(ctx, h); err != nil {
		slog.WarnContext(ctx, "failed to ack duplicate delivery", "message_id", msg.ID, "error", err)
	}
	return true
}

// OnDeliver registers a record with deadline now + AckTimeout.
func (c *Coordinator) OnDeliver(msg Message, h DeliveryHandle, lane Lane) (*InFlightRecord, error) {
	rec := &InFlightRecord{
		msg:      msg,
		lane:     lane,
		handle:   h,
		deadline: c.clock.Now().Add(c.cfg.AckTimeout),
		state:    StateDelivered,
		done:     make(chan struct{}),
	}

	sh := c.shard(h.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.records[h.ID()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDelivery, h.ID())
	}
	sh.records[h.ID()] = rec
	c.counters.delivered.Inc()
	return rec, nil
}

// OnAck removes the record, acks on the backend and marks the message
// completed. A second ack returns ErrUnknownDelivery and changes nothing.
func (c *Coordinator) OnAck(ctx context.Context, h DeliveryHandle) error {
	rec := c.take(h.ID())
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, h.ID())
	}

	err := c.acker.Ack(ctx, h)
	if err == nil {
		c.complete(ctx, rec.msg)
	}
	c.counters.acked.Inc()
	rec.resolve(StateAcked, OutcomeAcked, err)
	return err
}

// OnNack records a failed attempt. Below MaxAttempts and with requeue it
// returns OutcomeRedeliver; otherwise the message goes to the dead-letter
// sink.
func (c *Coordinator) OnNack(ctx context.Context, h DeliveryHandle, requeue bool) (Outcome, error) {
	rec := c.take(h.ID())
	if rec == nil {
		return OutcomePending, fmt.Errorf("%w: %s", ErrUnknownDelivery, h.ID())
	}
	reason := "rejected by handler"
	if requeue {
		reason = "max attempts exceeded"
	}
	return c.nack(ctx, rec, requeue, reason)
}

// Abandon hands the delivery back to the backend for redelivery after a restart.
func (c *Coordinator) Abandon(ctx context.Context, h DeliveryHandle) error {
	rec := c.take(h.ID())
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, h.ID())
	}
	err := c.acker.Nack(ctx, h, true)
	c.counters.abandoned.Inc()
	rec.resolve(StateAbandoned, OutcomeAbandoned, err)
	return err
}

// AbandonUntracked nacks a delivery that never reached OnDeliver.
func (c *Coordinator) AbandonUntracked(ctx context.Context, h DeliveryHandle) error {
	c.counters.abandoned.Inc()
	return c.acker.Nack(ctx, h, true)
}

// Sweep treats every record past its deadline as a nack with requeue and
// returns how many expired.
func (c *Coordinator) Sweep(ctx context.Context) int {
	now := c.clock.Now()

	var expired []*InFlightRecord
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for id, rec := range sh.records {
			if now.After(rec.deadline) {
				expired = append(expired, rec)
				delete(sh.records, id)
			}
		}
		sh.mu.Unlock()
	}

	for _, rec := range expired {
		c.counters.expired.Inc()
		slog.WarnContext(ctx, "ack deadline passed, treating as nack",
			"message_id", rec.msg.ID, "lane", rec.lane.Destination(), "attempt", rec.msg.Attempt)
		if _, err := c.nack(ctx, rec, true, "ack timeout after max attempts"); err != nil {
			slog.ErrorContext(ctx, "failed to settle expired delivery", "message_id", rec.msg.ID, "error", err)
		}
	}
	return len(expired)
}

// Run sweeps every SweepInterval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Len returns the number of in-flight records.
func (c *Coordinator) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// Stats returns cumulative counters.
func (c *Coordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		Delivered:    c.counters.delivered.Load(),
		Acked:        c.counters.acked.Load(),
		Redelivered:  c.counters.redelivered.Load(),
		DeadLettered: c.counters.deadLettered.Load(),
		Requeued:     c.counters.requeued.Load(),
		Abandoned:    c.counters.abandoned.Load(),
		Expired:      c.counters.expired.Load(),
		Duplicates:   c.counters.duplicates.Load(),
		InFlight:     int64(c.Len()),
	}
}

func (c *Coordinator) nack(ctx context.Context, rec *InFlightRecord, requeue bool, reason string) (Outcome, error) {
	rec.setState(StateNacked)

	if requeue && rec.msg.Attempt < c.cfg.MaxAttempts {
		c.counters.redelivered.Inc()
		rec.resolve(StateRedelivered, OutcomeRedeliver, nil)
		return OutcomeRedeliver, nil
	}

	if err := c.sink.DeadLetter(ctx, rec.msg, reason); err != nil {
		nackErr := c.acker.Nack(ctx, rec.handle, true)
		err = fmt.Errorf("messaging: dead-letter %s: %w", rec.msg.ID, errors.Join(err, nackErr))
		c.counters.requeued.Inc()
		rec.resolve(StateNacked, OutcomeRequeued, err)
		return OutcomeRequeued, err
	}

	ackErr := c.acker.Ack(ctx, rec.handle)
	if ackErr == nil {
		c.complete(ctx, rec.msg)
	}
	c.counters.deadLettered.Inc()
	rec.resolve(StateFailedPermanently, OutcomeDeadLettered, ackErr)
	return OutcomeDeadLettered, ackErr
}

func (c *Coordinator) complete(ctx context.Context, msg Message) {
	if c.dedupe == nil || msg.ID == "" {
		return
	}
	if err := c.dedupe.Complete(ctx, msg.ID); err != nil {
		slog.WarnContext(ctx, "failed to mark message completed", "message_id", msg.ID, "error", err)
	}
}

func (c *Coordinator) take(id string) *InFlightRecord {
	sh := c.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[id]
	if !ok {
		return nil
	}
	delete(sh.records, id)
	return rec
}

func (c *Coordinator) shard(id string) *coordinatorShard {
	return &c.shards[xxhash.Sum64String(id)%coordinatorShards]
}
