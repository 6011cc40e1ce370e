package messaging

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
)

var errBrokerDown = errors.New("memory broker is down")

// MemoryConfig configures the in-process backend.
type MemoryConfig struct {
	// Broker is shared by every adapter that should see the same queues. A
	// nil Broker gets a private one.
	Broker *MemoryBroker
	// MaxPayload rejects larger payloads permanently. Zero disables the check.
	MaxPayload int
}

// MemoryBroker is an in-process queue broker with at-least-once semantics.
// Queues are ordered by publish sequence and a requeued message returns to
// its original position. It can simulate outages for tests.
type MemoryBroker struct {
	mu         sync.Mutex
	queues     map[string]*memQueue
	changed    chan struct{}
	down       bool
	generation uint64
	seq        uint64
	failSends  int
}

type memQueue struct {
	ready   []*memEntry
	unacked map[uint64]*memEntry
}

type memEntry struct {
	seq        uint64
	topic      string
	key        []byte
	payload    []byte
	headers    map[string]string
	deliveries int
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:  make(map[string]*memQueue),
		changed: make(chan struct{}),
	}
}

// Disconnect simulates losing the broker: every session breaks, unacked
// messages go back to their queues and Connect fails until Reconnect.
func (b *MemoryBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.down = true
	b.generation++
	for _, q := range b.queues {
		for _, e := range q.unacked {
			q.insert(e)
		}
		clear(q.unacked)
	}
	b.signalLocked()
}

// Reconnect ends a simulated outage.
func (b *MemoryBroker) Reconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.down = false
	b.signalLocked()
}

// FailNextSends makes the next n sends fail with a transient error.
func (b *MemoryBroker) FailNextSends(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSends = n
}

// Depth returns ready plus unacked messages on a destination.
func (b *MemoryBroker) Depth(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[destination]
	if !ok {
		return 0
	}
	return len(q.ready) + len(q.unacked)
}

func (b *MemoryBroker) queue(destination string) *memQueue {
	q, ok := b.queues[destination]
	if !ok {
		q = &memQueue{unacked: make(map[uint64]*memEntry)}
		b.queues[destination] = q
	}
	return q
}

func (b *MemoryBroker) signalLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (q *memQueue) insert(e *memEntry) {
	i, _ := slices.BinarySearchFunc(q.ready, e.seq, func(x *memEntry, seq uint64) int {
		switch {
		case x.seq < seq:
			return -1
		case x.seq > seq:
			return 1
		default:
			return 0
		}
	})
	q.ready = slices.Insert(q.ready, i, e)
}

// Memory is the Adapter for MemoryBroker.
type Memory struct {
	broker     *MemoryBroker
	maxPayload int
}

// NewMemory returns an in-process adapter.
func NewMemory(cfg MemoryConfig) *Memory {
	broker := cfg.Broker
	if broker == nil {
		broker = NewMemoryBroker()
	}
	return &Memory{broker: broker, maxPayload: cfg.MaxPayload}
}

// Broker returns the underlying broker.
func (m *Memory) Broker() *MemoryBroker { return m.broker }

// Kind implements Adapter.
func (*Memory) Kind() Kind { return KindMemory }

type memSession struct {
	broker     *MemoryBroker
	generation uint64
}

func (s *memSession) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.checkLocked()
}

func (*memSession) Close() error { return nil }

func (s *memSession) checkLocked() error {
	if s.broker.down || s.generation != s.broker.generation {
		return goerror.NewConnection(errBrokerDown, "memory session")
	}
	return nil
}

// Connect implements Adapter.
func (m *Memory) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()

	if m.broker.down {
		return nil, goerror.NewConnection(errBrokerDown, "memory connect")
	}
	return &memSession{broker: m.broker, generation: m.broker.generation}, nil
}

// Send implements Adapter.
func (m *Memory) Send(ctx context.Context, s Session, lane Lane, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, ok := s.(*memSession)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, s)
	}
	if m.maxPayload > 0 && len(msg.Payload) > m.maxPayload {
		return goerror.NewPermanent(fmt.Errorf("payload of %d bytes exceeds %d", len(msg.Payload), m.maxPayload), "memory send")
	}

	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := sess.checkLocked(); err != nil {
		return err
	}
	if b.failSends > 0 {
		b.failSends--
		return goerror.NewSend(errors.New("injected send failure"), "memory send")
	}

	b.seq++
	b.queue(lane.Destination()).ready = append(b.queue(lane.Destination()).ready, &memEntry{
		seq:     b.seq,
		topic:   msg.Topic,
		key:     slices.Clone(msg.Key),
		payload: slices.Clone(msg.Payload),
		headers: msg.wireHeaders(lane),
	})
	b.signalLocked()
	return nil
}

type memHandle struct {
	broker      *MemoryBroker
	destination string
	seq         uint64
	generation  uint64
}

func (h *memHandle) ID() string {
	return fmt.Sprintf("%s#%d@%d", h.destination, h.seq, h.generation)
}

type memStream struct {
	sess        *memSession
	destination string
}

func (s *memStream) Next(ctx context.Context) (Message, DeliveryHandle, error) {
	b := s.sess.broker
	for {
		b.mu.Lock()
		if err := s.sess.checkLocked(); err != nil {
			b.mu.Unlock()
			return Message{}, nil, err
		}
		q := b.queue(s.destination)
		if len(q.ready) > 0 {
			e := q.ready[0]
			q.ready = q.ready[1:]
			e.deliveries++
			q.unacked[e.seq] = e

			msg := messageFromWire(e.topic, slices.Clone(e.key), slices.Clone(e.payload), maps.Clone(e.headers), "", e.deliveries)
			h := &memHandle{broker: b, destination: s.destination, seq: e.seq, generation: b.generation}
			b.mu.Unlock()
			return msg, h, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, nil, ctx.Err()
		case <-changed:
		}
	}
}

func (*memStream) Close() error { return nil }

// Receive implements Adapter.
func (m *Memory) Receive(ctx context.Context, s Session, lane Lane, _ ReceiveOptions) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, ok := s.(*memSession)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrForeignHandle, s)
	}
	if err := sess.Ping(ctx); err != nil {
		return nil, err
	}
	return &memStream{sess: sess, destination: lane.Destination()}, nil
}

// Ack implements Adapter.
func (m *Memory) Ack(_ context.Context, h DeliveryHandle) error {
	return m.settle(h, false)
}

// Nack implements Adapter. With requeue the message returns to its original
// queue position; without it the message is dropped.
func (m *Memory) Nack(_ context.Context, h DeliveryHandle, requeue bool) error {
	return m.settle(h, requeue)
}

func (m *Memory) settle(h DeliveryHandle, requeue bool) error {
	mh, ok := h.(*memHandle)
	if !ok || mh.broker != m.broker {
		return fmt.Errorf("%w: %T", ErrForeignHandle, h)
	}

	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down || mh.generation != b.generation {
		return goerror.NewConnection(errBrokerDown, "memory settle")
	}
	q := b.queue(mh.destination)
	e, ok := q.unacked[mh.seq]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, mh.ID())
	}
	delete(q.unacked, mh.seq)

	if requeue {
		q.insert(e)
		b.signalLocked()
	}
	return nil
}
