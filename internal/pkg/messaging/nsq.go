package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	nsq "github.com/nsqio/go-nsq"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"go.uber.org/atomic"
)

var (
	// ErrNSQProducerAddrRequired is returned when the nsqd address is missing.
	ErrNSQProducerAddrRequired = errors.New("messaging: nsq nsqd address is required")
	errNSQStreamClosed         = errors.New("nsq stream closed")
)

// NSQConfig configures the NSQ backend. Every lane is its own NSQ topic and
// the consumer group is the NSQ channel.
type NSQConfig struct {
	// NSQDAddr is the nsqd TCP address used for publishing, and for
	// consuming when no lookupd is configured.
	NSQDAddr string
	// LookupdAddrs lists nsqlookupd HTTP addresses for consumers.
	LookupdAddrs []string
	// Config overrides the default go-nsq config.
	Config *nsq.Config
	// RequeueDelay is the delay passed to REQ on nack.
	RequeueDelay time.Duration
}

// NSQ is the adapter for nsqd. NSQ frames carry no headers, so the key and
// headers travel in a JSON envelope around the payload.
type NSQ struct {
	cfg NSQConfig
}

// NewNSQ returns an NSQ adapter.
func NewNSQ(cfg NSQConfig) (*NSQ, error) {
	if cfg.NSQDAddr == "" {
		return nil, ErrNSQProducerAddrRequired
	}
	if cfg.Config == nil {
		cfg.Config = nsq.NewConfig()
	}
	return &NSQ{cfg: cfg}, nil
}

// Kind implements Adapter.
func (*NSQ) Kind() Kind { return KindNSQ }

type nsqSession struct {
	producer *nsq.Producer
}

func (s *nsqSession) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.producer.Ping(); err != nil {
		return goerror.NewConnection(err, "nsq ping")
	}
	return nil
}

func (s *nsqSession) Close() error {
	s.producer.Stop()
	return nil
}

// Connect implements Adapter.
func (n *NSQ) Connect(ctx context.Context) (Session, error) {
	p, err := nsq.NewProducer(n.cfg.NSQDAddr, n.cfg.Config)
	if err != nil {
		return nil, goerror.NewConnection(err, "nsq new producer")
	}
	p.SetLoggerLevel(nsq.LogLevelError)

	s := &nsqSession{producer: p}
	if err := s.Ping(ctx); err != nil {
		p.Stop()
		return nil, err
	}
	return s, nil
}

type nsqEnvelope struct {
	Key     []byte            `json:"key,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload []byte            `json:"payload"`
}

// Send implements Adapter.
func (*NSQ) Send(ctx context.Context, s Session, lane Lane, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, ok := s.(*nsqSession)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, s)
	}

	body, err := json.Marshal(nsqEnvelope{Key: msg.Key, Headers: msg.wireHeaders(lane), Payload: msg.Payload})
	if err != nil {
		return goerror.NewPermanent(err, "nsq encode")
	}
	if err := sess.producer.Publish(lane.Destination(), body); err != nil {
		return nsqError(err, "nsq publish")
	}
	return nil
}

type nsqHandle struct {
	msg   *nsq.Message
	delay time.Duration
}

func (h *nsqHandle) ID() string { return fmt.Sprintf("%x", h.msg.ID) }

type nsqStream struct {
	consumer *nsq.Consumer
	lane     Lane
	delay    time.Duration
	msgs     chan *nsq.Message
	done     chan struct{}
	closed   atomic.Bool
	once     sync.Once
}

// HandleMessage implements nsq.Handler. Responses are sent by Ack and Nack.
func (s *nsqStream) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	select {
	case s.msgs <- m:
	case <-s.done:
		m.RequeueWithoutBackoff(0)
	}
	return nil
}

// Receive implements Adapter. The consumer is created per lane with
// MaxInFlight set to the prefetch.
func (n *NSQ) Receive(ctx context.Context, _ Session, lane Lane, opts ReceiveOptions) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ccfg := *n.cfg.Config
	if opts.Prefetch > 0 {
		ccfg.MaxInFlight = opts.Prefetch
	}
	consumer, err := nsq.NewConsumer(lane.Destination(), opts.Group, &ccfg)
	if err != nil {
		return nil, goerror.NewPermanent(err, "nsq new consumer")
	}
	consumer.SetLoggerLevel(nsq.LogLevelError)

	s := &nsqStream{
		consumer: consumer,
		lane:     lane,
		delay:    n.cfg.RequeueDelay,
		msgs:     make(chan *nsq.Message),
		done:     make(chan struct{}),
	}
	consumer.AddHandler(s)

	if len(n.cfg.LookupdAddrs) > 0 {
		err = consumer.ConnectToNSQLookupds(n.cfg.LookupdAddrs)
	} else {
		err = consumer.ConnectToNSQD(n.cfg.NSQDAddr)
	}
	if err != nil {
		consumer.Stop()
		return nil, goerror.NewConnection(err, "nsq consumer connect")
	}
	return s, nil
}

func (s *nsqStream) Next(ctx context.Context) (Message, DeliveryHandle, error) {
	select {
	case <-ctx.Done():
		return Message{}, nil, ctx.Err()
	case <-s.consumer.StopChan:
		return Message{}, nil, goerror.NewConnection(errNSQStreamClosed, "nsq next")
	case m := <-s.msgs:
		var env nsqEnvelope
		if err := json.Unmarshal(m.Body, &env); err != nil || env.Payload == nil {
			env = nsqEnvelope{Payload: m.Body}
		}
		if env.Headers == nil {
			env.Headers = map[string]string{}
		}
		msg := messageFromWire(s.lane.Topic, env.Key, env.Payload, env.Headers, fmt.Sprintf("%x", m.ID), int(m.Attempts))
		if msg.EnqueuedAt.IsZero() {
			msg.EnqueuedAt = time.Unix(0, m.Timestamp)
		}
		return msg, &nsqHandle{msg: m, delay: s.delay}, nil
	}
}

func (s *nsqStream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.consumer.Stop()
	})
	return nil
}

// Ack implements Adapter.
func (*NSQ) Ack(ctx context.Context, h DeliveryHandle) error {
	nh, ok := h.(*nsqHandle)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, h)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if nh.msg.HasResponded() {
		return nil
	}
	nh.msg.Finish()
	return nil
}

// Nack implements Adapter. NSQ cannot drop a message, so a nack without
// requeue finishes it; the coordinator has already dead-lettered it.
func (*NSQ) Nack(ctx context.Context, h DeliveryHandle, requeue bool) error {
	nh, ok := h.(*nsqHandle)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, h)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if nh.msg.HasResponded() {
		return nil
	}
	if requeue {
		nh.msg.RequeueWithoutBackoff(nh.delay)
		return nil
	}
	nh.msg.Finish()
	return nil
}

func nsqError(err error, msg string) error {
	switch {
	case errors.Is(err, nsq.ErrNotConnected), errors.Is(err, nsq.ErrStopped), errors.Is(err, nsq.ErrClosing):
		return goerror.NewConnection(err, msg)
	}

	var perr nsq.ErrProtocol
	if errors.As(err, &perr) {
		reason := perr.Reason
		if strings.HasPrefix(reason, "E_BAD_MESSAGE") || strings.HasPrefix(reason, "E_BAD_BODY") || strings.HasPrefix(reason, "E_BAD_TOPIC") {
			return goerror.NewPermanent(err, msg)
		}
		return goerror.NewSend(err, msg)
	}
	return connectionError(err, msg)
}
