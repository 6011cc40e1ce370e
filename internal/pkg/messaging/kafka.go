package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"go.uber.org/atomic"
)

// ErrKafkaBrokersRequired is returned when no Kafka brokers are configured.
var ErrKafkaBrokersRequired = errors.New("messaging: kafka brokers are required")

// KafkaConfig configures the Kafka backend. Lanes map to partitions.
type KafkaConfig struct {
	// Brokers lists Kafka broker addresses.
	Brokers []string
	// Dialer configures reader connections.
	Dialer *kafka.Dialer
	// Transport configures the admin client and writers.
	Transport *kafka.Transport
	// Partitions is the partition count used when a topic is created. It
	// should equal the lane count.
	Partitions int
	// ReplicationFactor is used when a topic is created.
	ReplicationFactor int
	// AutoCreateTopics creates missing topics on first use.
	AutoCreateTopics bool
	// BatchTimeout bounds writer batching latency.
	BatchTimeout time.Duration
	// MaxWait bounds a single fetch.
	MaxWait time.Duration
}

// Kafka is the offset-based adapter. Ack commits the contiguous acked prefix
// of a partition for the consumer group; a nack rewinds the partition reader
// and redelivers only the nacked offsets.
type Kafka struct {
	cfg  KafkaConfig
	addr net.Addr

	topics  sync.Map
	streams atomic.Uint64
}

// NewKafka returns a Kafka adapter.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrKafkaBrokersRequired
	}
	if cfg.Partitions < 1 {
		cfg.Partitions = defaultLaneCount
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 250 * time.Millisecond
	}
	cfg.Brokers = slices.Clone(cfg.Brokers)

	return &Kafka{cfg: cfg, addr: kafka.TCP(cfg.Brokers...)}, nil
}

// Kind implements Adapter.
func (*Kafka) Kind() Kind { return KindKafka }

type kafkaSession struct {
	client    *kafka.Client
	writer    *kafka.Writer
	transport *kafka.Transport
	owned     bool
}

func (s *kafkaSession) Ping(ctx context.Context) error {
	if _, err := s.client.Metadata(ctx, &kafka.MetadataRequest{}); err != nil {
		return kafkaError(err, "kafka ping")
	}
	return nil
}

func (s *kafkaSession) Close() error {
	err := s.writer.Close()
	if s.owned {
		s.transport.CloseIdleConnections()
	}
	return err
}

// Connect implements Adapter.
func (k *Kafka) Connect(ctx context.Context) (Session, error) {
	transport, owned := k.cfg.Transport, false
	if transport == nil {
		transport, owned = &kafka.Transport{}, true
	}

	s := &kafkaSession{
		client:    &kafka.Client{Addr: k.addr, Transport: transport},
		transport: transport,
		owned:     owned,
		writer: &kafka.Writer{
			Addr:                   k.addr,
			Balancer:               laneBalancer{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           k.cfg.BatchTimeout,
			MaxAttempts:            1,
			AllowAutoTopicCreation: k.cfg.AutoCreateTopics,
			Transport:              transport,
		},
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// laneBalancer sends a message to the partition named by its lane header.
type laneBalancer struct{}

func (laneBalancer) Balance(msg kafka.Message, partitions ...int) int {
	for _, h := range msg.Headers {
		if h.Key != HeaderLane {
			continue
		}
		if p, err := strconv.Atoi(string(h.Value)); err == nil && slices.Contains(partitions, p) {
			return p
		}
	}
	return (&kafka.Hash{}).Balance(msg, partitions...)
}

// Send implements Adapter.
func (k *Kafka) Send(ctx context.Context, s Session, lane Lane, msg Message) error {
	sess, ok := s.(*kafkaSession)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, s)
	}
	if err := k.ensureTopic(ctx, sess, lane.Topic); err != nil {
		return err
	}

	kmsg := kafka.Message{
		Topic: lane.Topic,
		Key:   msg.Key,
		Value: msg.Payload,
		Time:  msg.EnqueuedAt,
	}
	for key, v := range msg.wireHeaders(lane) {
		kmsg.Headers = append(kmsg.Headers, kafka.Header{Key: key, Value: []byte(v)})
	}

	if err := sess.writer.WriteMessages(ctx, kmsg); err != nil {
		return kafkaError(err, "kafka send")
	}
	return nil
}

func (k *Kafka) ensureTopic(ctx context.Context, sess *kafkaSession, topic string) error {
	if !k.cfg.AutoCreateTopics {
		return nil
	}
	if _, ok := k.topics.Load(topic); ok {
		return nil
	}

	resp, err := sess.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             topic,
			NumPartitions:     k.cfg.Partitions,
			ReplicationFactor: k.cfg.ReplicationFactor,
		}},
	})
	if err != nil {
		return kafkaError(err, "kafka create topic")
	}
	if terr := resp.Errors[topic]; terr != nil && !errors.Is(terr, kafka.TopicAlreadyExists) {
		return kafkaError(terr, "kafka create topic")
	}
	k.topics.Store(topic, struct{}{})
	return nil
}

type kafkaHandle struct {
	stream *kafkaStream
	offset int64
}

func (h *kafkaHandle) ID() string {
	return fmt.Sprintf("%s/%d/%d#%d", h.stream.lane.Topic, h.stream.lane.Index, h.offset, h.stream.serial)
}

type kafkaStream struct {
	sess   *kafkaSession
	reader *kafka.Reader
	window *offsetWindow
	lane   Lane
	group  string
	serial uint64
	closed atomic.Bool
}

// Receive implements Adapter. The reader is bound to the lane's partition
// and starts at the group's committed offset.
func (k *Kafka) Receive(ctx context.Context, s Session, lane Lane, opts ReceiveOptions) (Stream, error) {
	sess, ok := s.(*kafkaSession)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrForeignHandle, s)
	}
	if err := k.ensureTopic(ctx, sess, lane.Topic); err != nil {
		return nil, err
	}

	committed, err := k.committedOffset(ctx, sess, opts.Group, lane)
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.cfg.Brokers,
		Topic:     lane.Topic,
		Partition: lane.Index,
		Dialer:    k.cfg.Dialer,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   k.cfg.MaxWait,
	})
	start := committed
	if start < 0 {
		start = kafka.FirstOffset
	}
	if err := reader.SetOffset(start); err != nil {
		return nil, errors.Join(kafkaError(err, "kafka seek"), reader.Close())
	}

	return &kafkaStream{
		sess:   sess,
		reader: reader,
		window: newOffsetWindow(committed),
		lane:   lane,
		group:  opts.Group,
		serial: k.streams.Add(1),
	}, nil
}

func (k *Kafka) committedOffset(ctx context.Context, sess *kafkaSession, group string, lane Lane) (int64, error) {
	resp, err := sess.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: group,
		Topics:  map[string][]int{lane.Topic: {lane.Index}},
	})
	if err != nil {
		return 0, kafkaError(err, "kafka offset fetch")
	}
	if resp.Error != nil {
		return 0, kafkaError(resp.Error, "kafka offset fetch")
	}
	for _, p := range resp.Topics[lane.Topic] {
		if p.Partition != lane.Index {
			continue
		}
		if p.Error != nil {
			return 0, kafkaError(p.Error, "kafka offset fetch")
		}
		return p.CommittedOffset, nil
	}
	return -1, nil
}

func (s *kafkaStream) Next(ctx context.Context) (Message, DeliveryHandle, error) {
	for {
		if off, ok := s.window.TakeRewind(); ok {
			if err := s.reader.SetOffset(off); err != nil {
				return Message{}, nil, kafkaError(err, "kafka rewind")
			}
		}

		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, nil, ctx.Err()
			}
			return Message{}, nil, kafkaError(err, "kafka fetch")
		}
		if !s.window.Track(m.Offset) {
			continue
		}

		headers := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			if _, ok := headers[h.Key]; !ok {
				headers[h.Key] = string(h.Value)
			}
		}
		attempt := s.window.Attempt(m.Offset)
		fallback := fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
		msg := messageFromWire(s.lane.Topic, m.Key, m.Value, headers, fallback, attempt)
		if msg.EnqueuedAt.IsZero() {
			msg.EnqueuedAt = m.Time
		}
		return msg, &kafkaHandle{stream: s, offset: m.Offset}, nil
	}
}

func (s *kafkaStream) Close() error {
	s.closed.Store(true)
	return s.reader.Close()
}

// Ack implements Adapter.
func (k *Kafka) Ack(ctx context.Context, h DeliveryHandle) error {
	kh, ok := h.(*kafkaHandle)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, h)
	}
	s := kh.stream
	if s.closed.Load() {
		return goerror.NewConnection(io.ErrClosedPipe, "kafka ack on closed stream")
	}

	commit, advanced := s.window.Ack(kh.offset)
	if !advanced {
		return nil
	}

	resp, err := s.sess.client.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID:      s.group,
		GenerationID: -1,
		Topics: map[string][]kafka.OffsetCommit{
			s.lane.Topic: {{Partition: s.lane.Index, Offset: commit}},
		},
	})
	if err != nil {
		return kafkaError(err, "kafka commit")
	}
	for _, p := range resp.Topics[s.lane.Topic] {
		if p.Error != nil {
			return kafkaError(p.Error, "kafka commit")
		}
	}
	return nil
}

// Nack implements Adapter. Kafka has no per-message requeue: the offset is
// held in the window, blocking commits, and the reader rewinds to it. Without requeue the
// offset is treated as settled.
func (k *Kafka) Nack(ctx context.Context, h DeliveryHandle, requeue bool) error {
	kh, ok := h.(*kafkaHandle)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, h)
	}
	if !requeue {
		return k.Ack(ctx, h)
	}
	if kh.stream.closed.Load() {
		return goerror.NewConnection(io.ErrClosedPipe, "kafka nack on closed stream")
	}
	kh.stream.window.Nack(kh.offset)
	return nil
}

func kafkaError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil {
				err = e
				break
			}
		}
	}

	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidMessage),
		errors.Is(err, kafka.InvalidTopic):
		return goerror.NewPermanent(err, msg)
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed):
		return goerror.NewConnection(err, msg)
	}

	// kafka.Error also satisfies net.Error.
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return goerror.NewSend(err, msg)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return goerror.NewConnection(err, msg)
	}
	return sendError(err, msg)
}
