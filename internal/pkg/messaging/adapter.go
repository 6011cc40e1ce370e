package messaging

import (
	"context"
	"fmt"
	"strings"
)

// Kind names a backend family.
type Kind string

const (
	// KindJMS selects a JMS broker (ActiveMQ) reached over STOMP.
	KindJMS Kind = "jms"
	// KindAMQP selects an AMQP 0-9-1 broker (RabbitMQ).
	KindAMQP Kind = "amqp"
	// KindKafka selects Kafka.
	KindKafka Kind = "kafka"
	// KindNSQ selects NSQ.
	KindNSQ Kind = "nsq"
	// KindNATS selects NATS JetStream.
	KindNATS Kind = "nats"
	// KindPubSub selects Google Pub/Sub.
	KindPubSub Kind = "pubsub"
	// KindMemory selects the in-process broker.
	KindMemory Kind = "memory"
)

// ParseKind normalizes a configured backend name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindJMS, KindAMQP, KindKafka, KindNSQ, KindNATS, KindPubSub, KindMemory:
		return k, nil
	case "google-pubsub":
		return KindPubSub, nil
	case "activemq", "stomp":
		return KindJMS, nil
	case "rabbitmq":
		return KindAMQP, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, s)
	}
}

// Session is a backend connection, channel or client owned by the
// ConnectionManager and shared by adapter calls.
type Session interface {
	// Ping probes the session. It must honor ctx.
	Ping(ctx context.Context) error
	// Close releases the session.
	Close() error
}

// DeliveryHandle is an opaque backend acknowledgment token.
type DeliveryHandle interface {
	// ID is unique among the handles that can be in flight at the same time.
	ID() string
}

// Stream is a lazy sequence of deliveries from one lane. After Next returns
// an error the stream is dead; callers restart by calling Receive again.
type Stream interface {
	Next(ctx context.Context) (Message, DeliveryHandle, error)
	Close() error
}

// ReceiveOptions tune a Receive call.
type ReceiveOptions struct {
	// Group is the consumer group, channel, durable or subscription prefix.
	Group string
	// Prefetch bounds how many unacked deliveries the backend may push.
	Prefetch int
}

// Adapter translates the unified operations into backend-native calls.
//
// Errors are classified with goerror: connection failures are
// ClassConnection, transient send failures ClassSend, malformed payloads
// ClassPermanent.
type Adapter interface {
	Kind() Kind
	Connect(ctx context.Context) (Session, error)
	Send(ctx context.Context, s Session, lane Lane, msg Message) error
	Receive(ctx context.Context, s Session, lane Lane, opts ReceiveOptions) (Stream, error)
	Ack(ctx context.Context, h DeliveryHandle) error
	Nack(ctx context.Context, h DeliveryHandle, requeue bool) error
}

// FactoryOptions groups config for supported backends.
type FactoryOptions struct {
	// JMS configures the STOMP/ActiveMQ backend.
	JMS JMSConfig
	// AMQP configures the RabbitMQ backend.
	AMQP AMQPConfig
	// Kafka configures the Kafka backend.
	Kafka KafkaConfig
	// NSQ configures the NSQ backend.
	NSQ NSQConfig
	// NATS configures the NATS JetStream backend.
	NATS NATSConfig
	// PubSub configures the Google Pub/Sub backend.
	PubSub PubSubConfig
	// Memory configures the in-process broker.
	Memory MemoryConfig
}

// NewAdapter constructs the Adapter for kind.
func NewAdapter(kind Kind, opts FactoryOptions) (Adapter, error) {
	switch kind {
	case KindJMS:
		return NewJMS(opts.JMS)
	case KindAMQP:
		return NewAMQP(opts.AMQP)
	case KindKafka:
		return NewKafka(opts.Kafka)
	case KindNSQ:
		return NewNSQ(opts.NSQ)
	case KindNATS:
		return NewNATS(opts.NATS)
	case KindPubSub:
		return NewPubSub(opts.PubSub)
	case KindMemory:
		return NewMemory(opts.Memory), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// withURIs fills the address of the selected backend from uris when its own
// section leaves it empty.
func (o FactoryOptions) withURIs(kind Kind, uris []string) FactoryOptions {
	if len(uris) == 0 {
		return o
	}
	switch kind {
	case KindJMS:
		if o.JMS.Addr == "" {
			o.JMS.Addr = uris[0]
		}
	case KindAMQP:
		if o.AMQP.URL == "" {
			o.AMQP.URL = uris[0]
		}
	case KindKafka:
		if len(o.Kafka.Brokers) == 0 {
			o.Kafka.Brokers = append([]string(nil), uris...)
		}
	case KindNSQ:
		if o.NSQ.NSQDAddr == "" {
			o.NSQ.NSQDAddr = uris[0]
		}
		if len(o.NSQ.LookupdAddrs) == 0 && len(uris) > 1 {
			o.NSQ.LookupdAddrs = append([]string(nil), uris[1:]...)
		}
	case KindNATS:
		if o.NATS.URL == "" {
			o.NATS.URL = strings.Join(uris, ",")
		}
	case KindPubSub:
		if o.PubSub.ProjectID == "" {
			o.PubSub.ProjectID = uris[0]
		}
	}
	return o
}
