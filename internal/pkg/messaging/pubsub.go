package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrPubSubProjectIDRequired is returned when a ProjectID is required but missing.
	ErrPubSubProjectIDRequired = errors.New("messaging: pubsub project id is required")
	errPubSubStreamClosed      = errors.New("pubsub receive stopped")
)

// PubSubConfig configures the Google Pub/Sub backend. Every lane is its own
// topic and each consumer group gets the subscription "<group>-<lane>".
type PubSubConfig struct {
	// ProjectID is the Google Cloud project ID.
	ProjectID string
	// Client provides an existing Pub/Sub client. It is shared and never
	// closed by the adapter.
	Client *pubsub.Client
	// ClientOptions are used when creating a new client.
	ClientOptions []option.ClientOption
}

// PubSub is the adapter for Google Pub/Sub. Publishing uses ordering keys so
// a lane keeps its order.
type PubSub struct {
	cfg PubSubConfig
}

// NewPubSub returns a Pub/Sub adapter.
func NewPubSub(cfg PubSubConfig) (*PubSub, error) {
	if cfg.Client == nil && cfg.ProjectID == "" {
		return nil, ErrPubSubProjectIDRequired
	}
	return &PubSub{cfg: cfg}, nil
}

// Kind implements Adapter.
func (*PubSub) Kind() Kind { return KindPubSub }

type pubsubSession struct {
	client  *pubsub.Client
	project string
	owned   bool

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

func (s *pubsubSession) Ping(ctx context.Context) error {
	it := s.client.TopicAdminClient.ListTopics(ctx, &pubsubpb.ListTopicsRequest{
		Project:  "projects/" + s.project,
		PageSize: 1,
	})
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return pubsubError(err, "pubsub ping")
	}
	return nil
}

func (s *pubsubSession) Close() error {
	s.mu.Lock()
	pubs := s.publishers
	s.publishers = map[string]*pubsub.Publisher{}
	s.mu.Unlock()

	for _, p := range pubs {
		p.Stop()
	}
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *pubsubSession) publisher(topic string) *pubsub.Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.publishers[topic]; ok {
		return p
	}
	p := s.client.Publisher(topic)
	p.EnableMessageOrdering = true
	s.publishers[topic] = p
	return p
}

// Connect implements Adapter.
func (p *PubSub) Connect(ctx context.Context) (Session, error) {
	s := &pubsubSession{
		client:     p.cfg.Client,
		project:    p.cfg.ProjectID,
		publishers: map[string]*pubsub.Publisher{},
	}
	if s.client == nil {
		c, err := pubsub.NewClient(ctx, p.cfg.ProjectID, p.cfg.ClientOptions...)
		if err != nil {
			return nil, goerror.NewConnection(err, "pubsub new client")
		}
		s.client, s.owned = c, true
	}
	if s.project == "" {
		s.project = s.client.Project()
	}
	if err := s.Ping(ctx); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

// Send implements Adapter.
func (*PubSub) Send(ctx context.Context, s Session, lane Lane, msg Message) error {
	sess, ok := s.(*pubsubSession)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, s)
	}

	attrs := msg.wireHeaders(lane)
	if len(msg.Key) > 0 {
		attrs[headerKey] = string(msg.Key)
	}
	orderingKey := lane.Destination()

	pub := sess.publisher(lane.Destination())
	res := pub.Publish(ctx, &pubsub.Message{
		Data:        msg.Payload,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	})
	if _, err := res.Get(ctx); err != nil {
		pub.ResumePublish(orderingKey)
		return pubsubError(err, "pubsub publish")
	}
	return nil
}

// headerKey carries the message key on backends without a key field.
const headerKey = "x-key"

type pubsubHandle struct {
	msg *pubsub.Message
}

func (h *pubsubHandle) ID() string { return h.msg.ID }

type pubsubStream struct {
	lane   Lane
	msgs   chan *pubsub.Message
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
}

// Receive implements Adapter. Pub/Sub pushes through a streaming pull; the
// callback blocks until Next takes the message, so at most Prefetch messages
// are outstanding.
func (*PubSub) Receive(ctx context.Context, s Session, lane Lane, opts ReceiveOptions) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, ok := s.(*pubsubSession)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrForeignHandle, s)
	}

	sub := sess.client.Subscriber(opts.Group + "-" + lane.Destination())
	if opts.Prefetch > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = opts.Prefetch
	}
	sub.ReceiveSettings.NumGoroutines = 1

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &pubsubStream{
		lane:   lane,
		msgs:   make(chan *pubsub.Message),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(st.done)
		err := sub.Receive(rctx, func(mctx context.Context, m *pubsub.Message) {
			select {
			case st.msgs <- m:
			case <-mctx.Done():
				m.Nack()
			}
		})
		if err == nil {
			err = errPubSubStreamClosed
		}
		st.errs <- err
	}()
	return st, nil
}

func (s *pubsubStream) Next(ctx context.Context) (Message, DeliveryHandle, error) {
	select {
	case <-ctx.Done():
		return Message{}, nil, ctx.Err()
	case err := <-s.errs:
		s.errs <- err
		return Message{}, nil, pubsubError(err, "pubsub receive")
	case m := <-s.msgs:
		attempt := 1
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		headers := make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			headers[k] = v
		}
		var key []byte
		if k, ok := headers[headerKey]; ok {
			key = []byte(k)
		}
		msg := messageFromWire(s.lane.Topic, key, m.Data, headers, m.ID, attempt)
		if msg.EnqueuedAt.IsZero() {
			msg.EnqueuedAt = m.PublishTime
		}
		return msg, &pubsubHandle{msg: m}, nil
	}
}

func (s *pubsubStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Ack implements Adapter.
func (*PubSub) Ack(ctx context.Context, h DeliveryHandle) error {
	ph, ok := h.(*pubsubHandle)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, h)
	}
	res := ph.msg.AckWithResult()
	if _, err := res.Get(ctx); err != nil {
		return pubsubError(err, "pubsub ack")
	}
	return nil
}

// Nack implements Adapter. Pub/Sub has no drop: a nack without requeue acks
// the message, the coordinator has already dead-lettered it.
func (p *PubSub) Nack(ctx context.Context, h DeliveryHandle, requeue bool) error {
	ph, ok := h.(*pubsubHandle)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, h)
	}
	if !requeue {
		return p.Ack(ctx, h)
	}
	res := ph.msg.NackWithResult()
	if _, err := res.Get(ctx); err != nil {
		return pubsubError(err, "pubsub nack")
	}
	return nil
}

func pubsubError(err error, msg string) error {
	if goerror.ClassOf(err) != goerror.ClassNone {
		return err
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.FailedPrecondition:
		return goerror.NewPermanent(err, msg)
	case codes.Unavailable, codes.Unauthenticated, codes.Canceled:
		return goerror.NewConnection(err, msg)
	case codes.DeadlineExceeded:
		return goerror.NewTimeout(err, msg)
	}
	if errors.Is(err, errPubSubStreamClosed) {
		return goerror.NewConnection(err, msg)
	}
	return goerror.NewSend(err, msg)
}
