package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
)

// ErrNATSURLRequired is returned when the NATS server URL is missing.
var ErrNATSURLRequired = errors.New("messaging: nats url is required")

const defaultNATSFetchWait = time.Second

// NATSConfig configures the NATS JetStream backend. Every lane is a subject
// and each consumer group gets a durable pull consumer per lane. The stream
// covering the subjects must exist.
type NATSConfig struct {
	// URL is the NATS server address, comma separated for a cluster.
	URL string
	// Options are passed to the NATS client.
	Options []nats.Option
	// Stream binds consumers to a named stream. Empty lets the server look
	// it up by subject.
	Stream string
	// AckWait is the server-side redelivery timeout of the durable.
	AckWait time.Duration
	// FetchWait bounds a single pull request.
	FetchWait time.Duration
}

// NATS is the adapter for NATS JetStream.
type NATS struct {
	cfg NATSConfig
}

// NewNATS returns a NATS JetStream adapter.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		return nil, ErrNATSURLRequired
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = defaultNATSFetchWait
	}
	return &NATS{cfg: cfg}, nil
}

// Kind implements Adapter.
func (*NATS) Kind() Kind { return KindNATS }

type natsSession struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func (s *natsSession) Ping(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return goerror.NewConnection(nats.ErrConnectionClosed, "nats ping")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultNATSFetchWait)
		defer cancel()
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return goerror.NewConnection(err, "nats ping")
	}
	return nil
}

func (s *natsSession) Close() error {
	err := s.conn.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

// Connect implements Adapter.
func (n *NATS) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := nats.Connect(n.cfg.URL, n.cfg.Options...)
	if err != nil {
		return nil, goerror.NewConnection(err, "nats connect")
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, goerror.NewConnection(err, "nats jetstream")
	}

	s := &natsSession{conn: conn, js: js}
	if err := s.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Send implements Adapter. The publish waits for the stream ack.
func (*NATS) Send(ctx context.Context, s Session, lane Lane, msg Message) error {
	sess, ok := s.(*natsSession)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, s)
	}

	nmsg := nats.NewMsg(lane.Destination())
	nmsg.Data = msg.Payload
	for k, v := range msg.wireHeaders(lane) {
		nmsg.Header.Set(k, v)
	}
	if len(msg.Key) > 0 {
		nmsg.Header.Set(headerKey, string(msg.Key))
	}
	// Dedupe window on the server side for retried publishes.
	nmsg.Header.Set(nats.MsgIdHdr, msg.ID)

	if _, err := sess.js.PublishMsg(nmsg, nats.Context(ctx)); err != nil {
		return natsError(err, "nats publish")
	}
	return nil
}

type natsHandle struct {
	msg *nats.Msg
	id  string
}

func (h *natsHandle) ID() string { return h.id }

type natsStream struct {
	sub   *nats.Subscription
	lane  Lane
	wait  time.Duration
	once  sync.Once
	close error
}

func natsDurable(group string, lane Lane) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_")
	return r.Replace(group + "_" + lane.Destination())
}

// Receive implements Adapter.
func (n *NATS) Receive(ctx context.Context, s Session, lane Lane, opts ReceiveOptions) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, ok := s.(*natsSession)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrForeignHandle, s)
	}

	subOpts := []nats.SubOpt{nats.ManualAck(), nats.AckExplicit()}
	if opts.Prefetch > 0 {
		subOpts = append(subOpts, nats.MaxAckPending(opts.Prefetch))
	}
	if n.cfg.AckWait > 0 {
		subOpts = append(subOpts, nats.AckWait(n.cfg.AckWait))
	}
	if n.cfg.Stream != "" {
		subOpts = append(subOpts, nats.BindStream(n.cfg.Stream))
	}

	sub, err := sess.js.PullSubscribe(lane.Destination(), natsDurable(opts.Group, lane), subOpts...)
	if err != nil {
		return nil, natsError(err, "nats pull subscribe")
	}
	return &natsStream{sub: sub, lane: lane, wait: n.cfg.FetchWait}, nil
}

func (s *natsStream) Next(ctx context.Context) (Message, DeliveryHandle, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, nil, err
		}

		fctx, cancel := context.WithTimeout(ctx, s.wait)
		msgs, err := s.sub.Fetch(1, nats.Context(fctx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, nil, ctx.Err()
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return Message{}, nil, natsError(err, "nats fetch")
		}
		if len(msgs) == 0 {
			continue
		}

		m := msgs[0]
		attempt, id := 1, ""
		if md, err := m.Metadata(); err == nil {
			attempt = int(md.NumDelivered)
			id = fmt.Sprintf("%s/%d/%d", md.Stream, md.Sequence.Stream, md.NumDelivered)
		}
		headers := make(map[string]string, len(m.Header))
		for k := range m.Header {
			headers[strings.ToLower(k)] = m.Header.Get(k)
		}
		var key []byte
		if k, ok := headers[headerKey]; ok {
			key = []byte(k)
		}
		msg := messageFromWire(s.lane.Topic, key, m.Data, headers, id, attempt)
		return msg, &natsHandle{msg: m, id: id}, nil
	}
}

func (s *natsStream) Close() error {
	s.once.Do(func() {
		// Unsubscribe keeps the durable; only the interest goes away.
		s.close = s.sub.Unsubscribe()
		if errors.Is(s.close, nats.ErrConnectionClosed) || errors.Is(s.close, nats.ErrBadSubscription) {
			s.close = nil
		}
	})
	return s.close
}

// Ack implements Adapter.
func (*NATS) Ack(ctx context.Context, h DeliveryHandle) error {
	nh, ok := h.(*natsHandle)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, h)
	}
	if err := nh.msg.AckSync(nats.Context(ctx)); err != nil {
		return natsError(err, "nats ack")
	}
	return nil
}

// Nack implements Adapter. Without requeue the message is terminated.
func (*NATS) Nack(ctx context.Context, h DeliveryHandle, requeue bool) error {
	nh, ok := h.(*natsHandle)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, h)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if requeue {
		err = nh.msg.Nak()
	} else {
		err = nh.msg.Term()
	}
	if err != nil {
		return natsError(err, "nats nack")
	}
	return nil
}

func natsError(err error, msg string) error {
	switch {
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrInvalidMsg):
		return goerror.NewPermanent(err, msg)
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrBadSubscription):
		return goerror.NewConnection(err, msg)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return goerror.NewTimeout(err, msg)
	}

	var apiErr *nats.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
		return goerror.NewPermanent(err, msg)
	}
	return sendError(err, msg)
}
