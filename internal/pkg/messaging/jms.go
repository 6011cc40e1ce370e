package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"go.uber.org/atomic"
)

var (
	// ErrJMSAddrRequired is returned when the broker address is missing.
	ErrJMSAddrRequired = errors.New("messaging: jms broker address is required")
	errJMSStreamEnded  = errors.New("stomp subscription closed")
)

// JMSConfig configures the JMS backend. The broker (ActiveMQ, Artemis) is
// reached over STOMP and every lane is the queue "/queue/<topic>.<index>".
type JMSConfig struct {
	// Addr is the STOMP endpoint, host:port.
	Addr string
	// Login and Passcode authenticate the connection.
	Login    string
	Passcode string
	// Host is the virtual host sent in CONNECT.
	Host string
	// HeartBeat is the send and receive heart-beat.
	HeartBeat time.Duration
	// QueuePrefix is prepended to lane destinations. Defaults to "/queue/".
	QueuePrefix string
}

// JMS is the adapter for JMS brokers. Sends wait for a receipt, consumers
// use client-individual acknowledgment and settle inside a transaction.
type JMS struct {
	cfg   JMSConfig
	conns atomic.Uint64
}

// NewJMS returns a JMS adapter.
func NewJMS(cfg JMSConfig) (*JMS, error) {
	if cfg.Addr == "" {
		return nil, ErrJMSAddrRequired
	}
	if cfg.HeartBeat <= 0 {
		cfg.HeartBeat = 10 * time.Second
	}
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "/queue/"
	}
	return &JMS{cfg: cfg}, nil
}

// Kind implements Adapter.
func (*JMS) Kind() Kind { return KindJMS }

func (j *JMS) destination(lane Lane) string {
	return j.cfg.QueuePrefix + lane.Destination()
}

type jmsSession struct {
	conn   *stomp.Conn
	serial uint64
	closed atomic.Bool
}

// Ping opens and aborts an empty transaction, which needs a round trip on a
// live connection.
func (s *jmsSession) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return goerror.NewConnection(stomp.ErrAlreadyClosed, "jms ping")
	}
	tx, err := s.conn.BeginWithError()
	if err != nil {
		return jmsError(err, "jms ping")
	}
	if err := tx.Abort(); err != nil {
		return jmsError(err, "jms ping")
	}
	return nil
}

func (s *jmsSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.conn.Disconnect(); err != nil && !errors.Is(err, stomp.ErrAlreadyClosed) {
		return err
	}
	return nil
}

// Connect implements Adapter.
func (j *JMS) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(j.cfg.HeartBeat, j.cfg.HeartBeat),
	}
	if j.cfg.Login != "" {
		opts = append(opts, stomp.ConnOpt.Login(j.cfg.Login, j.cfg.Passcode))
	}
	if j.cfg.Host != "" {
		opts = append(opts, stomp.ConnOpt.Host(j.cfg.Host))
	}

	conn, err := stomp.Dial("tcp", j.cfg.Addr, opts...)
	if err != nil {
		return nil, goerror.NewConnection(err, "jms dial")
	}
	return &jmsSession{conn: conn, serial: j.conns.Add(1)}, nil
}

// Send implements Adapter.
func (j *JMS) Send(ctx context.Context, s Session, lane Lane, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, ok := s.(*jmsSession)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, s)
	}

	opts := []func(*frame.Frame) error{
		stomp.SendOpt.Receipt,
		stomp.SendOpt.Header("persistent", "true"),
	}
	for k, v := range msg.wireHeaders(lane) {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}
	if len(msg.Key) > 0 {
		// JMSXGroupID keeps a key on one consumer on ActiveMQ.
		opts = append(opts,
			stomp.SendOpt.Header(headerKey, string(msg.Key)),
			stomp.SendOpt.Header("JMSXGroupID", string(msg.Key)),
		)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.conn.Send(j.destination(lane), "application/octet-stream", msg.Payload, opts...)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return jmsError(err, "jms send")
		}
		return nil
	case <-ctx.Done():
		return goerror.NewTimeout(ctx.Err(), "jms send receipt")
	}
}

type jmsHandle struct {
	msg     *stomp.Message
	sess    *jmsSession
	id      string
	settled atomic.Bool
}

func (h *jmsHandle) ID() string { return h.id }

type jmsStream struct {
	sub  *stomp.Subscription
	sess *jmsSession
	lane Lane
	once sync.Once
}

// Receive implements Adapter.
func (j *JMS) Receive(ctx context.Context, s Session, lane Lane, opts ReceiveOptions) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, ok := s.(*jmsSession)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrForeignHandle, s)
	}

	subOpts := []func(*frame.Frame) error{}
	if opts.Prefetch > 0 {
		subOpts = append(subOpts, stomp.SubscribeOpt.Header("activemq.prefetchSize", strconv.Itoa(opts.Prefetch)))
	}
	sub, err := sess.conn.Subscribe(j.destination(lane), stomp.AckClientIndividual, subOpts...)
	if err != nil {
		return nil, jmsError(err, "jms subscribe")
	}
	return &jmsStream{sub: sub, sess: sess, lane: lane}, nil
}

func (s *jmsStream) Next(ctx context.Context) (Message, DeliveryHandle, error) {
	select {
	case <-ctx.Done():
		return Message{}, nil, ctx.Err()
	case m, ok := <-s.sub.C:
		if !ok {
			return Message{}, nil, goerror.NewConnection(errJMSStreamEnded, "jms receive")
		}
		if m.Err != nil {
			return Message{}, nil, jmsError(m.Err, "jms receive")
		}

		headers := make(map[string]string, m.Header.Len())
		for i := 0; i < m.Header.Len(); i++ {
			k, v := m.Header.GetAt(i)
			if _, seen := headers[k]; !seen {
				headers[k] = v
			}
		}
		var key []byte
		if k, ok := headers[headerKey]; ok {
			key = []byte(k)
		}
		attempt := 1
		if headers["redelivered"] == "true" {
			attempt = 2
		}
		if n, err := strconv.Atoi(headers["JMSXDeliveryCount"]); err == nil && n > 0 {
			attempt = n
		}

		stompID := headers[frame.MessageId]
		msg := messageFromWire(s.lane.Topic, key, m.Body, headers, stompID, attempt)
		return msg, &jmsHandle{
			msg:  m,
			sess: s.sess,
			id:   fmt.Sprintf("%d/%s", s.sess.serial, stompID),
		}, nil
	}
}

func (s *jmsStream) Close() error {
	var err error
	s.once.Do(func() {
		if !s.sub.Active() || s.sess.closed.Load() {
			return
		}
		err = s.sub.Unsubscribe()
		if errors.Is(err, stomp.ErrCompletedSubscription) || errors.Is(err, stomp.ErrAlreadyClosed) {
			err = nil
		}
	})
	return err
}

// Ack implements Adapter.
func (*JMS) Ack(_ context.Context, h DeliveryHandle) error {
	jh, ok := h.(*jmsHandle)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, h)
	}
	return jh.settle(true)
}

// Nack implements Adapter. Without requeue the message is acked: the
// coordinator has already handed it to the dead-letter sink.
func (*JMS) Nack(_ context.Context, h DeliveryHandle, requeue bool) error {
	jh, ok := h.(*jmsHandle)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignHandle, h)
	}
	return jh.settle(!requeue)
}

func (h *jmsHandle) settle(ack bool) error {
	if h.settled.Swap(true) {
		return nil
	}
	if h.sess.closed.Load() {
		return goerror.NewConnection(stomp.ErrAlreadyClosed, "jms settle")
	}

	tx, err := h.sess.conn.BeginWithError()
	if err != nil {
		return jmsError(err, "jms begin")
	}
	if ack {
		err = tx.Ack(h.msg)
	} else {
		err = tx.Nack(h.msg)
	}
	if err != nil {
		return errors.Join(jmsError(err, "jms settle"), tx.Abort())
	}
	if err := tx.Commit(); err != nil {
		return jmsError(err, "jms commit")
	}
	return nil
}

func jmsError(err error, msg string) error {
	if errors.Is(err, stomp.ErrAlreadyClosed) || errors.Is(err, stomp.ErrClosedUnexpectedly) {
		return goerror.NewConnection(err, msg)
	}

	var serr *stomp.Error
	if errors.As(err, &serr) {
		text := strings.ToLower(serr.Message)
		if serr.Frame != nil {
			text += " " + strings.ToLower(string(serr.Frame.Body))
		}
		if strings.Contains(text, "too large") || strings.Contains(text, "exceeds") || strings.Contains(text, "invalid") {
			return goerror.NewPermanent(err, msg)
		}
		return goerror.NewSend(err, msg)
	}
	return connectionError(err, msg)
}
