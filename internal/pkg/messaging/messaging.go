package messaging

import (
	"context"
	"maps"
	"strconv"
	"time"
)

// Reserved header names carried by every adapter so that message identity
// and lanes survive a round trip through any backend. Attempts come from the
// backend's own redelivery count.
const (
	HeaderMessageID  = "x-message-id"
	HeaderEnqueuedAt = "x-enqueued-at"
	HeaderLane       = "x-lane"
)

// Message is the unit of data moved through the client.
//
// A Message is treated as immutable once created. The key decides the lane.
type Message struct {
	// ID is assigned at publish time and preserved across redeliveries.
	ID string
	// Topic is the logical topic, without lane suffix.
	Topic string
	// Key drives lane selection. An empty key goes to the default lane.
	Key []byte
	// Payload is the message body.
	Payload []byte
	// Headers are user headers plus the reserved x- headers.
	Headers map[string]string
	// Attempt is 1 on first delivery and grows on every redelivery.
	Attempt int
	// EnqueuedAt is when the producer created the message.
	EnqueuedAt time.Time
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Key != nil {
		out.Key = append([]byte(nil), m.Key...)
	}
	if m.Payload != nil {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	out.Headers = maps.Clone(m.Headers)
	return out
}

// WithAttempt returns a copy of m carrying the given attempt number.
func (m Message) WithAttempt(attempt int) Message {
	out := m.Clone()
	out.Attempt = attempt
	return out
}

// Header returns a header value, or "" when absent.
func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// wireHeaders returns the headers written to the backend, including the
// reserved identity headers.
func (m Message) wireHeaders(lane Lane) map[string]string {
	h := make(map[string]string, len(m.Headers)+3)
	maps.Copy(h, m.Headers)
	h[HeaderMessageID] = m.ID
	h[HeaderEnqueuedAt] = m.EnqueuedAt.UTC().Format(time.RFC3339Nano)
	h[HeaderLane] = strconv.Itoa(lane.Index)
	return h
}

// messageFromWire rebuilds a Message from backend fields. fallbackID is used
// when the producer did not stamp an ID (foreign producers).
func messageFromWire(topic string, key, payload []byte, headers map[string]string, fallbackID string, attempt int) Message {
	msg := Message{
		ID:      fallbackID,
		Topic:   topic,
		Key:     key,
		Payload: payload,
		Headers: headers,
		Attempt: attempt,
	}
	if id := headers[HeaderMessageID]; id != "" {
		msg.ID = id
	}
	if ts := headers[HeaderEnqueuedAt]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.EnqueuedAt = t
		}
	}
	if msg.Attempt < 1 {
		msg.Attempt = 1
	}
	return msg
}

// PublishResult carries broker metadata for an accepted message.
type PublishResult struct {
	// MessageID is the ID stamped on the message.
	MessageID string
	// Lane is the lane the message was routed to.
	Lane Lane
	// Timestamp is when the backend accepted the message.
	Timestamp time.Time
}

// Result is what a Handler returns for a delivered message. The zero Result
// is a nack with requeue.
type Result struct {
	ack  bool
	drop bool
}

// Ack reports successful processing.
func Ack() Result {
	return Result{ack: true}
}

// Nack reports failed processing. With requeue the message is redelivered
// until the attempt limit; without it goes straight to the dead-letter sink.
func Nack(requeue bool) Result {
	return Result{drop: !requeue}
}

// Acked reports whether r is an ack.
func (r Result) Acked() bool { return r.ack }

// Requeue reports whether a nack asked for redelivery.
func (r Result) Requeue() bool { return !r.ack && !r.drop }

// Handler processes a delivered message. It must be idempotent: delivery is
// at-least-once.
type Handler func(ctx context.Context, msg Message) Result
