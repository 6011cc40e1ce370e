// Package deadletter stores messages that exhausted their delivery attempts.
//
// Every sink implements messaging.DeadLetterSink and can list what it holds,
// so operators can inspect poison messages without reading the backend.
package deadletter

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/shandysiswandi/unimq/internal/pkg/messaging"
)

// ErrTopicRequired is returned by List when no topic is given.
var ErrTopicRequired = errors.New("deadletter: topic is required")

// Record is a dead-lettered message as stored by a sink.
type Record struct {
	MessageID  string            `json:"message_id"`
	Topic      string            `json:"topic"`
	Key        string            `json:"key,omitempty"`
	Payload    []byte            `json:"payload"`
	Headers    map[string]string `json:"headers,omitempty"`
	Attempt    int               `json:"attempt"`
	Reason     string            `json:"reason"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	FailedAt   time.Time         `json:"failed_at"`
}

// NewRecord captures msg as it was on its final attempt.
func NewRecord(msg messaging.Message, reason string, failedAt time.Time) Record {
	return Record{
		MessageID:  msg.ID,
		Topic:      msg.Topic,
		Key:        string(msg.Key),
		Payload:    append([]byte(nil), msg.Payload...),
		Headers:    maps.Clone(msg.Headers),
		Attempt:    msg.Attempt,
		Reason:     reason,
		EnqueuedAt: msg.EnqueuedAt,
		FailedAt:   failedAt.UTC(),
	}
}

// Message rebuilds the message, for replays.
func (r Record) Message() messaging.Message {
	msg := messaging.Message{
		ID:         r.MessageID,
		Topic:      r.Topic,
		Payload:    r.Payload,
		Headers:    maps.Clone(r.Headers),
		Attempt:    r.Attempt,
		EnqueuedAt: r.EnqueuedAt,
	}
	if r.Key != "" {
		msg.Key = []byte(r.Key)
	}
	return msg
}

// Lister reads back the most recent records of a topic, newest first.
type Lister interface {
	List(ctx context.Context, topic string, limit int) ([]Record, error)
}

// Sink is a dead-letter destination that can also be listed.
type Sink interface {
	messaging.DeadLetterSink
	Lister
}

type options struct {
	clock  clock.Clocker
	prefix string
}

// Option configures a sink.
type Option func(*options)

// WithClock sets the time source stamped as FailedAt.
func WithClock(c clock.Clocker) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithPrefix sets the stream name, table name or object key prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

func newOptions(defaultPrefix string, opts []Option) options {
	o := options{clock: clock.New(), prefix: defaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
