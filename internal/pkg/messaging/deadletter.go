package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DeadLetterSink receives messages that failed permanently.
//
// Returning an error hands the message back to the backend for redelivery, so
// a dead letter is never lost silently.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, msg Message, reason string) error
}

// DeadLetterFunc adapts a function to DeadLetterSink.
type DeadLetterFunc func(ctx context.Context, msg Message, reason string) error

// DeadLetter implements DeadLetterSink.
func (f DeadLetterFunc) DeadLetter(ctx context.Context, msg Message, reason string) error {
	return f(ctx, msg, reason)
}

// LogDeadLetter writes dead letters to the default logger.
type LogDeadLetter struct{}

// DeadLetter implements DeadLetterSink.
func (LogDeadLetter) DeadLetter(ctx context.Context, msg Message, reason string) error {
	slog.ErrorContext(ctx, "message dead-lettered",
		"message_id", msg.ID,
		"topic", msg.Topic,
		"key", string(msg.Key),
		"attempt", msg.Attempt,
		"reason", reason,
	)
	return nil
}

// DeadLetter is one entry captured by MemoryDeadLetter.
type DeadLetter struct {
	Message Message
	Reason  string
	At      time.Time
}

// MemoryDeadLetter keeps dead letters in memory.
type MemoryDeadLetter struct {
	mu      sync.Mutex
	entries []DeadLetter
}

// NewMemoryDeadLetter returns an empty sink.
func NewMemoryDeadLetter() *MemoryDeadLetter {
	return &MemoryDeadLetter{}
}

// DeadLetter implements DeadLetterSink.
func (m *MemoryDeadLetter) DeadLetter(_ context.Context, msg Message, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, DeadLetter{Message: msg.Clone(), Reason: reason, At: time.Now()})
	return nil
}

// Entries returns a copy of the captured dead letters.
func (m *MemoryDeadLetter) Entries() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.entries...)
}

// Len returns the number of captured dead letters.
func (m *MemoryDeadLetter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// FirstOf tries each sink in order and stops at the first success.
func FirstOf(sinks ...DeadLetterSink) DeadLetterSink {
	return DeadLetterFunc(func(ctx context.Context, msg Message, reason string) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			err := s.DeadLetter(ctx, msg, reason)
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return errors.New("messaging: no dead-letter sink configured")
		}
		return errors.Join(errs...)
	})
}

// Publisher is the producer side of a Client.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, payload []byte, headers map[string]string) (PublishResult, error)
}

// TopicDeadLetter republishes dead letters to "<topic><suffix>" through a
// Publisher, keeping the original key so per-key order survives.
type TopicDeadLetter struct {
	Publisher Publisher
	Suffix    string
}

// DeadLetter implements DeadLetterSink.
func (t TopicDeadLetter) DeadLetter(ctx context.Context, msg Message, reason string) error {
	suffix := t.Suffix
	if suffix == "" {
		suffix = ".dlq"
	}
	headers := msg.Clone().Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headers["x-dead-letter-reason"] = reason
	headers["x-original-message-id"] = msg.ID
	headers["x-original-topic"] = msg.Topic
	_, err := t.Publisher.Publish(ctx, msg.Topic+suffix, msg.Key, msg.Payload, headers)
	return err
}
