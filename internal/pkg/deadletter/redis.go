package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shandysiswandi/unimq/internal/pkg/messaging"
)

const (
	fieldMessageID  = "message_id"
	fieldKey        = "key"
	fieldPayload    = "payload"
	fieldAttempt    = "attempt"
	fieldReason     = "reason"
	fieldEnqueuedAt = "enqueued_at"
	fieldFailedAt   = "failed_at"
	fieldHeaderPfx  = "h:"
)

// RedisStream appends dead letters to the stream "<prefix><topic>".
type RedisStream struct {
	client redis.UniversalClient
	opts   options
	maxLen int64
}

var _ Sink = (*RedisStream)(nil)

// NewRedisStream returns a sink writing to Redis streams. A positive maxLen
// trims each stream approximately to that many entries.
func NewRedisStream(client redis.UniversalClient, maxLen int64, opts ...Option) *RedisStream {
	return &RedisStream{
		client: client,
		opts:   newOptions("dlq:", opts),
		maxLen: maxLen,
	}
}

func (s *RedisStream) stream(topic string) string {
	return s.opts.prefix + topic
}

// DeadLetter implements messaging.DeadLetterSink.
func (s *RedisStream) DeadLetter(ctx context.Context, msg messaging.Message, reason string) error {
	rec := NewRecord(msg, reason, s.opts.clock.Now())

	vals := map[string]any{
		fieldMessageID:  rec.MessageID,
		fieldKey:        rec.Key,
		fieldPayload:    rec.Payload,
		fieldAttempt:    rec.Attempt,
		fieldReason:     rec.Reason,
		fieldEnqueuedAt: rec.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		fieldFailedAt:   rec.FailedAt.Format(time.RFC3339Nano),
	}
	for k, v := range rec.Headers {
		vals[fieldHeaderPfx+k] = v
	}

	args := &redis.XAddArgs{
		Stream: s.stream(msg.Topic),
		ID:     "*",
		Values: vals,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

// List implements Lister.
func (s *RedisStream) List(ctx context.Context, topic string, limit int) ([]Record, error) {
	if topic == "" {
		return nil, ErrTopicRequired
	}
	entries, err := s.client.XRevRangeN(ctx, s.stream(topic), "+", "-", int64(listLimit(limit))).Result()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, decodeStreamEntry(topic, e.Values))
	}
	return records, nil
}

func decodeStreamEntry(topic string, vals map[string]any) Record {
	rec := Record{Topic: topic}
	for k, v := range vals {
		sv := asString(v)
		switch k {
		case fieldMessageID:
			rec.MessageID = sv
		case fieldKey:
			rec.Key = sv
		case fieldPayload:
			rec.Payload = []byte(sv)
		case fieldAttempt:
			rec.Attempt, _ = strconv.Atoi(sv)
		case fieldReason:
			rec.Reason = sv
		case fieldEnqueuedAt:
			rec.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, sv)
		case fieldFailedAt:
			rec.FailedAt, _ = time.Parse(time.RFC3339Nano, sv)
		default:
			if name, ok := strings.CutPrefix(k, fieldHeaderPfx); ok {
				if rec.Headers == nil {
					rec.Headers = make(map[string]string)
				}
				rec.Headers[name] = sv
			}
		}
	}
	return rec
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
