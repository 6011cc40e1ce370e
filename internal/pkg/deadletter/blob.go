package deadletter

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/shandysiswandi/unimq/internal/pkg/messaging"
	"github.com/shandysiswandi/unimq/internal/pkg/storage"
)

// Blob archives each dead letter as a JSON object under
// "<prefix><topic>/<yyyy>/<mm>/<dd>/<failed-at-nanos>-<message-id>.json".
type Blob struct {
	store storage.Store
	opts  options
}

var _ Sink = (*Blob)(nil)

// NewBlob returns a sink writing to store.
func NewBlob(store storage.Store, opts ...Option) *Blob {
	return &Blob{store: store, opts: newOptions("dead-letters/", opts)}
}

func (b *Blob) key(rec Record) string {
	return fmt.Sprintf("%s%s/%s/%019d-%s.json",
		b.opts.prefix, rec.Topic, rec.FailedAt.Format("2006/01/02"), rec.FailedAt.UnixNano(), rec.MessageID)
}

// DeadLetter implements messaging.DeadLetterSink.
func (b *Blob) DeadLetter(ctx context.Context, msg messaging.Message, reason string) error {
	rec := NewRecord(msg, reason, b.opts.clock.Now())
	_, err := storage.PutJSON(ctx, b.store, b.key(rec), rec, map[string]string{
		"message-id": rec.MessageID,
		"topic":      rec.Topic,
		"attempt":    strconv.Itoa(rec.Attempt),
	})
	return err
}

// List implements Lister. Keys sort by failure time, so the newest objects
// are the last ones listed.
func (b *Blob) List(ctx context.Context, topic string, limit int) ([]Record, error) {
	if topic == "" {
		return nil, ErrTopicRequired
	}
	objs, err := b.store.List(ctx, b.opts.prefix+topic+"/", 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key > objs[j].Key })
	if n := listLimit(limit); len(objs) > n {
		objs = objs[:n]
	}

	records := make([]Record, 0, len(objs))
	for _, obj := range objs {
		var rec Record
		if err := storage.GetJSON(ctx, b.store, obj.Key, &rec); err != nil {
			return nil, fmt.Errorf("deadletter: read %s: %w", obj.Key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
