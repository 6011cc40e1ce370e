package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/messaging"
	"github.com/shandysiswandi/unimq/internal/pkg/valueobject"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	createTable = `create table if not exists %[1]s (
	message_id  text primary key,
	topic       text not null,
	msg_key     text not null default '',
	payload     bytea not null,
	headers     jsonb not null default '{}'::jsonb,
	attempt     integer not null,
	reason      text not null,
	enqueued_at timestamptz,
	failed_at   timestamptz not null
)`
	createIndex = "create index if not exists %[1]s_topic_failed_at_idx on %[1]s (topic, failed_at desc)"

	// A message dead-lettered twice keeps one row with the latest failure.
	upsertRow = `insert into %[1]s
	(message_id, topic, msg_key, payload, headers, attempt, reason, enqueued_at, failed_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	on conflict (message_id) do update set
	attempt = excluded.attempt, reason = excluded.reason, failed_at = excluded.failed_at`
	selectRows = `select message_id, topic, msg_key, payload, headers, attempt, reason,
	enqueued_at, failed_at
	from %[1]s where topic = $1 order by failed_at desc limit $2`
)

// Commander is the subset of pgxpool.Pool used by Postgres.
type Commander interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres keeps dead letters in a table keyed by message ID.
type Postgres struct {
	db    Commander
	ins   instrument.Instrumentation
	opts  options
	table string
}

var _ Sink = (*Postgres)(nil)

// NewPostgres returns a Postgres sink. The table name is the prefix option,
// "dead_letters" by default.
func NewPostgres(db Commander, ins instrument.Instrumentation, opts ...Option) *Postgres {
	o := newOptions("dead_letters", opts)
	return &Postgres{
		db:    db,
		ins:   ins,
		opts:  o,
		table: lo.SnakeCase(o.prefix),
	}
}

// Migrate creates the table and its index when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, fmt.Sprintf(createTable, p.table)); err != nil {
		return fmt.Errorf("deadletter: create table: %w", err)
	}
	if _, err := p.db.Exec(ctx, fmt.Sprintf(createIndex, p.table)); err != nil {
		return fmt.Errorf("deadletter: create index: %w", err)
	}
	return nil
}

// DeadLetter implements messaging.DeadLetterSink.
func (p *Postgres) DeadLetter(ctx context.Context, msg messaging.Message, reason string) (err error) {
	ctx, span := p.startSpan(ctx, "DeadLetter")
	defer func() { p.endSpan(span, err) }()

	rec := NewRecord(msg, reason, p.opts.clock.Now())

	var enqueuedAt any
	if !rec.EnqueuedAt.IsZero() {
		enqueuedAt = rec.EnqueuedAt
	}
	_, err = p.db.Exec(ctx, fmt.Sprintf(upsertRow, p.table),
		rec.MessageID, rec.Topic, rec.Key, rec.Payload, valueobject.Headers(rec.Headers), rec.Attempt, rec.Reason, enqueuedAt, rec.FailedAt)
	return err
}

// List implements Lister.
func (p *Postgres) List(ctx context.Context, topic string, limit int) (records []Record, err error) {
	if topic == "" {
		return nil, ErrTopicRequired
	}
	ctx, span := p.startSpan(ctx, "List")
	defer func() { p.endSpan(span, err) }()

	rows, err := p.db.Query(ctx, fmt.Sprintf(selectRows, p.table), topic, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec        Record
			headers    valueobject.Headers
			enqueuedAt *time.Time
		)
		if err := rows.Scan(&rec.MessageID, &rec.Topic, &rec.Key, &rec.Payload, &headers,
			&rec.Attempt, &rec.Reason, &enqueuedAt, &rec.FailedAt); err != nil {
			return nil, err
		}
		rec.Headers = headers
		if enqueuedAt != nil {
			rec.EnqueuedAt = *enqueuedAt
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *Postgres) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.ins.Tracer("deadletter.postgres").Start(ctx, name)
}

func (p *Postgres) endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
