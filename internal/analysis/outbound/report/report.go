package report

import (
	"context"
	"errors"
	"path"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/storage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultPrefix = "reports/"

// Blob keeps reports as indented JSON objects in an object store.
type Blob struct {
	store  storage.Store
	prefix string
	ins    instrument.Instrumentation
}

func NewBlob(store storage.Store, prefix string, ins instrument.Instrumentation) *Blob {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Blob{store: store, prefix: prefix, ins: ins}
}

func (b *Blob) key(jobID string) string {
	return path.Join(b.prefix, jobID+".json")
}

// Save stores report and returns its object key.
func (b *Blob) Save(ctx context.Context, jobID string, report entity.Report) (_ string, err error) {
	ctx, span := b.startSpan(ctx, "Save")
	defer func() { b.endSpan(span, err) }()

	info, err := storage.PutJSON(ctx, b.store, b.key(jobID), report, map[string]string{"job_id": jobID})
	if err != nil {
		return "", err
	}

	return info.Key, nil
}

func (b *Blob) Load(ctx context.Context, jobID string) (_ *entity.Report, err error) {
	ctx, span := b.startSpan(ctx, "Load")
	defer func() { b.endSpan(span, err) }()

	var report entity.Report
	if err := storage.GetJSON(ctx, b.store, b.key(jobID), &report); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, goerror.ErrNotFound
		}
		return nil, err
	}

	return &report, nil
}

func (b *Blob) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return b.ins.Tracer("analysis.outbound.report").Start(ctx, name)
}

func (b *Blob) endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, goerror.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
