package usecase

import (
	"context"
	"sync"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/shandysiswandi/unimq/internal/pkg/config"
	"github.com/shandysiswandi/unimq/internal/pkg/goroutine"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/messaging"
	"github.com/shandysiswandi/unimq/internal/pkg/uid"
	"github.com/shandysiswandi/unimq/internal/pkg/validator"
	"go.opentelemetry.io/otel/trace"
)

const (
	TopicTasks   = "analysis.tasks"
	TopicResults = "analysis.results"
)

type publisher interface {
	Publish(ctx context.Context, topic string, key, payload []byte, headers map[string]string) (messaging.PublishResult, error)
}

type repoReport interface {
	Save(ctx context.Context, jobID string, report entity.Report) (string, error)
	Load(ctx context.Context, jobID string) (*entity.Report, error)
}

type Usecase struct {
	ctx        context.Context
	cfg        config.Config
	uuid       uid.StringID
	clock      clock.Clocker
	validator  validator.Validator
	routine    *goroutine.Manager
	publisher  publisher
	repoReport repoReport
	ins        instrument.Instrumentation

	mu   sync.RWMutex
	jobs map[string]*jobState
}

type Dependency struct {
	// Ctx bounds background job runs.
	Ctx        context.Context
	Config     config.Config
	UUID       uid.StringID
	Clock      clock.Clocker
	Validator  validator.Validator
	Goroutine  *goroutine.Manager
	Publisher  publisher
	RepoReport repoReport
	Instrument instrument.Instrumentation
}

func NewAnalysis(dep Dependency) *Usecase {
	ctx := dep.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	return &Usecase{
		ctx:        ctx,
		cfg:        dep.Config,
		uuid:       dep.UUID,
		clock:      dep.Clock,
		validator:  dep.Validator,
		routine:    dep.Goroutine,
		publisher:  dep.Publisher,
		repoReport: dep.RepoReport,
		ins:        dep.Instrument,
		jobs:       make(map[string]*jobState),
	}
}

func (s *Usecase) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.ins.Tracer("analysis.usecase").Start(ctx, name)
}

// defaults reads the job options configured under modules.analysis.
func (s *Usecase) defaults() entity.Options {
	opts := entity.Options{
		Mode:        entity.ModeParallel,
		ChunkBy:     entity.ChunkByParagraphs,
		ChunkSize:   100,
		TopN:        20,
		Placeholder: DefaultPlaceholder,
	}
	if s.cfg == nil {
		return opts
	}

	if m, err := entity.ParseMode(s.cfg.GetString("modules.analysis.mode")); err == nil {
		opts.Mode = m
	}
	if c, err := entity.ParseChunkBy(s.cfg.GetString("modules.analysis.chunk_by")); err == nil {
		opts.ChunkBy = c
	}
	if n := s.cfg.GetInt("modules.analysis.chunk_size"); n > 0 {
		opts.ChunkSize = n
	}
	if n := s.cfg.GetInt("modules.analysis.top_n"); n > 0 {
		opts.TopN = n
	}
	if p := s.cfg.GetString("modules.analysis.placeholder"); p != "" {
		opts.Placeholder = p
	}

	return opts
}
