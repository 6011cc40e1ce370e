package analysis

import (
	"context"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/shandysiswandi/unimq/internal/analysis/inbound"
	"github.com/shandysiswandi/unimq/internal/analysis/outbound/report"
	"github.com/shandysiswandi/unimq/internal/analysis/usecase"
	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/shandysiswandi/unimq/internal/pkg/config"
	"github.com/shandysiswandi/unimq/internal/pkg/goroutine"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/messaging"
	"github.com/shandysiswandi/unimq/internal/pkg/router"
	"github.com/shandysiswandi/unimq/internal/pkg/storage"
	"github.com/shandysiswandi/unimq/internal/pkg/uid"
	"github.com/shandysiswandi/unimq/internal/pkg/validator"
)

type Dependency struct {
	Ctx        context.Context
	Messaging  *messaging.Client
	Storage    storage.Store
	Config     config.Config
	Instrument instrument.Instrumentation
	UUID       uid.StringID
	Clock      clock.Clocker
	Goroutine  *goroutine.Manager
	Validator  validator.Validator
	Router     *router.Router
}

func New(dep Dependency) error {
	var repoReport interface {
		Save(ctx context.Context, jobID string, r entity.Report) (string, error)
		Load(ctx context.Context, jobID string) (*entity.Report, error)
	}
	if dep.Storage != nil {
		repoReport = report.NewBlob(dep.Storage, dep.Config.GetString("modules.analysis.report_prefix"), dep.Instrument)
	} else {
		repoReport = report.NewFile(dep.Config.GetString("modules.analysis.report_dir"))
	}

	uc := usecase.NewAnalysis(usecase.Dependency{
		Ctx:        dep.Ctx,
		Config:     dep.Config,
		UUID:       dep.UUID,
		Clock:      dep.Clock,
		Validator:  dep.Validator,
		Goroutine:  dep.Goroutine,
		Publisher:  dep.Messaging,
		RepoReport: repoReport,
		Instrument: dep.Instrument,
	})

	inbound.RegisterHTTPEndpoint(dep.Router, uc, dep.Clock)
	if dep.Ctx != nil {
		inbound.RegisterMQConsumer(dep.Ctx, dep.Config, dep.Goroutine, dep.Messaging, dep.UUID, uc, dep.Instrument)
		inbound.RegisterInputFile(dep.Ctx, dep.Config, dep.Goroutine, uc)
	}

	return nil
}
