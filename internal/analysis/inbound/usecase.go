package inbound

import (
	"context"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/shandysiswandi/unimq/internal/analysis/usecase"
)

type ucWorker interface {
	ProcessTask(ctx context.Context, task entity.Task) error
	CollectResult(ctx context.Context, result entity.Result) error
}

type uc interface {
	ucWorker
	ucRunner

	StartJob(ctx context.Context, in usecase.StartJobInput) (*entity.Job, error)
	GetJob(ctx context.Context, in usecase.GetJobInput) (*entity.Job, error)
	ListJobs(ctx context.Context) ([]entity.Job, error)
}
