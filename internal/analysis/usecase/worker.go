package usecase

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
)

// ProcessTask computes the statistics of one task and publishes them to the
// result topic, keyed by job so that one job's results share a lane.
func (s *Usecase) ProcessTask(ctx context.Context, task entity.Task) error {
	ctx, span := s.startSpan(ctx, "ProcessTask")
	defer span.End()

	if task.ID == "" || task.JobID == "" {
		return goerror.NewPermanent(nil, "task without task_id or job_id")
	}

	payload, err := json.Marshal(Process(task))
	if err != nil {
		return goerror.NewPermanent(err, "encode result")
	}

	if _, err := s.publisher.Publish(ctx, TopicResults, []byte(task.JobID), payload, s.headers(ctx, task.JobID)); err != nil {
		slog.ErrorContext(ctx, "failed to publish analysis result", "task_id", task.ID, "error", err)
		return err
	}

	return nil
}

// CollectResult merges a result into its job and finishes the job once every
// task has reported. Results of unknown or finished jobs are ignored.
func (s *Usecase) CollectResult(ctx context.Context, result entity.Result) error {
	ctx, span := s.startSpan(ctx, "CollectResult")
	defer span.End()

	if result.TaskID == "" || result.JobID == "" {
		return goerror.NewPermanent(nil, "result without task_id or job_id")
	}

	js := s.lookup(result.JobID)
	if js == nil {
		slog.WarnContext(ctx, "result for unknown analysis job", "job_id", result.JobID, "task_id", result.TaskID)
		return nil
	}

	select {
	case <-js.done:
		return nil
	default:
	}

	if !js.agg.Add(result) {
		slog.DebugContext(ctx, "duplicate analysis result", "job_id", result.JobID, "task_id", result.TaskID)
		return nil
	}
	if js.agg.Complete() {
		s.finish(ctx, js)
	}

	return nil
}
