package inbound

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/shandysiswandi/unimq/internal/analysis/outbound/report"
	"github.com/shandysiswandi/unimq/internal/pkg/config"
	"github.com/shandysiswandi/unimq/internal/pkg/goroutine"
)

const defaultOutput = "out.json"

type ucRunner interface {
	RunJob(ctx context.Context, r io.Reader, opts entity.Options) (*entity.Job, error)
}

// RegisterInputFile runs one job over modules.analysis.input, when set, and
// writes its report to modules.analysis.output.
func RegisterInputFile(ctx context.Context, cfg config.Config, routine *goroutine.Manager, uc ucRunner) {
	input := cfg.GetString("modules.analysis.input")
	if input == "" {
		return
	}
	output := cfg.GetString("modules.analysis.output")
	if output == "" {
		output = defaultOutput
	}

	routine.Go(ctx, func(pCtx context.Context) error {
		f, err := os.Open(input)
		if err != nil {
			slog.ErrorContext(pCtx, "failed to open analysis input", "input", input, "error", err)
			return err
		}
		defer f.Close()

		job, err := uc.RunJob(pCtx, f, entity.Options{})
		if err != nil {
			slog.ErrorContext(pCtx, "failed to run analysis input", "input", input, "error", err)
			return err
		}

		if err := report.WriteFile(output, *job.Report); err != nil {
			slog.ErrorContext(pCtx, "failed to write analysis output", "output", output, "error", err)
			return err
		}

		slog.InfoContext(pCtx, "analysis input processed",
			"input", input,
			"output", output,
			"job_id", job.ID,
			"tasks", job.Tasks,
			"duration", job.Duration(job.FinishedAt).String(),
		)
		return nil
	})
}
