package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
)

const maxJobs = 256

var errJobNotFound = goerror.NewBusiness("analysis job not found", goerror.CodeNotFound)

type jobState struct {
	mu   sync.Mutex
	job  entity.Job
	agg  *Aggregator
	once sync.Once
	done chan struct{}
}

func (js *jobState) snapshot() entity.Job {
	js.mu.Lock()
	defer js.mu.Unlock()

	job := js.job
	job.Received = js.agg.Received()
	return job
}

type StartJobInput struct {
	Text        string `validate:"required"`
	Mode        string `validate:"omitempty,oneof=serial parallel"`
	ChunkBy     string `validate:"omitempty,oneof=paragraphs sentences bytes"`
	ChunkSize   int    `validate:"omitempty,gte=1,lte=1000000"`
	TopN        int    `validate:"omitempty,gte=1,lte=1000"`
	Placeholder string `validate:"omitempty,max=64"`
}

// StartJob registers a job over in.Text and runs it in the background.
func (s *Usecase) StartJob(ctx context.Context, in StartJobInput) (*entity.Job, error) {
	ctx, span := s.startSpan(ctx, "StartJob")
	defer span.End()

	in.Mode = strings.ToLower(strings.TrimSpace(in.Mode))
	in.ChunkBy = strings.ToLower(strings.TrimSpace(in.ChunkBy))

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	opts := s.defaults()
	if in.Mode != "" {
		opts.Mode = entity.Mode(in.Mode)
	}
	if in.ChunkBy != "" {
		opts.ChunkBy = entity.ChunkBy(in.ChunkBy)
	}
	if in.ChunkSize > 0 {
		opts.ChunkSize = in.ChunkSize
	}
	if in.TopN > 0 {
		opts.TopN = in.TopN
	}
	if in.Placeholder != "" {
		opts.Placeholder = in.Placeholder
	}

	js := s.register(opts)
	cID := instrument.GetCorrelationID(ctx)
	text := in.Text

	s.routine.Go(s.ctx, func(ctx context.Context) error {
		if cID != "" {
			ctx = instrument.SetCorrelationID(ctx, cID)
		}
		s.run(ctx, js, strings.NewReader(text))
		return nil
	})

	slog.InfoContext(ctx, "analysis job started", "job_id", js.job.ID, "mode", opts.Mode, "chunk_by", opts.ChunkBy)

	job := js.snapshot()
	return &job, nil
}

// RunJob runs a job over r and blocks until its report is written or ctx is
// done. The zero fields of opts take the configured defaults.
func (s *Usecase) RunJob(ctx context.Context, r io.Reader, opts entity.Options) (*entity.Job, error) {
	ctx, span := s.startSpan(ctx, "RunJob")
	defer span.End()

	def := s.defaults()
	if opts.Mode == "" {
		opts.Mode = def.Mode
	}
	if opts.ChunkBy == "" {
		opts.ChunkBy = def.ChunkBy
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.TopN <= 0 {
		opts.TopN = def.TopN
	}
	if opts.Placeholder == "" {
		opts.Placeholder = def.Placeholder
	}

	js := s.register(opts)
	s.run(ctx, js, r)

	select {
	case <-js.done:
	case <-ctx.Done():
		return nil, goerror.NewTimeout(ctx.Err(), "wait for analysis results")
	}

	job := js.snapshot()
	if job.Status == entity.JobFailed {
		return &job, goerror.NewServer(errors.New(job.Error))
	}
	return &job, nil
}

type GetJobInput struct {
	ID string `validate:"required"`
}

// GetJob returns a tracked job, or a completed job rebuilt from its stored
// report when this process no longer tracks it.
func (s *Usecase) GetJob(ctx context.Context, in GetJobInput) (*entity.Job, error) {
	ctx, span := s.startSpan(ctx, "GetJob")
	defer span.End()

	in.ID = strings.TrimSpace(in.ID)
	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	if js := s.lookup(in.ID); js != nil {
		job := js.snapshot()
		return &job, nil
	}

	report, err := s.repoReport.Load(ctx, in.ID)
	if errors.Is(err, goerror.ErrNotFound) {
		return nil, errJobNotFound
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to repo load report", "job_id", in.ID, "error", err)
		return nil, goerror.NewServer(err)
	}

	return &entity.Job{ID: in.ID, Status: entity.JobCompleted, Report: report}, nil
}

// ListJobs returns the tracked jobs, newest first.
func (s *Usecase) ListJobs(ctx context.Context) ([]entity.Job, error) {
	_, span := s.startSpan(ctx, "ListJobs")
	defer span.End()

	s.mu.RLock()
	jobs := make([]entity.Job, 0, len(s.jobs))
	for _, js := range s.jobs {
		jobs = append(jobs, js.snapshot())
	}
	s.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b entity.Job) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return jobs, nil
}

func (s *Usecase) register(opts entity.Options) *jobState {
	js := &jobState{
		job: entity.Job{
			ID:        s.uuid.Generate(),
			Options:   opts,
			Status:    entity.JobRunning,
			StartedAt: s.clock.Now(),
		},
		agg:  NewAggregator(),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.jobs[js.job.ID] = js
	s.pruneLocked()
	s.mu.Unlock()

	return js
}

// pruneLocked forgets the oldest finished jobs once more than maxJobs are
// tracked. Their reports stay readable through the report sink.
func (s *Usecase) pruneLocked() {
	if len(s.jobs) <= maxJobs {
		return
	}

	finished := make([]entity.Job, 0, len(s.jobs))
	for _, js := range s.jobs {
		if job := js.snapshot(); job.Status != entity.JobRunning {
			finished = append(finished, job)
		}
	}
	slices.SortFunc(finished, func(a, b entity.Job) int {
		return a.FinishedAt.Compare(b.FinishedAt)
	})
	for _, job := range finished {
		if len(s.jobs) <= maxJobs {
			return
		}
		delete(s.jobs, job.ID)
	}
}

func (s *Usecase) lookup(id string) *jobState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

// run splits r into tasks. Serial jobs are processed in place; parallel jobs
// publish every task and finish when the last result is collected.
func (s *Usecase) run(ctx context.Context, js *jobState, r io.Reader) {
	opts := js.job.Options
	splitter := NewSplitter(r, opts.ChunkBy, opts.ChunkSize)

	seq := 0
	for {
		chunk, err := splitter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.fail(ctx, js, fmt.Errorf("split input: %w", err))
			return
		}

		task := entity.Task{
			ID:          fmt.Sprintf("%s-%06d", js.job.ID, seq),
			JobID:       js.job.ID,
			Seq:         seq,
			Chunk:       chunk,
			Placeholder: opts.Placeholder,
		}
		seq++

		if opts.Mode == entity.ModeSerial {
			js.agg.Add(Process(task))
			continue
		}
		if err := s.publishTask(ctx, task); err != nil {
			s.fail(ctx, js, fmt.Errorf("publish task %s: %w", task.ID, err))
			return
		}
	}

	js.mu.Lock()
	js.job.Tasks = seq
	js.mu.Unlock()

	js.agg.Expect(seq)
	if js.agg.Complete() {
		s.finish(ctx, js)
	}
}

func (s *Usecase) publishTask(ctx context.Context, task entity.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	_, err = s.publisher.Publish(ctx, TopicTasks, []byte(task.ID), payload, s.headers(ctx, task.JobID))
	return err
}

func (s *Usecase) headers(ctx context.Context, jobID string) map[string]string {
	h := map[string]string{"job_id": jobID}
	if cID := instrument.GetCorrelationID(ctx); cID != "" {
		h[instrument.HeaderCorrelationID] = cID
	}
	return h
}

func (s *Usecase) finish(ctx context.Context, js *jobState) {
	js.once.Do(func() {
		defer close(js.done)

		report := js.agg.Report(js.job.Options.TopN)
		location, err := s.repoReport.Save(ctx, js.job.ID, report)

		js.mu.Lock()
		js.job.Report = &report
		js.job.FinishedAt = s.clock.Now()
		if err != nil {
			js.job.Status = entity.JobFailed
			js.job.Error = err.Error()
		} else {
			js.job.Status = entity.JobCompleted
			js.job.Location = location
		}
		job := js.job
		js.mu.Unlock()

		if err != nil {
			slog.ErrorContext(ctx, "failed to repo save report", "job_id", job.ID, "error", err)
			return
		}

		slog.InfoContext(ctx, "analysis job completed",
			"job_id", job.ID,
			"tasks", job.Tasks,
			"total_word_count", report.TotalWordCount,
			"location", location,
			"duration", job.Duration(job.FinishedAt).String(),
		)
	})
}

func (s *Usecase) fail(ctx context.Context, js *jobState, cause error) {
	js.once.Do(func() {
		defer close(js.done)

		js.mu.Lock()
		js.job.Status = entity.JobFailed
		js.job.Error = cause.Error()
		js.job.FinishedAt = s.clock.Now()
		js.mu.Unlock()

		slog.ErrorContext(ctx, "analysis job failed", "job_id", js.job.ID, "error", cause)
	})
}
