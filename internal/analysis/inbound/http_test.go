package inbound

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/shandysiswandi/unimq/internal/analysis/usecase"
	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/shandysiswandi/unimq/internal/pkg/config"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/router"
	"github.com/shandysiswandi/unimq/internal/pkg/uid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var startedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeUsecase struct {
	mu       sync.Mutex
	started  usecase.StartJobInput
	startErr error
	jobs     map[string]entity.Job
	tasks    []entity.Task
	results  []entity.Result
	cIDs     []string
	workErr  error
}

func (f *fakeUsecase) ProcessTask(ctx context.Context, task entity.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cIDs = append(f.cIDs, instrument.GetCorrelationID(ctx))
	f.tasks = append(f.tasks, task)
	return f.workErr
}

func (f *fakeUsecase) CollectResult(_ context.Context, result entity.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return f.workErr
}

func (f *fakeUsecase) RunJob(context.Context, io.Reader, entity.Options) (*entity.Job, error) {
	return nil, goerror.NewServer(nil)
}

func (f *fakeUsecase) StartJob(_ context.Context, in usecase.StartJobInput) (*entity.Job, error) {
	f.started = in
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &entity.Job{
		ID:        "job-1",
		Status:    entity.JobRunning,
		StartedAt: startedAt,
		Options:   entity.Options{Mode: entity.ModeParallel, ChunkBy: entity.ChunkByParagraphs, ChunkSize: 10, TopN: 5},
	}, nil
}

func (f *fakeUsecase) GetJob(_ context.Context, in usecase.GetJobInput) (*entity.Job, error) {
	job, ok := f.jobs[in.ID]
	if !ok {
		return nil, goerror.NewBusiness("analysis job not found", goerror.CodeNotFound)
	}
	return &job, nil
}

func (f *fakeUsecase) ListJobs(context.Context) ([]entity.Job, error) {
	jobs := make([]entity.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func newHTTPTestRouter(t *testing.T, uc uc) *router.Router {
	t.Helper()

	cfg, err := config.NewViperFromBytes("yaml", []byte("app: {}\n"))
	require.NoError(t, err)

	r := router.NewRouter(router.Config{Config: cfg, UUID: uid.NewUUID(), Instrument: instrument.NewNoop()})
	RegisterHTTPEndpoint(r, uc, clock.NewFake(startedAt.Add(1500*time.Millisecond)))
	return r
}

type envelope struct {
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Error   map[string]string `json:"error"`
}

func call(t *testing.T, h http.Handler, method, target, body string) (int, envelope) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestHTTPStartJob(t *testing.T) {
	t.Parallel()

	fake := &fakeUsecase{}
	r := newHTTPTestRouter(t, fake)

	code, env := call(t, r, http.MethodPost, "/api/v1/analysis/jobs",
		`{"text":"Hello there.","mode":"serial","chunk_by":"sentences","chunk_size":2,"top_n":3,"placeholder":"[X]"}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "analysis job has been accepted", env.Message)
	assert.Equal(t, usecase.StartJobInput{
		Text: "Hello there.", Mode: "serial", ChunkBy: "sentences", ChunkSize: 2, TopN: 3, Placeholder: "[X]",
	}, fake.started)

	var data JobResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "job-1", data.ID)
	assert.Equal(t, "running", data.Status)
	assert.Equal(t, int64(1500), data.DurationMS)
	assert.Nil(t, data.Report)

	code, _ = call(t, r, http.MethodPost, "/api/v1/analysis/jobs", `{"text":"x","unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, r, http.MethodPost, "/api/v1/analysis/jobs", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	fake.startErr = goerror.NewInvalidInput(nil, "text", "text is a required field")
	code, env = call(t, r, http.MethodPost, "/api/v1/analysis/jobs", `{"text":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, map[string]string{"text": "text is a required field"}, env.Error)
}

func TestHTTPGetAndListJobs(t *testing.T) {
	t.Parallel()

	report := &entity.Report{TotalWordCount: 4, TopWords: []entity.WordCount{{Word: "rain", Count: 2}}}
	fake := &fakeUsecase{jobs: map[string]entity.Job{
		"done": {
			ID:         "done",
			Status:     entity.JobCompleted,
			Tasks:      2,
			Received:   2,
			StartedAt:  startedAt,
			FinishedAt: startedAt.Add(time.Second),
			Location:   "reports/done.json",
			Report:     report,
		},
	}}
	r := newHTTPTestRouter(t, fake)

	code, env := call(t, r, http.MethodGet, "/api/v1/analysis/jobs/done", "")
	require.Equal(t, http.StatusOK, code)

	var data JobResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "completed", data.Status)
	assert.Equal(t, "reports/done.json", data.Location)
	assert.Equal(t, int64(1000), data.DurationMS)
	require.NotNil(t, data.Report)
	assert.Equal(t, *report, *data.Report)

	code, env = call(t, r, http.MethodGet, "/api/v1/analysis/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "analysis job not found", env.Message)

	code, env = call(t, r, http.MethodGet, "/api/v1/analysis/jobs", "")
	require.Equal(t, http.StatusOK, code)

	var list JobListResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Jobs, 1)
	assert.Nil(t, list.Jobs[0].Report, "list omits reports")
}
