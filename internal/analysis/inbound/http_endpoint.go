package inbound

import (
	"github.com/shandysiswandi/unimq/internal/analysis/usecase"
	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/shandysiswandi/unimq/internal/pkg/router"
)

type HTTPEndpoint struct {
	uc    uc
	clock clock.Clocker
}

// StartJob starts an analysis job over the posted text.
func (h *HTTPEndpoint) StartJob(r *router.Request) (any, error) {
	var req StartJobRequest
	if err := r.Bind(&req); err != nil {
		return nil, err
	}

	job, err := h.uc.StartJob(r.Context(), usecase.StartJobInput{
		Text:        req.Text,
		Mode:        req.Mode,
		ChunkBy:     req.ChunkBy,
		ChunkSize:   req.ChunkSize,
		TopN:        req.TopN,
		Placeholder: req.Placeholder,
	})
	if err != nil {
		return nil, err
	}

	resp := toJobResponse(*job, h.clock.Now(), false)
	resp.accepted = true
	return resp, nil
}

// GetJob returns an analysis job and, once completed, its report.
func (h *HTTPEndpoint) GetJob(r *router.Request) (any, error) {
	job, err := h.uc.GetJob(r.Context(), usecase.GetJobInput{ID: r.Param("id")})
	if err != nil {
		return nil, err
	}

	return toJobResponse(*job, h.clock.Now(), true), nil
}

// ListJobs returns the jobs tracked by this instance.
func (h *HTTPEndpoint) ListJobs(r *router.Request) (any, error) {
	jobs, err := h.uc.ListJobs(r.Context())
	if err != nil {
		return nil, err
	}

	now := h.clock.Now()
	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(job, now, false))
	}
	return resp, nil
}
