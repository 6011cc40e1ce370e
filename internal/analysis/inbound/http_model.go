package inbound

import (
	"net/http"
	"time"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
)

type StartJobRequest struct {
	Text        string `json:"text"`
	Mode        string `json:"mode"`
	ChunkBy     string `json:"chunk_by"`
	ChunkSize   int    `json:"chunk_size"`
	TopN        int    `json:"top_n"`
	Placeholder string `json:"placeholder"`
}

type JobResponse struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Mode       string         `json:"mode,omitempty"`
	ChunkBy    string         `json:"chunk_by,omitempty"`
	ChunkSize  int            `json:"chunk_size,omitempty"`
	TopN       int            `json:"top_n,omitempty"`
	Tasks      int            `json:"tasks"`
	Received   int            `json:"received"`
	Location   string         `json:"location,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Report     *entity.Report `json:"report,omitempty"`

	accepted bool
}

func (r JobResponse) StatusCode() int {
	if r.accepted {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func (r JobResponse) Message() string {
	if r.accepted {
		return "analysis job has been accepted"
	}
	return "request has been successfully"
}

type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

func toJobResponse(job entity.Job, now time.Time, withReport bool) JobResponse {
	resp := JobResponse{
		ID:        job.ID,
		Status:    string(job.Status),
		Mode:      string(job.Options.Mode),
		ChunkBy:   string(job.Options.ChunkBy),
		ChunkSize: job.Options.ChunkSize,
		TopN:      job.Options.TopN,
		Tasks:     job.Tasks,
		Received:  job.Received,
		Location:  job.Location,
		Error:     job.Error,
	}
	if !job.StartedAt.IsZero() {
		resp.StartedAt = &job.StartedAt
		resp.DurationMS = job.Duration(now).Milliseconds()
	}
	if !job.FinishedAt.IsZero() {
		resp.FinishedAt = &job.FinishedAt
	}
	if withReport {
		resp.Report = job.Report
	}
	return resp
}
