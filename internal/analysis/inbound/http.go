package inbound

import (
	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/shandysiswandi/unimq/internal/pkg/router"
)

func RegisterHTTPEndpoint(r *router.Router, uc uc, clk clock.Clocker) {
	end := &HTTPEndpoint{uc: uc, clock: clk}

	r.POST("/api/v1/analysis/jobs", end.StartJob)
	r.GET("/api/v1/analysis/jobs", end.ListJobs)
	r.GET("/api/v1/analysis/jobs/:id", end.GetJob)
}
