package router

import (
	"net/http"
	"slices"

	"github.com/shandysiswandi/unimq/internal/pkg/config"
)

// middlewareMaintenance answers 503 for the routes in
// app.maintenance.endpoints, or for every route but the probes while
// app.maintenance.enabled is set. The keys are read on each request so a
// reloaded config file applies at once.
func middlewareMaintenance(cfg config.Config) Middleware {
	return func(next http.Handler) http.Handler {
		if cfg == nil {
			return next
		}

		probes := quietRoutes(cfg)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := matchedRoutePath(r)

			blocked := slices.Contains(cfg.GetArray("app.maintenance.endpoints"), route)
			if !blocked && cfg.GetBool("app.maintenance.enabled") {
				_, probe := probes[route]
				blocked = !probe
			}
			if blocked {
				w.Header().Set("Retry-After", "60")
				writeMessage(w, http.StatusServiceUnavailable, "service is under maintenance")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
