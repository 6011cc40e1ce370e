package app

import (
	"log/slog"
	"os"

	"github.com/shandysiswandi/unimq/internal/analysis"
)

func (a *App) initModules() {
	if a.config.GetBool("modules.analysis.enabled") {
		if err := analysis.New(analysis.Dependency{
			Ctx:        a.ctx,
			Messaging:  a.messaging,
			Storage:    a.storage,
			Config:     a.config,
			Instrument: a.ins,
			UUID:       a.uuid,
			Clock:      a.clock,
			Goroutine:  a.goroutine,
			Validator:  a.validator,
			Router:     a.router,
		}); err != nil {
			slog.Error("failed to init module analysis", "error", err)
			os.Exit(1)
		}
	}
}
