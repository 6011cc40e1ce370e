// Command unimq serves text analysis jobs over a pluggable message broker
// and exposes client health, stats and dead letters over HTTP.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shandysiswandi/unimq/internal/app"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application := app.New()
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("application stopped unexpectedly", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), application.ShutdownTimeout())
	defer cancel()
	application.Stop(shutdownCtx)

	if runErr != nil {
		return 1
	}
	return 0
}
