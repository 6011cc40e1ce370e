package app

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/shandysiswandi/unimq/internal/pkg/config"
	"github.com/shandysiswandi/unimq/internal/pkg/deadletter"
	"github.com/shandysiswandi/unimq/internal/pkg/goroutine"
	"github.com/shandysiswandi/unimq/internal/pkg/idempotency"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/messaging"
	"github.com/shandysiswandi/unimq/internal/pkg/router"
	"github.com/shandysiswandi/unimq/internal/pkg/storage"
	"github.com/shandysiswandi/unimq/internal/pkg/uid"
	"github.com/shandysiswandi/unimq/internal/pkg/validator"
)

// App wires dependencies and manages service lifecycle.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	// configuration
	config config.Config
	ins    instrument.Instrumentation

	// libraries
	goroutine *goroutine.Manager
	validator validator.Validator
	clock     clock.Clocker
	uuid      uid.StringID
	instance  string

	// resources
	dbConn         *pgxpool.Pool
	cacheConn      *redis.Client
	dedupe         *idempotency.StateTracker
	storage        storage.Store
	deadLetter     messaging.DeadLetterSink
	deadLetterList deadletter.Lister
	messaging      *messaging.Client

	// server
	router     *router.Router
	httpServer *http.Server

	//
	closers []struct {
		name string
		fn   func(context.Context) error
	}
}

// New initializes the application with default wiring and returns an App instance.
func New() *App {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		ctx:    ctx,
		cancel: cancel,
	}

	app.initConfig()
	app.initInstrument()
	app.initLibraries()
	app.initCache()
	app.initDatabase()
	app.initStorage()
	app.initDeadLetter()
	app.initMessaging()
	app.initHTTPServer()
	app.initModules()
	app.initClosers()

	return app
}
