package goroutine

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"github.com/shandysiswandi/unimq/internal/pkg/stacktrace"
	"go.uber.org/atomic"
)

// DefaultMaxGoroutine is multiplied by the CPU count when NewManager
// receives a non-positive limit.
const DefaultMaxGoroutine int = 100

// Manager runs background jobs with a concurrency limit. Job errors and
// panics are collected and reported by Wait.
type Manager struct {
	mu      sync.Mutex
	errs    []error
	wg      sync.WaitGroup
	sema    chan struct{}
	running atomic.Int64

	stateMu sync.RWMutex
	closed  bool
}

// NewManager creates a new Manager with the provided maximum concurrency.
func NewManager(maxGoroutine int) *Manager {
	if maxGoroutine < 1 {
		maxGoroutine = runtime.NumCPU() * DefaultMaxGoroutine
	}

	return &Manager{sema: make(chan struct{}, maxGoroutine)}
}

// Go runs f in a new goroutine and reports whether it was started. It is not
// started when the manager is closed, when the limit is reached, or when
// pCtx is already done.
func (g *Manager) Go(pCtx context.Context, f func(ctx context.Context) error) bool {
	if g == nil {
		return false
	}

	g.stateMu.RLock()
	defer g.stateMu.RUnlock()

	if g.closed {
		slog.WarnContext(pCtx, "goroutine manager is closed, skipping new goroutine")
		return false
	}
	if err := pCtx.Err(); err != nil {
		slog.WarnContext(pCtx, "goroutine canceled", "because", err)
		return false
	}

	select {
	case g.sema <- struct{}{}:
	default:
		slog.WarnContext(pCtx, "maximum goroutine limit reached, failed to start new goroutine", "limit", cap(g.sema))
		return false
	}

	g.running.Inc()
	g.wg.Go(func() {
		defer func() {
			g.running.Dec()
			<-g.sema

			if rvr := recover(); rvr != nil {
				g.record(g.panicked(pCtx, rvr))
			}
		}()

		g.record(f(pCtx))
	})

	return true
}

// Running returns the number of jobs currently executing.
func (g *Manager) Running() int {
	if g == nil {
		return 0
	}
	return int(g.running.Load())
}

// Wait closes the manager to new jobs, blocks until the running ones finish
// and returns their joined errors.
func (g *Manager) Wait() error {
	if g == nil {
		return nil
	}

	g.stateMu.Lock()
	g.closed = true
	g.stateMu.Unlock()

	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}

func (g *Manager) record(err error) {
	if err == nil {
		return
	}
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}

func (g *Manager) panicked(ctx context.Context, rvr any) error {
	slog.ErrorContext(ctx, "panic occurred in goroutine", "panic", rvr, stacktrace.Attr())
	return errPanic{value: rvr}
}

type errPanic struct {
	value any
}

func (e errPanic) Error() string {
	return "goroutine panic: " + slog.AnyValue(e.value).String()
}
