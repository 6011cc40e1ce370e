package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the per-lane in-flight cap when none is configured.
const DefaultCapacity = 8

// Backpressure bounds the number of in-flight records per lane.
//
// Each lane has its own semaphore, so lanes never contend with each other.
type Backpressure struct {
	capacity     int64
	admitTimeout time.Duration

	mu    sync.Mutex
	gates map[Lane]*laneGate
}

type laneGate struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64
}

// Token is a unit of lane capacity. Release it exactly once; extra releases
// are ignored.
type Token struct {
	lane     Lane
	gate     *laneGate
	released atomic.Bool
}

// Lane returns the lane the token was admitted on.
func (t *Token) Lane() Lane {
	return t.lane
}

// NewBackpressure returns a controller with the given per-lane capacity.
// When admitTimeout is positive, Admit gives up with ErrPoolExhausted after
// waiting that long; otherwise it waits until ctx is done.
func NewBackpressure(capacity int, admitTimeout time.Duration) *Backpressure {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Backpressure{
		capacity:     int64(capacity),
		admitTimeout: admitTimeout,
		gates:        make(map[Lane]*laneGate),
	}
}

// Capacity returns the per-lane cap.
func (b *Backpressure) Capacity() int {
	return int(b.capacity)
}

// Admit blocks until lane has capacity.
func (b *Backpressure) Admit(ctx context.Context, lane Lane) (*Token, error) {
	gate := b.gate(lane)

	waitCtx := ctx
	if b.admitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, b.admitTimeout)
		defer cancel()
	}

	if err := gate.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, goerror.NewPoolExhausted(ErrPoolExhausted, "admit "+lane.Destination())
		}
		return nil, err
	}
	return b.issue(lane, gate), nil
}

// TryAdmit admits without blocking.
func (b *Backpressure) TryAdmit(lane Lane) (*Token, bool) {
	gate := b.gate(lane)
	if !gate.sem.TryAcquire(1) {
		return nil, false
	}
	return b.issue(lane, gate), true
}

// Release returns the token's capacity to its lane.
func (b *Backpressure) Release(t *Token) {
	if t == nil || t.released.Swap(true) {
		return
	}
	t.gate.inFlight.Add(-1)
	t.gate.sem.Release(1)
}

// InFlight returns the number of admitted, unreleased tokens on lane.
func (b *Backpressure) InFlight(lane Lane) int {
	return int(b.gate(lane).inFlight.Load())
}

// Peak returns the highest InFlight value observed on lane.
func (b *Backpressure) Peak(lane Lane) int {
	return int(b.gate(lane).peak.Load())
}

// Total returns the number of in-flight tokens across every lane.
func (b *Backpressure) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int64
	for _, g := range b.gates {
		n += g.inFlight.Load()
	}
	return int(n)
}

func (b *Backpressure) issue(lane Lane, gate *laneGate) *Token {
	n := gate.inFlight.Add(1)
	for {
		peak := gate.peak.Load()
		if n <= peak || gate.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return &Token{lane: lane, gate: gate}
}

func (b *Backpressure) gate(lane Lane) *laneGate {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.gates[lane]
	if !ok {
		g = &laneGate{sem: semaphore.NewWeighted(b.capacity)}
		b.gates[lane] = g
	}
	return g
}
