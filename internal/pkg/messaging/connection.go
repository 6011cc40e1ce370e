package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
)

// HandleState is the health of a ConnectionHandle.
type HandleState int32

const (
	HandleHealthy HandleState = iota
	HandleDegraded
	HandleClosed
)

// String implements fmt.Stringer.
func (s HandleState) String() string {
	switch s {
	case HandleHealthy:
		return "healthy"
	case HandleDegraded:
		return "degraded"
	case HandleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PoolConfig configures a ConnectionManager.
type PoolConfig struct {
	// Size is the number of handles opened per backend kind.
	Size int `validate:"gte=0"`
	// AcquireTimeout bounds how long Acquire waits for a healthy handle.
	AcquireTimeout time.Duration
	// HealthInterval is the period of the background probe.
	HealthInterval time.Duration
	// HealthTimeout bounds a single probe.
	HealthTimeout time.Duration
	// FailureThreshold is the number of consecutive failures that degrade a handle.
	FailureThreshold int `validate:"gte=0"`
	// ReconnectBudget is the number of reconnect attempts per handle before it
	// is closed and replaced. Zero means unlimited.
	ReconnectBudget int `validate:"gte=0"`
	// ReconnectBase is the first backoff step.
	ReconnectBase time.Duration
	// ReconnectCap is the longest backoff step.
	ReconnectCap time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size < 1 {
		c.Size = 1
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2 * time.Second
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 3
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 200 * time.Millisecond
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	return c
}

// ConnectionHandle wraps one backend session. It is owned by the
// ConnectionManager; adapters only read its session.
type ConnectionHandle struct {
	id   string
	kind Kind
	slot int

	mu           sync.Mutex
	session      Session
	state        HandleState
	failures     int
	refs         int
	generation   uint64
	reconnecting bool
	lastErr      error
}

// ID returns a stable identifier for logs and snapshots.
func (h *ConnectionHandle) ID() string { return h.id }

// Kind returns the backend kind.
func (h *ConnectionHandle) Kind() Kind { return h.kind }

// Session returns the current session. It may be nil while reconnecting.
func (h *ConnectionHandle) Session() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// State returns the health state.
func (h *ConnectionHandle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Generation grows every time the session is replaced.
func (h *ConnectionHandle) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// HandleStatus is a point-in-time view of a handle.
type HandleStatus struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	State      string `json:"state"`
	Failures   int    `json:"failures"`
	Refs       int    `json:"refs"`
	Generation uint64 `json:"generation"`
	LastError  string `json:"last_error,omitempty"`
}

type connPool struct {
	adapter Adapter
	handles []*ConnectionHandle
}

// ConnectionManager owns pooled sessions per backend kind, probes them and
// reconnects broken ones with exponential backoff.
type ConnectionManager struct {
	cfg PoolConfig

	mu      sync.Mutex
	pools   map[Kind]*connPool
	changed chan struct{}
	serial  int
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectionManager returns a manager for the given adapters. Call Start
// before Acquire.
func NewConnectionManager(cfg PoolConfig, adapters ...Adapter) *ConnectionManager {
	m := &ConnectionManager{
		cfg:     cfg.withDefaults(),
		pools:   make(map[Kind]*connPool, len(adapters)),
		changed: make(chan struct{}),
	}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		m.pools[a.Kind()] = &connPool{adapter: a}
	}
	return m
}

// Start opens Size handles per kind and launches the health loop. Handles that
// fail to open start Degraded and reconnect in the background, so Start only
// fails when every handle of a kind failed.
func (m *ConnectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Unlock()

	var errs []error
	for kind, pool := range m.pools {
		healthy := 0
		for slot := range m.cfg.Size {
			m.mu.Lock()
			h := m.newHandleLocked(kind, slot)
			m.mu.Unlock()

			sess, err := pool.adapter.Connect(ctx)
			if err != nil {
				slog.WarnContext(ctx, "failed to open backend connection", "kind", kind, "slot", slot, "error", err)
				h.state = HandleDegraded
				h.lastErr = err
			} else {
				h.session = sess
				healthy++
			}

			m.mu.Lock()
			pool.handles = append(pool.handles, h)
			m.mu.Unlock()

			if err != nil {
				m.startReconnect(h)
			}
		}
		if healthy == 0 {
			errs = append(errs, fmt.Errorf("messaging: no %s connection could be opened", kind))
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.healthLoop(m.ctx)
	}()

	if len(errs) > 0 {
		return goerror.NewConnection(errors.Join(errs...), "start connection manager")
	}
	return nil
}

// Acquire returns the least-referenced healthy handle of kind, waiting up to
// AcquireTimeout for one to become available.
func (m *ConnectionManager) Acquire(ctx context.Context, kind Kind) (*ConnectionHandle, error) {
	timer := time.NewTimer(m.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		pool, ok := m.pools[kind]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}

		var (
			best     *ConnectionHandle
			bestRefs int
		)
		for _, h := range pool.handles {
			h.mu.Lock()
			if h.state == HandleHealthy && h.session != nil && (best == nil || h.refs < bestRefs) {
				best, bestRefs = h, h.refs
			}
			h.mu.Unlock()
		}
		if best != nil {
			best.mu.Lock()
			best.refs++
			best.mu.Unlock()
			m.mu.Unlock()
			return best, nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, goerror.NewPoolExhausted(ErrPoolExhausted, "acquire "+string(kind))
		case <-changed:
		}
	}
}

// Release returns a handle obtained from Acquire.
func (m *ConnectionManager) Release(h *ConnectionHandle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.refs > 0 {
		h.refs--
	}
	h.mu.Unlock()
}

// ReportFailure records a failed operation on h. Connection errors degrade
// the handle at once; other failures count toward FailureThreshold like a
// failed probe.
func (m *ConnectionManager) ReportFailure(h *ConnectionHandle, err error) {
	if h == nil || err == nil {
		return
	}
	m.fail(h, err, isConnectionError(err))
}

// Snapshot returns the status of every handle.
func (m *ConnectionManager) Snapshot() []HandleStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []HandleStatus
	for _, pool := range m.pools {
		for _, h := range pool.handles {
			h.mu.Lock()
			st := HandleStatus{
				ID:         h.id,
				Kind:       h.kind,
				State:      h.state.String(),
				Failures:   h.failures,
				Refs:       h.refs,
				Generation: h.generation,
			}
			if h.lastErr != nil {
				st.LastError = h.lastErr.Error()
			}
			h.mu.Unlock()
			out = append(out, st)
		}
	}
	return out
}

// Healthy reports whether every kind has at least one healthy handle.
func (m *ConnectionManager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.started {
		return false
	}
	for _, pool := range m.pools {
		ok := false
		for _, h := range pool.handles {
			if h.State() == HandleHealthy {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Close stops background work and closes every session.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	m.broadcastLocked()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, pool := range m.pools {
		for _, h := range pool.handles {
			h.mu.Lock()
			if h.session != nil {
				if err := h.session.Close(); err != nil {
					errs = append(errs, err)
				}
				h.session = nil
			}
			h.state = HandleClosed
			h.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

func (m *ConnectionManager) newHandleLocked(kind Kind, slot int) *ConnectionHandle {
	m.serial++
	return &ConnectionHandle{
		id:    fmt.Sprintf("%s-%d-%d", kind, slot, m.serial),
		kind:  kind,
		slot:  slot,
		state: HandleHealthy,
	}
}

func (m *ConnectionManager) fail(h *ConnectionHandle, err error, immediate bool) {
	h.mu.Lock()
	h.failures++
	h.lastErr = err
	degrade := h.state == HandleHealthy && (immediate || h.failures >= m.cfg.FailureThreshold)
	if degrade {
		h.state = HandleDegraded
	}
	h.mu.Unlock()

	if degrade {
		slog.Warn("backend connection degraded", "handle", h.id, "error", err)
		m.broadcast()
		m.startReconnect(h)
	}
}

func (m *ConnectionManager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *ConnectionManager) probeAll(ctx context.Context) {
	m.mu.Lock()
	var targets []*ConnectionHandle
	for _, pool := range m.pools {
		targets = append(targets, pool.handles...)
	}
	m.mu.Unlock()

	for _, h := range targets {
		h.mu.Lock()
		sess := h.session
		skip := h.reconnecting || h.state != HandleHealthy || sess == nil
		h.mu.Unlock()
		if skip {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
		err := sess.Ping(pctx)
		cancel()

		if err != nil {
			m.fail(h, err, false)
			continue
		}
		h.mu.Lock()
		h.failures = 0
		h.mu.Unlock()
	}
}

func (m *ConnectionManager) startReconnect(h *ConnectionHandle) {
	h.mu.Lock()
	if h.reconnecting {
		h.mu.Unlock()
		return
	}
	h.reconnecting = true
	h.mu.Unlock()

	m.mu.Lock()
	if m.closed || m.ctx == nil {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.reconnect(ctx, h)
	}()
}

func (m *ConnectionManager) reconnect(ctx context.Context, h *ConnectionHandle) {
	m.mu.Lock()
	pool := m.pools[h.kind]
	m.mu.Unlock()

	b := retry.NewExponential(m.cfg.ReconnectBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(m.cfg.ReconnectCap, b)
	if m.cfg.ReconnectBudget > 0 {
		b = retry.WithMaxRetries(uint64(m.cfg.ReconnectBudget-1), b)
	}

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++

		if sess := h.Session(); sess != nil {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
			perr := sess.Ping(pctx)
			cancel()
			if perr == nil {
				m.restore(h, sess)
				return nil
			}
			_ = sess.Close()
		}

		sess, err := pool.adapter.Connect(ctx)
		if err != nil {
			slog.Debug("reconnect attempt failed", "handle", h.id, "attempt", attempt, "error", err)
			h.mu.Lock()
			h.session = nil
			h.lastErr = err
			h.mu.Unlock()
			return retry.RetryableError(err)
		}
		m.restore(h, sess)
		return nil
	})
	if err == nil {
		slog.Info("backend connection restored", "handle", h.id, "attempts", attempt)
		return
	}
	if ctx.Err() != nil {
		return
	}

	slog.Error("reconnect budget exhausted, replacing handle", "handle", h.id, "attempts", attempt, "error", err)
	m.replace(h)
}

func (m *ConnectionManager) restore(h *ConnectionHandle, sess Session) {
	h.mu.Lock()
	h.session = sess
	h.state = HandleHealthy
	h.failures = 0
	h.generation++
	h.reconnecting = false
	h.lastErr = nil
	h.mu.Unlock()
	m.broadcast()
}

func (m *ConnectionManager) replace(old *ConnectionHandle) {
	old.mu.Lock()
	old.state = HandleClosed
	old.reconnecting = false
	if old.session != nil {
		_ = old.session.Close()
		old.session = nil
	}
	old.mu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	pool := m.pools[old.kind]
	fresh := m.newHandleLocked(old.kind, old.slot)
	fresh.state = HandleDegraded
	for i, h := range pool.handles {
		if h == old {
			pool.handles[i] = fresh
		}
	}
	m.broadcastLocked()
	m.mu.Unlock()

	m.startReconnect(fresh)
}

func (m *ConnectionManager) broadcast() {
	m.mu.Lock()
	m.broadcastLocked()
	m.mu.Unlock()
}

func (m *ConnectionManager) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
