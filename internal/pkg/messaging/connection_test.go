package messaging

import (
	"errors"
	"testing"
	"time"

	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPool(size int) PoolConfig {
	return PoolConfig{
		Size:             size,
		AcquireTimeout:   30 * time.Millisecond,
		HealthInterval:   5 * time.Millisecond,
		HealthTimeout:    20 * time.Millisecond,
		FailureThreshold: 1,
		ReconnectBase:    2 * time.Millisecond,
		ReconnectCap:     10 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, cfg PoolConfig, broker *MemoryBroker) *ConnectionManager {
	t.Helper()
	m := NewConnectionManager(cfg, NewMemory(MemoryConfig{Broker: broker}))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestConnectionManagerAcquireSpreadsLoad(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, fastPool(2), NewMemoryBroker())
	require.NoError(t, m.Start(t.Context()))
	assert.True(t, m.Healthy())

	h1, err := m.Acquire(t.Context(), KindMemory)
	require.NoError(t, err)
	h2, err := m.Acquire(t.Context(), KindMemory)
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID(), h2.ID(), "least referenced handle wins")

	m.Release(h1)
	h3, err := m.Acquire(t.Context(), KindMemory)
	require.NoError(t, err)
	assert.Equal(t, h1.ID(), h3.ID())

	m.Release(h2)
	m.Release(h3)
	for _, st := range m.Snapshot() {
		assert.Zero(t, st.Refs)
		assert.Equal(t, "healthy", st.State)
	}
}

func TestConnectionManagerUnknownKind(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, fastPool(1), NewMemoryBroker())
	require.NoError(t, m.Start(t.Context()))

	_, err := m.Acquire(t.Context(), KindKafka)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestConnectionManagerStartWhileDown(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	broker.Disconnect()

	m := newTestManager(t, fastPool(1), broker)
	err := m.Start(t.Context())
	require.Error(t, err)
	assert.Equal(t, goerror.ClassConnection, goerror.ClassOf(err))
	assert.False(t, m.Healthy())

	_, err = m.Acquire(t.Context(), KindMemory)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, goerror.ClassPoolExhausted, goerror.ClassOf(err))

	broker.Reconnect()
	require.Eventually(t, m.Healthy, time.Second, 2*time.Millisecond)

	h, err := m.Acquire(t.Context(), KindMemory)
	require.NoError(t, err)
	require.NoError(t, h.Session().Ping(t.Context()))
	m.Release(h)
}

func TestConnectionManagerReportFailureDegradesAndReconnects(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	cfg := fastPool(1)
	cfg.HealthInterval = time.Hour
	cfg.FailureThreshold = 3
	m := newTestManager(t, cfg, broker)
	require.NoError(t, m.Start(t.Context()))

	h, err := m.Acquire(t.Context(), KindMemory)
	require.NoError(t, err)
	gen := h.Generation()

	m.ReportFailure(h, goerror.NewSend(errors.New("flaky"), "send"))
	assert.Equal(t, HandleHealthy, h.State(), "send failures count toward the threshold")

	broker.Disconnect()
	m.ReportFailure(h, goerror.NewConnection(errors.New("reset"), "send"))
	m.Release(h)

	_, err = m.Acquire(t.Context(), KindMemory)
	require.ErrorIs(t, err, ErrPoolExhausted)

	broker.Reconnect()
	require.Eventually(t, func() bool { return h.State() == HandleHealthy }, time.Second, 2*time.Millisecond)
	assert.Greater(t, h.Generation(), gen)
}

func TestConnectionManagerHealthLoopDetectsOutage(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	m := newTestManager(t, fastPool(2), broker)
	require.NoError(t, m.Start(t.Context()))

	broker.Disconnect()
	require.Eventually(t, func() bool { return !m.Healthy() }, time.Second, 2*time.Millisecond)

	broker.Reconnect()
	require.Eventually(t, m.Healthy, time.Second, 2*time.Millisecond)
}

func TestConnectionManagerReplacesHandleAfterBudget(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	cfg := fastPool(1)
	cfg.ReconnectBudget = 2
	m := newTestManager(t, cfg, broker)
	require.NoError(t, m.Start(t.Context()))
	first := m.Snapshot()[0].ID

	broker.Disconnect()
	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return len(snap) == 1 && snap[0].ID != first
	}, time.Second, 2*time.Millisecond, "exhausted handle is replaced in its slot")

	broker.Reconnect()
	require.Eventually(t, m.Healthy, time.Second, 2*time.Millisecond)
}

func TestConnectionManagerClose(t *testing.T) {
	t.Parallel()

	m := NewConnectionManager(fastPool(1), NewMemory(MemoryConfig{}))
	require.NoError(t, m.Start(t.Context()))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Acquire(t.Context(), KindMemory)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, m.Start(t.Context()), ErrClosed)
	assert.False(t, m.Healthy())
	for _, st := range m.Snapshot() {
		assert.Equal(t, "closed", st.State)
	}
}
