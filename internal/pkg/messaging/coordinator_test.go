package messaging

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHandle string

func (h testHandle) ID() string { return string(h) }

type fakeAcker struct {
	mu     sync.Mutex
	acks   []string
	nacks  []string
	ackErr error
}

func (f *fakeAcker) Ack(_ context.Context, h DeliveryHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, h.ID())
	return f.ackErr
}

func (f *fakeAcker) Nack(_ context.Context, h DeliveryHandle, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, h.ID())
	return nil
}

func (f *fakeAcker) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks), len(f.nacks)
}

type fakeDedupe struct {
	mu   sync.Mutex
	done map[string]bool
}

func (d *fakeDedupe) Begin(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.done[id], nil
}

func (d *fakeDedupe) Complete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		d.done = map[string]bool{}
	}
	d.done[id] = true
	return nil
}

func newFakeDedupe() *fakeDedupe {
	return &fakeDedupe{done: map[string]bool{}}
}

func (d *fakeDedupe) completed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done[id]
}

var testLane = Lane{Topic: "orders", Index: 0}

func testMessage(id string, attempt int) Message {
	return Message{ID: id, Topic: "orders", Payload: []byte(id), Attempt: attempt}
}

func TestCoordinatorAck(t *testing.T) {
	t.Parallel()

	acker := &fakeAcker{}
	co := NewCoordinator(CoordinatorConfig{}, acker, NewMemoryDeadLetter())

	rec, err := co.OnDeliver(testMessage("m1", 1), testHandle("h1"), testLane)
	require.NoError(t, err)
	assert.Equal(t, 1, co.Len())
	assert.Equal(t, StateDelivered, rec.State())

	require.NoError(t, co.OnAck(t.Context(), testHandle("h1")))
	assert.Equal(t, 0, co.Len())
	assert.Equal(t, OutcomeAcked, rec.Outcome())
	assert.Equal(t, StateAcked, rec.State())

	select {
	case <-rec.Done():
	default:
		t.Fatal("record should be resolved")
	}

	err = co.OnAck(t.Context(), testHandle("h1"))
	require.ErrorIs(t, err, ErrUnknownDelivery)

	acks, _ := acker.counts()
	assert.Equal(t, 1, acks, "second ack must not reach the backend")
	assert.Equal(t, int64(1), co.Stats().Acked)
}

func TestCoordinatorDuplicateDeliver(t *testing.T) {
	t.Parallel()

	co := NewCoordinator(CoordinatorConfig{}, &fakeAcker{}, nil)

	_, err := co.OnDeliver(testMessage("m1", 1), testHandle("h1"), testLane)
	require.NoError(t, err)
	_, err = co.OnDeliver(testMessage("m1", 1), testHandle("h1"), testLane)
	require.ErrorIs(t, err, ErrDuplicateDelivery)
}

func TestCoordinatorNackUntilDeadLetter(t *testing.T) {
	t.Parallel()

	acker := &fakeAcker{}
	sink := NewMemoryDeadLetter()
	co := NewCoordinator(CoordinatorConfig{MaxAttempts: 3}, acker, sink)

	h := testHandle("h1")
	var outcomes []Outcome
	for attempt := 1; attempt <= 3; attempt++ {
		_, err := co.OnDeliver(testMessage("m1", attempt), h, testLane)
		require.NoError(t, err)

		out, err := co.OnNack(t.Context(), h, true)
		require.NoError(t, err)
		outcomes = append(outcomes, out)
	}

	assert.Equal(t, []Outcome{OutcomeRedeliver, OutcomeRedeliver, OutcomeDeadLettered}, outcomes)
	require.Equal(t, 1, sink.Len())
	assert.Equal(t, "m1", sink.Entries()[0].Message.ID)
	assert.Equal(t, 3, sink.Entries()[0].Message.Attempt)

	acks, nacks := acker.counts()
	assert.Equal(t, 1, acks, "dead-lettered message is acked on the backend")
	assert.Equal(t, 0, nacks)

	stats := co.Stats()
	assert.Equal(t, int64(2), stats.Redelivered)
	assert.Equal(t, int64(1), stats.DeadLettered)
}

func TestCoordinatorNackWithoutRequeue(t *testing.T) {
	t.Parallel()

	sink := NewMemoryDeadLetter()
	co := NewCoordinator(CoordinatorConfig{MaxAttempts: 5}, &fakeAcker{}, sink)

	_, err := co.OnDeliver(testMessage("m1", 1), testHandle("h1"), testLane)
	require.NoError(t, err)

	out, err := co.OnNack(t.Context(), testHandle("h1"), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLettered, out)
	require.Equal(t, 1, sink.Len())
	assert.Equal(t, "rejected by handler", sink.Entries()[0].Reason)
}

func TestCoordinatorSinkFailureRequeues(t *testing.T) {
	t.Parallel()

	acker := &fakeAcker{}
	sinkErr := errors.New("sink down")
	sink := DeadLetterFunc(func(context.Context, Message, string) error { return sinkErr })
	co := NewCoordinator(CoordinatorConfig{MaxAttempts: 1}, acker, sink)

	rec, err := co.OnDeliver(testMessage("m1", 1), testHandle("h1"), testLane)
	require.NoError(t, err)

	out, err := co.OnNack(t.Context(), testHandle("h1"), true)
	require.ErrorIs(t, err, sinkErr)
	assert.Equal(t, OutcomeRequeued, out)
	assert.Equal(t, OutcomeRequeued, rec.Outcome())

	acks, nacks := acker.counts()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)
	assert.Equal(t, int64(1), co.Stats().Requeued)
}

func TestCoordinatorSweepExpired(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := NewMemoryDeadLetter()
	co := NewCoordinator(CoordinatorConfig{MaxAttempts: 2, AckTimeout: time.Second}, &fakeAcker{}, sink, WithClock(clk))

	first, err := co.OnDeliver(testMessage("m1", 1), testHandle("h1"), testLane)
	require.NoError(t, err)

	assert.Equal(t, 0, co.Sweep(t.Context()), "not yet expired")

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, co.Sweep(t.Context()))
	assert.Equal(t, OutcomeRedeliver, first.Outcome())
	assert.Equal(t, 0, co.Len())

	second, err := co.OnDeliver(testMessage("m1", 2), testHandle("h1"), testLane)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, co.Sweep(t.Context()))
	assert.Equal(t, OutcomeDeadLettered, second.Outcome())
	assert.Equal(t, 1, sink.Len())
	assert.Equal(t, int64(2), co.Stats().Expired)
}

func TestCoordinatorAckRacesSweep(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(0, 0))
	acker := &fakeAcker{}
	co := NewCoordinator(CoordinatorConfig{MaxAttempts: 1, AckTimeout: time.Millisecond}, acker, NewMemoryDeadLetter(), WithClock(clk))

	for i := range 64 {
		_, err := co.OnDeliver(testMessage("m", 1), testHandle("h"+strconv.Itoa(i)), testLane)
		require.NoError(t, err)
	}
	clk.Advance(time.Second)

	var wg sync.WaitGroup
	var ackOK, ackUnknown int
	var mu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		co.Sweep(t.Context())
	}()
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := co.OnAck(t.Context(), testHandle("h"+strconv.Itoa(i)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ackOK++
			} else if errors.Is(err, ErrUnknownDelivery) {
				ackUnknown++
			}
		}()
	}
	wg.Wait()

	stats := co.Stats()
	assert.Equal(t, 64, ackOK+ackUnknown)
	assert.Equal(t, int64(64), stats.Acked+stats.DeadLettered, "each record settles exactly once")
	assert.Equal(t, 0, co.Len())
}

func TestCoordinatorAbandon(t *testing.T) {
	t.Parallel()

	acker := &fakeAcker{}
	co := NewCoordinator(CoordinatorConfig{}, acker, nil)

	rec, err := co.OnDeliver(testMessage("m1", 1), testHandle("h1"), testLane)
	require.NoError(t, err)

	require.NoError(t, co.Abandon(t.Context(), testHandle("h1")))
	assert.Equal(t, OutcomeAbandoned, rec.Outcome())
	require.ErrorIs(t, co.Abandon(t.Context(), testHandle("h1")), ErrUnknownDelivery)

	require.NoError(t, co.AbandonUntracked(t.Context(), testHandle("h2")))
	_, nacks := acker.counts()
	assert.Equal(t, 2, nacks)
	assert.Equal(t, int64(2), co.Stats().Abandoned)
}

func TestCoordinatorSkipDuplicate(t *testing.T) {
	t.Parallel()

	acker := &fakeAcker{}
	dedupe := &fakeDedupe{}
	co := NewCoordinator(CoordinatorConfig{}, acker, nil, WithDeduplicator(dedupe))

	msg := testMessage("m1", 1)
	assert.False(t, co.SkipDuplicate(t.Context(), msg, testHandle("h1")))

	_, err := co.OnDeliver(msg, testHandle("h1"), testLane)
	require.NoError(t, err)
	require.NoError(t, co.OnAck(t.Context(), testHandle("h1")))

	assert.True(t, co.SkipDuplicate(t.Context(), msg, testHandle("h2")))
	acks, _ := acker.counts()
	assert.Equal(t, 2, acks, "duplicate is acked without processing")
	assert.Equal(t, int64(1), co.Stats().Duplicates)
}

func TestOutcomeTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, OutcomePending.Terminal())
	assert.False(t, OutcomeRedeliver.Terminal())
	for _, o := range []Outcome{OutcomeAcked, OutcomeDeadLettered, OutcomeRequeued, OutcomeAbandoned} {
		assert.True(t, o.Terminal(), o.String())
	}
}
