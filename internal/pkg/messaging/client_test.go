package messaging

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, cfg Config, broker *MemoryBroker, opts ...Option) *Client {
	t.Helper()

	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = 100 * time.Millisecond
	}
	cfg.Pool.ReconnectBase = 5 * time.Millisecond
	cfg.Pool.ReconnectCap = 20 * time.Millisecond

	opts = append([]Option{WithAdapter(NewMemory(MemoryConfig{Broker: broker, MaxPayload: 64}))}, opts...)
	c, err := New(t.Context(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type received struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *received) add(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *received) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestClientPreservesKeyOrder(t *testing.T) {
	t.Parallel()

	dlq := NewMemoryDeadLetter()
	c := newTestClient(t, Config{}, NewMemoryBroker(), WithDeadLetterSink(dlq))

	var got received
	_, err := c.Subscribe(t.Context(), "orders", func(_ context.Context, m Message) Result {
		got.add(m)
		return Ack()
	})
	require.NoError(t, err)

	for i := range 100 {
		_, err := c.Publish(t.Context(), "orders", []byte("A"), []byte(strconv.Itoa(i)), nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return got.len() == 100 }, 5*time.Second, 5*time.Millisecond)
	for i, m := range got.snapshot() {
		assert.Equal(t, strconv.Itoa(i), string(m.Payload))
		assert.Equal(t, 1, m.Attempt)
	}
	assert.Zero(t, dlq.Len())
	assert.Eventually(t, func() bool { return c.Stats().Delivery.Acked == 100 }, time.Second, 5*time.Millisecond)
}

func TestClientRedeliversNackedMessageInOrder(t *testing.T) {
	t.Parallel()

	dlq := NewMemoryDeadLetter()
	c := newTestClient(t, Config{MaxAttempts: 5}, NewMemoryBroker(), WithDeadLetterSink(dlq))

	var (
		mu    sync.Mutex
		calls = map[string]int{}
		acked []string
	)
	_, err := c.Subscribe(t.Context(), "jobs", func(_ context.Context, m Message) Result {
		mu.Lock()
		defer mu.Unlock()

		p := string(m.Payload)
		calls[p]++
		if p == "5" && calls[p] <= 3 {
			return Nack(true)
		}
		acked = append(acked, p)
		return Ack()
	})
	require.NoError(t, err)

	for i := range 10 {
		_, err := c.Publish(t.Context(), "jobs", []byte("A"), []byte(strconv.Itoa(i)), nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acked) == 10
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, acked)
	assert.Equal(t, 4, calls["5"])
	assert.Equal(t, 1, calls["6"])
	assert.Zero(t, dlq.Len())
}

func TestClientDeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	dlq := NewMemoryDeadLetter()
	c := newTestClient(t, Config{MaxAttempts: 3}, NewMemoryBroker(), WithDeadLetterSink(dlq))

	var got received
	_, err := c.Subscribe(t.Context(), "mail", func(_ context.Context, m Message) Result {
		got.add(m)
		return Nack(true)
	})
	require.NoError(t, err)

	res, err := c.Publish(t.Context(), "mail", []byte("k"), []byte("poison"), map[string]string{"trace": "t1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dlq.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, dlq.Len(), "dead-lettered exactly once")
	entry := dlq.Entries()[0]
	assert.Equal(t, res.MessageID, entry.Message.ID)
	assert.Equal(t, "t1", entry.Message.Header("trace"))
	assert.Equal(t, 3, entry.Message.Attempt)

	attempts := []int{}
	for _, m := range got.snapshot() {
		attempts = append(attempts, m.Attempt)
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestClientAckTimeoutCountsAsNack(t *testing.T) {
	t.Parallel()

	dlq := NewMemoryDeadLetter()
	c := newTestClient(t, Config{MaxAttempts: 3, AckTimeout: 30 * time.Millisecond, SweepInterval: 5 * time.Millisecond},
		NewMemoryBroker(), WithDeadLetterSink(dlq))

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var got received
	_, err := c.Subscribe(t.Context(), "slow", func(_ context.Context, m Message) Result {
		got.add(m)
		<-release
		return Ack()
	})
	require.NoError(t, err)

	_, err = c.Publish(t.Context(), "slow", []byte("k"), []byte("stuck"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dlq.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, got.len())
	assert.Equal(t, "ack timeout after max attempts", dlq.Entries()[0].Reason)
	assert.GreaterOrEqual(t, c.Stats().Delivery.Expired, int64(3))
}

func TestClientPanicIsNack(t *testing.T) {
	t.Parallel()

	dlq := NewMemoryDeadLetter()
	c := newTestClient(t, Config{MaxAttempts: 2}, NewMemoryBroker(), WithDeadLetterSink(dlq))

	_, err := c.Subscribe(t.Context(), "boom", func(context.Context, Message) Result {
		panic("handler bug")
	})
	require.NoError(t, err)

	_, err = c.Publish(t.Context(), "boom", nil, []byte("x"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dlq.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), c.Stats().Delivery.Redelivered)
}

func TestClientResumesAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	c := newTestClient(t, Config{LaneCount: 2}, broker)

	var (
		mu   sync.Mutex
		seen = map[string]struct{}{}
	)
	_, err := c.Subscribe(t.Context(), "events", func(_ context.Context, m Message) Result {
		mu.Lock()
		seen[m.ID] = struct{}{}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return Ack()
	})
	require.NoError(t, err)

	publish := func(n int) []string {
		ids := make([]string, 0, n)
		for i := range n {
			res, err := c.Publish(t.Context(), "events", []byte(strconv.Itoa(i%3)), []byte("e"), nil)
			require.NoError(t, err)
			ids = append(ids, res.MessageID)
		}
		return ids
	}

	ids := publish(20)
	broker.Disconnect()
	assert.Eventually(t, func() bool { return !c.Healthy() }, time.Second, 2*time.Millisecond)

	broker.Reconnect()
	ids = append(ids, publish(20)...)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, c.Healthy())
}

func TestClientPublishDuringOutageWaitsForReconnect(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	c := newTestClient(t, Config{}, broker)

	broker.Disconnect()
	go func() {
		time.Sleep(50 * time.Millisecond)
		broker.Reconnect()
	}()

	_, err := c.Publish(t.Context(), "events", []byte("k"), []byte("v"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, broker.Depth(c.Router("events").LaneFor([]byte("k")).Destination()))
}

func TestClientCapsInFlightPerLane(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{LaneCount: 1, Capacity: 2}, NewMemoryBroker())

	var got received
	sub, err := c.Subscribe(t.Context(), "bulk", func(_ context.Context, m Message) Result {
		time.Sleep(2 * time.Millisecond)
		got.add(m)
		return Ack()
	})
	require.NoError(t, err)

	for i := range 30 {
		_, err := c.Publish(t.Context(), "bulk", []byte(strconv.Itoa(i)), []byte("x"), nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return got.len() == 30 }, 5*time.Second, 5*time.Millisecond)
	lane := Lane{Topic: "bulk", Index: 0}
	assert.LessOrEqual(t, sub.PeakInFlight(lane), 2)
	assert.GreaterOrEqual(t, sub.PeakInFlight(lane), 1)
}

func TestClientUnsubscribeAbandonsInFlight(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	c := newTestClient(t, Config{LaneCount: 1, DrainTimeout: 30 * time.Millisecond}, broker)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	started := make(chan struct{}, 8)

	sub, err := c.Subscribe(t.Context(), "tasks", func(context.Context, Message) Result {
		started <- struct{}{}
		<-release
		return Ack()
	})
	require.NoError(t, err)

	var ids []string
	for i := range 3 {
		res, err := c.Publish(t.Context(), "tasks", []byte("k"), []byte(strconv.Itoa(i)), nil)
		require.NoError(t, err)
		ids = append(ids, res.MessageID)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, c.Unsubscribe(t.Context(), sub))
	assert.GreaterOrEqual(t, c.Stats().Delivery.Abandoned, int64(1))
	assert.Zero(t, c.Coordinator().Len())

	var got received
	_, err = c.Subscribe(t.Context(), "tasks", func(_ context.Context, m Message) Result {
		got.add(m)
		return Ack()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.len() >= 3 }, 5*time.Second, 5*time.Millisecond)
	var gotIDs []string
	for _, m := range got.snapshot()[:3] {
		gotIDs = append(gotIDs, m.ID)
	}
	assert.Equal(t, ids, gotIDs, "abandoned messages come back in order")
}

func TestClientPublishErrors(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	c := newTestClient(t, Config{}, broker)

	_, err := c.Publish(t.Context(), "", nil, []byte("x"), nil)
	require.ErrorIs(t, err, ErrTopicRequired)

	_, err = c.Publish(t.Context(), "t", nil, make([]byte, 65), nil)
	require.ErrorIs(t, err, ErrPermanentReject)

	broker.FailNextSends(2)
	_, err = c.Publish(t.Context(), "t", nil, []byte("ok"), nil)
	require.NoError(t, err, "transient send failures are retried")

	require.NoError(t, c.Close())
	_, err = c.Publish(t.Context(), "t", nil, []byte("x"), nil)
	require.ErrorIs(t, err, ErrBackendUnavailable)
	require.ErrorIs(t, err, ErrClosed)

	_, err = c.Subscribe(t.Context(), "t", func(context.Context, Message) Result { return Ack() })
	require.ErrorIs(t, err, ErrClosed)
}

func TestClientPublishTimesOutWhileBackendDown(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	c := newTestClient(t, Config{PublishTimeout: 80 * time.Millisecond}, broker)
	broker.Disconnect()

	_, err := c.Publish(t.Context(), "t", nil, []byte("x"), nil)
	require.ErrorIs(t, err, ErrBackendUnavailable)
	assert.NotErrorIs(t, err, ErrTimeout, "the send result wins over the expired deadline")
}

func TestClientSubscribeValidation(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{LaneCount: 2}, NewMemoryBroker())

	_, err := c.Subscribe(t.Context(), "", func(context.Context, Message) Result { return Ack() })
	require.ErrorIs(t, err, ErrTopicRequired)

	_, err = c.Subscribe(t.Context(), "t", nil)
	require.ErrorIs(t, err, ErrHandlerRequired)

	_, err = c.Subscribe(t.Context(), "t", func(context.Context, Message) Result { return Ack() }, WithLanes(2))
	require.Error(t, err)

	sub, err := c.Subscribe(t.Context(), "t", func(context.Context, Message) Result { return Ack() }, WithLanes(1))
	require.NoError(t, err)
	assert.Equal(t, []Lane{{Topic: "t", Index: 1}}, sub.Lanes())
}

func TestClientDedupeSkipsCompleted(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	dedupe := newFakeDedupe()
	c := newTestClient(t, Config{LaneCount: 1}, broker, WithDedupe(dedupe))

	var got received
	_, err := c.Subscribe(t.Context(), "once", func(_ context.Context, m Message) Result {
		got.add(m)
		return Ack()
	})
	require.NoError(t, err)

	res, err := c.Publish(t.Context(), "once", []byte("k"), []byte("v"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dedupe.completed(res.MessageID) }, 5*time.Second, 5*time.Millisecond)

	// A foreign producer resends the same message.
	mem := NewMemory(MemoryConfig{Broker: broker})
	sess, err := mem.Connect(t.Context())
	require.NoError(t, err)
	require.NoError(t, mem.Send(t.Context(), sess, res.Lane, Message{ID: res.MessageID, Topic: "once", Payload: []byte("v")}))

	require.Eventually(t, func() bool { return c.Stats().Delivery.Duplicates == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, got.len())
	assert.Eventually(t, func() bool { return broker.Depth(res.Lane.Destination()) == 0 }, time.Second, 5*time.Millisecond)
}
