package messaging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterLaneForIsStable(t *testing.T) {
	t.Parallel()

	r := NewRouter("orders", 8)
	again := NewRouter("orders", 8)

	for i := range 500 {
		key := []byte(fmt.Sprintf("customer-%d", i))
		lane := r.LaneFor(key)

		require.Equal(t, "orders", lane.Topic)
		require.GreaterOrEqual(t, lane.Index, 0)
		require.Less(t, lane.Index, 8)
		require.Equal(t, lane, r.LaneFor(key), "same router, same key")
		require.Equal(t, lane, again.LaneFor(key), "independent router, same key")
	}
}

func TestRouterSpreadsKeys(t *testing.T) {
	t.Parallel()

	r := NewRouter("orders", 4)
	seen := map[int]int{}
	for i := range 1000 {
		seen[r.LaneFor([]byte(fmt.Sprintf("k%d", i))).Index]++
	}

	assert.Len(t, seen, 4)
	for idx, n := range seen {
		assert.Greater(t, n, 100, "lane %d got too few keys", idx)
	}
}

func TestRouterEmptyKeyUsesDefaultLane(t *testing.T) {
	t.Parallel()

	r := NewRouter("orders", 5)

	assert.Equal(t, Lane{Topic: "orders", Index: DefaultLaneIndex}, r.LaneFor(nil))
	assert.Equal(t, Lane{Topic: "orders", Index: DefaultLaneIndex}, r.LaneFor([]byte{}))
}

func TestRouterLanes(t *testing.T) {
	t.Parallel()

	r := NewRouter("orders", 0)
	assert.Equal(t, 1, r.LaneCount())

	r = NewRouter("orders", 3)
	lanes := r.Lanes()
	require.Len(t, lanes, 3)
	assert.Equal(t, "orders.0", lanes[0].Destination())
	assert.Equal(t, "orders.2", lanes[2].String())
}
