package messaging

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultLaneIndex is where messages without a key are routed.
const DefaultLaneIndex = 0

// Lane is an ordered delivery channel: a Kafka partition, or one queue,
// subject or topic per index on other backends.
type Lane struct {
	Topic string
	Index int
}

// Destination is the backend name of the lane: "<topic>.<index>".
func (l Lane) Destination() string {
	return l.Topic + "." + strconv.Itoa(l.Index)
}

// String implements fmt.Stringer.
func (l Lane) String() string {
	return l.Destination()
}

// Router maps message keys to lanes of a single topic.
//
// The mapping is a pure function of the key and the lane count, so it is
// stable for the life of a subscription. Changing the lane count is an
// external rebalance and requires a new Router.
type Router struct {
	topic string
	lanes int
}

// NewRouter returns a Router for topic with laneCount lanes (at least one).
func NewRouter(topic string, laneCount int) *Router {
	if laneCount < 1 {
		laneCount = 1
	}
	return &Router{topic: topic, lanes: laneCount}
}

// LaneFor returns the lane for key. Empty keys go to the default lane and
// carry no ordering promise relative to each other beyond that lane's order.
func (r *Router) LaneFor(key []byte) Lane {
	if len(key) == 0 {
		return Lane{Topic: r.topic, Index: DefaultLaneIndex}
	}
	return Lane{Topic: r.topic, Index: laneIndex(key, r.lanes)}
}

// Lanes returns every lane of the topic in index order.
func (r *Router) Lanes() []Lane {
	out := make([]Lane, r.lanes)
	for i := range out {
		out[i] = Lane{Topic: r.topic, Index: i}
	}
	return out
}

// LaneCount returns the number of lanes.
func (r *Router) LaneCount() int {
	return r.lanes
}

// Topic returns the routed topic.
func (r *Router) Topic() string {
	return r.topic
}

func laneIndex(key []byte, lanes int) int {
	return int(xxhash.Sum64(key) % uint64(lanes))
}
