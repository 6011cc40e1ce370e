package uid

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Snowflake generates 63-bit IDs ordered by creation time. Node must be
// unique among running instances.
type Snowflake struct {
	node *snowflake.Node
}

var _ NumberID = (*Snowflake)(nil)

// NewSnowflake returns a generator for node, in [0, 1023].
func NewSnowflake(node int64) (*Snowflake, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("uid: snowflake node %d: %w", node, err)
	}
	return &Snowflake{node: n}, nil
}

// Generate returns the next ID.
func (s *Snowflake) Generate() int64 {
	return s.node.Generate().Int64()
}

// GenerateString returns the next ID in base 36, for short URLs and keys.
func (s *Snowflake) GenerateString() string {
	return s.node.Generate().Base36()
}
