package uid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUID(t *testing.T) {
	t.Parallel()

	g := NewUUID()
	a, b := g.Generate(), g.Generate()
	assert.NotEqual(t, a, b)
	assert.True(t, IsUUID(a))
	assert.False(t, IsUUID("not-a-uuid"))
	assert.False(t, IsUUID("00000000-0000-0000-0000-000000000000"))
	assert.False(t, IsUUID("urn:uuid:"+a))
}

func TestSnowflake(t *testing.T) {
	t.Parallel()

	_, err := NewSnowflake(4096)
	require.Error(t, err)

	g, err := NewSnowflake(1)
	require.NoError(t, err)

	prev := g.Generate()
	for range 100 {
		next := g.Generate()
		assert.Greater(t, next, prev)
		prev = next
	}
	assert.NotEmpty(t, g.GenerateString())
}
