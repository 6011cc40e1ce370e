package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	f.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), f.Now())
	assert.Equal(t, time.Minute, f.Since(start))

	f.Set(start)
	assert.Equal(t, start, f.Now())
}

func TestTimeClocker(t *testing.T) {
	t.Parallel()

	before := time.Now()
	c := New()
	assert.False(t, c.Now().Before(before))
	assert.GreaterOrEqual(t, c.Since(before), time.Duration(0))
}
