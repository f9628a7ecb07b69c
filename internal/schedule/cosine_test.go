package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine(t *testing.T) {
	c := Cosine{Epochs: 30, Floor: 0.1}

	assert.Equal(t, float32(1.0), c.Multiplier(0))
	assert.InDelta(t, 0.1, c.Multiplier(30), 1e-6)

	// Monotonically non-increasing over the epoch range.
	prev := c.Multiplier(0)
	for epoch := 1; epoch <= 30; epoch++ {
		cur := c.Multiplier(epoch)
		assert.LessOrEqualf(t, cur, prev, "multiplier increased at epoch %d", epoch)
		prev = cur
	}

	// Midpoint sits halfway between 1.0 and the floor.
	assert.InDelta(t, (1.0+0.1)/2, c.Multiplier(15), 1e-6)
}

func TestCosineFloorZero(t *testing.T) {
	c := Cosine{Epochs: 10, Floor: 0}
	assert.Equal(t, float32(1.0), c.Multiplier(0))
	assert.InDelta(t, 0.0, c.Multiplier(10), 1e-6)
}
