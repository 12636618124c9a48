package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBargeInTriggersAfterThreeConsecutive(t *testing.T) {
	d := NewBargeInDetector(900)

	assert.False(t, d.Push(1000))
	assert.False(t, d.Push(1000))
	assert.True(t, d.Push(1000))
}

func TestBargeInNoPartialCredit(t *testing.T) {
	d := NewBargeInDetector(900)

	assert.False(t, d.Push(1000))
	assert.False(t, d.Push(1000))
	assert.False(t, d.Push(100)) // gap resets the run
	assert.False(t, d.Push(1000))
	assert.False(t, d.Push(1000))
	assert.True(t, d.Push(1000))
}

func TestBargeInThresholdIsExclusive(t *testing.T) {
	d := NewBargeInDetector(900)

	// Exactly at threshold does not count toward the run.
	assert.False(t, d.Push(900))
	assert.False(t, d.Push(901))
	assert.False(t, d.Push(901))
	assert.True(t, d.Push(901))
}

func TestBargeInCounterResetsAfterTrigger(t *testing.T) {
	d := NewBargeInDetector(900)

	d.Push(1000)
	d.Push(1000)
	assert.True(t, d.Push(1000))

	// A fresh run is required for the next trigger.
	assert.False(t, d.Push(1000))
	assert.False(t, d.Push(1000))
	assert.True(t, d.Push(1000))
}
