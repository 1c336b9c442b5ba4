package keymanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextMACFrameCounter_WraparoundForcesRotation(t *testing.T) {
	var mk Key
	m := New(nil, mk, 0)

	startSeq := m.seq
	m.macCounter = ^uint32(0) // one call away from overflow

	counter := m.NextMACFrameCounter(0)

	assert.Greater(t, m.seq, startSeq, "wraparound must rotate the key sequence")
	assert.Equal(t, uint32(0), counter, "post-rotation counter restarts at zero")
	assert.Equal(t, uint32(1), m.macCounter)
}

func TestGuardElapsed(t *testing.T) {
	m := New(nil, Key{}, 1000)
	m.lastRotationMs = 0
	m.rotationArmed = true

	assert.False(t, m.guardElapsed(500))
	assert.True(t, m.guardElapsed(1000))
}
