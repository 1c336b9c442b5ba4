package tasklet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_TaskletFIFO(t *testing.T) {
	clock := uint32(0)
	s := New(nil, func() uint32 { return clock })

	var order []int
	s.Post(func() { order = append(order, 1) })
	s.Post(func() { order = append(order, 2) })

	more := s.Run()
	assert.False(t, more)
	assert.Equal(t, []int{1, 2}, order)
}

func TestScheduler_PostedFromWithinTaskletRunsSameCall(t *testing.T) {
	clock := uint32(0)
	s := New(nil, func() uint32 { return clock })

	var order []int
	s.Post(func() {
		order = append(order, 1)
		s.Post(func() { order = append(order, 3) })
	})
	s.Post(func() { order = append(order, 2) })

	s.Run()

	// The re-posted tasklet (3) runs after all tasklets queued before Run
	// was called (1, 2), matching the ordering guarantee in spec.md §4.1.
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestScheduler_AlarmOrdering(t *testing.T) {
	clock := uint32(100)
	s := New(nil, func() uint32 { return clock })

	var order []int
	s.AlarmAt(50, func() { order = append(order, 1) })
	s.AlarmAt(40, func() { order = append(order, 2) })
	s.AlarmAt(200, func() { order = append(order, 3) })

	more := s.Run()
	require.True(t, more)
	assert.Equal(t, []int{2, 1}, order)

	clock = 200
	more = s.Run()
	assert.False(t, more)
	assert.Equal(t, []int{2, 1, 3}, order)
}

func TestScheduler_CancelIsIdempotentAndRetroactive(t *testing.T) {
	clock := uint32(0)
	s := New(nil, func() uint32 { return clock })

	fired := false
	h := s.AlarmAt(10, func() { fired = true })

	clock = 100 // deadline already passed
	s.Cancel(h)
	s.Cancel(h) // idempotent

	s.Run()
	assert.False(t, fired)
}

func TestScheduler_PanicIsIsolated(t *testing.T) {
	clock := uint32(0)
	s := New(nil, func() uint32 { return clock })

	ran := false
	s.Post(func() { panic("boom") })
	s.Post(func() { ran = true })

	assert.NotPanics(t, func() { s.Run() })
	assert.True(t, ran)
}

func TestScheduler_WraparoundDeadlineCompare(t *testing.T) {
	assert.True(t, before(0xfffffff0, 0x00000010))
	assert.False(t, before(0x00000010, 0xfffffff0))
}
