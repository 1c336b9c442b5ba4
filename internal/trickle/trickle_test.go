package trickle_test

import (
	"testing"

	"github.com/openthread-go/meshcore/internal/tasklet"
	"github.com/openthread-go/meshcore/internal/trickle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() (*tasklet.Scheduler, *uint32) {
	now := new(uint32)
	sched := tasklet.New(nil, func() uint32 { return *now })

	return sched, now
}

func TestTimer_DoublesIntervalUpToMax(t *testing.T) {
	sched, now := newTestScheduler()

	fires := 0
	tm := trickle.New(sched, 1000, 4000, func() { fires++ })
	tm.Start()

	assert.EqualValues(t, 1000, tm.Interval())

	for i := 0; i < 20000; i++ {
		sched.Run()
		*now++
	}

	require.GreaterOrEqual(t, fires, 1)
	assert.EqualValues(t, 4000, tm.Interval(), "interval must cap at Imax")
}

func TestTimer_ResetCollapsesInterval(t *testing.T) {
	sched, now := newTestScheduler()

	tm := trickle.New(sched, 1000, 120000, func() {})
	tm.Start()

	for i := 0; i < 3000; i++ {
		sched.Run()
		*now++
	}

	require.Greater(t, tm.Interval(), uint32(1000))

	tm.Reset()
	assert.EqualValues(t, 1000, tm.Interval())
}

func TestTimer_StopSuppressesFiring(t *testing.T) {
	sched, now := newTestScheduler()

	fires := 0
	tm := trickle.New(sched, 100, 200, func() { fires++ })
	tm.Start()
	tm.Stop()

	for i := 0; i < 1000; i++ {
		sched.Run()
		*now++
	}

	assert.Equal(t, 0, fires)
}
