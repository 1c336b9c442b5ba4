// Package trickle implements the Trickle timer of spec.md §4.6: interval
// doubling between Imin and Imax, with a random firing point inside each
// interval and a reset on inconsistency. It is grounded on the same
// tasklet-alarm idiom as internal/tasklet's own callers — no goroutine, no
// blocking wait, just AlarmAt chains.
package trickle

import (
	"math/rand"

	"github.com/openthread-go/meshcore/internal/tasklet"
)

// Timer runs a single Trickle instance. Fire is invoked once per interval,
// at a random point within it (RFC 6206 §4.2's "t" point), and the caller
// decides there whether the advertisement is actually sent.
type Timer struct {
	sched *tasklet.Scheduler
	rng   *rand.Rand

	minMs, maxMs uint32
	interval     uint32
	fire         func()

	running bool
}

// New returns a Timer bounded to [minMs, maxMs] (spec.md's Imin=1s,
// Imax=120s for MLE Advertisement), invoking fire once per interval.
func New(sched *tasklet.Scheduler, minMs, maxMs uint32, fire func()) *Timer {
	return &Timer{
		sched: sched,
		rng:   rand.New(rand.NewSource(int64(minMs)*2654435761 + 1)),
		minMs: minMs,
		maxMs: maxMs,
		fire:  fire,
	}
}

// Start begins the timer at the minimum interval, as a fresh Trickle
// instance does on creation.
func (t *Timer) Start() {
	t.interval = t.minMs
	t.running = true
	t.scheduleFirePoint()
}

// Stop halts the timer; it will not fire again until Start is called.
func (t *Timer) Stop() {
	t.running = false
}

// Interval returns the current interval length, in milliseconds.
func (t *Timer) Interval() uint32 {
	return t.interval
}

// Reset collapses the interval back to the minimum and reschedules,
// per spec.md: "reset on any inconsistency (divergent Leader Data heard,
// or a new router ID allocation)".
func (t *Timer) Reset() {
	if !t.running {
		return
	}

	t.interval = t.minMs
	t.scheduleFirePoint()
}

func (t *Timer) scheduleFirePoint() {
	// Fire uniformly within [I/2, I], per RFC 6206's trickle point, then
	// double the interval (capped at maxMs) for the next round.
	half := t.interval / 2
	delay := half + uint32(t.rng.Int63n(int64(t.interval-half)+1))

	t.sched.AlarmAt(t.sched.Now()+delay, t.onFirePoint)
}

func (t *Timer) onFirePoint() {
	if !t.running {
		return
	}

	if t.fire != nil {
		t.fire()
	}

	next := t.interval * 2
	if next > t.maxMs {
		next = t.maxMs
	}
	t.interval = next

	t.scheduleFirePoint()
}
