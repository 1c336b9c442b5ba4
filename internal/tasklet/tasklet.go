// Package tasklet implements the single-threaded cooperative scheduler
// described in spec.md §4.1: a tasklet queue plus a set of oneshot alarms,
// drained by repeated calls to Run. There is no background goroutine and no
// mutex; the caller is expected to own the single logical task loop (spec.md
// §5), the way the rest of this stack assumes no concurrent writers.
package tasklet

import (
	"log/slog"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// Task is a unit of deferred work.
type Task func()

// Handle identifies a scheduled alarm so that it can be cancelled.
// Cancellation is idempotent: cancelling a handle more than once, or after
// the alarm already fired, is a no-op.
type Handle uint64

// alarm is a oneshot timer entry.
type alarm struct {
	handle   Handle
	deadline uint32
	handler  Task
	live     bool
}

// Scheduler drains expired alarms (lowest deadline first) and then drains
// tasklets FIFO on every call to Run. Deadlines are compared modulo 2^32
// using signed-delta comparison, so a wraparound at 2^32 ms is invisible
// within any 2^31 ms window, per spec.md §4.1.
type Scheduler struct {
	logger  *slog.Logger
	tasks   []Task
	alarms  []alarm
	nextID  Handle
	nowFunc func() uint32
}

// New returns a Scheduler. nowFunc must return the current time in
// milliseconds, truncated to uint32, consistent with spec.md's wraparound
// model; tests provide a fake clock, production wires the radio/alarm HAL.
func New(logger *slog.Logger, nowFunc func() uint32) *Scheduler {
	return &Scheduler{
		logger:  logger,
		nowFunc: nowFunc,
	}
}

// Post schedules task to run once during the next drain of this Run call
// (or, if posted from within a running tasklet, after all currently-queued
// tasklets of the same Run call — see Run's ordering guarantee).
func (s *Scheduler) Post(task Task) {
	if task != nil {
		s.tasks = append(s.tasks, task)
	}
}

// AlarmAt schedules handler to run once deadlineMs becomes due. It returns a
// Handle that Cancel accepts.
func (s *Scheduler) AlarmAt(deadlineMs uint32, handler Task) Handle {
	s.nextID++
	h := s.nextID

	s.alarms = append(s.alarms, alarm{
		handle:   h,
		deadline: deadlineMs,
		handler:  handler,
		live:     true,
	})

	return h
}

// Cancel disarms the alarm identified by h. A cancelled alarm never fires,
// even if its deadline has already passed by the time Run is called.
func (s *Scheduler) Cancel(h Handle) {
	for i := range s.alarms {
		if s.alarms[i].handle == h {
			s.alarms[i].live = false

			return
		}
	}
}

// before reports whether a is strictly before b using signed-delta
// comparison modulo 2^32, tolerating wraparound within a 2^31 ms window.
func before(a, b uint32) bool {
	return int32(a-b) < 0
}

// Run drains all alarms whose deadline is due (lowest deadline first, among
// those tied, registration order), then drains the tasklet queue FIFO,
// including any tasklets posted by alarm handlers or by earlier tasklets in
// this same call. It returns whether any live alarm remains pending.
//
// A handler that panics is isolated: the panic is recovered, logged once,
// and Run continues with the remaining work. A missed deadline is not
// treated as an error — skew is additive only, never corrected by
// re-running past handlers.
func (s *Scheduler) Run() (more bool) {
	now := s.nowFunc()

	s.drainAlarms(now)
	s.drainTasks()
	s.compactAlarms()

	return len(s.alarms) > 0
}

// compactAlarms drops dead alarm slots so the backing slice doesn't grow
// without bound across a long-running loop.
func (s *Scheduler) compactAlarms() {
	live := s.alarms[:0]
	for _, a := range s.alarms {
		if a.live {
			live = append(live, a)
		}
	}
	s.alarms = live
}

func (s *Scheduler) drainAlarms(now uint32) {
	for {
		idx := -1
		for i := range s.alarms {
			if !s.alarms[i].live || before(now, s.alarms[i].deadline) {
				continue
			}

			if idx == -1 || before(s.alarms[i].deadline, s.alarms[idx].deadline) {
				idx = i
			}
		}

		if idx == -1 {
			return
		}

		due := s.alarms[idx]
		s.alarms[idx].live = false
		s.runSafely(due.handler)
	}
}

func (s *Scheduler) drainTasks() {
	for len(s.tasks) > 0 {
		t := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.runSafely(t)
	}
}

func (s *Scheduler) runSafely(t Task) {
	if t == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if s.logger != nil {
				s.logger.Error("tasklet panicked, dropping", slogutil.KeyError, r)
			}
		}
	}()

	t()
}

// Pending returns the number of tasklets currently queued, for diagnostics.
func (s *Scheduler) Pending() int {
	return len(s.tasks)
}

// Now returns the scheduler's current time, per nowFunc, so that callers can
// compute relative deadlines for AlarmAt without holding their own clock.
func (s *Scheduler) Now() uint32 {
	return s.nowFunc()
}
