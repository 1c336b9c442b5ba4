// Package backbone implements the optional §4.9 Backbone Agent (Thread
// 1.2): Primary Backbone Router (PBBR) election among candidates with
// mBackboneRouterEnabled set, Domain Prefix publication in Network Data,
// and a randomized registration jitter before a newly-elected PBBR
// asserts itself.
//
// Grounded on internal/schedule's timer style plus internal/arpdb's
// composition-of-interfaces pattern: an Agent is Disabled/Secondary/Primary,
// composed the way arpdbs composes multiple Interfaces.
package backbone

import (
	"log/slog"
	"math/rand/v2"

	"github.com/openthread-go/meshcore/internal/netdata"
	"github.com/openthread-go/meshcore/internal/tasklet"
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// State is an Agent's current backbone role.
type State uint8

// State values.
const (
	StateDisabled State = iota
	StateSecondary
	StatePrimary
)

// Candidate is one device's backbone-eligible weighting, for election.
type Candidate struct {
	RLOC16    threadtype.RLOC16
	Weighting uint8
	Enabled   bool
}

// DomainPrefixFlags packs the Domain Prefix's Border Router TLV flag bits
// (spec.md §4.9; same bit layout as netdata.BorderRouterFlags, reused
// directly since a Domain Prefix is itself a Network Data prefix entry).
type DomainPrefixFlags = netdata.BorderRouterFlags

// RegistrationJitterMaxMs bounds the random delay a newly-elected PBBR
// waits before asserting itself, to avoid simultaneous elections when
// multiple candidates observe the same transition at once (spec.md §4.9).
const RegistrationJitterMaxMs = 5000

// Agent runs the backbone election and Domain Prefix publication for one
// device.
type Agent struct {
	logger *slog.Logger
	sched  *tasklet.Scheduler

	state   State
	ownRLOC threadtype.RLOC16
	enabled bool

	domainPrefix    [16]byte
	domainPrefixLen uint8

	onBecomePrimary   func()
	onBecomeSecondary func()
}

// New returns a Disabled Agent.
func New(logger *slog.Logger, sched *tasklet.Scheduler, ownRLOC threadtype.RLOC16, enabled bool) *Agent {
	return &Agent{
		logger:  logger,
		sched:   sched,
		ownRLOC: ownRLOC,
		enabled: enabled,
		state:   StateDisabled,
	}
}

// State returns the agent's current role.
func (a *Agent) State() State { return a.state }

// SetOwnRLOC16 updates the RLOC16 this agent compares election winners
// against. MLE assigns the device's RLOC16 only after attach completes, so
// the caller must refresh it here before every Elect once attached.
func (a *Agent) SetOwnRLOC16(r threadtype.RLOC16) { a.ownRLOC = r }

// SetCallbacks registers the transition hooks, invoked once per edge.
func (a *Agent) SetCallbacks(onPrimary, onSecondary func()) {
	a.onBecomePrimary = onPrimary
	a.onBecomeSecondary = onSecondary
}

// Elect runs the PBBR election over candidates (every device in the
// partition with mBackboneRouterEnabled set), per spec.md §4.9: "the one
// with highest weighting wins, ties by RLOC". If this device wins and
// wasn't already Primary, it schedules the registration jitter before
// asserting.
func (a *Agent) Elect(candidates []Candidate, now func() uint32) {
	if !a.enabled {
		a.transition(StateDisabled)

		return
	}

	winner, ok := electWinner(candidates)
	if !ok {
		a.transition(StateSecondary)

		return
	}

	if winner.RLOC16 != a.ownRLOC {
		a.transition(StateSecondary)

		return
	}

	if a.state == StatePrimary {
		return
	}

	jitterMs := uint32(rand.IntN(RegistrationJitterMaxMs))
	a.sched.AlarmAt(now()+jitterMs, func() {
		a.transition(StatePrimary)
	})
}

// electWinner picks the highest-weighting enabled candidate, ties broken
// by lowest RLOC16 (spec.md §4.9).
func electWinner(candidates []Candidate) (winner Candidate, ok bool) {
	for _, c := range candidates {
		if !c.Enabled {
			continue
		}

		if !ok || c.Weighting > winner.Weighting ||
			(c.Weighting == winner.Weighting && c.RLOC16 < winner.RLOC16) {
			winner = c
			ok = true
		}
	}

	return winner, ok
}

func (a *Agent) transition(to State) {
	if a.state == to {
		return
	}

	from := a.state
	a.state = to

	if a.logger != nil {
		a.logger.Info("backbone: state transition", "from", from, "to", to)
	}

	switch to {
	case StatePrimary:
		if a.onBecomePrimary != nil {
			a.onBecomePrimary()
		}
	case StateSecondary:
		if from == StatePrimary && a.onBecomeSecondary != nil {
			a.onBecomeSecondary()
		}
	}
}

// SetDomainPrefix records the Domain Prefix this PBBR publishes in
// Network Data once Primary.
func (a *Agent) SetDomainPrefix(prefix [16]byte, prefixLen uint8) {
	a.domainPrefix = prefix
	a.domainPrefixLen = prefixLen
}

// PublishDomainPrefix returns the netdata.PrefixEntry to register, or
// ok=false if this agent is not currently Primary.
func (a *Agent) PublishDomainPrefix() (entry netdata.PrefixEntry, ok bool) {
	if a.state != StatePrimary || a.domainPrefixLen == 0 {
		return netdata.PrefixEntry{}, false
	}

	return netdata.PrefixEntry{
		Prefix:    a.domainPrefix,
		PrefixLen: a.domainPrefixLen,
		RLOC16:    uint16(a.ownRLOC),
		Stable:    true,
		Flags:     DomainPrefixFlags{OnMesh: true, Stable: true, DefaultRoute: true},
	}, true
}
