package mle

import (
	"time"

	"github.com/openthread-go/meshcore/internal/neighbor"
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// SupervisionIntervalSec is how long a parent may go without hearing from
// an rx-off child before sending a content-less liveness frame (spec.md
// §4.6 "Supervision").
const SupervisionIntervalSec = 129

// armChildUpdateTimer schedules the periodic Child Update Request, per
// spec.md §4.6: "a Child emits Child Update Request ... periodically
// (every child-timeout / 2)".
func (m *Machine) armChildUpdateTimer() {
	if m.role != threadtype.RoleChild || m.childTimeoutSec == 0 {
		return
	}

	periodMs := (m.childTimeoutSec / 2) * 1000
	m.sched.AlarmAt(m.sched.Now()+periodMs, m.onChildUpdateTimer)
}

func (m *Machine) onChildUpdateTimer() {
	if m.role != threadtype.RoleChild {
		return
	}

	m.sendChildUpdateRequest()
	m.armChildUpdateTimer()
}

func (m *Machine) sendChildUpdateRequest() {
	parent := m.Neighbors.Get(m.parentRef)
	if parent == nil {
		return
	}

	if err := m.transport.SendUnicast(parent.ExtAddr, MsgChildUpdateRequest, nil); err != nil && m.logger != nil {
		m.logger.Warn("mle: child update request send failed", "err", err)

		return
	}

	m.childUpdateMiss++
	if m.childUpdateMiss >= ChildUpdateMaxMisses {
		// spec.md §4.6: "after 4 consecutive unacknowledged Child Update
		// Requests, Child transitions to Detached".
		m.haveParent = false
		m.setRole(threadtype.RoleDetached)
		m.emit(FlagPartitionIDChanged)
		m.beginAttach()
	}
}

// HandleChildUpdateResponse processes a Child Update Response from our
// parent, resetting the miss counter and absorbing a refreshed Leader Data
// (spec.md §4.6). Network Data is not taken from the response.
func (m *Machine) HandleChildUpdateResponse(ld threadtype.LeaderData) {
	if m.role != threadtype.RoleChild {
		return
	}

	m.childUpdateMiss = 0
	m.leaderData = ld

	if parent := m.Neighbors.Get(m.parentRef); parent != nil {
		parent.LastHeard = m.now()
	}
}

// HandleChildUpdateRequest processes a Child Update Request from one of
// our own children (we are the parent), replying with current Leader Data
// (spec.md §4.6).
func (m *Machine) HandleChildUpdateRequest(from threadtype.ExtAddr) {
	ref, ok := m.Neighbors.FindByExtAddr(from)
	if !ok {
		return
	}

	n := m.Neighbors.Get(ref)
	if n == nil || n.Kind != neighbor.KindChild {
		return
	}

	n.LastHeard = m.now()

	if err := m.transport.SendUnicast(from, MsgChildUpdateResponse, nil); err != nil && m.logger != nil {
		m.logger.Warn("mle: child update response send failed", "err", err)
	}
}

// SuperviseChildren sends a content-less keepalive frame to every rx-off
// child from which nothing has been heard in SupervisionIntervalSec,
// per spec.md §4.6 "Supervision".
func (m *Machine) SuperviseChildren(sendKeepAlive func(extAddr threadtype.ExtAddr)) {
	now := m.now()

	m.Neighbors.Range(func(_ neighbor.Ref, n *neighbor.Neighbor) bool {
		if n.Kind != neighbor.KindChild || n.Mode.RxOnWhenIdle {
			return true
		}

		if now.Sub(n.LastHeard) > time.Duration(SupervisionIntervalSec)*time.Second {
			sendKeepAlive(n.ExtAddr)
		}

		return true
	})
}
