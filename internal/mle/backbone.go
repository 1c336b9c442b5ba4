package mle

import (
	"github.com/openthread-go/meshcore/internal/backbone"
	"github.com/openthread-go/meshcore/internal/netdata"
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// SetBackbone wires agent into the role/Advertisement path: every role
// transition and every Advertisement re-runs the PBBR election (spec.md
// §4.9), and a Primary/Secondary edge registers or withdraws the Domain
// Prefix in Network Data.
func (m *Machine) SetBackbone(agent *backbone.Agent) {
	m.backbone = agent
	if agent != nil {
		agent.SetCallbacks(m.onBackbonePrimary, m.onBackboneSecondary)
	}
}

// runBackboneElection re-evaluates this device's own PBBR candidacy. Only
// this device is ever a candidate: nothing in this module decodes a
// Backbone Router Service TLV for other partition members yet, so the
// election degenerates to "am I enabled and FTD-capable" rather than a
// true multi-candidate comparison (see DESIGN.md).
func (m *Machine) runBackboneElection() {
	if m.backbone == nil {
		return
	}

	m.backbone.SetOwnRLOC16(m.ownRLOC16)

	enabled := m.mode.IsFTD() && (m.role == threadtype.RoleRouter || m.role == threadtype.RoleLeader)
	candidates := []backbone.Candidate{{
		RLOC16:    m.ownRLOC16,
		Weighting: m.leaderData.Weighting,
		Enabled:   enabled,
	}}

	m.backbone.Elect(candidates, m.sched.Now)
}

// onBackbonePrimary publishes the Domain Prefix in Network Data once this
// device wins PBBR election.
func (m *Machine) onBackbonePrimary() {
	if m.NetData == nil || m.backbone == nil {
		return
	}

	entry, ok := m.backbone.PublishDomainPrefix()
	if !ok {
		return
	}

	m.NetData.RegisterServerData([]netdata.PrefixEntry{entry}, m.now())
}

// onBackboneSecondary withdraws any Domain Prefix this device had
// registered, on losing PBBR election.
func (m *Machine) onBackboneSecondary() {
	if m.NetData == nil {
		return
	}

	m.NetData.RemoveRLOC16(uint16(m.ownRLOC16), m.now())
}
