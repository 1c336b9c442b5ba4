package mle

import (
	"fmt"

	"github.com/openthread-go/meshcore/internal/routertable"
	"github.com/openthread-go/meshcore/internal/threadtype"
	"github.com/openthread-go/meshcore/internal/tlv"
)

// onAdvertiseFire is the Trickle fire callback: broadcasts Leader Data and
// a Route64 TLV, per spec.md §4.6 "Advertisement".
func (m *Machine) onAdvertiseFire() {
	if m.role != threadtype.RoleRouter && m.role != threadtype.RoleLeader {
		m.advertise.Stop()

		return
	}

	payload := m.buildAdvertisement()
	if err := m.transport.SendMulticast(MsgAdvertisement, payload); err != nil && m.logger != nil {
		m.logger.Warn("mle: advertisement send failed", "err", err)
	}

	m.runBackboneElection()
}

func (m *Machine) buildAdvertisement() []byte {
	var buf []byte
	buf = tlv.EncodeLeaderData(buf, tlv.LeaderData{
		PartitionID:       m.leaderData.PartitionID,
		Weighting:         m.leaderData.Weighting,
		DataVersion:       m.leaderData.DataVersion,
		StableDataVersion: m.leaderData.StableDataVersion,
		LeaderRouterID:    m.leaderData.LeaderRouterID,
	})

	if m.Routers != nil {
		entries := make([]tlv.RouteEntry, 0)
		for _, id := range m.Routers.AllocatedIDs() {
			entries = append(entries, tlv.RouteEntry{RouterID: id, Allocated: true, OutCost: 1, LinkQualIn: 3})
		}
		buf = tlv.EncodeRoute64(buf, m.Routers.Sequence(), entries)
	}

	return buf
}

// DecodeAdvertisement parses an Advertisement's TLV payload (Leader Data and
// an optional Route64), for the receive-side wiring layer to call before
// handing the result to HandleAdvertisement.
func DecodeAdvertisement(payload []byte) (ld threadtype.LeaderData, routerSeq uint8, routerIDs []uint8, err error) {
	tlvs, err := tlv.Decode(payload)
	if err != nil {
		return threadtype.LeaderData{}, 0, nil, err
	}

	ldTLV, ok := tlv.Find(tlvs, tlv.TypeLeaderData)
	if !ok {
		return threadtype.LeaderData{}, 0, nil, fmt.Errorf("mle: advertisement missing leader data tlv")
	}

	decoded, err := tlv.DecodeLeaderData(ldTLV.Value)
	if err != nil {
		return threadtype.LeaderData{}, 0, nil, err
	}

	ld = threadtype.LeaderData{
		PartitionID:       decoded.PartitionID,
		Weighting:         decoded.Weighting,
		DataVersion:       decoded.DataVersion,
		StableDataVersion: decoded.StableDataVersion,
		LeaderRouterID:    decoded.LeaderRouterID,
	}

	routeTLV, ok := tlv.Find(tlvs, tlv.TypeRoute64)
	if !ok {
		return ld, 0, nil, nil
	}

	seq, entries, err := tlv.DecodeRoute64(routeTLV.Value)
	if err != nil {
		return threadtype.LeaderData{}, 0, nil, err
	}

	for _, e := range entries {
		routerIDs = append(routerIDs, e.RouterID)
	}

	return ld, seq, routerIDs, nil
}

// HandleAdvertisement processes a received MLE Advertisement: it resets
// the local Trickle timer on any inconsistency (divergent Leader Data, or
// a new router-id allocation observed), merges in a strictly-newer
// partition view, and ages the sending router's liveness.
func (m *Machine) HandleAdvertisement(from threadtype.ExtAddr, ld threadtype.LeaderData, routerSeq uint8, routerIDs []uint8) {
	if ref, ok := m.Neighbors.FindByExtAddr(from); ok {
		if n := m.Neighbors.Get(ref); n != nil {
			n.LastHeard = m.now()
		}
	}

	if m.Routers != nil {
		for _, id := range routerIDs {
			m.Routers.MarkAdvertisementSeen(id, m.now())
		}
	}

	switch m.role {
	case threadtype.RoleLeader:
		m.handleAdvertisementAsLeader(ld)
	case threadtype.RoleRouter, threadtype.RoleChild:
		m.handleAdvertisementAsNonLeader(ld, routerSeq)
	}
}

// handleAdvertisementAsLeader implements spec.md §4.6 "Leader: partition
// merge with higher (weighting, partition-id) → Child: adopt new
// partition".
func (m *Machine) handleAdvertisementAsLeader(ld threadtype.LeaderData) {
	if !ld.Better(m.leaderData) {
		return
	}

	if m.logger != nil {
		m.logger.Info("mle: yielding leadership to better partition", "newPartition", ld.PartitionID)
	}

	m.adoptPartition(ld)
}

func (m *Machine) handleAdvertisementAsNonLeader(ld threadtype.LeaderData, routerSeq uint8) {
	inconsistent := ld != m.leaderData
	if m.Routers != nil && !m.Routers.AcceptSequence(routerSeq) {
		inconsistent = true
	}

	if ld.Better(m.leaderData) {
		m.adoptPartition(ld)

		return
	}

	if inconsistent {
		m.advertise.Reset()
	}
}

// adoptPartition transitions into a better-weighted partition, per the
// "Leader: partition merge" and "Detached: any role → re-attach" flows;
// every router id held under the old partition is released, since none of
// them carries forward (spec.md §8 scenario 3: "no router in A retains its
// router id").
func (m *Machine) adoptPartition(ld threadtype.LeaderData) {
	if m.Routers != nil {
		m.Routers.Reset()
		m.Routers = nil
	}
	m.NetData = nil
	m.haveParent = false

	m.leaderData = ld
	m.setRole(threadtype.RoleDetached)
	m.emit(FlagPartitionIDChanged)
	m.beginAttach()
}

// maybeUpgradeToRouter checks spec.md §4.6's "Child: router-upgrade
// threshold met AND role-enabled → Router" transition.
func (m *Machine) maybeUpgradeToRouter() {
	if m.role != threadtype.RoleChild || !m.mode.IsFTD() {
		return
	}

	activeRouters := 0
	if m.Routers != nil {
		activeRouters = len(m.Routers.AllocatedIDs())
	}

	if activeRouters >= m.routerUpgradeThreshold {
		return
	}

	jitterMs := uint32(m.routerSelectionJitterSec) * 1000
	m.sched.AlarmAt(m.sched.Now()+jitterMs, m.attemptRouterUpgrade)
}

func (m *Machine) attemptRouterUpgrade() {
	if m.role != threadtype.RoleChild || m.leader == nil {
		return
	}

	routerID, err := m.leader.AddressSolicit(m.ownExtAddr)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("mle: address solicit failed, reverting to child", "err", err)
		}

		return
	}

	m.ownRLOC16 = threadtype.RLOC16FromRouterID(routerID)
	m.Routers = routertable.New(m.logger)
	m.setRole(threadtype.RoleRouter)
}

// maybeDowngradeToChild checks spec.md §4.6's "Router: router-downgrade
// threshold met → Child" transition.
func (m *Machine) maybeDowngradeToChild() {
	if m.role != threadtype.RoleRouter || m.Routers == nil {
		return
	}

	if len(m.Routers.AllocatedIDs()) <= m.routerDowngradeThreshold {
		return
	}

	routerID := m.ownRLOC16.RouterID()
	if m.leader != nil {
		if err := m.leader.AddressRelease(routerID); err != nil && m.logger != nil {
			m.logger.Warn("mle: address release failed", "err", err)
		}
	}

	m.Routers = nil
	m.setRole(threadtype.RoleChild)
}

// CheckElectedLeader reports whether this device should become Leader of
// its current partition, per spec.md §4.6: "elected as leader (highest
// weighting, then lowest router-id, within partition)". Called by the
// wiring layer once every router in the partition has been heard from at
// least once.
func (m *Machine) CheckElectedLeader(candidates []threadtype.LeaderData) bool {
	for _, c := range candidates {
		if c.Weighting > m.leaderData.Weighting {
			return false
		}
		if c.Weighting == m.leaderData.Weighting && c.LeaderRouterID < m.leaderData.LeaderRouterID {
			return false
		}
	}

	return true
}
