package mle

import (
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// ParentResponse is the parsed content of one MLE Parent Response received
// during an attach window (spec.md §4.6).
type ParentResponse struct {
	ExtAddr          threadtype.ExtAddr
	RLOC16           threadtype.RLOC16
	LeaderData       threadtype.LeaderData
	RouterRoleEnabled bool
	LinkMargin       uint8 // normalized 0..255 link quality toward us
	PathCostToLeader uint8
}

// ChildIDResponse is the parsed content of one MLE Child ID Response.
type ChildIDResponse struct {
	ExtAddr       threadtype.ExtAddr
	ParentRLOC16  threadtype.RLOC16
	ChildRLOC16   threadtype.RLOC16
	LeaderData    threadtype.LeaderData
}

// SelectParent implements spec.md §4.6 "Parent selection": among
// candidates passing the attach filter, prefer (1) higher partition
// weighting, (2) larger partition-id (only relevant under
// BetterPartition), (3) router-role-enabled, (4) higher link margin, (5)
// lower path-cost-to-leader, ties broken by extended address. candidates
// must be non-empty.
func SelectParent(candidates []ParentResponse, filter threadtype.AttachFilter) ParentResponse {
	best := candidates[0]

	for _, c := range candidates[1:] {
		if parentBetter(c, best, filter) {
			best = c
		}
	}

	return best
}

// parentBetter reports whether a should be preferred over b.
func parentBetter(a, b ParentResponse, filter threadtype.AttachFilter) bool {
	if a.LeaderData.Weighting != b.LeaderData.Weighting {
		return a.LeaderData.Weighting > b.LeaderData.Weighting
	}

	if filter == threadtype.FilterBetterPartition && a.LeaderData.PartitionID != b.LeaderData.PartitionID {
		return a.LeaderData.PartitionID > b.LeaderData.PartitionID
	}

	if a.RouterRoleEnabled != b.RouterRoleEnabled {
		return a.RouterRoleEnabled
	}

	if a.LinkMargin != b.LinkMargin {
		return a.LinkMargin > b.LinkMargin
	}

	if a.PathCostToLeader != b.PathCostToLeader {
		return a.PathCostToLeader < b.PathCostToLeader
	}

	return extAddrLess(a.ExtAddr, b.ExtAddr)
}

func extAddrLess(a, b threadtype.ExtAddr) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return false
}
