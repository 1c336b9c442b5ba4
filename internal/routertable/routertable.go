// Package routertable implements §4.7 Router ID Allocation (Leader only):
// a 63-slot router-id bitmap, reservation hold-off on release, the
// monotonic router-id sequence, and Advertisement-driven aging of peer
// router entries (spec.md §3 "Router ID Sequence", §4.7).
//
// Grounded on internal/dhcpd/v4.go's ipRange/lease-bitmap allocation style
// (the lowest free slot wins, a released slot is held off before reuse)
// adapted from IPv4 lease addresses to the 63 Thread router ids; ordering
// uses internal/algo.SortedMap the way the teacher orders leases by IP.
package routertable

import (
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/openthread-go/meshcore/internal/algo"
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// ErrNoAddress is returned when no router id can be allocated (mirrors the
// Thread "ST_NoAddressAvailable" status, spec.md §12).
const ErrNoAddress errors.Error = "no address available"

// DefaultContextIDReuseDelay is the hold-off (spec.md §3/§4.7) before a
// freed router id returns to the Free state.
const DefaultContextIDReuseDelay = 48 * time.Hour

// DefaultRouterTimeout is how long a router may go without an Advertisement
// before it's considered unreachable (spec.md §4.7).
const DefaultRouterTimeout = 100 * time.Second

// DefaultRouterIDReuseDelay is how long the Leader must continue observing
// unreachability before it frees the id outright (spec.md §4.7).
const DefaultRouterIDReuseDelay = 5 * time.Minute

// slot is one Router ID Set entry.
type slot struct {
	alloc        threadtype.AllocState
	extAddr      threadtype.ExtAddr
	lastUse      time.Time
	reservedTill time.Time
	unreachSince time.Time
	unreachable  bool
}

// Table is the Leader's Router ID Set: allocation state, last-use time, and
// reservation hold-offs for all 63 router ids (id 62 is the highest
// allocatable; id 63 is reserved, per spec.md §8, and never stored here).
type Table struct {
	logger *slog.Logger

	slots     [threadtype.NumRouterIDs]slot
	sequence  uint8

	contextIDReuseDelay time.Duration
	routerTimeout       time.Duration
	routerIDReuseDelay  time.Duration
}

// New returns an empty Table with the default Thread timing constants.
func New(logger *slog.Logger) *Table {
	return &Table{
		logger:              logger,
		contextIDReuseDelay: DefaultContextIDReuseDelay,
		routerTimeout:       DefaultRouterTimeout,
		routerIDReuseDelay:  DefaultRouterIDReuseDelay,
	}
}

// Sequence returns the current router-id-sequence, broadcast in Leader
// Data.
func (t *Table) Sequence() uint8 { return t.sequence }

// State returns the allocation state of routerID.
func (t *Table) State(routerID uint8) threadtype.AllocState {
	if int(routerID) >= len(t.slots) {
		return threadtype.AllocAllocated // id 63 and beyond: never usable
	}

	return t.slots[routerID].alloc
}

// ExtAddrOf returns the extended address the caller registered routerID
// with.
func (t *Table) ExtAddrOf(routerID uint8) (ext threadtype.ExtAddr, ok bool) {
	if int(routerID) >= len(t.slots) || t.slots[routerID].alloc != threadtype.AllocAllocated {
		return ext, false
	}

	return t.slots[routerID].extAddr, true
}

// FindByExtAddr returns the router id, if any, already allocated to ext.
func (t *Table) FindByExtAddr(ext threadtype.ExtAddr) (routerID uint8, ok bool) {
	for i := range t.slots {
		if t.slots[i].alloc == threadtype.AllocAllocated && t.slots[i].extAddr == ext {
			return uint8(i), true
		}
	}

	return 0, false
}

// Solicit handles an Address Solicit from a device becoming a router,
// per spec.md §4.7: a device already holding an id gets the same one back;
// otherwise the lowest free (non-reserved) id is allocated and the
// sequence bumped.
func (t *Table) Solicit(ext threadtype.ExtAddr, now time.Time) (routerID uint8, err error) {
	if id, ok := t.FindByExtAddr(ext); ok {
		t.slots[id].lastUse = now

		return id, nil
	}

	for i := range t.slots {
		s := &t.slots[i]
		if s.alloc == threadtype.AllocFree {
			return t.allocate(uint8(i), ext, now), nil
		}
		if s.alloc == threadtype.AllocReserved && !now.Before(s.reservedTill) {
			s.alloc = threadtype.AllocFree

			return t.allocate(uint8(i), ext, now), nil
		}
	}

	return 0, errors.Annotate(ErrNoAddress, "router id solicit: %w")
}

func (t *Table) allocate(id uint8, ext threadtype.ExtAddr, now time.Time) uint8 {
	t.slots[id] = slot{
		alloc:   threadtype.AllocAllocated,
		extAddr: ext,
		lastUse: now,
	}
	t.sequence++

	if t.logger != nil {
		t.logger.Debug("router table: allocated router id", "id", id, "seq", t.sequence)
	}

	return id
}

// Release marks routerID Reserved with a hold-off before it returns to
// Free, per spec.md §4.7 "AddressRelease".
func (t *Table) Release(routerID uint8, now time.Time) {
	if int(routerID) >= len(t.slots) {
		return
	}

	t.slots[routerID] = slot{
		alloc:        threadtype.AllocReserved,
		reservedTill: now.Add(t.contextIDReuseDelay),
	}
	t.sequence++
}

// MarkAdvertisementSeen refreshes the liveness clock for routerID, clearing
// any pending unreachability.
func (t *Table) MarkAdvertisementSeen(routerID uint8, now time.Time) {
	if int(routerID) >= len(t.slots) || t.slots[routerID].alloc != threadtype.AllocAllocated {
		return
	}

	s := &t.slots[routerID]
	s.lastUse = now
	s.unreachable = false
	s.unreachSince = time.Time{}
}

// AgeSweep implements spec.md §4.7 "Aging": any allocated router from which
// no Advertisement has been heard within routerTimeout is marked
// unreachable in the local view; once that unreachability has persisted for
// routerIDReuseDelay, the Leader frees the id outright. Returns the ids
// freed by this sweep.
func (t *Table) AgeSweep(now time.Time) (freed []uint8) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.alloc != threadtype.AllocAllocated {
			continue
		}

		if !s.unreachable {
			if now.Sub(s.lastUse) > t.routerTimeout {
				s.unreachable = true
				s.unreachSince = now
			}

			continue
		}

		if now.Sub(s.unreachSince) > t.routerIDReuseDelay {
			freed = append(freed, uint8(i))
			t.Release(uint8(i), now)
		}
	}

	return freed
}

// AcceptSequence reports whether a peer-advertised router-id-sequence is
// within the accepted modular window of ours (spec.md §3: "peers accept a
// new router-id set only when the sequence differs by ≤ 64").
func (t *Table) AcceptSequence(peerSeq uint8) bool {
	delta := peerSeq - t.sequence
	if delta > 128 {
		delta = t.sequence - peerSeq
	}

	return delta <= 64
}

// AllocatedIDs returns every currently-allocated router id, lowest first,
// suitable for building a Route64 TLV.
func (t *Table) AllocatedIDs() (ids []uint8) {
	for i := range t.slots {
		if t.slots[i].alloc == threadtype.AllocAllocated {
			ids = append(ids, uint8(i))
		}
	}

	return ids
}

// Reset clears every slot and the sequence counter, used by MLE when it
// adopts another partition.
func (t *Table) Reset() {
	t.slots = [threadtype.NumRouterIDs]slot{}
	t.sequence = 0
}

// RouteCostIndex is a convenience ordered view over allocated router ids,
// grounded on internal/algo.SortedMap the way the teacher orders DHCP
// leases by address.
type RouteCostIndex struct {
	costs *algo.SortedMap[uint8, uint8]
}

// NewRouteCostIndex returns an empty cost index.
func NewRouteCostIndex() *RouteCostIndex {
	return &RouteCostIndex{costs: algo.NewSortedMap[uint8, uint8]()}
}

// Set records the path cost to routerID.
func (idx *RouteCostIndex) Set(routerID, cost uint8) { idx.costs.Set(routerID, cost) }

// Get returns the path cost to routerID, if known.
func (idx *RouteCostIndex) Get(routerID uint8) (cost uint8, ok bool) { return idx.costs.Get(routerID) }

// Range visits every recorded cost in router-id order.
func (idx *RouteCostIndex) Range(cb func(routerID, cost uint8) bool) { idx.costs.Range(cb) }
