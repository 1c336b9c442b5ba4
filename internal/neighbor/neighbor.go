// Package neighbor implements the Neighbor data model of spec.md §3 and the
// "Deep inheritance" design note of §9: a single Neighbor record plus a
// tagged NeighborKind union, rather than a Neighbor→Child→Router class
// hierarchy. The table itself is addressed by stable index (§9, "arena +
// stable index"), never by pointer, so that aging and eviction can reorder
// entries freely.
//
// Grounded on internal/arpdb/arpdb.go's neighs wrapper: a single type owns
// the mutation surface and hands out clones, except here the owner is MLE
// alone (spec.md §5: "Neighbor table: written by MLE only"), so no lock is
// needed internally — callers that genuinely cross a goroutine boundary
// (e.g. a radio HAL callback) must bounce through the tasklet scheduler
// first, per spec.md §5.
package neighbor

import (
	"time"

	"github.com/openthread-go/meshcore/internal/algo"
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// State is a Neighbor's link-establishment state (spec.md §3).
type State uint8

// State values.
const (
	StateInvalid State = iota
	StateRestored
	StateLinkRequest
	StateLinkAccept
	StateChild
	StateParent
	StateRouter
)

// Reachable reports whether s implies a completed security handshake
// (spec.md §3 invariant: "reachable ... only after a mutual key sequence
// and frame-counter handshake").
func (s State) Reachable() bool {
	return s >= StateLinkAccept
}

// Kind tags which role-specific fields of a Neighbor are meaningful,
// replacing the Child/Parent/Router subclasses of the original (spec.md
// §9).
type Kind uint8

// Kind values.
const (
	KindGeneric Kind = iota
	KindChild
	KindParent
	KindRouter
)

// ChildData holds fields meaningful only when Kind == KindChild.
type ChildData struct {
	SupervisionCounter uint32
	IndirectQueueHead  uint32 // msgpool.Ref, kept as uint32 to avoid an import cycle
	NetworkDataVersion uint8
	ChildID            uint16
}

// ParentData holds fields meaningful only when Kind == KindParent.
type ParentData struct {
	PathCost     uint8
	LinkQualOut  uint8
	Priority     uint8
}

// RouterData holds fields meaningful only when Kind == KindRouter.
type RouterData struct {
	NextHop   uint8 // router id of the next hop toward this router, or self
	PathCost  uint8
	Alloc     threadtype.AllocState
	AgeSec    uint32
}

// RSSISample is one link-quality observation.
type RSSISample struct {
	RSSI int8
}

// Neighbor is the single record type for any 802.15.4 peer sharing a
// security association with this device (spec.md §3).
type Neighbor struct {
	ExtAddr    threadtype.ExtAddr
	RLOC16     threadtype.RLOC16
	Mode       threadtype.DeviceMode
	State      State
	LastHeard  time.Time
	TimeoutSec uint32
	KeySeq     uint32

	MACFrameCounter uint32
	MLEFrameCounter uint32

	LinkQualityIn    uint8 // 0..3
	QualityOverride  *uint8
	rssiWindow       *algo.RingBuffer[RSSISample]
	rssiEMA          float64

	Kind   Kind
	Child  ChildData
	Parent ParentData
	Router RouterData
}

// New builds a Neighbor for extAddr, with an RSSI window sized for a few
// seconds of samples.
func New(extAddr threadtype.ExtAddr) Neighbor {
	return Neighbor{
		ExtAddr:    extAddr,
		State:      StateInvalid,
		rssiWindow: algo.NewRingBuffer[RSSISample](8),
	}
}

// RecordRSSI appends a new link-quality sample and updates the
// exponential-moving-average used for link-quality-in estimation.
const rssiEMAAlpha = 0.25

func (n *Neighbor) RecordRSSI(rssi int8) {
	if n.rssiWindow == nil {
		n.rssiWindow = algo.NewRingBuffer[RSSISample](8)
	}

	n.rssiWindow.Append(RSSISample{RSSI: rssi})
	if n.rssiEMA == 0 {
		n.rssiEMA = float64(rssi)
	} else {
		n.rssiEMA = rssiEMAAlpha*float64(rssi) + (1-rssiEMAAlpha)*n.rssiEMA
	}
}

// RSSIEMA returns the current smoothed RSSI estimate.
func (n *Neighbor) RSSIEMA() float64 {
	return n.rssiEMA
}

// RecentRSSI returns up to n of the most recently recorded RSSI samples,
// newest first, for link-quality diagnostics.
func (n *Neighbor) RecentRSSI(max uint) (samples []int8) {
	if n.rssiWindow == nil {
		return nil
	}

	var i uint
	n.rssiWindow.ReverseRange(func(s RSSISample) (cont bool) {
		if i >= max {
			return false
		}

		samples = append(samples, s.RSSI)
		i++

		return true
	})

	return samples
}

// EffectiveLinkQuality returns QualityOverride if set, else LinkQualityIn.
func (n *Neighbor) EffectiveLinkQuality() uint8 {
	if n.QualityOverride != nil {
		return *n.QualityOverride
	}

	return n.LinkQualityIn
}

// Expired reports whether the neighbor's keepalive timeout has elapsed as
// of now (spec.md §8: "c.last_heard + c.timeout is in the future, or c has
// been emitted for eviction").
func (n *Neighbor) Expired(now time.Time) bool {
	if n.TimeoutSec == 0 {
		return false
	}

	return now.After(n.LastHeard.Add(time.Duration(n.TimeoutSec) * time.Second))
}

// Ref is a stable index into a Table.
type Ref uint32

const invalidRef Ref = 0

// Table is a fixed-size array of Neighbor slots addressed by stable index,
// per spec.md §9. It is mutated only by MLE; MAC and the Mesh Forwarder
// read through Get and FindByRLOC16.
type Table struct {
	slots    []Neighbor
	occupied []bool
	byRLOC   map[threadtype.RLOC16]Ref
	byExt    map[threadtype.ExtAddr]Ref
}

// NewTable returns a Table with room for capacity neighbors.
func NewTable(capacity int) *Table {
	return &Table{
		slots:    make([]Neighbor, capacity+1),
		occupied: make([]bool, capacity+1),
		byRLOC:   make(map[threadtype.RLOC16]Ref),
		byExt:    make(map[threadtype.ExtAddr]Ref),
	}
}

// Add inserts a new neighbor and returns its stable Ref. It overwrites any
// existing entry with the same extended address.
func (t *Table) Add(n Neighbor) (ref Ref, ok bool) {
	if existing, has := t.byExt[n.ExtAddr]; has {
		t.slots[existing] = n
		t.reindex(existing)

		return existing, true
	}

	for i := 1; i < len(t.slots); i++ {
		if !t.occupied[i] {
			t.occupied[i] = true
			if n.rssiWindow == nil {
				n.rssiWindow = algo.NewRingBuffer[RSSISample](8)
			}
			t.slots[i] = n
			t.reindex(Ref(i))

			return Ref(i), true
		}
	}

	return invalidRef, false
}

func (t *Table) reindex(ref Ref) {
	n := &t.slots[ref]
	t.byExt[n.ExtAddr] = ref
	if n.RLOC16 != 0 {
		t.byRLOC[n.RLOC16] = ref
	}
}

// Get returns a pointer to the neighbor at ref, or nil if ref is unused.
func (t *Table) Get(ref Ref) *Neighbor {
	if ref == invalidRef || int(ref) >= len(t.slots) || !t.occupied[ref] {
		return nil
	}

	return &t.slots[ref]
}

// FindByRLOC16 returns the Ref of the neighbor currently holding rloc16.
func (t *Table) FindByRLOC16(rloc16 threadtype.RLOC16) (ref Ref, ok bool) {
	ref, ok = t.byRLOC[rloc16]

	return ref, ok
}

// FindByExtAddr returns the Ref of the neighbor with the given extended
// address.
func (t *Table) FindByExtAddr(ext threadtype.ExtAddr) (ref Ref, ok bool) {
	ref, ok = t.byExt[ext]

	return ref, ok
}

// Remove evicts the neighbor at ref, per spec.md §3 ("destroyed on timeout
// expiry, router ID release, or explicit detach").
func (t *Table) Remove(ref Ref) {
	n := t.Get(ref)
	if n == nil {
		return
	}

	delete(t.byExt, n.ExtAddr)
	delete(t.byRLOC, n.RLOC16)
	t.occupied[ref] = false
	t.slots[ref] = Neighbor{}
}

// Range calls cb for every occupied slot, in index order. If cb returns
// false, Range stops early.
func (t *Table) Range(cb func(ref Ref, n *Neighbor) (cont bool)) {
	for i := 1; i < len(t.slots); i++ {
		if !t.occupied[i] {
			continue
		}

		if !cb(Ref(i), &t.slots[i]) {
			return
		}
	}
}

// EvictExpired removes every neighbor whose keepalive timeout has elapsed
// as of now and returns their former Refs, for the caller (MLE) to emit
// CHILD_REMOVED-style notifications.
func (t *Table) EvictExpired(now time.Time) (evicted []Ref) {
	t.Range(func(ref Ref, n *Neighbor) bool {
		if n.Expired(now) {
			evicted = append(evicted, ref)
		}

		return true
	})

	for _, ref := range evicted {
		t.Remove(ref)
	}

	return evicted
}

// Len returns the number of occupied slots.
func (t *Table) Len() (n int) {
	for i := 1; i < len(t.slots); i++ {
		if t.occupied[i] {
			n++
		}
	}

	return n
}
