// Package threadtype contains the core value types shared by every layer of
// the mesh stack: short addresses, extended addresses, device roles and
// modes, and Leader Data. None of these types own a mutex or a goroutine;
// they are plain values passed between the cooperative subsystems described
// in spec.md §5.
package threadtype

import (
	"encoding/binary"
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// Error taxonomy, per spec.md §7. These are sentinel values, not wrapped
// errors, so callers can compare with errors.Is.
const (
	ErrParse         errors.Error = "parse"
	ErrSecurity      errors.Error = "security"
	ErrNoBufs        errors.Error = "no bufs"
	ErrNoRoute       errors.Error = "no route"
	ErrAddressQuery  errors.Error = "address query"
	ErrChannelAccess errors.Error = "channel access"
	ErrNoAck         errors.Error = "no ack"
	ErrBusy          errors.Error = "busy"
	ErrInvalidState  errors.Error = "invalid state"
	ErrNotFound      errors.Error = "not found"
	ErrAlready       errors.Error = "already"
	ErrInvalidArgs   errors.Error = "invalid args"
	ErrNotImplemented errors.Error = "not implemented"
)

// RLOC16 is the 16-bit short address used on the 802.15.4 radio. Per
// spec.md §9's explicit correction, the child-id field is 9 bits wide and
// the router-id field is 6 bits wide: bits [15:9] are the router id, bits
// [8:0] are the child id.
type RLOC16 uint16

// InvalidRLOC16 marks "no address assigned".
const InvalidRLOC16 RLOC16 = 0xfffe

// RouterIDOffset is the bit shift separating the router-id field from the
// child-id field within an RLOC16. Some reference implementations shift by
// 10; spec.md §9 calls that out as a bug and mandates 9.
const RouterIDOffset = 9

// ChildIDMask masks the 9-bit child-id field.
const ChildIDMask = (1 << RouterIDOffset) - 1

// InvalidRouterID marks "no router id allocated". Router ID 63 is reserved
// and never allocated (spec.md §8).
const InvalidRouterID uint8 = 63

// MaxRouterID is the highest allocatable router id (0..62 inclusive).
const MaxRouterID uint8 = 62

// NumRouterIDs is the number of router-id slots in the Router ID Set.
const NumRouterIDs = int(InvalidRouterID)

// RouterID returns the router-id field of rloc.
func (r RLOC16) RouterID() uint8 {
	return uint8(r >> RouterIDOffset)
}

// ChildID returns the child-id field of rloc.
func (r RLOC16) ChildID() uint16 {
	return uint16(r) & ChildIDMask
}

// IsRouterRLOC reports whether r addresses a router (child id zero) rather
// than a child.
func (r RLOC16) IsRouterRLOC() bool {
	return r.ChildID() == 0
}

// RLOC16FromRouterID builds the router RLOC16 for the given router id (its
// own child-id field is zero).
func RLOC16FromRouterID(routerID uint8) RLOC16 {
	return RLOC16(uint16(routerID) << RouterIDOffset)
}

// String implements fmt.Stringer.
func (r RLOC16) String() string {
	return fmt.Sprintf("0x%04x", uint16(r))
}

// ExtAddr is a 64-bit IEEE EUI-64 extended address.
type ExtAddr [8]byte

// String implements fmt.Stringer.
func (e ExtAddr) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x%02x%02x",
		e[0], e[1], e[2], e[3], e[4], e[5], e[6], e[7])
}

// IsZero reports whether e is the all-zero address.
func (e ExtAddr) IsZero() bool {
	return e == ExtAddr{}
}

// Uint64 returns e as a big-endian 64-bit integer, for use as an opaque map
// key (e.g. keymanager's per-neighbor replay watermark).
func (e ExtAddr) Uint64() uint64 {
	return binary.BigEndian.Uint64(e[:])
}

// Role is a device's current position in the Thread topology state
// machine (spec.md §4.6).
type Role uint8

// Role values.
const (
	RoleDisabled Role = iota
	RoleDetached
	RoleChild
	RoleRouter
	RoleLeader
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleDisabled:
		return "disabled"
	case RoleDetached:
		return "detached"
	case RoleChild:
		return "child"
	case RoleRouter:
		return "router"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// DeviceMode carries the four Mode-TLV capability bits (spec.md §3).
type DeviceMode struct {
	RxOnWhenIdle     bool
	SecureDataReqs   bool
	FullThreadDevice bool
	FullNetworkData  bool
}

// Byte packs the mode into the single-byte Mode TLV wire representation.
func (m DeviceMode) Byte() byte {
	var b byte
	if m.RxOnWhenIdle {
		b |= 1 << 3
	}
	if m.SecureDataReqs {
		b |= 1 << 2
	}
	if m.FullThreadDevice {
		b |= 1 << 1
	}
	if m.FullNetworkData {
		b |= 1 << 0
	}

	return b
}

// ModeFromByte unpacks a Mode TLV byte.
func ModeFromByte(b byte) (m DeviceMode) {
	return DeviceMode{
		RxOnWhenIdle:     b&(1<<3) != 0,
		SecureDataReqs:   b&(1<<2) != 0,
		FullThreadDevice: b&(1<<1) != 0,
		FullNetworkData:  b&(1<<0) != 0,
	}
}

// IsFTD reports whether the mode describes a Full Thread Device capable of
// becoming a router.
func (m DeviceMode) IsFTD() bool {
	return m.FullThreadDevice
}

// IsMED reports whether the mode describes a Minimal End Device (rx-off,
// relies on indirect transmission).
func (m DeviceMode) IsMED() bool {
	return !m.RxOnWhenIdle
}

// LeaderData is the partition-identifying tuple broadcast in every MLE
// Advertisement (spec.md §3). Invariant: every device in a partition
// eventually converges on the same tuple.
type LeaderData struct {
	PartitionID        uint32
	Weighting          uint8
	DataVersion        uint8
	StableDataVersion  uint8
	LeaderRouterID     uint8
}

// Better reports whether ld is preferred over other when selecting a
// partition to join or merge into: higher weighting wins, ties broken by
// larger partition id (spec.md §4.6 "partition merge").
func (ld LeaderData) Better(other LeaderData) bool {
	if ld.Weighting != other.Weighting {
		return ld.Weighting > other.Weighting
	}

	return ld.PartitionID > other.PartitionID
}

// AttachFilter scopes which Parent Responses are considered during attach
// (spec.md §4.6).
type AttachFilter uint8

// AttachFilter values.
const (
	FilterAnyPartition AttachFilter = iota
	FilterSamePartition
	FilterBetterPartition
)

// AllocState is a Router Table slot's allocation state (spec.md §3).
type AllocState uint8

// AllocState values.
const (
	AllocFree AllocState = iota
	AllocReserved
	AllocAllocated
)
