// Package mle implements §4.6 the MLE (Mesh Link Establishment) state
// machine: attach, parent selection, role transitions
// (Disabled/Detached/Child/Router/Leader), Advertisement via Trickle,
// Child Update, and Discover.
//
// Grounded on internal/dhcpd/v4.go's lease state machine (ResetLeases,
// GetLeases, expiry-driven removal), generalized from DHCP leases to
// Thread neighbors: a Machine owns one neighbor.Table the same way a DHCP
// server owns one lease table, and timeouts drive state transitions
// instead of lease expiry.
package mle

import (
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/uuid"
	"github.com/openthread-go/meshcore/internal/addrresolver"
	"github.com/openthread-go/meshcore/internal/backbone"
	"github.com/openthread-go/meshcore/internal/keymanager"
	"github.com/openthread-go/meshcore/internal/neighbor"
	"github.com/openthread-go/meshcore/internal/netdata"
	"github.com/openthread-go/meshcore/internal/routertable"
	"github.com/openthread-go/meshcore/internal/tasklet"
	"github.com/openthread-go/meshcore/internal/threadtype"
	"github.com/openthread-go/meshcore/internal/trickle"
)

// Attach timing constants (spec.md §4.6, §8 scenario 1/2).
const (
	ParentRequestWindowMs = 1300
	MaxAttachAttempts     = 3
	ChildUpdateMaxMisses  = 4

	AdvertisementMinMs = 1000
	AdvertisementMaxMs = 120000
)

// MessageType names an outbound MLE command, per spec.md §6.
type MessageType uint8

// MessageType values.
const (
	MsgParentRequest MessageType = iota
	MsgParentResponse
	MsgChildIDRequest
	MsgChildIDResponse
	MsgChildUpdateRequest
	MsgChildUpdateResponse
	MsgAdvertisement
	MsgDataResponse
)

// Transport abstracts sending a serialized MLE command over UDP/19788 to a
// specific neighbor or to the realm-local multicast group; the actual
// socket and TLV wire encoding live at the thread.Instance wiring layer, so
// this package can be exercised with a fake in tests.
type Transport interface {
	SendUnicast(dst threadtype.ExtAddr, msgType MessageType, payload []byte) error
	SendMulticast(msgType MessageType, payload []byte) error
}

// LeaderClient abstracts the CoAP Address Solicit/Release round trip to
// the partition Leader (spec.md §6 paths a/as, a/ar), used by a
// non-leader FTD attempting a router upgrade or downgrade.
type LeaderClient interface {
	AddressSolicit(extAddr threadtype.ExtAddr) (routerID uint8, err error)
	AddressRelease(routerID uint8) error
}

// RoleChangeFlags mirrors the upward event bitmap of spec.md §6.
type RoleChangeFlags uint32

// RoleChangeFlags bits.
const (
	FlagRoleChanged RoleChangeFlags = 1 << iota
	FlagNetDataUpdated
	FlagChildAdded
	FlagChildRemoved
	FlagPartitionIDChanged
)

// EventCallback receives a change-flags bitmap on each partition-affecting
// event, per spec.md §6.
type EventCallback func(flags RoleChangeFlags)

// Machine is the MLE state machine for one device. It owns the neighbor
// table and (when Leader) the router table and network data leader; it
// never touches the radio directly (spec.md §5: "MLE never calls the
// radio directly").
type Machine struct {
	logger    *slog.Logger
	sched     *tasklet.Scheduler
	transport Transport
	leader    LeaderClient
	resolver  *addrresolver.Resolver

	Neighbors *neighbor.Table
	Routers   *routertable.Table
	NetData   *netdata.Leader

	ownExtAddr threadtype.ExtAddr
	ownRLOC16  threadtype.RLOC16
	mode       threadtype.DeviceMode
	masterKey  keymanager.Key

	role         threadtype.Role
	leaderData  threadtype.LeaderData
	attachFilter threadtype.AttachFilter

	networkName  string
	extPANID     [8]byte

	parentRef        neighbor.Ref
	haveParent       bool
	pendingParent    *ParentResponse
	childTimeoutSec  uint32
	childUpdateMiss  int

	routerUpgradeThreshold   int
	routerDowngradeThreshold int
	routerSelectionJitterSec int

	attachAttempts  int
	attaching       bool
	candidates      []ParentResponse
	attachCorrelation string

	advertise *trickle.Timer
	backbone  *backbone.Agent

	onEvent EventCallback
}

// Config carries the fixed operational-dataset fields a Machine needs at
// construction (spec.md §6 "Thread: get/set_network_name, ... ,
// get/set_master_key, ...").
type Config struct {
	ExtAddr                  threadtype.ExtAddr
	Mode                     threadtype.DeviceMode
	MasterKey                keymanager.Key
	NetworkName              string
	ExtPANID                 [8]byte
	ChildTimeoutSec          uint32
	RouterUpgradeThreshold   int
	RouterDowngradeThreshold int
	RouterSelectionJitterSec int
}

// New returns a Disabled Machine. neighCapacity bounds the neighbor table
// (parents, children, routers all share one table per spec.md §3/§9).
func New(
	logger *slog.Logger,
	sched *tasklet.Scheduler,
	transport Transport,
	leaderClient LeaderClient,
	resolver *addrresolver.Resolver,
	cfg Config,
	neighCapacity int,
) *Machine {
	m := &Machine{
		logger:                   logger,
		sched:                    sched,
		transport:                transport,
		leader:                   leaderClient,
		resolver:                 resolver,
		Neighbors:                neighbor.NewTable(neighCapacity),
		ownExtAddr:               cfg.ExtAddr,
		mode:                     cfg.Mode,
		masterKey:                cfg.MasterKey,
		role:                     threadtype.RoleDisabled,
		networkName:              cfg.NetworkName,
		extPANID:                 cfg.ExtPANID,
		childTimeoutSec:          cfg.ChildTimeoutSec,
		routerUpgradeThreshold:   cfg.RouterUpgradeThreshold,
		routerDowngradeThreshold: cfg.RouterDowngradeThreshold,
		routerSelectionJitterSec: cfg.RouterSelectionJitterSec,
		attachFilter:             threadtype.FilterAnyPartition,
	}

	m.advertise = trickle.New(sched, AdvertisementMinMs, AdvertisementMaxMs, m.onAdvertiseFire)

	return m
}

// SetEventCallback registers the single upward event callback, per
// spec.md §6 ("a single registered callback receives a change-flags
// bitmap").
func (m *Machine) SetEventCallback(cb EventCallback) { m.onEvent = cb }

func (m *Machine) emit(flags RoleChangeFlags) {
	if m.onEvent != nil {
		m.onEvent(flags)
	}
}

// Role returns the current role.
func (m *Machine) Role() threadtype.Role { return m.role }

// OwnRLOC16 returns this device's currently assigned short address.
func (m *Machine) OwnRLOC16() threadtype.RLOC16 { return m.ownRLOC16 }

// LeaderData returns the locally-stored Leader Data tuple.
func (m *Machine) LeaderData() threadtype.LeaderData { return m.leaderData }

// setRole transitions to newRole, emitting FlagRoleChanged unless the role
// is unchanged.
func (m *Machine) setRole(newRole threadtype.Role) {
	if m.role == newRole {
		return
	}

	old := m.role
	m.role = newRole

	if m.logger != nil {
		m.logger.Info("mle: role transition", "from", old, "to", newRole)
	}

	m.emit(FlagRoleChanged)

	switch newRole {
	case threadtype.RoleRouter, threadtype.RoleLeader:
		m.advertise.Start()
	default:
		m.advertise.Stop()
	}

	m.runBackboneElection()
}

// Start begins attach from Disabled, per spec.md §4.6's Disabled→Detached
// transition ("start() with restored credentials").
func (m *Machine) Start() error {
	if m.role != threadtype.RoleDisabled {
		return errors.Annotate(threadtype.ErrInvalidState, "mle: start: %w")
	}

	m.setRole(threadtype.RoleDetached)
	m.beginAttach()

	return nil
}

// Stop disables the stack, per spec.md §6 lifecycle.
func (m *Machine) Stop() {
	m.advertise.Stop()
	m.setRole(threadtype.RoleDisabled)
}

// beginAttach starts one attach attempt: broadcasts a Parent Request and
// arms the collection window.
func (m *Machine) beginAttach() {
	m.attaching = true
	m.candidates = nil
	m.attachAttempts++
	m.attachCorrelation = uuid.NewString()

	if m.logger != nil {
		m.logger.Debug("mle: sending parent request", "attempt", m.attachAttempts, "correlation", m.attachCorrelation)
	}

	if err := m.transport.SendMulticast(MsgParentRequest, nil); err != nil && m.logger != nil {
		m.logger.Warn("mle: parent request send failed", "err", err)
	}

	m.sched.AlarmAt(m.sched.Now()+ParentRequestWindowMs, m.onAttachWindowClosed)
}

// HandleParentResponse records a Parent Response candidate received during
// an open attach window; responses outside the scoped aFilter are ignored
// (spec.md §4.6 "Attach filter").
func (m *Machine) HandleParentResponse(resp ParentResponse) {
	if !m.attaching {
		return
	}

	if !attachFilterAccepts(m.attachFilter, m.leaderData, resp.LeaderData) {
		return
	}

	m.candidates = append(m.candidates, resp)
}

// attachFilterAccepts scopes which Parent Responses are considered, per
// spec.md §4.6.
func attachFilterAccepts(filter threadtype.AttachFilter, current, candidate threadtype.LeaderData) bool {
	switch filter {
	case threadtype.FilterSamePartition:
		return candidate.PartitionID == current.PartitionID
	case threadtype.FilterBetterPartition:
		return candidate.Better(current)
	default: // FilterAnyPartition
		return true
	}
}

// onAttachWindowClosed picks the best collected Parent Response and
// advances the attach state machine, or (if none arrived and attempts are
// exhausted) becomes Leader of a new singleton partition, per spec.md
// §4.6's "Detached, attach-attempts exhausted with priority=AnyPartition
// → Child-as-singleton → become Leader".
func (m *Machine) onAttachWindowClosed() {
	m.attaching = false

	if len(m.candidates) == 0 {
		if m.attachAttempts >= MaxAttachAttempts {
			m.becomeLeaderOfNewPartition()

			return
		}

		m.beginAttach()

		return
	}

	best := SelectParent(m.candidates, m.attachFilter)
	m.sendChildIDRequest(best)
}

func (m *Machine) sendChildIDRequest(resp ParentResponse) {
	if err := m.transport.SendUnicast(resp.ExtAddr, MsgChildIDRequest, nil); err != nil && m.logger != nil {
		m.logger.Warn("mle: child id request send failed", "err", err)

		return
	}

	m.pendingParent = &resp
}

// HandleChildIDResponse completes attach: the device becomes a Child of
// the responding parent (spec.md §4.6 "Detached, received Parent Response
// accepted → Child").
func (m *Machine) HandleChildIDResponse(resp ChildIDResponse) {
	if m.pendingParent == nil || m.pendingParent.ExtAddr != resp.ExtAddr {
		return
	}

	parent := neighbor.New(resp.ExtAddr)
	parent.RLOC16 = resp.ParentRLOC16
	parent.State = neighbor.StateParent
	parent.Kind = neighbor.KindParent
	parent.LastHeard = m.now()
	parent.TimeoutSec = m.childTimeoutSec
	parent.Parent = neighbor.ParentData{
		PathCost:    m.pendingParent.PathCostToLeader,
		LinkQualOut: 3,
	}

	ref, ok := m.Neighbors.Add(parent)
	if !ok {
		if m.logger != nil {
			m.logger.Error("mle: neighbor table full, cannot attach")
		}

		return
	}

	m.parentRef = ref
	m.haveParent = true
	m.ownRLOC16 = resp.ChildRLOC16
	m.leaderData = resp.LeaderData
	m.attachAttempts = 0
	m.pendingParent = nil

	m.setRole(threadtype.RoleChild)
	m.emit(FlagPartitionIDChanged)
	m.armChildUpdateTimer()
	m.maybeUpgradeToRouter()
}

func (m *Machine) now() time.Time { return time.Now() }

// becomeLeaderOfNewPartition forms a brand-new singleton partition, with
// this device as Router 0 and Leader.
func (m *Machine) becomeLeaderOfNewPartition() {
	m.Routers = routertable.New(m.logger)
	m.NetData = netdata.New(m.logger)

	routerID, _ := m.Routers.Solicit(m.ownExtAddr, m.now())
	m.ownRLOC16 = threadtype.RLOC16FromRouterID(routerID)

	m.leaderData = threadtype.LeaderData{
		PartitionID:    randomPartitionID(m.attachCorrelation),
		Weighting:      64,
		LeaderRouterID: routerID,
	}

	m.attachAttempts = 0
	m.setRole(threadtype.RoleLeader)
	m.emit(FlagPartitionIDChanged)
}

// randomPartitionID derives a pseudo-random 32-bit partition id from the
// attach correlation uuid so repeated singleton formations don't collide,
// without requiring a real RNG dependency in this package.
func randomPartitionID(seed string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(seed); i++ {
		h ^= uint32(seed[i])
		h *= 16777619
	}
	if h == 0 {
		h = 1
	}

	return h
}
