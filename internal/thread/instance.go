// Package thread wires the leaf subsystems into the single-owner Instance
// described in spec.md §2 and §6: one value per device that exposes the
// lifecycle (Start/Stop), link (channel/PAN ID), Thread (network name/key,
// attach), and FTD-only (router threshold) surface, in the dependency
// order Timer/Tasklet → Key Manager → MAC → Mesh Forwarder → Address
// Resolver → Network Data Leader → Router Table → MLE → Backbone/Announce.
//
// Grounded on AdGuardHome's overall composition idea — one context value
// owning every subsystem and wiring their callbacks together — though
// written fresh here, since internal/home itself was DNS-filtering
// specific and dropped (see DESIGN.md).
package thread

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/openthread-go/meshcore/internal/addrresolver"
	"github.com/openthread-go/meshcore/internal/backbone"
	"github.com/openthread-go/meshcore/internal/coap"
	"github.com/openthread-go/meshcore/internal/keymanager"
	"github.com/openthread-go/meshcore/internal/mac"
	"github.com/openthread-go/meshcore/internal/meshforward"
	"github.com/openthread-go/meshcore/internal/mle"
	"github.com/openthread-go/meshcore/internal/msgpool"
	"github.com/openthread-go/meshcore/internal/tasklet"
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// Config bundles the persisted operational dataset an Instance is created
// with (spec.md §6, "Persisted state is an external collaborator" — the
// settings store itself is out of scope, but the values it would supply
// are not).
type Config struct {
	ExtAddr     threadtype.ExtAddr
	Mode        threadtype.DeviceMode
	MasterKey   keymanager.Key
	NetworkName string
	ExtPANID    [8]byte
	PANID       uint16
	Channel     uint8

	ChildTimeoutSec          uint32
	RouterUpgradeThreshold   int
	RouterDowngradeThreshold int
	RouterSelectionJitterSec int

	PoolCapacity  int
	NeighCapacity int

	BackboneEnabled bool
	DomainPrefix    [16]byte
	DomainPrefixLen uint8
}

// keyRotationGuardTimeMs is the minimum interval between an unsolicited
// key-sequence rotation and the prior one (spec.md §4.2).
const keyRotationGuardTimeMs = 2 * 60 * 1000

// Instance owns every subsystem for one device, per spec.md §2's
// dependency order.
type Instance struct {
	logger *slog.Logger
	sched  *tasklet.Scheduler
	now    func() uint32
	radio  mac.Radio

	KeyMgr    *keymanager.Manager
	Mac       *mac.Engine
	Pool      *msgpool.Pool
	Forwarder *meshforward.Forwarder
	Resolver  *addrresolver.Resolver
	MLE       *mle.Machine
	Backbone  *backbone.Agent
}

// New assembles an Instance atop radio, which owns the platform-specific
// 802.15.4 HAL, and nowFunc, which must return milliseconds consistent
// with internal/tasklet's wraparound model.
func New(logger *slog.Logger, radio mac.Radio, nowFunc func() uint32, cfg Config) *Instance {
	if cfg.PoolCapacity == 0 {
		cfg.PoolCapacity = 32
	}
	if cfg.NeighCapacity == 0 {
		cfg.NeighCapacity = 32
	}

	sched := tasklet.New(logger, nowFunc)
	keyMgr := keymanager.New(logger, cfg.MasterKey, keyRotationGuardTimeMs)
	macEngine := mac.NewEngine(logger, sched, radio, keyMgr)
	pool := msgpool.New(cfg.PoolCapacity)

	inst := &Instance{
		logger: logger,
		sched:  sched,
		now:    nowFunc,
		radio:  radio,
		KeyMgr: keyMgr,
		Mac:    macEngine,
		Pool:   pool,
	}

	tx := &macTransmitter{engine: macEngine}
	resolverClient := &coapSender{inst: inst}
	resolver := addrresolver.New(logger, sched, resolverClient, cfg.NeighCapacity)
	inst.Resolver = resolver

	leaderClient := &coapLeaderClient{inst: inst}
	mleCfg := mle.Config{
		ExtAddr:                  cfg.ExtAddr,
		Mode:                     cfg.Mode,
		MasterKey:                cfg.MasterKey,
		NetworkName:              cfg.NetworkName,
		ExtPANID:                 cfg.ExtPANID,
		ChildTimeoutSec:          cfg.ChildTimeoutSec,
		RouterUpgradeThreshold:   cfg.RouterUpgradeThreshold,
		RouterDowngradeThreshold: cfg.RouterDowngradeThreshold,
		RouterSelectionJitterSec: cfg.RouterSelectionJitterSec,
	}
	transport := &macTransport{
		engine:  macEngine,
		keyMgr:  keyMgr,
		now:     nowFunc,
		srcExt:  cfg.ExtAddr,
		panID:   cfg.PANID,
	}
	machine := mle.New(logger, sched, transport, leaderClient, resolver, mleCfg, cfg.NeighCapacity)
	inst.MLE = machine

	forwarder := meshforward.New(logger, sched, pool, machine.Neighbors, tx, &resolverAdapter{r: resolver})
	inst.Forwarder = forwarder

	inst.Backbone = backbone.New(logger, sched, machine.OwnRLOC16(), cfg.BackboneEnabled)
	if cfg.BackboneEnabled && cfg.DomainPrefixLen != 0 {
		inst.Backbone.SetDomainPrefix(cfg.DomainPrefix, cfg.DomainPrefixLen)
	}
	machine.SetBackbone(inst.Backbone)

	if err := radio.SetExtendedAddress(cfg.ExtAddr); err != nil && logger != nil {
		logger.Warn("thread: failed to program extended address", "err", err)
	}
	if err := radio.SetPanID(cfg.PANID); err != nil && logger != nil {
		logger.Warn("thread: failed to program pan id", "err", err)
	}
	if err := radio.SetChannel(cfg.Channel); err != nil && logger != nil {
		logger.Warn("thread: failed to program channel", "err", err)
	}

	return inst
}

// Start brings the MLE state machine up, beginning an attach attempt
// (spec.md §6 "lifecycle: Start/Stop").
func (inst *Instance) Start() error {
	return inst.MLE.Start()
}

// Stop tears the device down to Disabled.
func (inst *Instance) Stop() {
	inst.MLE.Stop()
}

// Run drains one pass of the tasklet scheduler. The caller's main loop
// (or test driver) is responsible for invoking Run repeatedly; this
// package never spawns a goroutine of its own, per spec.md §5.
func (inst *Instance) Run() (more bool) {
	return inst.sched.Run()
}

// Role reports the device's current MLE role.
func (inst *Instance) Role() threadtype.Role { return inst.MLE.Role() }

// Radio returns the platform radio HAL this Instance was constructed with,
// for a caller's receive loop to type-assert against a platform-specific
// polling interface (see internal/platform's LinuxRadio.Poll).
func (inst *Instance) Radio() mac.Radio { return inst.radio }

// HandleFrame is the receive entry point for one raw 802.15.4 frame off the
// radio: the platform driver (internal/platform's LinuxRadio, or a test
// fake) calls this for every frame it reads. It parses the MHR, decrypts a
// secured payload with the current MAC key, enforces the replay window via
// KeyMgr.AuthenticateIncoming, and dispatches the MLE message inside to the
// state machine.
//
// Only the Advertisement message type is fully decoded end to end:
// Parent/Child ID request-response TLV payloads aren't wire-encoded
// anywhere in this module (see DESIGN.md), so frames of those types are
// logged and dropped rather than guessed at.
func (inst *Instance) HandleFrame(raw []byte) error {
	macKey, _ := inst.KeyMgr.CurrentKeys()

	hdr, payload, err := mac.OpenSecureFrame(raw, macKey)
	if err != nil {
		return errors.Annotate(err, "thread: opening mac frame: %w")
	}

	if hdr.FrameType != mac.FrameTypeData {
		return nil
	}

	var srcExt threadtype.ExtAddr
	copy(srcExt[:], hdr.SrcAddr)

	if hdr.SecurityEnabled {
		result, authErr := inst.KeyMgr.AuthenticateIncoming(
			srcExt.Uint64(),
			uint32(hdr.Security.KeyIndex),
			hdr.Security.FrameCounter,
			inst.now(),
		)
		if authErr != nil {
			return errors.Annotate(authErr, "thread: authenticating incoming frame: %w")
		}

		switch result {
		case keymanager.AuthReplay:
			return nil
		case keymanager.AuthUnknownKey:
			return errors.Annotate(threadtype.ErrSecurity, "thread: frame outside key-sequence window: %w")
		}
	}

	if len(payload) == 0 {
		return nil
	}

	msgType := mle.MessageType(payload[0])
	body := payload[1:]

	switch msgType {
	case mle.MsgAdvertisement:
		ld, routerSeq, routerIDs, decErr := mle.DecodeAdvertisement(body)
		if decErr != nil {
			return errors.Annotate(decErr, "thread: decoding advertisement: %w")
		}

		inst.MLE.HandleAdvertisement(srcExt, ld, routerSeq, routerIDs)

		return nil
	default:
		if inst.logger != nil {
			inst.logger.Debug("thread: dropping frame with unhandled mle message type", "type", msgType)
		}

		return nil
	}
}

// Dataset holds the operational parameters that would otherwise live in
// the non-volatile settings store (an external collaborator per spec.md
// §1); Instance keeps only the in-memory copy a running device consults.
type Dataset struct {
	Channel     uint8
	PANID       uint16
	NetworkName string
	ExtPANID    [8]byte
	MasterKey   keymanager.Key
}

// SetChannel programs radio to channel and clears both the Active and
// Pending datasets. The reference implementation does this as a
// side effect of changing the channel; spec.md §9 flags it as
// possibly-unintentional but mandates preserving it, so this keeps that
// behavior rather than only clearing Pending.
func (inst *Instance) SetChannel(radio mac.Radio, channel uint8, active, pending *Dataset) error {
	if active != nil {
		*active = Dataset{}
	}
	if pending != nil {
		*pending = Dataset{}
	}

	return radio.SetChannel(channel)
}

// macTransmitter adapts *mac.Engine to meshforward.Transmitter: the two
// packages settled on differently-shaped done callbacks (TxResult vs. a
// plain ok bool) since meshforward only ever needs success/failure, not
// the three-way channel-access/no-ack/ok distinction MAC counters track
// internally.
type macTransmitter struct {
	engine *mac.Engine
}

func (t *macTransmitter) Send(frame []byte, ackRequest bool, done func(ok bool, err error)) error {
	return t.engine.Send(frame, ackRequest, func(result mac.TxResult, err error) {
		if done != nil {
			done(result == mac.TxResultOK, err)
		}
	})
}

func (t *macTransmitter) Busy() bool { return t.engine.Busy() }

// resolverAdapter adapts *addrresolver.Resolver's CacheState return to the
// plain int meshforward.Resolver expects, so meshforward doesn't need to
// import addrresolver just for one enum.
type resolverAdapter struct {
	r *addrresolver.Resolver
}

func (a *resolverAdapter) Resolve(eid netip.Addr) (rloc16 threadtype.RLOC16, state int) {
	rloc16, cacheState := a.r.Resolve(eid)

	return rloc16, int(cacheState)
}

// macTransport adapts *mac.Engine to mle.Transport: MLE messages are
// link-local, sent as raw MAC frames rather than mesh-forwarded, so this
// wrapper skips the forwarder entirely and builds a fully secured 802.15.4
// data frame (MHR + aux security header + AES-CCM* sealed payload) before
// handing it to the MAC engine's CSMA/CA path — see internal/mac's
// BuildSecureFrame.
type macTransport struct {
	engine *mac.Engine
	keyMgr *keymanager.Manager
	now    func() uint32
	srcExt threadtype.ExtAddr
	panID  uint16
}

func (t *macTransport) SendUnicast(dst threadtype.ExtAddr, msgType mle.MessageType, payload []byte) error {
	return t.send(&dst, msgType, payload, true)
}

func (t *macTransport) SendMulticast(msgType mle.MessageType, payload []byte) error {
	return t.send(nil, msgType, payload, false)
}

func (t *macTransport) send(dst *threadtype.ExtAddr, msgType mle.MessageType, payload []byte, ackRequest bool) error {
	macKey, _ := t.keyMgr.CurrentKeys()
	counter := t.keyMgr.NextMACFrameCounter(t.now())
	keyIndex := uint8(t.keyMgr.CurrentSequence())

	body := append([]byte{byte(msgType)}, payload...)

	frame, err := mac.BuildSecureFrame(t.engine.NextSeq(), t.panID, t.srcExt, dst, macKey, counter, keyIndex, ackRequest, body)
	if err != nil {
		return errors.Annotate(err, "thread: building secured mac frame: %w")
	}

	return t.engine.Send(frame, ackRequest, nil)
}

// coapLeaderClient implements mle.LeaderClient. When this device is
// itself Leader the solicit/release is serviced directly against its own
// router table; otherwise it would need a real CoAP round trip to the
// network's Leader RLOC16, which this package does not yet perform (see
// DESIGN.md's Open Question decisions) since no example in the retrieval
// pack vendors a CoAP client with response correlation to adapt.
type coapLeaderClient struct {
	inst *Instance
}

func (c *coapLeaderClient) AddressSolicit(ext threadtype.ExtAddr) (routerID uint8, err error) {
	m := c.inst.MLE
	if m.Role() != threadtype.RoleLeader || m.Routers == nil {
		return 0, errors.Annotate(threadtype.ErrNotImplemented, "thread: address solicit to a remote leader: %w")
	}

	return m.Routers.Solicit(ext, timeFromMs(c.inst.now()))
}

func (c *coapLeaderClient) AddressRelease(routerID uint8) error {
	m := c.inst.MLE
	if m.Role() != threadtype.RoleLeader || m.Routers == nil {
		return errors.Annotate(threadtype.ErrNotImplemented, "thread: address release to a remote leader: %w")
	}

	m.Routers.Release(routerID, timeFromMs(c.inst.now()))

	return nil
}

// coapSender implements addrresolver.QuerySender atop the CoAP codec and
// the mesh forwarder, encoding an Address Query/Release per spec.md §4.5
// and enqueueing it on the forwarder: a Query to the all-routers RLOC16, a
// Release to the Leader's RLOC16.
type coapSender struct {
	inst *Instance
}

func (s *coapSender) SendAddressQuery(eid netip.Addr) error {
	msg := coap.Message{
		Type:    coap.TypeNonConfirmable,
		Code:    coap.CodePOST,
		Options: []coap.Option{{Number: coap.OptionURIPath, Value: []byte("a")}, {Number: coap.OptionURIPath, Value: []byte("aq")}},
		Payload: eid.AsSlice(),
	}

	return s.inst.sendCoAP(msg, threadtype.RLOC16(0xfffc)) // realm-local all-routers multicast RLOC16
}

func (s *coapSender) SendAddressRelease(eid netip.Addr, rloc16 threadtype.RLOC16) error {
	payload := append(append([]byte{}, eid.AsSlice()...), byte(rloc16>>8), byte(rloc16))
	msg := coap.Message{
		Type:    coap.TypeNonConfirmable,
		Code:    coap.CodePOST,
		Options: []coap.Option{{Number: coap.OptionURIPath, Value: []byte("a")}, {Number: coap.OptionURIPath, Value: []byte("ar")}},
		Payload: payload,
	}

	return s.inst.sendCoAP(msg, threadtype.RLOC16FromRouterID(s.inst.MLE.LeaderData().LeaderRouterID))
}

// sendCoAP encodes msg and hands it to the forwarder addressed to dest.
func (inst *Instance) sendCoAP(msg coap.Message, dest threadtype.RLOC16) error {
	encoded, err := coap.Encode(msg)
	if err != nil {
		return errors.Annotate(err, "thread: encoding coap request: %w")
	}

	ref, err := inst.Pool.Alloc(msgpool.QueueSend)
	if err != nil {
		return errors.Annotate(err, "thread: allocating coap message buffer: %w")
	}

	m := inst.Pool.Get(ref)
	n := copy(m.Data[:], encoded)
	m.Length = n
	m.Header = msgpool.HeaderMLE
	m.Priority = msgpool.PriorityNormal

	return inst.Forwarder.SendMessage(ref, dest)
}

// timeFromMs converts a tasklet millisecond timestamp into the time.Time
// routertable expects, anchored at the Unix epoch purely so duration
// arithmetic (subtraction) inside routertable stays correct; the absolute
// value is otherwise meaningless since tasklet's own clock wraps at
// 2^32ms.
func timeFromMs(ms uint32) time.Time {
	return time.Unix(0, 0).Add(time.Duration(ms) * time.Millisecond)
}
