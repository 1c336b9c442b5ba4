// CSMA/CA backoff, ACK timeout/retry, and active/energy scanning (spec.md
// §4.3). The state machine is driven entirely by internal/tasklet alarms —
// there is no blocking wait anywhere in this file, matching the
// single-threaded tasklet-loop model the rest of the stack assumes.
//
// Grounded on internal/dhcpd's lease-offer retry loop (a deadline-driven
// retry counter) generalized to the 802.15.4 constants: macMinBE=3,
// macMaxBE=5, macMaxCSMABackoffs=4, macMaxFrameRetries=3.
package mac

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/openthread-go/meshcore/internal/keymanager"
	"github.com/openthread-go/meshcore/internal/tasklet"
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// CSMA/CA and retry constants (IEEE 802.15.4, unslotted CSMA/CA).
const (
	MinBE           = 3
	MaxBE           = 5
	MaxCSMABackoffs = 4
	MaxFrameRetries = 3

	// unitBackoffMs and ackWaitMs approximate the standard's symbol-period
	// durations (20 symbols and 54 symbols respectively) rounded up to
	// whole milliseconds, since the tasklet scheduler's alarms are
	// millisecond-granular.
	unitBackoffMs = 1
	ackWaitMs     = 2
)

// Radio is the platform radio HAL boundary (spec.md §7): channel access,
// transmission, and address filtering live below this interface and are
// supplied by the platform, not by this package.
type Radio interface {
	// CCA performs one clear-channel assessment.
	CCA() (idle bool, err error)
	// Transmit sends a fully serialized frame. It must not block waiting
	// for an ACK; ACK arrival is reported back via Engine.AckReceived.
	Transmit(frame []byte) error
	SetPanID(panID uint16) error
	SetShortAddress(short uint16) error
	SetExtendedAddress(ext threadtype.ExtAddr) error
	SetChannel(channel uint8) error
}

// TxResult is the outcome of an Engine.Send call.
type TxResult uint8

// TxResult values.
const (
	TxResultOK TxResult = iota
	TxResultChannelAccessFailure
	TxResultNoAck
)

// TxDone is invoked exactly once per Send, with the final outcome.
type TxDone func(result TxResult, err error)

type txState uint8

const (
	txIdle txState = iota
	txBackoff
	txWaitCCA
	txWaitAck
)

type pendingTx struct {
	frame      []byte
	ackRequest bool
	backoffs   int
	retries    int
	be         uint8
	done       TxDone
}

// Engine runs the CSMA/CA and ACK-retry state machine for outbound frames,
// and active/energy scanning, atop a Radio and a tasklet.Scheduler.
type Engine struct {
	logger *slog.Logger
	sched  *tasklet.Scheduler
	radio  Radio
	keymgr *keymanager.Manager
	rng    *rand.Rand

	state   txState
	current *pendingTx
	txSeq   uint8

	scan *scanState

	CountersTxErrCca uint32
	CountersTxNoAck  uint32
	CountersRxErrSec uint32
}

// NewEngine returns an Engine driving radio under sched, using keymgr for
// frame-security bookkeeping (replay watermarks, current MAC key).
func NewEngine(logger *slog.Logger, sched *tasklet.Scheduler, radio Radio, keymgr *keymanager.Manager) *Engine {
	return &Engine{
		logger: logger,
		sched:  sched,
		radio:  radio,
		keymgr: keymgr,
		rng:    rand.New(rand.NewSource(1)),
		state:  txIdle,
	}
}

// Send begins CSMA/CA-governed transmission of frame, a fully serialized
// MAC frame (header + secured payload + MIC, if any). ackRequest mirrors
// the frame's AR bit. done fires exactly once, from within a tasklet
// alarm or tasklet, never synchronously from Send itself.
func (e *Engine) Send(frame []byte, ackRequest bool, done TxDone) error {
	if e.state != txIdle {
		return fmt.Errorf("mac: engine busy with a prior transmission")
	}

	e.current = &pendingTx{frame: frame, ackRequest: ackRequest, be: MinBE, done: done}
	e.beginBackoff()

	return nil
}

// Busy reports whether a transmission is currently in flight.
func (e *Engine) Busy() bool {
	return e.state != txIdle
}

// NextSeq returns the next outgoing 802.15.4 sequence number, wrapping at
// 256.
func (e *Engine) NextSeq() uint8 {
	seq := e.txSeq
	e.txSeq++

	return seq
}

// KeyManager returns the Engine's key manager, for wiring layers that need
// to build secured frames (current key, frame counter) before calling
// Send.
func (e *Engine) KeyManager() *keymanager.Manager { return e.keymgr }

func (e *Engine) beginBackoff() {
	e.state = txBackoff

	periods := e.rng.Intn(1 << e.current.be)
	e.sched.AlarmAt(e.sched.Now()+uint32(periods)*unitBackoffMs, e.attemptCCA)
}

func (e *Engine) attemptCCA() {
	if e.state != txBackoff {
		return
	}

	e.state = txWaitCCA

	idle, err := e.radio.CCA()
	if err != nil {
		e.finish(TxResultChannelAccessFailure, err)

		return
	}

	if !idle {
		e.current.backoffs++
		if e.current.backoffs > MaxCSMABackoffs {
			e.CountersTxErrCca++
			e.finish(TxResultChannelAccessFailure, threadtype.ErrChannelAccess)

			return
		}

		if e.current.be < MaxBE {
			e.current.be++
		}

		e.beginBackoff()

		return
	}

	if err = e.radio.Transmit(e.current.frame); err != nil {
		e.finish(TxResultChannelAccessFailure, err)

		return
	}

	if !e.current.ackRequest {
		e.finish(TxResultOK, nil)

		return
	}

	e.state = txWaitAck
	e.sched.AlarmAt(e.sched.Now()+ackWaitMs, e.ackTimeout)
}

// AckReceived must be called by the platform radio driver when an ACK
// frame matching the in-flight transmission's sequence number arrives.
func (e *Engine) AckReceived() {
	if e.state != txWaitAck {
		return
	}

	e.finish(TxResultOK, nil)
}

func (e *Engine) ackTimeout() {
	if e.state != txWaitAck {
		return
	}

	e.current.retries++
	if e.current.retries > MaxFrameRetries {
		e.CountersTxNoAck++
		e.finish(TxResultNoAck, threadtype.ErrNoAck)

		return
	}

	e.current.be = MinBE
	e.current.backoffs = 0
	e.beginBackoff()
}

func (e *Engine) finish(result TxResult, err error) {
	done := e.current.done
	e.current = nil
	e.state = txIdle

	if done != nil {
		e.sched.Post(func() { done(result, err) })
	}
}

// ActiveScanResult is one beacon observed during an active scan.
type ActiveScanResult struct {
	PANID       uint16
	ExtAddr     threadtype.ExtAddr
	Channel     uint8
	RSSI        int8
	Version     uint8
	IsJoinable  bool
}

// EnergyScanResult is the maximum measured energy on one channel.
type EnergyScanResult struct {
	Channel  uint8
	MaxRSSI  int8
}

type scanState struct {
	channels    []uint8
	idx         int
	perChanMs   uint32
	activeCb    func(ActiveScanResult)
	energyCb    func(EnergyScanResult)
	doneCb      func()
	energyPeak  int8
	isEnergy    bool
}

// StartActiveScan beacons one channel at a time from channels, invoking
// onBeacon for every beacon observed and onDone once every channel has
// been visited. A real scan observes beacons pushed in by the platform
// radio driver via ReportBeacon during the dwell window; this engine only
// owns the per-channel timing.
func (e *Engine) StartActiveScan(channels []uint8, dwellMs uint32, onBeacon func(ActiveScanResult), onDone func()) error {
	if e.scan != nil {
		return fmt.Errorf("mac: scan already in progress")
	}

	e.scan = &scanState{channels: channels, perChanMs: dwellMs, activeCb: onBeacon, doneCb: onDone}
	e.advanceScan()

	return nil
}

// StartEnergyScan behaves like StartActiveScan but measures channel energy
// (via repeated CCA-style sampling left to the platform) instead of
// listening for beacons.
func (e *Engine) StartEnergyScan(channels []uint8, dwellMs uint32, onResult func(EnergyScanResult), onDone func()) error {
	if e.scan != nil {
		return fmt.Errorf("mac: scan already in progress")
	}

	e.scan = &scanState{channels: channels, perChanMs: dwellMs, energyCb: onResult, doneCb: onDone, isEnergy: true}
	e.advanceScan()

	return nil
}

// ReportBeacon feeds one observed beacon into an in-progress active scan.
func (e *Engine) ReportBeacon(r ActiveScanResult) {
	if e.scan == nil || e.scan.activeCb == nil {
		return
	}

	e.scan.activeCb(r)
}

// ReportEnergySample feeds one energy-detection sample, in dBm, for the
// channel currently being scanned.
func (e *Engine) ReportEnergySample(rssi int8) {
	if e.scan == nil || !e.scan.isEnergy {
		return
	}

	if rssi > e.scan.energyPeak {
		e.scan.energyPeak = rssi
	}
}

func (e *Engine) advanceScan() {
	s := e.scan
	if s.idx >= len(s.channels) {
		e.scan = nil
		if s.doneCb != nil {
			s.doneCb()
		}

		return
	}

	channel := s.channels[s.idx]
	if err := e.radio.SetChannel(channel); err != nil {
		if e.logger != nil {
			e.logger.Warn("scan: failed to set channel", "channel", channel, "err", err)
		}
	}

	s.energyPeak = -128

	s.idx++
	e.sched.AlarmAt(e.sched.Now()+s.perChanMs, func() {
		if s.isEnergy && s.energyCb != nil {
			s.energyCb(EnergyScanResult{Channel: channel, MaxRSSI: s.energyPeak})
		}

		e.advanceScan()
	})
}
