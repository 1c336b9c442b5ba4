// Package meshforward implements §4.4 the Mesh Forwarder: the send queue,
// per-child indirect queue, 6LoWPAN fragmentation/reassembly, the
// resolving queue that holds messages awaiting address resolution, and
// next-hop selection.
//
// Grounded on internal/arpdb/arpdb.go's neighs wrapper (a single type owns
// the mutation surface over a collection of peers) adapted to a
// priority-ordered message queue, and internal/schedule's deadline
// arithmetic for the reassembly timeout.
package meshforward

import (
	"log/slog"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/openthread-go/meshcore/internal/msgpool"
	"github.com/openthread-go/meshcore/internal/neighbor"
	"github.com/openthread-go/meshcore/internal/tasklet"
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// ReassemblyTimeoutMs is how long an incomplete 6LoWPAN fragment chain is
// held before being dropped (spec.md §4.4).
const ReassemblyTimeoutMs = 5000

// IndirectRetries is the maximum number of unacked indirect-TX attempts
// before a frame is dropped (spec.md §4.4).
const IndirectRetries = 3

// LowBufferFloor is the reserved buffer count below which low-priority
// sends are rejected but high-priority control traffic is still admitted
// (spec.md §4.4 "Backpressure").
const LowBufferFloor = 4

// Transmitter abstracts the MAC send path so this package doesn't import
// internal/mac directly; it mirrors mac.Engine.Send's signature.
type Transmitter interface {
	Send(frame []byte, ackRequest bool, done func(ok bool, err error)) error
	Busy() bool
}

// Resolver abstracts the Address Resolver's query surface (spec.md §4.5).
type Resolver interface {
	Resolve(eid netip.Addr) (rloc16 threadtype.RLOC16, state int)
}

// meshHeader fields, per spec.md §6: "10 V F hops src dst".
type meshHeader struct {
	hopsLeft uint8
	src      threadtype.RLOC16
	dst      threadtype.RLOC16
}

// encodeMeshHeader serializes h per the Thread 6LoWPAN Mesh Header
// dispatch (two leading bits 10, then V/F flags, then the hop-limit byte,
// then the 16-bit source and destination short addresses).
func encodeMeshHeader(h meshHeader) []byte {
	return []byte{
		0x80 | 0x20 | 0x10, // dispatch 10, V=1, F=1 (both addrs are short)
		h.hopsLeft,
		byte(h.src >> 8), byte(h.src),
		byte(h.dst >> 8), byte(h.dst),
	}
}

func decodeMeshHeader(b []byte) (h meshHeader, rest []byte, ok bool) {
	if len(b) < 6 || b[0]&0xc0 != 0x80 {
		return h, nil, false
	}

	h.hopsLeft = b[1]
	h.src = threadtype.RLOC16(uint16(b[2])<<8 | uint16(b[3]))
	h.dst = threadtype.RLOC16(uint16(b[4])<<8 | uint16(b[5]))

	return h, b[6:], true
}

// fragHeader is the 6LoWPAN Fragment Header (spec.md §6: "11000 dgm_size
// dgm_tag [dgm_offset]").
type fragHeader struct {
	datagramSize uint16 // 11 bits
	datagramTag  uint16
	offset       uint8 // present on non-first fragments only, in 8-octet units
	isFirst      bool
}

func encodeFragHeader(h fragHeader) []byte {
	b := make([]byte, 0, 5)
	first := uint16(0xc000) | (h.datagramSize & 0x7ff)
	b = append(b, byte(first>>8), byte(first))
	b = append(b, byte(h.datagramTag>>8), byte(h.datagramTag))
	if !h.isFirst {
		b = append(b, h.offset)
	}

	return b
}

func decodeFragHeader(b []byte) (h fragHeader, rest []byte, ok bool) {
	if len(b) < 4 || b[0]&0xf8 != 0xc0 {
		return h, nil, false
	}

	h.datagramSize = (uint16(b[0])<<8 | uint16(b[1])) & 0x7ff
	h.datagramTag = uint16(b[2])<<8 | uint16(b[3])

	if b[0]&0x07 == 0 {
		h.isFirst = true

		return h, b[4:], true
	}

	if len(b) < 5 {
		return h, nil, false
	}

	h.offset = b[4]

	return h, b[5:], true
}

// reassemblyKey identifies one in-progress fragment chain.
type reassemblyKey struct {
	src         threadtype.RLOC16
	datagramTag uint16
}

type reassembly struct {
	size     uint16
	received int
	chain    []byte // sparse buffer of size datagramSize, filled as fragments arrive
	alarm    tasklet.Handle
}

// indirectEntry is one sleepy child's single in-flight message plus its
// queued backlog.
type indirectEntry struct {
	inFlight msgpool.Ref
	queue    []msgpool.Ref
	retries  int
	dropped  uint32
}

// resolvingEntry holds a message waiting on address resolution.
type resolvingEntry struct {
	msg    msgpool.Ref
	target netip.Addr
}

// LocalDeliver is invoked for any fully reassembled datagram addressed to
// us.
type LocalDeliver func(payload []byte, origin threadtype.RLOC16)

// Forwarder owns the message pool queues and next-hop selection logic
// described in spec.md §4.4.
type Forwarder struct {
	logger *slog.Logger
	sched  *tasklet.Scheduler
	pool   *msgpool.Pool
	neighs *neighbor.Table
	tx     Transmitter
	resolv Resolver

	ownRLOC threadtype.RLOC16

	sendQueue []msgpool.Ref
	indirect  map[threadtype.RLOC16]*indirectEntry
	reassembly map[reassemblyKey]*reassembly
	resolving  []resolvingEntry

	onDeliver LocalDeliver

	CountersIndirectDropped uint32
}

// New returns a Forwarder atop pool, driven by sched, with neighs as the
// (MLE-owned) neighbor table it reads next-hop and sleepy-child state
// from.
func New(logger *slog.Logger, sched *tasklet.Scheduler, pool *msgpool.Pool, neighs *neighbor.Table, tx Transmitter, resolv Resolver) *Forwarder {
	return &Forwarder{
		logger:     logger,
		sched:      sched,
		pool:       pool,
		neighs:     neighs,
		tx:         tx,
		resolv:     resolv,
		indirect:   make(map[threadtype.RLOC16]*indirectEntry),
		reassembly: make(map[reassemblyKey]*reassembly),
	}
}

// SetOwnRLOC16 records this device's own short address, used to recognize
// locally-destined datagrams.
func (f *Forwarder) SetOwnRLOC16(rloc16 threadtype.RLOC16) { f.ownRLOC = rloc16 }

// SetLocalDeliver registers the callback invoked for datagrams addressed
// to this device.
func (f *Forwarder) SetLocalDeliver(cb LocalDeliver) { f.onDeliver = cb }

// SendMessage places ref on the send queue, or diverts it to the
// destination child's indirect queue if dest is one of our sleepy
// children (spec.md §4.4 "send_message").
func (f *Forwarder) SendMessage(ref msgpool.Ref, dest threadtype.RLOC16) error {
	msg := f.pool.Get(ref)
	if msg == nil {
		return errors.Annotate(threadtype.ErrInvalidArgs, "forwarder: send_message: %w")
	}

	if f.destIsSleepyChild(dest) {
		f.enqueueIndirect(dest, ref)

		return nil
	}

	if msg.Priority == msgpool.PriorityLow && f.pool.FreeCount() < LowBufferFloor {
		f.pool.Free(ref)

		return errors.Annotate(threadtype.ErrNoBufs, "forwarder: send_message: %w")
	}

	f.pool.Move(ref, msgpool.QueueSend)
	f.insertByPriority(ref)

	f.pumpSendQueue()

	return nil
}

func (f *Forwarder) destIsSleepyChild(dest threadtype.RLOC16) bool {
	ref, ok := f.neighs.FindByRLOC16(dest)
	if !ok {
		return false
	}

	n := f.neighs.Get(ref)

	return n != nil && n.Kind == neighbor.KindChild && n.Mode.IsMED()
}

func (f *Forwarder) insertByPriority(ref msgpool.Ref) {
	msg := f.pool.Get(ref)
	// Higher priority overtakes lower, but within a class it's FIFO
	// (spec.md §5): insert before the first queued entry of strictly
	// lower priority.
	idx := len(f.sendQueue)
	for i, r := range f.sendQueue {
		other := f.pool.Get(r)
		if other != nil && other.Priority < msg.Priority {
			idx = i

			break
		}
	}

	f.sendQueue = append(f.sendQueue, 0)
	copy(f.sendQueue[idx+1:], f.sendQueue[idx:])
	f.sendQueue[idx] = ref
}

// pumpSendQueue hands the head of the send queue to the MAC if it's idle.
func (f *Forwarder) pumpSendQueue() {
	if f.tx.Busy() || len(f.sendQueue) == 0 {
		return
	}

	ref := f.sendQueue[0]
	f.sendQueue = f.sendQueue[1:]

	msg := f.pool.Get(ref)
	if msg == nil {
		f.pumpSendQueue()

		return
	}

	frame := msg.Data[msg.Offset : msg.Offset+msg.Length]
	err := f.tx.Send(frame, true, func(ok bool, err error) {
		f.pool.Free(ref)
		f.pumpSendQueue()
	})
	if err != nil {
		f.pool.Free(ref)
		if f.logger != nil {
			f.logger.Warn("forwarder: send failed", "err", err)
		}
	}
}

// enqueueIndirect adds ref to child's indirect backlog (spec.md §4.4
// "Indirect transmission": at most one in-flight frame per child).
func (f *Forwarder) enqueueIndirect(child threadtype.RLOC16, ref msgpool.Ref) {
	e, ok := f.indirect[child]
	if !ok {
		e = &indirectEntry{}
		f.indirect[child] = e
	}

	f.pool.Move(ref, msgpool.QueueIndirect)
	e.queue = append(e.queue, ref)
}

// HasPendingFor reports whether child has any indirect backlog, for the
// MAC layer to set the 802.15.4 frame-pending bit on an ACK to that
// child's Data Request.
func (f *Forwarder) HasPendingFor(child threadtype.RLOC16) bool {
	e, ok := f.indirect[child]

	return ok && (e.inFlight != 0 || len(e.queue) > 0)
}

// HandleDataRequest pops the head of child's indirect queue and transmits
// it, per spec.md §4.4: "when the child polls, the forwarder sets
// frame-pending if the queue is non-empty, and on the next actual send,
// pops the head on ACK".
func (f *Forwarder) HandleDataRequest(child threadtype.RLOC16) {
	e, ok := f.indirect[child]
	if !ok || e.inFlight != 0 || len(e.queue) == 0 {
		return
	}

	ref := e.queue[0]
	e.queue = e.queue[1:]
	e.inFlight = ref

	msg := f.pool.Get(ref)
	if msg == nil {
		e.inFlight = 0
		f.HandleDataRequest(child)

		return
	}

	pending := len(e.queue) > 0
	frame := f.framePendingFrame(msg, pending)

	err := f.tx.Send(frame, true, func(ok bool, txErr error) {
		f.finishIndirect(child, ok)
	})
	if err != nil {
		f.finishIndirect(child, false)
	}
}

// framePendingFrame is a seam for setting the frame-pending bit in the
// real 802.15.4 header; the mesh header itself carries the datagram.
func (f *Forwarder) framePendingFrame(msg *msgpool.Message, pending bool) []byte {
	return msg.Data[msg.Offset : msg.Offset+msg.Length]
}

func (f *Forwarder) finishIndirect(child threadtype.RLOC16, acked bool) {
	e, ok := f.indirect[child]
	if !ok {
		return
	}

	ref := e.inFlight
	e.inFlight = 0

	if acked {
		f.pool.Free(ref)
		e.retries = 0

		return
	}

	e.retries++
	if e.retries >= IndirectRetries {
		f.pool.Free(ref)
		e.retries = 0
		e.dropped++
		f.CountersIndirectDropped++

		return
	}

	// Re-queue at the head for the next poll.
	e.queue = append([]msgpool.Ref{ref}, e.queue...)
}

// HandleReceivedFrame strips the mesh header from payload (sent by src),
// depositing fragments into reassembly and, on completion, either
// delivering locally or re-forwarding after decrementing hops-left
// (spec.md §4.4).
func (f *Forwarder) HandleReceivedFrame(payload []byte, src threadtype.RLOC16) error {
	mh, rest, ok := decodeMeshHeader(payload)
	if !ok {
		// Not mesh-encapsulated: treat the whole payload as a single
		// unfragmented datagram from src.
		f.deliverOrForward(payload, src, src)

		return nil
	}

	fh, body, ok := decodeFragHeader(rest)
	if !ok {
		f.deliverOrForward(rest, mh.src, mh.dst)

		return nil
	}

	return f.depositFragment(mh, fh, body)
}

func (f *Forwarder) depositFragment(mh meshHeader, fh fragHeader, body []byte) error {
	k := reassemblyKey{src: mh.src, datagramTag: fh.datagramTag}

	r, ok := f.reassembly[k]
	if !ok {
		r = &reassembly{size: fh.datagramSize, chain: make([]byte, fh.datagramSize)}
		f.reassembly[k] = r
		r.alarm = f.sched.AlarmAt(f.sched.Now()+ReassemblyTimeoutMs, func() {
			// Timeout: drop all accumulated fragments, emit nothing
			// upstream (spec.md §4.4).
			delete(f.reassembly, k)
		})
	}

	offset := int(fh.offset) * 8
	if !fh.isFirst {
		if offset+len(body) > len(r.chain) {
			return errors.Annotate(threadtype.ErrParse, "forwarder: fragment overruns datagram: %w")
		}
		copy(r.chain[offset:], body)
	} else {
		copy(r.chain[0:], body)
	}

	r.received += len(body)
	if r.received < int(r.size) {
		return nil
	}

	f.sched.Cancel(r.alarm)
	delete(f.reassembly, k)
	f.deliverOrForward(r.chain, mh.src, mh.dst)

	return nil
}

func (f *Forwarder) deliverOrForward(payload []byte, origin, dest threadtype.RLOC16) {
	if dest == f.ownRLOC {
		if f.onDeliver != nil {
			f.onDeliver(payload, origin)
		}

		return
	}

	// Re-forward toward dest via whatever next hop MLE's neighbor table
	// currently resolves to; hop-limit decrement happens at the MLE/route
	// layer which owns the Route64 cost table, so this package only
	// re-encapsulates.
	ref, err := f.pool.Alloc(msgpool.QueueSend)
	if err != nil {
		return
	}

	msg := f.pool.Get(ref)
	hdr := encodeMeshHeader(meshHeader{hopsLeft: 15, src: origin, dst: dest})
	n := copy(msg.Data[:], hdr)
	n += copy(msg.Data[n:], payload)
	msg.Length = n
	msg.Priority = msgpool.PriorityNormal

	if err := f.SendMessage(ref, dest); err != nil && f.logger != nil {
		f.logger.Warn("forwarder: re-forward failed", "dest", dest, "err", err)
	}
}

// ResolveThenSend queries the Address Resolver for targetEID; ref is held
// in the resolving queue and released when a Notify arrives (spec.md
// §4.4 "resolve_then_send"). Caller is expected to drive release via
// ReleaseResolved once the resolver reports Cached.
func (f *Forwarder) ResolveThenSend(ref msgpool.Ref, targetEID netip.Addr) {
	f.pool.Move(ref, msgpool.QueueResolving)
	f.resolving = append(f.resolving, resolvingEntry{msg: ref, target: targetEID})
	f.resolv.Resolve(targetEID)
}

// ReleaseResolved releases every message waiting on targetEID now that
// rloc16 has been resolved for it.
func (f *Forwarder) ReleaseResolved(targetEID netip.Addr, rloc16 threadtype.RLOC16) {
	kept := f.resolving[:0]
	for _, e := range f.resolving {
		if e.target != targetEID {
			kept = append(kept, e)

			continue
		}

		if err := f.SendMessage(e.msg, rloc16); err != nil && f.logger != nil {
			f.logger.Warn("forwarder: releasing resolved message failed", "err", err)
		}
	}
	f.resolving = kept
}

// DropResolving drops every message waiting on targetEID, per spec.md
// §4.5 "on retry exhaustion, the held message is dropped".
func (f *Forwarder) DropResolving(targetEID netip.Addr) {
	kept := f.resolving[:0]
	for _, e := range f.resolving {
		if e.target == targetEID {
			f.pool.Free(e.msg)

			continue
		}
		kept = append(kept, e)
	}
	f.resolving = kept
}

// SendQueueLen returns the current send-queue depth, for diagnostics.
func (f *Forwarder) SendQueueLen() int { return len(f.sendQueue) }

// ReassemblyCount returns the number of in-progress reassembly chains.
func (f *Forwarder) ReassemblyCount() int { return len(f.reassembly) }
