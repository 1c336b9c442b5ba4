// Package msgpool implements the Message and Message Pool described in
// spec.md §3 and §9: a fixed array of buffer nodes addressed by stable
// index rather than pointer, so that queues never hold a dangling
// reference across reuse. Ownership is transferred by moving an index
// between queues; there is no reference counting, matching spec.md's
// single-owner discipline.
package msgpool

import (
	"github.com/AdguardTeam/golibs/errors"
)

// ErrPoolExhausted is returned by Alloc when no free node remains.
const ErrPoolExhausted errors.Error = "message pool exhausted"

// HeaderType distinguishes the kind of payload a Message carries.
type HeaderType uint8

// HeaderType values.
const (
	HeaderIP6 HeaderType = iota
	HeaderMLE
	HeaderSupervision
	HeaderMacCmd
)

// Priority is the send-queue priority class (spec.md §3).
type Priority uint8

// Priority values, lowest first.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Ref is a stable index into a Pool. The zero Ref is never valid (index 0
// is reserved as "no message").
type Ref uint32

// invalidRef is the sentinel "no message" reference.
const invalidRef Ref = 0

// Message is one buffer-chain entry. Chaining across multiple pool slots
// (for payloads bigger than one node) is modeled by Next.
type Message struct {
	Header     HeaderType
	Priority   Priority
	DirectTX   bool
	LinkSecure bool
	Offset     int
	Length     int
	OriginRLOC uint16
	DestRLOC   uint16

	Data [bufferSize]byte
	Next Ref

	inUse bool
	queue QueueID
}

// bufferSize is the fixed payload size of one pool node.
const bufferSize = 128

// QueueID names which queue currently owns a Message, for diagnostics and
// for the "exactly one queue or the free pool" invariant (spec.md §8).
type QueueID uint8

// QueueID values.
const (
	QueueFree QueueID = iota
	QueueSend
	QueueReassembly
	QueueIndirect
	QueueResolving
)

// Pool is a fixed-size array of Message nodes plus a free list. It reports
// live counts per subsystem for diagnostics, per spec.md §3.
type Pool struct {
	nodes    []Message
	freeHead Ref
	free     []Ref

	liveBySubsystem map[QueueID]int
}

// New returns a Pool with capacity nodes.
func New(capacity int) *Pool {
	p := &Pool{
		nodes:           make([]Message, capacity+1), // index 0 unused
		liveBySubsystem: make(map[QueueID]int),
	}

	p.free = make([]Ref, 0, capacity)
	for i := capacity; i >= 1; i-- {
		p.free = append(p.free, Ref(i))
	}

	return p
}

// Alloc reserves a free node and assigns it to queue. It returns
// ErrPoolExhausted if none remain.
func (p *Pool) Alloc(queue QueueID) (ref Ref, err error) {
	if len(p.free) == 0 {
		return invalidRef, errors.Annotate(ErrPoolExhausted, "allocating message: %w")
	}

	ref = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	n := &p.nodes[ref]
	*n = Message{}
	n.inUse = true
	n.queue = queue
	p.liveBySubsystem[queue]++

	return ref, nil
}

// Get returns a pointer to the Message at ref. The pointer is only valid
// until the next Free of the same ref.
func (p *Pool) Get(ref Ref) *Message {
	if ref == invalidRef || int(ref) >= len(p.nodes) || !p.nodes[ref].inUse {
		return nil
	}

	return &p.nodes[ref]
}

// Move reassigns ref's owning queue, for diagnostics accounting. It does
// not copy or reallocate the node.
func (p *Pool) Move(ref Ref, to QueueID) {
	n := p.Get(ref)
	if n == nil {
		return
	}

	p.liveBySubsystem[n.queue]--
	n.queue = to
	p.liveBySubsystem[to]++
}

// Free returns ref (and the whole Next chain starting at it) to the free
// pool. Using ref after Free is a caller bug, not a checked error, per
// spec.md §5 ("use-after-free is a bug, not a runtime check").
func (p *Pool) Free(ref Ref) {
	for ref != invalidRef {
		n := p.Get(ref)
		if n == nil {
			return
		}

		next := n.Next
		p.liveBySubsystem[n.queue]--
		n.inUse = false
		p.free = append(p.free, ref)

		ref = next
	}
}

// FreeCount returns the number of unallocated nodes.
func (p *Pool) FreeCount() int {
	return len(p.free)
}

// Capacity returns the total number of nodes in the pool.
func (p *Pool) Capacity() int {
	return len(p.nodes) - 1
}

// LiveCount returns how many nodes are currently owned by queue.
func (p *Pool) LiveCount(queue QueueID) int {
	return p.liveBySubsystem[queue]
}
