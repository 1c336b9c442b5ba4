// Package addrresolver implements the Address Resolver of spec.md §4.5: an
// EID (mesh-local IPv6 address)→RLOC16 cache driven by CoAP Address
// Query/Notify/Error exchanges.
//
// Grounded on internal/arpdb/arpdb.go end to end: that file owns a single
// mutation surface over a neighbor cache and exposes a small Refresh/lookup
// interface; this package keeps the same shape, with the cache states
// (Query/Cached/Invalid) replacing ARPDB's simpler present/absent model and
// internal/coap standing in for ARPDB's raw netlink parsing as the wire
// layer.
package addrresolver

import (
	"log/slog"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/openthread-go/meshcore/internal/algo"
	"github.com/openthread-go/meshcore/internal/tasklet"
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// CacheState is the lifecycle of one Address Resolver cache entry.
type CacheState uint8

// CacheState values.
const (
	StateInvalid CacheState = iota
	StateQuery
	StateCached
)

// Retry timing for an in-flight Address Query, per spec.md §4.5.
const (
	InitialRetryDelayMs = 4000
	MaxRetryDelayMs     = 28000
	MaxRetries          = 3
	// HoldOffMs keeps a just-failed target in Query state briefly after
	// retries are exhausted, to avoid query storms.
	HoldOffMs = 4000
)

// Entry is one cache record.
type Entry struct {
	EID             netip.Addr
	State           CacheState
	RLOC16          threadtype.RLOC16
	MLEID           netip.Addr
	LastTransTime   uint32
	retries         int
	nextRetryDelay  uint32
	lastTouchedMs   uint32
	alarmHandle     tasklet.Handle
	holdOff         bool
}

// QuerySender abstracts emitting a CoAP Address Query/Release so this
// package does not depend on the mesh forwarder or MAC layers directly.
type QuerySender interface {
	SendAddressQuery(eid netip.Addr) error
	SendAddressRelease(eid netip.Addr, rloc16 threadtype.RLOC16) error
}

// Resolver is the EID→RLOC16 cache and CoAP query state machine.
type Resolver struct {
	logger *slog.Logger
	sched  *tasklet.Scheduler
	sender QuerySender

	capacity int
	entries  *algo.SortedMap[string, *Entry]
	released func(eid netip.Addr, rloc16 threadtype.RLOC16)
}

// New returns a Resolver with room for capacity cache entries.
func New(logger *slog.Logger, sched *tasklet.Scheduler, sender QuerySender, capacity int) *Resolver {
	return &Resolver{
		logger:   logger,
		sched:    sched,
		sender:   sender,
		capacity: capacity,
		entries:  algo.NewSortedMap[string, *Entry](),
	}
}

func key(eid netip.Addr) string { return eid.String() }

// Lookup returns the cached RLOC16 for eid, if any entry is in Cached
// state.
func (r *Resolver) Lookup(eid netip.Addr) (rloc16 threadtype.RLOC16, ok bool) {
	e, found := r.entries.Get(key(eid))
	if !found || e.State != StateCached {
		return 0, false
	}

	e.lastTouchedMs = r.sched.Now()

	return e.RLOC16, true
}

// Resolve starts (or continues) resolution of eid. If a Cached entry
// already exists it's returned immediately; otherwise a Query is started
// (or is already in flight) and the caller should hold the pending message
// until a callback delivers the result out-of-band.
func (r *Resolver) Resolve(eid netip.Addr) (rloc16 threadtype.RLOC16, state CacheState) {
	e, found := r.entries.Get(key(eid))
	if found {
		if e.State == StateCached {
			return e.RLOC16, StateCached
		}

		return 0, e.State
	}

	r.startQuery(eid)

	return 0, StateQuery
}

func (r *Resolver) startQuery(eid netip.Addr) {
	r.evictIfNeeded()

	e := &Entry{EID: eid, State: StateQuery, nextRetryDelay: InitialRetryDelayMs}
	r.entries.Set(key(eid), e)

	if err := r.sender.SendAddressQuery(eid); err != nil && r.logger != nil {
		r.logger.Warn("address resolver: failed to send Address Query", "eid", eid, "err", err)
	}

	r.armRetry(e)
}

func (r *Resolver) armRetry(e *Entry) {
	e.alarmHandle = r.sched.AlarmAt(r.sched.Now()+e.nextRetryDelay, func() {
		r.onRetryTimeout(e.EID)
	})
}

func (r *Resolver) onRetryTimeout(eid netip.Addr) {
	e, found := r.entries.Get(key(eid))
	if !found || e.State != StateQuery {
		return
	}

	e.retries++
	if e.retries >= MaxRetries {
		// Retries exhausted: the entry stays in Query for a brief
		// hold-off window to suppress immediate re-query storms, then is
		// dropped entirely.
		e.holdOff = true
		r.sched.AlarmAt(r.sched.Now()+HoldOffMs, func() {
			r.entries.Del(key(eid))
		})

		return
	}

	e.nextRetryDelay *= 2
	if e.nextRetryDelay > MaxRetryDelayMs {
		e.nextRetryDelay = MaxRetryDelayMs
	}

	if err := r.sender.SendAddressQuery(eid); err != nil && r.logger != nil {
		r.logger.Warn("address resolver: retry failed", "eid", eid, "err", err)
	}

	r.armRetry(e)
}

// HandleNotify processes an inbound Address Notify. Per spec.md §4.5, when
// multiple Notifies race, the one with the largest lastTransTime wins,
// ties broken by the smaller RLOC16.
func (r *Resolver) HandleNotify(eid, mlEID netip.Addr, rloc16 threadtype.RLOC16, lastTransTime uint32) {
	e, found := r.entries.Get(key(eid))
	if !found {
		e = &Entry{EID: eid}
		r.entries.Set(key(eid), e)
	}

	if e.State == StateCached {
		if lastTransTime < e.LastTransTime {
			return
		}
		if lastTransTime == e.LastTransTime && rloc16 >= e.RLOC16 {
			return
		}
	}

	if e.State == StateQuery {
		r.sched.Cancel(e.alarmHandle)
	}

	e.State = StateCached
	e.RLOC16 = rloc16
	e.MLEID = mlEID
	e.LastTransTime = lastTransTime
	e.retries = 0
	e.lastTouchedMs = r.sched.Now()
}

// HandleError processes an inbound Address Error for a cached EID,
// invalidating the entry.
func (r *Resolver) HandleError(eid netip.Addr) {
	r.entries.Del(key(eid))
}

// InvalidateRLOC16 removes every cache entry pointing at rloc16 — called
// when that router's id is released.
func (r *Resolver) InvalidateRLOC16(rloc16 threadtype.RLOC16) {
	var stale []string
	r.entries.Range(func(k string, e *Entry) bool {
		if e.State == StateCached && e.RLOC16 == rloc16 {
			stale = append(stale, k)
		}

		return true
	})

	for _, k := range stale {
		r.entries.Del(k)
	}
}

// ReleaseOwn emits an Address Release for our own EID, per spec.md §4.5
// ("the resolver also emits Address Release when we relinquish our own
// EID").
func (r *Resolver) ReleaseOwn(eid netip.Addr, rloc16 threadtype.RLOC16) error {
	if err := r.sender.SendAddressRelease(eid, rloc16); err != nil {
		return errors.Annotate(err, "address resolver: releasing own eid: %w")
	}

	return nil
}

// evictIfNeeded drops the LRU Cached entry if at capacity. Query entries
// are never evicted, even if older, per spec.md §4.5/§8.
func (r *Resolver) evictIfNeeded() {
	if r.entries.Len() < r.capacity {
		return
	}

	var lruKey string
	var lruTime uint32 = ^uint32(0)
	found := false

	r.entries.Range(func(k string, e *Entry) bool {
		if e.State != StateCached {
			return true
		}

		if !found || e.lastTouchedMs < lruTime {
			lruKey = k
			lruTime = e.lastTouchedMs
			found = true
		}

		return true
	})

	if found {
		r.entries.Del(lruKey)
	}
}

// Len returns the number of entries currently cached (any state).
func (r *Resolver) Len() int {
	return r.entries.Len()
}

// State returns the current state of the entry for eid, if any.
func (r *Resolver) State(eid netip.Addr) (state CacheState, ok bool) {
	e, found := r.entries.Get(key(eid))
	if !found {
		return StateInvalid, false
	}

	return e.State, true
}
