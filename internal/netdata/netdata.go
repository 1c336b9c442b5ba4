// Package netdata implements §4.8 Network Data Leader: the TLV-encoded
// on-mesh-prefix / external-route / service table split into stable and
// unstable sections, Server Data merge, and context-id reuse on prefix
// deletion.
//
// Grounded on internal/dhcpd/server.go's V4ServerConf/V6ServerConf split
// between persisted (stable) and derived (unstable) fields, mapped here
// onto the stable vs. unstable Network Data TLV sections.
package netdata

import (
	"bytes"
	"log/slog"
	"time"
)

// BorderRouterFlags packs the flag bits a border router advertises in its
// Border Router TLV entry (spec.md §4.8).
type BorderRouterFlags struct {
	Preferred   bool
	SLAAC       bool
	DHCP        bool
	Configure   bool
	DefaultRoute bool
	OnMesh      bool
	Stable      bool
}

// Byte packs the flags into the single-byte wire representation used by
// the Border Router TLV sub-entry.
func (f BorderRouterFlags) Byte() byte {
	var b byte
	if f.Preferred {
		b |= 1 << 0
	}
	if f.SLAAC {
		b |= 1 << 1
	}
	if f.DHCP {
		b |= 1 << 2
	}
	if f.Configure {
		b |= 1 << 3
	}
	if f.DefaultRoute {
		b |= 1 << 4
	}
	if f.OnMesh {
		b |= 1 << 5
	}
	if f.Stable {
		b |= 1 << 6
	}

	return b
}

// PrefixEntry is one on-mesh prefix or external route, keyed by (prefix,
// RLOC16 of the registering router).
type PrefixEntry struct {
	Prefix     [16]byte
	PrefixLen  uint8
	RLOC16     uint16
	Flags      BorderRouterFlags
	IsExternal bool
	ContextID  uint8
	Stable     bool
}

// key identifies an entry for dedup purposes: prefix + registering RLOC +
// external-vs-onmesh, matching the original's notion of "same entry from
// the same router".
type key struct {
	prefix    [16]byte
	prefixLen uint8
	rloc16    uint16
	external  bool
}

func entryKey(e PrefixEntry) key {
	return key{prefix: e.Prefix, prefixLen: e.PrefixLen, rloc16: e.RLOC16, external: e.IsExternal}
}

// sameEntry reports whether two PrefixEntry values are byte-identical,
// used to detect a no-op re-registration (spec.md §8 idempotence).
func sameEntry(a, b PrefixEntry) bool {
	return a.Prefix == b.Prefix && a.PrefixLen == b.PrefixLen && a.RLOC16 == b.RLOC16 &&
		a.Flags == b.Flags && a.IsExternal == b.IsExternal && a.ContextID == b.ContextID &&
		a.Stable == b.Stable
}

// sameService reports whether two ServiceEntry values carry identical
// fields, including their byte-slice payload.
func sameService(a, b ServiceEntry) bool {
	return a.EnterpriseNumber == b.EnterpriseNumber && a.RLOC16 == b.RLOC16 &&
		a.Stable == b.Stable && bytes.Equal(a.ServiceData, b.ServiceData)
}

// ServiceEntry is one Service TLV registration.
type ServiceEntry struct {
	EnterpriseNumber uint32
	ServiceData      []byte
	RLOC16           uint16
	Stable           bool
}

// reservation tracks a context-id hold-off after a prefix using it is
// deleted, per spec.md §4.8 "context-id reuse".
type reservation struct {
	contextID uint8
	until     time.Time
}

// Leader is the Network Data Leader's authoritative table.
type Leader struct {
	logger *slog.Logger

	entries  map[key]PrefixEntry
	services []ServiceEntry

	dataVersion       uint8
	stableDataVersion uint8

	nextContextID uint8
	reservations  []reservation
	contextIDReuseDelay time.Duration
}

// New returns an empty Leader table.
func New(logger *slog.Logger) *Leader {
	return &Leader{
		logger:              logger,
		entries:             make(map[key]PrefixEntry),
		nextContextID:       1,
		contextIDReuseDelay: 48 * time.Hour,
	}
}

// DataVersion returns the current (unstable) Network Data version.
func (l *Leader) DataVersion() uint8 { return l.dataVersion }

// StableDataVersion returns the current stable Network Data version.
func (l *Leader) StableDataVersion() uint8 { return l.stableDataVersion }

// RegisterServerData merges a Server Data Notification's prefix entries
// without duplicates, per spec.md §4.8. Applying the identical set twice
// leaves both versions unchanged on the second application (spec.md §8
// idempotence property).
func (l *Leader) RegisterServerData(entries []PrefixEntry, now time.Time) (changed bool) {
	for _, e := range entries {
		k := entryKey(e)
		if existing, ok := l.entries[k]; ok && sameEntry(existing, e) {
			continue
		}

		l.entries[k] = e
		if e.ContextID != 0 {
			l.releaseReservation(e.ContextID)
		}
		changed = true

		if e.Stable {
			l.stableDataVersion++
		}
		l.dataVersion++
	}

	if changed && l.logger != nil {
		l.logger.Debug("network data: merged server data", "count", len(entries))
	}

	return changed
}

// RegisterService merges one Service TLV registration; duplicate
// registrations (identical fields) are a no-op.
func (l *Leader) RegisterService(svc ServiceEntry) (changed bool) {
	for _, existing := range l.services {
		if sameService(existing, svc) {
			return false
		}
	}

	l.services = append(l.services, svc)
	l.dataVersion++
	if svc.Stable {
		l.stableDataVersion++
	}

	return true
}

// RemovePrefix deletes the prefix entry registered by rloc16 and reserves
// its context-id for reuse after contextIDReuseDelay, per spec.md §4.8.
func (l *Leader) RemovePrefix(prefix [16]byte, prefixLen uint8, rloc16 uint16, external bool, now time.Time) (removed bool) {
	k := key{prefix: prefix, prefixLen: prefixLen, rloc16: rloc16, external: external}
	e, ok := l.entries[k]
	if !ok {
		return false
	}

	delete(l.entries, k)
	l.dataVersion++
	if e.Stable {
		l.stableDataVersion++
	}

	if e.ContextID != 0 {
		l.reservations = append(l.reservations, reservation{
			contextID: e.ContextID,
			until:     now.Add(l.contextIDReuseDelay),
		})
	}

	return true
}

func (l *Leader) releaseReservation(contextID uint8) {
	out := l.reservations[:0]
	for _, r := range l.reservations {
		if r.contextID != contextID {
			out = append(out, r)
		}
	}
	l.reservations = out
}

// AllocateContextID returns the first released context-id (in release
// order) whose reuse hold-off has expired, allocating a new one if none is
// free for reuse. It does not search for the numerically lowest free id.
func (l *Leader) AllocateContextID(now time.Time) uint8 {
	for i, r := range l.reservations {
		if !now.Before(r.until) {
			l.reservations = append(l.reservations[:i], l.reservations[i+1:]...)

			return r.contextID
		}
	}

	id := l.nextContextID
	l.nextContextID++

	return id
}

// GetStable returns every stable prefix entry and stable service, for
// propagation via Advertisement.
func (l *Leader) GetStable() (prefixes []PrefixEntry, services []ServiceEntry) {
	for _, e := range l.entries {
		if e.Stable {
			prefixes = append(prefixes, e)
		}
	}
	for _, s := range l.services {
		if s.Stable {
			services = append(services, s)
		}
	}

	return prefixes, services
}

// GetFull returns every prefix entry and service, stable and unstable,
// for an MLE Data Response.
func (l *Leader) GetFull() (prefixes []PrefixEntry, services []ServiceEntry) {
	for _, e := range l.entries {
		prefixes = append(prefixes, e)
	}

	return prefixes, append([]ServiceEntry(nil), l.services...)
}

// RemoveRLOC16 deletes every entry registered by rloc16 — called when that
// router's id is released, so stale Network Data doesn't outlive the
// router that published it.
func (l *Leader) RemoveRLOC16(rloc16 uint16, now time.Time) {
	for k, e := range l.entries {
		if e.RLOC16 != rloc16 {
			continue
		}

		delete(l.entries, k)
		l.dataVersion++
		if e.Stable {
			l.stableDataVersion++
		}
		if e.ContextID != 0 {
			l.reservations = append(l.reservations, reservation{
				contextID: e.ContextID,
				until:     now.Add(l.contextIDReuseDelay),
			})
		}
	}

	kept := l.services[:0]
	for _, s := range l.services {
		if s.RLOC16 == rloc16 {
			l.dataVersion++
			if s.Stable {
				l.stableDataVersion++
			}

			continue
		}
		kept = append(kept, s)
	}
	l.services = kept
}
