package addrresolver_test

import (
	"net/netip"
	"testing"

	"github.com/openthread-go/meshcore/internal/addrresolver"
	"github.com/openthread-go/meshcore/internal/tasklet"
	"github.com/openthread-go/meshcore/internal/threadtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	queries  []netip.Addr
	releases []netip.Addr
}

func (s *fakeSender) SendAddressQuery(eid netip.Addr) error {
	s.queries = append(s.queries, eid)

	return nil
}

func (s *fakeSender) SendAddressRelease(eid netip.Addr, _ threadtype.RLOC16) error {
	s.releases = append(s.releases, eid)

	return nil
}

func newTestScheduler() (*tasklet.Scheduler, *uint32) {
	now := new(uint32)
	sched := tasklet.New(nil, func() uint32 { return *now })

	return sched, now
}

func eid(b byte) netip.Addr {
	bytes := [16]byte{0xfd, 0xde, 0xad, 0x00, 0xbe, 0xef}
	bytes[15] = b

	return netip.AddrFrom16(bytes)
}

func TestResolve_MissStartsQuery(t *testing.T) {
	sched, _ := newTestScheduler()
	sender := &fakeSender{}
	r := addrresolver.New(nil, sched, sender, 8)

	rloc, state := r.Resolve(eid(1))
	assert.EqualValues(t, 0, rloc)
	assert.Equal(t, addrresolver.StateQuery, state)
	assert.Len(t, sender.queries, 1)
}

func TestHandleNotify_CachesAndIsLookupable(t *testing.T) {
	sched, _ := newTestScheduler()
	sender := &fakeSender{}
	r := addrresolver.New(nil, sched, sender, 8)

	r.Resolve(eid(1))
	r.HandleNotify(eid(1), eid(1), 0x1234, 10)

	rloc, ok := r.Lookup(eid(1))
	require.True(t, ok)
	assert.EqualValues(t, 0x1234, rloc)
}

func TestHandleNotify_LargerLastTransTimeWins(t *testing.T) {
	sched, _ := newTestScheduler()
	sender := &fakeSender{}
	r := addrresolver.New(nil, sched, sender, 8)

	r.Resolve(eid(1))
	r.HandleNotify(eid(1), eid(1), 0x1111, 5)
	r.HandleNotify(eid(1), eid(1), 0x2222, 10)
	r.HandleNotify(eid(1), eid(1), 0x3333, 3) // stale, must be ignored

	rloc, ok := r.Lookup(eid(1))
	require.True(t, ok)
	assert.EqualValues(t, 0x2222, rloc)
}

func TestHandleNotify_TieBrokenBySmallerRLOC(t *testing.T) {
	sched, _ := newTestScheduler()
	sender := &fakeSender{}
	r := addrresolver.New(nil, sched, sender, 8)

	r.Resolve(eid(1))
	r.HandleNotify(eid(1), eid(1), 0x5000, 10)
	r.HandleNotify(eid(1), eid(1), 0x1000, 10) // same time, smaller RLOC wins

	rloc, ok := r.Lookup(eid(1))
	require.True(t, ok)
	assert.EqualValues(t, 0x1000, rloc)
}

func TestHandleError_InvalidatesEntry(t *testing.T) {
	sched, _ := newTestScheduler()
	sender := &fakeSender{}
	r := addrresolver.New(nil, sched, sender, 8)

	r.Resolve(eid(1))
	r.HandleNotify(eid(1), eid(1), 0x1234, 1)

	r.HandleError(eid(1))

	_, ok := r.Lookup(eid(1))
	assert.False(t, ok)
}

func TestInvalidateRLOC16_DropsMatchingEntriesOnly(t *testing.T) {
	sched, _ := newTestScheduler()
	sender := &fakeSender{}
	r := addrresolver.New(nil, sched, sender, 8)

	r.Resolve(eid(1))
	r.HandleNotify(eid(1), eid(1), 0x1234, 1)
	r.Resolve(eid(2))
	r.HandleNotify(eid(2), eid(2), 0x5678, 1)

	r.InvalidateRLOC16(0x1234)

	_, ok := r.Lookup(eid(1))
	assert.False(t, ok)
	_, ok = r.Lookup(eid(2))
	assert.True(t, ok)
}

func TestRetryExhaustion_DropsEntryAfterHoldOff(t *testing.T) {
	sched, now := newTestScheduler()
	sender := &fakeSender{}
	r := addrresolver.New(nil, sched, sender, 8)

	r.Resolve(eid(1))

	for i := 0; i < 120000; i++ {
		sched.Run()
		*now++
	}

	assert.GreaterOrEqual(t, len(sender.queries), addrresolver.MaxRetries)

	state, ok := r.State(eid(1))
	assert.False(t, ok, "entry must be dropped after hold-off, got state %v", state)
}

func TestEvictIfNeeded_NeverEvictsQueryEntries(t *testing.T) {
	sched, _ := newTestScheduler()
	sender := &fakeSender{}
	r := addrresolver.New(nil, sched, sender, 1)

	r.Resolve(eid(1)) // Query, capacity 1
	r.Resolve(eid(2)) // also Query; eviction must not remove either

	_, state1 := r.Resolve(eid(1))
	_, state2 := r.Resolve(eid(2))
	assert.Equal(t, addrresolver.StateQuery, state1)
	assert.Equal(t, addrresolver.StateQuery, state2)
}

func TestReleaseOwn_EmitsAddressRelease(t *testing.T) {
	sched, _ := newTestScheduler()
	sender := &fakeSender{}
	r := addrresolver.New(nil, sched, sender, 8)

	require.NoError(t, r.ReleaseOwn(eid(9), 0x4200))
	assert.Equal(t, []netip.Addr{eid(9)}, sender.releases)
}
