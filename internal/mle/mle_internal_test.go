package mle

import (
	"testing"

	"github.com/openthread-go/meshcore/internal/tasklet"
	"github.com/openthread-go/meshcore/internal/threadtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	multicasts []MessageType
	unicasts   []MessageType
}

func (f *fakeTransport) SendUnicast(dst threadtype.ExtAddr, msgType MessageType, payload []byte) error {
	f.unicasts = append(f.unicasts, msgType)

	return nil
}

func (f *fakeTransport) SendMulticast(msgType MessageType, payload []byte) error {
	f.multicasts = append(f.multicasts, msgType)

	return nil
}

type fakeLeaderClient struct {
	nextID uint8
	err    error
}

func (f *fakeLeaderClient) AddressSolicit(ext threadtype.ExtAddr) (uint8, error) {
	return f.nextID, f.err
}

func (f *fakeLeaderClient) AddressRelease(routerID uint8) error { return nil }

func newTestMachine() (*Machine, *fakeTransport) {
	var now uint32
	sched := tasklet.New(nil, func() uint32 { return now })
	transport := &fakeTransport{}
	m := New(nil, sched, transport, &fakeLeaderClient{}, nil, Config{
		ExtAddr:                  threadtype.ExtAddr{0xaa},
		Mode:                     threadtype.DeviceMode{FullThreadDevice: true, RxOnWhenIdle: true},
		ChildTimeoutSec:          240,
		RouterUpgradeThreshold:   16,
		RouterDowngradeThreshold: 23,
		RouterSelectionJitterSec: 1,
	}, 32)

	return m, transport
}

func TestStartTransitionsDisabledToDetachedAndSendsParentRequest(t *testing.T) {
	m, transport := newTestMachine()

	require.NoError(t, m.Start())
	assert.Equal(t, threadtype.RoleDetached, m.Role())
	assert.Contains(t, transport.multicasts, MsgParentRequest)
}

func TestAttachExhaustedBecomesSingletonLeader(t *testing.T) {
	m, _ := newTestMachine()
	require.NoError(t, m.Start())

	// Drive every attach attempt to its window-close with no Parent
	// Responses received; spec.md §4.6 says exhausting attempts with
	// priority=AnyPartition forms a new singleton partition as Leader.
	for i := 0; i < MaxAttachAttempts; i++ {
		m.onAttachWindowClosed()
	}

	assert.Equal(t, threadtype.RoleLeader, m.Role())
	assert.NotZero(t, m.LeaderData().PartitionID)
}

func TestParentResponseLeadsToChildIDRequestAndAttach(t *testing.T) {
	m, transport := newTestMachine()
	require.NoError(t, m.Start())

	resp := ParentResponse{
		ExtAddr:    threadtype.ExtAddr{1, 2, 3},
		RLOC16:     0x1400,
		LeaderData: threadtype.LeaderData{Weighting: 64, PartitionID: 0xbeef},
	}
	m.HandleParentResponse(resp)
	m.onAttachWindowClosed()

	assert.Contains(t, transport.unicasts, MsgChildIDRequest)

	m.HandleChildIDResponse(ChildIDResponse{
		ExtAddr:      resp.ExtAddr,
		ParentRLOC16: resp.RLOC16,
		ChildRLOC16:  0x1401,
		LeaderData:   resp.LeaderData,
	})

	assert.Equal(t, threadtype.RoleChild, m.Role())
	assert.Equal(t, threadtype.RLOC16(0x1401), m.OwnRLOC16())
}

func TestChildUpdateMissExhaustionTriggersDetach(t *testing.T) {
	m, _ := newTestMachine()
	require.NoError(t, m.Start())

	resp := ParentResponse{ExtAddr: threadtype.ExtAddr{7}, LeaderData: threadtype.LeaderData{Weighting: 64}}
	m.HandleParentResponse(resp)
	m.onAttachWindowClosed()
	m.HandleChildIDResponse(ChildIDResponse{ExtAddr: resp.ExtAddr, ChildRLOC16: 0x1401, LeaderData: resp.LeaderData})
	require.Equal(t, threadtype.RoleChild, m.Role())

	for i := 0; i < ChildUpdateMaxMisses; i++ {
		m.sendChildUpdateRequest()
	}

	assert.Equal(t, threadtype.RoleDetached, m.Role())
}

func TestHandleAdvertisementAdoptsBetterPartitionAsLeader(t *testing.T) {
	m, _ := newTestMachine()
	require.NoError(t, m.Start())

	// Become leader of our own singleton partition first.
	for i := 0; i < MaxAttachAttempts; i++ {
		m.onAttachWindowClosed()
	}
	require.Equal(t, threadtype.RoleLeader, m.Role())

	better := threadtype.LeaderData{Weighting: 200, PartitionID: 0xffffffff}
	m.HandleAdvertisement(threadtype.ExtAddr{9}, better, 0, nil)

	// Adopting a better partition re-enters Detached and starts a fresh
	// attach, per spec.md §4.6 "Leader: partition merge ... → Child: adopt
	// new partition" (the device passes through Detached first).
	assert.Equal(t, threadtype.RoleDetached, m.Role())
	assert.Equal(t, better, m.LeaderData())
}
