package meshforward_test

import (
	"net/netip"
	"testing"

	"github.com/openthread-go/meshcore/internal/meshforward"
	"github.com/openthread-go/meshcore/internal/msgpool"
	"github.com/openthread-go/meshcore/internal/neighbor"
	"github.com/openthread-go/meshcore/internal/tasklet"
	"github.com/openthread-go/meshcore/internal/threadtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	busy bool
	sent [][]byte
}

func (f *fakeTx) Send(frame []byte, ackRequest bool, done func(ok bool, err error)) error {
	f.sent = append(f.sent, append([]byte(nil), frame...))
	if done != nil {
		done(true, nil)
	}

	return nil
}

func (f *fakeTx) Busy() bool { return f.busy }

type fakeResolver struct{}

func (fakeResolver) Resolve(eid netip.Addr) (threadtype.RLOC16, int) { return 0, 0 }

func newFixture(t *testing.T) (*meshforward.Forwarder, *msgpool.Pool, *neighbor.Table, *fakeTx) {
	t.Helper()
	var now uint32
	sched := tasklet.New(nil, func() uint32 { return now })
	pool := msgpool.New(16)
	neighs := neighbor.NewTable(8)
	tx := &fakeTx{}
	fwd := meshforward.New(nil, sched, pool, neighs, tx, fakeResolver{})
	fwd.SetOwnRLOC16(0x0c00)

	return fwd, pool, neighs, tx
}

func TestSendMessageDeliversDirectToTx(t *testing.T) {
	fwd, pool, _, tx := newFixture(t)

	ref, err := pool.Alloc(msgpool.QueueFree)
	require.NoError(t, err)
	msg := pool.Get(ref)
	msg.Length = copy(msg.Data[:], []byte("hello"))
	msg.Priority = msgpool.PriorityNormal

	err = fwd.SendMessage(ref, 0x1400)
	require.NoError(t, err)

	assert.Len(t, tx.sent, 1)
}

func TestSendMessageDivertsToSleepyChildIndirectQueue(t *testing.T) {
	fwd, pool, neighs, tx := newFixture(t)

	child := neighbor.New(threadtype.ExtAddr{1})
	child.RLOC16 = 0x0c01
	child.Kind = neighbor.KindChild
	child.Mode = threadtype.DeviceMode{RxOnWhenIdle: false}
	_, ok := neighs.Add(child)
	require.True(t, ok)

	ref, err := pool.Alloc(msgpool.QueueFree)
	require.NoError(t, err)
	msg := pool.Get(ref)
	msg.Length = copy(msg.Data[:], []byte("indirect"))

	err = fwd.SendMessage(ref, 0x0c01)
	require.NoError(t, err)

	// Nothing transmits until the child polls.
	assert.Empty(t, tx.sent)
	assert.True(t, fwd.HasPendingFor(0x0c01))

	fwd.HandleDataRequest(0x0c01)
	assert.Len(t, tx.sent, 1)
	assert.False(t, fwd.HasPendingFor(0x0c01))
}

func TestBackpressureRejectsLowPriorityNearFloor(t *testing.T) {
	fwd, pool, _, _ := newFixture(t)

	// Exhaust the pool down to the reserved floor.
	for pool.FreeCount() > meshforward.LowBufferFloor-1 {
		_, err := pool.Alloc(msgpool.QueueSend)
		require.NoError(t, err)
	}

	ref, err := pool.Alloc(msgpool.QueueFree)
	require.NoError(t, err)
	msg := pool.Get(ref)
	msg.Priority = msgpool.PriorityLow
	msg.Length = 1

	err = fwd.SendMessage(ref, 0x1400)
	assert.ErrorIs(t, err, threadtype.ErrNoBufs)
}

func TestHandleReceivedFrameDeliversLocalDatagram(t *testing.T) {
	fwd, _, _, _ := newFixture(t)

	var delivered []byte
	fwd.SetLocalDeliver(func(payload []byte, origin threadtype.RLOC16) {
		delivered = append([]byte(nil), payload...)
	})

	err := fwd.HandleReceivedFrame([]byte("raw ip6 payload"), 0x0c00)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw ip6 payload"), delivered)
}
