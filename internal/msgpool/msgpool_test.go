package msgpool_test

import (
	"testing"

	"github.com/openthread-go/meshcore/internal/msgpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFree_RoundTrip(t *testing.T) {
	p := msgpool.New(4)
	assert.Equal(t, 4, p.FreeCount())

	ref, err := p.Alloc(msgpool.QueueSend)
	require.NoError(t, err)
	assert.Equal(t, 3, p.FreeCount())
	assert.Equal(t, 1, p.LiveCount(msgpool.QueueSend))

	msg := p.Get(ref)
	require.NotNil(t, msg)
	msg.Header = msgpool.HeaderIP6

	p.Free(ref)
	assert.Equal(t, 4, p.FreeCount())
	assert.Equal(t, 0, p.LiveCount(msgpool.QueueSend))
	assert.Nil(t, p.Get(ref), "freed ref must not resolve")
}

func TestAlloc_ExhaustionSurfacesError(t *testing.T) {
	p := msgpool.New(1)

	_, err := p.Alloc(msgpool.QueueSend)
	require.NoError(t, err)

	_, err = p.Alloc(msgpool.QueueSend)
	require.Error(t, err)
}

func TestMove_UpdatesPerQueueCounts(t *testing.T) {
	p := msgpool.New(2)

	ref, err := p.Alloc(msgpool.QueueSend)
	require.NoError(t, err)

	p.Move(ref, msgpool.QueueIndirect)
	assert.Equal(t, 0, p.LiveCount(msgpool.QueueSend))
	assert.Equal(t, 1, p.LiveCount(msgpool.QueueIndirect))
}

func TestFree_ChainReleasesAllNodes(t *testing.T) {
	p := msgpool.New(3)

	head, err := p.Alloc(msgpool.QueueReassembly)
	require.NoError(t, err)
	tail, err := p.Alloc(msgpool.QueueReassembly)
	require.NoError(t, err)

	p.Get(head).Next = tail
	assert.Equal(t, 1, p.FreeCount())

	p.Free(head)
	assert.Equal(t, 3, p.FreeCount())
}
