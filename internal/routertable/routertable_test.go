package routertable_test

import (
	"testing"
	"time"

	"github.com/openthread-go/meshcore/internal/routertable"
	"github.com/openthread-go/meshcore/internal/threadtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSolicitAllocatesLowestFree(t *testing.T) {
	tbl := routertable.New(nil)
	now := time.Now()

	var a, b threadtype.ExtAddr
	a[0] = 1
	b[0] = 2

	id1, err := tbl.Solicit(a, now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, id1)

	id2, err := tbl.Solicit(b, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, id2)

	// Re-soliciting the same ext addr returns the same id, not a new one.
	again, err := tbl.Solicit(a, now)
	require.NoError(t, err)
	assert.Equal(t, id1, again)
}

func TestReleaseHoldsOffBeforeReuse(t *testing.T) {
	tbl := routertable.New(nil)
	now := time.Now()

	var a threadtype.ExtAddr
	a[0] = 1
	id, err := tbl.Solicit(a, now)
	require.NoError(t, err)

	tbl.Release(id, now)
	assert.Equal(t, threadtype.AllocReserved, tbl.State(id))

	var b threadtype.ExtAddr
	b[0] = 2
	// Still within the reuse delay: the freed id must not come back yet,
	// so a second solicit gets the next slot instead.
	id2, err := tbl.Solicit(b, now)
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestAgeSweepFreesLongUnreachableRouter(t *testing.T) {
	tbl := routertable.New(nil)
	now := time.Now()

	var a threadtype.ExtAddr
	a[0] = 1
	id, err := tbl.Solicit(a, now)
	require.NoError(t, err)

	t1 := now.Add(routertable.DefaultRouterTimeout + time.Second)
	freed := tbl.AgeSweep(t1)
	assert.Empty(t, freed)
	assert.Equal(t, threadtype.AllocAllocated, tbl.State(id))

	t2 := t1.Add(routertable.DefaultRouterIDReuseDelay + time.Second)
	freed = tbl.AgeSweep(t2)
	assert.Equal(t, []uint8{id}, freed)
	assert.Equal(t, threadtype.AllocReserved, tbl.State(id))
}

func TestAcceptSequenceModularWindow(t *testing.T) {
	tbl := routertable.New(nil)
	assert.True(t, tbl.AcceptSequence(0))
	assert.True(t, tbl.AcceptSequence(64))
	assert.False(t, tbl.AcceptSequence(65))
}

func TestExhaustionReturnsNoAddress(t *testing.T) {
	tbl := routertable.New(nil)
	now := time.Now()

	for i := 0; i < threadtype.NumRouterIDs; i++ {
		var ext threadtype.ExtAddr
		ext[0] = byte(i)
		ext[1] = byte(i >> 8)
		_, err := tbl.Solicit(ext, now)
		require.NoError(t, err)
	}

	var overflow threadtype.ExtAddr
	overflow[7] = 0xff
	_, err := tbl.Solicit(overflow, now)
	assert.ErrorIs(t, err, routertable.ErrNoAddress)
}
