package neighbor_test

import (
	"testing"
	"time"

	"github.com/openthread-go/meshcore/internal/neighbor"
	"github.com/openthread-go/meshcore/internal/threadtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extAddr(b byte) (e threadtype.ExtAddr) {
	e[7] = b

	return e
}

func TestTable_AddFindRemove(t *testing.T) {
	tbl := neighbor.NewTable(4)

	n := neighbor.New(extAddr(1))
	n.RLOC16 = 0x1234
	n.State = neighbor.StateChild

	ref, ok := tbl.Add(n)
	require.True(t, ok)

	got := tbl.Get(ref)
	require.NotNil(t, got)
	assert.Equal(t, threadtype.RLOC16(0x1234), got.RLOC16)

	byRLOC, ok := tbl.FindByRLOC16(0x1234)
	require.True(t, ok)
	assert.Equal(t, ref, byRLOC)

	tbl.Remove(ref)
	assert.Nil(t, tbl.Get(ref))
	_, ok = tbl.FindByRLOC16(0x1234)
	assert.False(t, ok)
}

func TestTable_AddOverwritesSameExtAddr(t *testing.T) {
	tbl := neighbor.NewTable(4)

	n1 := neighbor.New(extAddr(1))
	n1.RLOC16 = 1
	ref1, _ := tbl.Add(n1)

	n2 := neighbor.New(extAddr(1))
	n2.RLOC16 = 2
	ref2, _ := tbl.Add(n2)

	assert.Equal(t, ref1, ref2)
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_Capacity(t *testing.T) {
	tbl := neighbor.NewTable(1)

	_, ok := tbl.Add(neighbor.New(extAddr(1)))
	require.True(t, ok)

	_, ok = tbl.Add(neighbor.New(extAddr(2)))
	assert.False(t, ok, "table at capacity must refuse new neighbors")
}

func TestEvictExpired(t *testing.T) {
	tbl := neighbor.NewTable(4)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	n := neighbor.New(extAddr(1))
	n.TimeoutSec = 10
	n.LastHeard = base
	ref, _ := tbl.Add(n)

	evicted := tbl.EvictExpired(base.Add(5 * time.Second))
	assert.Empty(t, evicted)
	assert.NotNil(t, tbl.Get(ref))

	evicted = tbl.EvictExpired(base.Add(11 * time.Second))
	assert.Equal(t, []neighbor.Ref{ref}, evicted)
	assert.Nil(t, tbl.Get(ref))
}

func TestRecordRSSI_EMA(t *testing.T) {
	n := neighbor.New(extAddr(1))
	n.RecordRSSI(-60)
	first := n.RSSIEMA()
	assert.InDelta(t, -60, first, 0.001)

	n.RecordRSSI(-40)
	second := n.RSSIEMA()
	assert.Greater(t, second, first, "EMA should move toward a stronger sample")
}

func TestEffectiveLinkQuality_Override(t *testing.T) {
	n := neighbor.New(extAddr(1))
	n.LinkQualityIn = 1
	assert.EqualValues(t, 1, n.EffectiveLinkQuality())

	override := uint8(3)
	n.QualityOverride = &override
	assert.EqualValues(t, 3, n.EffectiveLinkQuality())
}

func TestState_Reachable(t *testing.T) {
	assert.False(t, neighbor.StateLinkRequest.Reachable())
	assert.True(t, neighbor.StateLinkAccept.Reachable())
	assert.True(t, neighbor.StateChild.Reachable())
}
