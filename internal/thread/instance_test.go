package thread_test

import (
	"testing"

	"github.com/openthread-go/meshcore/internal/keymanager"
	"github.com/openthread-go/meshcore/internal/thread"
	"github.com/openthread-go/meshcore/internal/threadtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRadio struct{}

func (fakeRadio) CCA() (bool, error)                              { return true, nil }
func (fakeRadio) Transmit(frame []byte) error                     { return nil }
func (fakeRadio) SetPanID(panID uint16) error                     { return nil }
func (fakeRadio) SetShortAddress(short uint16) error              { return nil }
func (fakeRadio) SetExtendedAddress(ext threadtype.ExtAddr) error { return nil }
func (fakeRadio) SetChannel(channel uint8) error                  { return nil }

func newTestInstance() (*thread.Instance, *uint32) {
	var nowMs uint32

	inst := thread.New(nil, fakeRadio{}, func() uint32 { return nowMs }, thread.Config{
		ExtAddr:                  threadtype.ExtAddr{1, 2, 3, 4, 5, 6, 7, 8},
		Mode:                     threadtype.DeviceMode{FullThreadDevice: true, RxOnWhenIdle: true},
		MasterKey:                keymanager.Key{0xaa},
		NetworkName:              "test",
		PANID:                    0x1234,
		Channel:                  15,
		ChildTimeoutSec:          240,
		RouterUpgradeThreshold:   16,
		RouterDowngradeThreshold: 23,
		RouterSelectionJitterSec: 1,
	})

	return inst, &nowMs
}

func TestStartFormsSingletonLeaderWhenNoParentResponds(t *testing.T) {
	inst, nowMs := newTestInstance()

	require.NoError(t, inst.Start())
	assert.Equal(t, threadtype.RoleDetached, inst.Role())

	// Drive enough Run passes for every attach attempt to exhaust its
	// window and fall back to forming a singleton partition.
	for i := 0; i < 50 && inst.Role() != threadtype.RoleLeader; i++ {
		*nowMs += 1500
		inst.Run()
	}

	assert.Equal(t, threadtype.RoleLeader, inst.Role())
}

func TestStopReturnsToDisabled(t *testing.T) {
	inst, _ := newTestInstance()
	require.NoError(t, inst.Start())

	inst.Stop()
	assert.Equal(t, threadtype.RoleDisabled, inst.Role())
}

func TestSetChannelClearsBothDatasets(t *testing.T) {
	inst, _ := newTestInstance()

	active := &thread.Dataset{Channel: 15, NetworkName: "test"}
	pending := &thread.Dataset{Channel: 20}

	require.NoError(t, inst.SetChannel(fakeRadio{}, 20, active, pending))

	assert.Equal(t, thread.Dataset{}, *active)
	assert.Equal(t, thread.Dataset{}, *pending)
}
