package backbone_test

import (
	"testing"

	"github.com/openthread-go/meshcore/internal/backbone"
	"github.com/openthread-go/meshcore/internal/tasklet"
	"github.com/openthread-go/meshcore/internal/threadtype"
	"github.com/stretchr/testify/assert"
)

func TestElectWinnerHighestWeightingTiesByRLOC(t *testing.T) {
	var now uint32
	sched := tasklet.New(nil, func() uint32 { return now })

	agent := backbone.New(nil, sched, 0x0400, true)

	candidates := []backbone.Candidate{
		{RLOC16: 0x0800, Weighting: 64, Enabled: true},
		{RLOC16: 0x0400, Weighting: 96, Enabled: true},
		{RLOC16: 0x0500, Weighting: 96, Enabled: true},
		{RLOC16: 0x0c00, Weighting: 96, Enabled: false},
	}

	agent.Elect(candidates, func() uint32 { return now })
	now = backbone.RegistrationJitterMaxMs
	sched.Run()

	assert.Equal(t, backbone.StatePrimary, agent.State())
}

func TestElectLoserBecomesSecondary(t *testing.T) {
	var now uint32
	sched := tasklet.New(nil, func() uint32 { return now })
	agent := backbone.New(nil, sched, 0x0800, true)

	candidates := []backbone.Candidate{
		{RLOC16: 0x0800, Weighting: 10, Enabled: true},
		{RLOC16: 0x0400, Weighting: 96, Enabled: true},
	}

	agent.Elect(candidates, func() uint32 { return now })

	assert.Equal(t, backbone.StateSecondary, agent.State())
}

func TestDisabledAgentNeverBecomesPrimary(t *testing.T) {
	var now uint32
	sched := tasklet.New(nil, func() uint32 { return now })
	agent := backbone.New(nil, sched, 0x0400, false)

	candidates := []backbone.Candidate{{RLOC16: 0x0400, Weighting: 96, Enabled: true}}
	agent.Elect(candidates, func() uint32 { return now })
	sched.Run()

	assert.Equal(t, backbone.StateDisabled, agent.State())
}

func TestPublishDomainPrefixOnlyWhenPrimary(t *testing.T) {
	var now uint32
	sched := tasklet.New(nil, func() uint32 { return now })
	agent := backbone.New(nil, sched, 0x0400, true)
	agent.SetDomainPrefix([16]byte{0xfd, 0x01}, 64)

	_, ok := agent.PublishDomainPrefix()
	assert.False(t, ok)

	agent.Elect([]backbone.Candidate{{RLOC16: 0x0400, Weighting: 1, Enabled: true}}, func() uint32 { return now })
	now = backbone.RegistrationJitterMaxMs
	sched.Run()

	entry, ok := agent.PublishDomainPrefix()
	assert.True(t, ok)
	assert.EqualValues(t, threadtype.RLOC16(0x0400), threadtype.RLOC16(entry.RLOC16))
}
