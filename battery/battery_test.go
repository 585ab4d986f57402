package battery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBattery() *Battery {
	return &Battery{
		VersionID: "bat-2026-08",
		Sequences: []Sequence{
			{Name: "noir", Prompts: []Prompt{{Name: "open", Text: "Write an opening."}, {Name: "twist", Text: "Add a twist."}}},
			{Name: "haiku", Prompts: []Prompt{{Name: "one", Text: "Write a haiku."}}},
		},
	}
}

func TestBatteryValidate(t *testing.T) {
	require.NoError(t, validBattery().Validate())

	t.Run("missing version", func(t *testing.T) {
		b := validBattery()
		b.VersionID = ""
		assert.Error(t, b.Validate())
	})

	t.Run("no sequences", func(t *testing.T) {
		b := validBattery()
		b.Sequences = nil
		assert.Error(t, b.Validate())
	})

	t.Run("duplicate sequence name", func(t *testing.T) {
		b := validBattery()
		b.Sequences[1].Name = b.Sequences[0].Name
		err := b.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("empty prompt text", func(t *testing.T) {
		b := validBattery()
		b.Sequences[0].Prompts[1].Text = ""
		assert.Error(t, b.Validate())
	})
}

func TestCriteriaSetValidate(t *testing.T) {
	c := &CriteriaSet{
		VersionID: "crit-1",
		Criteria: []Criterion{
			{Name: "voice", Description: "distinct narrative voice", ScaleMin: 1, ScaleMax: 10},
		},
	}
	require.NoError(t, c.Validate())

	c.Criteria[0].ScaleMax = 1
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scale")
}

func TestTaskCount(t *testing.T) {
	b := validBattery()
	// (2 + 1) prompts, 3 runs each
	assert.Equal(t, 9, b.TaskCount(3))
	assert.Equal(t, 3, b.TaskCount(1))
}
