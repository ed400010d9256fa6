package disks_test

import (
	"testing"

	"github.com/jiaqingren1106/Alanfs/disks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetKnownPreset(t *testing.T) {
	preset, err := disks.Get("small-4mb")
	require.NoError(t, err)
	assert.Equal(t, "small-4mb", preset.Slug)
	assert.EqualValues(t, 1024, preset.TotalBlocks)
	assert.EqualValues(t, 128, preset.TotalInodes)
}

func TestGetUnknownPresetFails(t *testing.T) {
	_, err := disks.Get("does-not-exist")
	assert.Error(t, err)
}

func TestAllIsSortedAndNonEmpty(t *testing.T) {
	presets := disks.All()
	require.NotEmpty(t, presets)
	for i := 1; i < len(presets); i++ {
		assert.Less(t, presets[i-1].Slug, presets[i].Slug)
	}
}
