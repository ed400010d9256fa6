package extent_test

import (
	"testing"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/bitmap"
	"github.com/jiaqingren1106/Alanfs/extent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateFreeRuns(t *testing.T) {
	// 16 bits: blocks 0-1 allocated, 2-5 free, 6 allocated, 7-15 free.
	bits := []byte{0b1100_0010, 0b0000_0000}
	runs := extent.EnumerateFreeRuns(bits, 16)
	require.Len(t, runs, 2)
	assert.Equal(t, extent.FreeRun{StartBlock: 2, Count: 4}, runs[0])
	assert.Equal(t, extent.FreeRun{StartBlock: 7, Count: 9}, runs[1])
}

func TestAllocateBlocksTakesOnlyWhatsNeededFromASmallRun(t *testing.T) {
	// Two free runs: blocks [2,6) (len 4) and [10,20) (len 10). Requesting
	// 3 blocks must consume only 3 blocks of the smaller run, leaving its
	// last block free.
	bits := []byte{0b1100_0011, 0b1100_0000, 0b0000_1111}
	journal := bitmap.NewJournal(bits, 24)

	extents, derr := extent.AllocateBlocks(bits, 24, journal, 3)
	require.Nil(t, derr)
	require.Len(t, extents, 1)
	assert.EqualValues(t, 3, extents[0].Count, "must take only what's needed, not the whole run")
	assert.EqualValues(t, 2, extents[0].StartBlock())
	assert.False(t, bitmap.Get(bits, 5), "the run's unneeded last block must stay free")
}

func TestAllocateBlocksAcrossMultipleRuns(t *testing.T) {
	bits := []byte{0b1100_0011, 0b1100_0000, 0b0000_1111}
	journal := bitmap.NewJournal(bits, 24)

	extents, derr := extent.AllocateBlocks(bits, 24, journal, 6)
	require.Nil(t, derr)
	require.Len(t, extents, 2, "extent list grows by one entry per run consumed")
	assert.EqualValues(t, 4, extents[0].Count, "small run is taken whole since it's not larger than what's needed")
	assert.EqualValues(t, 2, extents[1].Count, "second run only contributes the remaining 2 blocks needed")
	assert.False(t, bitmap.Get(bits, 12), "blocks beyond what's needed in the second run must stay free")
}

func TestAllocateBlocksLeavesRemainderOfAnOversizedRunFree(t *testing.T) {
	// A single free run of 8 blocks; requesting 3 must not swallow the
	// whole run (the bug this guards against: a fresh image's entire data
	// region is one free run, and the first allocation must not consume
	// it all).
	bits := []byte{0b0000_0000}
	journal := bitmap.NewJournal(bits, 8)

	first, derr := extent.AllocateBlocks(bits, 8, journal, 3)
	require.Nil(t, derr)
	require.Len(t, first, 1)
	assert.EqualValues(t, 3, first[0].Count)

	journal.Commit()

	second, derr := extent.AllocateBlocks(bits, 8, journal, 2)
	require.Nil(t, derr, "the remaining 5 blocks of the run must still be available")
	require.Len(t, second, 1)
	assert.EqualValues(t, 2, second[0].Count)
	assert.EqualValues(t, 3, second[0].StartBlock())
}

func TestAllocateBlocksInsufficientSpaceLeavesBitmapUntouched(t *testing.T) {
	bits := []byte{0b1111_1110}
	before := append([]byte(nil), bits...)
	journal := bitmap.NewJournal(bits, 8)

	_, derr := extent.AllocateBlocks(bits, 8, journal, 5)
	require.NotNil(t, derr)
	assert.ErrorIs(t, derr, alanfs.ErrNoSpace)
	assert.Equal(t, before, bits, "no bits may change on a failed allocation")
}

func TestFreeClearsBits(t *testing.T) {
	bits := []byte{0b1111_1111}
	extent.Free(bits, extent.Extent{Start: 0, Count: 3})
	assert.Equal(t, byte(0b0001_1111), bits[0])
}

func TestExtentListRoundTrip(t *testing.T) {
	block := make([]byte, alanfs.BlockSize)
	extents := []extent.Extent{
		{Start: 0, Count: 2},
		{Start: alanfs.BlockSize * 5, Count: 1},
	}
	require.Nil(t, extent.WriteList(block, extents))

	readBack, derr := extent.ReadList(block, uint32(len(extents)))
	require.Nil(t, derr)
	assert.Equal(t, extents, readBack)
}
