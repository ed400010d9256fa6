package bitmap_test

import (
	"testing"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetMSBFirst(t *testing.T) {
	bits := make([]byte, 1)
	bitmap.Set(bits, 0, true)
	assert.Equal(t, byte(0b1000_0000), bits[0], "bit 0 must be the MSB")

	bitmap.Set(bits, 7, true)
	assert.Equal(t, byte(0b1000_0001), bits[0])

	bitmap.Set(bits, 0, false)
	assert.Equal(t, byte(0b0000_0001), bits[0])
}

func TestSetFirstFree(t *testing.T) {
	bits := make([]byte, 1)
	bitmap.Set(bits, 0, true)

	index, err := bitmap.SetFirstFree(bits, 8)
	require.Nil(t, err)
	assert.EqualValues(t, 1, index)
	assert.True(t, bitmap.Get(bits, 1))
}

func TestSetFirstFreeExhausted(t *testing.T) {
	bits := []byte{0xFF}
	_, err := bitmap.SetFirstFree(bits, 8)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, alanfs.ErrNoSpace)
}

func TestPopcount(t *testing.T) {
	bits := []byte{0b1010_0000}
	assert.EqualValues(t, 2, bitmap.Popcount(bits, 8))
	assert.EqualValues(t, 1, bitmap.Popcount(bits, 2))
}

func TestJournalUndo(t *testing.T) {
	bits := make([]byte, 1)
	journal := bitmap.NewJournal(bits, 8)

	first, err := journal.SetFirstFree(8)
	require.Nil(t, err)
	second, err := journal.SetFirstFree(8)
	require.Nil(t, err)
	assert.NotEqual(t, first, second)
	assert.EqualValues(t, 2, bitmap.Popcount(bits, 8))

	require.Nil(t, journal.Undo())
	assert.EqualValues(t, 0, bitmap.Popcount(bits, 8))
}

func TestJournalCommitKeepsBitsSet(t *testing.T) {
	bits := make([]byte, 1)
	journal := bitmap.NewJournal(bits, 8)

	_, err := journal.SetFirstFree(8)
	require.Nil(t, err)
	journal.Commit()

	require.Nil(t, journal.Undo())
	assert.EqualValues(t, 1, bitmap.Popcount(bits, 8), "Commit must make the flip stick")
}
