package filedata_test

import (
	"testing"
	"time"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/bitmap"
	"github.com/jiaqingren1106/Alanfs/filedata"
	"github.com/jiaqingren1106/Alanfs/image"
	"github.com/jiaqingren1106/Alanfs/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const totalDataBlocks = 32
const dataRegionOffset = 2 * alanfs.BlockSize

func fixture(t *testing.T) (*inode.Table, *filedata.Engine, *bitmap.Journal, []byte) {
	t.Helper()
	buf := make([]byte, 34*alanfs.BlockSize)
	img := image.Wrap(buf)
	table := inode.NewTable(img, alanfs.BlockSize, 16)
	blockBitmap, derr := img.Block(0)
	require.Nil(t, derr)

	engine := filedata.New(img, blockBitmap, totalDataBlocks, dataRegionOffset, table)
	journal := bitmap.NewJournal(blockBitmap, totalDataBlocks)
	return table, engine, journal, blockBitmap
}

func newFileInode(index alanfs.InodeIndex) inode.Inode {
	return inode.Inode{
		Index: index,
		Mode:  alanfs.S_IFREG | 0644,
		Links: 1,
		Mtime: time.Unix(1700000000, 0),
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	table, engine, journal, _ := fixture(t)
	file := newFileInode(1)
	require.Nil(t, table.Set(file))

	payload := []byte("hello, a1fs")
	n, derr := engine.Write(&file, payload, 0, journal, 1700000100)
	require.Nil(t, derr)
	assert.Equal(t, len(payload), n)

	file, derr = table.Get(1)
	require.Nil(t, derr)
	assert.EqualValues(t, len(payload), file.Size)

	buf := make([]byte, len(payload))
	n, derr = engine.Read(&file, buf, 0)
	require.Nil(t, derr)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestReadPastEOFLeavesTailUntouched(t *testing.T) {
	table, engine, journal, _ := fixture(t)
	file := newFileInode(1)
	require.Nil(t, table.Set(file))

	_, derr := engine.Write(&file, []byte("abc"), 0, journal, 1700000100)
	require.Nil(t, derr)
	file, _ = table.Get(1)

	buf := []byte{9, 9, 9, 9, 9}
	n, derr := engine.Read(&file, buf, 0)
	require.Nil(t, derr)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{'a', 'b', 'c', 9, 9}, buf, "bytes past EOF must be left untouched by Read")
}

func TestReadAtOrPastSizeReturnsZeroBytes(t *testing.T) {
	table, engine, journal, _ := fixture(t)
	file := newFileInode(1)
	require.Nil(t, table.Set(file))
	_, derr := engine.Write(&file, []byte("abc"), 0, journal, 1700000100)
	require.Nil(t, derr)
	file, _ = table.Get(1)

	buf := make([]byte, 4)
	n, derr := engine.Read(&file, buf, 10)
	require.Nil(t, derr)
	assert.Equal(t, 0, n)
}

func TestGrowZeroesHoleBeforeWrite(t *testing.T) {
	table, engine, journal, _ := fixture(t)
	file := newFileInode(1)
	require.Nil(t, table.Set(file))

	require.Nil(t, engine.Truncate(&file, int64(alanfs.BlockSize)+100, journal, 1700000100))
	file, derr := table.Get(1)
	require.Nil(t, derr)
	assert.EqualValues(t, alanfs.BlockSize+100, file.Size)

	buf := make([]byte, file.Size)
	n, derr := engine.Read(&file, buf, 0)
	require.Nil(t, derr)
	assert.EqualValues(t, file.Size, n)
	for i, b := range buf {
		assert.Equalf(t, byte(0), b, "byte %d of a freshly grown file must be zero", i)
	}
}

func TestWriteAcrossMultipleExtents(t *testing.T) {
	table, engine, journal, blockBitmap := fixture(t)
	file := newFileInode(1)
	require.Nil(t, table.Set(file))

	// Pin block 10 as belonging to some other file, splitting the free
	// space into two runs ([0,10) and [11,32)) before this file ever
	// allocates anything. A single grow big enough to need both runs
	// forces two non-adjacent extents (best-fit drains the smaller run
	// first), which is exactly the shape the multi-extent write boundary
	// fix needs to exercise: the second extent does not start where the
	// first one's physical blocks leave off.
	bitmap.Set(blockBitmap, 10, true)
	journal.Record(10)

	require.Nil(t, engine.Truncate(&file, 15*alanfs.BlockSize, journal, 1700000100))
	file, derr := table.Get(1)
	require.Nil(t, derr)
	require.EqualValues(t, 2, file.ExtentUsed, "fragmented free space must force two extents")

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	const writeOffset = 9*alanfs.BlockSize - 1000 // starts inside extent 0, ends inside extent 1
	n, derr := engine.Write(&file, payload, writeOffset, journal, 1700000102)
	require.Nil(t, derr)
	assert.Equal(t, len(payload), n)

	file, derr = table.Get(1)
	require.Nil(t, derr)
	buf := make([]byte, len(payload))
	n, derr = engine.Read(&file, buf, writeOffset)
	require.Nil(t, derr)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestShrinkFreesTrailingBlocks(t *testing.T) {
	table, engine, journal, blockBitmap := fixture(t)
	file := newFileInode(1)
	require.Nil(t, table.Set(file))

	require.Nil(t, engine.Truncate(&file, 3*alanfs.BlockSize, journal, 1700000100))
	file, _ = table.Get(1)

	require.Nil(t, engine.Truncate(&file, alanfs.BlockSize/2, journal, 1700000200))
	file, derr := table.Get(1)
	require.Nil(t, derr)
	assert.EqualValues(t, alanfs.BlockSize/2, file.Size)
	assert.EqualValues(t, 2, bitmap.Popcount(blockBitmap, totalDataBlocks),
		"only the extent-list block and the one retained data block stay allocated")

	buf := make([]byte, file.Size)
	n, derr := engine.Read(&file, buf, 0)
	require.Nil(t, derr)
	assert.EqualValues(t, file.Size, n)
}

func TestTruncateToZeroFreesAllExtents(t *testing.T) {
	table, engine, journal, _ := fixture(t)
	file := newFileInode(1)
	require.Nil(t, table.Set(file))

	require.Nil(t, engine.Truncate(&file, 2*alanfs.BlockSize, journal, 1700000100))
	file, _ = table.Get(1)
	require.Nil(t, engine.Truncate(&file, 0, journal, 1700000200))

	file, derr := table.Get(1)
	require.Nil(t, derr)
	assert.EqualValues(t, 0, file.Size)
	assert.EqualValues(t, 0, file.ExtentUsed)
}
