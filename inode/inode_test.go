package inode_test

import (
	"testing"
	"time"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/image"
	"github.com/jiaqingren1106/Alanfs/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableRoundTrip(t *testing.T) {
	buf := make([]byte, 4*alanfs.BlockSize)
	img := image.Wrap(buf)
	table := inode.NewTable(img, 0, 16)

	now := time.Unix(1700000000, 123000000)
	in := inode.Inode{
		Index:       3,
		Mode:        alanfs.S_IFREG | 0644,
		Links:       1,
		Size:        4096,
		Mtime:       now,
		ExtentUsed:  1,
		ExtentBlock: 8192,
	}

	require.Nil(t, table.Set(in))

	readBack, derr := table.Get(3)
	require.Nil(t, derr)
	assert.Equal(t, in.Mode, readBack.Mode)
	assert.Equal(t, in.Links, readBack.Links)
	assert.Equal(t, in.Size, readBack.Size)
	assert.Equal(t, in.ExtentUsed, readBack.ExtentUsed)
	assert.Equal(t, in.ExtentBlock, readBack.ExtentBlock)
	assert.True(t, in.Mtime.Equal(readBack.Mtime))
	assert.True(t, readBack.IsRegular())
	assert.False(t, readBack.IsDir())
}

func TestTableOutOfRange(t *testing.T) {
	buf := make([]byte, alanfs.BlockSize)
	img := image.Wrap(buf)
	table := inode.NewTable(img, 0, 4)

	_, derr := table.Get(4)
	require.NotNil(t, derr)
	assert.ErrorIs(t, derr, alanfs.ErrInvalidArgument)
}
