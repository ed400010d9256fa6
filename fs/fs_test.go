package fs_test

import (
	"testing"
	"time"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/dirent"
	"github.com/jiaqingren1106/Alanfs/fs"
	"github.com/jiaqingren1106/Alanfs/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func formatted(t *testing.T, totalBlocks, totalInodes uint) *fs.FileSystem {
	t.Helper()
	buf := make([]byte, totalBlocks*alanfs.BlockSize)
	img := image.Wrap(buf)
	require.Nil(t, fs.Format(img, totalInodes, time.Unix(1700000000, 0)))

	mounted, derr := fs.Open(img)
	require.Nil(t, derr)
	return mounted
}

func TestFormatProducesEmptyRoot(t *testing.T) {
	fsys := formatted(t, 32, 16)

	stat, derr := fsys.Stat("/")
	require.Nil(t, derr)
	assert.True(t, stat.IsDir())
	assert.EqualValues(t, 0, stat.Size)

	var names []string
	require.Nil(t, fsys.Readdir("/", func(e dirent.Entry) alanfs.DriverError {
		names = append(names, e.Name)
		return nil
	}))
	assert.Empty(t, names)
}

func TestMkdirCreateWriteReadRoundTrip(t *testing.T) {
	fsys := formatted(t, 32, 16)
	now := time.Unix(1700000100, 0)

	require.Nil(t, fsys.Mkdir("/a", alanfs.DefaultDirectoryPermissions, now))

	_, derr := fsys.Create("/a/b", alanfs.DefaultFilePermissions, now)
	require.Nil(t, derr)

	payload := []byte("hello from a1fs")
	n, derr := fsys.Write("/a/b", payload, 0, now)
	require.Nil(t, derr)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, derr = fsys.Read("/a/b", buf, 0)
	require.Nil(t, derr)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)

	var names []string
	require.Nil(t, fsys.Readdir("/a", func(e dirent.Entry) alanfs.DriverError {
		names = append(names, e.Name)
		return nil
	}))
	assert.Equal(t, []string{"b"}, names)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	fsys := formatted(t, 32, 16)
	now := time.Unix(1700000100, 0)

	_, derr := fsys.Create("/b", alanfs.DefaultFilePermissions, now)
	require.Nil(t, derr)

	_, derr = fsys.Create("/b", alanfs.DefaultFilePermissions, now)
	require.NotNil(t, derr)
	assert.ErrorIs(t, derr, alanfs.ErrExists)
}

func TestRmdirRejectsNonEmptyDirectory(t *testing.T) {
	fsys := formatted(t, 32, 16)
	now := time.Unix(1700000100, 0)

	require.Nil(t, fsys.Mkdir("/a", alanfs.DefaultDirectoryPermissions, now))
	_, derr := fsys.Create("/a/b", alanfs.DefaultFilePermissions, now)
	require.Nil(t, derr)

	derr = fsys.Rmdir("/a", now)
	require.NotNil(t, derr)
	assert.ErrorIs(t, derr, alanfs.ErrDirectoryNotEmpty)
}

func TestRmdirRemovesEmptyDirectory(t *testing.T) {
	fsys := formatted(t, 32, 16)
	now := time.Unix(1700000100, 0)

	root, derr := fsys.Stat("/")
	require.Nil(t, derr)
	rootLinksBeforeMkdir := root.Nlinks

	require.Nil(t, fsys.Mkdir("/empty", alanfs.DefaultDirectoryPermissions, now))
	require.Nil(t, fsys.Rmdir("/empty", now))

	_, derr = fsys.Stat("/empty")
	require.NotNil(t, derr)
	assert.ErrorIs(t, derr, alanfs.ErrNotFound)

	root, derr = fsys.Stat("/")
	require.Nil(t, derr)
	assert.Equal(t, rootLinksBeforeMkdir, root.Nlinks,
		"rmdir must restore root's link count exactly, not overshoot it")
}

func TestMkdirTwiceInARowBothSucceed(t *testing.T) {
	// Regression for an allocator that hands out the entire free data
	// region to the first directory's data block, leaving none for the
	// second.
	fsys := formatted(t, 32, 16)
	now := time.Unix(1700000100, 0)

	require.Nil(t, fsys.Mkdir("/a", alanfs.DefaultDirectoryPermissions, now))
	require.Nil(t, fsys.Mkdir("/a/b", alanfs.DefaultDirectoryPermissions, now))
}

func TestUnlinkDoesNotChangeParentLinkCount(t *testing.T) {
	fsys := formatted(t, 32, 16)
	now := time.Unix(1700000100, 0)

	root, derr := fsys.Stat("/")
	require.Nil(t, derr)
	rootLinksBeforeCreate := root.Nlinks

	_, derr = fsys.Create("/f", alanfs.DefaultFilePermissions, now)
	require.Nil(t, derr)
	require.Nil(t, fsys.Unlink("/f", now))

	root, derr = fsys.Stat("/")
	require.Nil(t, derr)
	assert.Equal(t, rootLinksBeforeCreate, root.Nlinks,
		"a file's creation and removal must never change its parent's link count")
}

func TestUnlinkFreesSpaceForReuse(t *testing.T) {
	fsys := formatted(t, 32, 16)
	now := time.Unix(1700000100, 0)

	_, derr := fsys.Create("/f", alanfs.DefaultFilePermissions, now)
	require.Nil(t, derr)
	payload := make([]byte, 3*alanfs.BlockSize)
	_, derr = fsys.Write("/f", payload, 0, now)
	require.Nil(t, derr)

	require.Nil(t, fsys.Unlink("/f", now))

	_, derr = fsys.Stat("/f")
	require.NotNil(t, derr)
	assert.ErrorIs(t, derr, alanfs.ErrNotFound)

	_, derr = fsys.Create("/g", alanfs.DefaultFilePermissions, now)
	require.Nil(t, derr)
	_, derr = fsys.Write("/g", payload, 0, now)
	require.Nil(t, derr, "freed blocks from /f must be reusable by /g")
}

func TestCreateUnderMissingParentFails(t *testing.T) {
	fsys := formatted(t, 32, 16)
	now := time.Unix(1700000100, 0)

	_, derr := fsys.Create("/missing/child", alanfs.DefaultFilePermissions, now)
	require.NotNil(t, derr)
	assert.ErrorIs(t, derr, alanfs.ErrNotFound)
}

func TestTruncateThenStatReflectsSize(t *testing.T) {
	fsys := formatted(t, 32, 16)
	now := time.Unix(1700000100, 0)

	_, derr := fsys.Create("/f", alanfs.DefaultFilePermissions, now)
	require.Nil(t, derr)
	require.Nil(t, fsys.Truncate("/f", int64(alanfs.BlockSize)+50, now))

	stat, derr := fsys.Stat("/f")
	require.Nil(t, derr)
	assert.EqualValues(t, alanfs.BlockSize+50, stat.Size)
}
