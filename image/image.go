// Package image provides a bounds-checked handle over a single memory-mapped
// disk image: the "replace pointer arithmetic with an image handle" design
// note in the specification this module implements. It owns the byte
// buffer and hands out typed, bounds-checked views; every cast between raw
// bytes and a structured record happens in the inode, dirent, and extent
// packages and in fs (for the superblock), never here.
package image

import (
	"fmt"
	"os"

	"github.com/boljen/go-bitmap"
	alanfs "github.com/jiaqingren1106/Alanfs"
	"golang.org/x/sys/unix"
)

// Image is a handle over the bytes of a mounted a1fs image, whether backed
// by an mmap'd file (Open) or an in-memory buffer (Wrap, used by test
// fixtures).
type Image struct {
	data        []byte
	file        *os.File
	dirty       *DirtyTracker
	flags       alanfs.MountFlags
}

// Open mmaps path read-write (or read-only, if flags forbids writing) and
// returns a handle over its full contents. The caller must Close the
// returned Image to release the mapping.
func Open(path string, flags alanfs.MountFlags) (*Image, error) {
	openFlags := os.O_RDONLY
	prot := unix.PROT_READ
	if flags.CanWrite() {
		openFlags = os.O_RDWR
		prot |= unix.PROT_WRITE
	}

	file, err := os.OpenFile(path, openFlags, 0)
	if err != nil {
		return nil, alanfs.ErrIOFailed.Wrap(err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, alanfs.ErrIOFailed.Wrap(err)
	}
	if info.Size()%alanfs.BlockSize != 0 {
		file.Close()
		return nil, alanfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("image size %d is not a multiple of the block size", info.Size()))
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, alanfs.ErrIOFailed.Wrap(err)
	}

	totalBlocks := uint(info.Size() / alanfs.BlockSize)
	return &Image{
		data:  data,
		file:  file,
		dirty: NewDirtyTracker(totalBlocks),
		flags: flags,
	}, nil
}

// Wrap builds an Image directly over an in-memory buffer, with no backing
// file. Used by test fixtures (see testutil).
func Wrap(data []byte) *Image {
	return &Image{
		data:  data,
		dirty: NewDirtyTracker(uint(len(data)) / alanfs.BlockSize),
		flags: alanfs.MountFlagsAllowReadWrite,
	}
}

// Close releases the mapping (and, for mmap-backed images, flushes dirty
// pages and closes the file). Wrapped in-memory images are a no-op.
func (img *Image) Close() error {
	if img.file == nil {
		return nil
	}
	if err := img.Sync(); err != nil {
		img.file.Close()
		return err
	}
	if err := unix.Munmap(img.data); err != nil {
		img.file.Close()
		return alanfs.ErrIOFailed.Wrap(err)
	}
	return img.file.Close()
}

// Sync flushes the mapping to the backing file, if there is one.
func (img *Image) Sync() error {
	if img.file == nil {
		return nil
	}
	if err := unix.Msync(img.data, unix.MS_SYNC); err != nil {
		return alanfs.ErrIOFailed.Wrap(err)
	}
	img.dirty.Clear()
	return nil
}

// TotalBlocks returns the number of BlockSize-sized blocks in the image,
// including the superblock, bitmaps, and inode table.
func (img *Image) TotalBlocks() uint {
	return uint(len(img.data)) / alanfs.BlockSize
}

// Size returns the total size of the image in bytes.
func (img *Image) Size() int64 {
	return int64(len(img.data))
}

// Slice returns a bounds-checked, directly-mutable view into the image
// starting at byte offset `start` and extending `length` bytes. Writes
// through the returned slice mutate the image in place; callers that
// mutate must follow up with MarkDirty.
func (img *Image) Slice(start, length int64) ([]byte, alanfs.DriverError) {
	if start < 0 || length < 0 || start+length > int64(len(img.data)) {
		return nil, alanfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("range [%d, %d) out of bounds for image of size %d",
				start, start+length, len(img.data)))
	}
	return img.data[start : start+length], nil
}

// Block returns the bounds-checked view of a single BlockSize-sized block
// at the given absolute block index (counting from block 0, the
// superblock).
func (img *Image) Block(index uint) ([]byte, alanfs.DriverError) {
	return img.Slice(int64(index)*alanfs.BlockSize, alanfs.BlockSize)
}

// MarkDirty records that the block range [startBlock, startBlock+count)
// was modified, for Sync's benefit. It never fails; out-of-range indices
// are silently ignored since the caller already obtained the slice it
// wrote through via a bounds-checked accessor.
func (img *Image) MarkDirty(startBlock uint, count uint) {
	img.dirty.MarkRange(startBlock, count)
}

// DirtyBlockCount reports how many blocks have been touched since the
// last Sync. Exposed mainly for tests asserting that writes are tracked.
func (img *Image) DirtyBlockCount() int {
	return img.dirty.Count()
}

// DirtyTracker is an in-memory (never persisted) record of which blocks
// in an Image have been written since the last flush. It deliberately
// reuses github.com/boljen/go-bitmap, the same library the core engine's
// rollback journal uses for non-persisted bookkeeping: its LSB-first bit
// layout is irrelevant here because nothing in this structure is ever
// read back off disk.
type DirtyTracker struct {
	bits  bitmap.Bitmap
	total uint
}

func NewDirtyTracker(totalBlocks uint) *DirtyTracker {
	return &DirtyTracker{
		bits:  bitmap.New(int(totalBlocks)),
		total: totalBlocks,
	}
}

func (t *DirtyTracker) MarkRange(start uint, count uint) {
	for i := start; i < start+count && i < t.total; i++ {
		t.bits.Set(int(i), true)
	}
}

func (t *DirtyTracker) Clear() {
	t.bits = bitmap.New(int(t.total))
}

func (t *DirtyTracker) Count() int {
	n := 0
	for i := 0; i < int(t.total); i++ {
		if t.bits.Get(i) {
			n++
		}
	}
	return n
}
