// Package inode implements the fixed-width inode record (spec §3) and the
// dense inode table it lives in: load/store by index, index<->byte-offset
// translation. Grounded on file_systems/unixv1/inode.go's
// bytes.Reader+encoding/binary idiom for fixed-width record
// (de)serialization.
package inode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/image"
)

// RawInode is the on-disk layout of a single inode record, little-endian,
// fixed width. Mode packs a type bit (S_IFDIR/S_IFREG) with permission
// bits, matching flags.go.
type RawInode struct {
	Mode        uint32
	Links       uint32
	Size        uint64
	MtimeSec    int64
	MtimeNsec   int32
	ExtentUsed  uint32
	ExtentBlock uint64
}

// RawInodeSize is computed rather than hand-counted so a future field
// addition can't silently desync it from the actual wire size.
var RawInodeSize = binary.Size(RawInode{})

// Inode is the in-memory, friendlier form of a RawInode.
type Inode struct {
	Index       alanfs.InodeIndex
	Mode        uint32
	Links       uint32
	Size        int64
	Mtime       time.Time
	ExtentUsed  uint32
	ExtentBlock int64 // byte offset into the data region; meaningless if ExtentUsed == 0
}

func (inode *Inode) IsDir() bool {
	return inode.Mode&alanfs.S_IFMT == alanfs.S_IFDIR
}

func (inode *Inode) IsRegular() bool {
	return inode.Mode&alanfs.S_IFMT == alanfs.S_IFREG
}

// IsAllocated reports whether this inode's bitmap bit would be set; the
// inode table stores slots for unallocated inodes too (Mode == 0 is used
// as the in-table sentinel for "never formatted"), but the authoritative
// answer always comes from the inode bitmap, not this field — Table
// callers should treat this as a sanity check only.
func (inode *Inode) IsAllocated() bool {
	return inode.Mode != 0
}

func rawToInode(index alanfs.InodeIndex, raw RawInode) Inode {
	return Inode{
		Index:       index,
		Mode:        raw.Mode,
		Links:       raw.Links,
		Size:        int64(raw.Size),
		Mtime:       time.Unix(raw.MtimeSec, int64(raw.MtimeNsec)),
		ExtentUsed:  raw.ExtentUsed,
		ExtentBlock: int64(raw.ExtentBlock),
	}
}

func inodeToRaw(inode Inode) RawInode {
	return RawInode{
		Mode:        inode.Mode,
		Links:       inode.Links,
		Size:        uint64(inode.Size),
		MtimeSec:    inode.Mtime.Unix(),
		MtimeNsec:   int32(inode.Mtime.Nanosecond()),
		ExtentUsed:  inode.ExtentUsed,
		ExtentBlock: uint64(inode.ExtentBlock),
	}
}

// Table is a view over the dense, fixed-size inode array region of an
// image.
type Table struct {
	img    *image.Image
	offset int64 // byte offset of the inode table region within the image
	total  uint  // total number of inode slots
}

// NewTable wraps the inode table region starting at byte offset `offset`
// and containing `total` fixed-size records.
func NewTable(img *image.Image, offset int64, total uint) *Table {
	return &Table{img: img, offset: offset, total: total}
}

// TotalInodes returns the number of inode slots in the table.
func (t *Table) TotalInodes() uint {
	return t.total
}

func (t *Table) byteOffset(index alanfs.InodeIndex) (int64, alanfs.DriverError) {
	if uint(index) >= t.total {
		return 0, alanfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("inode index %d out of range [0, %d)", index, t.total))
	}
	return t.offset + int64(index)*int64(RawInodeSize), nil
}

// Get loads the inode record at `index`.
func (t *Table) Get(index alanfs.InodeIndex) (Inode, alanfs.DriverError) {
	offset, derr := t.byteOffset(index)
	if derr != nil {
		return Inode{}, derr
	}

	raw, derr := t.img.Slice(offset, int64(RawInodeSize))
	if derr != nil {
		return Inode{}, derr
	}

	var record RawInode
	reader := bytes.NewReader(raw)
	if err := binary.Read(reader, binary.LittleEndian, &record); err != nil {
		return Inode{}, alanfs.ErrIOFailed.Wrap(err)
	}
	return rawToInode(index, record), nil
}

// Set stores `inode` at its own Index, overwriting whatever was there.
func (t *Table) Set(inode Inode) alanfs.DriverError {
	offset, derr := t.byteOffset(inode.Index)
	if derr != nil {
		return derr
	}

	dest, derr := t.img.Slice(offset, int64(RawInodeSize))
	if derr != nil {
		return derr
	}

	raw := inodeToRaw(inode)
	buf := new(bytes.Buffer)
	buf.Grow(RawInodeSize)
	if err := binary.Write(buf, binary.LittleEndian, &raw); err != nil {
		return alanfs.ErrIOFailed.Wrap(err)
	}
	copy(dest, buf.Bytes())
	t.img.MarkDirty(uint(offset/alanfs.BlockSize), uint(RawInodeSize/alanfs.BlockSize)+1)
	return nil
}
