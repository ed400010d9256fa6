// Package dirent implements the directory engine (spec §4.4): fixed-size
// directory entry records, the single-space tombstone convention, and
// insert/remove/enumerate over a directory inode's extent list. Grounded
// on original_source/helper.c's dentry_sum/swap_extent/rm_target and
// driver/driver.go's readDir.
package dirent

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/bitmap"
	"github.com/jiaqingren1106/Alanfs/extent"
	"github.com/jiaqingren1106/Alanfs/image"
	"github.com/jiaqingren1106/Alanfs/inode"
)

// RawDirent is the fixed-size on-disk directory entry record.
type RawDirent struct {
	Name       [alanfs.MaxNameLength]byte
	InodeIndex uint32
}

// unixTime converts a whole-seconds Unix timestamp into the Time value
// stored in an inode's mtime field.
func unixTime(seconds int64) time.Time {
	return time.Unix(seconds, 0)
}

// RawDirentSize is computed, not hand-counted.
var RawDirentSize = binary.Size(RawDirent{})

// EntriesPerBlock is how many directory entries fit in one data block.
var EntriesPerBlock = alanfs.BlockSize / RawDirentSize

// tombstoneMarker is the sentinel chosen once, at format time, for a
// freed directory entry slot: a single space as the first byte of Name,
// every other byte zero (spec §3, §9).
const tombstoneMarker = ' '

func isTombstone(raw RawDirent) bool {
	return raw.Name[0] == tombstoneMarker && raw.Name[1] == 0
}

func newTombstone() RawDirent {
	var raw RawDirent
	raw.Name[0] = tombstoneMarker
	return raw
}

func encodeName(name string) (RawDirent, alanfs.DriverError) {
	var raw RawDirent
	if len(name) == 0 {
		return raw, alanfs.ErrInvalidArgument.WithMessage("empty name")
	}
	if len(name) >= alanfs.MaxNameLength {
		return raw, alanfs.ErrNameTooLong.WithMessage(
			fmt.Sprintf("name %q exceeds %d bytes", name, alanfs.MaxNameLength-1))
	}
	copy(raw.Name[:], name)
	return raw, nil
}

func decodeName(raw RawDirent) string {
	end := bytes.IndexByte(raw.Name[:], 0)
	if end < 0 {
		end = len(raw.Name)
	}
	return string(raw.Name[:end])
}

// Entry is the in-memory form of a live directory entry.
type Entry struct {
	Name  string
	Inode alanfs.InodeIndex
}

// Directory bundles the collaborators the directory engine needs to
// mutate a directory inode's extent list and data blocks: the image
// itself, the block allocation bitmap, the byte offset of the data
// region (extent.Extent.Start values are relative to it), and the inode
// table (so parent metadata — size, links, mtime, extent list — can be
// updated in place).
type Directory struct {
	img              *image.Image
	blockBitmap      []byte
	totalDataBlocks  uint
	dataRegionOffset int64
	table            *inode.Table
}

func New(img *image.Image, blockBitmap []byte, totalDataBlocks uint, dataRegionOffset int64, table *inode.Table) *Directory {
	return &Directory{
		img:              img,
		blockBitmap:      blockBitmap,
		totalDataBlocks:  totalDataBlocks,
		dataRegionOffset: dataRegionOffset,
		table:            table,
	}
}

func (d *Directory) absoluteOffset(relativeToDataRegion int64) int64 {
	return d.dataRegionOffset + relativeToDataRegion
}

// extentListBlock returns the raw bytes of the inode's extent-list
// block. The caller must not retain the slice past the next mutation of
// the image.
func (d *Directory) extentListBlock(in *inode.Inode) ([]byte, alanfs.DriverError) {
	blockIndex := uint(d.absoluteOffset(in.ExtentBlock) / alanfs.BlockSize)
	return d.img.Block(blockIndex)
}

func (d *Directory) dataBlock(e extent.Extent, blockInExtent uint) ([]byte, alanfs.DriverError) {
	blockIndex := uint(d.absoluteOffset(e.Start)/alanfs.BlockSize) + blockInExtent
	return d.img.Block(blockIndex)
}

func (d *Directory) extents(in *inode.Inode) ([]extent.Extent, alanfs.DriverError) {
	if in.ExtentUsed == 0 {
		return nil, nil
	}
	raw, derr := d.extentListBlock(in)
	if derr != nil {
		return nil, derr
	}
	return extent.ReadList(raw, in.ExtentUsed)
}

// Enumerate calls emit for every live (non-tombstone) entry in order,
// stopping early (without error) once size/sizeof(entry) entries have
// been emitted, or immediately if emit returns ErrOutOfMemory (readdir
// backpressure, spec §7).
func (d *Directory) Enumerate(in *inode.Inode, emit func(Entry) alanfs.DriverError) alanfs.DriverError {
	liveWanted := uint(in.Size) / uint(RawDirentSize)
	if liveWanted == 0 {
		return nil
	}

	extents, derr := d.extents(in)
	if derr != nil {
		return derr
	}

	emitted := uint(0)
	for _, e := range extents {
		for block := uint(0); block < uint(e.Count) && emitted < liveWanted; block++ {
			raw, derr := d.dataBlock(e, block)
			if derr != nil {
				return derr
			}
			reader := bytes.NewReader(raw)
			for slot := 0; slot < EntriesPerBlock && emitted < liveWanted; slot++ {
				var rec RawDirent
				if err := binary.Read(reader, binary.LittleEndian, &rec); err != nil {
					return alanfs.ErrIOFailed.Wrap(err)
				}
				if isTombstone(rec) || rec.Name[0] == 0 {
					continue
				}
				if err := emit(Entry{Name: decodeName(rec), Inode: alanfs.InodeIndex(rec.InodeIndex)}); err != nil {
					return err
				}
				emitted++
			}
		}
	}
	return nil
}

// Lookup scans every entry (tombstones skipped) for an exact name match.
// Used by the path resolver.
func (d *Directory) Lookup(in *inode.Inode, name string) (alanfs.InodeIndex, bool, alanfs.DriverError) {
	var found alanfs.InodeIndex
	ok := false
	derr := d.Enumerate(in, func(e Entry) alanfs.DriverError {
		if !ok && e.Name == name {
			found = e.Inode
			ok = true
		}
		return nil
	})
	return found, ok, derr
}

// slotLocation addresses either a tombstone or the first never-used slot
// (past the live-entry count) across a directory's existing extents,
// for Insert to reuse before growing the directory.
type slotLocation struct {
	extentIndex int
	blockIndex  uint
	slotIndex   int
}

func (d *Directory) findReusableSlot(extents []extent.Extent, liveCount uint) (slotLocation, bool, alanfs.DriverError) {
	seen := uint(0)
	for ei, e := range extents {
		for block := uint(0); block < uint(e.Count); block++ {
			raw, derr := d.dataBlock(e, block)
			if derr != nil {
				return slotLocation{}, false, derr
			}
			reader := bytes.NewReader(raw)
			for slot := 0; slot < EntriesPerBlock; slot++ {
				var rec RawDirent
				if err := binary.Read(reader, binary.LittleEndian, &rec); err != nil {
					return slotLocation{}, false, alanfs.ErrIOFailed.Wrap(err)
				}
				if isTombstone(rec) {
					return slotLocation{extentIndex: ei, blockIndex: block, slotIndex: slot}, true, nil
				}
				if seen >= liveCount {
					// First never-used slot past the live region.
					return slotLocation{extentIndex: ei, blockIndex: block, slotIndex: slot}, true, nil
				}
				seen++
			}
		}
	}
	return slotLocation{}, false, nil
}

func (d *Directory) writeSlot(e extent.Extent, blockInExtent uint, slot int, rec RawDirent) alanfs.DriverError {
	raw, derr := d.dataBlock(e, blockInExtent)
	if derr != nil {
		return derr
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &rec); err != nil {
		return alanfs.ErrIOFailed.Wrap(err)
	}
	copy(raw[slot*RawDirentSize:(slot+1)*RawDirentSize], buf.Bytes())
	blockIndex := uint(d.absoluteOffset(e.Start)/alanfs.BlockSize) + blockInExtent
	d.img.MarkDirty(blockIndex, 1)
	return nil
}

// Insert adds a (name, childInode) entry to the parent directory,
// reusing a tombstone or unused slot if one exists, otherwise growing
// the directory by one data block (allocating an extent-list block
// first if the directory had none). Bumps parent.Size and parent.Mtime
// and persists the updated parent inode. Any bitmap bit this call flips
// is recorded in journal so the caller can roll back on a later
// out-of-space failure.
func (d *Directory) Insert(parent *inode.Inode, name string, child alanfs.InodeIndex, journal *bitmap.Journal, now int64) alanfs.DriverError {
	rec, derr := encodeName(name)
	if derr != nil {
		return derr
	}
	rec.InodeIndex = uint32(child)

	if parent.ExtentUsed > 0 {
		if _, found, derr := d.Lookup(parent, name); derr == nil && found {
			return alanfs.ErrExists.WithMessage(name)
		} else if derr != nil {
			return derr
		}
	}

	extents, derr := d.extents(parent)
	if derr != nil {
		return derr
	}

	liveCount := uint(parent.Size) / uint(RawDirentSize)

	if len(extents) > 0 {
		loc, found, derr := d.findReusableSlot(extents, liveCount)
		if derr != nil {
			return derr
		}
		if found {
			if derr := d.writeSlot(extents[loc.extentIndex], loc.blockIndex, loc.slotIndex, rec); derr != nil {
				return derr
			}
			return d.bumpAfterInsert(parent, now)
		}
	}

	// No reusable slot: grow by one data block, allocating an
	// extent-list block first if this is the parent's first extent.
	if parent.ExtentUsed == 0 {
		listBlockIdx, derr := journal.SetFirstFree(d.totalDataBlocks)
		if derr != nil {
			return derr
		}
		parent.ExtentBlock = int64(listBlockIdx) * alanfs.BlockSize
		blockIdx := uint(d.absoluteOffset(parent.ExtentBlock) / alanfs.BlockSize)
		raw, derr := d.img.Block(blockIdx)
		if derr != nil {
			return derr
		}
		for i := range raw {
			raw[i] = 0
		}
		d.img.MarkDirty(blockIdx, 1)
	}

	newExtents, derr := extent.AllocateBlocks(d.blockBitmap, d.totalDataBlocks, journal, 1)
	if derr != nil {
		return derr
	}
	newExtent := newExtents[0]

	if int(parent.ExtentUsed)+1 > extent.Capacity {
		return alanfs.ErrNoSpace.WithMessage("directory extent list is full")
	}

	newDataBlock, derr := d.dataBlock(newExtent, 0)
	if derr != nil {
		return derr
	}
	for i := range newDataBlock {
		newDataBlock[i] = 0
	}
	d.img.MarkDirty(uint(d.absoluteOffset(newExtent.Start)/alanfs.BlockSize), 1)

	allExtents := append(extents, newExtent)
	listRaw, derr := d.extentListBlockForWrite(parent)
	if derr != nil {
		return derr
	}
	if derr := extent.WriteList(listRaw, allExtents); derr != nil {
		return derr
	}
	parent.ExtentUsed++

	if derr := d.writeSlot(newExtent, 0, 0, rec); derr != nil {
		return derr
	}
	return d.bumpAfterInsert(parent, now)
}

func (d *Directory) extentListBlockForWrite(in *inode.Inode) ([]byte, alanfs.DriverError) {
	raw, derr := d.extentListBlock(in)
	if derr != nil {
		return nil, derr
	}
	d.img.MarkDirty(uint(d.absoluteOffset(in.ExtentBlock)/alanfs.BlockSize), 1)
	return raw, nil
}

func (d *Directory) bumpAfterInsert(parent *inode.Inode, now int64) alanfs.DriverError {
	parent.Size += int64(RawDirentSize)
	parent.Mtime = unixTime(now)
	return d.table.Set(*parent)
}

// Remove deletes the entry whose InodeIndex equals child: tombstones the
// slot, decrements parent.Size, and then compacts any extents that are
// now fully empty (swap-last-into-slot, per spec §4.4), freeing the
// extent-list block too if the directory becomes empty. It does not
// touch parent.Links: whether removing child changes the parent's link
// count depends on child's own type, which is the caller's call to make
// (see fs.Rmdir and fs.Unlink).
func (d *Directory) Remove(parent *inode.Inode, child alanfs.InodeIndex, now int64) alanfs.DriverError {
	extents, derr := d.extents(parent)
	if derr != nil {
		return derr
	}

	found := false
	for _, e := range extents {
		for block := uint(0); block < uint(e.Count); block++ {
			raw, derr := d.dataBlock(e, block)
			if derr != nil {
				return derr
			}
			reader := bytes.NewReader(raw)
			for slot := 0; slot < EntriesPerBlock; slot++ {
				var rec RawDirent
				if err := binary.Read(reader, binary.LittleEndian, &rec); err != nil {
					return alanfs.ErrIOFailed.Wrap(err)
				}
				if isTombstone(rec) || alanfs.InodeIndex(rec.InodeIndex) != child {
					continue
				}
				if derr := d.writeSlot(e, block, slot, newTombstone()); derr != nil {
					return derr
				}
				found = true
				break
			}
			if found {
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return alanfs.ErrNotFound.WithMessage("directory entry not present")
	}

	parent.Size -= int64(RawDirentSize)
	parent.Mtime = unixTime(now)

	return d.compact(parent, now)
}

// compact walks every extent of the directory and frees any whose data
// block has no remaining live entries, swapping the last extent into a
// freed slot's place to keep the extent list dense (spec §4.4).
func (d *Directory) compact(parent *inode.Inode, now int64) alanfs.DriverError {
	extents, derr := d.extents(parent)
	if derr != nil {
		return derr
	}

	i := 0
	for i < len(extents) {
		liveInExtent, derr := d.liveCountInExtent(extents[i])
		if derr != nil {
			return derr
		}
		if liveInExtent > 0 {
			i++
			continue
		}

		extent.Free(d.blockBitmap, extents[i])
		last := len(extents) - 1
		extents[i] = extents[last]
		extents = extents[:last]
		// Do not advance i: the swapped-in extent must also be checked.
	}

	listRaw, derr := d.extentListBlockForWrite(parent)
	if derr != nil {
		return derr
	}
	if derr := extent.WriteList(listRaw, extents); derr != nil {
		return derr
	}
	parent.ExtentUsed = uint32(len(extents))

	if parent.ExtentUsed == 0 {
		extent.Free(d.blockBitmap, extent.Extent{Start: parent.ExtentBlock, Count: 1})
		parent.ExtentBlock = 0
	}

	return d.table.Set(*parent)
}

func (d *Directory) liveCountInExtent(e extent.Extent) (uint, alanfs.DriverError) {
	live := uint(0)
	for block := uint(0); block < uint(e.Count); block++ {
		raw, derr := d.dataBlock(e, block)
		if derr != nil {
			return 0, derr
		}
		reader := bytes.NewReader(raw)
		for slot := 0; slot < EntriesPerBlock; slot++ {
			var rec RawDirent
			if err := binary.Read(reader, binary.LittleEndian, &rec); err != nil {
				return 0, alanfs.ErrIOFailed.Wrap(err)
			}
			if rec.InodeIndex != 0 && !isTombstone(rec) {
				live++
			}
		}
	}
	return live, nil
}
