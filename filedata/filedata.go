// Package filedata implements the file data engine (spec §4.5) and
// truncate/grow (spec §4.6): locating the extent backing a byte offset,
// reading and writing through the memory-mapped image, and resizing a
// file's extent list. Grounded on original_source/a1fs.c's a1fs_read/
// a1fs_write/a1fs_truncate, corrected per the three latent bugs this
// implementation does not reproduce: zero-fill-before-size-update
// ordering on grow, multi-extent write boundary handling via a fresh
// Locate instead of an assumed next-extent offset, and EOF zero-fill on
// read (left commented out in the original).
package filedata

import (
	"fmt"
	"time"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/bitmap"
	"github.com/jiaqingren1106/Alanfs/extent"
	"github.com/jiaqingren1106/Alanfs/image"
	"github.com/jiaqingren1106/Alanfs/inode"
)

func unixTime(seconds int64) time.Time {
	return time.Unix(seconds, 0)
}

// Engine bundles the collaborators needed to read, write, and resize a
// file's data through its extent list.
type Engine struct {
	img              *image.Image
	blockBitmap      []byte
	totalDataBlocks  uint
	dataRegionOffset int64
	table            *inode.Table
}

func New(img *image.Image, blockBitmap []byte, totalDataBlocks uint, dataRegionOffset int64, table *inode.Table) *Engine {
	return &Engine{
		img:              img,
		blockBitmap:      blockBitmap,
		totalDataBlocks:  totalDataBlocks,
		dataRegionOffset: dataRegionOffset,
		table:            table,
	}
}

func (e *Engine) absoluteOffset(relativeToDataRegion int64) int64 {
	return e.dataRegionOffset + relativeToDataRegion
}

func (e *Engine) extentListBlock(in *inode.Inode) ([]byte, alanfs.DriverError) {
	blockIndex := uint(e.absoluteOffset(in.ExtentBlock) / alanfs.BlockSize)
	return e.img.Block(blockIndex)
}

func (e *Engine) extents(in *inode.Inode) ([]extent.Extent, alanfs.DriverError) {
	if in.ExtentUsed == 0 {
		return nil, nil
	}
	raw, derr := e.extentListBlock(in)
	if derr != nil {
		return nil, derr
	}
	return extent.ReadList(raw, in.ExtentUsed)
}

// locate walks `extents` the way spec §4.5 describes: decrementing the
// remaining offset by each extent's byte length until it lands inside
// one. Returns the index of that extent and the byte offset within it.
func locate(extents []extent.Extent, fileOffset int64) (int, int64, alanfs.DriverError) {
	remaining := fileOffset
	for i, ex := range extents {
		extentBytes := int64(ex.Count) * alanfs.BlockSize
		if remaining < extentBytes {
			return i, remaining, nil
		}
		remaining -= extentBytes
	}
	return 0, 0, alanfs.ErrFileSystemCorrupted.WithMessage(
		fmt.Sprintf("offset %d not covered by inode's extents", fileOffset))
}

// Locate is locate's public form: it loads the inode's extent list and
// then resolves fileOffset the same way Read/Write do internally.
func (e *Engine) Locate(in *inode.Inode, fileOffset int64) (int, int64, alanfs.DriverError) {
	extents, derr := e.extents(in)
	if derr != nil {
		return 0, 0, derr
	}
	return locate(extents, fileOffset)
}

// Read copies up to len(buf) bytes starting at offset into buf, stopping
// at the inode's logical end of file. Bytes requested past EOF are left
// as-is in buf — callers (the VFS adapter) pre-zero the destination
// buffer before calling Read, so EOF reads come back zero-filled without
// filedata ever touching those bytes itself.
func (e *Engine) Read(in *inode.Inode, buf []byte, offset int64) (int, alanfs.DriverError) {
	if offset >= in.Size {
		return 0, nil
	}

	readable := int64(len(buf))
	if remaining := in.Size - offset; readable > remaining {
		readable = remaining
	}

	extents, derr := e.extents(in)
	if derr != nil {
		return 0, derr
	}

	read := int64(0)
	for read < readable {
		extentIndex, byteOffset, derr := locate(extents, offset+read)
		if derr != nil {
			return int(read), derr
		}
		ex := extents[extentIndex]
		extentRemaining := int64(ex.Count)*alanfs.BlockSize - byteOffset
		chunk := readable - read
		if chunk > extentRemaining {
			chunk = extentRemaining
		}

		absOffset := e.absoluteOffset(ex.Start) + byteOffset
		src, derr := e.img.Slice(absOffset, chunk)
		if derr != nil {
			return int(read), derr
		}
		copy(buf[read:read+chunk], src)
		read += chunk
	}

	return int(read), nil
}

// Write copies len(buf) bytes into the file starting at offset, growing
// the file first (via Truncate) if the write extends past current
// logical size. Each chunk re-locates its extent via locate rather than
// assuming the next chunk starts at the next extent's offset 0 — this is
// the multi-extent write boundary fix: a write spanning extent A's tail
// and extent B's head must recompute B's extent-local offset from the
// absolute file offset, since B need not be physically adjacent to A.
func (e *Engine) Write(in *inode.Inode, buf []byte, offset int64, journal *bitmap.Journal, now int64) (int, alanfs.DriverError) {
	endOffset := offset + int64(len(buf))
	if endOffset > in.Size {
		if derr := e.Truncate(in, endOffset, journal, now); derr != nil {
			return 0, derr
		}
	}

	extents, derr := e.extents(in)
	if derr != nil {
		return 0, derr
	}

	written := int64(0)
	total := int64(len(buf))
	for written < total {
		extentIndex, byteOffset, derr := locate(extents, offset+written)
		if derr != nil {
			return int(written), derr
		}
		ex := extents[extentIndex]
		extentRemaining := int64(ex.Count)*alanfs.BlockSize - byteOffset
		chunk := total - written
		if chunk > extentRemaining {
			chunk = extentRemaining
		}

		absOffset := e.absoluteOffset(ex.Start) + byteOffset
		dest, derr := e.img.Slice(absOffset, chunk)
		if derr != nil {
			return int(written), derr
		}
		copy(dest, buf[written:written+chunk])
		e.img.MarkDirty(uint(absOffset/alanfs.BlockSize), uint(chunk/alanfs.BlockSize)+1)
		written += chunk
	}

	in.Mtime = unixTime(now)
	if derr := e.table.Set(*in); derr != nil {
		return int(written), derr
	}
	return int(written), nil
}

// zeroTrailingPartialBlock zeroes the unused tail of the last
// already-allocated block (from oldSize up to the next block boundary),
// using the extent list and size as they were *before* growth. Called
// only when oldSize isn't block-aligned, i.e. there's live garbage
// beyond the old logical end of file that a grow is about to expose.
//
// This must run before the inode's size field is overwritten: computing
// the zero-fill range from the new size, as original_source/a1fs.c does,
// zero-fills the wrong block once new_size and old_size fall in
// different blocks.
func (e *Engine) zeroTrailingPartialBlock(oldExtents []extent.Extent, oldSize int64) alanfs.DriverError {
	partial := oldSize % alanfs.BlockSize
	if partial == 0 || oldSize == 0 {
		return nil
	}

	blockStartOffset := oldSize - partial
	extentIndex, byteOffset, derr := locate(oldExtents, blockStartOffset)
	if derr != nil {
		return derr
	}
	ex := oldExtents[extentIndex]

	absBlockStart := e.absoluteOffset(ex.Start) + byteOffset
	zeroFrom := absBlockStart + partial
	zeroLen := alanfs.BlockSize - partial

	dest, derr := e.img.Slice(zeroFrom, zeroLen)
	if derr != nil {
		return derr
	}
	for i := range dest {
		dest[i] = 0
	}
	e.img.MarkDirty(uint(zeroFrom/alanfs.BlockSize), 1)
	return nil
}

// Truncate resizes the file to new_size, growing or shrinking its
// extent list as needed (spec §4.6). A new_size of 0 frees all of the
// file's extents (and its extent-list block) but leaves the inode
// record and its bitmap bit alone — unlink is responsible for those.
func (e *Engine) Truncate(in *inode.Inode, newSize int64, journal *bitmap.Journal, now int64) alanfs.DriverError {
	if newSize == 0 {
		return e.freeAll(in, now)
	}

	oldSize := in.Size
	curBlocks := alanfs.CeilDiv(oldSize, alanfs.BlockSize)
	newBlocks := alanfs.CeilDiv(newSize, alanfs.BlockSize)

	switch {
	case newBlocks == curBlocks:
		if newSize > oldSize {
			extents, derr := e.extents(in)
			if derr != nil {
				return derr
			}
			if derr := e.zeroTrailingPartialBlock(extents, oldSize); derr != nil {
				return derr
			}
		}
		in.Size = newSize
		in.Mtime = unixTime(now)
		return e.table.Set(*in)

	case newBlocks > curBlocks:
		return e.grow(in, oldSize, newSize, curBlocks, newBlocks, journal, now)

	default:
		return e.shrink(in, newSize, curBlocks, newBlocks, now)
	}
}

func (e *Engine) grow(in *inode.Inode, oldSize, newSize int64, curBlocks, newBlocks int64, journal *bitmap.Journal, now int64) alanfs.DriverError {
	oldExtents, derr := e.extents(in)
	if derr != nil {
		return derr
	}

	if derr := e.zeroTrailingPartialBlock(oldExtents, oldSize); derr != nil {
		return derr
	}

	if in.ExtentUsed == 0 {
		listBlockIdx, derr := journal.SetFirstFree(e.totalDataBlocks)
		if derr != nil {
			return derr
		}
		in.ExtentBlock = int64(listBlockIdx) * alanfs.BlockSize
		blockIdx := uint(e.absoluteOffset(in.ExtentBlock) / alanfs.BlockSize)
		raw, derr := e.img.Block(blockIdx)
		if derr != nil {
			return derr
		}
		for i := range raw {
			raw[i] = 0
		}
		e.img.MarkDirty(blockIdx, 1)
	}

	blocksNeeded := uint(newBlocks - curBlocks)
	newExtents, derr := extent.AllocateBlocks(e.blockBitmap, e.totalDataBlocks, journal, blocksNeeded)
	if derr != nil {
		return derr
	}

	if len(oldExtents)+len(newExtents) > extent.Capacity {
		return alanfs.ErrNoSpace.WithMessage("file extent list is full")
	}

	for _, ex := range newExtents {
		if derr := e.zeroExtent(ex); derr != nil {
			return derr
		}
	}

	allExtents := append(oldExtents, newExtents...)
	listRaw, derr := e.extentListBlock(in)
	if derr != nil {
		return derr
	}
	if derr := extent.WriteList(listRaw, allExtents); derr != nil {
		return derr
	}
	e.img.MarkDirty(uint(e.absoluteOffset(in.ExtentBlock)/alanfs.BlockSize), 1)
	in.ExtentUsed = uint32(len(allExtents))

	in.Size = newSize
	in.Mtime = unixTime(now)
	return e.table.Set(*in)
}

func (e *Engine) zeroExtent(ex extent.Extent) alanfs.DriverError {
	absOffset := e.absoluteOffset(ex.Start)
	length := int64(ex.Count) * alanfs.BlockSize
	dest, derr := e.img.Slice(absOffset, length)
	if derr != nil {
		return derr
	}
	for i := range dest {
		dest[i] = 0
	}
	e.img.MarkDirty(uint(absOffset/alanfs.BlockSize), uint(ex.Count))
	return nil
}

// freeAll releases every extent currently attached to the inode plus
// the extent-list block itself, walking the extent list rather than
// shrink's cur_blocks-new_blocks arithmetic. Truncate routes
// new_size == 0 here.
func (e *Engine) freeAll(in *inode.Inode, now int64) alanfs.DriverError {
	extents, derr := e.extents(in)
	if derr != nil {
		return derr
	}
	for _, ex := range extents {
		extent.Free(e.blockBitmap, ex)
	}
	if in.ExtentUsed > 0 {
		extent.Free(e.blockBitmap, extent.Extent{Start: in.ExtentBlock, Count: 1})
	}

	in.ExtentUsed = 0
	in.ExtentBlock = 0
	in.Size = 0
	in.Mtime = unixTime(now)
	return e.table.Set(*in)
}

func (e *Engine) shrink(in *inode.Inode, newSize int64, curBlocks, newBlocks int64, now int64) alanfs.DriverError {
	extents, derr := e.extents(in)
	if derr != nil {
		return derr
	}

	blocksToFree := uint(curBlocks - newBlocks)
	for blocksToFree > 0 && len(extents) > 0 {
		last := len(extents) - 1
		if uint(extents[last].Count) <= blocksToFree {
			blocksToFree -= uint(extents[last].Count)
			extent.Free(e.blockBitmap, extents[last])
			extents = extents[:last]
			continue
		}

		keep := extents[last].Count - uint32(blocksToFree)
		freedTail := extent.Extent{
			Start: extents[last].Start + int64(keep)*alanfs.BlockSize,
			Count: uint32(blocksToFree),
		}
		extent.Free(e.blockBitmap, freedTail)
		extents[last].Count = keep
		blocksToFree = 0
	}

	if len(extents) == 0 {
		if in.ExtentUsed > 0 {
			extent.Free(e.blockBitmap, extent.Extent{Start: in.ExtentBlock, Count: 1})
		}
		in.ExtentBlock = 0
		in.ExtentUsed = 0
	} else {
		listRaw, derr := e.extentListBlock(in)
		if derr != nil {
			return derr
		}
		if derr := extent.WriteList(listRaw, extents); derr != nil {
			return derr
		}
		e.img.MarkDirty(uint(e.absoluteOffset(in.ExtentBlock)/alanfs.BlockSize), 1)
		in.ExtentUsed = uint32(len(extents))
	}

	in.Size = newSize
	in.Mtime = unixTime(now)
	return e.table.Set(*in)
}
