// Package extent implements the extent engine (spec §4.2): enumerating
// free runs in the block bitmap, the best-fit allocation policy and its
// two preserved quirks (an inode's extent list can grow by one entry per
// loop iteration; small runs are drained before large ones), and
// (de)serializing an inode's one-block extent list. Grounded on
// original_source/helper.c's find_free_extents/sort_extents/
// allocate_extent/swap.
package extent

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/bitmap"
)

// RawExtent is the on-disk record for a single extent within an inode's
// extent-list block.
type RawExtent struct {
	Start int64  // byte offset of the first block, within the data region
	Count uint32 // number of contiguous blocks
}

// RawExtentSize is computed, not hand-counted, for the same reason as
// inode.RawInodeSize.
var RawExtentSize = binary.Size(RawExtent{})

// Capacity is the maximum number of extents a single extent-list block
// can hold (spec §3: "at most floor(B / sizeof(extent))").
var Capacity = alanfs.BlockSize / RawExtentSize

// Extent is the in-memory form of RawExtent.
type Extent struct {
	Start int64
	Count uint32
}

// StartBlock returns the data-region-relative block index of the first
// block in the extent.
func (e Extent) StartBlock() uint {
	return uint(e.Start / alanfs.BlockSize)
}

// ReadList decodes up to `used` extents from a raw extent-list block.
func ReadList(block []byte, used uint32) ([]Extent, alanfs.DriverError) {
	if int(used) > Capacity {
		return nil, alanfs.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("extent_used %d exceeds block capacity %d", used, Capacity))
	}

	extents := make([]Extent, used)
	reader := bytes.NewReader(block)
	for i := uint32(0); i < used; i++ {
		var raw RawExtent
		if err := binary.Read(reader, binary.LittleEndian, &raw); err != nil {
			return nil, alanfs.ErrIOFailed.Wrap(err)
		}
		extents[i] = Extent{Start: raw.Start, Count: raw.Count}
	}
	return extents, nil
}

// WriteList encodes `extents` into a raw extent-list block. The block
// must already be zeroed (as it is on allocation); slots past
// len(extents) are left as-is.
func WriteList(block []byte, extents []Extent) alanfs.DriverError {
	if len(extents) > Capacity {
		return alanfs.ErrNoSpace.WithMessage("extent list is at capacity")
	}

	buf := new(bytes.Buffer)
	for _, e := range extents {
		raw := RawExtent{Start: e.Start, Count: e.Count}
		if err := binary.Write(buf, binary.LittleEndian, &raw); err != nil {
			return alanfs.ErrIOFailed.Wrap(err)
		}
	}
	copy(block, buf.Bytes())
	return nil
}

// FreeRun is a maximal run of consecutive cleared bits in the block
// bitmap, in data-region-relative block indices.
type FreeRun struct {
	StartBlock uint
	Count      uint
}

// EnumerateFreeRuns scans the entire block bitmap once and returns every
// maximal run of cleared bits.
func EnumerateFreeRuns(blockBitmap []byte, totalDataBlocks uint) []FreeRun {
	var runs []FreeRun
	runStart := uint(0)
	inRun := false

	for i := uint(0); i < totalDataBlocks; i++ {
		if bitmap.Get(blockBitmap, i) {
			if inRun {
				runs = append(runs, FreeRun{StartBlock: runStart, Count: i - runStart})
				inRun = false
			}
			continue
		}
		if !inRun {
			runStart = i
			inRun = true
		}
	}
	if inRun {
		runs = append(runs, FreeRun{StartBlock: runStart, Count: totalDataBlocks - runStart})
	}
	return runs
}

// sortAscendingByLength orders runs smallest-first, so allocation drains
// small runs before large ones (spec §4.2, §9 "best-fit allocator").
func sortAscendingByLength(runs []FreeRun) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Count < runs[j].Count
	})
}

// relativeStart converts a data-region-relative block index into the
// byte offset recorded in a RawExtent (itself relative to the start of
// the data region, per spec §3 — callers that need an absolute image
// offset add the data region's own base offset on top of this).
func relativeStart(blockIndex uint) int64 {
	return int64(blockIndex) * alanfs.BlockSize
}

// AllocateBlocks finds enough free blocks to cover blocksNeeded and
// returns them as a list of new extents, recording every flipped bitmap
// bit in journal so the caller can roll back on a later failure. If the
// total free space is insufficient, no bits are changed and ErrNoSpace
// is returned.
//
// Preserves the quirk the specification calls out: runs are consumed
// smallest-first. A run only ever contributes as many blocks as are
// still needed; any excess stays free for the next allocation.
func AllocateBlocks(
	blockBitmap []byte,
	totalDataBlocks uint,
	journal *bitmap.Journal,
	blocksNeeded uint,
) ([]Extent, alanfs.DriverError) {
	if blocksNeeded == 0 {
		return nil, nil
	}

	runs := EnumerateFreeRuns(blockBitmap, totalDataBlocks)

	totalFree := uint(0)
	for _, r := range runs {
		totalFree += r.Count
	}
	if totalFree < blocksNeeded {
		return nil, alanfs.ErrNoSpace.WithMessage(
			fmt.Sprintf("need %d free blocks, only %d available", blocksNeeded, totalFree))
	}

	sortAscendingByLength(runs)

	var newExtents []Extent
	remaining := blocksNeeded
	for _, run := range runs {
		if remaining == 0 {
			break
		}
		if len(newExtents) >= Capacity {
			return nil, alanfs.ErrNoSpace.WithMessage("extent list capacity exhausted")
		}

		take := run.Count
		if take > remaining {
			take = remaining
		}

		for i := run.StartBlock; i < run.StartBlock+take; i++ {
			bitmap.Set(blockBitmap, i, true)
			journal.Record(i)
		}
		newExtents = append(newExtents, Extent{
			Start: relativeStart(run.StartBlock),
			Count: uint32(take),
		})

		remaining -= take
	}

	return newExtents, nil
}

// Free clears every bit covered by `e` in the block bitmap.
func Free(blockBitmap []byte, e Extent) {
	start := e.StartBlock()
	for i := start; i < start+uint(e.Count); i++ {
		bitmap.Clear(blockBitmap, i)
	}
}

// Sum totals the block counts across a list of extents.
func Sum(extents []Extent) uint {
	total := uint(0)
	for _, e := range extents {
		total += uint(e.Count)
	}
	return total
}
