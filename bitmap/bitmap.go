// Package bitmap implements the MSB-first on-disk bitmap contract the
// specification mandates for the inode and block allocation bitmaps
// (spec §3, §4.1), plus an in-memory rollback journal used by the extent
// and dirent engines to undo partial allocations on out-of-space errors
// (spec §7, §9).
//
// The persisted bitmaps are hand-rolled bit arithmetic rather than
// github.com/boljen/go-bitmap: that package addresses bits LSB-first
// within a byte, which would silently violate the spec's MSB-first
// round-trip contract if used for the authoritative on-disk bitmap. See
// DESIGN.md for the full resolution of this tension; go-bitmap is still
// wired in below, for the journal, where bit order is an implementation
// detail that's never persisted.
package bitmap

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/hashicorp/go-multierror"
	alanfs "github.com/jiaqingren1106/Alanfs"
)

// Get reports whether bit i is set in an MSB-first on-disk bitmap.
func Get(bits []byte, i uint) bool {
	byteIndex := i / 8
	mask := byte(1) << (7 - i%8)
	return bits[byteIndex]&mask != 0
}

// Set sets or clears bit i in an MSB-first on-disk bitmap.
func Set(bits []byte, i uint, value bool) {
	byteIndex := i / 8
	mask := byte(1) << (7 - i%8)
	if value {
		bits[byteIndex] |= mask
	} else {
		bits[byteIndex] &^= mask
	}
}

// Popcount counts the set bits across the first `limit` bits of an
// on-disk bitmap. Used to recompute superblock.inodes_used/blocks_used
// and to check invariant P1 in tests.
func Popcount(bits []byte, limit uint) uint {
	count := uint(0)
	for i := uint(0); i < limit; i++ {
		if Get(bits, i) {
			count++
		}
	}
	return count
}

// SetFirstFree scans bits [0, limit) for the first cleared bit, sets it,
// and returns its index. If every bit in range is already set, it
// returns ErrNoSpace and leaves the bitmap unmodified.
func SetFirstFree(bits []byte, limit uint) (uint, alanfs.DriverError) {
	for i := uint(0); i < limit; i++ {
		if !Get(bits, i) {
			Set(bits, i, true)
			return i, nil
		}
	}
	return 0, alanfs.ErrNoSpace.WithMessage("bitmap exhausted")
}

// Clear unconditionally clears bit i. Used both by ordinary frees and by
// Journal.Undo.
func Clear(bits []byte, i uint) {
	Set(bits, i, false)
}

// Journal records every bit index flipped against a particular on-disk
// bitmap since it was created, so a failed multi-step allocation (for
// example, mkdir allocating an inode bit, then an extent-list block, then
// running out of space on the first data block) can be rolled back to
// the state it had at call entry, per spec §7/§9's rollback requirement.
//
// The journal itself is backed by github.com/boljen/go-bitmap purely as
// an in-memory "have we already recorded this index" set; its bit
// ordering has no bearing on the bitmap being journaled.
type Journal struct {
	bits    []byte
	seen    bitmap.Bitmap
	indices []uint
}

// NewJournal starts a journal against the given on-disk bitmap slice.
// `capacity` is the number of bits addressable in `bits` (total inodes or
// total blocks), used to size the in-memory "seen" set.
func NewJournal(bits []byte, capacity uint) *Journal {
	return &Journal{
		bits: bits,
		seen: bitmap.New(int(capacity)),
	}
}

// Record notes that bit i was just set (by the caller, via Set or
// SetFirstFree) as part of the operation this journal is scoped to.
func (j *Journal) Record(i uint) {
	if j.seen.Get(int(i)) {
		return
	}
	j.seen.Set(int(i), true)
	j.indices = append(j.indices, i)
}

// SetFirstFree is a convenience wrapper combining bitmap.SetFirstFree
// with Record, used by the dirent and filedata allocation paths (extent
// calls Set and Record itself; fs allocates inodes with the plain
// SetFirstFree).
func (j *Journal) SetFirstFree(limit uint) (uint, alanfs.DriverError) {
	index, err := SetFirstFree(j.bits, limit)
	if err != nil {
		return 0, err
	}
	j.Record(index)
	return index, nil
}

// Undo clears every bit this journal recorded, in reverse order, and
// discards the journal's memory of them. It's idempotent: calling Undo
// twice, or calling it after a successful operation that never needed
// it, is harmless. multierror aggregates failures from the underlying
// bitmap so that one bad index doesn't stop the rest of the unwind.
func (j *Journal) Undo() error {
	var errs *multierror.Error
	for i := len(j.indices) - 1; i >= 0; i-- {
		index := j.indices[i]
		if int(index/8) >= len(j.bits) {
			errs = multierror.Append(errs, fmt.Errorf("journal index %d out of range", index))
			continue
		}
		Clear(j.bits, index)
	}
	j.indices = nil
	return errs.ErrorOrNil()
}

// Commit discards the journal's memory of flipped bits without clearing
// them, i.e. the operation succeeded and the changes should stick.
func (j *Journal) Commit() {
	j.indices = nil
}
