package alanfs

// BlockSize is the fixed on-disk block size in bytes (spec §3).
const BlockSize = 4096

// PathMax bounds path length: the resolver returns ErrNameTooLong for a
// path of PathMax bytes or more, so the longest accepted path is
// PathMax-1 bytes (spec §4.3).
const PathMax = 4096

// MaxNameLength is the size of a directory entry's name field, including
// its terminating NUL; the longest accepted path component (file or
// directory name) is MaxNameLength-1 bytes.
const MaxNameLength = 252

// BlockIndex identifies a block within the data-blocks region by its
// ordinal position there (not its absolute byte offset in the image).
type BlockIndex uint32

// InodeIndex identifies a record in the inode table by its ordinal
// position there. Inode 0 is always the root directory (spec §3).
type InodeIndex uint32

// RootInode is the inode index of the root directory, fixed at format
// time and never reallocated.
const RootInode InodeIndex = 0

// CeilDiv rounds a/b up to the nearest integer, for block-count math
// (ceil(size/BlockSize) appears throughout the truncate and file data
// engines).
func CeilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
