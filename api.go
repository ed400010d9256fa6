package alanfs

import (
	"math"
	"os"
	"time"
)

// MountFlags controls how the image was opened. a1fs has no multi-user
// permission model (see spec Non-goals), so this is narrower than a
// generic driver framework would need: it only distinguishes a read-only
// mount from a read-write one.
type MountFlags int

const (
	MountFlagsAllowRead = MountFlags(1 << iota)
	MountFlagsAllowWrite
	// MountFlagsCustomStart is free for callers building on top of this
	// package; every bit below it is meaningful to the core engine.
	MountFlagsCustomStart
)

const MountFlagsAllowReadWrite = MountFlagsAllowRead | MountFlagsAllowWrite

func (flags MountFlags) CanRead() bool {
	return flags&MountFlagsAllowRead != 0
}

func (flags MountFlags) CanWrite() bool {
	return flags&MountFlagsAllowWrite != 0
}

// FileStat is a platform-independent form of [syscall.Stat_t], trimmed to
// the fields a1fs inode records actually carry: no uid/gid beyond the
// mode's owner bits, no access/change timestamps, no symlinks (see spec
// Non-goals).
type FileStat struct {
	InodeNumber  uint64
	Nlinks       uint64
	ModeFlags    os.FileMode
	Size         int64
	BlockSize    int64
	NumBlocks    int64
	LastModified time.Time
}

func (stat *FileStat) IsDir() bool {
	return stat.ModeFlags.IsDir()
}

func (stat *FileStat) IsFile() bool {
	return stat.ModeFlags.IsRegular()
}

// FSStat is a platform-independent form of [syscall.Statfs_t].
type FSStat struct {
	BlockSize       int64
	TotalBlocks     uint64
	BlocksFree      uint64
	BlocksAvailable uint64
	Files           uint64
	FilesFree       uint64
	MaxNameLength   int64
}

// UndefinedTimestamp is a timestamp that should be used as an invalid value,
// like `nil` for pointers.
var UndefinedTimestamp = time.UnixMicro(math.MaxInt64)

// FSFeatures describes the fixed capabilities of this file system. Unlike a
// generic multi-driver framework, there's only one concrete layout here, so
// this is a plain struct rather than an interface drivers must implement.
type FSFeatures struct {
	HasDirectories      bool
	HasHardLinks        bool
	HasModifiedTime     bool
	HasUnixPermissions  bool
	DefaultNameEncoding string
	DefaultBlockSize    int
	MinTotalBlocks      uint
	MaxTotalBlocks      uint
}
