// Package vfs is the twelve-callback adapter between a kernel bridge
// (cmd/a1fsd's go-fuse server) and the core engine: it resolves every
// callback to an fs.FileSystem call, translates DriverError into the
// host's negative-errno convention, and serializes access with a
// mutex so the core engine — which assumes serial dispatch — never
// sees concurrent calls even though go-fuse itself dispatches
// concurrently. Grounded on driver/driver.go's error-wrapping idiom at
// the driver/host boundary.
package vfs

import (
	"log"
	"sync"
	"time"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/dirent"
	"github.com/jiaqingren1106/Alanfs/fs"
)

// errStopReaddir signals that the caller's emit callback applied
// backpressure (returned a non-zero status); it's never surfaced to
// the caller, only used to unwind fs.Readdir's Enumerate early.
var errStopReaddir alanfs.DriverError = alanfs.DiskoError("readdir stopped by caller")

// Clock supplies the current time to a mutating callback. Production
// code wires time.Now (which, in Go, never fails); tests inject a
// stub that can return an error to exercise the fatal-on-clock-failure
// contract below.
type Clock func() (time.Time, error)

func defaultClock() (time.Time, error) {
	return time.Now(), nil
}

// Adapter wraps a mounted fs.FileSystem with the mutex and error
// translation the kernel bridge needs. It holds no goroutines of its
// own: every method runs synchronously on the calling goroutine, and
// the mutex serializes the concurrent callbacks go-fuse dispatches.
type Adapter struct {
	mu    sync.Mutex
	fsys  *fs.FileSystem
	clock Clock
}

// New wraps fsys. Pass a nil clock to use time.Now.
func New(fsys *fs.FileSystem, clock Clock) *Adapter {
	if clock == nil {
		clock = defaultClock
	}
	return &Adapter{fsys: fsys, clock: clock}
}

// now reads the wall clock for an ordinary mutating call (mkdir,
// create, write, ...). Unlike Utimens, a failure here has no modeled
// fatal contract in the original source (its equivalent calls use
// time(), which in practice cannot fail), so any error is folded into
// EIO rather than crashing the process.
func (a *Adapter) now() (time.Time, int32) {
	t, err := a.clock()
	if err != nil {
		return time.Time{}, errnoOf(alanfs.ErrIOFailed.Wrap(err))
	}
	return t, 0
}

func errnoOf(derr alanfs.DriverError) int32 {
	if derr == nil {
		return 0
	}
	return -int32(derr.Errno())
}

// Statfs reports filesystem-wide usage.
func (a *Adapter) Statfs() alanfs.FSStat {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fsys.Statfs()
}

// Getattr resolves path and returns its stat record.
func (a *Adapter) Getattr(path string) (alanfs.FileStat, int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	stat, derr := a.fsys.Stat(path)
	return stat, errnoOf(derr)
}

// DirEntry is the per-entry shape Readdir's callback receives: a
// directory's stored entries plus the synthesized `.`/`..` pair (spec
// §10.6 — these are never stored as dentry records, only produced
// here, at the adapter boundary).
type DirEntry struct {
	Name  string
	Inode alanfs.InodeIndex
}

// Readdir lists path's entries, synthesizing "." (path's own inode)
// and ".." (path's parent's inode, or path's own inode at the root,
// which has no parent) ahead of the stored entries. emit may return a
// non-zero status to apply backpressure; Readdir stops and returns
// that status immediately.
func (a *Adapter) Readdir(path string, emit func(DirEntry) int32) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	self, derr := a.fsys.Stat(path)
	if derr != nil {
		return errnoOf(derr)
	}
	if status := emit(DirEntry{Name: ".", Inode: alanfs.InodeIndex(self.InodeNumber)}); status != 0 {
		return status
	}

	parentInode := alanfs.InodeIndex(self.InodeNumber)
	if path != "/" {
		parentPath := parentOf(path)
		if parentStat, derr := a.fsys.Stat(parentPath); derr == nil {
			parentInode = alanfs.InodeIndex(parentStat.InodeNumber)
		}
	}
	if status := emit(DirEntry{Name: "..", Inode: parentInode}); status != 0 {
		return status
	}

	var stopStatus int32
	derr = a.fsys.Readdir(path, func(e dirent.Entry) alanfs.DriverError {
		if status := emit(DirEntry{Name: e.Name, Inode: e.Inode}); status != 0 {
			stopStatus = status
			return errStopReaddir
		}
		return nil
	})
	if stopStatus != 0 {
		return stopStatus
	}
	return errnoOf(derr)
}

func parentOf(path string) string {
	if idx := lastSlash(path); idx > 0 {
		return path[:idx]
	}
	return "/"
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return -1
}

// Mkdir creates a directory.
func (a *Adapter) Mkdir(path string, mode uint32) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	now, status := a.now()
	if status != 0 {
		return status
	}
	return errnoOf(a.fsys.Mkdir(path, mode, now))
}

// Rmdir removes an empty directory.
func (a *Adapter) Rmdir(path string) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	now, status := a.now()
	if status != 0 {
		return status
	}
	return errnoOf(a.fsys.Rmdir(path, now))
}

// Create makes a new regular file and returns its inode number.
func (a *Adapter) Create(path string, mode uint32) (alanfs.InodeIndex, int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now, status := a.now()
	if status != 0 {
		return 0, status
	}
	idx, derr := a.fsys.Create(path, mode, now)
	return idx, errnoOf(derr)
}

// Unlink removes a regular file.
func (a *Adapter) Unlink(path string) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	now, status := a.now()
	if status != 0 {
		return status
	}
	return errnoOf(a.fsys.Unlink(path, now))
}

// Utimens sets path's mtime. a1fs.c's equivalent calls clock_gettime
// and never checks its return value; this adapter instead treats a
// clock failure as fatal, per spec §7/§10.6 — there is no sensible
// POSIX errno for "the system clock is broken", and no supervisor to
// restart this process, so it exits rather than silently persisting a
// wrong timestamp or returning success for a write that didn't happen.
func (a *Adapter) Utimens(path string, mtime time.Time) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.clock(); err != nil {
		log.Fatalf("vfs: system clock read failed during utimens(%q): %v", path, err)
	}
	return errnoOf(a.fsys.Utimens(path, mtime))
}

// Truncate resizes path.
func (a *Adapter) Truncate(path string, size int64) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	now, status := a.now()
	if status != 0 {
		return status
	}
	return errnoOf(a.fsys.Truncate(path, size, now))
}

// Read reads up to len(buf) bytes from path at offset. buf is zeroed
// first, so any part of it past end of file comes back as zeros.
func (a *Adapter) Read(path string, buf []byte, offset int64) (int, int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range buf {
		buf[i] = 0
	}
	n, derr := a.fsys.Read(path, buf, offset)
	return n, errnoOf(derr)
}

// Write writes buf to path at offset.
func (a *Adapter) Write(path string, buf []byte, offset int64) (int, int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now, status := a.now()
	if status != 0 {
		return 0, status
	}
	n, derr := a.fsys.Write(path, buf, offset, now)
	return n, errnoOf(derr)
}

// Teardown flushes the mapped image on unmount.
func (a *Adapter) Teardown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fsys.Sync()
}
