// Command a1fsd mounts an a1fs image as a FUSE filesystem. Grounded on
// cmd/main.go's cli.App{Commands: [...]} shape for argument handling and
// KarpelesLab-squashfs/inode_fuse.go for driving github.com/hanwen/go-fuse/v2;
// unlike that reader's inode-indexed fuse.RawFileSystem, this bridge sits on
// go-fuse's path-based compatibility layer (fuse/pathfs, fuse/nodefs) since
// vfs.Adapter's callback surface is already path-shaped.
package main

import (
	"log"
	"os"
	"time"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/fs"
	"github.com/jiaqingren1106/Alanfs/image"
	"github.com/jiaqingren1106/Alanfs/vfs"
	"github.com/urfave/cli/v2"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
)

func main() {
	log.SetFlags(log.Lshortfile)

	app := cli.App{
		Name:      "a1fsd",
		Usage:     "Mount an a1fs image as a FUSE filesystem",
		ArgsUsage: "IMAGE_PATH MOUNTPOINT",
		Action:    mount,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("a1fsd: %s", err)
	}
}

func mount(c *cli.Context) error {
	imagePath := c.Args().Get(0)
	mountpoint := c.Args().Get(1)
	if imagePath == "" || mountpoint == "" {
		return cli.Exit("a1fsd: usage: a1fsd IMAGE_PATH MOUNTPOINT", 1)
	}

	img, err := image.Open(imagePath, alanfs.MountFlagsAllowReadWrite)
	if err != nil {
		return cli.Exit("a1fsd: "+err.Error(), 1)
	}

	fsys, derr := fs.Open(img)
	if derr != nil {
		img.Close()
		return cli.Exit("a1fsd: "+derr.Error(), 1)
	}

	adapter := vfs.New(fsys, nil)
	bridge := &fuseBridge{adapter: adapter}
	bridge.FileSystem = pathfs.NewDefaultFileSystem()

	nodeFs := pathfs.NewPathNodeFs(bridge, nil)
	server, _, err := nodefs.MountRoot(mountpoint, nodeFs.Root(), nil)
	if err != nil {
		img.Close()
		return cli.Exit("a1fsd: mount failed: "+err.Error(), 1)
	}

	log.Printf("a1fsd: mounted %s at %s", imagePath, mountpoint)
	server.Serve()

	if err := adapter.Teardown(); err != nil {
		log.Printf("a1fsd: teardown: %s", err)
	}
	return img.Close()
}

// fuseBridge implements pathfs.FileSystem, translating every callback
// go-fuse dispatches (potentially concurrently) into a serialized call
// against vfs.Adapter, which takes its own mutex per §5's serial-dispatch
// requirement; this struct adds no further locking of its own.
type fuseBridge struct {
	pathfs.FileSystem
	adapter *vfs.Adapter
}

func normalize(name string) string {
	if name == "" {
		return "/"
	}
	return "/" + name
}

// toStatus converts vfs.Adapter's negative-host-errno convention into
// go-fuse's fuse.Status, which expects the positive form.
func toStatus(errno int32) gofuse.Status {
	if errno == 0 {
		return gofuse.OK
	}
	return gofuse.Status(-errno)
}

func (b *fuseBridge) GetAttr(name string, _ *gofuse.Context) (*gofuse.Attr, gofuse.Status) {
	stat, errno := b.adapter.Getattr(normalize(name))
	if errno != 0 {
		return nil, toStatus(errno)
	}
	return &gofuse.Attr{
		Ino:   stat.InodeNumber,
		Size:  uint64(stat.Size),
		Nlink: uint32(stat.Nlinks),
		Mode:  uint32(stat.ModeFlags.Perm()) | dirBit(stat),
		Mtime: uint64(stat.LastModified.Unix()),
	}, gofuse.OK
}

func dirBit(stat alanfs.FileStat) uint32 {
	if stat.IsDir() {
		return gofuse.S_IFDIR
	}
	return gofuse.S_IFREG
}

func (b *fuseBridge) OpenDir(name string, _ *gofuse.Context) ([]gofuse.DirEntry, gofuse.Status) {
	// vfs.DirEntry carries no type bit, so Mode is left zero here; the
	// kernel re-stats each entry through GetAttr/Lookup before using it.
	var entries []gofuse.DirEntry
	status := b.adapter.Readdir(normalize(name), func(e vfs.DirEntry) int32 {
		entries = append(entries, gofuse.DirEntry{Name: e.Name, Ino: uint64(e.Inode)})
		return 0
	})
	if status != 0 {
		return nil, toStatus(status)
	}
	return entries, gofuse.OK
}

func (b *fuseBridge) Mkdir(name string, mode uint32, _ *gofuse.Context) gofuse.Status {
	return toStatus(b.adapter.Mkdir(normalize(name), mode))
}

func (b *fuseBridge) Rmdir(name string, _ *gofuse.Context) gofuse.Status {
	return toStatus(b.adapter.Rmdir(normalize(name)))
}

func (b *fuseBridge) Unlink(name string, _ *gofuse.Context) gofuse.Status {
	return toStatus(b.adapter.Unlink(normalize(name)))
}

func (b *fuseBridge) Truncate(name string, size uint64, _ *gofuse.Context) gofuse.Status {
	return toStatus(b.adapter.Truncate(normalize(name), int64(size)))
}

func (b *fuseBridge) Utimens(name string, _ *time.Time, mtime *time.Time, _ *gofuse.Context) gofuse.Status {
	when := time.Now()
	if mtime != nil {
		when = *mtime
	}
	return toStatus(b.adapter.Utimens(normalize(name), when))
}

func (b *fuseBridge) Create(name string, _ uint32, mode uint32, _ *gofuse.Context) (nodefs.File, gofuse.Status) {
	path := normalize(name)
	if _, status := b.adapter.Create(path, mode); status != 0 {
		return nil, toStatus(status)
	}
	return &a1fsFile{File: nodefs.NewDefaultFile(), adapter: b.adapter, path: path}, gofuse.OK
}

func (b *fuseBridge) Open(name string, _ uint32, _ *gofuse.Context) (nodefs.File, gofuse.Status) {
	path := normalize(name)
	if _, status := b.adapter.Getattr(path); status != 0 {
		return nil, toStatus(status)
	}
	return &a1fsFile{File: nodefs.NewDefaultFile(), adapter: b.adapter, path: path}, gofuse.OK
}

func (b *fuseBridge) StatFs(name string) *gofuse.StatfsOut {
	stat := b.adapter.Statfs()
	return &gofuse.StatfsOut{
		Blocks:  stat.TotalBlocks,
		Bfree:   stat.BlocksFree,
		Bavail:  stat.BlocksAvailable,
		Files:   stat.Files,
		Ffree:   stat.FilesFree,
		Bsize:   uint32(stat.BlockSize),
		NameLen: uint32(stat.MaxNameLength),
	}
}

func (b *fuseBridge) String() string {
	return "a1fs"
}

// a1fsFile is the per-open file handle go-fuse's nodefs layer expects.
// a1fs has no notion of a distinct open-file object beyond the path
// itself (no offsets held server-side, no locking beyond vfs.Adapter's
// mutex), so every method here just re-resolves path against the
// adapter; embedding nodefs.NewDefaultFile() supplies the handful of
// methods (Flush, Fsync, Release, ...) this filesystem has nothing to
// do for.
type a1fsFile struct {
	nodefs.File
	adapter *vfs.Adapter
	path    string
}

func (f *a1fsFile) Read(dest []byte, off int64) (gofuse.ReadResult, gofuse.Status) {
	n, status := f.adapter.Read(f.path, dest, off)
	if status != 0 {
		return nil, toStatus(status)
	}
	return gofuse.ReadResultData(dest[:n]), gofuse.OK
}

func (f *a1fsFile) Write(data []byte, off int64) (uint32, gofuse.Status) {
	n, status := f.adapter.Write(f.path, data, off)
	if status != 0 {
		return 0, toStatus(status)
	}
	return uint32(n), gofuse.OK
}

func (f *a1fsFile) Truncate(size uint64) gofuse.Status {
	return toStatus(f.adapter.Truncate(f.path, int64(size)))
}

func (f *a1fsFile) GetAttr(out *gofuse.Attr) gofuse.Status {
	stat, status := f.adapter.Getattr(f.path)
	if status != 0 {
		return toStatus(status)
	}
	out.Ino = stat.InodeNumber
	out.Size = uint64(stat.Size)
	out.Nlink = uint32(stat.Nlinks)
	out.Mode = uint32(stat.ModeFlags.Perm()) | dirBit(stat)
	out.Mtime = uint64(stat.LastModified.Unix())
	return gofuse.OK
}
