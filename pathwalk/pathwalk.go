// Package pathwalk resolves slash-separated paths to inodes (spec §4.3):
// splitting into components, validating name and path length, and
// walking the directory tree one dirent.Lookup at a time. Grounded on
// driver/driver.go's NormalizePath/getObjectAtPathNoFollow, simplified
// because a1fs has no symlinks to chase.
package pathwalk

import (
	"fmt"
	posixpath "path"
	"strings"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/dirent"
	"github.com/jiaqingren1106/Alanfs/inode"
)

// Resolver walks paths against a single filesystem's inode table and
// directory engine.
type Resolver struct {
	table *inode.Table
	dirs  *dirent.Directory
}

func New(table *inode.Table, dirs *dirent.Directory) *Resolver {
	return &Resolver{table: table, dirs: dirs}
}

// Normalize cleans a path the way the kernel would hand it to a FUSE
// callback: slash-joined, `.`/`..` collapsed, always absolute.
func Normalize(path string) string {
	path = posixpath.Clean(path)
	if path == "." || path == "" {
		return "/"
	}
	if !posixpath.IsAbs(path) {
		return "/" + path
	}
	return path
}

func splitComponents(path string) ([]string, alanfs.DriverError) {
	if len(path) >= alanfs.PathMax {
		return nil, alanfs.ErrNameTooLong.WithMessage(
			fmt.Sprintf("path length %d exceeds %d", len(path), alanfs.PathMax-1))
	}

	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}

	parts := strings.Split(trimmed, "/")
	for _, part := range parts {
		if len(part) >= alanfs.MaxNameLength {
			return nil, alanfs.ErrNameTooLong.WithMessage(
				fmt.Sprintf("component %q exceeds %d bytes", part, alanfs.MaxNameLength-1))
		}
	}
	return parts, nil
}

// Resolved is the result of walking a path all the way to its terminal
// component.
type Resolved struct {
	Inode alanfs.InodeIndex
	Stat  inode.Inode
}

// Resolve walks `path` (which need not be pre-normalized) to its
// terminal inode.
func (r *Resolver) Resolve(path string) (Resolved, alanfs.DriverError) {
	components, derr := splitComponents(Normalize(path))
	if derr != nil {
		return Resolved{}, derr
	}

	current := alanfs.RootInode
	currentStat, derr := r.table.Get(current)
	if derr != nil {
		return Resolved{}, derr
	}

	for _, name := range components {
		if !currentStat.IsDir() {
			return Resolved{}, alanfs.ErrNotADirectory.WithMessage(
				fmt.Sprintf("%q is not a directory", name))
		}

		childIndex, found, derr := r.dirs.Lookup(&currentStat, name)
		if derr != nil {
			return Resolved{}, derr
		}
		if !found {
			return Resolved{}, alanfs.ErrNotFound.WithMessage(
				fmt.Sprintf("no such entry %q", name))
		}

		currentStat, derr = r.table.Get(childIndex)
		if derr != nil {
			return Resolved{}, derr
		}
		current = childIndex
	}

	return Resolved{Inode: current, Stat: currentStat}, nil
}

// ResolveParent walks `path` to its parent directory and returns that
// directory's inode alongside the final path component's name, without
// requiring the final component to already exist. Used by create/mkdir
// (where the base name must NOT yet exist) and unlink/rmdir (where it
// must).
func (r *Resolver) ResolveParent(path string) (Resolved, string, alanfs.DriverError) {
	normalized := Normalize(path)
	if normalized == "/" {
		return Resolved{}, "", alanfs.ErrInvalidArgument.WithMessage("root has no parent")
	}

	parentPath, baseName := posixpath.Split(normalized)
	parent, derr := r.Resolve(parentPath)
	if derr != nil {
		return Resolved{}, "", derr
	}
	if !parent.Stat.IsDir() {
		return Resolved{}, "", alanfs.ErrNotADirectory.WithMessage(
			fmt.Sprintf("%q is not a directory", parentPath))
	}
	if len(baseName) >= alanfs.MaxNameLength {
		return Resolved{}, "", alanfs.ErrNameTooLong.WithMessage(
			fmt.Sprintf("component %q exceeds %d bytes", baseName, alanfs.MaxNameLength-1))
	}
	return parent, baseName, nil
}
