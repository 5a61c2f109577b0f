package vfs

import (
	"strings"

	"github.com/gokernel/ext2fs/errno"
	"github.com/gokernel/ext2fs/fscore"
)

// symloopMax bounds how many symlinks one resolution may expand before
// giving up with ELOOP (spec §4.4, matching Linux's own SYMLOOP_MAX).
const symloopMax = 40

// ResolveFlags mirrors the handful of open(2) flags that change path
// resolution itself, as opposed to what happens once a file is open.
type ResolveFlags struct {
	// NoFollow means a symlink as the final path component is returned
	// as itself rather than being expanded.
	NoFollow bool
	// NoFollowNoError has the same effect on resolution as NoFollow: a
	// symlink as the final path component is returned as itself. It
	// never changes non-final-component handling.
	NoFollowNoError bool
}

// Resolved is what path resolution produces: the inode found, the
// inode of its containing directory (for callers that need to create
// or unlink a sibling), and the final path component's name.
type Resolved struct {
	Inode    fscore.Inode
	InodeID  fscore.InodeIdentifier
	ParentID fscore.InodeIdentifier
	BaseName string
}

// Resolve walks path - absolute (starting at the VFS root) or, if base
// is valid, relative to base - returning the inode it names per spec
// §4.4's algorithm: directory-by-directory traversal, mount
// substitution at mount points, ".." crossing back out of a mount at
// its host directory rather than the mounted fs's own root entry, and
// symlink expansion bounded by symloopMax.
func (v *VFS) Resolve(path string, base fscore.InodeIdentifier, flags ResolveFlags) (Resolved, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.resolve(path, base, flags, 0)
}

func (v *VFS) resolve(path string, base fscore.InodeIdentifier, flags ResolveFlags, loopDepth int) (Resolved, error) {
	if loopDepth > symloopMax {
		return Resolved{}, errno.ELOOP
	}
	if path == "" {
		return Resolved{}, errno.ENOENT
	}

	var curID fscore.InodeIdentifier
	var curPath string
	if strings.HasPrefix(path, "/") {
		root := v.mounts[0]
		curID = root.Guest
		curPath = "/"
	} else {
		if !base.IsValid() {
			return Resolved{}, errno.EINVAL
		}
		curID = base
		curPath = "" // relative resolution does not track a virtual path for mount matching
	}

	components := splitPath(path)
	var parentID fscore.InodeIdentifier
	var baseName string

	for i, comp := range components {
		isLast := i == len(components)-1

		cur, ok := curID.Inode()
		if !ok {
			return Resolved{}, errno.ENOENT
		}
		meta, err := cur.Metadata()
		if err != nil {
			return Resolved{}, err
		}
		if !meta.IsDir() {
			return Resolved{}, errno.ENOTDIR
		}

		if comp == ".." && curPath != "" {
			if m := v.mountOwning(curID); m.Host != "" && curPath == m.Host && m.Host != "/" {
				parentPath := parentOf(m.Host)
				parentMount := v.mountFor(parentPath)
				parentDirID, err := v.lookupAbsolute(parentPath, parentMount)
				if err != nil {
					return Resolved{}, err
				}
				parentID = curID
				curID = parentDirID
				curPath = parentPath
				baseName = comp
				continue
			}
		}

		childID, found, err := cur.Lookup(comp)
		if err != nil {
			return Resolved{}, err
		}
		if !found {
			return Resolved{}, errno.ENOENT
		}
		parentID = curID
		baseName = comp

		if curPath != "" {
			childPath := joinPath(curPath, comp)
			if mnt, ok := v.mountAt(childPath); ok {
				childID = mnt.Guest
			}
			curPath = childPath
		}

		child, ok := childID.Inode()
		if !ok {
			return Resolved{}, errno.ENOENT
		}
		childMeta, err := child.Metadata()
		if err != nil {
			return Resolved{}, err
		}

		if childMeta.IsSymlink() {
			followThis := !isLast || !(flags.NoFollow || flags.NoFollowNoError)
			if followThis {
				target, err := child.ReadLink()
				if err != nil {
					return Resolved{}, err
				}
				var resolvedBase fscore.InodeIdentifier
				if !strings.HasPrefix(target, "/") {
					resolvedBase = curID
				}
				remaining := target
				if !isLast {
					remaining = target + "/" + strings.Join(components[i+1:], "/")
				}
				return v.resolve(remaining, resolvedBase, flags, loopDepth+1)
			}
		}

		curID = childID
	}

	cur, ok := curID.Inode()
	if !ok {
		return Resolved{}, errno.ENOENT
	}
	return Resolved{
		Inode:    cur,
		InodeID:  curID,
		ParentID: parentID,
		BaseName: baseName,
	}, nil
}

// lookupAbsolute resolves an already-normalized absolute directory
// path starting from mnt's filesystem root, used only internally by
// ".." mount-crossing where we already know which mount owns the
// parent path and must not re-run symlink expansion.
func (v *VFS) lookupAbsolute(path string, mnt Mount) (fscore.InodeIdentifier, error) {
	if path == "/" || path == mnt.Host {
		return mnt.Guest, nil
	}
	rel := strings.TrimPrefix(path, mnt.Host)
	rel = strings.TrimPrefix(rel, "/")
	curID := mnt.Guest
	for _, comp := range splitPath(rel) {
		cur, ok := curID.Inode()
		if !ok {
			return fscore.InodeIdentifier{}, errno.ENOENT
		}
		childID, found, err := cur.Lookup(comp)
		if err != nil {
			return fscore.InodeIdentifier{}, err
		}
		if !found {
			return fscore.InodeIdentifier{}, errno.ENOENT
		}
		curID = childID
	}
	return curID, nil
}

// mountAt returns the mount whose Host exactly equals path, if any.
func (v *VFS) mountAt(path string) (Mount, bool) {
	for _, m := range v.mounts {
		if m.Host == path {
			return m, true
		}
	}
	return Mount{}, false
}

// mountOwning returns the mount whose guest root is id, used to
// detect "we are standing at a mount's root" for ".." crossing.
func (v *VFS) mountOwning(id fscore.InodeIdentifier) Mount {
	for _, m := range v.mounts {
		if m.Guest == id {
			return m
		}
	}
	return Mount{}
}

func splitPath(path string) []string {
	var out []string
	for _, c := range strings.Split(path, "/") {
		if c == "" || c == "." {
			continue
		}
		out = append(out, c)
	}
	return out
}

func parentOf(path string) string {
	if path == "/" {
		return "/"
	}
	idx := strings.LastIndex(strings.TrimSuffix(path, "/"), "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func joinPath(dir, comp string) string {
	if dir == "/" {
		return "/" + comp
	}
	return dir + "/" + comp
}
