package vfs

import (
	"time"

	"github.com/gokernel/ext2fs/errno"
	"github.com/gokernel/ext2fs/fscore"
)

// deviceCreator is the capability an fscore.FS optionally implements
// to support mknod-style device-special-file creation; ext2.Ext2FS is
// the only implementation in this module, wired via a type assertion
// rather than widening fscore.FS for every backend.
type deviceCreator interface {
	CreateDevice(parent fscore.InodeIdentifier, name string, mode uint16, major, minor uint32) (fscore.InodeIdentifier, error)
}

type symlinkCreator interface {
	CreateSymlink(parent fscore.InodeIdentifier, name string, target string) (fscore.InodeIdentifier, error)
}

// Stat resolves path and returns its metadata.
func (v *VFS) Stat(path string, base fscore.InodeIdentifier, flags ResolveFlags) (fscore.Metadata, error) {
	resolved, err := v.Resolve(path, base, flags)
	if err != nil {
		return fscore.Metadata{}, err
	}
	return resolved.Inode.Metadata()
}

// Mkdir creates a new directory at path.
func (v *VFS) Mkdir(path string, base fscore.InodeIdentifier, mode uint16) error {
	dir, name := splitDirAndBase(path)
	parent, err := v.Resolve(dir, base, ResolveFlags{})
	if err != nil {
		return err
	}
	fs := parent.InodeID.FS()
	if fs == nil {
		return errno.ENOENT
	}
	_, err = fs.CreateDirectory(parent.InodeID, name, mode)
	return err
}

// Rmdir removes an empty directory at path.
func (v *VFS) Rmdir(path string, base fscore.InodeIdentifier) error {
	resolved, err := v.Resolve(path, base, ResolveFlags{})
	if err != nil {
		return err
	}
	meta, err := resolved.Inode.Metadata()
	if err != nil {
		return err
	}
	if !meta.IsDir() {
		return errno.ENOTDIR
	}
	if resolved.BaseName == "." || resolved.BaseName == ".." {
		return errno.EINVAL
	}
	empty := true
	if err := resolved.Inode.Traverse(func(de fscore.DirectoryEntry) bool {
		if de.Name != "." && de.Name != ".." {
			empty = false
			return false
		}
		return true
	}); err != nil {
		return err
	}
	if !empty {
		return errno.ENOTEMPTY
	}
	parent, ok := resolved.ParentID.Inode()
	if !ok {
		return errno.ENOENT
	}
	if err := parent.RemoveChild(resolved.BaseName); err != nil {
		return err
	}
	if err := resolved.Inode.DecrementLinkCount(); err != nil {
		return err
	}
	return parent.DecrementLinkCount()
}

// Unlink removes a directory entry and drops the target inode's link
// count, freeing it once the count reaches zero (spec §4.2.8's
// "free_inode" path, triggered from Inode.DecrementLinkCount).
func (v *VFS) Unlink(path string, base fscore.InodeIdentifier) error {
	resolved, err := v.Resolve(path, base, ResolveFlags{NoFollow: true})
	if err != nil {
		return err
	}
	meta, err := resolved.Inode.Metadata()
	if err != nil {
		return err
	}
	if meta.IsDir() {
		return errno.EISDIR
	}
	parent, ok := resolved.ParentID.Inode()
	if !ok {
		return errno.ENOENT
	}
	if err := parent.RemoveChild(resolved.BaseName); err != nil {
		return err
	}
	return resolved.Inode.DecrementLinkCount()
}

// Link creates a new hard link newPath pointing at the inode oldPath
// resolves to. Cross-filesystem links are rejected, matching the
// usual POSIX EXDEV behavior (surfaced here as EINVAL since spec's
// errno taxonomy carries no EXDEV).
func (v *VFS) Link(oldPath, newPath string, base fscore.InodeIdentifier) error {
	old, err := v.Resolve(oldPath, base, ResolveFlags{})
	if err != nil {
		return err
	}
	meta, err := old.Inode.Metadata()
	if err != nil {
		return err
	}
	if meta.IsDir() {
		return errno.EISDIR
	}
	dir, name := splitDirAndBase(newPath)
	parent, err := v.Resolve(dir, base, ResolveFlags{})
	if err != nil {
		return err
	}
	if parent.InodeID.FSID != old.InodeID.FSID {
		return errno.EINVAL
	}
	if err := parent.Inode.AddChild(old.InodeID, name, fscore.FileTypeRegular); err != nil {
		return err
	}
	return old.Inode.IncrementLinkCount()
}

// Symlink creates a new symlink at linkPath whose target is target
// (not itself resolved at creation time).
func (v *VFS) Symlink(target, linkPath string, base fscore.InodeIdentifier) error {
	dir, name := splitDirAndBase(linkPath)
	parent, err := v.Resolve(dir, base, ResolveFlags{})
	if err != nil {
		return err
	}
	fs := parent.InodeID.FS()
	sc, ok := fs.(symlinkCreator)
	if !ok {
		return errno.EINVAL
	}
	_, err = sc.CreateSymlink(parent.InodeID, name, target)
	return err
}

// Mknod creates a device special file. The owning filesystem must
// implement deviceCreator; ext2.Ext2FS does.
func (v *VFS) Mknod(path string, base fscore.InodeIdentifier, mode uint16, major, minor uint32) error {
	dir, name := splitDirAndBase(path)
	parent, err := v.Resolve(dir, base, ResolveFlags{})
	if err != nil {
		return err
	}
	fs := parent.InodeID.FS()
	dc, ok := fs.(deviceCreator)
	if !ok {
		return errno.EINVAL
	}
	_, err = dc.CreateDevice(parent.InodeID, name, mode, major, minor)
	return err
}

// Chmod, Chown, and Utime resolve path and delegate straight to the
// inode, which owns the lock discipline for mutating its own record.
func (v *VFS) Chmod(path string, base fscore.InodeIdentifier, mode uint16) error {
	resolved, err := v.Resolve(path, base, ResolveFlags{})
	if err != nil {
		return err
	}
	return resolved.Inode.Chmod(mode)
}

func (v *VFS) Chown(path string, base fscore.InodeIdentifier, uid, gid int64) error {
	resolved, err := v.Resolve(path, base, ResolveFlags{})
	if err != nil {
		return err
	}
	return resolved.Inode.Chown(uid, gid)
}

func (v *VFS) Utime(path string, base fscore.InodeIdentifier, atime, mtime time.Time) error {
	resolved, err := v.Resolve(path, base, ResolveFlags{})
	if err != nil {
		return err
	}
	return resolved.Inode.Utime(atime, mtime)
}

// Access checks mode against path's owner/group/other permission
// bits for the given caller identity, per spec §4.4's access(2)
// semantics. Root (uid 0) always passes.
func (v *VFS) Access(path string, base fscore.InodeIdentifier, uid, gid uint32, mode uint16) error {
	resolved, err := v.Resolve(path, base, ResolveFlags{})
	if err != nil {
		return err
	}
	meta, err := resolved.Inode.Metadata()
	if err != nil {
		return err
	}
	if uid == 0 {
		return nil
	}
	var bits uint16
	switch {
	case uid == meta.UID:
		bits = (meta.Mode >> 6) & 07
	case gid == meta.GID:
		bits = (meta.Mode >> 3) & 07
	default:
		bits = meta.Mode & 07
	}
	if bits&mode != mode {
		return errno.EACCES
	}
	return nil
}
