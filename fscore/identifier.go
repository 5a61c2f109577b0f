// Package fscore defines the generic filesystem/inode contracts that a
// virtual filesystem layer mounts and traverses, independent of any one
// on-disk format. The ext2 engine (package ext2) is one implementation;
// a synthetic in-memory filesystem or a future devfs could be others.
package fscore

import "fmt"

// InodeIdentifier is the stable external identity of an inode: which
// filesystem instance it lives in, and its index within that instance.
// An index of 0 means "not valid" - the zero value is always invalid.
type InodeIdentifier struct {
	FSID  uint32
	Index uint32
}

// IsValid reports whether this identifier could possibly refer to a
// real inode. It does not check that the inode actually exists.
func (id InodeIdentifier) IsValid() bool {
	return id.Index != 0
}

// String implements fmt.Stringer, used in log lines and wrapped errors.
func (id InodeIdentifier) String() string {
	return fmt.Sprintf("%d:%d", id.FSID, id.Index)
}

// FS resolves the identifier's filesystem instance via the global
// registry, or nil if no such filesystem is registered.
func (id InodeIdentifier) FS() FS {
	return Lookup(id.FSID)
}

// Inode resolves the identifier to a live Inode handle, or (nil, false)
// if either the filesystem is not registered or the inode does not
// exist within it.
func (id InodeIdentifier) Inode() (Inode, bool) {
	fs := id.FS()
	if fs == nil {
		return nil, false
	}
	return fs.GetInode(id.Index)
}
