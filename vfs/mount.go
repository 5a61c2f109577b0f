// Package vfs implements the mount table and path resolver that sit
// above one or more fscore.FS instances: mount/unmount, path-to-inode
// resolution with symlink and mount-crossing semantics, and POSIX-ish
// file descriptor operations (spec §4.4).
package vfs

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gokernel/ext2fs/errno"
	"github.com/gokernel/ext2fs/fscore"
)

// Mount records one filesystem grafted onto the tree at host, a
// resolved path in the parent mount (or the empty path for the root
// mount itself). guest is the mounted filesystem's root inode.
type Mount struct {
	Host  string
	Guest fscore.InodeIdentifier
	FS    fscore.FS
}

// VFS is the process-wide virtual filesystem: one root mount plus
// zero or more mounts layered on top of directories within it, per
// spec §4.4's "Vfs (mount table + resolver)".
type VFS struct {
	mu     sync.RWMutex
	mounts []Mount
	log    *logrus.Entry
}

// New creates an empty VFS with no root mount; call MountRoot before
// resolving any path.
func New() *VFS {
	return &VFS{log: logrus.WithField("component", "vfs")}
}

// MountRoot installs fs as the filesystem root. It must be called
// exactly once, before any other mount or path resolution.
func (v *VFS) MountRoot(fs fscore.FS) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.mounts) != 0 {
		return fmt.Errorf("vfs: root already mounted")
	}
	v.mounts = append(v.mounts, Mount{Host: "/", Guest: fs.RootInodeID(), FS: fs})
	v.log.WithField("fs", fs.ID()).Info("mounted root filesystem")
	return nil
}

// Mount grafts fs onto hostPath, an absolute, already-resolved path
// naming an existing directory in the current tree. Further path
// resolutions into hostPath are transparently redirected to fs's root.
func (v *VFS) Mount(hostPath string, fs fscore.FS) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.mounts {
		if m.Host == hostPath {
			return fmt.Errorf("vfs: %s is already a mount point", hostPath)
		}
	}
	v.mounts = append(v.mounts, Mount{Host: hostPath, Guest: fs.RootInodeID(), FS: fs})
	v.log.WithField("host", hostPath).WithField("fs", fs.ID()).Info("mounted filesystem")
	return nil
}

// Unmount removes the mount at hostPath. It refuses with EBUSY-shaped
// behavior (returned as a plain error, since spec's errno taxonomy has
// no EBUSY) if another mount is nested beneath it, matching the
// "refuses while not quiescent" rule spec §4.4 describes.
func (v *VFS) Unmount(hostPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := -1
	for i, m := range v.mounts {
		if m.Host == hostPath {
			idx = i
			continue
		}
		if len(m.Host) > len(hostPath) && hasPathPrefix(m.Host, hostPath) {
			return fmt.Errorf("vfs: %s has a nested mount at %s, unmount that first", hostPath, m.Host)
		}
	}
	if idx < 0 {
		return errno.ENOENT
	}
	v.mounts = append(v.mounts[:idx], v.mounts[idx+1:]...)
	return nil
}

// mountFor returns the most specific mount whose Host is a prefix of
// path - i.e. the filesystem that owns path before any further
// component resolution within it.
func (v *VFS) mountFor(path string) Mount {
	best := v.mounts[0]
	for _, m := range v.mounts[1:] {
		if len(m.Host) > len(best.Host) && hasPathPrefix(path, m.Host) {
			best = m
		}
	}
	return best
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if len(path) < len(prefix) {
		return false
	}
	if path[:len(prefix)] != prefix {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
