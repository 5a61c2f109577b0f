package vfs_test

import (
	"path/filepath"
	"testing"

	"github.com/gokernel/ext2fs/block"
	"github.com/gokernel/ext2fs/blockcache"
	"github.com/gokernel/ext2fs/errno"
	"github.com/gokernel/ext2fs/filesystem/ext2"
	"github.com/gokernel/ext2fs/fscore"
	"github.com/gokernel/ext2fs/vfs"
)

func newTestExt2(t *testing.T, name string, totalBlocks uint32) *ext2.Ext2FS {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".img")
	storage, err := block.CreateFromPath(path, int64(totalBlocks)*1024)
	if err != nil {
		t.Fatalf("CreateFromPath: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	dev := block.New(storage, blockcache.New(blockcache.DefaultCapacity), fscore.NewFSID(), 1024, 0)
	fs, err := ext2.Create(dev, ext2.Params{TotalBlocks: totalBlocks, BlockSize: 1024, VolumeName: name})
	if err != nil {
		t.Fatalf("ext2.Create: %v", err)
	}
	return fs
}

func newMountedVFS(t *testing.T) (*vfs.VFS, fscore.InodeIdentifier) {
	t.Helper()
	v := vfs.New()
	root := newTestExt2(t, "root", 2048)
	if err := v.MountRoot(root); err != nil {
		t.Fatalf("MountRoot: %v", err)
	}
	return v, fscore.InodeIdentifier{}
}

func TestOpenCreateWriteReadRoundTrip(t *testing.T) {
	v, base := newMountedVFS(t)

	fd, err := v.Open("/hello.txt", base, unixOCreate|unixOWronly, 0644)
	if err != nil {
		t.Fatalf("Open (create): %v", err)
	}
	want := []byte("hello, vfs")
	if n, err := fd.Write(want); err != nil || n != len(want) {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	rfd, err := v.Open("/hello.txt", base, unixORdonly, 0)
	if err != nil {
		t.Fatalf("Open (read): %v", err)
	}
	got := make([]byte, len(want))
	if n, err := rfd.Read(got); err != nil || n != len(want) {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if string(got) != string(want) {
		t.Fatalf("Read = %q, want %q", got, want)
	}
}

func TestMkdirAndLookup(t *testing.T) {
	v, base := newMountedVFS(t)
	if err := v.Mkdir("/etc", base, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	meta, err := v.Stat("/etc", base, vfs.ResolveFlags{})
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !meta.IsDir() {
		t.Fatalf("/etc is not reported as a directory")
	}
}

func TestRmdirRejectsNonEmptyDirectory(t *testing.T) {
	v, base := newMountedVFS(t)
	if err := v.Mkdir("/etc", base, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := v.Open("/etc/passwd", base, unixOCreate|unixOWronly, 0644); err != nil {
		t.Fatalf("Open (create child): %v", err)
	}
	if err := v.Rmdir("/etc", base); err != errno.ENOTEMPTY {
		t.Fatalf("expected ENOTEMPTY, got %v", err)
	}
	if err := v.Unlink("/etc/passwd", base); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := v.Rmdir("/etc", base); err != nil {
		t.Fatalf("Rmdir after emptying: %v", err)
	}
}

func TestSymlinkResolution(t *testing.T) {
	v, base := newMountedVFS(t)
	if _, err := v.Open("/real.txt", base, unixOCreate|unixOWronly, 0644); err != nil {
		t.Fatalf("Open (create): %v", err)
	}
	if err := v.Symlink("/real.txt", "/link.txt", base); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	meta, err := v.Stat("/link.txt", base, vfs.ResolveFlags{})
	if err != nil {
		t.Fatalf("Stat (follow): %v", err)
	}
	if meta.IsSymlink() {
		t.Fatalf("Stat through a symlink should report the target's metadata, not the link's")
	}
	meta, err = v.Stat("/link.txt", base, vfs.ResolveFlags{NoFollow: true})
	if err != nil {
		t.Fatalf("Stat (no-follow): %v", err)
	}
	if !meta.IsSymlink() {
		t.Fatalf("Stat with NoFollow should report the link itself")
	}
}

func TestSymlinkLoopIsRejected(t *testing.T) {
	v, base := newMountedVFS(t)
	if err := v.Symlink("/b", "/a", base); err != nil {
		t.Fatalf("Symlink a->b: %v", err)
	}
	if err := v.Symlink("/a", "/b", base); err != nil {
		t.Fatalf("Symlink b->a: %v", err)
	}
	if _, err := v.Stat("/a", base, vfs.ResolveFlags{}); err != errno.ELOOP {
		t.Fatalf("expected ELOOP resolving a symlink cycle, got %v", err)
	}
}

func TestMountCrossing(t *testing.T) {
	v, base := newMountedVFS(t)
	if err := v.Mkdir("/mnt", base, 0755); err != nil {
		t.Fatalf("Mkdir /mnt: %v", err)
	}

	guest := newTestExt2(t, "guest", 2048)
	if err := v.Mount("/mnt", guest); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if _, err := v.Open("/mnt/child.txt", base, unixOCreate|unixOWronly, 0644); err != nil {
		t.Fatalf("Open on mounted fs: %v", err)
	}
	guestRootInChild, err := v.Stat("/mnt/child.txt", base, vfs.ResolveFlags{})
	if err != nil {
		t.Fatalf("Stat /mnt/child.txt: %v", err)
	}
	if guestRootInChild.IsDir() {
		t.Fatalf("/mnt/child.txt should not be a directory")
	}

	if err := v.Unmount("/mnt"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if _, err := v.Stat("/mnt/child.txt", base, vfs.ResolveFlags{}); err != errno.ENOENT {
		t.Fatalf("expected ENOENT after unmount, got %v", err)
	}
}

func TestAccessDeniesNonOwnerWithoutBits(t *testing.T) {
	v, base := newMountedVFS(t)
	if _, err := v.Open("/private.txt", base, unixOCreate|unixOWronly, 0600); err != nil {
		t.Fatalf("Open (create): %v", err)
	}
	if err := v.Chown("/private.txt", base, 1, 1); err != nil {
		t.Fatalf("Chown: %v", err)
	}
	if err := v.Access("/private.txt", base, 2, 2, 4); err != errno.EACCES {
		t.Fatalf("expected EACCES for a non-owner with mode 0600, got %v", err)
	}
	if err := v.Access("/private.txt", base, 0, 0, 4); err != nil {
		t.Fatalf("root should always pass Access, got %v", err)
	}
}

// The os package's O_* flag values coincide with unix.O_* on Linux, the
// only platform this engine targets; spelling them out locally keeps
// this test file from needing an extra import just for three constants.
const (
	unixORdonly = 0x0
	unixOWronly = 0x1
	unixOCreate = 0x40
)
