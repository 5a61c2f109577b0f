package filesystem

import (
	"io/fs"
	"os"
	"time"

	"github.com/gokernel/ext2fs/filesystem/ext2"
	"github.com/gokernel/ext2fs/fscore"
	"github.com/gokernel/ext2fs/vfs"
)

// TypeExt2 is an ext2-compatible filesystem, the one concrete Type this
// module's Volume ever reports; kept alongside the other Type values so
// callers that switch on filesystem.Type don't need a separate enum.
const TypeExt2 Type = 100

// Volume adapts a mounted vfs.VFS, rooted at an ext2.Ext2FS, to the
// FileSystem contract: the convenience surface a caller reaches for
// instead of working with vfs.Resolve/vfs.Open directly.
type Volume struct {
	v    *vfs.VFS
	root fscore.InodeIdentifier
	fs   *ext2.Ext2FS
}

// NewVolume wraps an already-formatted-or-read ext2.Ext2FS in a VFS
// mounted at "/" and returns the resulting Volume.
func NewVolume(fs *ext2.Ext2FS) (*Volume, error) {
	v := vfs.New()
	if err := v.MountRoot(fs); err != nil {
		return nil, err
	}
	return &Volume{v: v, root: fs.RootInodeID(), fs: fs}, nil
}

func (vol *Volume) Type() Type { return TypeExt2 }

func (vol *Volume) Mkdir(pathname string) error {
	return vol.v.Mkdir(pathname, vol.root, 0755)
}

func (vol *Volume) Mknod(pathname string, mode uint32, dev int) error {
	major, minor := ext2.SplitDeviceNumber(uint64(dev))
	return vol.v.Mknod(pathname, vol.root, uint16(mode), major, minor)
}

func (vol *Volume) Link(oldpath, newpath string) error {
	return vol.v.Link(oldpath, newpath, vol.root)
}

func (vol *Volume) Symlink(oldpath, newpath string) error {
	return vol.v.Symlink(oldpath, newpath, vol.root)
}

func (vol *Volume) Chmod(name string, mode os.FileMode) error {
	return vol.v.Chmod(name, vol.root, uint16(mode.Perm()))
}

func (vol *Volume) Chown(name string, uid, gid int) error {
	return vol.v.Chown(name, vol.root, int64(uid), int64(gid))
}

func (vol *Volume) ReadDir(pathname string) ([]os.FileInfo, error) {
	fd, err := vol.v.Open(pathname, vol.root, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	entries, err := fd.GetDirEntries(0)
	if err != nil {
		return nil, err
	}
	out := make([]os.FileInfo, 0, len(entries))
	for _, de := range entries {
		if de.Name == "." || de.Name == ".." {
			continue
		}
		in, ok := de.Inode.Inode()
		if !ok {
			continue
		}
		meta, err := in.Metadata()
		if err != nil {
			return nil, err
		}
		out = append(out, fileInfo{name: de.Name, meta: meta})
	}
	return out, nil
}

func (vol *Volume) OpenFile(pathname string, flag int) (File, error) {
	fd, err := vol.v.Open(pathname, vol.root, flag, 0644)
	if err != nil {
		return nil, err
	}
	return &volumeFile{fd: fd, path: pathname}, nil
}

// Rename is not yet implemented: ext2 create/unlink cover file
// creation and removal, but atomic rename (including the
// overwrite-existing-newpath case POSIX rename(2) requires) needs
// cross-directory link-then-unlink bookkeeping this engine does not
// yet provide transactionally.
func (vol *Volume) Rename(oldpath, newpath string) error {
	return ErrNotImplemented
}

func (vol *Volume) Remove(pathname string) error {
	meta, err := vol.v.Stat(pathname, vol.root, vfs.ResolveFlags{NoFollow: true})
	if err != nil {
		return err
	}
	if meta.IsDir() {
		return vol.v.Rmdir(pathname, vol.root)
	}
	return vol.v.Unlink(pathname, vol.root)
}

func (vol *Volume) Label() string { return vol.fs.Label() }

func (vol *Volume) SetLabel(label string) error { return vol.fs.SetLabel(label) }

// fileInfo adapts fscore.Metadata to os.FileInfo for ReadDir results.
type fileInfo struct {
	name string
	meta fscore.Metadata
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return int64(fi.meta.Size) }
func (fi fileInfo) Mode() os.FileMode  { return modeFromMeta(fi.meta) }
func (fi fileInfo) ModTime() time.Time { return fi.meta.MTime }
func (fi fileInfo) IsDir() bool        { return fi.meta.IsDir() }
func (fi fileInfo) Sys() interface{}   { return fi.meta }

func modeFromMeta(meta fscore.Metadata) os.FileMode {
	m := os.FileMode(meta.Mode & 0777)
	switch {
	case meta.IsDir():
		m |= os.ModeDir
	case meta.IsSymlink():
		m |= os.ModeSymlink
	}
	return m
}

// volumeFile adapts a vfs.FileDescriptor to the File interface
// (fs.ReadDirFile + io.Writer + io.Seeker).
type volumeFile struct {
	fd   *vfs.FileDescriptor
	path string
}

func (f *volumeFile) Stat() (fs.FileInfo, error) {
	in, ok := f.fd.Identifier().Inode()
	if !ok {
		return nil, os.ErrNotExist
	}
	meta, err := in.Metadata()
	if err != nil {
		return nil, err
	}
	return fileInfo{name: f.path, meta: meta}, nil
}

func (f *volumeFile) Read(buf []byte) (int, error) { return f.fd.Read(buf) }

func (f *volumeFile) Write(data []byte) (int, error) { return f.fd.Write(data) }

func (f *volumeFile) Seek(offset int64, whence int) (int64, error) {
	return f.fd.Seek(offset, whence)
}

func (f *volumeFile) Close() error { return nil }

func (f *volumeFile) ReadDir(n int) ([]fs.DirEntry, error) {
	entries, err := f.fd.GetDirEntries(n)
	if err != nil {
		return nil, err
	}
	out := make([]fs.DirEntry, 0, len(entries))
	for _, de := range entries {
		if de.Name == "." || de.Name == ".." {
			continue
		}
		in, ok := de.Inode.Inode()
		if !ok {
			continue
		}
		meta, err := in.Metadata()
		if err != nil {
			return nil, err
		}
		out = append(out, dirEntry{name: de.Name, meta: meta})
	}
	return out, nil
}

type dirEntry struct {
	name string
	meta fscore.Metadata
}

func (d dirEntry) Name() string { return d.name }
func (d dirEntry) IsDir() bool  { return d.meta.IsDir() }
func (d dirEntry) Type() fs.FileMode {
	return modeFromMeta(d.meta).Type()
}
func (d dirEntry) Info() (fs.FileInfo, error) {
	return fileInfo{name: d.name, meta: d.meta}, nil
}
