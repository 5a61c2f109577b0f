package vfs

import (
	"golang.org/x/sys/unix"

	"github.com/gokernel/ext2fs/errno"
	"github.com/gokernel/ext2fs/fscore"
)

// Seek whence values, matching lseek(2).
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// FileDescriptor is an open file handle: a resolved inode plus a
// current offset and the flags it was opened with, per spec §4.4's
// "FileDescriptor (in-memory)".
type FileDescriptor struct {
	v       *VFS
	inode   fscore.Inode
	id      fscore.InodeIdentifier
	offset  int64
	flags   int
	dirPos  int // for GetDirEntries pagination
}

// Open resolves path (relative to base if base is valid, else
// absolute) and returns a FileDescriptor honoring the O_* flags in
// flags, per spec §4.4's open table: O_CREAT with O_EXCL fails EEXIST
// if the target already exists; O_DIRECTORY demands the result be a
// directory; O_APPEND forces every Write to the current end of file.
// O_TRUNC is accepted but leaves an existing file's size and contents
// unchanged.
func (v *VFS) Open(path string, base fscore.InodeIdentifier, flags int, mode uint16) (*FileDescriptor, error) {
	rf := ResolveFlags{
		NoFollow:        flags&unix.O_NOFOLLOW != 0,
		NoFollowNoError: false,
	}
	resolved, err := v.Resolve(path, base, rf)
	if err == errno.ENOENT && flags&unix.O_CREAT != 0 {
		return v.create(path, base, flags, mode)
	}
	if err != nil {
		return nil, err
	}
	if flags&unix.O_CREAT != 0 && flags&unix.O_EXCL != 0 {
		return nil, errno.EEXIST
	}
	meta, err := resolved.Inode.Metadata()
	if err != nil {
		return nil, err
	}
	if flags&unix.O_DIRECTORY != 0 && !meta.IsDir() {
		return nil, errno.ENOTDIR
	}
	if meta.IsDir() && (flags&(unix.O_WRONLY|unix.O_RDWR) != 0) {
		return nil, errno.EISDIR
	}
	if flags&unix.O_TRUNC != 0 && !meta.IsDir() {
		if _, err := resolved.Inode.WriteBytes(0, nil); err != nil {
			return nil, err
		}
	}
	return &FileDescriptor{v: v, inode: resolved.Inode, id: resolved.InodeID, flags: flags}, nil
}

func (v *VFS) create(path string, base fscore.InodeIdentifier, flags int, mode uint16) (*FileDescriptor, error) {
	dir, name := splitDirAndBase(path)
	parent, err := v.Resolve(dir, base, ResolveFlags{})
	if err != nil {
		return nil, err
	}
	parentMeta, err := parent.Inode.Metadata()
	if err != nil {
		return nil, err
	}
	if !parentMeta.IsDir() {
		return nil, errno.ENOTDIR
	}
	fs := parent.InodeID.FS()
	if fs == nil {
		return nil, errno.ENOENT
	}
	childID, err := fs.CreateInode(parent.InodeID, name, (mode&^0170000)|0100000, 0)
	if err != nil {
		return nil, err
	}
	in, ok := childID.Inode()
	if !ok {
		return nil, errno.ENOENT
	}
	return &FileDescriptor{v: v, inode: in, id: childID, flags: flags}, nil
}

func splitDirAndBase(path string) (dir string, base string) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return "/", ""
	}
	base = comps[len(comps)-1]
	if len(comps) == 1 {
		return "/", base
	}
	dir = "/"
	for _, c := range comps[:len(comps)-1] {
		dir = joinPath(dir, c)
	}
	return dir, base
}

// Read fills buf from the descriptor's current offset and advances it
// by the number of bytes actually read.
func (fd *FileDescriptor) Read(buf []byte) (int, error) {
	n, err := fd.inode.ReadBytes(fd.offset, buf)
	fd.offset += int64(n)
	return n, err
}

// Write appends or overwrites at the descriptor's current offset
// (or at EOF, if opened O_APPEND) and advances the offset by the
// number of bytes written.
func (fd *FileDescriptor) Write(data []byte) (int, error) {
	off := fd.offset
	if fd.flags&unix.O_APPEND != 0 {
		meta, err := fd.inode.Metadata()
		if err != nil {
			return 0, err
		}
		off = int64(meta.Size)
	}
	n, err := fd.inode.WriteBytes(off, data)
	fd.offset = off + int64(n)
	return n, err
}

// Seek repositions the descriptor per whence (SeekSet/SeekCur/SeekEnd).
func (fd *FileDescriptor) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case SeekSet:
		fd.offset = offset
	case SeekCur:
		fd.offset += offset
	case SeekEnd:
		meta, err := fd.inode.Metadata()
		if err != nil {
			return 0, err
		}
		fd.offset = int64(meta.Size) + offset
	default:
		return 0, errno.EINVAL
	}
	if fd.offset < 0 {
		fd.offset = 0
		return 0, errno.EINVAL
	}
	return fd.offset, nil
}

// GetDirEntries returns the next batch of directory entries, starting
// where the previous call left off, in on-disk order.
func (fd *FileDescriptor) GetDirEntries(max int) ([]fscore.DirectoryEntry, error) {
	meta, err := fd.inode.Metadata()
	if err != nil {
		return nil, err
	}
	if !meta.IsDir() {
		return nil, errno.ENOTDIR
	}
	var all []fscore.DirectoryEntry
	if err := fd.inode.Traverse(func(de fscore.DirectoryEntry) bool {
		all = append(all, de)
		return true
	}); err != nil {
		return nil, err
	}
	if fd.dirPos >= len(all) {
		return nil, nil
	}
	end := fd.dirPos + max
	if max <= 0 || end > len(all) {
		end = len(all)
	}
	out := all[fd.dirPos:end]
	fd.dirPos = end
	return out, nil
}

func (fd *FileDescriptor) Identifier() fscore.InodeIdentifier { return fd.id }
