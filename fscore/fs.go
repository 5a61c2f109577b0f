package fscore

import "time"

// FileType mirrors the ext2_dir_entry_2 file_type byte, reused across
// the VFS layer so it need not know about any one on-disk encoding.
type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeRegular
	FileTypeDirectory
	FileTypeCharDevice
	FileTypeBlockDevice
	FileTypeFIFO
	FileTypeSocket
	FileTypeSymlink
)

// Metadata is the subset of on-disk inode attributes every filesystem
// implementation must be able to report, independent of its own layout.
type Metadata struct {
	Mode       uint16
	UID        uint32
	GID        uint32
	Size       uint64
	ATime      time.Time
	MTime      time.Time
	CTime      time.Time
	LinksCount uint16
	BlockCount uint64 // 512-byte units, matching i_blocks
	Major      uint32
	Minor      uint32
}

func (m Metadata) IsDir() bool     { return m.Mode&0xF000 == 0x4000 }
func (m Metadata) IsSymlink() bool { return m.Mode&0xF000 == 0xA000 }

// DirectoryEntry is one on-disk directory record, format-agnostic.
type DirectoryEntry struct {
	Name     string
	Inode    InodeIdentifier
	FileType FileType
}

// FS is the abstract capability set a virtual filesystem layer needs
// from a mounted filesystem instance. See spec §3's "FS (abstract)".
type FS interface {
	// ID is this filesystem instance's globally unique id, assigned by
	// the registry at construction time.
	ID() uint32
	// RootInodeID is the identifier of this filesystem's root directory.
	RootInodeID() InodeIdentifier
	// GetInode returns a handle to the inode at the given index within
	// this filesystem, or (nil, false) if it does not exist.
	GetInode(index uint32) (Inode, bool)
	// CreateInode allocates and initializes a new inode of the given
	// mode as a child of parent, with the given initial size.
	CreateInode(parent InodeIdentifier, name string, mode uint16, size uint64) (InodeIdentifier, error)
	// CreateDirectory is CreateInode specialized for directories: it
	// also wires up "." and ".." and the parent link-count bump.
	CreateDirectory(parent InodeIdentifier, name string, mode uint16) (InodeIdentifier, error)
	// Sync flushes all dirty superblock/group-descriptor/inode/block
	// state to the backing device.
	Sync() error
	// ReadOnly reports whether mutating operations should fail EROFS.
	ReadOnly() bool
}

// Inode is the abstract capability set the VFS needs from one inode,
// regardless of which FS implementation produced it. See spec §3's
// "Ext2Inode (in-memory)" and §9's InodeOps capability set.
type Inode interface {
	Identifier() InodeIdentifier
	Metadata() (Metadata, error)

	ReadBytes(offset int64, buf []byte) (int, error)
	WriteBytes(offset int64, data []byte) (int, error)

	// Traverse walks directory entries in on-disk order, invoking fn for
	// each live entry (inode != 0); it stops early if fn returns false.
	Traverse(fn func(DirectoryEntry) bool) error
	// Lookup resolves a single child name via the directory-lookup cache,
	// populating it from Traverse on first use.
	Lookup(name string) (InodeIdentifier, bool, error)
	AddChild(child InodeIdentifier, name string, ft FileType) error
	RemoveChild(name string) error

	IncrementLinkCount() error
	DecrementLinkCount() error

	ReadLink() (string, error)

	Chmod(mode uint16) error
	Chown(uid, gid int64) error
	Utime(atime, mtime time.Time) error

	// FlushMetadata writes back the in-memory inode record.
	FlushMetadata() error
}
