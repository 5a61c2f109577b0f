package ext2

import (
	"fmt"
	"sync"
	"time"

	"github.com/gokernel/ext2fs/fscore"
)

// locateInode returns the block index holding inode's record and the
// byte offset within that block (spec §4.2.2,
// "read_block_containing_inode"). Records are laid out every
// superblock.inodeSize bytes.
func (fs *Ext2FS) locateInode(index uint32) (blockIndex uint64, byteOffset int) {
	group, offset := fs.inodeToGroupAndOffset(index)
	stride := uint64(fs.sb.inodeSize)
	if stride < rawInodeSize {
		stride = rawInodeSize
	}
	bytePos := uint64(offset) * stride
	blockIndex = uint64(fs.gds[group].inodeTable) + bytePos/uint64(fs.sb.blockSize())
	byteOffset = int(bytePos % uint64(fs.sb.blockSize()))
	return
}

func (fs *Ext2FS) readRawInode(index uint32) (rawInode, error) {
	blockIndex, off := fs.locateInode(index)
	b, err := fs.dev.ReadBlock(blockIndex)
	if err != nil {
		return rawInode{}, err
	}
	return rawInodeFromBytes(b[off : off+rawInodeSize]), nil
}

func (fs *Ext2FS) writeRawInode(index uint32, ri rawInode) error {
	blockIndex, off := fs.locateInode(index)
	b, err := fs.dev.ReadBlock(blockIndex)
	if err != nil {
		return err
	}
	encoded := ri.toBytes()
	copy(b[off:off+rawInodeSize], encoded[:])
	return fs.dev.WriteBlock(blockIndex, b)
}

// newInode builds a fresh in-memory inode record for a just-allocated
// inode number and registers its wrapper in the per-filesystem cache,
// but does not yet persist it; the caller writes it once fully
// populated.
func (fs *Ext2FS) newInode(index uint32, mode uint16, uid, gid uint16) (*Inode, error) {
	now := toUnixTime(time.Now())
	ri := rawInode{
		mode:       mode,
		uid:        uid,
		gid:        gid,
		atime:      now,
		ctime:      now,
		mtime:      now,
		linksCount: 1,
	}
	in := &Inode{
		fs:    fs,
		index: index,
		raw:   ri,
	}
	fs.inodesMu.Lock()
	fs.inodes[index] = in
	fs.inodesMu.Unlock()
	return in, nil
}

// GetInode returns the cached Inode wrapper for index, reading its raw
// record from disk on first access, per fscore.FS.
func (fs *Ext2FS) GetInode(index uint32) (fscore.Inode, bool) {
	fs.inodesMu.Lock()
	if in, ok := fs.inodes[index]; ok {
		fs.inodesMu.Unlock()
		return in, true
	}
	fs.inodesMu.Unlock()

	ri, err := fs.readRawInode(index)
	if err != nil {
		return nil, false
	}
	if ri.linksCount == 0 {
		return nil, false
	}
	in := &Inode{fs: fs, index: index, raw: ri}

	fs.inodesMu.Lock()
	if existing, ok := fs.inodes[index]; ok {
		fs.inodesMu.Unlock()
		return existing, true
	}
	fs.inodes[index] = in
	fs.inodesMu.Unlock()
	return in, true
}

func (fs *Ext2FS) dropInodeFromCache(index uint32) {
	fs.inodesMu.Lock()
	delete(fs.inodes, index)
	fs.inodesMu.Unlock()
}

// cachedOrLoadInode returns the resident wrapper for index, loading
// its raw record from disk and caching it if this is the first
// access. Every call site that needs an *Inode during a structural
// mutation (already holding fs.mu) goes through this instead of
// touching fs.inodes directly, so the inode cache's own invariants
// stay owned by inodesMu regardless of which lock the caller holds.
func (fs *Ext2FS) cachedOrLoadInode(index uint32) (*Inode, error) {
	fs.inodesMu.Lock()
	if in, ok := fs.inodes[index]; ok {
		fs.inodesMu.Unlock()
		return in, nil
	}
	fs.inodesMu.Unlock()

	ri, err := fs.readRawInode(index)
	if err != nil {
		return nil, err
	}
	in := &Inode{fs: fs, index: index, raw: ri}
	fs.inodesMu.Lock()
	if existing, ok := fs.inodes[index]; ok {
		fs.inodesMu.Unlock()
		return existing, nil
	}
	fs.inodes[index] = in
	fs.inodesMu.Unlock()
	return in, nil
}

// Inode is the fscore.Inode implementation wrapping one ext2 on-disk
// inode record, plus the in-memory identity (fs + index) needed to
// read and mutate it. All exported methods serialize structural
// mutation through fs.mu; Metadata/ReadBytes calls on already-resident
// data do not, matching spec §5's lock discipline.
type Inode struct {
	fs    *Ext2FS
	index uint32
	raw   rawInode

	dirMu    sync.Mutex
	dirCache map[string]fscore.DirectoryEntry
}

var _ fscore.Inode = (*Inode)(nil)

func (in *Inode) Identifier() fscore.InodeIdentifier {
	return fscore.InodeIdentifier{FSID: in.fs.id, Index: in.index}
}

func (in *Inode) Metadata() (fscore.Metadata, error) {
	m := fscore.Metadata{
		Mode:       in.raw.mode,
		UID:        uint32(in.raw.uid),
		GID:        uint32(in.raw.gid),
		Size:       in.raw.size(),
		ATime:      unixTime(in.raw.atime),
		MTime:      unixTime(in.raw.mtime),
		CTime:      unixTime(in.raw.ctime),
		LinksCount: in.raw.linksCount,
		BlockCount: uint64(in.raw.blocks),
	}
	if in.raw.mode&modeFmt == modeChar || in.raw.mode&modeFmt == modeBlock {
		m.Major = devMajor(in.raw.block[0])
		m.Minor = devMinor(in.raw.block[0])
	}
	return m, nil
}

func (in *Inode) flush() error {
	return in.fs.writeRawInode(in.index, in.raw)
}

func (in *Inode) FlushMetadata() error {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	return in.flush()
}

func (in *Inode) Chmod(mode uint16) error {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	if err := checkWritable(in.fs); err != nil {
		return err
	}
	in.raw.mode = (in.raw.mode & modeFmt) | (mode &^ modeFmt)
	in.raw.ctime = toUnixTime(time.Now())
	return in.flush()
}

func (in *Inode) Chown(uid, gid int64) error {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	if err := checkWritable(in.fs); err != nil {
		return err
	}
	if uid >= 0 {
		in.raw.uid = uint16(uid)
	}
	if gid >= 0 {
		in.raw.gid = uint16(gid)
	}
	in.raw.ctime = toUnixTime(time.Now())
	return in.flush()
}

func (in *Inode) Utime(atime, mtime time.Time) error {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	if err := checkWritable(in.fs); err != nil {
		return err
	}
	in.raw.atime = toUnixTime(atime)
	in.raw.mtime = toUnixTime(mtime)
	in.raw.ctime = toUnixTime(time.Now())
	return in.flush()
}

func (in *Inode) IncrementLinkCount() error {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	if err := checkWritable(in.fs); err != nil {
		return err
	}
	if in.raw.linksCount >= 65000 {
		return fmt.Errorf("ext2: inode %d: link count limit reached", in.index)
	}
	in.raw.linksCount++
	return in.flush()
}

func (in *Inode) DecrementLinkCount() error {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()
	if err := checkWritable(in.fs); err != nil {
		return err
	}
	in.raw.linksCount--
	if in.raw.linksCount == 0 {
		return in.fs.freeInode(in)
	}
	return in.flush()
}

func devMajor(encoded uint32) uint32 { return unpackDeviceMajor(encoded) }
func devMinor(encoded uint32) uint32 { return unpackDeviceMinor(encoded) }
