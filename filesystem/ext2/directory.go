package ext2

import (
	"encoding/binary"

	"github.com/gokernel/ext2fs/errno"
	"github.com/gokernel/ext2fs/fscore"
)

// dirEntryHeaderSize is the fixed portion of ext2_dir_entry_2, before
// the variable-length name.
const dirEntryHeaderSize = 8

func dirEntryRecLen(nameLen int) uint16 {
	n := dirEntryHeaderSize + nameLen
	// round up to a 4-byte boundary
	return uint16((n + 3) &^ 3)
}

func fileTypeToDirEntryByte(ft fscore.FileType) uint8 {
	switch ft {
	case fscore.FileTypeRegular:
		return 1
	case fscore.FileTypeDirectory:
		return 2
	case fscore.FileTypeCharDevice:
		return 3
	case fscore.FileTypeBlockDevice:
		return 4
	case fscore.FileTypeFIFO:
		return 5
	case fscore.FileTypeSocket:
		return 6
	case fscore.FileTypeSymlink:
		return 7
	default:
		return 0
	}
}

func dirEntryByteToFileType(b uint8) fscore.FileType {
	switch b {
	case 1:
		return fscore.FileTypeRegular
	case 2:
		return fscore.FileTypeDirectory
	case 3:
		return fscore.FileTypeCharDevice
	case 4:
		return fscore.FileTypeBlockDevice
	case 5:
		return fscore.FileTypeFIFO
	case 6:
		return fscore.FileTypeSocket
	case 7:
		return fscore.FileTypeSymlink
	default:
		return fscore.FileTypeUnknown
	}
}

// parsedDirEntry is one decoded ext2_dir_entry_2 record plus its
// absolute byte offset within the directory's data, needed to rewrite
// it in place (AddChild reusing a tombstone, RemoveChild turning an
// entry into one).
type parsedDirEntry struct {
	offset   int
	inode    uint32
	recLen   uint16
	fileType uint8
	name     string
}

func parseDirectoryBlock(data []byte, baseOffset int, out *[]parsedDirEntry) {
	pos := 0
	for pos+dirEntryHeaderSize <= len(data) {
		inode := binary.LittleEndian.Uint32(data[pos:])
		recLen := binary.LittleEndian.Uint16(data[pos+4:])
		nameLen := int(data[pos+6])
		fileType := data[pos+7]
		if recLen < dirEntryHeaderSize || pos+int(recLen) > len(data) {
			break
		}
		name := ""
		if inode != 0 && nameLen > 0 {
			name = string(data[pos+8 : pos+8+nameLen])
		}
		*out = append(*out, parsedDirEntry{
			offset:   baseOffset + pos,
			inode:    inode,
			recLen:   recLen,
			fileType: fileType,
			name:     name,
		})
		pos += int(recLen)
	}
}

// parseDirectory decodes every directory record (including unused
// "tombstone" slots left behind by a removed entry, which keep
// inode==0) in on-disk order, one parse pass per blockSize-aligned
// block since ext2 never lets a record span a block boundary.
func (fs *Ext2FS) parseDirectory(data []byte) []parsedDirEntry {
	bs := int(fs.sb.blockSize())
	var entries []parsedDirEntry
	for off := 0; off < len(data); off += bs {
		end := off + bs
		if end > len(data) {
			end = len(data)
		}
		parseDirectoryBlock(data[off:end], off, &entries)
	}
	return entries
}

func encodeDirectory(bs int, entries []parsedDirEntry) []byte {
	// total size is a multiple of bs already, by construction of
	// initializeDirectory/addChild which always give the last entry of
	// each block a rec_len reaching the end of that block.
	maxOffset := 0
	for _, e := range entries {
		if e.offset+int(e.recLen) > maxOffset {
			maxOffset = e.offset + int(e.recLen)
		}
	}
	size := ((maxOffset + bs - 1) / bs) * bs
	if size == 0 {
		size = bs
	}
	out := make([]byte, size)
	for _, e := range entries {
		binary.LittleEndian.PutUint32(out[e.offset:], e.inode)
		binary.LittleEndian.PutUint16(out[e.offset+4:], e.recLen)
		out[e.offset+6] = uint8(len(e.name))
		out[e.offset+7] = e.fileType
		copy(out[e.offset+8:], e.name)
	}
	return out
}

// initializeDirectory lays down "." and ".." in a freshly allocated,
// otherwise-empty directory inode, the way spec §4.2.6 describes a
// new directory's first block.
func (fs *Ext2FS) initializeDirectory(in *Inode, parentIndex uint32) error {
	bs := int(fs.sb.blockSize())
	dotRecLen := dirEntryRecLen(1)
	entries := []parsedDirEntry{
		{offset: 0, inode: in.index, recLen: dotRecLen, fileType: fileTypeToDirEntryByte(fscore.FileTypeDirectory), name: "."},
		{offset: int(dotRecLen), inode: parentIndex, recLen: uint16(bs) - dotRecLen, fileType: fileTypeToDirEntryByte(fscore.FileTypeDirectory), name: ".."},
	}
	return fs.writeDirectoryInode(in, entries)
}

// writeDirectoryInode serializes entries and replaces the directory
// inode's data wholesale via writeInodeData.
func (fs *Ext2FS) writeDirectoryInode(in *Inode, entries []parsedDirEntry) error {
	bs := int(fs.sb.blockSize())
	data := encodeDirectory(bs, entries)
	if err := fs.writeInodeData(in, data); err != nil {
		return err
	}
	in.raw.mode = (in.raw.mode &^ modeFmt) | modeDir
	return nil
}

// Traverse walks in's directory entries in on-disk order (spec's
// Inode.Traverse), skipping tombstones (inode == 0).
func (in *Inode) Traverse(fn func(fscore.DirectoryEntry) bool) error {
	if !in.isDirMode() {
		return errno.ENOTDIR
	}
	data, err := in.fs.readInodeData(in)
	if err != nil {
		return err
	}
	for _, e := range in.fs.parseDirectory(data) {
		if e.inode == 0 {
			continue
		}
		de := fscore.DirectoryEntry{
			Name:     e.name,
			Inode:    fscore.InodeIdentifier{FSID: in.fs.id, Index: e.inode},
			FileType: dirEntryByteToFileType(e.fileType),
		}
		if !fn(de) {
			break
		}
	}
	return nil
}

// isDirMode avoids calling the exported Metadata() (which never
// errors for ext2 but still returns the two-value fscore signature)
// from internal hot paths.
func (in *Inode) isDirMode() bool {
	return in.raw.mode&modeFmt == modeDir
}

func (in *Inode) loadDirCache() error {
	in.dirMu.Lock()
	defer in.dirMu.Unlock()
	if in.dirCache != nil {
		return nil
	}
	cache := make(map[string]fscore.DirectoryEntry)
	err := in.Traverse(func(de fscore.DirectoryEntry) bool {
		cache[de.Name] = de
		return true
	})
	if err != nil {
		return err
	}
	in.dirCache = cache
	return nil
}

// Lookup resolves name via the directory-lookup cache, populating it
// from Traverse on first use (spec's "directory lookup cache").
func (in *Inode) Lookup(name string) (fscore.InodeIdentifier, bool, error) {
	if !in.isDirMode() {
		return fscore.InodeIdentifier{}, false, errno.ENOTDIR
	}
	if err := in.loadDirCache(); err != nil {
		return fscore.InodeIdentifier{}, false, err
	}
	in.dirMu.Lock()
	de, ok := in.dirCache[name]
	in.dirMu.Unlock()
	if !ok {
		return fscore.InodeIdentifier{}, false, nil
	}
	return de.Inode, true, nil
}

// AddChild inserts a new directory entry, reusing a tombstone slot
// whose rec_len is large enough before growing the directory by one
// block, matching spec's "first-fit within existing slack, else
// append a block" allocation strategy.
func (in *Inode) AddChild(child fscore.InodeIdentifier, name string, ft fscore.FileType) error {
	fs := in.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return in.addChildLocked(child, name, ft)
}

// addChildLocked is AddChild's body, callable from create paths that
// already hold fs.mu.
func (in *Inode) addChildLocked(child fscore.InodeIdentifier, name string, ft fscore.FileType) error {
	fs := in.fs
	if err := checkWritable(fs); err != nil {
		return err
	}
	if len(name) > 255 {
		return errno.ENAMETOOLONG
	}
	if !in.isDirMode() {
		return errno.ENOTDIR
	}

	data, err := fs.readInodeData(in)
	if err != nil {
		return err
	}
	entries := fs.parseDirectory(data)
	needed := dirEntryRecLen(len(name))

	for i, e := range entries {
		if e.inode != 0 {
			continue
		}
		if e.recLen < needed {
			continue
		}
		entries[i] = parsedDirEntry{
			offset:   e.offset,
			inode:    child.Index,
			recLen:   e.recLen,
			fileType: fileTypeToDirEntryByte(ft),
			name:     name,
		}
		if err := fs.writeDirectoryInode(in, entries); err != nil {
			return err
		}
		in.invalidateDirCache()
		return nil
	}

	bs := int(fs.sb.blockSize())
	newOffset := len(data)
	entries = append(entries, parsedDirEntry{
		offset:   newOffset,
		inode:    child.Index,
		recLen:   uint16(bs),
		fileType: fileTypeToDirEntryByte(ft),
		name:     name,
	})
	if err := fs.writeDirectoryInode(in, entries); err != nil {
		return err
	}
	in.invalidateDirCache()
	return nil
}

// RemoveChild turns name's directory entry into a tombstone (inode 0)
// so later AddChild calls can reclaim its slot; it never shrinks the
// directory, matching ext2's own unlink behavior.
func (in *Inode) RemoveChild(name string) error {
	fs := in.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := checkWritable(fs); err != nil {
		return err
	}
	if !in.isDirMode() {
		return errno.ENOTDIR
	}

	data, err := fs.readInodeData(in)
	if err != nil {
		return err
	}
	entries := fs.parseDirectory(data)
	found := false
	for i, e := range entries {
		if e.inode != 0 && e.name == name {
			entries[i].inode = 0
			entries[i].name = ""
			found = true
			break
		}
	}
	if !found {
		return errno.ENOENT
	}
	if err := fs.writeDirectoryInode(in, entries); err != nil {
		return err
	}
	in.invalidateDirCache()
	return nil
}

func (in *Inode) invalidateDirCache() {
	in.dirMu.Lock()
	in.dirCache = nil
	in.dirMu.Unlock()
}
