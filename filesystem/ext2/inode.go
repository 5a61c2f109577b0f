package ext2

import (
	"encoding/binary"

	"github.com/gokernel/ext2fs/fscore"
)

// rawInodeSize is the on-disk record size this engine reads/writes.
// ext2 rev1 allows a configurable s_inode_size; the engine honors
// whatever the superblock reports (superblock.inodeSize) but always
// decodes/encodes only the first rawInodeSize bytes of each record,
// leaving any larger-inode extra space untouched.
const rawInodeSize = 128

const (
	inOffMode       = 0
	inOffUID        = 2
	inOffSizeLo     = 4
	inOffATime      = 8
	inOffCTime      = 12
	inOffMTime      = 16
	inOffDTime      = 20
	inOffGID        = 24
	inOffLinksCount = 26
	inOffBlocks     = 28
	inOffFlags      = 32
	inOffBlock      = 40 // 15 * uint32
	inOffGeneration = 100
	inOffFileACL    = 104
	inOffSizeHigh   = 108 // dir_acl for regular files; size-high for files if feature present
)

const directBlockCount = 12
const (
	singlyIndirectIndex = 12
	doublyIndirectIndex = 13
	triplyIndirectIndex = 14
	blockPointerCount   = 15
)

// Linux-compatible S_IF* constants, used both in i_mode and for the
// ext2_dir_entry_2 file_type byte translation.
const (
	modeFmt    uint16 = 0170000
	modeFIFO   uint16 = 0010000
	modeChar   uint16 = 0020000
	modeDir    uint16 = 0040000
	modeBlock  uint16 = 0060000
	modeRegular uint16 = 0100000
	modeSymlink uint16 = 0120000
	modeSocket  uint16 = 0140000
)

// rawInode is the 128-byte on-disk inode record (spec §4.2.2 /
// ext2_inode), decoded into named fields plus a block pointer array.
type rawInode struct {
	mode        uint16
	uid         uint16
	sizeLo      uint32
	atime       uint32
	ctime       uint32
	mtime       uint32
	dtime       uint32
	gid         uint16
	linksCount  uint16
	blocks      uint32 // 512-byte sectors, matching Linux's i_blocks convention
	flags       uint32
	block       [blockPointerCount]uint32
	generation  uint32
	fileACL     uint32
	sizeHigh    uint32
}

func rawInodeFromBytes(b []byte) rawInode {
	le := binary.LittleEndian
	var ri rawInode
	ri.mode = le.Uint16(b[inOffMode:])
	ri.uid = le.Uint16(b[inOffUID:])
	ri.sizeLo = le.Uint32(b[inOffSizeLo:])
	ri.atime = le.Uint32(b[inOffATime:])
	ri.ctime = le.Uint32(b[inOffCTime:])
	ri.mtime = le.Uint32(b[inOffMTime:])
	ri.dtime = le.Uint32(b[inOffDTime:])
	ri.gid = le.Uint16(b[inOffGID:])
	ri.linksCount = le.Uint16(b[inOffLinksCount:])
	ri.blocks = le.Uint32(b[inOffBlocks:])
	ri.flags = le.Uint32(b[inOffFlags:])
	for i := 0; i < blockPointerCount; i++ {
		ri.block[i] = le.Uint32(b[inOffBlock+4*i:])
	}
	ri.generation = le.Uint32(b[inOffGeneration:])
	ri.fileACL = le.Uint32(b[inOffFileACL:])
	ri.sizeHigh = le.Uint32(b[inOffSizeHigh:])
	return ri
}

func (ri rawInode) toBytes() [rawInodeSize]byte {
	var out [rawInodeSize]byte
	le := binary.LittleEndian
	le.PutUint16(out[inOffMode:], ri.mode)
	le.PutUint16(out[inOffUID:], ri.uid)
	le.PutUint32(out[inOffSizeLo:], ri.sizeLo)
	le.PutUint32(out[inOffATime:], ri.atime)
	le.PutUint32(out[inOffCTime:], ri.ctime)
	le.PutUint32(out[inOffMTime:], ri.mtime)
	le.PutUint32(out[inOffDTime:], ri.dtime)
	le.PutUint16(out[inOffGID:], ri.gid)
	le.PutUint16(out[inOffLinksCount:], ri.linksCount)
	le.PutUint32(out[inOffBlocks:], ri.blocks)
	le.PutUint32(out[inOffFlags:], ri.flags)
	for i := 0; i < blockPointerCount; i++ {
		le.PutUint32(out[inOffBlock+4*i:], ri.block[i])
	}
	le.PutUint32(out[inOffGeneration:], ri.generation)
	le.PutUint32(out[inOffFileACL:], ri.fileACL)
	le.PutUint32(out[inOffSizeHigh:], ri.sizeHigh)
	return out
}

func (ri rawInode) size() uint64 {
	size := uint64(ri.sizeLo)
	if ri.mode&modeFmt == modeRegular {
		size |= uint64(ri.sizeHigh) << 32
	}
	return size
}

func (ri *rawInode) setSize(n uint64) {
	ri.sizeLo = uint32(n)
	if ri.mode&modeFmt == modeRegular {
		ri.sizeHigh = uint32(n >> 32)
	}
}

func fileTypeFromMode(mode uint16) fscore.FileType {
	switch mode & modeFmt {
	case modeRegular:
		return fscore.FileTypeRegular
	case modeDir:
		return fscore.FileTypeDirectory
	case modeChar:
		return fscore.FileTypeCharDevice
	case modeBlock:
		return fscore.FileTypeBlockDevice
	case modeFIFO:
		return fscore.FileTypeFIFO
	case modeSocket:
		return fscore.FileTypeSocket
	case modeSymlink:
		return fscore.FileTypeSymlink
	default:
		return fscore.FileTypeUnknown
	}
}
