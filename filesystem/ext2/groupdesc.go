package ext2

import "encoding/binary"

// groupDescSize is the on-disk size of one 32-bit block group
// descriptor (ext2 rev0/rev1, no 64-bit feature).
const groupDescSize = 32

const (
	gdOffBlockBitmap    = 0
	gdOffInodeBitmap    = 4
	gdOffInodeTable     = 8
	gdOffFreeBlocksCount = 12
	gdOffFreeInodesCount = 14
	gdOffUsedDirsCount   = 16
)

// groupDescriptor mirrors one entry of the Block Group Descriptor
// Table (spec §4.2.1). There is one per block group, laid out
// contiguously starting at sb.bgdtBlock().
type groupDescriptor struct {
	blockBitmap     uint32
	inodeBitmap     uint32
	inodeTable      uint32
	freeBlocksCount uint16
	freeInodesCount uint16
	usedDirsCount   uint16
	// pad and reserved bytes are preserved via raw so an exotic BGDT
	// written by another rev0/rev1 implementation round-trips intact.
	raw [groupDescSize]byte
}

func groupDescriptorFromBytes(b []byte) groupDescriptor {
	le := binary.LittleEndian
	var gd groupDescriptor
	copy(gd.raw[:], b[:groupDescSize])
	gd.blockBitmap = le.Uint32(b[gdOffBlockBitmap:])
	gd.inodeBitmap = le.Uint32(b[gdOffInodeBitmap:])
	gd.inodeTable = le.Uint32(b[gdOffInodeTable:])
	gd.freeBlocksCount = le.Uint16(b[gdOffFreeBlocksCount:])
	gd.freeInodesCount = le.Uint16(b[gdOffFreeInodesCount:])
	gd.usedDirsCount = le.Uint16(b[gdOffUsedDirsCount:])
	return gd
}

func (gd groupDescriptor) toBytes() [groupDescSize]byte {
	out := gd.raw
	le := binary.LittleEndian
	le.PutUint32(out[gdOffBlockBitmap:], gd.blockBitmap)
	le.PutUint32(out[gdOffInodeBitmap:], gd.inodeBitmap)
	le.PutUint32(out[gdOffInodeTable:], gd.inodeTable)
	le.PutUint16(out[gdOffFreeBlocksCount:], gd.freeBlocksCount)
	le.PutUint16(out[gdOffFreeInodesCount:], gd.freeInodesCount)
	le.PutUint16(out[gdOffUsedDirsCount:], gd.usedDirsCount)
	return out
}

// bgdtBlockSpan returns how many blocks the group descriptor table
// occupies for a filesystem with the given group count and block size.
func bgdtBlockSpan(groupCount uint32, blockSize uint32) uint64 {
	bytesNeeded := uint64(groupCount) * groupDescSize
	blocks := (bytesNeeded + uint64(blockSize) - 1) / uint64(blockSize)
	if blocks == 0 {
		blocks = 1
	}
	return blocks
}

// readGroupDescriptorTable reads and decodes every group descriptor.
func readGroupDescriptorTable(dev device, sb *superblock) ([]groupDescriptor, error) {
	groupCount := sb.blockGroupCount()
	span := bgdtBlockSpan(groupCount, sb.blockSize())
	buf, err := dev.ReadBlocks(sb.bgdtBlock(), int(span))
	if err != nil {
		return nil, err
	}
	gds := make([]groupDescriptor, groupCount)
	for i := uint32(0); i < groupCount; i++ {
		off := int(i) * groupDescSize
		gds[i] = groupDescriptorFromBytes(buf[off : off+groupDescSize])
	}
	return gds, nil
}

// writeGroupDescriptorTable serializes and writes the full BGDT back.
func writeGroupDescriptorTable(dev device, sb *superblock, gds []groupDescriptor) error {
	span := bgdtBlockSpan(sb.blockGroupCount(), sb.blockSize())
	buf := make([]byte, span*uint64(sb.blockSize()))
	for i, gd := range gds {
		b := gd.toBytes()
		copy(buf[i*groupDescSize:], b[:])
	}
	return dev.WriteBlocks(sb.bgdtBlock(), int(span), buf)
}
