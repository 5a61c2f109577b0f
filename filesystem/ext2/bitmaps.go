package ext2

import (
	"fmt"

	"github.com/gokernel/ext2fs/errno"
	"github.com/gokernel/ext2fs/util/bitmap"
)

// readBlockBitmap loads the block-allocation bitmap for one group. The
// on-disk bitmap spans exactly one block regardless of how many of its
// bits are meaningful (spec §4.2.1: padding bits beyond the group's
// actual block count are always 1, "allocated", so they are never
// handed out).
func (fs *Ext2FS) readBlockBitmap(group uint32) (*bitmap.Bitmap, error) {
	b, err := fs.dev.ReadBlock(uint64(fs.gds[group].blockBitmap))
	if err != nil {
		return nil, err
	}
	return bitmap.FromBytes(b), nil
}

func (fs *Ext2FS) writeBlockBitmap(group uint32, bm *bitmap.Bitmap) error {
	buf := bm.ToBytes()
	if uint32(len(buf)) < fs.sb.blockSize() {
		padded := make([]byte, fs.sb.blockSize())
		copy(padded, buf)
		buf = padded
	}
	return fs.dev.WriteBlock(uint64(fs.gds[group].blockBitmap), buf)
}

func (fs *Ext2FS) readInodeBitmap(group uint32) (*bitmap.Bitmap, error) {
	b, err := fs.dev.ReadBlock(uint64(fs.gds[group].inodeBitmap))
	if err != nil {
		return nil, err
	}
	return bitmap.FromBytes(b), nil
}

func (fs *Ext2FS) writeInodeBitmap(group uint32, bm *bitmap.Bitmap) error {
	buf := bm.ToBytes()
	if uint32(len(buf)) < fs.sb.blockSize() {
		padded := make([]byte, fs.sb.blockSize())
		copy(padded, buf)
		buf = padded
	}
	return fs.dev.WriteBlock(uint64(fs.gds[group].inodeBitmap), buf)
}

// blockToGroupAndOffset converts an absolute block index into the
// group containing it, and the bit offset within that group's bitmap.
func (fs *Ext2FS) blockToGroupAndOffset(blockIndex uint64) (group uint32, offset int) {
	rel := blockIndex - uint64(fs.sb.firstDataBlock)
	group = uint32(rel / uint64(fs.sb.blocksPerGroup))
	offset = int(rel % uint64(fs.sb.blocksPerGroup))
	return
}

// setBlockAllocationState toggles one block's bit and keeps the
// group descriptor's and superblock's free-block counters consistent
// with it, per spec §4.2.3 ("set_block_allocation_state").
func (fs *Ext2FS) setBlockAllocationState(blockIndex uint64, allocated bool) error {
	group, offset := fs.blockToGroupAndOffset(blockIndex)
	bm, err := fs.readBlockBitmap(group)
	if err != nil {
		return err
	}
	was, err := bm.IsSet(offset)
	if err != nil {
		return fmt.Errorf("ext2: block %d out of range for group %d: %w", blockIndex, group, err)
	}
	if was == allocated {
		return nil
	}
	if allocated {
		if err := bm.Set(offset); err != nil {
			return err
		}
		fs.gds[group].freeBlocksCount--
		fs.sb.freeBlocksCount--
	} else {
		if err := bm.Clear(offset); err != nil {
			return err
		}
		fs.gds[group].freeBlocksCount++
		fs.sb.freeBlocksCount++
	}
	return fs.writeBlockBitmap(group, bm)
}

// setInodeAllocationState toggles one inode's bit, 1-indexed at the
// filesystem level the way ext2 inode numbers are (spec §4.2.3,
// "set_inode_allocation_state").
func (fs *Ext2FS) setInodeAllocationState(index uint32, allocated bool) error {
	group, offset := fs.inodeToGroupAndOffset(index)
	bm, err := fs.readInodeBitmap(group)
	if err != nil {
		return err
	}
	was, err := bm.IsSet(offset)
	if err != nil {
		return fmt.Errorf("ext2: inode %d out of range for group %d: %w", index, group, err)
	}
	if was == allocated {
		return nil
	}
	if allocated {
		if err := bm.Set(offset); err != nil {
			return err
		}
		fs.gds[group].freeInodesCount--
		fs.sb.freeInodesCount--
	} else {
		if err := bm.Clear(offset); err != nil {
			return err
		}
		fs.gds[group].freeInodesCount++
		fs.sb.freeInodesCount++
	}
	return fs.writeInodeBitmap(group, bm)
}

func (fs *Ext2FS) inodeToGroupAndOffset(index uint32) (group uint32, offset int) {
	rel := index - 1
	group = rel / fs.sb.inodesPerGroup
	offset = int(rel % fs.sb.inodesPerGroup)
	return
}

// allocateBlocks hands out count free blocks. It walks groups starting
// from the group the previous successful block allocation finished in
// (lastAllocGroup), wrapping around, rather than always restarting the
// search at group 0, and takes free blocks from each group in turn until
// count have been found.
func (fs *Ext2FS) allocateBlocks(count int) ([]uint64, error) {
	if count <= 0 {
		return nil, nil
	}
	groupCount := fs.sb.blockGroupCount()
	out := make([]uint64, 0, count)

	start := fs.lastAllocGroup
	for i := uint32(0); i < groupCount; i++ {
		group := (start + i) % groupCount
		if fs.gds[group].freeBlocksCount == 0 {
			continue
		}
		bm, err := fs.readBlockBitmap(group)
		if err != nil {
			return nil, err
		}
		groupBlocks := int(blocksInGroup(fs.sb, group))
		search := 0
		for len(out) < count {
			bit := bm.FirstFree(search)
			if bit < 0 || bit >= groupBlocks {
				break
			}
			if err := bm.Set(bit); err != nil {
				return nil, err
			}
			fs.gds[group].freeBlocksCount--
			fs.sb.freeBlocksCount--
			out = append(out, firstBlockOfGroup(fs.sb, group)+uint64(bit))
			search = bit + 1
		}
		if err := fs.writeBlockBitmap(group, bm); err != nil {
			return nil, err
		}
		if len(out) == count {
			fs.lastAllocGroup = group
			return out, nil
		}
	}
	// Partial allocation: give back what was reserved so the caller
	// never has to unwind a half-satisfied request itself.
	for _, b := range out {
		fs.setBlockAllocationState(b, false)
	}
	return nil, errno.ENOSPC
}

// allocateInode hands out one free inode number. Like allocateBlocks it
// starts its group search at lastAllocGroup and wraps around, taking the
// first group from there that qualifies; it does not look for the last
// suitable group. neededBlocks is the
// caller's expected data-block count for the new inode (0 for none);
// a group is preferred only if it also has that many free blocks, so
// a file's inode and its data tend to land in the same group the way
// Orlov/"goal group" placement does, falling back to any group with a
// free inode if no group can satisfy both - block allocation itself
// is not confined to the inode's group, so that fallback never turns
// into a spurious ENOSPC.
func (fs *Ext2FS) allocateInode(neededBlocks int) (uint32, error) {
	groupCount := fs.sb.blockGroupCount()
	start := fs.lastAllocGroup
	for _, requireBlocks := range []bool{true, false} {
		if requireBlocks && neededBlocks == 0 {
			continue
		}
		for i := uint32(0); i < groupCount; i++ {
			group := (start + i) % groupCount
			if fs.gds[group].freeInodesCount == 0 {
				continue
			}
			if requireBlocks && uint32(fs.gds[group].freeBlocksCount) < uint32(neededBlocks) {
				continue
			}
			bm, err := fs.readInodeBitmap(group)
			if err != nil {
				return 0, err
			}
			bit := bm.FirstFree(0)
			if bit < 0 || bit >= int(fs.sb.inodesPerGroup) {
				continue
			}
			if err := bm.Set(bit); err != nil {
				return 0, err
			}
			fs.gds[group].freeInodesCount--
			fs.sb.freeInodesCount--
			if err := fs.writeInodeBitmap(group, bm); err != nil {
				return 0, err
			}
			return group*fs.sb.inodesPerGroup + uint32(bit) + 1, nil
		}
	}
	return 0, errno.ENOSPC
}

// formatBitmapsAndRoot is run once, by Create: it zeroes every group's
// bitmaps, marks the metadata blocks (bitmaps + inode table) and
// padding bits beyond a short last group as permanently allocated, and
// creates the root directory inode.
func (fs *Ext2FS) formatBitmapsAndRoot() error {
	groupCount := fs.sb.blockGroupCount()
	for g := uint32(0); g < groupCount; g++ {
		bm := bitmap.NewBits(int(fs.sb.blocksPerGroup))
		groupBlocks := int(blocksInGroup(fs.sb, g))
		firstFreeOffset := int(uint64(fs.gds[g].inodeTable)-firstBlockOfGroup(fs.sb, g)) + int(inodeTableBlockSpan(fs.sb.inodesPerGroup, fs.sb.blockSize()))
		for i := 0; i < firstFreeOffset; i++ {
			if err := bm.Set(i); err != nil {
				return err
			}
		}
		for i := groupBlocks; i < int(fs.sb.blocksPerGroup); i++ {
			if err := bm.Set(i); err != nil {
				return err
			}
		}
		if err := fs.writeBlockBitmap(g, bm); err != nil {
			return err
		}

		ibm := bitmap.NewBits(int(fs.sb.inodesPerGroup))
		if g == 0 {
			for i := 0; i < int(firstNonReservedInode-1); i++ {
				if err := ibm.Set(i); err != nil {
					return err
				}
			}
		}
		if err := fs.writeInodeBitmap(g, ibm); err != nil {
			return err
		}
	}

	root, err := fs.newInode(rootInode, modeDir|0755, 0, 0)
	if err != nil {
		return err
	}
	root.raw.linksCount = 2 // "." and the entry a parent would hold, even though root has no parent
	if err := fs.writeRawInode(rootInode, root.raw); err != nil {
		return err
	}
	fs.gds[0].usedDirsCount++
	return fs.initializeDirectory(root, rootInode)
}
