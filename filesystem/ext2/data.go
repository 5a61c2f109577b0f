package ext2

// readInodeData returns the full byte content addressed by in's block
// list, truncated to in.raw.size(). Holes (a zero block pointer) read
// back as zero bytes. Used by directory traversal and mutation, and by
// ReadLink for targets stored out of line.
func (fs *Ext2FS) readInodeData(in *Inode) ([]byte, error) {
	size := in.raw.size()
	if size == 0 {
		return nil, nil
	}
	blocks, err := fs.blockListForInode(in)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, size)
	bs := int(fs.sb.blockSize())
	for _, b := range blocks {
		if uint64(len(out)) >= size {
			break
		}
		var chunk []byte
		if b == 0 {
			chunk = make([]byte, bs)
		} else {
			chunk, err = fs.dev.ReadBlock(b)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, chunk...)
	}
	if uint64(len(out)) > size {
		out = out[:size]
	}
	return out, nil
}

// writeInodeData replaces in's entire data content with data, growing
// or shrinking its block list as needed, and updates raw.size and
// raw.blocks. It is the data-replacement primitive directory writeback
// uses; Inode.WriteBytes instead does a targeted read-modify-write of
// only the blocks a partial write touches.
func (fs *Ext2FS) writeInodeData(in *Inode, data []byte) error {
	bs := int(fs.sb.blockSize())
	blockCount := (len(data) + bs - 1) / bs

	existing, err := fs.blockListForInode(in)
	if err != nil {
		return err
	}

	newBlocks := make([]uint64, blockCount)
	for i := 0; i < blockCount; i++ {
		if i < len(existing) && existing[i] != 0 {
			newBlocks[i] = existing[i]
			continue
		}
		allocated, err := fs.allocateBlocks(1)
		if err != nil {
			return err
		}
		newBlocks[i] = allocated[0]
	}
	for i := blockCount; i < len(existing); i++ {
		if existing[i] != 0 {
			fs.setBlockAllocationState(existing[i], false)
		}
	}

	for i, b := range newBlocks {
		start := i * bs
		end := start + bs
		chunk := make([]byte, bs)
		if start < len(data) {
			n := copy(chunk, data[start:min(end, len(data))])
			_ = n
		}
		if err := fs.dev.WriteBlock(b, chunk); err != nil {
			return err
		}
	}

	if err := fs.writeBlockListForInode(in, newBlocks); err != nil {
		return err
	}
	in.raw.setSize(uint64(len(data)))
	in.raw.blocks = uint32(blockCount) * (fs.sb.blockSize() / 512)
	return in.flush()
}
