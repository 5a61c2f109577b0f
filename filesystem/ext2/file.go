package ext2

import (
	"github.com/gokernel/ext2fs/errno"
)

// ReadBytes reads len(buf) bytes starting at offset, per spec §4.3. It
// is block-list aware rather than delegating to readInodeData for
// every call: a read confined to one block only fetches that block,
// so a caller streaming through a large file does not pay for
// re-reading everything it has already consumed.
func (in *Inode) ReadBytes(offset int64, buf []byte) (int, error) {
	if in.isDirMode() {
		return 0, errno.EISDIR
	}
	size := int64(in.raw.size())
	if offset >= size {
		return 0, nil
	}
	if offset < 0 {
		return 0, errno.EINVAL
	}
	if int64(len(buf)) > size-offset {
		buf = buf[:size-offset]
	}

	fs := in.fs
	bs := int64(fs.sb.blockSize())
	blocks, err := fs.blockListForInode(in)
	if err != nil {
		return 0, err
	}

	var n int
	for n < len(buf) {
		pos := offset + int64(n)
		blockIdx := pos / bs
		blockOff := pos % bs
		if int(blockIdx) >= len(blocks) {
			break
		}
		want := int(bs - blockOff)
		if remaining := len(buf) - n; want > remaining {
			want = remaining
		}

		physical := blocks[blockIdx]
		if physical == 0 {
			for i := 0; i < want; i++ {
				buf[n+i] = 0
			}
		} else {
			data, err := fs.dev.ReadBlock(physical)
			if err != nil {
				return n, err
			}
			copy(buf[n:n+want], data[blockOff:int64(blockOff)+int64(want)])
		}
		n += want
	}
	return n, nil
}

// WriteBytes writes data at offset, extending the file (and its block
// list) if offset+len(data) exceeds the current size. Partial blocks
// at either end of the range are read-modify-written so bytes outside
// [offset, offset+len(data)) survive untouched, per spec §4.3.
func (in *Inode) WriteBytes(offset int64, data []byte) (int, error) {
	fs := in.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := checkWritable(fs); err != nil {
		return 0, err
	}
	if in.isDirMode() {
		return 0, errno.EISDIR
	}
	if offset < 0 {
		return 0, errno.EINVAL
	}
	if len(data) == 0 {
		return 0, nil
	}

	bs := int64(fs.sb.blockSize())
	endOffset := offset + int64(len(data))
	firstBlock := int(offset / bs)
	endBlock := int((endOffset + bs - 1) / bs)

	existing, err := fs.blockListForInode(in)
	if err != nil {
		return 0, err
	}
	newBlockCount := endBlock
	if len(existing) > newBlockCount {
		newBlockCount = len(existing)
	}
	blocks := make([]uint64, newBlockCount)
	wasHole := make([]bool, newBlockCount)
	copy(blocks, existing)
	for i := range blocks {
		if blocks[i] != 0 {
			continue
		}
		wasHole[i] = true
		allocated, err := fs.allocateBlocks(1)
		if err != nil {
			return 0, err
		}
		blocks[i] = allocated[0]
		if i < firstBlock || i >= endBlock {
			// A gap block the write below never touches reads back as zeros.
			if err := fs.dev.WriteBlock(blocks[i], make([]byte, bs)); err != nil {
				return 0, err
			}
		}
	}

	var n int
	for n < len(data) {
		pos := offset + int64(n)
		blockIdx := pos / bs
		blockOff := pos % bs
		want := int(bs - blockOff)
		if remaining := len(data) - n; want > remaining {
			want = remaining
		}

		physical := blocks[blockIdx]
		var buf []byte
		if want < int(bs) && !wasHole[blockIdx] {
			buf, err = fs.dev.ReadBlock(physical)
			if err != nil {
				return n, err
			}
		} else {
			buf = make([]byte, bs)
		}
		copy(buf[blockOff:int64(blockOff)+int64(want)], data[n:n+want])
		if err := fs.dev.WriteBlock(physical, buf); err != nil {
			return n, err
		}
		n += want
	}

	if err := fs.writeBlockListForInode(in, blocks); err != nil {
		return n, err
	}
	if endOffset > int64(in.raw.size()) {
		in.raw.setSize(uint64(endOffset))
	}
	in.raw.blocks = uint32(newBlockCount) * (fs.sb.blockSize() / 512)
	if err := in.flush(); err != nil {
		return n, err
	}
	return n, nil
}

// ReadLink returns a symlink's target, taking the inline "fast
// symlink" path when the target was short enough to pack into
// i_block at creation time, and falling back to a normal data read
// otherwise.
func (in *Inode) ReadLink() (string, error) {
	if in.raw.mode&modeFmt != modeSymlink {
		return "", errno.EINVAL
	}
	if in.raw.size() <= maxInlineSymlinkLen {
		return inlineSymlinkTarget(in.raw), nil
	}
	data, err := in.fs.readInodeData(in)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
