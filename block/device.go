// Package block implements the byte-addressable BlockDevice contract
// and the disk-backed bridge that turns it into cached, fixed-size
// block I/O for the filesystem engine. See spec §3 ("BlockDevice
// (abstract)") and §4.1 ("BlockDevice & DiskBackedFS").
package block

import (
	"fmt"

	"github.com/gokernel/ext2fs/backend"
	"github.com/gokernel/ext2fs/blockcache"
)

// Device is the abstract contract the ext2 engine drives: a fixed
// block size, block-granularity reads/writes, and byte-granularity
// reads/writes whose offset and length must be block-aligned.
//
// A concrete Device is always backed by a real storage object (a file
// or a block device via backend.Storage) and fronted by the
// process-wide blockcache.Cache, exactly as spec §4.1 describes.
type Device interface {
	BlockSize() uint32
	ReadBlock(index uint64) ([]byte, error)
	WriteBlock(index uint64, data []byte) error
	ReadBlocks(index uint64, count int) ([]byte, error)
	WriteBlocks(index uint64, count int, data []byte) error
	Read(offset int64, length int64) ([]byte, error)
	Write(offset int64, data []byte) error
}

// DiskBackedDevice is the concrete Device implementation: it reads and
// writes storage through the shared block cache, keyed by (fsID,
// blockIndex) so that multiple mounted filesystems never collide in
// one process-wide cache (spec §3, "block cache entry").
type DiskBackedDevice struct {
	storage   backend.Storage
	cache     *blockcache.Cache
	fsID      uint32
	blockSize uint32
	// start is the byte offset within storage where block 0 begins -
	// lets a filesystem live inside a partition rather than owning the
	// whole backing store.
	start int64
}

// New wraps storage as a Device of the given block size, caching
// blocks under fsID in cache. blockSize must be a positive multiple of
// the storage's native sector size; the engine does not second-guess
// that here; it is validated once, by ext2.Read/ext2.Create, against
// the superblock's own s_log_block_size.
func New(storage backend.Storage, cache *blockcache.Cache, fsID uint32, blockSize uint32, start int64) *DiskBackedDevice {
	return &DiskBackedDevice{
		storage:   storage,
		cache:     cache,
		fsID:      fsID,
		blockSize: blockSize,
		start:     start,
	}
}

func (d *DiskBackedDevice) BlockSize() uint32 { return d.blockSize }

func (d *DiskBackedDevice) key(index uint64) blockcache.Key {
	return blockcache.Key{FSID: d.fsID, BlockIndex: index}
}

// ReadBlock returns the contents of one logical block, consulting the
// cache first and falling back to the device on a miss (spec §4.1).
func (d *DiskBackedDevice) ReadBlock(index uint64) ([]byte, error) {
	key := d.key(index)
	if data, ok := d.cache.Get(key); ok {
		return data, nil
	}
	buf := make([]byte, d.blockSize)
	off := d.start + int64(index)*int64(d.blockSize)
	if _, err := d.storage.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("block: read block %d: %w", index, err)
	}
	d.cache.Put(key, buf)
	return buf, nil
}

// ReadBlocks reads count consecutive blocks starting at index. For
// count == 1 it is identical to ReadBlock; otherwise it concatenates
// count single-block reads, exactly as spec §4.1 specifies.
func (d *DiskBackedDevice) ReadBlocks(index uint64, count int) ([]byte, error) {
	if count == 1 {
		return d.ReadBlock(index)
	}
	if count <= 0 {
		return nil, fmt.Errorf("block: invalid block count %d", count)
	}
	out := make([]byte, 0, int(d.blockSize)*count)
	for i := 0; i < count; i++ {
		b, err := d.ReadBlock(index + uint64(i))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// WriteBlock requires len(data) == BlockSize(). It updates the cache
// entry (if present) before writing the block to the device, matching
// spec §4.1's "updates the cache entry if present, then writes".
func (d *DiskBackedDevice) WriteBlock(index uint64, data []byte) error {
	if uint32(len(data)) != d.blockSize {
		return fmt.Errorf("block: write block %d: data length %d != block size %d", index, len(data), d.blockSize)
	}
	d.cache.Put(d.key(index), data)
	off := d.start + int64(index)*int64(d.blockSize)
	w, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("block: write block %d: %w", index, err)
	}
	if _, err := w.WriteAt(data, off); err != nil {
		return fmt.Errorf("block: write block %d: %w", index, err)
	}
	return nil
}

// WriteBlocks requires len(data) == count*BlockSize(). It updates each
// of the count cache entries with its slice before issuing a single
// multi-block device write, per spec §4.1.
func (d *DiskBackedDevice) WriteBlocks(index uint64, count int, data []byte) error {
	if count <= 0 {
		return fmt.Errorf("block: invalid block count %d", count)
	}
	want := int(d.blockSize) * count
	if len(data) != want {
		return fmt.Errorf("block: write blocks at %d: data length %d != %d", index, len(data), want)
	}
	for i := 0; i < count; i++ {
		slice := data[i*int(d.blockSize) : (i+1)*int(d.blockSize)]
		d.cache.Put(d.key(index+uint64(i)), slice)
	}
	w, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("block: write blocks at %d: %w", index, err)
	}
	off := d.start + int64(index)*int64(d.blockSize)
	if _, err := w.WriteAt(data, off); err != nil {
		return fmt.Errorf("block: write blocks at %d: %w", index, err)
	}
	return nil
}

// Read decomposes a byte-granularity read into block reads. offset and
// length MUST be multiples of BlockSize(); violating that is a
// programmer error, per spec §4.1, so it panics rather than returning
// a recoverable error.
func (d *DiskBackedDevice) Read(offset int64, length int64) ([]byte, error) {
	bs := int64(d.blockSize)
	if offset%bs != 0 || length%bs != 0 {
		panic(fmt.Sprintf("block: unaligned read offset=%d length=%d blockSize=%d", offset, length, bs))
	}
	return d.ReadBlocks(uint64(offset/bs), int(length/bs))
}

// Write decomposes a byte-granularity write into block writes. Same
// alignment requirement as Read.
func (d *DiskBackedDevice) Write(offset int64, data []byte) error {
	bs := int64(d.blockSize)
	if offset%bs != 0 || int64(len(data))%bs != 0 {
		panic(fmt.Sprintf("block: unaligned write offset=%d length=%d blockSize=%d", offset, len(data), bs))
	}
	return d.WriteBlocks(uint64(offset/bs), len(data)/int(d.blockSize), data)
}

var _ Device = (*DiskBackedDevice)(nil)
