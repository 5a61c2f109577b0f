// Package ext2 implements the on-disk engine described by spec §4.2:
// superblock and block-group-descriptor parsing, bitmap-based inode
// and block allocation, direct/indirect block-list translation,
// ext2_dir_entry_2 directories, and the create/mkdir/unlink family of
// structural mutations. It is the one fscore.FS implementation this
// module ships.
package ext2

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gokernel/ext2fs/block"
	"github.com/gokernel/ext2fs/errno"
	"github.com/gokernel/ext2fs/fscore"
	"github.com/gokernel/ext2fs/util/timestamp"
)

// device is the subset of block.Device the engine drives. Declared
// locally so every file in the package can depend on "device" rather
// than spelling out the import; block.Device is the only real
// implementation, wired in by Create/Read.
type device = block.Device

// Params configures a brand-new ext2 volume. Zero-valued fields fall
// back to mke2fs-style defaults, the same heuristics a real mkfs
// would apply.
type Params struct {
	// TotalBlocks is the volume size in blocks. Required.
	TotalBlocks uint32
	// BlockSize must be 1024, 2048, or 4096. Defaults to 1024.
	BlockSize uint32
	// BytesPerInode drives the inode count heuristic (one inode per
	// this many bytes of capacity). Defaults to 4096, matching
	// mke2fs's default -i ratio.
	BytesPerInode uint32
	// VolumeName is copied into the superblock's 16-byte label.
	VolumeName string
	// UUID identifies the volume; a random v4 UUID is generated if
	// this is the zero value.
	UUID uuid.UUID
	// ReadOnly mounts the new filesystem read-only immediately after
	// formatting it - mostly useful for tests exercising EROFS.
	ReadOnly bool
}

// Ext2FS is the fscore.FS implementation backing one mounted ext2
// volume. A structural mutation - create, mkdir, unlink, a write,
// anything that touches bitmaps, the BGDT, or a directory's entry list
// - holds mu for its duration, mirroring the per-filesystem lock spec
// §5 describes: "guards every structural mutation; reads of
// already-resident data do not need it."
type Ext2FS struct {
	mu sync.Mutex

	id       uint32
	dev      device
	sb       *superblock
	gds      []groupDescriptor
	readOnly bool
	log      *logrus.Entry

	inodesMu sync.Mutex
	inodes   map[uint32]*Inode

	// lastAllocGroup is the group the most recent successful block
	// allocation finished in; the next block or inode search starts
	// there instead of at group 0, per spec's Open Questions decision
	// to keep sequential allocation from re-scanning low groups.
	lastAllocGroup uint32
}

var _ fscore.FS = (*Ext2FS)(nil)

// Create formats dev as a brand-new ext2 volume per params, mounts it,
// registers it with fscore's process-wide registry, and returns it
// ready for use.
func Create(dev device, params Params) (*Ext2FS, error) {
	blockSize := params.BlockSize
	if blockSize == 0 {
		blockSize = 1024
	}
	if blockSize != 1024 && blockSize != 2048 && blockSize != 4096 {
		return nil, fmt.Errorf("ext2: invalid block size %d", blockSize)
	}
	if dev.BlockSize() != blockSize {
		return nil, fmt.Errorf("ext2: device block size %d != requested %d", dev.BlockSize(), blockSize)
	}
	if params.TotalBlocks == 0 {
		return nil, fmt.Errorf("ext2: TotalBlocks must be positive")
	}
	bytesPerInode := params.BytesPerInode
	if bytesPerInode == 0 {
		bytesPerInode = 4096
	}

	blocksPerGroup := blockSize * 8 // one bitmap block covers one group
	groupCount := (params.TotalBlocks + blocksPerGroup - 1) / blocksPerGroup
	if groupCount == 0 {
		groupCount = 1
	}

	totalBytes := uint64(params.TotalBlocks) * uint64(blockSize)
	inodesCount := uint32(totalBytes / uint64(bytesPerInode))
	if inodesCount < groupCount*8 {
		inodesCount = groupCount * 8
	}
	inodesPerGroup := (inodesCount + groupCount - 1) / groupCount
	// Round up to a full byte of bitmap so every group's inode bitmap
	// block boundary lands cleanly.
	if inodesPerGroup%8 != 0 {
		inodesPerGroup += 8 - inodesPerGroup%8
	}
	inodesCount = inodesPerGroup * groupCount

	id := uuid.UUID(params.UUID)
	if id == uuid.Nil {
		var err error
		id, err = uuid.NewRandom()
		if err != nil {
			return nil, fmt.Errorf("ext2: generating volume uuid: %w", err)
		}
	}

	// Format-time timestamps honor SOURCE_DATE_EPOCH so two mkfs runs
	// over identical params produce byte-identical images; timestamps
	// written later by ongoing inode mutations are real wall-clock.
	now := timestamp.GetTime()
	sb := &superblock{
		raw:             make([]byte, sbSize),
		inodesCount:     inodesCount,
		blocksCount:     params.TotalBlocks,
		reservedBlocks:  params.TotalBlocks / 20, // 5%, mke2fs's default reservation
		firstDataBlock:  firstDataBlockFor(blockSize),
		logBlockSize:    logBlockSizeFor(blockSize),
		blocksPerGroup:  blocksPerGroup,
		inodesPerGroup:  inodesPerGroup,
		mountTime:       toUnixTime(now),
		writeTime:       toUnixTime(now),
		maxMountCount:   20,
		magic:           sbMagic,
		state:           fsStateCleanlyUnmounted,
		errorBehaviour:  errorsContinue,
		lastCheck:       toUnixTime(now),
		checkInterval:   0,
		creatorOS:       osLinux,
		revLevel:        revision1,
		firstIno:        firstNonReservedInode,
		inodeSize:       defaultInodeSize,
	}
	copy(sb.uuid[:], id[:])
	copy(sb.volumeName[:], []byte(params.VolumeName))
	sb.freeInodesCount = sb.inodesCount - firstNonReservedInode + 1

	gds := make([]groupDescriptor, groupCount)
	bgdtSpan := bgdtBlockSpan(groupCount, blockSize)
	inodeTableBlocksPerGroup := inodeTableBlockSpan(inodesPerGroup, blockSize)

	next := sb.bgdtBlock() + bgdtSpan
	var freeBlocksTotal uint32
	for g := uint32(0); g < groupCount; g++ {
		groupBlocks := blocksInGroup(sb, g)
		gds[g].blockBitmap = uint32(next)
		next++
		gds[g].inodeBitmap = uint32(next)
		next++
		gds[g].inodeTable = uint32(next)
		next += inodeTableBlocksPerGroup

		reserved := next - firstBlockOfGroup(sb, g)
		gds[g].freeBlocksCount = uint16(groupBlocks - reserved)
		gds[g].freeInodesCount = uint16(inodesPerGroup)
		if g == 0 {
			gds[g].freeInodesCount -= uint16(firstNonReservedInode - 1)
		}
		freeBlocksTotal += uint32(gds[g].freeBlocksCount)
		next = firstBlockOfGroup(sb, g+1)
	}
	sb.freeBlocksCount = freeBlocksTotal

	fs := &Ext2FS{
		id:     fscore.NewFSID(),
		dev:    dev,
		sb:     sb,
		gds:    gds,
		inodes: make(map[uint32]*Inode),
		log:    logrus.WithField("component", "ext2").WithField("fs", params.VolumeName),
	}

	if err := fs.formatBitmapsAndRoot(); err != nil {
		return nil, err
	}
	if err := fs.writeSuperblockAndBGDT(); err != nil {
		return nil, err
	}
	fs.readOnly = params.ReadOnly
	fscore.Register(fs)
	fs.log.Info("formatted new ext2 volume")
	return fs, nil
}

// Read mounts an existing ext2 volume found on dev.
func Read(dev device, readOnly bool) (*Ext2FS, error) {
	raw, err := dev.Read(1024/int64(dev.BlockSize())*int64(dev.BlockSize()), int64(dev.BlockSize()))
	if err != nil {
		return nil, fmt.Errorf("ext2: reading superblock: %w", err)
	}
	// The superblock always begins at byte 1024 regardless of block
	// size; for 1024-byte blocks that is block 1, otherwise it is the
	// first bytes of block 0.
	var sbBytes []byte
	if dev.BlockSize() == 1024 {
		sbBytes = raw
	} else {
		full, err := dev.ReadBlock(0)
		if err != nil {
			return nil, fmt.Errorf("ext2: reading superblock: %w", err)
		}
		sbBytes = full[1024:]
	}
	sb, err := superblockFromBytes(sbBytes)
	if err != nil {
		return nil, err
	}
	if sb.blockSize() != dev.BlockSize() {
		return nil, fmt.Errorf("ext2: superblock block size %d != device block size %d", sb.blockSize(), dev.BlockSize())
	}

	fs := &Ext2FS{
		id:       fscore.NewFSID(),
		dev:      dev,
		sb:       sb,
		readOnly: readOnly,
		inodes:   make(map[uint32]*Inode),
		log:      logrus.WithField("component", "ext2"),
	}
	gds, err := readGroupDescriptorTable(dev, sb)
	if err != nil {
		return nil, err
	}
	fs.gds = gds

	if sb.state != fsStateCleanlyUnmounted {
		fs.log.Warn("mounting ext2 volume that was not cleanly unmounted")
	}
	sb.state = fsStateErrors
	sb.mountCount++
	sb.mountTime = toUnixTime(time.Now())
	if !readOnly {
		if err := fs.writeSuperblockAndBGDT(); err != nil {
			return nil, err
		}
	}

	fscore.Register(fs)
	return fs, nil
}

// Label returns the volume's 16-byte label, trimmed of trailing NULs.
func (fs *Ext2FS) Label() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for n < len(fs.sb.volumeName) && fs.sb.volumeName[n] != 0 {
		n++
	}
	return string(fs.sb.volumeName[:n])
}

// SetLabel overwrites the volume label and flushes the superblock.
func (fs *Ext2FS) SetLabel(label string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := checkWritable(fs); err != nil {
		return err
	}
	var buf [16]byte
	copy(buf[:], label)
	fs.sb.volumeName = buf
	return fs.writeSuperblockAndBGDT()
}

func (fs *Ext2FS) ID() uint32        { return fs.id }
func (fs *Ext2FS) ReadOnly() bool    { return fs.readOnly }
func (fs *Ext2FS) BlockSize() uint32 { return fs.sb.blockSize() }

func (fs *Ext2FS) RootInodeID() fscore.InodeIdentifier {
	return fscore.InodeIdentifier{FSID: fs.id, Index: rootInode}
}

// Sync flushes the superblock and BGDT, marking the volume cleanly
// unmounted. Dirty inode records are written eagerly by every
// structural mutation, so Sync has nothing else to flush (spec §4.1
// treats block writes as already durable once WriteBlock returns).
func (fs *Ext2FS) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.sb.state = fsStateCleanlyUnmounted
	return fs.writeSuperblockAndBGDT()
}

func (fs *Ext2FS) writeSuperblockAndBGDT() error {
	var sbBlockBuf []byte
	if fs.sb.blockSize() == 1024 {
		sbBlockBuf = fs.sb.toBytes()
		if err := fs.dev.WriteBlock(1, sbBlockBuf); err != nil {
			return err
		}
	} else {
		block0, err := fs.dev.ReadBlock(0)
		if err != nil {
			return err
		}
		copy(block0[1024:], fs.sb.toBytes())
		if err := fs.dev.WriteBlock(0, block0); err != nil {
			return err
		}
	}
	return writeGroupDescriptorTable(fs.dev, fs.sb, fs.gds)
}

func firstDataBlockFor(blockSize uint32) uint32 {
	if blockSize == 1024 {
		return 1
	}
	return 0
}

func logBlockSizeFor(blockSize uint32) uint32 {
	switch blockSize {
	case 1024:
		return 0
	case 2048:
		return 1
	case 4096:
		return 2
	}
	return 0
}

func inodeTableBlockSpan(inodesPerGroup uint32, blockSize uint32) uint64 {
	bytesNeeded := uint64(inodesPerGroup) * rawInodeSize
	blocks := (bytesNeeded + uint64(blockSize) - 1) / uint64(blockSize)
	if blocks == 0 {
		blocks = 1
	}
	return blocks
}

func firstBlockOfGroup(sb *superblock, group uint32) uint64 {
	return uint64(sb.firstDataBlock) + uint64(group)*uint64(sb.blocksPerGroup)
}

func blocksInGroup(sb *superblock, group uint32) uint32 {
	if group != sb.blockGroupCount()-1 {
		return sb.blocksPerGroup
	}
	total := sb.blocksCount - uint32(firstBlockOfGroup(sb, group))
	return total
}

func wrapErrno(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ext2: %s: %w", op, err)
}

func checkWritable(fs *Ext2FS) error {
	if fs.readOnly {
		return errno.EROFS
	}
	return nil
}
