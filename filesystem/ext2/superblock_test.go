package ext2

import (
	"testing"

	"github.com/gokernel/ext2fs/util"
)

func TestSuperblockRoundTrip(t *testing.T) {
	sb := &superblock{
		raw:             make([]byte, sbSize),
		inodesCount:     128,
		blocksCount:     2048,
		reservedBlocks:  102,
		freeBlocksCount: 1900,
		freeInodesCount: 117,
		firstDataBlock:  1,
		logBlockSize:    0,
		blocksPerGroup:  8192,
		inodesPerGroup:  128,
		magic:           sbMagic,
		state:           fsStateCleanlyUnmounted,
		errorBehaviour:  errorsContinue,
		creatorOS:       osLinux,
		revLevel:        revision1,
		firstIno:        firstNonReservedInode,
		inodeSize:       defaultInodeSize,
		maxMountCount:   20,
	}
	copy(sb.volumeName[:], []byte("mylabel"))

	got, err := superblockFromBytes(sb.toBytes())
	if err != nil {
		t.Fatalf("superblockFromBytes: %v", err)
	}

	if got.inodesCount != sb.inodesCount || got.blocksCount != sb.blocksCount ||
		got.blocksPerGroup != sb.blocksPerGroup || got.inodesPerGroup != sb.inodesPerGroup {
		if diff, out := util.DumpByteSlicesWithDiffs(sb.toBytes(), got.toBytes(), 16, true, true, false); diff {
			t.Fatalf("superblock did not round-trip:\n%s", out)
		}
		t.Fatalf("superblock did not round-trip: got %+v, want fields matching %+v", got, sb)
	}
	if string(got.volumeName[:7]) != "mylabel" {
		t.Fatalf("volumeName = %q, want %q", got.volumeName[:7], "mylabel")
	}
}

func TestSuperblockFromBytesRejectsBadMagic(t *testing.T) {
	sb := &superblock{raw: make([]byte, sbSize), magic: 0x1234, revLevel: revision1}
	if _, err := superblockFromBytes(sb.toBytes()); err == nil {
		t.Fatalf("expected an error for a bad superblock magic")
	}
}

func TestBlockSizeFromLogBlockSize(t *testing.T) {
	for _, tt := range []struct {
		log  uint32
		want uint32
	}{
		{0, 1024},
		{1, 2048},
		{2, 4096},
	} {
		sb := &superblock{logBlockSize: tt.log}
		if got := sb.blockSize(); got != tt.want {
			t.Fatalf("blockSize() with log=%d = %d, want %d", tt.log, got, tt.want)
		}
	}
}
