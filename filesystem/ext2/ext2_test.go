package ext2

import (
	"path/filepath"
	"testing"

	"github.com/gokernel/ext2fs/backend/file"
	"github.com/gokernel/ext2fs/block"
	"github.com/gokernel/ext2fs/blockcache"
	"github.com/gokernel/ext2fs/errno"
	"github.com/gokernel/ext2fs/fscore"
)

// newTestVolume formats a small ext2 volume backed by a temp file and
// returns the mounted Ext2FS, ready for structural mutation.
func newTestVolume(t *testing.T, totalBlocks uint32) *Ext2FS {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.img")
	storage, err := block.CreateFromPath(path, int64(totalBlocks)*1024)
	if err != nil {
		t.Fatalf("CreateFromPath: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	dev := block.New(storage, blockcache.New(blockcache.DefaultCapacity), fscore.NewFSID(), 1024, 0)
	fs, err := Create(dev, Params{TotalBlocks: totalBlocks, BlockSize: 1024, BytesPerInode: 2048})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return fs
}

func TestCreateFormatsRootDirectory(t *testing.T) {
	fs := newTestVolume(t, 2048)

	root, ok := fs.GetInode(rootInode)
	if !ok {
		t.Fatalf("root inode %d not found", rootInode)
	}
	meta, err := root.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if !meta.IsDir() {
		t.Fatalf("root inode is not a directory: mode=%o", meta.Mode)
	}
	if meta.LinksCount != 2 {
		t.Fatalf("root links count = %d, want 2", meta.LinksCount)
	}

	var names []string
	if err := root.Traverse(func(de fscore.DirectoryEntry) bool {
		names = append(names, de.Name)
		return true
	}); err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(names) != 2 || names[0] != "." || names[1] != ".." {
		t.Fatalf("root directory entries = %v, want [. ..]", names)
	}
}

func TestCreateAndReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.img")
	storage, err := block.CreateFromPath(path, 2048*1024)
	if err != nil {
		t.Fatalf("CreateFromPath: %v", err)
	}
	cache := blockcache.New(blockcache.DefaultCapacity)
	dev := block.New(storage, cache, fscore.NewFSID(), 1024, 0)

	fs, err := Create(dev, Params{TotalBlocks: 2048, BlockSize: 1024, VolumeName: "testvol"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.CreateDirectory(fs.RootInodeID(), "sub", 0755); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if err := fs.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	storage.Close()

	reopened, err := file.OpenFromPath(path, true)
	if err != nil {
		t.Fatalf("OpenFromPath: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })
	dev2 := block.New(reopened, blockcache.New(blockcache.DefaultCapacity), fscore.NewFSID(), 1024, 0)

	fs2, err := Read(dev2, true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fs2.Label() != "testvol" {
		t.Fatalf("Label() = %q, want %q", fs2.Label(), "testvol")
	}
	root, ok := fs2.GetInode(rootInode)
	if !ok {
		t.Fatalf("root inode missing after reopen")
	}
	id, found, err := root.Lookup("sub")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found {
		t.Fatalf("expected to find 'sub' after reopening")
	}
	subInode, ok := fs2.GetInode(id.Index)
	if !ok {
		t.Fatalf("sub inode %d not found", id.Index)
	}
	meta, err := subInode.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if !meta.IsDir() {
		t.Fatalf("'sub' is not a directory after reopen")
	}
}

func TestCreateInodeRejectsDuplicateNames(t *testing.T) {
	fs := newTestVolume(t, 2048)
	if _, err := fs.CreateInode(fs.RootInodeID(), "file.txt", modeRegular|0644, 0); err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	if _, err := fs.CreateInode(fs.RootInodeID(), "file.txt", modeRegular|0644, 0); err != errno.EEXIST {
		t.Fatalf("expected EEXIST on duplicate name, got %v", err)
	}
}

func TestFileWriteReadSmall(t *testing.T) {
	fs := newTestVolume(t, 2048)
	id, err := fs.CreateInode(fs.RootInodeID(), "small.txt", modeRegular|0644, 0)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	in, ok := id.Inode()
	if !ok {
		t.Fatalf("inode lookup failed")
	}
	want := []byte("hello ext2 world")
	if n, err := in.WriteBytes(0, want); err != nil || n != len(want) {
		t.Fatalf("WriteBytes: n=%d err=%v", n, err)
	}
	got := make([]byte, len(want))
	if n, err := in.ReadBytes(0, got); err != nil || n != len(want) {
		t.Fatalf("ReadBytes: n=%d err=%v", n, err)
	}
	if string(got) != string(want) {
		t.Fatalf("ReadBytes = %q, want %q", got, want)
	}
}

func TestFileWriteReadSpansIndirectBlocks(t *testing.T) {
	fs := newTestVolume(t, 4096)
	id, err := fs.CreateInode(fs.RootInodeID(), "big.bin", modeRegular|0644, 0)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	in, ok := id.Inode()
	if !ok {
		t.Fatalf("inode lookup failed")
	}
	// 12 direct blocks at 1024 bytes each cover 12288 bytes; this write
	// crosses into the singly-indirect block list.
	size := 20 * 1024
	want := make([]byte, size)
	for i := range want {
		want[i] = byte(i % 251)
	}
	if n, err := in.WriteBytes(0, want); err != nil || n != size {
		t.Fatalf("WriteBytes: n=%d err=%v", n, err)
	}
	got := make([]byte, size)
	if n, err := in.ReadBytes(0, got); err != nil || n != size {
		t.Fatalf("ReadBytes: n=%d err=%v", n, err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestWriteBytesHoleIsZeroFilled(t *testing.T) {
	fs := newTestVolume(t, 2048)
	id, err := fs.CreateInode(fs.RootInodeID(), "sparse.bin", modeRegular|0644, 0)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	in, ok := id.Inode()
	if !ok {
		t.Fatalf("inode lookup failed")
	}
	// Write past the end of an empty file: blocks 0 and 1 are allocated
	// as gap blocks that the write itself never touches.
	if _, err := in.WriteBytes(2048, []byte("tail")); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	head := make([]byte, 2048)
	if _, err := in.ReadBytes(0, head); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	for i, b := range head {
		if b != 0 {
			t.Fatalf("hole byte %d = %#x, want 0", i, b)
		}
	}
}

func TestSymlinkInlineAndOutOfLine(t *testing.T) {
	fs := newTestVolume(t, 2048)

	shortID, err := fs.CreateSymlink(fs.RootInodeID(), "short", "target")
	if err != nil {
		t.Fatalf("CreateSymlink (short): %v", err)
	}
	shortIn, ok := shortID.Inode()
	if !ok {
		t.Fatalf("short symlink inode not found")
	}
	got, err := shortIn.ReadLink()
	if err != nil {
		t.Fatalf("ReadLink (short): %v", err)
	}
	if got != "target" {
		t.Fatalf("ReadLink (short) = %q, want %q", got, "target")
	}

	longTarget := ""
	for len(longTarget) <= maxInlineSymlinkLen {
		longTarget += "/a/very/long/path/component"
	}
	longID, err := fs.CreateSymlink(fs.RootInodeID(), "long", longTarget)
	if err != nil {
		t.Fatalf("CreateSymlink (long): %v", err)
	}
	longIn, ok := longID.Inode()
	if !ok {
		t.Fatalf("long symlink inode not found")
	}
	got, err = longIn.ReadLink()
	if err != nil {
		t.Fatalf("ReadLink (long): %v", err)
	}
	if got != longTarget {
		t.Fatalf("ReadLink (long) length = %d, want %d", len(got), len(longTarget))
	}
}

func TestUnlinkFreesInodeWhenLinksReachZero(t *testing.T) {
	fs := newTestVolume(t, 2048)
	id, err := fs.CreateInode(fs.RootInodeID(), "doomed.txt", modeRegular|0644, 0)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	root, ok := fs.GetInode(rootInode)
	if !ok {
		t.Fatalf("root inode missing")
	}
	in, ok := id.Inode()
	if !ok {
		t.Fatalf("inode lookup failed")
	}
	if _, err := in.WriteBytes(0, []byte("payload")); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if err := root.RemoveChild("doomed.txt"); err != nil {
		t.Fatalf("RemoveChild: %v", err)
	}
	if err := in.DecrementLinkCount(); err != nil {
		t.Fatalf("DecrementLinkCount: %v", err)
	}
	if _, ok := fs.GetInode(id.Index); ok {
		t.Fatalf("inode %d still resolvable after its last link was dropped", id.Index)
	}
}

func TestReadOnlyFilesystemRejectsMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.img")
	storage, err := block.CreateFromPath(path, 2048*1024)
	if err != nil {
		t.Fatalf("CreateFromPath: %v", err)
	}
	dev := block.New(storage, blockcache.New(blockcache.DefaultCapacity), fscore.NewFSID(), 1024, 0)
	fs, err := Create(dev, Params{TotalBlocks: 2048, BlockSize: 1024, ReadOnly: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.CreateInode(fs.RootInodeID(), "nope.txt", modeRegular|0644, 0); err != errno.EROFS {
		t.Fatalf("expected EROFS on read-only volume, got %v", err)
	}
}

func TestCreateInodeReservesDataBlocks(t *testing.T) {
	fs := newTestVolume(t, 2048)
	size := uint64(2 * fs.sb.blockSize())
	id, err := fs.CreateInode(fs.RootInodeID(), "preallocated.bin", modeRegular|0644, size)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	in, ok := id.Inode()
	if !ok {
		t.Fatalf("inode lookup failed")
	}
	blocks, err := fs.blockListForInode(in)
	if err != nil {
		t.Fatalf("blockListForInode: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("block list length = %d, want 2 (ceil(size/blockSize))", len(blocks))
	}
	for i, b := range blocks {
		if b == 0 {
			t.Fatalf("block %d of a fresh create is an unallocated hole", i)
		}
	}
}

func TestCreateInodeFailsEnospcWhenShortOfBlocks(t *testing.T) {
	fs := newTestVolume(t, 2048)
	free := int(fs.sb.freeBlocksCount)
	if free < 2 {
		t.Fatalf("test setup needs at least 2 free blocks, has %d", free)
	}
	// Drain every free block but one, so a two-block create must fail.
	if _, err := fs.allocateBlocks(free - 1); err != nil {
		t.Fatalf("allocateBlocks: %v", err)
	}
	size := uint64(2 * fs.sb.blockSize())
	if _, err := fs.CreateInode(fs.RootInodeID(), "big", modeRegular|0644, size); err != errno.ENOSPC {
		t.Fatalf("expected ENOSPC, got %v", err)
	}
	root, ok := fs.GetInode(rootInode)
	if !ok {
		t.Fatalf("root inode missing")
	}
	if _, found, err := root.Lookup("big"); err != nil || found {
		t.Fatalf("a failed create must not leave a directory entry: found=%v err=%v", found, err)
	}
}

func TestCreateDirectoryBumpsParentLinkCount(t *testing.T) {
	fs := newTestVolume(t, 2048)
	root, ok := fs.GetInode(rootInode)
	if !ok {
		t.Fatalf("root inode missing")
	}
	before, err := root.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if _, err := fs.CreateDirectory(fs.RootInodeID(), "child", 0755); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	after, err := root.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if after.LinksCount != before.LinksCount+1 {
		t.Fatalf("root links count = %d, want %d", after.LinksCount, before.LinksCount+1)
	}
}
