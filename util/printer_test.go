package util_test

import (
	"strings"
	"testing"

	"github.com/gokernel/ext2fs/util"
)

func TestDumpByteSlicesWithDiffsReportsMismatch(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03, 0x04}
	b := []byte{0x01, 0xff, 0x03, 0x04}
	different, out := util.DumpByteSlicesWithDiffs(a, b, 16, true, true, false)
	if !different {
		t.Fatalf("expected a and b to be reported as different")
	}
	if !strings.Contains(out, "ff") {
		t.Fatalf("diff output missing the differing byte: %q", out)
	}
}

func TestDumpByteSlicesWithDiffsIdentical(t *testing.T) {
	a := []byte{0xde, 0xad, 0xbe, 0xef}
	different, out := util.DumpByteSlicesWithDiffs(a, a, 16, true, true, false)
	if different {
		t.Fatalf("identical slices should not be reported as different")
	}
	if out != "" {
		t.Fatalf("expected empty output for identical slices, got %q", out)
	}
}

func TestDumpBlockRendersOffsetsAndASCII(t *testing.T) {
	block := make([]byte, 32)
	copy(block, []byte("EXT2FS"))
	out := util.DumpBlock(block)
	if !strings.Contains(out, "00000000") {
		t.Fatalf("DumpBlock output missing leading offset: %q", out)
	}
	if !strings.Contains(out, "EXT2FS") {
		t.Fatalf("DumpBlock output missing ASCII column: %q", out)
	}
}
