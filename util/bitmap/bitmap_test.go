package bitmap_test

import (
	"testing"

	"github.com/gokernel/ext2fs/util/bitmap"
)

func TestSetClearIsSet(t *testing.T) {
	bm := bitmap.NewBits(16)
	if set, err := bm.IsSet(3); err != nil || set {
		t.Fatalf("IsSet(3) = %v, %v; want false, nil", set, err)
	}
	if err := bm.Set(3); err != nil {
		t.Fatalf("Set(3): %v", err)
	}
	if set, err := bm.IsSet(3); err != nil || !set {
		t.Fatalf("IsSet(3) after Set = %v, %v; want true, nil", set, err)
	}
	if err := bm.Clear(3); err != nil {
		t.Fatalf("Clear(3): %v", err)
	}
	if set, err := bm.IsSet(3); err != nil || set {
		t.Fatalf("IsSet(3) after Clear = %v, %v; want false, nil", set, err)
	}
}

func TestFirstFreeSkipsSetBits(t *testing.T) {
	bm := bitmap.NewBits(24)
	for _, i := range []int{0, 1, 2, 5} {
		if err := bm.Set(i); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	if got := bm.FirstFree(0); got != 3 {
		t.Fatalf("FirstFree(0) = %d, want 3", got)
	}
	if got := bm.FirstFree(4); got != 4 {
		t.Fatalf("FirstFree(4) = %d, want 4", got)
	}
	if got := bm.FirstFree(6); got != 6 {
		t.Fatalf("FirstFree(6) = %d, want 6", got)
	}
}

func TestFirstFreeExhausted(t *testing.T) {
	bm := bitmap.NewBits(8)
	for i := 0; i < 8; i++ {
		if err := bm.Set(i); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	if got := bm.FirstFree(0); got != -1 {
		t.Fatalf("FirstFree(0) on a full bitmap = %d, want -1", got)
	}
}

func TestCountFreeIgnoresPaddingBitsBeyondLogicalCount(t *testing.T) {
	// A bitmap backed by one full byte (8 bits) but only 5 bits are
	// logically meaningful, as happens for the last, short block group
	// in an ext2 volume whose block count isn't a multiple of 8.
	bm := bitmap.NewBytes(1)
	for _, i := range []int{5, 6, 7} {
		if err := bm.Set(i); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	if got := bm.CountFree(5); got != 5 {
		t.Fatalf("CountFree(5) = %d, want 5 (padding bits 5-7 excluded)", got)
	}
	if got := bm.CountFree(8); got != 5 {
		t.Fatalf("CountFree(8) = %d, want 5", got)
	}
}

func TestFreeList(t *testing.T) {
	bm := bitmap.NewBits(8)
	for _, i := range []int{2, 3} {
		if err := bm.Set(i); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	list := bm.FreeList()
	want := []bitmap.Contiguous{{Position: 0, Count: 2}, {Position: 4, Count: 4}}
	if len(list) != len(want) {
		t.Fatalf("FreeList() = %v, want %v", list, want)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("FreeList()[%d] = %v, want %v", i, list[i], want[i])
		}
	}
}
