package container

import "testing"

func TestBitSet_SetClearIsSet(t *testing.T) {
	bs := NewBitSet(10)
	bs.Set(3)
	bs.Set(7)

	if !bs.IsSet(3) || !bs.IsSet(7) {
		t.Fatalf("expected bits 3 and 7 set")
	}
	if bs.IsSet(4) {
		t.Fatalf("expected bit 4 unset")
	}
	bs.Clear(3)
	if bs.IsSet(3) {
		t.Fatalf("expected bit 3 cleared")
	}
}

func TestBitSet_OutOfRangeIsNoOp(t *testing.T) {
	bs := NewBitSet(4)
	bs.Set(100)
	if bs.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after out-of-range Set", bs.Count())
	}
	if bs.IsSet(100) {
		t.Fatalf("IsSet(100) = true, want false")
	}
}

func TestBitSet_SetIndicesAndCount(t *testing.T) {
	bs := NewBitSet(130)
	for _, i := range []int{0, 1, 63, 64, 65, 128, 129} {
		bs.Set(i)
	}
	if bs.Count() != 7 {
		t.Fatalf("Count() = %d, want 7", bs.Count())
	}
	got := bs.SetIndices()
	want := []int{0, 1, 63, 64, 65, 128, 129}
	if len(got) != len(want) {
		t.Fatalf("len(SetIndices()) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SetIndices()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBitSet_ClearAll(t *testing.T) {
	bs := NewBitSet(64)
	bs.Set(1)
	bs.Set(2)
	bs.ClearAll()
	if bs.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after ClearAll", bs.Count())
	}
}
