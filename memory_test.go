package klee_test

import (
	"bytes"
	"testing"

	"github.com/capsosk/klee"
)

func TestObjectState_ReadWrite(t *testing.T) {
	mm := klee.NewMemoryManager(klee.PointerWidth)

	t.Run("ScalarRoundTrip", func(t *testing.T) {
		mo := mm.Allocate(klee.NewPointerConstantExpr(8), 8, false, false, nil, 0)
		os := klee.NewObjectState(mo, mm)

		os.Write(klee.NewConstantExpr64(0), klee.NewConstantKValue(0x1122334455667788, klee.Width64))
		value := os.Read(klee.NewConstantExpr64(0), klee.Width64)
		if got := value.Offset.(*klee.ConstantExpr).Value; got != 0x1122334455667788 {
			t.Fatalf("value=%#x", got)
		}
		if !value.IsZeroSegment() {
			t.Fatalf("scalar read must have zero segment, got %s", value.Segment)
		}

		// Partial read sees the little-endian low half.
		half := os.Read(klee.NewConstantExpr64(0), klee.Width32)
		if got := half.Offset.(*klee.ConstantExpr).Value; got != 0x55667788 {
			t.Fatalf("low half=%#x", got)
		}
	})

	t.Run("PointerRoundTripKeepsSegment", func(t *testing.T) {
		mo := mm.Allocate(klee.NewPointerConstantExpr(8), 8, false, false, nil, 0)
		os := klee.NewObjectState(mo, mm)

		ptr := klee.NewPointerKValue(42, klee.NewPointerConstantExpr(16))
		os.Write(klee.NewConstantExpr64(0), ptr)

		value := os.Read(klee.NewConstantExpr64(0), klee.Width64)
		if seg, ok := value.ConstantSegment(); !ok || seg != 42 {
			t.Fatalf("segment=%s, expected 42", value.Segment)
		}
		if got := value.Offset.(*klee.ConstantExpr).Value; got != 16 {
			t.Fatalf("offset=%d, expected 16", got)
		}
	})

	t.Run("SymbolicStore", func(t *testing.T) {
		mo := mm.Allocate(klee.NewPointerConstantExpr(2), 2, false, false, nil, 0)
		os := klee.NewObjectState(mo, mm)

		sym := klee.NewArray(1000, "v", 1)
		v := sym.Select(klee.NewConstantExpr64(0), klee.Width8)
		os.Write(klee.NewConstantExpr64(1), klee.NewScalarKValue(v))

		if os.IsConcrete() {
			t.Fatal("object with symbolic byte should not be concrete")
		}
		read := os.Read(klee.NewConstantExpr64(1), klee.Width8)
		if klee.IsConstantExpr(read.Offset) {
			t.Fatalf("expected symbolic read, got %s", read.Offset)
		}
	})

	t.Run("CloneIsIndependent", func(t *testing.T) {
		mo := mm.Allocate(klee.NewPointerConstantExpr(4), 4, false, false, nil, 0)
		os := klee.NewObjectState(mo, mm)
		os.Write(klee.NewConstantExpr64(0), klee.NewConstantKValue(0xAABBCCDD, klee.Width32))

		clone := os.Clone()
		clone.Write(klee.NewConstantExpr64(0), klee.NewConstantKValue(0, klee.Width32))

		orig := os.Read(klee.NewConstantExpr64(0), klee.Width32).Offset.(*klee.ConstantExpr)
		if orig.Value != 0xAABBCCDD {
			t.Fatalf("clone write leaked into original: %#x", orig.Value)
		}
	})
}

func TestObjectState_ConcreteBytes(t *testing.T) {
	mm := klee.NewMemoryManager(klee.PointerWidth)
	mo := mm.Allocate(klee.NewPointerConstantExpr(4), 4, false, false, nil, 0)
	os := klee.NewObjectState(mo, mm)

	os.SetConcreteBytes([]byte{1, 2, 3, 4})
	if got := os.ConcreteBytes(); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("bytes=%v", got)
	}
	if !os.IsConcrete() {
		t.Fatal("fully concrete object reported symbolic")
	}
}

func TestMemoryManager(t *testing.T) {
	t.Run("SegmentDisjointness", func(t *testing.T) {
		mm := klee.NewMemoryManager(klee.PointerWidth)
		seen := make(map[uint64]struct{})
		for i := 0; i < 100; i++ {
			mo := mm.Allocate(klee.NewPointerConstantExpr(1), 1, false, false, nil, 0)
			if _, dup := seen[mo.Segment]; dup {
				t.Fatalf("duplicate segment: %d", mo.Segment)
			}
			if mo.Segment < klee.FirstOrdinarySegment {
				t.Fatalf("ordinary allocation got reserved segment: %d", mo.Segment)
			}
			seen[mo.Segment] = struct{}{}
		}
	})

	t.Run("AllocateFixed", func(t *testing.T) {
		mm := klee.NewMemoryManager(klee.PointerWidth)
		mo := mm.AllocateFixed(0x80, 8, nil, 0)
		if !mo.IsFixed {
			t.Fatal("expected fixed object")
		}
		if mo.Address != 0x80 {
			t.Fatalf("address=%#x", mo.Address)
		}

		errno := mm.AllocateFixed(0xffff0000, 4, nil, klee.ErrnoSegment)
		if errno.Segment != klee.ErrnoSegment {
			t.Fatalf("segment=%d, expected errno segment", errno.Segment)
		}
	})

	t.Run("MarkFreed", func(t *testing.T) {
		mm := klee.NewMemoryManager(klee.PointerWidth)
		mo := mm.Allocate(klee.NewPointerConstantExpr(1), 1, false, false, nil, 0)
		mm.MarkFreed(mo)
		if _, ok := mm.WasFreed(mo.Segment); !ok {
			t.Fatal("freed segment not recorded")
		}
	})
}

func TestMemoryObject_BoundsCheck(t *testing.T) {
	mm := klee.NewMemoryManager(klee.PointerWidth)
	mo := mm.Allocate(klee.NewPointerConstantExpr(8), 8, false, false, nil, 0)

	inBounds := mo.BoundsCheckOffset(klee.NewPointerConstantExpr(4), 4)
	if !klee.IsConstantTrue(inBounds) {
		t.Fatalf("offset 4 len 4 of 8 should be in bounds: %s", inBounds)
	}

	outOfBounds := mo.BoundsCheckOffset(klee.NewPointerConstantExpr(5), 4)
	if !klee.IsConstantFalse(outOfBounds) {
		t.Fatalf("offset 5 len 4 of 8 should be out of bounds: %s", outOfBounds)
	}

	ptr := klee.NewPointerKValue(mo.Segment, klee.NewPointerConstantExpr(0))
	check := mo.BoundsCheckPointer(ptr, 8)
	if !klee.IsConstantTrue(check) {
		t.Fatalf("whole-object access should be in bounds: %s", check)
	}

	other := klee.NewPointerKValue(mo.Segment+1, klee.NewPointerConstantExpr(0))
	check = mo.BoundsCheckPointer(other, 1)
	if !klee.IsConstantFalse(check) {
		t.Fatalf("foreign segment must fail the bounds check: %s", check)
	}
}
