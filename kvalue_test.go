package klee_test

import (
	"testing"

	"github.com/capsosk/klee"
)

func TestKValue_PointerArithmetic(t *testing.T) {
	p := klee.NewPointerKValue(5, klee.NewPointerConstantExpr(16))
	n := klee.NewConstantKValue(8, klee.PointerWidth)

	t.Run("AddScalarKeepsSegment", func(t *testing.T) {
		sum := p.Add(n)
		if seg, ok := sum.ConstantSegment(); !ok || seg != 5 {
			t.Fatalf("segment=%v, expected 5", sum.Segment)
		}
		if off := sum.Offset.(*klee.ConstantExpr); off.Value != 24 {
			t.Fatalf("offset=%d, expected 24", off.Value)
		}
	})

	t.Run("SubSameSegmentIsScalar", func(t *testing.T) {
		q := klee.NewPointerKValue(5, klee.NewPointerConstantExpr(8))
		diff := p.Sub(q)
		if !diff.IsZeroSegment() {
			t.Fatalf("pointer difference should be scalar, got segment %s", diff.Segment)
		}
		if off := diff.Offset.(*klee.ConstantExpr); off.Value != 8 {
			t.Fatalf("offset=%d, expected 8", off.Value)
		}
	})

	t.Run("AddDistinctSegmentsIsScalar", func(t *testing.T) {
		q := klee.NewPointerKValue(6, klee.NewPointerConstantExpr(8))
		sum := p.Add(q)
		if !sum.IsZeroSegment() {
			t.Fatalf("cross-segment arithmetic should be scalar, got segment %s", sum.Segment)
		}
	})

	t.Run("AndKeepsLeftSegment", func(t *testing.T) {
		// Pointer-tag masking: p & ~7 must stay a pointer into p's region.
		mask := klee.NewConstantKValue(^uint64(7), klee.PointerWidth)
		masked := p.And(mask)
		if seg, ok := masked.ConstantSegment(); !ok || seg != 5 {
			t.Fatalf("segment=%v, expected 5", masked.Segment)
		}

		// And is left-biased even when the pointer is on the right.
		swapped := mask.And(p)
		if !swapped.IsZeroSegment() {
			t.Fatalf("left-biased And should take the scalar segment, got %s", swapped.Segment)
		}
	})
}

func TestKValue_Comparison(t *testing.T) {
	p := klee.NewPointerKValue(5, klee.NewPointerConstantExpr(16))
	q := klee.NewPointerKValue(6, klee.NewPointerConstantExpr(16))

	t.Run("EqComparesSegments", func(t *testing.T) {
		eq := p.Eq(q)
		if !klee.IsConstantFalse(eq.Offset) {
			t.Fatalf("pointers into distinct segments must not be equal: %s", eq.Offset)
		}
		eq = p.Eq(p)
		if !klee.IsConstantTrue(eq.Offset) {
			t.Fatalf("pointer must equal itself: %s", eq.Offset)
		}
	})

	t.Run("NullCheck", func(t *testing.T) {
		null := klee.NewConstantKValue(0, klee.PointerWidth)
		if !klee.IsConstantTrue(null.CreateIsZero()) {
			t.Fatal("null pointer is zero")
		}
		if !klee.IsConstantFalse(p.CreateIsZero()) {
			t.Fatal("valid pointer is not zero")
		}
	})
}

func TestKValue_Select(t *testing.T) {
	array := klee.NewArray(1, "c", 1)
	cond := klee.NewScalarKValue(klee.NewBinaryExpr(klee.EQ,
		array.Select(klee.NewConstantExpr64(0), klee.Width8), klee.NewConstantExpr8(1)))

	p := klee.NewPointerKValue(5, klee.NewPointerConstantExpr(0))
	q := klee.NewPointerKValue(6, klee.NewPointerConstantExpr(0))

	sel := cond.Select(p, q)
	if _, ok := sel.Segment.(*klee.IteExpr); !ok {
		t.Fatalf("expected ite segment, got %s", sel.Segment)
	}

	concrete := klee.NewConstantKValue(1, klee.WidthBool).Select(p, q)
	if seg, ok := concrete.ConstantSegment(); !ok || seg != 5 {
		t.Fatalf("segment=%s, expected 5", concrete.Segment)
	}
}
