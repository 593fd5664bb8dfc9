package klee_test

import (
	"testing"

	"github.com/capsosk/klee"
)

func TestArray_SelectStore(t *testing.T) {
	t.Run("ConcreteRoundTrip", func(t *testing.T) {
		a := klee.NewArray(1, "", 4)
		a = a.Store(klee.NewConstantExpr64(0), klee.NewConstantExpr32(0x11223344))

		value := a.Select(klee.NewConstantExpr64(0), klee.Width32)
		constant, ok := value.(*klee.ConstantExpr)
		if !ok {
			t.Fatalf("expected constant, got %s", value)
		} else if constant.Value != 0x11223344 {
			t.Fatalf("value=%#x, expected 0x11223344", constant.Value)
		}

		// Little-endian byte order.
		b := a.Select(klee.NewConstantExpr64(0), klee.Width8).(*klee.ConstantExpr)
		if b.Value != 0x44 {
			t.Fatalf("byte 0=%#x, expected 0x44", b.Value)
		}
	})

	t.Run("StoreIsCopyOnWrite", func(t *testing.T) {
		a := klee.NewArray(1, "", 2)
		a = a.Store(klee.NewConstantExpr64(0), klee.NewConstantExpr16(0x1234))

		b := a.Store(klee.NewConstantExpr64(0), klee.NewConstantExpr8(0xFF))

		av := a.Select(klee.NewConstantExpr64(0), klee.Width8).(*klee.ConstantExpr)
		bv := b.Select(klee.NewConstantExpr64(0), klee.Width8).(*klee.ConstantExpr)
		if av.Value != 0x34 {
			t.Fatalf("original modified: %#x", av.Value)
		}
		if bv.Value != 0xFF {
			t.Fatalf("copy not updated: %#x", bv.Value)
		}
	})

	t.Run("SymbolicIndexProducesSelect", func(t *testing.T) {
		sym := klee.NewArray(2, "idx", 1)
		index := klee.NewCastExpr(sym.Select(klee.NewConstantExpr64(0), klee.Width8), klee.Width64, false)

		a := klee.NewArray(1, "", 4)
		a = a.Store(klee.NewConstantExpr64(0), klee.NewConstantExpr32(0))

		value := a.Select(index, klee.Width8)
		if _, ok := value.(*klee.SelectExpr); !ok {
			t.Fatalf("expected select, got %s", value)
		}
	})
}

func TestArray_IsSymbolic(t *testing.T) {
	a := klee.NewArray(1, "x", 2)
	if !a.IsSymbolic() {
		t.Fatal("array with no updates should be symbolic")
	}

	a.Zero()
	if a.IsSymbolic() {
		t.Fatal("zeroed array should be concrete")
	}

	sym := klee.NewArray(2, "y", 1)
	b := a.Store(klee.NewConstantExpr64(0), sym.Select(klee.NewConstantExpr64(0), klee.Width8))
	if !b.IsSymbolic() {
		t.Fatal("array with symbolic byte should be symbolic")
	}
}
