package klee_test

import (
	"testing"

	"github.com/capsosk/klee"
	"github.com/google/go-cmp/cmp"
)

func TestNewBinaryExpr_ConstantFolding(t *testing.T) {
	for _, tt := range []struct {
		name string
		op   klee.BinaryOp
		lhs  uint64
		rhs  uint64
		exp  uint64
	}{
		{"Add", klee.ADD, 100, 23, 123},
		{"AddWrap", klee.ADD, 0xFF, 1, 0},
		{"Sub", klee.SUB, 100, 23, 77},
		{"SubWrap", klee.SUB, 0, 1, 0xFF},
		{"Mul", klee.MUL, 12, 12, 144},
		{"UDiv", klee.UDIV, 144, 12, 12},
		{"URem", klee.UREM, 145, 12, 1},
		{"And", klee.AND, 0xF0, 0x3C, 0x30},
		{"Or", klee.OR, 0xF0, 0x3C, 0xFC},
		{"Xor", klee.XOR, 0xF0, 0x3C, 0xCC},
		{"Shl", klee.SHL, 0x0F, 4, 0xF0},
		{"LShr", klee.LSHR, 0xF0, 4, 0x0F},
		{"AShr", klee.ASHR, 0x80, 4, 0xF8},
	} {
		t.Run(tt.name, func(t *testing.T) {
			expr := klee.NewBinaryExpr(tt.op, klee.NewConstantExpr8(tt.lhs), klee.NewConstantExpr8(tt.rhs))
			constant, ok := expr.(*klee.ConstantExpr)
			if !ok {
				t.Fatalf("expected constant, got %s", expr)
			} else if got := constant.Value; got != tt.exp {
				t.Fatalf("value=%d, expected %d", got, tt.exp)
			}
		})
	}
}

func TestNewBinaryExpr_SignedFolding(t *testing.T) {
	neg := func(v uint64) *klee.ConstantExpr { return klee.NewConstantExpr8(-v) }

	if got := klee.NewBinaryExpr(klee.SDIV, neg(100), klee.NewConstantExpr8(10)).(*klee.ConstantExpr); got.Value != neg(10).Value {
		t.Fatalf("sdiv=%d, expected %d", got.Value, neg(10).Value)
	}
	if got := klee.NewBinaryExpr(klee.SLT, neg(1), klee.NewConstantExpr8(1)).(*klee.ConstantExpr); !got.IsTrue() {
		t.Fatalf("slt(-1, 1) should be true")
	}
	if got := klee.NewBinaryExpr(klee.ULT, neg(1), klee.NewConstantExpr8(1)).(*klee.ConstantExpr); !got.IsFalse() {
		t.Fatalf("ult(0xFF, 1) should be false")
	}
}

func TestNewBinaryExpr_Simplifications(t *testing.T) {
	array := klee.NewArray(1, "x", 1)
	x := array.Select(klee.NewConstantExpr64(0), klee.Width8)

	t.Run("EqSelfIsTrue", func(t *testing.T) {
		expr := klee.NewBinaryExpr(klee.EQ, x, x)
		if !klee.IsConstantTrue(expr) {
			t.Fatalf("expected true, got %s", expr)
		}
	})

	t.Run("AndSelf", func(t *testing.T) {
		expr := klee.NewBinaryExpr(klee.AND, x, x)
		if cmp := klee.CompareExpr(expr, x); cmp != 0 {
			t.Fatalf("expected x, got %s", expr)
		}
	})

	t.Run("OrZero", func(t *testing.T) {
		expr := klee.NewBinaryExpr(klee.OR, x, klee.NewConstantExpr8(0))
		if cmp := klee.CompareExpr(expr, x); cmp != 0 {
			t.Fatalf("expected x, got %s", expr)
		}
	})

	t.Run("AndAllOnes", func(t *testing.T) {
		expr := klee.NewBinaryExpr(klee.AND, x, klee.NewConstantExpr8(0xFF))
		if cmp := klee.CompareExpr(expr, x); cmp != 0 {
			t.Fatalf("expected x, got %s", expr)
		}
	})

	t.Run("MulZero", func(t *testing.T) {
		expr := klee.NewBinaryExpr(klee.MUL, x, klee.NewConstantExpr8(0))
		if !klee.IsConstantExpr(expr) || expr.(*klee.ConstantExpr).Value != 0 {
			t.Fatalf("expected zero, got %s", expr)
		}
	})

	t.Run("AddConstantReassociation", func(t *testing.T) {
		// 1 + (2 + x) folds the constants together.
		inner := klee.NewBinaryExpr(klee.ADD, klee.NewConstantExpr8(2), x)
		expr := klee.NewBinaryExpr(klee.ADD, klee.NewConstantExpr8(1), inner)
		bin, ok := expr.(*klee.BinaryExpr)
		if !ok || bin.Op != klee.ADD {
			t.Fatalf("expected add, got %s", expr)
		}
		if c, ok := bin.LHS.(*klee.ConstantExpr); !ok || c.Value != 3 {
			t.Fatalf("expected folded constant 3, got %s", bin.LHS)
		}
	})
}

func TestNewBinaryExpr_WidthMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on width mismatch")
		}
	}()
	klee.NewBinaryExpr(klee.ADD, klee.NewConstantExpr8(1), klee.NewConstantExpr16(1))
}

func TestNewConcatExpr_ContiguousExtract(t *testing.T) {
	array := klee.NewArray(1, "x", 1)
	wide := klee.NewCastExpr(array.Select(klee.NewConstantExpr64(0), klee.Width8), klee.Width32, false)

	msb := klee.NewExtractExpr(wide, 8, 8)
	lsb := klee.NewExtractExpr(wide, 0, 8)
	expr := klee.NewConcatExpr(msb, lsb)

	extract, ok := expr.(*klee.ExtractExpr)
	if !ok {
		t.Fatalf("expected merged extract, got %s", expr)
	} else if extract.Offset != 0 || extract.Width != 16 {
		t.Fatalf("extract offset=%d width=%d, expected 0/16", extract.Offset, extract.Width)
	}
}

func TestNewCastExpr_Constants(t *testing.T) {
	if got := klee.NewCastExpr(klee.NewConstantExpr8(0x80), klee.Width32, false).(*klee.ConstantExpr); got.Value != 0x80 {
		t.Fatalf("zext=%#x, expected 0x80", got.Value)
	}
	if got := klee.NewCastExpr(klee.NewConstantExpr8(0x80), klee.Width32, true).(*klee.ConstantExpr); got.Value != 0xFFFFFF80 {
		t.Fatalf("sext=%#x, expected 0xFFFFFF80", got.Value)
	}
	if got := klee.NewCastExpr(klee.NewConstantExpr32(0x1234), klee.Width8, false).(*klee.ConstantExpr); got.Value != 0x34 {
		t.Fatalf("trunc=%#x, expected 0x34", got.Value)
	}
}

func TestNewIteExpr(t *testing.T) {
	array := klee.NewArray(1, "x", 1)
	x := array.Select(klee.NewConstantExpr64(0), klee.Width8)
	cond := klee.NewBinaryExpr(klee.EQ, x, klee.NewConstantExpr8(1))

	t.Run("ConstantCond", func(t *testing.T) {
		expr := klee.NewIteExpr(klee.NewBoolConstantExpr(true), klee.NewConstantExpr8(1), klee.NewConstantExpr8(2))
		if got := expr.(*klee.ConstantExpr).Value; got != 1 {
			t.Fatalf("ite=%d, expected 1", got)
		}
	})

	t.Run("EqualArms", func(t *testing.T) {
		expr := klee.NewIteExpr(cond, klee.NewConstantExpr8(7), klee.NewConstantExpr8(7))
		if got := expr.(*klee.ConstantExpr).Value; got != 7 {
			t.Fatalf("ite=%d, expected 7", got)
		}
	})

	t.Run("Symbolic", func(t *testing.T) {
		expr := klee.NewIteExpr(cond, klee.NewConstantExpr8(1), klee.NewConstantExpr8(2))
		if _, ok := expr.(*klee.IteExpr); !ok {
			t.Fatalf("expected ite, got %s", expr)
		}
		if got := klee.ExprWidth(expr); got != klee.Width8 {
			t.Fatalf("width=%d, expected 8", got)
		}
	})
}

func TestSimplifyExpr_EqualitySubstitution(t *testing.T) {
	array := klee.NewArray(1, "x", 1)
	x := array.Select(klee.NewConstantExpr64(0), klee.Width8)

	constraints := []klee.Expr{klee.NewBinaryExpr(klee.EQ, klee.NewConstantExpr8(7), x)}
	expr := klee.NewBinaryExpr(klee.ADD, x, klee.NewConstantExpr8(1))

	got := klee.SimplifyExpr(constraints, expr)
	constant, ok := got.(*klee.ConstantExpr)
	if !ok {
		t.Fatalf("expected constant after substitution, got %s", got)
	} else if constant.Value != 8 {
		t.Fatalf("value=%d, expected 8", constant.Value)
	}
}

func TestAssignment_Evaluate(t *testing.T) {
	array := klee.NewArray(1, "x", 2)
	x := array.Select(klee.NewConstantExpr64(0), klee.Width16)

	a := klee.NewAssignment([]*klee.Array{array}, [][]byte{{0x34, 0x12}})
	value, err := a.Evaluate(x)
	if err != nil {
		t.Fatal(err)
	} else if value.Value != 0x1234 {
		t.Fatalf("value=%#x, expected 0x1234", value.Value)
	}

	// Updates shadow the initial bytes.
	updated := array.Store(klee.NewConstantExpr64(0), klee.NewConstantExpr8(0xFF))
	y := updated.Select(klee.NewConstantExpr64(0), klee.Width16)
	value, err = a.Evaluate(y)
	if err != nil {
		t.Fatal(err)
	} else if value.Value != 0x12FF {
		t.Fatalf("value=%#x, expected 0x12FF", value.Value)
	}
}

func TestFindArrays(t *testing.T) {
	a1 := klee.NewArray(1, "a", 1)
	a2 := klee.NewArray(2, "b", 1)

	expr := klee.NewBinaryExpr(klee.ADD,
		a1.Select(klee.NewConstantExpr64(0), klee.Width8),
		a2.Select(klee.NewConstantExpr64(0), klee.Width8))

	arrays := klee.FindArrays(expr)
	if got, exp := len(arrays), 2; got != exp {
		t.Fatalf("len(arrays)=%d, expected %d", got, exp)
	}
	if diff := cmp.Diff([]uint64{1, 2}, []uint64{arrays[0].ID, arrays[1].ID}); diff != "" {
		t.Fatalf("unexpected arrays (-want +got):\n%s", diff)
	}
}
