package klee_test

import (
	"testing"

	"github.com/capsosk/klee"
)

func newSolverState(t *testing.T) (*klee.ExecutionState, klee.Expr) {
	t.Helper()
	state := klee.NewExecutionState(testFunction(t))
	array := klee.NewArray(1, "x", 1)
	x := array.Select(klee.NewConstantExpr64(0), klee.Width8)
	return state, x
}

func TestTimingSolver_Evaluate(t *testing.T) {
	solver := klee.NewTimingSolver(&bruteSolver{}, false)
	state, x := newSolverState(t)

	// Unconstrained: x == 7 is neither valid nor unsatisfiable.
	cond := klee.NewBinaryExpr(klee.EQ, x, klee.NewConstantExpr8(7))
	if v, err := solver.Evaluate(state, cond); err != nil {
		t.Fatal(err)
	} else if v != klee.Unknown {
		t.Fatalf("validity=%s, expected unknown", v)
	}

	// Constrained to 7: valid.
	state.AddConstraint(cond)
	if v, err := solver.Evaluate(state, cond); err != nil {
		t.Fatal(err)
	} else if v != klee.True {
		t.Fatalf("validity=%s, expected true", v)
	}

	// x == 8 is now unsatisfiable.
	other := klee.NewBinaryExpr(klee.EQ, x, klee.NewConstantExpr8(8))
	if v, err := solver.Evaluate(state, other); err != nil {
		t.Fatal(err)
	} else if v != klee.False {
		t.Fatalf("validity=%s, expected false", v)
	}
}

func TestTimingSolver_MayMustBeTrue(t *testing.T) {
	solver := klee.NewTimingSolver(&bruteSolver{}, false)
	state, x := newSolverState(t)

	state.AddConstraint(klee.NewBinaryExpr(klee.ULT, x, klee.NewConstantExpr8(10)))

	if may, err := solver.MayBeTrue(state, klee.NewBinaryExpr(klee.EQ, x, klee.NewConstantExpr8(5))); err != nil {
		t.Fatal(err)
	} else if !may {
		t.Fatal("x==5 should be possible")
	}
	if may, err := solver.MayBeTrue(state, klee.NewBinaryExpr(klee.EQ, x, klee.NewConstantExpr8(10))); err != nil {
		t.Fatal(err)
	} else if may {
		t.Fatal("x==10 should be impossible")
	}
	if must, err := solver.MustBeTrue(state, klee.NewBinaryExpr(klee.ULT, x, klee.NewConstantExpr8(11))); err != nil {
		t.Fatal(err)
	} else if !must {
		t.Fatal("x<11 should be provable")
	}
	if must, err := solver.MustBeTrue(state, klee.NewBinaryExpr(klee.ULT, x, klee.NewConstantExpr8(9))); err != nil {
		t.Fatal(err)
	} else if must {
		t.Fatal("x<9 should not be provable")
	}
}

func TestTimingSolver_GetValue(t *testing.T) {
	solver := klee.NewTimingSolver(&bruteSolver{}, false)
	state, x := newSolverState(t)

	state.AddConstraint(klee.NewBinaryExpr(klee.EQ, x, klee.NewConstantExpr8(42)))

	value, err := solver.GetValue(state, x)
	if err != nil {
		t.Fatal(err)
	} else if value.Value != 42 {
		t.Fatalf("value=%d, expected 42", value.Value)
	}
}

func TestTimingSolver_GetRange(t *testing.T) {
	solver := klee.NewTimingSolver(&bruteSolver{}, false)
	state, x := newSolverState(t)

	state.AddConstraint(klee.NewBinaryExpr(klee.UGE, x, klee.NewConstantExpr8(3)))
	state.AddConstraint(klee.NewBinaryExpr(klee.ULE, x, klee.NewConstantExpr8(9)))

	lo, hi, err := solver.GetRange(state, x)
	if err != nil {
		t.Fatal(err)
	}
	if lo.Value != 3 || hi.Value != 9 {
		t.Fatalf("range=[%d, %d], expected [3, 9]", lo.Value, hi.Value)
	}
}

func TestTimingSolver_GetInitialValues(t *testing.T) {
	solver := klee.NewTimingSolver(&bruteSolver{}, false)
	state := klee.NewExecutionState(testFunction(t))

	array := klee.NewArray(1, "x", 2)
	x := array.Select(klee.NewConstantExpr64(0), klee.Width16)
	state.AddConstraint(klee.NewBinaryExpr(klee.EQ, x, klee.NewConstantExpr16(0xABCD)))

	values, err := solver.GetInitialValues(state, []*klee.Array{array})
	if err != nil {
		t.Fatal(err)
	} else if len(values) != 1 {
		t.Fatalf("len(values)=%d", len(values))
	} else if values[0][0] != 0xCD || values[0][1] != 0xAB {
		t.Fatalf("values=%v, expected little-endian 0xABCD", values[0])
	}
}

func TestTimingSolver_EqualitySubstitutionReducesQueries(t *testing.T) {
	state, x := newSolverState(t)
	cond := klee.NewBinaryExpr(klee.EQ, klee.NewConstantExpr8(7), x)
	state.AddConstraint(cond)

	plain := klee.NewTimingSolver(&bruteSolver{}, false)
	if _, err := plain.GetValue(state, x); err != nil {
		t.Fatal(err)
	}

	simplifying := klee.NewTimingSolver(&bruteSolver{}, true)
	if value, err := simplifying.GetValue(state, x); err != nil {
		t.Fatal(err)
	} else if value.Value != 7 {
		t.Fatalf("value=%d, expected 7", value.Value)
	}

	if simplifying.QueryCount >= plain.QueryCount {
		t.Fatalf("substitution should save queries: %d >= %d", simplifying.QueryCount, plain.QueryCount)
	}
}
