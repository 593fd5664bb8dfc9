package klee_test

import (
	"testing"

	"github.com/capsosk/klee"
	"github.com/google/go-cmp/cmp"
)

func TestExecutionState_AddConstraint(t *testing.T) {
	state := klee.NewExecutionState(testFunction(t))
	array := klee.NewArray(1, "x", 1)
	x := array.Select(klee.NewConstantExpr64(0), klee.Width8)

	t.Run("SplitsConjunctions", func(t *testing.T) {
		a := klee.NewBinaryExpr(klee.ULT, x, klee.NewConstantExpr8(10))
		b := klee.NewBinaryExpr(klee.UGT, x, klee.NewConstantExpr8(2))
		state.AddConstraint(&klee.BinaryExpr{Op: klee.AND, LHS: a, RHS: b})

		if got, exp := len(state.Constraints()), 2; got != exp {
			t.Fatalf("len(constraints)=%d, expected %d", got, exp)
		}
	})

	t.Run("ConstantTrueIsDropped", func(t *testing.T) {
		n := len(state.Constraints())
		state.AddConstraint(klee.NewBoolConstantExpr(true))
		if got := len(state.Constraints()); got != n {
			t.Fatalf("constant true added to constraint set")
		}
	})

	t.Run("ConstantFalseIsABug", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic on false constraint")
			}
		}()
		state.AddConstraint(klee.NewBoolConstantExpr(false))
	})
}

func TestExecutionState_Branch(t *testing.T) {
	state := klee.NewExecutionState(testFunction(t))
	array := klee.NewArray(1, "x", 1)
	x := array.Select(klee.NewConstantExpr64(0), klee.Width8)
	cond := klee.NewBinaryExpr(klee.EQ, x, klee.NewConstantExpr8(7))

	state.AddConstraint(klee.NewBinaryExpr(klee.ULT, x, klee.NewConstantExpr8(100)))

	sibling := state.Branch()

	// Constraint sets start out identical, then diverge by exactly the
	// branch condition on each side.
	if diff := cmp.Diff(exprStrings(state.Constraints()), exprStrings(sibling.Constraints())); diff != "" {
		t.Fatalf("sibling constraints differ (-want +got):\n%s", diff)
	}

	state.AddConstraint(cond)
	sibling.AddConstraint(klee.NewIsZeroExpr(cond))

	if got, exp := len(state.Constraints()), 2; got != exp {
		t.Fatalf("len(constraints)=%d, expected %d", got, exp)
	}
	if got, exp := len(sibling.Constraints()), 2; got != exp {
		t.Fatalf("len(sibling constraints)=%d, expected %d", got, exp)
	}

	// Constraint growth on one side never leaks to the other.
	if cmp := klee.CompareExpr(state.Constraints()[1], sibling.Constraints()[1]); cmp == 0 {
		t.Fatal("branch conditions should differ")
	}
}

func TestExecutionState_UniqueArrayName(t *testing.T) {
	state := klee.NewExecutionState(testFunction(t))
	if got := state.UniqueArrayName("x"); got != "x" {
		t.Fatalf("name=%q, expected x", got)
	}
	if got := state.UniqueArrayName("x"); got != "x_1" {
		t.Fatalf("name=%q, expected x_1", got)
	}
	if got := state.UniqueArrayName("x"); got != "x_2" {
		t.Fatalf("name=%q, expected x_2", got)
	}
}

func TestExecutionState_Frames(t *testing.T) {
	m := klee.NewModule()
	callee := m.AddFunction("callee", 0, klee.Param{Name: "a", Width: 8})
	b := callee.NewBlock("entry")
	b.Append(&klee.Instruction{Op: klee.OpRet, Dest: -1})

	fn := m.AddFunction("main", 0)
	blk := fn.NewBlock("entry")
	blk.Append(&klee.Instruction{Op: klee.OpRet, Dest: -1})
	if err := m.Prepare(); err != nil {
		t.Fatal(err)
	}

	state := klee.NewExecutionState(fn)
	if got := state.StackDepth(); got != 1 {
		t.Fatalf("depth=%d, expected 1", got)
	}

	state.PushFrame(state.PC(), callee)
	if got := state.StackDepth(); got != 2 {
		t.Fatalf("depth=%d, expected 2", got)
	}
	if got := state.Frame().Function(); got != callee {
		t.Fatalf("frame fn=%s", got.Name)
	}

	state.PopFrame()
	if got := state.StackDepth(); got != 1 {
		t.Fatalf("depth=%d, expected 1", got)
	}
}

func exprStrings(exprs []klee.Expr) []string {
	out := make([]string, len(exprs))
	for i, e := range exprs {
		out[i] = e.String()
	}
	return out
}
