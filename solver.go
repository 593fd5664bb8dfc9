package klee

import (
	"errors"
	"time"
)

// Validity is the three-valued result of evaluating a condition against a
// state's path constraints.
type Validity int

const (
	Unknown Validity = iota
	True
	False
)

// String returns the string representation of the validity.
func (v Validity) String() string {
	switch v {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// Solver represents a logical constraint solver. Implementations decide
// the satisfiability of the conjoined constraints and, when satisfiable,
// produce initial byte values for each requested array. A zero timeout
// means no limit; an expired limit surfaces as ErrSolverTimeout.
type Solver interface {
	Solve(constraints []Expr, arrays []*Array, timeout time.Duration) (satisfiable bool, values [][]byte, err error)
}

// ErrUnsatisfiable is returned by value queries made against a state whose
// constraint set has become unsatisfiable, which violates the liveness
// invariant and indicates an engine bug upstream.
var ErrUnsatisfiable = errors.New("klee: constraints unsatisfiable")

// TimingSolver wraps a raw Solver with the query surface the engine core
// consumes: validity checks, value synthesis, and range bounding, all
// bounded by a per-call timeout and optionally preceded by equality
// substitution against the state's constraints.
type TimingSolver struct {
	solver   Solver
	timeout  time.Duration
	simplify bool

	// QueryCount counts raw solver invocations.
	QueryCount uint64
	// QueryTime accumulates wall time spent inside the solver.
	QueryTime time.Duration
}

// NewTimingSolver returns a timing solver over the raw solver.
func NewTimingSolver(solver Solver, simplify bool) *TimingSolver {
	return &TimingSolver{solver: solver, simplify: simplify}
}

// SetTimeout sets the per-call timeout. Zero disables the limit.
func (ts *TimingSolver) SetTimeout(d time.Duration) { ts.timeout = d }

func (ts *TimingSolver) solve(constraints []Expr, arrays []*Array) (bool, [][]byte, error) {
	ts.QueryCount++
	t := time.Now()
	sat, values, err := ts.solver.Solve(constraints, arrays, ts.timeout)
	ts.QueryTime += time.Since(t)
	return sat, values, err
}

func (ts *TimingSolver) prepare(state *ExecutionState, expr Expr) Expr {
	if ts.simplify {
		return SimplifyExpr(state.constraints, expr)
	}
	return expr
}

// Evaluate decides whether expr is valid, unsatisfiable, or neither under
// the state's constraints.
func (ts *TimingSolver) Evaluate(state *ExecutionState, expr Expr) (Validity, error) {
	expr = ts.prepare(state, expr)
	if expr, ok := expr.(*ConstantExpr); ok {
		if expr.IsTrue() {
			return True, nil
		}
		return False, nil
	}

	mustBeTrue, err := ts.mustBeTrue(state, expr)
	if err != nil {
		return Unknown, err
	} else if mustBeTrue {
		return True, nil
	}

	mustBeFalse, err := ts.mustBeTrue(state, NewIsZeroExpr(expr))
	if err != nil {
		return Unknown, err
	} else if mustBeFalse {
		return False, nil
	}
	return Unknown, nil
}

// MustBeTrue returns true iff constraints ∧ ¬expr is unsatisfiable.
func (ts *TimingSolver) MustBeTrue(state *ExecutionState, expr Expr) (bool, error) {
	return ts.mustBeTrue(state, ts.prepare(state, expr))
}

func (ts *TimingSolver) mustBeTrue(state *ExecutionState, expr Expr) (bool, error) {
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr.IsTrue(), nil
	}
	sat, _, err := ts.solve(append(append([]Expr{}, state.constraints...), NewIsZeroExpr(expr)), nil)
	if err != nil {
		return false, err
	}
	return !sat, nil
}

// MustBeFalse returns true iff constraints ∧ expr is unsatisfiable.
func (ts *TimingSolver) MustBeFalse(state *ExecutionState, expr Expr) (bool, error) {
	return ts.MustBeTrue(state, NewIsZeroExpr(ts.prepare(state, expr)))
}

// MayBeTrue returns true iff constraints ∧ expr is satisfiable.
func (ts *TimingSolver) MayBeTrue(state *ExecutionState, expr Expr) (bool, error) {
	expr = ts.prepare(state, expr)
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr.IsTrue(), nil
	}
	sat, _, err := ts.solve(append(append([]Expr{}, state.constraints...), expr), nil)
	if err != nil {
		return false, err
	}
	return sat, nil
}

// GetValue returns some satisfying assignment's value for expr.
func (ts *TimingSolver) GetValue(state *ExecutionState, expr Expr) (*ConstantExpr, error) {
	expr = ts.prepare(state, expr)
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr, nil
	}

	arrays := FindArrays(append(append([]Expr{}, state.constraints...), expr)...)
	sat, values, err := ts.solve(state.constraints, arrays)
	if err != nil {
		return nil, err
	} else if !sat {
		return nil, ErrUnsatisfiable
	}
	return NewAssignment(arrays, values).Evaluate(expr)
}

// GetKValue concretizes both planes of a KValue.
func (ts *TimingSolver) GetKValue(state *ExecutionState, value KValue) (KValue, error) {
	segment, err := ts.GetValue(state, value.Segment)
	if err != nil {
		return KValue{}, err
	}
	offset, err := ts.GetValue(state, value.Offset)
	if err != nil {
		return KValue{}, err
	}
	return KValue{Segment: segment, Offset: offset}, nil
}

// GetRange returns a [lo, hi] bound on expr's feasible unsigned values,
// found by binary search over the expression's width.
func (ts *TimingSolver) GetRange(state *ExecutionState, expr Expr) (*ConstantExpr, *ConstantExpr, error) {
	expr = ts.prepare(state, expr)
	width := ExprWidth(expr)
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr, expr, nil
	}

	// Smallest feasible value.
	lo, hi := uint64(0), bitmask(width)
	for lo < hi {
		mid := lo + (hi-lo)/2
		may, err := ts.MayBeTrue(state, NewBinaryExpr(ULE, expr, NewConstantExpr(mid, width)))
		if err != nil {
			return nil, nil, err
		}
		if may {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	min := lo

	// Largest feasible value.
	lo, hi = min, bitmask(width)
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		may, err := ts.MayBeTrue(state, NewBinaryExpr(UGE, expr, NewConstantExpr(mid, width)))
		if err != nil {
			return nil, nil, err
		}
		if may {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	return NewConstantExpr(min, width), NewConstantExpr(lo, width), nil
}

// GetInitialValues returns one satisfying assignment for the given arrays
// under the state's constraints.
func (ts *TimingSolver) GetInitialValues(state *ExecutionState, arrays []*Array) ([][]byte, error) {
	if len(arrays) == 0 {
		return nil, nil
	}
	sat, values, err := ts.solve(state.constraints, arrays)
	if err != nil {
		return nil, err
	} else if !sat {
		return nil, ErrUnsatisfiable
	}
	return values, nil
}
