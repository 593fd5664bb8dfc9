package klee

import (
	"fmt"
)

// Assignment maps symbolic arrays to concrete initial byte values.
type Assignment struct {
	m map[uint64][]byte // mapping of array id to value
}

// NewAssignment returns a new instance of Assignment with the given array/value mapping.
func NewAssignment(arrays []*Array, values [][]byte) *Assignment {
	assert(len(arrays) == len(values), "array/value count mismatch: %d != %d", len(arrays), len(values))

	m := make(map[uint64][]byte)
	for i, array := range arrays {
		_, ok := m[array.ID]
		assert(!ok, "duplicate array: id=%d", array.ID)
		m[array.ID] = values[i]
	}

	return &Assignment{m: m}
}

// Bind adds or replaces the value bound to array.
func (a *Assignment) Bind(array *Array, value []byte) {
	a.m[array.ID] = value
}

// Value returns the bytes bound to array, or nil.
func (a *Assignment) Value(array *Array) []byte {
	return a.m[array.ID]
}

// Evaluate evaluates expr to a constant expression.
// Returns an error if an unknown array is encountered.
func (a *Assignment) Evaluate(expr Expr) (*ConstantExpr, error) {
	switch expr := expr.(type) {
	case *BinaryExpr:
		lhs, err := a.Evaluate(expr.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := a.Evaluate(expr.RHS)
		if err != nil {
			return nil, err
		}
		return NewBinaryExpr(expr.Op, lhs, rhs).(*ConstantExpr), nil
	case *CastExpr:
		src, err := a.Evaluate(expr.Src)
		if err != nil {
			return nil, err
		}
		return NewCastExpr(src, expr.Width, expr.Signed).(*ConstantExpr), nil
	case *ConcatExpr:
		msb, err := a.Evaluate(expr.MSB)
		if err != nil {
			return nil, err
		}
		lsb, err := a.Evaluate(expr.LSB)
		if err != nil {
			return nil, err
		}
		return NewConcatExpr(msb, lsb).(*ConstantExpr), nil
	case *ConstantExpr:
		return expr, nil
	case *ExtractExpr:
		src, err := a.Evaluate(expr.Expr)
		if err != nil {
			return nil, err
		}
		return NewExtractExpr(src, expr.Offset, expr.Width).(*ConstantExpr), nil
	case *IteExpr:
		cond, err := a.Evaluate(expr.Cond)
		if err != nil {
			return nil, err
		}
		if cond.IsTrue() {
			return a.Evaluate(expr.Then)
		}
		return a.Evaluate(expr.Else)
	case *NotExpr:
		src, err := a.Evaluate(expr.Expr)
		if err != nil {
			return nil, err
		}
		return NewNotExpr(src).(*ConstantExpr), nil
	case *NotOptimizedExpr:
		return a.Evaluate(expr.Src)
	case *SelectExpr:
		i, err := a.Evaluate(expr.Index)
		if err != nil {
			return nil, err
		}

		// Return most recent update to given index, if available.
		for upd := expr.Array.Updates; upd != nil; upd = upd.Next {
			index, err := a.Evaluate(upd.Index)
			if err != nil {
				return nil, err
			} else if index.Value != i.Value {
				continue
			}
			return a.Evaluate(upd.Value)
		}

		// Otherwise return original value.
		initial, ok := a.m[expr.Array.ID]
		if !ok {
			return nil, fmt.Errorf("array not bound: id=%d", expr.Array.ID)
		} else if int(i.Value) >= len(initial) {
			return nil, fmt.Errorf("select index out of bounds: %d >= %d", i.Value, len(initial))
		}
		return NewConstantExpr(uint64(initial[i.Value]), 8), nil

	default:
		return nil, fmt.Errorf("invalid expression type: %T", expr)
	}
}

// MustEvaluate evaluates expr and panics on failure. Used on paths where a
// binding for every referenced array is an invariant.
func (a *Assignment) MustEvaluate(expr Expr) *ConstantExpr {
	value, err := a.Evaluate(expr)
	if err != nil {
		panic(fmt.Sprintf("klee.Assignment: %s", err))
	}
	return value
}
