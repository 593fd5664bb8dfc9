package klee_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/capsosk/klee"
)

// bruteSolver is a deterministic test solver: it enumerates every byte
// assignment of the arrays referenced by the constraints and checks the
// conjunction with the expression evaluator. Tests keep symbolic inputs
// at one or two bytes so the enumeration stays exact and fast.
type bruteSolver struct{}

const bruteSolverMaxBytes = 2

func (s *bruteSolver) Solve(constraints []klee.Expr, arrays []*klee.Array, timeout time.Duration) (bool, [][]byte, error) {
	// Only arrays whose initial bytes can actually be read are free
	// variables; arrays fully covered by updates (object-state planes)
	// resolve through their update chains.
	var constrained []*klee.Array
	for _, a := range klee.FindArrays(constraints...) {
		if !coveredByUpdates(a) {
			constrained = append(constrained, a)
		}
	}

	totalBytes := uint(0)
	for _, a := range constrained {
		totalBytes += a.Size
	}
	if totalBytes > bruteSolverMaxBytes {
		return false, nil, fmt.Errorf("bruteSolver: too many symbolic bytes: %d", totalBytes)
	}

	assignment := func(bytes []byte) *klee.Assignment {
		values := make([][]byte, len(constrained))
		off := 0
		for i, a := range constrained {
			values[i] = bytes[off : off+int(a.Size)]
			off += int(a.Size)
		}
		return klee.NewAssignment(constrained, values)
	}

	satisfies := func(a *klee.Assignment) bool {
		for _, c := range constraints {
			value, err := a.Evaluate(c)
			if err != nil || !value.IsTrue() {
				return false
			}
		}
		return true
	}

	buf := make([]byte, totalBytes)
	n := 1
	for i := uint(0); i < totalBytes; i++ {
		n *= 256
	}

	for i := 0; i < n; i++ {
		v := i
		for j := range buf {
			buf[j] = byte(v)
			v >>= 8
		}
		a := assignment(buf)
		if !satisfies(a) {
			continue
		}

		// Produce values for the requested arrays; unconstrained arrays
		// are zero-filled.
		values := make([][]byte, len(arrays))
		for j, array := range arrays {
			if v := a.Value(array); v != nil {
				out := make([]byte, array.Size)
				copy(out, v)
				values[j] = out
			} else {
				values[j] = make([]byte, array.Size)
			}
		}
		return true, values, nil
	}
	return false, nil, nil
}

// coveredByUpdates returns true when every byte of the array has a
// constant-index update, so its initial value is never consulted.
func coveredByUpdates(a *klee.Array) bool {
	covered := make([]bool, a.Size)
	for upd := a.Updates; upd != nil; upd = upd.Next {
		if index, ok := upd.Index.(*klee.ConstantExpr); ok && index.Value < uint64(a.Size) {
			covered[index.Value] = true
		}
	}
	for _, c := range covered {
		if !c {
			return false
		}
	}
	return len(covered) > 0
}

// newTestExecutor builds an executor over the brute solver with a
// collecting handler.
func newTestExecutor(tb testing.TB, m *klee.Module, config klee.Config) (*klee.Executor, *klee.CollectingHandler) {
	tb.Helper()
	handler := &klee.CollectingHandler{}
	e, err := klee.NewExecutor(m, "main", &bruteSolver{}, config, handler)
	if err != nil {
		tb.Fatal(err)
	}
	return e, handler
}

// mustRun runs the executor to completion.
func mustRun(tb testing.TB, e *klee.Executor) {
	tb.Helper()
	if err := e.Run(); err != nil {
		tb.Fatal(err)
	}
}

// findTests filters collected test cases by error kind ("" = normal exit).
func findTests(handler *klee.CollectingHandler, kind string) []*klee.KTest {
	var out []*klee.KTest
	for _, t := range handler.Tests {
		if t.ErrorKind == kind {
			out = append(out, t)
		}
	}
	return out
}
