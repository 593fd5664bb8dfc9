package klee

import (
	"fmt"
)

// specialFunctionHandler intercepts a call before the external bridge.
type specialFunctionHandler func(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error

// RegisterSpecialFunction installs a handler for every call to name.
func (e *Executor) RegisterSpecialFunction(name string, h specialFunctionHandler) {
	e.specialFunctions[name] = h
}

func defaultSpecialFunctions() map[string]specialFunctionHandler {
	return map[string]specialFunctionHandler{
		"klee_make_symbolic":       execMakeSymbolic,
		"klee_assume":              execAssume,
		"klee_abort":               execAbort,
		"abort":                    execAbort,
		"klee_report_error":        execReportError,
		"klee_silent_exit":         execSilentExit,
		"klee_warning":             execWarning,
		"klee_define_fixed_object": execDefineFixedObject,
		"klee_get_value_i32":       execGetValue,
		"klee_get_value_i64":       execGetValue,
		"klee_prefer_cex":          execNop,
		"__assert_fail":            execAssertFail,
		"malloc":                   execMalloc,
		"calloc":                   execCalloc,
		"realloc":                  execRealloc,
		"free":                     execFree,
		"exit":                     execExit,
		"_exit":                    execExit,
		"__errno_location":         execErrnoLocation,
	}
}

// readStringAtPointer reads a NUL-terminated concrete string.
func (e *Executor) readStringAtPointer(state *ExecutionState, pointer KValue) (string, error) {
	op, ok, err := state.addressSpace.ResolveOne(state, e.solver, pointer)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("invalid string pointer")
	}

	offset := e.objectOffset(op.Object, pointer.Offset)
	start, ok := offset.(*ConstantExpr)
	if !ok {
		return "", fmt.Errorf("symbolic string pointer")
	}

	var buf []byte
	for i := start.Value; i < op.State.SizeBound(); i++ {
		b, ok := op.State.Read8(NewConstantExpr64(i)).Offset.(*ConstantExpr)
		if !ok {
			return "", fmt.Errorf("symbolic character in string")
		}
		if b.Value == 0 {
			return string(buf), nil
		}
		buf = append(buf, byte(b.Value))
	}
	return string(buf), nil
}

// execMakeSymbolic implements klee_make_symbolic(ptr, size, name).
func execMakeSymbolic(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	if len(args) != 3 {
		e.terminateStateOnError(state, "invalid klee_make_symbolic call", User, "")
		return nil
	}

	name, err := e.readStringAtPointer(state, args[2])
	if err != nil || name == "" {
		name = "unnamed"
	}

	results, err := e.resolveExact(state, args[0], "make_symbolic")
	if err != nil {
		return err
	}
	for _, res := range results {
		mo := res.pair.Object

		// The requested size must match the whole object.
		size, ok := args[1].Offset.(*ConstantExpr)
		if !ok {
			sz, err := e.toConstant(res.state, args[1].Offset, "make_symbolic size")
			if err != nil {
				return err
			}
			size = sz
		}
		moSize, isConst := mo.Size.(*ConstantExpr)
		if !isConst || moSize.Value != size.Value {
			e.terminateStateOnError(res.state, "wrong size given to klee_make_symbolic", User, "")
			continue
		}

		e.executeMakeSymbolic(res.state, mo, name)
	}
	return nil
}

// execAssume implements klee_assume(cond).
func execAssume(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	if len(args) != 1 {
		e.terminateStateOnError(state, "invalid klee_assume call", User, "")
		return nil
	}
	cond := toBool(args[0].Offset)

	provablyFalse, err := e.solver.MustBeFalse(state, cond)
	if err != nil {
		return err
	}
	if provablyFalse {
		e.terminateStateOnError(state, "invalid klee_assume call (provably false)", User, "")
		return nil
	}
	return e.addConstraint(state, cond)
}

func execAbort(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	e.terminateStateOnError(state, "abort failure", Abort, "")
	return nil
}

func execAssertFail(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	message := "assertion failed"
	if len(args) > 0 {
		if s, err := e.readStringAtPointer(state, args[0]); err == nil && s != "" {
			message = fmt.Sprintf("ASSERTION FAIL: %s", s)
		}
	}
	e.terminateStateOnError(state, message, Assert, "")
	return nil
}

func execReportError(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	message := "klee_report_error"
	if len(args) >= 3 {
		if s, err := e.readStringAtPointer(state, args[2]); err == nil && s != "" {
			message = s
		}
	}
	e.terminateStateOnError(state, message, ReportError, "")
	return nil
}

func execSilentExit(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	e.terminateState(state)
	return nil
}

func execWarning(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	if len(args) > 0 {
		if s, err := e.readStringAtPointer(state, args[0]); err == nil {
			logf("[program] %s", s)
		}
	}
	return nil
}

// execDefineFixedObject implements klee_define_fixed_object(addr, size):
// a pinned region at a concrete address, resolvable by raw address.
func execDefineFixedObject(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	if len(args) != 2 {
		e.terminateStateOnError(state, "invalid klee_define_fixed_object call", User, "")
		return nil
	}
	address, okAddr := args[0].Offset.(*ConstantExpr)
	size, okSize := args[1].Offset.(*ConstantExpr)
	if !okAddr || !okSize {
		e.terminateStateOnError(state, "expect constant address and size to klee_define_fixed_object", User, "")
		return nil
	}

	mo := e.memory.AllocateFixed(address.Value, size.Value, state.prevPC.Instr(), 0)
	mo.IsUserSpecified = true
	e.bindObjectInState(state, mo, false)
	logf("[exec] defined fixed object at %#x of size %d", address.Value, size.Value)
	return nil
}

func execGetValue(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	if len(args) != 1 {
		e.terminateStateOnError(state, "invalid klee_get_value call", User, "")
		return nil
	}
	return e.executeGetValue(state, args[0], instr.Dest)
}

func execNop(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	return nil
}

func execMalloc(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	if len(args) != 1 {
		e.terminateStateOnError(state, "invalid malloc call", User, "")
		return nil
	}
	return e.executeAlloc(state, args[0].ZExt(PointerWidth).Offset, false, instr.Dest, 0)
}

func execCalloc(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	if len(args) != 2 {
		e.terminateStateOnError(state, "invalid calloc call", User, "")
		return nil
	}
	size := args[0].ZExt(PointerWidth).Mul(args[1].ZExt(PointerWidth))
	return e.executeAlloc(state, size.Offset, false, instr.Dest, 0)
}

// execRealloc models realloc as allocate-copy-free.
func execRealloc(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	if len(args) != 2 {
		e.terminateStateOnError(state, "invalid realloc call", User, "")
		return nil
	}
	address, size := args[0], args[1]

	nullPtr, nonNull, err := e.fork(state, address.CreateIsZero(), true)
	if err != nil {
		return err
	}
	if nullPtr != nil {
		if err := e.executeAlloc(nullPtr, size.ZExt(PointerWidth).Offset, false, instr.Dest, 0); err != nil {
			return err
		}
	}
	if nonNull == nil {
		return nil
	}

	results, err := e.resolveExact(nonNull, address, "realloc")
	if err != nil {
		return err
	}
	for _, res := range results {
		old := res.pair
		if err := e.executeAlloc(res.state, size.ZExt(PointerWidth).Offset, false, instr.Dest, 0); err != nil {
			return err
		}

		// Copy the surviving prefix into the fresh object.
		newPtr := res.state.Frame().Local(instr.Dest)
		if segment, ok := newPtr.ConstantSegment(); ok && segment != 0 {
			if mo, found := res.state.addressSpace.FindSegment(segment); found {
				if os, found := res.state.addressSpace.Find(mo); found {
					wos := res.state.addressSpace.Writeable(mo, os)
					n := old.Object.AllocatedSize
					if mo.AllocatedSize < n {
						n = mo.AllocatedSize
					}
					for i := uint64(0); i < n; i++ {
						wos.Write8(NewConstantExpr64(i), old.State.Read8(NewConstantExpr64(i)))
					}
				}
			}
		}

		res.state.addressSpace.Unbind(old.Object)
		e.memory.MarkFreed(old.Object)
	}
	return nil
}

func execFree(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	if len(args) != 1 {
		e.terminateStateOnError(state, "invalid free call", User, "")
		return nil
	}
	return e.executeFree(state, args[0], instr.Dest)
}

func execExit(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	e.terminateStateOnExit(state)
	return nil
}

func execErrnoLocation(e *Executor, state *ExecutionState, instr *Instruction, args []KValue) error {
	e.bindLocal(state, instr.Dest, e.errnoObject.Pointer())
	return nil
}
