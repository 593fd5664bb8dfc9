package klee

import (
	"fmt"
)

// bindObjectInState creates and binds a zeroed store for mo, registering
// local objects on the current frame's alloca list.
func (e *Executor) bindObjectInState(state *ExecutionState, mo *MemoryObject, isLocal bool) *ObjectState {
	os := NewObjectState(mo, e.memory)
	state.addressSpace.Bind(mo, os)
	if isLocal {
		frame := state.Frame()
		frame.allocas = append(frame.allocas, mo)
	}
	return os
}

// executeAlloc allocates size bytes and binds the resulting pointer to the
// target register. A nil descriptor from the manager (segment range
// exhausted) binds the null pointer instead.
func (e *Executor) executeAlloc(state *ExecutionState, size Expr, isLocal bool, target int, alignment uint64) error {
	allocSite := state.prevPC.Instr()

	// The byte stores need a concrete bound even for symbolic sizes.
	bound, ok := size.(*ConstantExpr)
	if !ok {
		value, err := e.solver.GetValue(state, size)
		if err != nil {
			return err
		}
		bound = value
	}

	if e.config.MaxSymArraySize > 0 && bound.Value > e.config.MaxSymArraySize {
		e.terminateStateOnError(state, "memory error: symbolic array too large", Model, "")
		return nil
	}

	mo := e.memory.Allocate(size, bound.Value, isLocal, false, allocSite, alignment)
	if mo == nil {
		e.bindLocal(state, target, NewConstantKValue(0, PointerWidth))
		return nil
	}

	e.bindObjectInState(state, mo, isLocal)
	e.bindLocal(state, target, mo.Pointer())
	return nil
}

// executeFree releases the heap object a pointer refers to. Freeing the
// null pointer is a no-op; freeing an alloca or a global, or freeing a
// segment that no longer resolves, terminates the state.
func (e *Executor) executeFree(state *ExecutionState, address KValue, target int) error {
	zeroPointer, nonZero, err := e.fork(state, address.CreateIsZero(), true)
	if err != nil {
		return err
	}
	if zeroPointer != nil && target >= 0 {
		e.bindLocal(zeroPointer, target, NewConstantKValue(0, PointerWidth))
	}
	if nonZero == nil {
		return nil
	}

	results, err := e.resolveExact(nonZero, address, "free")
	if err != nil {
		return err
	}
	for _, res := range results {
		mo := res.pair.Object
		switch {
		case mo.IsLocal:
			e.terminateStateOnError(res.state, "free of alloca", Free, e.kvalueInfo(res.state, address))
		case mo.IsGlobal:
			e.terminateStateOnError(res.state, "free of global", Free, e.kvalueInfo(res.state, address))
		case mo.IsFixed:
			e.terminateStateOnError(res.state, "free of fixed object", Free, e.kvalueInfo(res.state, address))
		default:
			res.state.addressSpace.Unbind(mo)
			e.memory.MarkFreed(mo)
			if target >= 0 {
				e.bindLocal(res.state, target, NewConstantKValue(0, PointerWidth))
			}
		}
	}
	return nil
}

// exactResolution pairs a resolved object with the state constrained to
// point exactly at it.
type exactResolution struct {
	pair  ObjectPair
	state *ExecutionState
}

// resolveExact enumerates the objects a pointer may refer to, forking one
// state per object constrained to that resolution. The remainder state,
// which points at no object, is terminated with an invalid-pointer error.
func (e *Executor) resolveExact(state *ExecutionState, address KValue, name string) ([]exactResolution, error) {
	rl, _, err := state.addressSpace.Resolve(state, e.solver, address, 0, e.config.CoreSolverTimeout)
	if err != nil {
		return nil, err
	}

	var results []exactResolution
	unbound := state
	for _, op := range rl {
		inBounds := address.Eq(op.Object.Pointer()).Offset
		if address.IsZeroSegment() && op.Object.baseOffset() != 0 {
			inBounds = NewBinaryExpr(EQ, address.Offset, op.Object.BaseExpr())
		}

		bound, rest, err := e.fork(unbound, inBounds, true)
		if err != nil {
			return nil, err
		}
		if bound != nil {
			// Rebind the store from the bound state's address space; the
			// fork may have cloned it.
			if os, ok := bound.addressSpace.Find(op.Object); ok {
				results = append(results, exactResolution{ObjectPair{op.Object, os}, bound})
			}
		}
		unbound = rest
		if unbound == nil {
			break
		}
	}

	if unbound != nil {
		e.terminateStateOnError(unbound, "memory error: invalid pointer: "+name, Ptr, e.kvalueInfo(unbound, address))
	}
	return results, nil
}

// executeMemoryRead implements the Load instruction.
func (e *Executor) executeMemoryRead(state *ExecutionState, address KValue, width uint, target int) error {
	return e.executeMemoryOperation(state, false, address, KValue{}, width, target)
}

// executeMemoryWrite implements the Store instruction.
func (e *Executor) executeMemoryWrite(state *ExecutionState, address, value KValue) error {
	return e.executeMemoryOperation(state, true, address, value, value.Width(), -1)
}

// executeMemoryOperation is the shared Load/Store protocol: a fast path
// through ResolveOne with a single bounds check, falling back to
// enumerating resolutions and forking per candidate. The remainder after
// enumeration is terminated with an out-of-bounds pointer error.
func (e *Executor) executeMemoryOperation(state *ExecutionState, isWrite bool, address, value KValue, width uint, target int) error {
	bytes := minBytes(width)

	if e.config.SimplifySymIndices {
		address = KValue{
			Segment: SimplifyExpr(state.constraints, address.Segment),
			Offset:  SimplifyExpr(state.constraints, address.Offset),
		}
		if isWrite {
			value = KValue{
				Segment: SimplifyExpr(state.constraints, value.Segment),
				Offset:  SimplifyExpr(state.constraints, value.Offset),
			}
		}
	}

	// Fast path: single in-bounds resolution.
	e.solver.SetTimeout(e.config.CoreSolverTimeout)
	op, success, err := state.addressSpace.ResolveOne(state, e.solver, address)
	e.solver.SetTimeout(0)
	if err != nil {
		// Retry through full concretization before giving up.
		segment, serr := e.toConstant(state, address.Segment, "resolveOne failure")
		if serr != nil {
			return serr
		}
		offset, oerr := e.toConstant(state, address.Offset, "resolveOne failure")
		if oerr != nil {
			return oerr
		}
		address = KValue{Segment: segment, Offset: offset}
		op, success = state.addressSpace.resolveConstantAddress(address)
	}

	if success {
		mo := op.Object

		if e.config.MaxSymArraySize > 0 {
			if size, ok := mo.Size.(*ConstantExpr); !ok || size.Value >= e.config.MaxSymArraySize {
				segment, err := e.toConstant(state, address.Segment, "max-sym-array-size")
				if err != nil {
					return err
				}
				offset, err := e.toConstant(state, address.Offset, "max-sym-array-size")
				if err != nil {
					return err
				}
				address = KValue{Segment: segment, Offset: offset}
			}
		}

		isInBounds := mo.BoundsCheckPointer(address, bytes)

		e.solver.SetTimeout(e.config.CoreSolverTimeout)
		inBounds, errBounds := e.solver.MustBeTrue(state, isInBounds)
		e.solver.SetTimeout(0)
		if errBounds != nil {
			state.pc = state.prevPC
			e.terminateStateEarly(state, "Query timed out (bounds check).")
			return nil
		}

		if inBounds {
			offset := e.objectOffset(mo, address.Offset)
			if isWrite {
				if op.State.readOnly {
					e.terminateStateOnError(state, "memory error: object read only", ReadOnly, "")
				} else {
					wos := state.addressSpace.Writeable(mo, op.State)
					wos.Write(offset, value)
				}
			} else {
				e.bindLocal(state, target, op.State.Read(offset, width))
			}
			return nil
		}
	}

	// Error path: no resolution, multiple resolutions, or a single
	// resolution that can go out of bounds.
	rl, incomplete, err := state.addressSpace.Resolve(state, e.solver, address, 0, e.config.CoreSolverTimeout)
	if err != nil {
		return err
	}

	unbound := state
	for _, res := range rl {
		mo := res.Object
		inBounds := mo.BoundsCheckPointer(address, bytes)

		bound, rest, err := e.fork(unbound, inBounds, true)
		if err != nil {
			return err
		}
		if bound != nil {
			os, ok := bound.addressSpace.Find(mo)
			if ok {
				offset := e.objectOffset(mo, address.Offset)
				if isWrite {
					if os.readOnly {
						e.terminateStateOnError(bound, "memory error: object read only", ReadOnly, "")
					} else {
						wos := bound.addressSpace.Writeable(mo, os)
						wos.Write(offset, value)
					}
				} else {
					e.bindLocal(bound, target, os.Read(offset, width))
				}
			}
		}

		unbound = rest
		if unbound == nil {
			break
		}
	}

	if unbound != nil {
		if incomplete {
			e.terminateStateEarly(unbound, "Query timed out (resolve).")
		} else {
			e.terminateStateOnError(unbound, "memory error: out of bound pointer", Ptr, e.kvalueInfo(unbound, address))
		}
	}
	return nil
}

// objectOffset rebases an absolute offset into an object-relative one.
// Only fixed objects live at nonzero base addresses.
func (e *Executor) objectOffset(mo *MemoryObject, offset Expr) Expr {
	if base := mo.baseOffset(); base != 0 {
		return NewBinaryExpr(SUB, offset, NewPointerConstantExpr(base))
	}
	return offset
}

// executeMakeSymbolic replaces the object's store with a fresh named
// symbolic array and records the binding for test generation. In seed
// mode the recorded inputs are bound to the array, subject to the seed
// extension and truncation options.
func (e *Executor) executeMakeSymbolic(state *ExecutionState, mo *MemoryObject, name string) {
	uniqueName := state.UniqueArrayName(name)
	if mo.Name == "" {
		mo.Name = uniqueName
	}

	size := uint64(0)
	if ce, ok := mo.Size.(*ConstantExpr); ok {
		size = ce.Value
	}
	array := NewArray(e.memory.nextArrayID(), uniqueName, uint(size))

	state.addressSpace.Unbind(mo)
	os := NewSymbolicObjectState(mo, e.memory, array)
	state.addressSpace.Bind(mo, os)
	state.AddSymbolic(mo, array)

	seeds, ok := e.seedMap[state]
	if !ok {
		return
	}
	for _, si := range seeds {
		obj := si.NextInput(mo, e.config.NamedSeedMatching)
		if obj == nil {
			if e.config.ZeroSeedExtension {
				si.Assignment.Bind(array, make([]byte, size))
			} else if !e.config.AllowSeedExtension {
				e.terminateStateOnError(state, "ran out of inputs during seeding", User, "")
				return
			}
			continue
		}

		if uint64(len(obj.Bytes)) != size &&
			((!(e.config.AllowSeedExtension || e.config.ZeroSeedExtension) && uint64(len(obj.Bytes)) < size) ||
				(!e.config.AllowSeedTruncation && uint64(len(obj.Bytes)) > size)) {
			e.terminateStateOnError(state,
				fmt.Sprintf("replace size mismatch: %s[%d] vs %s[%d] in test", mo.Name, size, obj.Name, len(obj.Bytes)),
				User, "")
			return
		}

		values := make([]byte, 0, size)
		n := uint64(len(obj.Bytes))
		if n > size {
			n = size
		}
		values = append(values, obj.Bytes[:n]...)
		for uint64(len(values)) < size {
			values = append(values, 0)
		}
		si.Assignment.Bind(array, values)
	}
}

// createNondetValue draws a fresh symbolic value mid-run, e.g. for the
// return of an undefined external under the pure policy. Pointer-typed
// draws get an extra offset array so the result ranges over both planes.
func (e *Executor) createNondetValue(state *ExecutionState, width uint, isSigned bool, instr *Instruction, name string, isPointer bool) KValue {
	uniqueName := state.UniqueArrayName(name)

	array := NewArray(e.memory.nextArrayID(), uniqueName, minBytes(width))
	expr := array.Select(NewConstantExpr64(0), width)

	var kval KValue
	if isPointer {
		assert(!isSigned, "got signed pointer")
		offName := state.UniqueArrayName(uniqueName + "_off")
		offArray := NewArray(e.memory.nextArrayID(), offName, PointerWidth/8)
		offExpr := offArray.Select(NewConstantExpr64(0), PointerWidth)
		kval = KValue{Segment: expr, Offset: offExpr}
	} else {
		kval = NewScalarKValue(expr)
	}

	state.AddNondetValue(NondetValue{
		Value:    kval,
		Array:    array,
		Name:     name,
		IsSigned: isSigned,
		Instr:    instr,
	})
	return kval
}

// executeGetValue binds one concrete feasible value of the operand. Seed
// mode with a symbolic input would need per-seed branching, which the
// segment representation does not support yet.
func (e *Executor) executeGetValue(state *ExecutionState, kval KValue, target int) error {
	expr := SimplifyExpr(state.constraints, kval.Offset)
	segment := SimplifyExpr(state.constraints, kval.Segment)

	_, isSeeding := e.seedMap[state]
	if !isSeeding || (IsConstantExpr(expr) && IsConstantExpr(segment)) {
		off, err := e.solver.GetValue(state, expr)
		if err != nil {
			return err
		}
		seg, err := e.solver.GetValue(state, segment)
		if err != nil {
			return err
		}
		e.bindLocal(state, target, KValue{Segment: seg, Offset: off})
		return nil
	}

	panic("klee: executeGetValue: not implemented with segments yet")
}

// toConstant concretizes an expression to one feasible value, constraining
// the state to it. Used where the engine cannot continue symbolically.
func (e *Executor) toConstant(state *ExecutionState, expr Expr, reason string) (*ConstantExpr, error) {
	expr = SimplifyExpr(state.constraints, expr)
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr, nil
	}

	value, err := e.solver.GetValue(state, expr)
	if err != nil {
		return nil, err
	}

	logf("[exec] silently concretizing (reason: %s) expression %s to value %s", reason, expr, value)
	if err := e.addConstraint(state, NewBinaryExpr(EQ, expr, value)); err != nil {
		return nil, err
	}
	return value, nil
}

// toUnique returns a constant for the expression when the constraints pin
// it to a single value; otherwise the expression is returned unchanged.
func (e *Executor) toUnique(state *ExecutionState, expr Expr) Expr {
	if IsConstantExpr(expr) {
		return expr
	}

	e.solver.SetTimeout(e.config.CoreSolverTimeout)
	defer e.solver.SetTimeout(0)

	value, err := e.solver.GetValue(state, expr)
	if err != nil {
		return expr
	}
	isTrue, err := e.solver.MustBeTrue(state, NewBinaryExpr(EQ, expr, value))
	if err == nil && isTrue {
		return value
	}
	return expr
}
