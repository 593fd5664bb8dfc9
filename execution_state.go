package klee

import (
	"bytes"
	"fmt"
)

// Symbolic records one named symbolic allocation of the state.
type Symbolic struct {
	Object *MemoryObject
	Array  *Array
}

// NondetValue records one fresh symbolic value drawn mid-execution,
// e.g. the return of an undefined external under the pure policy.
type NondetValue struct {
	Value    KValue
	Array    *Array
	Name     string
	IsSigned bool
	Instr    *Instruction
}

// StackFrame is the state of one call into a function.
type StackFrame struct {
	fn     *Function
	caller InstrIterator // call instruction to return to; zero for the entry frame

	locals []KValue

	// varargs holds the overflow argument area of a variadic call.
	varargs *MemoryObject

	// allocas lists stack allocations to release when the frame pops.
	allocas []*MemoryObject
}

// NewStackFrame returns a frame for fn with zeroed registers.
func NewStackFrame(caller InstrIterator, fn *Function) *StackFrame {
	locals := make([]KValue, fn.NumRegisters)
	for i := range locals {
		locals[i] = NewConstantKValue(0, Width64)
	}
	return &StackFrame{fn: fn, caller: caller, locals: locals}
}

// Function returns the frame's function.
func (f *StackFrame) Function() *Function { return f.fn }

// Caller returns the call instruction iterator this frame returns to.
func (f *StackFrame) Caller() InstrIterator { return f.caller }

// Local returns the value bound to a register.
func (f *StackFrame) Local(reg int) KValue {
	assert(reg >= 0 && reg < len(f.locals), "invalid register: %d", reg)
	return f.locals[reg]
}

// BindLocal binds a value to a register.
func (f *StackFrame) BindLocal(reg int, value KValue) {
	assert(reg >= 0 && reg < len(f.locals), "invalid register: %d", reg)
	f.locals[reg] = value
}

// Clone returns a copy of the stack frame.
func (f *StackFrame) Clone() *StackFrame {
	other := *f
	other.locals = make([]KValue, len(f.locals))
	copy(other.locals, f.locals)
	other.allocas = make([]*MemoryObject, len(f.allocas))
	copy(other.allocas, f.allocas)
	return &other
}

// ExecutionState represents one path under exploration.
type ExecutionState struct {
	id int

	stack       []*StackFrame
	constraints []Expr

	addressSpace *AddressSpace

	pc              InstrIterator // next instruction to execute
	prevPC          InstrIterator // previously executed instruction
	incomingBBIndex int           // which PHI edge applies after a jump

	depth               int
	steppedInstructions uint64
	weight              float64

	coveredNew   bool
	coveredLines map[string]map[int]struct{}

	forkDisabled bool

	symbolics    []Symbolic
	nondetValues []NondetValue
	arrayNames   map[string]struct{}

	// pathBits logs fork decisions for replay and attribution.
	pathBits []bool

	ptreeNode *PTreeNode
}

// NewExecutionState returns the initial state positioned at fn's entry.
func NewExecutionState(fn *Function) *ExecutionState {
	s := &ExecutionState{
		addressSpace: NewAddressSpace(),
		weight:       1.0,
		coveredLines: make(map[string]map[int]struct{}),
		arrayNames:   make(map[string]struct{}),
	}
	s.stack = append(s.stack, NewStackFrame(InstrIterator{}, fn))
	s.pc = InstrIterator{Fn: fn, Index: 0}
	s.prevPC = s.pc
	return s
}

// ID returns the state id assigned by the executor.
func (s *ExecutionState) ID() int { return s.id }

// Constraints returns the accumulated path constraints. The slice is
// shared; callers must not mutate it.
func (s *ExecutionState) Constraints() []Expr { return s.constraints }

// AddressSpace returns the state's address space.
func (s *ExecutionState) AddressSpace() *AddressSpace { return s.addressSpace }

// Frame returns the current stack frame.
func (s *ExecutionState) Frame() *StackFrame {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// StackDepth returns the number of live frames.
func (s *ExecutionState) StackDepth() int { return len(s.stack) }

// Symbolics returns the named symbolic allocations in creation order.
func (s *ExecutionState) Symbolics() []Symbolic { return s.symbolics }

// NondetValues returns the ordered log of nondet draws.
func (s *ExecutionState) NondetValues() []NondetValue { return s.nondetValues }

// PC returns the next instruction iterator.
func (s *ExecutionState) PC() InstrIterator { return s.pc }

// PrevPC returns the previously executed instruction iterator.
func (s *ExecutionState) PrevPC() InstrIterator { return s.prevPC }

// PTreeNode returns the process-tree leaf holding this state.
func (s *ExecutionState) PTreeNode() *PTreeNode { return s.ptreeNode }

// PushFrame adds a frame for fn on top of the stack.
func (s *ExecutionState) PushFrame(caller InstrIterator, fn *Function) {
	s.stack = append(s.stack, NewStackFrame(caller, fn))
}

// PopFrame removes the current frame, releasing its stack allocations and
// varargs area from the address space.
func (s *ExecutionState) PopFrame() {
	f := s.Frame()
	assert(f != nil, "pop on empty stack")
	for _, mo := range f.allocas {
		s.addressSpace.Unbind(mo)
	}
	if f.varargs != nil {
		s.addressSpace.Unbind(f.varargs)
	}
	s.stack[len(s.stack)-1] = nil
	s.stack = s.stack[:len(s.stack)-1]
}

// AddConstraint records a proven-feasible branch condition. A concrete
// false here means the caller skipped the feasibility check, which is a
// bug in the engine, not in the program under test.
func (s *ExecutionState) AddConstraint(expr Expr) {
	if expr, ok := expr.(*ConstantExpr); ok {
		assert(expr.IsTrue(), "attempt to add invalid constraint")
		return
	}

	// Split logical conjunctions into two separate constraints.
	if expr, ok := expr.(*BinaryExpr); ok && expr.Op == AND && ExprWidth(expr.LHS) == WidthBool {
		s.AddConstraint(expr.LHS)
		s.AddConstraint(expr.RHS)
		return
	}

	s.constraints = append(s.constraints, expr)
}

// Branch returns a sibling state sharing the address space copy-on-write.
// The caller diverges the two by adding opposite constraints.
func (s *ExecutionState) Branch() *ExecutionState {
	s.depth++
	s.weight *= 0.5

	other := &ExecutionState{
		stack:               make([]*StackFrame, len(s.stack)),
		constraints:         make([]Expr, len(s.constraints)),
		addressSpace:        s.addressSpace.Clone(),
		pc:                  s.pc,
		prevPC:              s.prevPC,
		incomingBBIndex:     s.incomingBBIndex,
		depth:               s.depth,
		steppedInstructions: s.steppedInstructions,
		weight:              s.weight,
		coveredLines:        make(map[string]map[int]struct{}),
		forkDisabled:        s.forkDisabled,
		symbolics:           append([]Symbolic(nil), s.symbolics...),
		nondetValues:        append([]NondetValue(nil), s.nondetValues...),
		arrayNames:          make(map[string]struct{}, len(s.arrayNames)),
		pathBits:            append([]bool(nil), s.pathBits...),
	}
	for i := range s.stack {
		other.stack[i] = s.stack[i].Clone()
	}
	copy(other.constraints, s.constraints)
	for name := range s.arrayNames {
		other.arrayNames[name] = struct{}{}
	}
	return other
}

// AddSymbolic records a named symbolic allocation.
func (s *ExecutionState) AddSymbolic(mo *MemoryObject, array *Array) {
	s.symbolics = append(s.symbolics, Symbolic{Object: mo, Array: array})
}

// AddNondetValue records a fresh symbolic draw.
func (s *ExecutionState) AddNondetValue(nv NondetValue) {
	s.nondetValues = append(s.nondetValues, nv)
}

// UniqueArrayName returns name, suffixed if needed to be unique within the
// state, and reserves it.
func (s *ExecutionState) UniqueArrayName(name string) string {
	unique := name
	for id := 0; ; id++ {
		if _, ok := s.arrayNames[unique]; !ok {
			break
		}
		unique = fmt.Sprintf("%s_%d", name, id+1)
	}
	s.arrayNames[unique] = struct{}{}
	return unique
}

// coverLine records line coverage and flags newly covered code.
func (s *ExecutionState) coverLine(fn string, line int) {
	m, ok := s.coveredLines[fn]
	if !ok {
		m = make(map[int]struct{})
		s.coveredLines[fn] = m
	}
	if _, ok := m[line]; !ok {
		m[line] = struct{}{}
		s.coveredNew = true
	}
}

// Dump returns the stack, constraints and address space as a string.
func (s *ExecutionState) Dump() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "state #%d depth=%d stepped=%d\n", s.id, s.depth, s.steppedInstructions)
	for i := len(s.stack) - 1; i >= 0; i-- {
		f := s.stack[i]
		fmt.Fprintf(&buf, "  #%d %s\n", i, f.fn.Name)
	}

	fmt.Fprintln(&buf, "constraints:")
	for i, expr := range s.constraints {
		fmt.Fprintf(&buf, "  %d. %s\n", i, expr.String())
	}

	fmt.Fprintln(&buf, "objects:")
	for _, op := range s.addressSpace.Objects() {
		fmt.Fprintf(&buf, "  %s\n", op.Object)
	}
	return buf.String()
}
