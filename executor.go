package klee

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"time"
)

var (
	// ErrHalted is returned by Run when execution stopped on the global
	// halt flag before exhausting all states.
	ErrHalted = errors.New("klee: execution halted")
)

// DebugPrintMode is a bitset controlling per-instruction debug output.
type DebugPrintMode uint

const (
	DebugPrintStderr DebugPrintMode = 1 << iota
	DebugPrintFile
	DebugPrintAll
	DebugPrintSrc
	DebugPrintCompact
)

// Config gathers every knob of the executor. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// Termination budgets.
	MaxTime         time.Duration
	MaxInstructions uint64
	MaxForks        int // negative means unlimited
	MaxDepth        int
	MaxMemory       uint64 // bytes, zero disables the cap
	MaxMemoryInhibit bool
	MaxStackFrames  int
	TimerInterval   time.Duration
	ExitOnErrorType []TerminateReason

	// External calls.
	ExternalCalls ExternalCallPolicy

	// Seeding.
	SeedTime            time.Duration
	OnlyReplaySeeds     bool
	OnlySeed            bool
	AllowSeedExtension  bool
	ZeroSeedExtension   bool
	AllowSeedTruncation bool
	NamedSeedMatching   bool

	// Test generation.
	DumpStatesOnHalt            bool
	OnlyOutputStatesCoveringNew bool
	EmitAllErrors               bool
	CheckLeaks                  bool
	CheckMemCleanup             bool

	// Solving.
	MaxSymArraySize      uint64
	SimplifySymIndices   bool
	EqualitySubstitution bool
	CoreSolverTimeout    time.Duration

	// Fork budget: a single instruction may account for at most this
	// fraction of all forks before its forks are collapsed.
	MaxStaticForkPct float64

	// Debugging.
	DebugPrintInstructions DebugPrintMode
	DebugLog               io.Writer

	// RNG seed; fixed per run for reproducibility.
	Seed int64
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxForks:          -1,
		MaxMemoryInhibit:  true,
		MaxStackFrames:    8192,
		TimerInterval:     time.Second,
		ExternalCalls:     ExternalCallsConcrete,
		DumpStatesOnHalt:  true,
		MaxStaticForkPct:  1.0,
		CoreSolverTimeout: 0,
		Seed:              1,
	}
}

// Stats are the run-wide counters.
type Stats struct {
	Instructions     uint64
	Forks            uint64
	TerminatedStates uint64
}

// emittedErrorKey dedups error test cases per instruction and message.
type emittedErrorKey struct {
	instr   *Instruction
	message string
}

// Executor owns the states, the schedule, and every per-run resource.
type Executor struct {
	module  *Module
	config  Config
	solver  *TimingSolver
	memory  *MemoryManager
	handler InterpreterHandler
	rng     *rand.Rand
	ptree   *ProcessTree

	// Searcher picks the next state to step. Defaults to depth-first.
	Searcher Searcher

	root   *ExecutionState
	states map[*ExecutionState]struct{}

	addedStates     []*ExecutionState
	removedStates   []*ExecutionState
	pausedStates    []*ExecutionState
	continuedStates []*ExecutionState

	seedMap    map[*ExecutionState][]*SeedInfo
	usingSeeds []*KTest

	replayPath     []bool
	replayPosition int

	haltExecution  bool
	atMemoryLimit  bool
	inhibitForking bool
	searcherActive bool

	stats          Stats
	startTime      time.Time
	lastTimerCheck time.Time
	lastMemCheck   uint64

	stateIDSeq   int
	forksAtInstr map[*Instruction]uint64

	specialFunctions map[string]specialFunctionHandler
	hostFunctions    map[string]HostFunction
	pointerReturning map[string]struct{}

	globalObjects map[string]*MemoryObject
	errnoObject   *MemoryObject

	emittedErrors map[emittedErrorKey]struct{}
}

// NewExecutor returns an executor for the module's named entry function.
func NewExecutor(module *Module, entry string, solver Solver, config Config, handler InterpreterHandler) (*Executor, error) {
	if err := module.Prepare(); err != nil {
		return nil, err
	}
	fn := module.Function(entry)
	if fn == nil {
		return nil, fmt.Errorf("klee: entry function not found: %s", entry)
	}
	if handler == nil {
		handler = &CollectingHandler{}
	}

	e := &Executor{
		module:           module,
		config:           config,
		solver:           NewTimingSolver(solver, config.EqualitySubstitution),
		memory:           NewMemoryManager(PointerWidth),
		handler:          handler,
		rng:              rand.New(rand.NewSource(config.Seed)),
		states:           make(map[*ExecutionState]struct{}),
		seedMap:          make(map[*ExecutionState][]*SeedInfo),
		forksAtInstr:     make(map[*Instruction]uint64),
		specialFunctions: defaultSpecialFunctions(),
		hostFunctions:    defaultHostFunctions(),
		pointerReturning: make(map[string]struct{}),
		globalObjects:    make(map[string]*MemoryObject),
		emittedErrors:    make(map[emittedErrorKey]struct{}),
	}

	e.root = NewExecutionState(fn)
	e.root.id = e.nextStateID()
	e.ptree = NewProcessTree(e.root)
	e.Searcher = NewDFSSearcher()

	if err := e.initializeGlobals(e.root); err != nil {
		return nil, err
	}
	return e, nil
}

// RootState returns the initial state. Useful for binding entry arguments
// before Run.
func (e *Executor) RootState() *ExecutionState { return e.root }

// Module returns the module under execution.
func (e *Executor) Module() *Module { return e.module }

// Stats returns a snapshot of the run counters.
func (e *Executor) Stats() Stats { return e.stats }

// SolverQueries returns the raw solver invocation count.
func (e *Executor) SolverQueries() uint64 { return e.solver.QueryCount }

// ProcessTree returns the fork history.
func (e *Executor) ProcessTree() *ProcessTree { return e.ptree }

// GlobalPointer returns the pointer to a bound global.
func (e *Executor) GlobalPointer(name string) (KValue, bool) {
	mo, ok := e.globalObjects[name]
	if !ok {
		return KValue{}, false
	}
	return mo.Pointer(), true
}

// UseSeeds installs recorded test cases to bias early exploration.
func (e *Executor) UseSeeds(seeds []*KTest) { e.usingSeeds = seeds }

// ReplayPath fixes every non-internal fork decision to the recorded bits.
func (e *Executor) ReplayPath(path []bool) { e.replayPath = path }

// Halt requests a clean shutdown at the next scheduler boundary.
func (e *Executor) Halt() { e.haltExecution = true }

func (e *Executor) nextStateID() int {
	e.stateIDSeq++
	return e.stateIDSeq
}

// initializeGlobals binds module globals and the errno mirror into the
// root state before execution begins.
func (e *Executor) initializeGlobals(state *ExecutionState) error {
	for _, g := range e.module.Globals {
		size := NewPointerConstantExpr(g.Size)
		mo := e.memory.Allocate(size, g.Size, false, true, nil, 8)
		if mo == nil {
			return fmt.Errorf("klee: cannot allocate global: %s", g.Name)
		}
		mo.Name = g.Name
		os := e.bindObjectInState(state, mo, false)
		if g.Data != nil {
			os.SetConcreteBytes(g.Data)
		}
		if g.ReadOnly {
			os.SetReadOnly(true)
		}
		e.globalObjects[g.Name] = mo
	}

	// errno lives in a pinned special-segment object so external calls
	// can mirror it by address.
	errno := e.memory.AllocateFixed(0xffff0000, 4, nil, ErrnoSegment)
	errno.Name = "errno"
	e.bindObjectInState(state, errno, false)
	e.errnoObject = errno

	return nil
}

// Run explores the module until every state terminates or a budget trips.
func (e *Executor) Run() error {
	e.startTime = time.Now()

	e.states[e.root] = struct{}{}

	if len(e.usingSeeds) > 0 {
		if done, err := e.runSeeding(); err != nil || done {
			return err
		}
	}

	e.searcherActive = true
	e.Searcher.Update(nil, e.statesSlice(), nil)

	for len(e.states) > 0 && !e.haltExecution {
		state := e.Searcher.SelectState()
		ki := state.pc
		e.stepInstruction(state)
		if err := e.executeInstruction(state, ki); err != nil {
			return err
		}
		e.invokeTimers()
		e.checkMemoryUsage()
		e.updateStates(state)
	}

	e.doDumpStates()
	if e.haltExecution && len(e.states) > 0 {
		return ErrHalted
	}
	return nil
}

// runSeeding round-robins the states that still hold seeds until every
// seed is consumed or the seed-time budget expires. Returns done=true
// when the run should stop entirely (only-seed mode or halt).
func (e *Executor) runSeeding() (bool, error) {
	var seeds []*SeedInfo
	for _, test := range e.usingSeeds {
		seeds = append(seeds, NewSeedInfo(test))
	}
	e.seedMap[e.root] = seeds

	startTime := time.Now()
	var lastState *ExecutionState
	for len(e.seedMap) > 0 {
		if e.haltExecution {
			e.doDumpStates()
			return true, nil
		}

		// Pick the next state after lastState in id order.
		state := e.nextSeedState(lastState)
		lastState = state

		ki := state.pc
		e.stepInstruction(state)
		if err := e.executeInstruction(state, ki); err != nil {
			return false, err
		}
		e.invokeTimers()
		e.updateStates(state)

		if e.stats.Instructions%1000 == 0 {
			if e.config.SeedTime > 0 && time.Since(startTime) > e.config.SeedTime {
				logf("[seed] seed time expired, %d seed groups remain", len(e.seedMap))
				break
			}
		}
	}

	logf("[seed] seeding done (%d states remain)", len(e.states))
	for state := range e.states {
		state.weight = 1.0
	}

	if e.config.OnlySeed {
		e.doDumpStates()
		return true, nil
	}
	return false, nil
}

func (e *Executor) nextSeedState(last *ExecutionState) *ExecutionState {
	var candidates []*ExecutionState
	for state := range e.seedMap {
		candidates = append(candidates, state)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })
	if last != nil {
		for _, s := range candidates {
			if s.id > last.id {
				return s
			}
		}
	}
	return candidates[0]
}

func (e *Executor) statesSlice() []*ExecutionState {
	a := make([]*ExecutionState, 0, len(e.states))
	for s := range e.states {
		a = append(a, s)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].id < a[j].id })
	return a
}

// stepInstruction advances the state's program counter and the counters.
func (e *Executor) stepInstruction(state *ExecutionState) {
	e.printDebugInstructions(state)

	e.stats.Instructions++
	state.steppedInstructions++
	state.prevPC = state.pc
	state.pc = state.pc.Next()

	if instr := state.prevPC.Instr(); instr != nil && instr.Line > 0 {
		state.coverLine(state.prevPC.Fn.Name, instr.Line)
	}

	if e.config.MaxInstructions > 0 && e.stats.Instructions >= e.config.MaxInstructions {
		e.haltExecution = true
	}
}

func (e *Executor) printDebugInstructions(state *ExecutionState) {
	mode := e.config.DebugPrintInstructions
	if mode == 0 {
		return
	}
	instr := state.pc.Instr()
	if instr == nil {
		return
	}

	var line string
	switch {
	case mode&DebugPrintCompact != 0:
		line = fmt.Sprintf("%d:%d", state.id, state.pc.Index)
	case mode&DebugPrintSrc != 0:
		line = fmt.Sprintf("%d: %s:%d", state.id, state.pc.Fn.Name, instr.Line)
	default:
		line = fmt.Sprintf("%d: %s: %s", state.id, state.pc.Fn.Name, instr)
	}
	if mode&DebugPrintStderr != 0 || mode&DebugPrintFile == 0 {
		logf("[exec] %s", line)
	}
	if mode&DebugPrintFile != 0 && e.config.DebugLog != nil {
		fmt.Fprintln(e.config.DebugLog, line)
	}
}

// invokeTimers enforces the wall-clock budget, sampling the clock at most
// once per timer interval.
func (e *Executor) invokeTimers() {
	if e.config.MaxTime == 0 {
		return
	}
	now := time.Now()
	if e.config.TimerInterval > 0 && now.Sub(e.lastTimerCheck) < e.config.TimerInterval {
		return
	}
	e.lastTimerCheck = now
	if now.Sub(e.startTime) > e.config.MaxTime {
		logf("[exec] max-time reached, halting")
		e.haltExecution = true
	}
}

// checkMemoryUsage samples host memory every 64K instructions and, over
// the cap, kills a random fraction of states biased away from those that
// recently covered new code.
func (e *Executor) checkMemoryUsage() {
	if e.config.MaxMemory == 0 {
		return
	}
	if e.stats.Instructions-e.lastMemCheck < 0x10000 {
		return
	}
	e.lastMemCheck = e.stats.Instructions

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	mbs := ms.HeapAlloc >> 20
	cap := e.config.MaxMemory >> 20

	if mbs <= cap {
		e.atMemoryLimit = false
		return
	}
	e.atMemoryLimit = true

	if mbs <= cap+100 {
		return
	}

	numStates := uint64(len(e.states))
	if numStates == 0 {
		return
	}
	toKill := numStates - numStates*cap/mbs
	if toKill < 1 {
		toKill = 1
	}
	logf("[exec] killing %d states (over memory cap)", toKill)

	arr := e.statesSlice()
	n := len(arr)
	for i := 0; uint64(i) < toKill && n > 0; i++ {
		idx := e.rng.Intn(n)
		// Make two pulls to try and not hit a state that covered new code.
		if arr[idx].coveredNew {
			idx = e.rng.Intn(n)
		}
		arr[idx], arr[n-1] = arr[n-1], arr[idx]
		n--
		e.terminateStateEarly(arr[n], "Memory limit exceeded.")
	}
}

// updateStates drains the added/removed/paused/continued sets into the
// searcher and the state set.
func (e *Executor) updateStates(current *ExecutionState) {
	if e.Searcher != nil && e.searcherActive {
		e.Searcher.Update(current, e.addedStates, e.removedStates)
	}

	for _, s := range e.addedStates {
		e.states[s] = struct{}{}
	}
	e.addedStates = e.addedStates[:0]

	for _, s := range e.removedStates {
		_, ok := e.states[s]
		assert(ok, "removed state not tracked")
		delete(e.states, s)
		delete(e.seedMap, s)
		e.ptree.Remove(s.ptreeNode)
		e.stats.TerminatedStates++
	}
	e.removedStates = e.removedStates[:0]

	if e.Searcher != nil && e.searcherActive && (len(e.continuedStates) > 0 || len(e.pausedStates) > 0) {
		e.Searcher.Update(nil, e.continuedStates, e.pausedStates)
		e.pausedStates = e.pausedStates[:0]
		e.continuedStates = e.continuedStates[:0]
	}
}

// PauseState removes the state from scheduling without terminating it.
func (e *Executor) PauseState(state *ExecutionState) {
	for i, s := range e.continuedStates {
		if s == state {
			e.continuedStates[i] = e.continuedStates[len(e.continuedStates)-1]
			e.continuedStates = e.continuedStates[:len(e.continuedStates)-1]
			return
		}
	}
	e.pausedStates = append(e.pausedStates, state)
}

// ContinueState resumes a paused state.
func (e *Executor) ContinueState(state *ExecutionState) {
	for i, s := range e.pausedStates {
		if s == state {
			e.pausedStates[i] = e.pausedStates[len(e.pausedStates)-1]
			e.pausedStates = e.pausedStates[:len(e.pausedStates)-1]
			return
		}
	}
	e.continuedStates = append(e.continuedStates, state)
}

// doDumpStates terminates every remaining state through the early path so
// their test cases are emitted.
func (e *Executor) doDumpStates() {
	if !e.config.DumpStatesOnHalt || len(e.states) == 0 {
		return
	}
	logf("[exec] halting execution, dumping remaining states")
	for _, state := range e.statesSlice() {
		e.terminateStateEarly(state, "Execution halting.")
	}
	e.updateStates(nil)
}

// terminateState removes the state from the schedule.
func (e *Executor) terminateState(state *ExecutionState) {
	e.handler.IncPathsExplored()

	for i, s := range e.addedStates {
		if s == state {
			// Never reached the searcher; drop it immediately.
			e.addedStates = append(e.addedStates[:i], e.addedStates[i+1:]...)
			delete(e.seedMap, state)
			e.ptree.Remove(state.ptreeNode)
			return
		}
	}

	state.pc = state.prevPC
	e.removedStates = append(e.removedStates, state)
}

// terminateStateEarly ends a state for budget reasons, emitting its test
// case under the usual output filters.
func (e *Executor) terminateStateEarly(state *ExecutionState, message string) {
	if len(e.config.ExitOnErrorType) == 0 &&
		(!e.config.OnlyOutputStatesCoveringNew || state.coveredNew) {
		if test := e.getTestCase(state); test != nil {
			test.Error = message
			test.ErrorKind = "early"
			e.handler.ProcessTestCase(state, test)
		}
	}
	e.terminateState(state)
}

// terminateStateOnExit ends a state that returned from its entry
// function, running the leak checks when enabled.
func (e *Executor) terminateStateOnExit(state *ExecutionState) {
	if e.config.CheckLeaks || e.config.CheckMemCleanup {
		leaks := e.memoryLeaks(state)
		if len(leaks) > 0 {
			if e.config.CheckMemCleanup {
				var info string
				for _, mo := range leaks {
					info += e.kvalueInfo(state, mo.Pointer())
				}
				e.terminateStateOnError(state, "memory error: memory not cleaned up", Leak, info)
				return
			}

			logf("[exec] found unfreed memory, checking if it still can be freed")
			reachable := e.reachableObjects(state)
			for _, leak := range leaks {
				if _, ok := reachable[leak]; !ok {
					e.terminateStateOnError(state, "memory error: memory leak detected", Leak, e.kvalueInfo(state, leak.Pointer()))
					return
				}
			}
		}
	}

	if len(e.config.ExitOnErrorType) == 0 &&
		(!e.config.OnlyOutputStatesCoveringNew || state.coveredNew) {
		if test := e.getTestCase(state); test != nil {
			e.handler.ProcessTestCase(state, test)
		}
	}
	e.terminateState(state)
}

// shouldExitOn returns true when the error kind is in exit-on-error-type.
func (e *Executor) shouldExitOn(kind TerminateReason) bool {
	for _, k := range e.config.ExitOnErrorType {
		if k == kind {
			return true
		}
	}
	return false
}

// lastNonInternalInstruction unwinds the stack to the last instruction
// outside internal functions, for error attribution.
func (e *Executor) lastNonInternalInstruction(state *ExecutionState) *Instruction {
	if fn := state.prevPC.Fn; fn != nil && !fn.Internal {
		return state.prevPC.Instr()
	}
	for i := len(state.stack) - 1; i > 0; i-- {
		caller := state.stack[i].caller
		if caller.Fn != nil && !caller.Fn.Internal {
			return caller.Instr()
		}
	}
	return state.prevPC.Instr()
}

// terminateStateOnError ends a state with a classified error, emitting at
// most one test case per (instruction, message) pair unless emit-all-errors
// is set.
func (e *Executor) terminateStateOnError(state *ExecutionState, message string, kind TerminateReason, info string) {
	lastInstr := e.lastNonInternalInstruction(state)

	if e.shouldExitOn(kind) {
		e.haltExecution = true
	}

	key := emittedErrorKey{instr: lastInstr, message: message}
	_, emitted := e.emittedErrors[key]
	if !emitted {
		e.emittedErrors[key] = struct{}{}
	}

	if e.config.EmitAllErrors || !emitted {
		if lastInstr != nil {
			logf("[error] %s:%d: %s", functionName(lastInstr), lastInstr.Line, message)
		} else {
			logf("[error] (location information missing) %s", message)
		}
		if !e.config.EmitAllErrors {
			logf("[error] now ignoring this error at this location")
		}
	}

	if e.config.EmitAllErrors || e.haltExecution || (len(e.config.ExitOnErrorType) == 0 && !emitted) {
		if test := e.getTestCase(state); test != nil {
			test.Error = message
			test.ErrorKind = kind.String()
			test.ErrorInfo = info
			e.handler.ProcessTestCase(state, test)
		}
	}

	e.terminateState(state)
}

func functionName(instr *Instruction) string {
	if fn := instr.Function(); fn != nil {
		return fn.Name
	}
	return "?"
}

// terminateStateOnExecError is the Exec-kind shorthand used by the
// dispatcher for unlowered or illegal instructions.
func (e *Executor) terminateStateOnExecError(state *ExecutionState, message string) {
	e.terminateStateOnError(state, message, Exec, "")
}

// getTestCase solves for the state's symbolic inputs. Returns nil when
// the solver cannot produce an assignment.
func (e *Executor) getTestCase(state *ExecutionState) *KTest {
	var arrays []*Array
	for _, sym := range state.symbolics {
		arrays = append(arrays, sym.Array)
	}
	var nondetArrays []*Array
	for _, nv := range state.nondetValues {
		nondetArrays = append(nondetArrays, nv.Array)
	}

	values, err := e.solver.GetInitialValues(state, append(append([]*Array{}, arrays...), nondetArrays...))
	if err != nil {
		logf("[exec] unable to compute initial values (invalid constraints?): %s", err)
		return nil
	}

	test := &KTest{}
	for i, array := range arrays {
		test.Objects = append(test.Objects, KTestObject{Name: array.Name, Bytes: values[i]})
	}
	for i, nv := range state.nondetValues {
		test.Nondet = append(test.Nondet, KTestObject{Name: nv.Name, Bytes: values[len(arrays)+i]})
	}
	return test
}

// kvalueInfo renders pointer diagnostics for error artifacts.
func (e *Executor) kvalueInfo(state *ExecutionState, address KValue) string {
	info := fmt.Sprintf("\taddress: %s\n", address)

	concrete := address
	if !address.IsConstant() {
		value, err := e.solver.GetKValue(state, address)
		if err == nil {
			concrete = value
			info += fmt.Sprintf("\texample: %s\n", value)
		}
		if lo, hi, err := e.solver.GetRange(state, address.Offset); err == nil {
			info += fmt.Sprintf("\toffset range: [%d, %d]\n", lo.Value, hi.Value)
		}
	}

	if !concrete.IsConstant() {
		return info
	}

	op, ok := state.addressSpace.resolveConstantAddress(concrete)
	if !ok {
		info += "\tpointing to: none\n"
	} else {
		mo := op.Object
		site := ""
		if mo.AllocSite != nil {
			site = fmt.Sprintf(" allocated at %s:%d", functionName(mo.AllocSite), mo.AllocSite.Line)
		}
		info += fmt.Sprintf("\tpointing to: %s%s\n", mo, site)
	}
	return info
}

// memoryLeaks returns the heap objects still bound at exit.
func (e *Executor) memoryLeaks(state *ExecutionState) []*MemoryObject {
	var leaks []*MemoryObject
	for _, op := range state.addressSpace.Objects() {
		mo := op.Object
		if !mo.IsLocal && !mo.IsGlobal && !mo.IsFixed {
			leaks = append(leaks, mo)
		}
	}
	return leaks
}

// reachableObjects walks pointer-typed offsets starting from globals and
// stack objects, following segment bytes through the segment map.
func (e *Executor) reachableObjects(state *ExecutionState) map[*MemoryObject]struct{} {
	reachable := make(map[*MemoryObject]struct{})
	var queue []ObjectPair

	for _, op := range state.addressSpace.Objects() {
		if op.Object.IsLocal || op.Object.IsGlobal {
			reachable[op.Object] = struct{}{}
			queue = append(queue, op)
		}
	}

	for len(queue) > 0 {
		op := queue[0]
		queue = queue[1:]

		for _, off := range e.pointerOffsetsOf(op.Object) {
			if off+PointerWidth/8 > op.Object.AllocatedSize {
				continue
			}
			ptr := op.State.Read(NewConstantExpr64(off), PointerWidth)
			segment := e.toUnique(state, ptr.Segment)
			seg, ok := segment.(*ConstantExpr)
			if !ok {
				logf("[exec] cannot resolve non-constant segment in memcleanup check")
				continue
			}
			if seg.Value < FirstOrdinarySegment {
				continue
			}
			target, ok := state.addressSpace.FindSegment(seg.Value)
			if !ok {
				logf("[exec] failed resolving segment in memcleanup check")
				continue
			}
			if _, seen := reachable[target]; !seen {
				reachable[target] = struct{}{}
				if os, found := state.addressSpace.Find(target); found {
					queue = append(queue, ObjectPair{target, os})
				}
			}
		}
	}
	return reachable
}

// pointerOffsetsOf returns the pointer-typed byte offsets of an object,
// from its allocation site or its global declaration.
func (e *Executor) pointerOffsetsOf(mo *MemoryObject) []uint64 {
	if mo.AllocSite != nil {
		return mo.AllocSite.PointerOffsets
	}
	for _, g := range e.module.Globals {
		if g.Name == mo.Name && mo.IsGlobal {
			return g.PointerOffsets
		}
	}
	return nil
}

// eval resolves the i-th operand of an instruction in a state.
func (e *Executor) eval(state *ExecutionState, instr *Instruction, i int) KValue {
	assert(i < len(instr.Operands), "operand index out of range: %d", i)
	op := instr.Operands[i]
	if op.Global != "" {
		mo, ok := e.globalObjects[op.Global]
		assert(ok, "unbound global: %s", op.Global)
		return mo.Pointer()
	}
	if op.Const != nil {
		return *op.Const
	}
	return state.Frame().Local(op.Reg)
}

// bindLocal writes a value into the destination register.
func (e *Executor) bindLocal(state *ExecutionState, target int, value KValue) {
	if target < 0 {
		return
	}
	state.Frame().BindLocal(target, value)
}

// transferToBasicBlock jumps to dst, recording which PHI edge applies.
func (e *Executor) transferToBasicBlock(state *ExecutionState, dst, src *BasicBlock) {
	state.pc = blockEntry(dst)
	if first := state.pc.Instr(); first != nil && first.Op == OpPhi {
		idx := -1
		for i, b := range first.Incoming {
			if b == src {
				idx = i
				break
			}
		}
		assert(idx >= 0, "phi incoming block not found")
		state.incomingBBIndex = idx
	}
}

// executeInstruction dispatches one instruction. Errors returned here are
// fatal to the whole run; per-state failures terminate the state instead.
func (e *Executor) executeInstruction(state *ExecutionState, ki InstrIterator) error {
	instr := ki.Instr()
	assert(instr != nil, "pc out of range: %s@%d", ki.Fn.Name, ki.Index)

	switch instr.Op {
	// Control flow
	case OpRet:
		return e.executeRet(state, instr)

	case OpBr:
		if len(instr.Succs) == 1 {
			e.transferToBasicBlock(state, instr.Succs[0], instr.Block())
			return nil
		}
		cond := e.eval(state, instr, 0)
		trueState, falseState, err := e.fork(state, toBool(cond.Offset), false)
		if err != nil {
			return err
		}
		if trueState != nil {
			e.transferToBasicBlock(trueState, instr.Succs[0], instr.Block())
		}
		if falseState != nil {
			e.transferToBasicBlock(falseState, instr.Succs[1], instr.Block())
		}
		return nil

	case OpSwitch:
		return e.executeSwitch(state, instr)

	case OpIndirectBr:
		return e.executeIndirectBr(state, instr)

	case OpUnreachable:
		e.terminateStateOnExecError(state, "reached \"unreachable\" instruction")
		return nil

	case OpCall:
		return e.executeCallInstr(state, instr)

	// Special
	case OpPhi:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, state.incomingBBIndex))
		return nil

	case OpSelect:
		cond := e.eval(state, instr, 0)
		tv := e.eval(state, instr, 1)
		fv := e.eval(state, instr, 2)
		e.bindLocal(state, instr.Dest, cond.Select(tv, fv))
		return nil

	case OpVAArg:
		e.terminateStateOnExecError(state, "unexpected VAArg instruction")
		return nil

	// Arithmetic / logical
	case OpAdd:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).Add(e.eval(state, instr, 1)))
		return nil
	case OpSub:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).Sub(e.eval(state, instr, 1)))
		return nil
	case OpMul:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).Mul(e.eval(state, instr, 1)))
		return nil
	case OpUDiv:
		return e.executeDiv(state, instr, false)
	case OpSDiv:
		return e.executeDiv(state, instr, true)
	case OpURem:
		return e.executeRem(state, instr, false)
	case OpSRem:
		return e.executeRem(state, instr, true)
	case OpAnd:
		// Left-biased segment: pointer-tag masks keep provenance.
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).And(e.eval(state, instr, 1)))
		return nil
	case OpOr:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).Or(e.eval(state, instr, 1)))
		return nil
	case OpXor:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).Xor(e.eval(state, instr, 1)))
		return nil
	case OpShl:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).Shl(e.eval(state, instr, 1)))
		return nil
	case OpLShr:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).LShr(e.eval(state, instr, 1)))
		return nil
	case OpAShr:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).AShr(e.eval(state, instr, 1)))
		return nil

	case OpICmp:
		return e.executeICmp(state, instr)

	// Memory
	case OpAlloca:
		size := Expr(NewPointerConstantExpr(instr.ElemSize))
		if len(instr.Operands) > 0 {
			count := e.eval(state, instr, 0).ZExt(PointerWidth)
			size = NewBinaryExpr(MUL, size, count.Offset)
		}
		return e.executeAlloc(state, size, true, instr.Dest, 0)

	case OpLoad:
		address := e.eval(state, instr, 0)
		return e.executeMemoryRead(state, address, instr.Width, instr.Dest)

	case OpStore:
		value := e.eval(state, instr, 0)
		address := e.eval(state, instr, 1)
		return e.executeMemoryWrite(state, address, value)

	case OpGetElementPtr:
		base := e.eval(state, instr, 0)
		for _, gi := range instr.GEPIndices {
			index := e.eval(state, instr, gi.Operand)
			scaled := index.SExt(PointerWidth).Mul(NewConstantKValue(gi.ElementSize, PointerWidth))
			base = base.Add(scaled)
		}
		if instr.GEPOffset != 0 {
			base = base.Add(NewConstantKValue(instr.GEPOffset, PointerWidth))
		}
		e.bindLocal(state, instr.Dest, base)
		return nil

	// Conversion: casts preserve the segment so pointer provenance
	// survives int/pointer round trips.
	case OpTrunc:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).Extract(0, instr.Width))
		return nil
	case OpZExt, OpPtrToInt, OpIntToPtr, OpBitCast:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).ZExt(instr.Width))
		return nil
	case OpSExt:
		e.bindLocal(state, instr.Dest, e.eval(state, instr, 0).SExt(instr.Width))
		return nil

	// Floating point
	case OpFAdd, OpFSub, OpFMul, OpFDiv, OpFRem, OpFCmp, OpFPTrunc, OpFPExt:
		return e.executeFloat(state, instr)

	// Vector
	case OpInsertElement:
		return e.executeInsertElement(state, instr)
	case OpExtractElement:
		return e.executeExtractElement(state, instr)

	case OpShuffleVector:
		e.terminateStateOnExecError(state, "unexpected ShuffleVector instruction")
		return nil
	case OpAtomicRMW, OpAtomicCmpXchg, OpFence:
		e.terminateStateOnExecError(state, "unexpected atomic instruction")
		return nil

	default:
		e.terminateStateOnExecError(state, fmt.Sprintf("illegal instruction: %s", instr.Op))
		return nil
	}
}

// toBool narrows an expression to a boolean condition.
func toBool(expr Expr) Expr {
	if ExprWidth(expr) == WidthBool {
		return expr
	}
	return NewIsZeroExpr(NewIsZeroExpr(expr))
}

func (e *Executor) executeRet(state *ExecutionState, instr *Instruction) error {
	var result KValue
	hasResult := len(instr.Operands) > 0
	if hasResult {
		result = e.eval(state, instr, 0)
	}

	if state.StackDepth() <= 1 {
		state.pc = InstrIterator{}
		e.terminateStateOnExit(state)
		return nil
	}

	caller := state.Frame().caller
	state.PopFrame()
	state.pc = caller.Next()

	callInstr := caller.Instr()
	if hasResult && callInstr != nil && callInstr.Dest >= 0 {
		// Coerce the width to what the callsite expects.
		if to := callInstr.Width; to > 0 && to != result.Width() {
			if callInstr.SExtAttr {
				result = result.SExt(to)
			} else {
				result = result.ZExt(to)
			}
		}
		state.Frame().BindLocal(callInstr.Dest, result)
	} else if !hasResult && callInstr != nil && callInstr.Dest >= 0 {
		e.terminateStateOnExecError(state, "return void when caller expected a result")
	}
	return nil
}

func (e *Executor) executeSwitch(state *ExecutionState, instr *Instruction) error {
	cond := e.eval(state, instr, 0).Offset
	cond = e.toUnique(state, cond)
	src := instr.Block()

	if cond, ok := cond.(*ConstantExpr); ok {
		for _, c := range instr.Cases {
			if c.Value.Value == cond.Value {
				e.transferToBasicBlock(state, c.Block, src)
				return nil
			}
		}
		e.transferToBasicBlock(state, instr.Succs[0], src)
		return nil
	}

	// Order case expressions deterministically by value.
	cases := append([]SwitchCase{}, instr.Cases...)
	sort.Slice(cases, func(i, j int) bool { return cases[i].Value.Value < cases[j].Value.Value })

	defaultBlock := instr.Succs[0]
	var bbOrder []*BasicBlock
	branchTargets := make(map[*BasicBlock]Expr)

	defaultValue := Expr(NewConstantExpr(1, WidthBool))
	for _, c := range cases {
		match := NewBinaryExpr(EQ, cond, NewCastExpr(c.Value, ExprWidth(cond), false))

		// A case that jumps to the default block is covered by the
		// default predicate already.
		if c.Block == defaultBlock {
			continue
		}

		defaultValue = NewBinaryExpr(AND, defaultValue, NewIsZeroExpr(match))

		feasible, err := e.solver.MayBeTrue(state, match)
		if err != nil {
			return err
		}
		if feasible {
			if prev, ok := branchTargets[c.Block]; ok {
				branchTargets[c.Block] = NewBinaryExpr(OR, match, prev)
			} else {
				branchTargets[c.Block] = match
				bbOrder = append(bbOrder, c.Block)
			}
		}
	}

	feasible, err := e.solver.MayBeTrue(state, defaultValue)
	if err != nil {
		return err
	}
	if feasible {
		if _, ok := branchTargets[defaultBlock]; !ok {
			branchTargets[defaultBlock] = defaultValue
			bbOrder = append(bbOrder, defaultBlock)
		}
	}

	conditions := make([]Expr, 0, len(bbOrder))
	for _, bb := range bbOrder {
		conditions = append(conditions, branchTargets[bb])
	}
	if len(conditions) == 0 {
		e.terminateStateOnExecError(state, "switch with no feasible target")
		return nil
	}

	branches, err := e.branch(state, conditions)
	if err != nil {
		return err
	}
	for i, bb := range bbOrder {
		if branches[i] != nil {
			e.transferToBasicBlock(branches[i], bb, src)
		}
	}
	return nil
}

func (e *Executor) executeIndirectBr(state *ExecutionState, instr *Instruction) error {
	address := e.toUnique(state, e.eval(state, instr, 0).Offset)
	src := instr.Block()

	if address, ok := address.(*ConstantExpr); ok {
		for _, d := range instr.Dests {
			if uint64(d.Index) == address.Value {
				e.transferToBasicBlock(state, d, src)
				return nil
			}
		}
		e.terminateStateOnExecError(state, "indirectbr: illegal label address")
		return nil
	}

	// Symbolic address: enumerate the declared destinations.
	var targets []*BasicBlock
	var expressions []Expr
	errorCase := Expr(NewConstantExpr(1, WidthBool))
	seen := make(map[*BasicBlock]struct{})
	for _, d := range instr.Dests {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}

		match := NewBinaryExpr(EQ, address, NewConstantExpr(uint64(d.Index), ExprWidth(address)))
		errorCase = NewBinaryExpr(AND, errorCase, NewIsZeroExpr(match))

		feasible, err := e.solver.MayBeTrue(state, match)
		if err != nil {
			return err
		}
		if feasible {
			targets = append(targets, d)
			expressions = append(expressions, match)
		}
	}

	errorFeasible, err := e.solver.MayBeTrue(state, errorCase)
	if err != nil {
		return err
	}
	if errorFeasible {
		expressions = append(expressions, errorCase)
	}

	branches, err := e.branch(state, expressions)
	if err != nil {
		return err
	}

	if errorFeasible {
		if last := branches[len(branches)-1]; last != nil {
			e.terminateStateOnExecError(last, "indirectbr: illegal label address")
		}
		branches = branches[:len(branches)-1]
	}

	assert(len(targets) == len(branches), "indirectbr: target/branch mismatch")
	for i, b := range branches {
		if b != nil {
			e.transferToBasicBlock(b, targets[i], src)
		}
	}
	return nil
}

func (e *Executor) executeDiv(state *ExecutionState, instr *Instruction, signed bool) error {
	left, right := e.eval(state, instr, 0), e.eval(state, instr, 1)

	// Division by zero is a terminating overflow error.
	nonZero, zero, err := e.fork(state, NewIsZeroExpr(NewIsZeroExpr(right.Offset)), true)
	if err != nil {
		return err
	}
	if zero != nil {
		e.terminateStateOnError(zero, "division by zero", Overflow, "")
	}
	if nonZero != nil {
		if signed {
			e.bindLocal(nonZero, instr.Dest, left.SDiv(right))
		} else {
			e.bindLocal(nonZero, instr.Dest, left.UDiv(right))
		}
	}
	return nil
}

func (e *Executor) executeRem(state *ExecutionState, instr *Instruction, signed bool) error {
	left, right := e.eval(state, instr, 0), e.eval(state, instr, 1)

	nonZero, zero, err := e.fork(state, NewIsZeroExpr(NewIsZeroExpr(right.Offset)), true)
	if err != nil {
		return err
	}
	if zero != nil {
		e.terminateStateOnError(zero, "remainder by zero", Overflow, "")
	}
	if nonZero != nil {
		if signed {
			e.bindLocal(nonZero, instr.Dest, left.SRem(right))
		} else {
			e.bindLocal(nonZero, instr.Dest, left.URem(right))
		}
	}
	return nil
}

// executeICmp compares two values. Pointers into distinct regions are
// compared through symbolic stand-in addresses so the solver can reason
// about their inequality without concrete layouts.
func (e *Executor) executeICmp(state *ExecutionState, instr *Instruction) error {
	leftOriginal := e.eval(state, instr, 0)
	rightOriginal := e.eval(state, instr, 1)

	left, right := leftOriginal, rightOriginal

	leftSeg, leftConstSeg := leftOriginal.ConstantSegment()
	rightSeg, rightConstSeg := rightOriginal.ConstantSegment()
	bothValuesConstant := IsConstantExpr(leftOriginal.Offset) && IsConstantExpr(rightOriginal.Offset)

	if bothValuesConstant && leftConstSeg && rightConstSeg &&
		leftSeg != 0 && rightSeg != 0 && leftSeg != rightSeg {
		leftOp, okLeft := state.addressSpace.resolveConstantAddress(KValue{Segment: leftOriginal.Segment, Offset: NewPointerConstantExpr(0)})
		rightOp, okRight := state.addressSpace.resolveConstantAddress(KValue{Segment: rightOriginal.Segment, Offset: NewPointerConstantExpr(0)})
		if okLeft && okRight {
			logf("[exec] comparing pointers, using symbolic values instead of segment for comparison")
			left = KValue{Segment: leftOriginal.Segment, Offset: leftOp.Object.SymbolicAddress(e.memory)}
			right = KValue{Segment: rightOriginal.Segment, Offset: rightOp.Object.SymbolicAddress(e.memory)}
		}
	}

	var result KValue
	switch instr.Predicate {
	case EQ:
		result = left.Eq(right)
	case NE:
		result = left.Ne(right)
	case UGT:
		result = left.Ugt(right)
	case UGE:
		result = left.Uge(right)
	case ULT:
		result = left.Ult(right)
	case ULE:
		result = left.Ule(right)
	case SGT:
		result = left.Sgt(right)
	case SGE:
		result = left.Sge(right)
	case SLT:
		result = left.Slt(right)
	case SLE:
		result = left.Sle(right)
	default:
		e.terminateStateOnExecError(state, "invalid ICmp predicate")
		return nil
	}
	e.bindLocal(state, instr.Dest, result)
	return nil
}

// executeFloat concretizes operands and computes in host IEEE semantics.
func (e *Executor) executeFloat(state *ExecutionState, instr *Instruction) error {
	operands := make([]*ConstantExpr, len(instr.Operands))
	for i := range instr.Operands {
		value, err := e.toConstant(state, e.eval(state, instr, i).Offset, "floating point")
		if err != nil {
			return err
		}
		operands[i] = value
	}

	toFloat := func(c *ConstantExpr) float64 {
		if c.Width == Width32 {
			return float64(math.Float32frombits(uint32(c.Value)))
		}
		return math.Float64frombits(c.Value)
	}
	fromFloat := func(f float64, width uint) KValue {
		if width == Width32 {
			return NewConstantKValue(uint64(math.Float32bits(float32(f))), Width32)
		}
		return NewConstantKValue(math.Float64bits(f), Width64)
	}

	switch instr.Op {
	case OpFAdd:
		e.bindLocal(state, instr.Dest, fromFloat(toFloat(operands[0])+toFloat(operands[1]), instr.Width))
	case OpFSub:
		e.bindLocal(state, instr.Dest, fromFloat(toFloat(operands[0])-toFloat(operands[1]), instr.Width))
	case OpFMul:
		e.bindLocal(state, instr.Dest, fromFloat(toFloat(operands[0])*toFloat(operands[1]), instr.Width))
	case OpFDiv:
		e.bindLocal(state, instr.Dest, fromFloat(toFloat(operands[0])/toFloat(operands[1]), instr.Width))
	case OpFRem:
		e.bindLocal(state, instr.Dest, fromFloat(math.Mod(toFloat(operands[0]), toFloat(operands[1])), instr.Width))
	case OpFPTrunc, OpFPExt:
		e.bindLocal(state, instr.Dest, fromFloat(toFloat(operands[0]), instr.Width))
	case OpFCmp:
		a, b := toFloat(operands[0]), toFloat(operands[1])
		var r bool
		switch instr.FPredicate {
		case FOEQ:
			r = a == b
		case FONE:
			r = a != b
		case FOLT:
			r = a < b
		case FOLE:
			r = a <= b
		case FOGT:
			r = a > b
		case FOGE:
			r = a >= b
		}
		e.bindLocal(state, instr.Dest, NewScalarKValue(NewBoolConstantExpr(r)))
	}
	return nil
}

func (e *Executor) executeExtractElement(state *ExecutionState, instr *Instruction) error {
	vec := e.eval(state, instr, 0)
	index, ok := e.eval(state, instr, 1).Offset.(*ConstantExpr)
	if !ok {
		e.terminateStateOnError(state, "extract element with symbolic index", BadVectorAccess, "")
		return nil
	}

	count := uint64(vec.Width() / instr.ElemWidth)
	if index.Value >= count {
		e.terminateStateOnError(state, "extract element index out of bounds", BadVectorAccess, "")
		return nil
	}

	result := NewExtractExpr(vec.Offset, uint(index.Value)*instr.ElemWidth, instr.ElemWidth)
	e.bindLocal(state, instr.Dest, NewScalarKValue(result))
	return nil
}

func (e *Executor) executeInsertElement(state *ExecutionState, instr *Instruction) error {
	vec := e.eval(state, instr, 0)
	value := e.eval(state, instr, 1)
	index, ok := e.eval(state, instr, 2).Offset.(*ConstantExpr)
	if !ok {
		e.terminateStateOnError(state, "insert element with symbolic index", BadVectorAccess, "")
		return nil
	}

	width := vec.Width()
	count := uint64(width / instr.ElemWidth)
	if index.Value >= count {
		e.terminateStateOnError(state, "insert element index out of bounds", BadVectorAccess, "")
		return nil
	}

	// Rebuild the vector around the replaced element with concat/extract.
	lo := uint(index.Value) * instr.ElemWidth
	hi := lo + instr.ElemWidth

	result := NewCastExpr(value.Offset, instr.ElemWidth, false)
	if lo > 0 {
		result = NewConcatExpr(result, NewExtractExpr(vec.Offset, 0, lo))
	}
	if hi < width {
		result = NewConcatExpr(NewExtractExpr(vec.Offset, hi, width-hi), result)
	}
	e.bindLocal(state, instr.Dest, NewScalarKValue(result))
	return nil
}

// executeCallInstr resolves the call target and dispatches to special
// functions, module functions, intrinsics, or the external bridge.
func (e *Executor) executeCallInstr(state *ExecutionState, instr *Instruction) error {
	// Evaluate arguments.
	argStart := 0
	if instr.Callee == "" {
		argStart = 1 // Operands[0] holds the function pointer
	}
	args := make([]KValue, 0, len(instr.Operands)-argStart)
	for i := argStart; i < len(instr.Operands); i++ {
		args = append(args, e.eval(state, instr, i))
	}

	if instr.Callee != "" {
		name := instr.Callee

		if isIntrinsicName(name) {
			return e.executeIntrinsic(state, instr, name, args)
		}
		if handler, ok := e.specialFunctions[name]; ok {
			return handler(e, state, instr, args)
		}
		if fn := e.module.Function(name); fn != nil && len(fn.Blocks) > 0 {
			return e.executeCall(state, instr, fn, args)
		}
		return e.callExternalFunction(state, instr, name, args)
	}

	// Indirect call through a function pointer.
	pointer := e.eval(state, instr, 0)
	if segment, ok := pointer.ConstantSegment(); ok {
		if segment != FunctionsSegment {
			e.terminateStateOnExecError(state, "invalid function pointer")
			return nil
		}
	}

	v := pointer.Offset
	free := state
	hasInvalid, first := false, true
	for free != nil {
		value, err := e.solver.GetValue(free, v)
		if err != nil {
			return err
		}
		res, rest, err := e.fork(free, NewBinaryExpr(EQ, v, value), true)
		if err != nil {
			return err
		}
		if res != nil {
			if fn := e.module.FunctionByID(value.Value); fn != nil {
				if rest != nil || !first {
					logf("[exec] resolved symbolic function pointer to id %d: %s", value.Value, fn.Name)
				}
				if err := e.executeCall(res, instr, fn, args); err != nil {
					return err
				}
			} else if !hasInvalid {
				e.terminateStateOnExecError(res, "invalid function pointer")
				hasInvalid = true
			}
		}
		first = false
		free = rest
	}
	return nil
}

// executeCall pushes a frame for fn and binds coerced arguments. Variadic
// extras are copied into a 16-byte aligned overflow area recorded on the
// frame.
func (e *Executor) executeCall(state *ExecutionState, instr *Instruction, fn *Function, args []KValue) error {
	if e.config.MaxStackFrames > 0 && state.StackDepth() >= e.config.MaxStackFrames {
		e.terminateStateOnExecError(state, "stack depth exceeds max-stack-frames")
		return nil
	}

	if !fn.IsVarArg && len(args) != len(fn.Params) {
		e.terminateStateOnExecError(state, "calling function with too few arguments")
		return nil
	}
	if fn.IsVarArg && len(args) < len(fn.Params) {
		e.terminateStateOnExecError(state, "calling function with too few arguments")
		return nil
	}

	state.PushFrame(InstrIterator{Fn: instr.Function(), Index: instr.index}, fn)
	frame := state.Frame()

	for i, p := range fn.Params {
		arg := args[i]
		if arg.Width() != p.Width {
			arg = arg.ZExt(p.Width)
		}
		frame.BindLocal(i, arg)
	}

	if fn.IsVarArg {
		if err := e.setupVarargs(state, args[len(fn.Params):]); err != nil {
			return err
		}
	}

	state.pc = InstrIterator{Fn: fn, Index: 0}
	return nil
}

// setupVarargs lays the extra arguments out in an overflow area: 8-byte
// slots, with arguments wider than 64 bits aligned to 16 bytes.
func (e *Executor) setupVarargs(state *ExecutionState, extras []KValue) error {
	size := uint64(0)
	offsets := make([]uint64, len(extras))
	for i, arg := range extras {
		if arg.Width() > Width64 {
			size = (size + 15) &^ 15
		}
		offsets[i] = size
		slot := uint64(minBytes(arg.Width()))
		if slot < 8 {
			slot = 8
		}
		size += slot
	}
	if size == 0 {
		size = 8
	}

	mo := e.memory.Allocate(NewPointerConstantExpr(size), size, true, false, state.prevPC.Instr(), 16)
	if mo == nil {
		e.terminateStateOnExecError(state, "out of memory (varargs)")
		return nil
	}
	os := e.bindObjectInState(state, mo, false)
	for i, arg := range extras {
		os.Write(NewConstantExpr64(offsets[i]), arg)
	}
	state.Frame().varargs = mo
	return nil
}

func isIntrinsicName(name string) bool {
	return len(name) > 5 && name[:5] == "llvm."
}

// executeIntrinsic models the few intrinsics the core understands;
// unknown intrinsics are fatal to the state.
func (e *Executor) executeIntrinsic(state *ExecutionState, instr *Instruction, name string, args []KValue) error {
	switch {
	case name == "llvm.fabs.f64" || name == "llvm.fabs.f32":
		value, err := e.toConstant(state, args[0].Offset, "floating point")
		if err != nil {
			return err
		}
		if instr.Width == Width32 {
			f := math.Abs(float64(math.Float32frombits(uint32(value.Value))))
			e.bindLocal(state, instr.Dest, NewConstantKValue(uint64(math.Float32bits(float32(f))), Width32))
		} else {
			f := math.Abs(math.Float64frombits(value.Value))
			e.bindLocal(state, instr.Dest, NewConstantKValue(math.Float64bits(f), Width64))
		}
		return nil

	case name == "llvm.va_start":
		// Write the overflow-area pointer into the va_list.
		varargs := state.Frame().varargs
		if varargs == nil {
			e.terminateStateOnExecError(state, "va_start outside a variadic function")
			return nil
		}
		return e.executeMemoryWrite(state, args[0], varargs.Pointer())

	case name == "llvm.va_end" || name == "llvm.va_copy":
		return nil

	case hasPrefix(name, "llvm.lifetime.end"):
		return e.executeLifetimeEnd(state, args[len(args)-1])

	case hasPrefix(name, "llvm.lifetime.start"):
		return e.executeLifetimeStart(state, instr, args)

	default:
		e.terminateStateOnExecError(state, fmt.Sprintf("unknown intrinsic: %s", name))
		return nil
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// executeLifetimeEnd releases the alloca behind the pointer.
func (e *Executor) executeLifetimeEnd(state *ExecutionState, address KValue) error {
	op, ok, err := state.addressSpace.ResolveOne(state, e.solver, address)
	if err != nil {
		return err
	}
	if ok && op.Object.IsLocal {
		state.addressSpace.Unbind(op.Object)
	}
	return nil
}

// executeLifetimeStart reallocates a dead alloca. The pointer operand
// must be a register so the fresh allocation can be rebound to it.
func (e *Executor) executeLifetimeStart(state *ExecutionState, instr *Instruction, args []KValue) error {
	address := args[len(args)-1]
	_, ok, err := state.addressSpace.ResolveOne(state, e.solver, address)
	if err != nil {
		return err
	}
	if ok {
		return nil // object is live
	}

	ptrOperand := instr.Operands[len(instr.Operands)-1]
	if ptrOperand.Reg < 0 || instr.ElemSize == 0 {
		e.terminateStateOnError(state, "Memory object is dead", Ptr, "")
		return nil
	}
	return e.executeAlloc(state, NewPointerConstantExpr(instr.ElemSize), true, ptrOperand.Reg, 0)
}
