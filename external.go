package klee

import (
	"fmt"
)

// ExternalCallPolicy controls how calls to functions outside the module
// are handled.
type ExternalCallPolicy int

const (
	// ExternalCallsNone refuses everything but the harmless whitelist.
	ExternalCallsNone ExternalCallPolicy = iota

	// ExternalCallsPure skips undefined functions and binds a fresh
	// symbolic return value instead of calling out.
	ExternalCallsPure

	// ExternalCallsConcrete passes arguments that are already concrete
	// and refuses symbolic ones.
	ExternalCallsConcrete

	// ExternalCallsAll concretizes symbolic arguments via the solver and
	// constrains the state to the chosen values.
	ExternalCallsAll
)

// ParseExternalCallPolicy parses the CLI spelling of the policy.
func ParseExternalCallPolicy(s string) (ExternalCallPolicy, error) {
	switch s {
	case "none":
		return ExternalCallsNone, nil
	case "pure":
		return ExternalCallsPure, nil
	case "concrete":
		return ExternalCallsConcrete, nil
	case "all":
		return ExternalCallsAll, nil
	}
	return 0, fmt.Errorf("klee: unknown external call policy: %q", s)
}

// HostArg is one marshalled argument of an external call. Pointer
// arguments carry the materialized buffer of the pointed-to object.
type HostArg struct {
	Value  uint64
	Buffer []byte
}

// HostFunction is a host-side model of an external function. It receives
// concretized arguments and may mutate pointer buffers in place. The
// returned errno is mirrored into the dedicated errno object.
type HostFunction func(args []HostArg) (ret uint64, errno uint64, err error)

// Externals known to be harmless: callable under every policy.
var okExternals = map[string]struct{}{
	"printf": {}, "fprintf": {}, "puts": {}, "putchar": {},
	"getpid": {}, "memcmp": {},
}

// Externals that perturb host floating-point state; refused under the
// pure policy.
var nokExternals = map[string]struct{}{
	"fesetround": {}, "fesetenv": {}, "feenableexcept": {},
	"fedisableexcept": {}, "feupdateenv": {}, "fesetexceptflag": {},
	"feclearexcept": {}, "feraiseexcept": {},
}

// RegisterHostFunction installs a host model for an external function.
func (e *Executor) RegisterHostFunction(name string, fn HostFunction) {
	e.hostFunctions[name] = fn
}

// callExternalFunction marshals arguments, runs the host model, and
// copies pointer buffers back, mirroring errno through its special
// object. Policy violations terminate the state.
func (e *Executor) callExternalFunction(state *ExecutionState, instr *Instruction, name string, args []KValue) error {
	_, isOK := okExternals[name]
	_, isNOK := nokExternals[name]
	hasReturn := instr.Dest >= 0 && instr.Width > 0

	switch e.config.ExternalCalls {
	case ExternalCallsNone:
		if !isOK {
			logf("[external] disallowed call to external function: %s", name)
			e.terminateStateOnError(state, "external calls disallowed", External, "")
			return nil
		}

	case ExternalCallsPure:
		if isNOK {
			e.terminateStateOnError(state, "failed external call", External, "")
			return nil
		}
		if !isOK {
			// Skip the call; synthesize a fresh return when one is used.
			if hasReturn {
				if instr.Width > 64 {
					logf("[external] undefined function returns > 64bit object: %s", name)
					e.terminateStateOnError(state, "failed external call", External, "")
					return nil
				}
				isPointer := instr.Width == PointerWidth && instr.SExtAttr == false && e.returnsPointer(name)
				nv := e.createNondetValue(state, instr.Width, false, instr, name, isPointer)
				e.bindLocal(state, instr.Dest, nv)
				logf("[external] assume that the undefined function %s is pure", name)
			}
			return nil
		}
	}

	// Marshal arguments: concretize, materializing buffers for pointers.
	resolved := make(map[uint64][]byte)
	hostArgs := make([]HostArg, 0, len(args))
	for _, arg := range args {
		if e.config.ExternalCalls == ExternalCallsConcrete && !arg.IsConstant() {
			e.terminateStateOnError(state, "external call with symbolic argument", External, "")
			return nil
		}

		concrete, err := e.solver.GetKValue(state, arg)
		if err != nil {
			return err
		}
		if err := e.addConstraint(state, arg.Eq(concrete).Offset); err != nil {
			return err
		}

		ha := HostArg{Value: concrete.Offset.(*ConstantExpr).Value}
		if segment, ok := concrete.ConstantSegment(); ok && segment != 0 {
			if mo, found := state.addressSpace.FindSegment(segment); found {
				buf := make([]byte, mo.AllocatedSize)
				resolved[segment] = buf
				ha.Buffer = buf
			}
		}
		hostArgs = append(hostArgs, ha)
	}

	state.addressSpace.CopyOutConcretes(resolved, false)

	host, ok := e.hostFunctions[name]
	if !ok {
		e.terminateStateOnError(state, fmt.Sprintf("failed external call: %s", name), External, "")
		return nil
	}
	ret, errno, err := host(hostArgs)
	if err != nil {
		e.terminateStateOnError(state, fmt.Sprintf("failed external call: %s: %s", name, err), External, "")
		return nil
	}

	// Mirror errno through its pinned object.
	if e.errnoObject != nil {
		if os, found := state.addressSpace.Find(e.errnoObject); found {
			wos := state.addressSpace.Writeable(e.errnoObject, os)
			wos.Write(NewConstantExpr64(0), NewConstantKValue(errno, Width32))
		}
	}

	if !state.addressSpace.CopyInConcretes(resolved) {
		e.terminateStateOnError(state, "external modified read-only object", External, "")
		return nil
	}

	if hasReturn {
		e.bindLocal(state, instr.Dest, NewConstantKValue(ret, instr.Width))
	}
	return nil
}

// returnsPointer guesses whether an undefined external returns a pointer.
// The IR carries no return types, so the pointer flag is driven by a
// conventional name registry populated by the host layer.
func (e *Executor) returnsPointer(name string) bool {
	_, ok := e.pointerReturning[name]
	return ok
}

// RegisterPointerReturning marks an undefined external as returning a
// pointer, so pure-policy nondet returns are flagged as pointers.
func (e *Executor) RegisterPointerReturning(name string) {
	e.pointerReturning[name] = struct{}{}
}

// defaultHostFunctions returns host models for the whitelisted externals.
func defaultHostFunctions() map[string]HostFunction {
	return map[string]HostFunction{
		"puts": func(args []HostArg) (uint64, uint64, error) {
			if len(args) > 0 && args[0].Buffer != nil {
				logf("[external] puts: %s", cString(args[0].Buffer))
			}
			return 0, 0, nil
		},
		"putchar": func(args []HostArg) (uint64, uint64, error) {
			if len(args) > 0 {
				logf("[external] putchar: %c", rune(args[0].Value))
				return args[0].Value, 0, nil
			}
			return 0, 0, nil
		},
		"printf": func(args []HostArg) (uint64, uint64, error) {
			if len(args) > 0 && args[0].Buffer != nil {
				logf("[external] printf: %s", cString(args[0].Buffer))
			}
			return 0, 0, nil
		},
		"getpid": func(args []HostArg) (uint64, uint64, error) {
			return 1, 0, nil
		},
		"memcmp": func(args []HostArg) (uint64, uint64, error) {
			if len(args) < 3 || args[0].Buffer == nil || args[1].Buffer == nil {
				return 0, 0, fmt.Errorf("memcmp: bad arguments")
			}
			n := int(args[2].Value)
			a, b := args[0].Buffer, args[1].Buffer
			for i := 0; i < n && i < len(a) && i < len(b); i++ {
				if a[i] != b[i] {
					if a[i] < b[i] {
						return ^uint64(0), 0, nil
					}
					return 1, 0, nil
				}
			}
			return 0, 0, nil
		},
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
