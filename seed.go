package klee

// SeedInfo tracks one seed test case replayed against a state: the
// recorded inputs, which of them have been consumed by make-symbolic
// calls, and the working assignment that is patched whenever a new
// constraint contradicts the recorded bytes.
type SeedInfo struct {
	Test       *KTest
	Assignment *Assignment

	inputPosition int
	used          map[int]struct{}
}

// NewSeedInfo returns seed state for one recorded test case.
func NewSeedInfo(test *KTest) *SeedInfo {
	return &SeedInfo{
		Test:       test,
		Assignment: NewAssignment(nil, nil),
		used:       make(map[int]struct{}),
	}
}

// NextInput returns the recorded object matching a make-symbolic call, or
// nil when the seed has run out. With named matching the object is looked
// up by name; otherwise inputs are consumed positionally.
func (si *SeedInfo) NextInput(mo *MemoryObject, named bool) *KTestObject {
	if named {
		for i := range si.Test.Objects {
			if _, ok := si.used[i]; ok {
				continue
			}
			if si.Test.Objects[i].Name == mo.Name {
				si.used[i] = struct{}{}
				return &si.Test.Objects[i]
			}
		}
		return nil
	}

	if si.inputPosition >= len(si.Test.Objects) {
		return nil
	}
	obj := &si.Test.Objects[si.inputPosition]
	si.used[si.inputPosition] = struct{}{}
	si.inputPosition++
	return obj
}

// Clone returns an independent copy for seed redistribution across forks.
func (si *SeedInfo) Clone() *SeedInfo {
	other := &SeedInfo{
		Test:          si.Test,
		Assignment:    NewAssignment(nil, nil),
		inputPosition: si.inputPosition,
		used:          make(map[int]struct{}, len(si.used)),
	}
	for k, v := range si.Assignment.m {
		b := make([]byte, len(v))
		copy(b, v)
		other.Assignment.m[k] = b
	}
	for i := range si.used {
		other.used[i] = struct{}{}
	}
	return other
}

// Patch adjusts the seed's assignment so the state's constraints hold,
// re-solving for the state's symbolic arrays. Called when a fresh
// constraint contradicts the recorded bytes.
func (si *SeedInfo) Patch(state *ExecutionState, solver *TimingSolver) error {
	arrays := make([]*Array, 0, len(state.symbolics))
	for _, sym := range state.symbolics {
		arrays = append(arrays, sym.Array)
	}
	values, err := solver.GetInitialValues(state, arrays)
	if err != nil {
		return err
	}
	for i, array := range arrays {
		si.Assignment.Bind(array, values[i])
	}
	return nil
}
