package klee

import (
	"time"

	"github.com/benbjohnson/immutable"
)

// ObjectPair couples a memory object with its byte store in one state.
type ObjectPair struct {
	Object *MemoryObject
	State  *ObjectState
}

// ResolutionList is the set of objects a pointer may refer to.
type ResolutionList []ObjectPair

// AddressSpace is the per-state view of memory: a persistent map from
// MemoryObject to ObjectState plus the segment lookup structures. Sibling
// states share ObjectStates copy-on-write; the cowKey epoch decides
// whether a store is privately owned.
type AddressSpace struct {
	cowKey uint32

	// objects maps MemoryObject.ID to ObjectPair, ordered by ID.
	objects *immutable.SortedMap

	// segmentMap maps nonzero segments to their MemoryObject.
	segmentMap *immutable.SortedMap

	// concreteAddressMap maps pinned host addresses to segments, for
	// fixed objects and external-call interop. Copied on clone.
	concreteAddressMap map[uint64]uint64
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		cowKey:             1,
		objects:            immutable.NewSortedMap(&uint64Comparer{}),
		segmentMap:         immutable.NewSortedMap(&uint64Comparer{}),
		concreteAddressMap: make(map[uint64]uint64),
	}
}

// Clone returns a copy sharing all object states. Both the source and the
// clone move to a fresh epoch so that every existing ObjectState becomes
// shared and is cloned before the next write on either side.
func (as *AddressSpace) Clone() *AddressSpace {
	as.cowKey++
	cam := make(map[uint64]uint64, len(as.concreteAddressMap))
	for k, v := range as.concreteAddressMap {
		cam[k] = v
	}
	return &AddressSpace{
		cowKey:             as.cowKey,
		objects:            as.objects,
		segmentMap:         as.segmentMap,
		concreteAddressMap: cam,
	}
}

// Bind inserts an object/state binding. Binding an object twice is a bug.
func (as *AddressSpace) Bind(mo *MemoryObject, os *ObjectState) {
	assert(os.copyOnWriteOwner == 0, "object already has owner")
	_, exists := as.objects.Get(mo.ID)
	assert(!exists, "object already bound: id=%d", mo.ID)

	os.copyOnWriteOwner = as.cowKey
	as.objects = as.objects.Set(mo.ID, ObjectPair{mo, os})
	if mo.Segment != 0 {
		as.segmentMap = as.segmentMap.Set(mo.Segment, mo)
	}
	if mo.IsFixed && mo.Address != 0 {
		as.concreteAddressMap[mo.Address] = mo.Segment
	}
}

// Unbind removes an object binding.
func (as *AddressSpace) Unbind(mo *MemoryObject) {
	if mo.Segment != 0 {
		as.segmentMap = as.segmentMap.Delete(mo.Segment)
	}
	if mo.IsFixed && mo.Address != 0 {
		delete(as.concreteAddressMap, mo.Address)
	}
	as.objects = as.objects.Delete(mo.ID)
}

// Find returns the read-only state bound for mo, or false.
func (as *AddressSpace) Find(mo *MemoryObject) (*ObjectState, bool) {
	if v, ok := as.objects.Get(mo.ID); ok {
		return v.(ObjectPair).State, true
	}
	return nil, false
}

// FindSegment returns the object registered under a nonzero segment.
func (as *AddressSpace) FindSegment(segment uint64) (*MemoryObject, bool) {
	if v, ok := as.segmentMap.Get(segment); ok {
		return v.(*MemoryObject), true
	}
	return nil, false
}

// Writeable returns a store for mo that is safe to mutate, cloning the
// shared state first if this address space does not own it.
func (as *AddressSpace) Writeable(mo *MemoryObject, os *ObjectState) *ObjectState {
	assert(!os.readOnly, "writeable: object is read-only")

	if as.cowKey == os.copyOnWriteOwner {
		return os
	}
	n := os.Clone()
	n.copyOnWriteOwner = as.cowKey
	as.objects = as.objects.Set(mo.ID, ObjectPair{mo, n})
	return n
}

// resolveConstantAddress resolves a pointer whose segment is constant.
// A zero segment with a nonzero constant address falls back to the
// concrete address map, which is how fixed objects are found by address.
func (as *AddressSpace) resolveConstantAddress(pointer KValue) (ObjectPair, bool) {
	segment, ok := pointer.ConstantSegment()
	assert(ok, "resolveConstantAddress: symbolic segment")

	var address uint64
	if offset, ok := pointer.Offset.(*ConstantExpr); ok {
		address = offset.Value
	}

	if segment == 0 && address != 0 {
		if s, ok := as.concreteAddressMap[address]; ok {
			segment = s
		}
	}

	if segment != 0 {
		if mo, ok := as.FindSegment(segment); ok {
			if os, ok := as.Find(mo); ok {
				return ObjectPair{mo, os}, true
			}
		}
	}
	return ObjectPair{}, false
}

// resolveAddressWithOffset scans the concrete address map for objects
// whose range may contain the given constant address.
func (as *AddressSpace) resolveAddressWithOffset(state *ExecutionState, solver *TimingSolver, address Expr) (ResolutionList, error) {
	if !IsConstantExpr(address) {
		return nil, nil
	}

	var rl ResolutionList
	for addr, segment := range as.concreteAddressMap {
		mo, ok := as.FindSegment(segment)
		if !ok {
			continue
		}
		os, ok := as.Find(mo)
		if !ok {
			continue
		}
		offset := NewBinaryExpr(ADD, NewBinaryExpr(SUB, address, NewPointerConstantExpr(addr)), mo.BaseExpr())
		check := mo.BoundsCheckOffset(offset, 1)
		mayBeTrue, err := solver.MayBeTrue(state, check)
		if err != nil {
			return nil, err
		}
		if mayBeTrue {
			rl = append(rl, ObjectPair{mo, os})
		}
	}
	return rl, nil
}

// ResolveOne resolves pointer to at most one in-bounds object.
//
// The fully constant case is a map lookup. A symbolic segment is first
// concretized through the solver; a zero segment falls back to a walk
// over the object map in ID order that returns the first object the
// pointer may be in bounds of, stopping early once the pointer provably
// lies below an object's base. The walk starts at the first object, so
// only the forward pass visits objects; the backward pass visits none.
func (as *AddressSpace) ResolveOne(state *ExecutionState, solver *TimingSolver, pointer KValue) (ObjectPair, bool, error) {
	if pointer.IsConstant() {
		if op, ok := as.resolveConstantAddress(pointer); ok {
			return op, true, nil
		}
		rl, err := as.resolveAddressWithOffset(state, solver, pointer.Offset)
		if err != nil {
			return ObjectPair{}, false, err
		}
		if len(rl) == 1 {
			return rl[0], true, nil
		}
		return ObjectPair{}, false, nil
	}

	segment, ok := pointer.Segment.(*ConstantExpr)
	if !ok {
		value, err := solver.GetValue(state, pointer.Segment)
		if err != nil {
			return ObjectPair{}, false, err
		}
		segment = value
	}

	if !segment.IsZero() {
		op, ok := as.resolveConstantAddress(KValue{Segment: segment, Offset: pointer.Offset})
		return op, ok, nil
	}

	// Zero segment with symbolic offset: search the object map.
	pairs := as.objectSlice()
	start := 0

	// Walk backward from the start point.
	for oi := start; oi > 0; {
		oi--
		mo := pairs[oi].Object

		mayBeTrue, err := solver.MayBeTrue(state, mo.BoundsCheckPointer(pointer, 1))
		if err != nil {
			return ObjectPair{}, false, err
		}
		if mayBeTrue {
			return pairs[oi], true, nil
		}
		mustBeTrue, err := solver.MustBeTrue(state, NewBinaryExpr(UGE, pointer.Offset, mo.BaseExpr()))
		if err != nil {
			return ObjectPair{}, false, err
		}
		if mustBeTrue {
			break
		}
	}

	// Walk forward.
	for oi := start; oi < len(pairs); oi++ {
		mo := pairs[oi].Object

		mustBeTrue, err := solver.MustBeTrue(state, NewBinaryExpr(ULT, pointer.Offset, mo.BaseExpr()))
		if err != nil {
			return ObjectPair{}, false, err
		}
		if mustBeTrue {
			break
		}
		mayBeTrue, err := solver.MayBeTrue(state, mo.BoundsCheckPointer(pointer, 1))
		if err != nil {
			return ObjectPair{}, false, err
		}
		if mayBeTrue {
			return pairs[oi], true, nil
		}
	}

	return ObjectPair{}, false, nil
}

// Resolve enumerates all feasible objects for pointer. Returns
// incomplete=true when maxResolutions was reached or the timeout expired.
func (as *AddressSpace) Resolve(state *ExecutionState, solver *TimingSolver, pointer KValue, maxResolutions int, timeout time.Duration) (ResolutionList, bool, error) {
	if IsConstantExpr(pointer.Segment) {
		return as.resolveConstantSegment(state, solver, pointer)
	}

	var rl ResolutionList
	mayBeZero, err := solver.MayBeTrue(state, NewIsZeroExpr(pointer.Segment))
	if err != nil {
		return rl, true, err
	}
	if mayBeZero {
		zero, _, err := as.resolveConstantSegment(state, solver, KValue{Segment: zeroSegment, Offset: pointer.Offset})
		if err != nil {
			return rl, true, err
		}
		rl = append(rl, zero...)
	}

	started := time.Now()
	itr := as.segmentMap.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		if timeout != 0 && time.Since(started) > timeout {
			return rl, true, nil
		}
		segment, mo := k.(uint64), v.(*MemoryObject)
		mayBeTrue, err := solver.MayBeTrue(state, NewBinaryExpr(EQ, pointer.Segment, NewPointerConstantExpr(segment)))
		if err != nil {
			return rl, true, err
		}
		if mayBeTrue {
			if os, ok := as.Find(mo); ok {
				rl = append(rl, ObjectPair{mo, os})
				if maxResolutions != 0 && len(rl) >= maxResolutions {
					return rl, true, nil
				}
			}
		}
	}
	return rl, false, nil
}

// resolveConstantSegment enumerates resolutions for a constant segment.
func (as *AddressSpace) resolveConstantSegment(state *ExecutionState, solver *TimingSolver, pointer KValue) (ResolutionList, bool, error) {
	segment, _ := pointer.ConstantSegment()
	if segment != 0 {
		if op, ok := as.resolveConstantAddress(pointer); ok {
			return ResolutionList{op}, false, nil
		}
		return nil, false, nil
	}

	rl, err := as.resolveAddressWithOffset(state, solver, pointer.Offset)
	return rl, false, err
}

// CopyOutConcretes writes the concrete bytes of every object whose
// segment appears in resolved into the paired host buffer. User-specified
// objects are skipped, as are objects whose size bound exceeds the
// allocation backing them.
func (as *AddressSpace) CopyOutConcretes(resolved map[uint64][]byte, ignoreReadOnly bool) {
	itr := as.objects.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		op := v.(ObjectPair)
		mo, os := op.Object, op.State

		buf, ok := resolved[mo.Segment]
		if !ok || mo.IsUserSpecified {
			continue
		}
		if os.SizeBound() > mo.AllocatedSize {
			continue
		}
		if !os.readOnly || ignoreReadOnly {
			copy(buf, os.offsetPlane.concrete)
		}
	}
}

// CopyInConcretes reads host buffers back into the address space.
// Returns false if a read-only object was modified by the external call.
func (as *AddressSpace) CopyInConcretes(resolved map[uint64][]byte) bool {
	itr := as.objects.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		op := v.(ObjectPair)
		mo, os := op.Object, op.State

		buf, ok := resolved[mo.Segment]
		if !ok || mo.IsUserSpecified {
			continue
		}
		if !as.copyInConcrete(mo, os, buf) {
			return false
		}
	}
	return true
}

func (as *AddressSpace) copyInConcrete(mo *MemoryObject, os *ObjectState, buf []byte) bool {
	n := int(os.SizeBound())
	if len(buf) < n {
		n = len(buf)
	}
	modified := false
	for i := 0; i < n; i++ {
		if os.offsetPlane.concrete[i] != buf[i] {
			modified = true
			break
		}
	}
	if !modified {
		return true
	}
	if os.readOnly {
		return false
	}
	wos := as.Writeable(mo, os)
	wos.SetConcreteBytes(buf[:n])
	return true
}

// objectSlice materializes the ordered object map for scanning.
func (as *AddressSpace) objectSlice() []ObjectPair {
	pairs := make([]ObjectPair, 0, as.objects.Len())
	itr := as.objects.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		pairs = append(pairs, v.(ObjectPair))
	}
	return pairs
}

// Objects returns the ordered object list. Exposed for leak checking and
// dumps; mutation goes through Bind/Unbind/Writeable.
func (as *AddressSpace) Objects() []ObjectPair {
	return as.objectSlice()
}

// uint64Comparer compares two 64-bit unsigned integers. Implements immutable.Comparer.
type uint64Comparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b,
// and returns 0 if a is equal to b. Panic if a or b is not a uint64.
func (c *uint64Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint64), b.(uint64); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
