package klee_test

import (
	"bytes"
	"testing"

	"github.com/capsosk/klee"
)

func newTestObject(mm *klee.MemoryManager, size uint64) (*klee.MemoryObject, *klee.ObjectState) {
	mo := mm.Allocate(klee.NewPointerConstantExpr(size), size, false, false, nil, 0)
	return mo, klee.NewObjectState(mo, mm)
}

func TestAddressSpace_BindFind(t *testing.T) {
	mm := klee.NewMemoryManager(klee.PointerWidth)
	as := klee.NewAddressSpace()

	mo, os := newTestObject(mm, 4)
	as.Bind(mo, os)

	if found, ok := as.Find(mo); !ok || found != os {
		t.Fatal("bound object not found")
	}
	if found, ok := as.FindSegment(mo.Segment); !ok || found != mo {
		t.Fatal("segment map lookup failed")
	}

	as.Unbind(mo)
	if _, ok := as.Find(mo); ok {
		t.Fatal("unbound object still found")
	}
	if _, ok := as.FindSegment(mo.Segment); ok {
		t.Fatal("unbound segment still mapped")
	}
}

func TestAddressSpace_CopyOnWrite(t *testing.T) {
	mm := klee.NewMemoryManager(klee.PointerWidth)
	as := klee.NewAddressSpace()

	mo, os := newTestObject(mm, 4)
	as.Bind(mo, os)

	// Owned straight after binding: writeable returns the same store.
	if w := as.Writeable(mo, os); w != os {
		t.Fatal("fresh binding should be owned")
	}

	// After cloning, neither side owns the store.
	clone := as.Clone()

	osA, _ := as.Find(mo)
	wA := as.Writeable(mo, osA)
	if wA == osA {
		t.Fatal("shared store must be cloned before write")
	}
	wA.Write(klee.NewConstantExpr64(0), klee.NewConstantKValue(0xEE, klee.Width8))

	// The sibling still reads the original bytes.
	osB, _ := clone.Find(mo)
	value := osB.Read(klee.NewConstantExpr64(0), klee.Width8).Offset.(*klee.ConstantExpr)
	if value.Value != 0 {
		t.Fatalf("sibling observed write: %#x", value.Value)
	}

	// Writing again on the same side reuses the private copy.
	osA2, _ := as.Find(mo)
	if w := as.Writeable(mo, osA2); w != osA2 {
		t.Fatal("private copy should be owned on second write")
	}
}

func TestAddressSpace_CowIntegrityAcrossForkChain(t *testing.T) {
	mm := klee.NewMemoryManager(klee.PointerWidth)
	root := klee.NewAddressSpace()

	mo, os := newTestObject(mm, 1)
	root.Bind(mo, os)

	// Fork a chain of address spaces and write a distinct byte in each.
	spaces := []*klee.AddressSpace{root}
	for i := 0; i < 4; i++ {
		spaces = append(spaces, spaces[len(spaces)-1].Clone())
	}
	for i, as := range spaces {
		cur, _ := as.Find(mo)
		w := as.Writeable(mo, cur)
		w.Write(klee.NewConstantExpr64(0), klee.NewConstantKValue(uint64(0x10+i), klee.Width8))
	}
	for i, as := range spaces {
		cur, _ := as.Find(mo)
		got := cur.Read(klee.NewConstantExpr64(0), klee.Width8).Offset.(*klee.ConstantExpr)
		if got.Value != uint64(0x10+i) {
			t.Fatalf("space %d sees %#x, expected %#x", i, got.Value, 0x10+i)
		}
	}
}

func TestAddressSpace_ResolveOne(t *testing.T) {
	mm := klee.NewMemoryManager(klee.PointerWidth)
	solver := klee.NewTimingSolver(&bruteSolver{}, false)
	state := klee.NewExecutionState(testFunction(t))

	as := state.AddressSpace()
	mo, os := newTestObject(mm, 8)
	as.Bind(mo, os)

	t.Run("ConstantPointer", func(t *testing.T) {
		op, ok, err := as.ResolveOne(state, solver, klee.NewPointerKValue(mo.Segment, klee.NewPointerConstantExpr(4)))
		if err != nil {
			t.Fatal(err)
		} else if !ok || op.Object != mo {
			t.Fatal("constant pointer did not resolve")
		}
	})

	t.Run("UnknownSegment", func(t *testing.T) {
		_, ok, err := as.ResolveOne(state, solver, klee.NewPointerKValue(mo.Segment+100, klee.NewPointerConstantExpr(0)))
		if err != nil {
			t.Fatal(err)
		} else if ok {
			t.Fatal("unknown segment should not resolve")
		}
	})

	t.Run("FixedObjectByAddress", func(t *testing.T) {
		fixed := mm.AllocateFixed(0x80, 8, nil, 0)
		as.Bind(fixed, klee.NewObjectState(fixed, mm))

		op, ok, err := as.ResolveOne(state, solver, klee.NewConstantKValue(0x84, klee.PointerWidth))
		if err != nil {
			t.Fatal(err)
		} else if !ok || op.Object != fixed {
			t.Fatal("raw address into fixed object did not resolve")
		}
	})
}

func TestAddressSpace_Resolve(t *testing.T) {
	mm := klee.NewMemoryManager(klee.PointerWidth)
	solver := klee.NewTimingSolver(&bruteSolver{}, false)
	state := klee.NewExecutionState(testFunction(t))

	as := state.AddressSpace()
	mo1, os1 := newTestObject(mm, 4)
	mo2, os2 := newTestObject(mm, 4)
	as.Bind(mo1, os1)
	as.Bind(mo2, os2)

	// A symbolic segment constrained to one of the two objects resolves
	// to both candidates.
	sym := klee.NewArray(999, "seg", 1)
	segment := klee.NewCastExpr(sym.Select(klee.NewConstantExpr64(0), klee.Width8), klee.PointerWidth, false)
	choice := klee.NewBinaryExpr(klee.OR,
		klee.NewBinaryExpr(klee.EQ, segment, mo1.SegmentExpr()),
		klee.NewBinaryExpr(klee.EQ, segment, mo2.SegmentExpr()))
	state.AddConstraint(choice)

	pointer := klee.NewKValue(segment, klee.NewPointerConstantExpr(0))
	rl, incomplete, err := as.Resolve(state, solver, pointer, 0, 0)
	if err != nil {
		t.Fatal(err)
	} else if incomplete {
		t.Fatal("resolution should be complete")
	} else if len(rl) != 2 {
		t.Fatalf("len(rl)=%d, expected 2", len(rl))
	}

	// With a cap of one, the resolution is reported incomplete.
	rl, incomplete, err = as.Resolve(state, solver, pointer, 1, 0)
	if err != nil {
		t.Fatal(err)
	} else if !incomplete {
		t.Fatal("capped resolution should be incomplete")
	} else if len(rl) != 1 {
		t.Fatalf("len(rl)=%d, expected 1", len(rl))
	}
}

func TestAddressSpace_ConcreteRoundTrip(t *testing.T) {
	mm := klee.NewMemoryManager(klee.PointerWidth)
	as := klee.NewAddressSpace()

	mo, os := newTestObject(mm, 4)
	as.Bind(mo, os)
	osW := as.Writeable(mo, os)
	osW.SetConcreteBytes([]byte{9, 8, 7, 6})

	buf := make([]byte, 4)
	resolved := map[uint64][]byte{mo.Segment: buf}
	as.CopyOutConcretes(resolved, false)
	if !bytes.Equal(buf, []byte{9, 8, 7, 6}) {
		t.Fatalf("copy out: %v", buf)
	}

	// Copying identical bytes back is a no-op and succeeds.
	if !as.CopyInConcretes(resolved) {
		t.Fatal("unmodified copy-in failed")
	}
	cur, _ := as.Find(mo)
	if got := cur.ConcreteBytes(); !bytes.Equal(got, []byte{9, 8, 7, 6}) {
		t.Fatalf("round trip changed bytes: %v", got)
	}

	// External mutation is copied back in.
	buf[0] = 42
	if !as.CopyInConcretes(resolved) {
		t.Fatal("copy-in failed")
	}
	cur, _ = as.Find(mo)
	if got := cur.ConcreteBytes(); got[0] != 42 {
		t.Fatalf("external write lost: %v", got)
	}

	// Read-only objects reject external modification.
	cur, _ = as.Find(mo)
	cur.SetReadOnly(true)
	buf[0] = 99
	if as.CopyInConcretes(resolved) {
		t.Fatal("read-only modification must fail")
	}
}

// testFunction returns a minimal function usable to host a state.
func testFunction(tb testing.TB) *klee.Function {
	tb.Helper()
	m := klee.NewModule()
	fn := m.AddFunction("main", 0)
	block := fn.NewBlock("entry")
	block.Append(&klee.Instruction{Op: klee.OpRet, Dest: -1})
	if err := m.Prepare(); err != nil {
		tb.Fatal(err)
	}
	return fn
}
