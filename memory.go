package klee

import (
	"fmt"
)

// MemoryObject is the immutable descriptor of one allocation. The mutable
// byte contents live in ObjectState; descriptors are shared freely across
// states and never change after creation.
type MemoryObject struct {
	ID            uint64 // dense counter, orders the address space map
	Segment       uint64 // unique region id; reserved segments are below FirstOrdinarySegment
	Size          Expr   // allocation size in bytes, may be symbolic
	AllocatedSize uint64 // concrete upper bound backing the byte stores
	Address       uint64 // pinned host address, nonzero only for fixed objects

	IsLocal         bool // stack allocation, freed on frame pop
	IsGlobal        bool
	IsFixed         bool // pinned at Address, externally managed
	IsUserSpecified bool

	AllocSite *Instruction
	Alignment uint64
	Name      string

	// Lazily created symbolic stand-in for the object's address, used when
	// pointers into distinct segments must be compared.
	symbolicAddress *Array
}

// Pointer returns the canonical pointer to the start of the object.
func (mo *MemoryObject) Pointer() KValue {
	return NewPointerKValue(mo.Segment, NewPointerConstantExpr(mo.baseOffset()))
}

// SegmentExpr returns the object's segment as a pointer-width constant.
func (mo *MemoryObject) SegmentExpr() *ConstantExpr {
	return NewPointerConstantExpr(mo.Segment)
}

// baseOffset is the offset of the first byte. Fixed objects live at their
// pinned address so that pointer arithmetic against the raw address works.
func (mo *MemoryObject) baseOffset() uint64 {
	if mo.IsFixed {
		return mo.Address
	}
	return 0
}

// BaseExpr returns the address expression the resolver scan compares
// offsets against.
func (mo *MemoryObject) BaseExpr() Expr {
	return NewPointerConstantExpr(mo.baseOffset())
}

// SymbolicAddress returns an expression standing in for the object's
// unknown concrete address. The array is created on first use and is
// stable for the lifetime of the descriptor.
func (mo *MemoryObject) SymbolicAddress(mm *MemoryManager) Expr {
	if mo.symbolicAddress == nil {
		mo.symbolicAddress = NewArray(mm.nextArrayID(), fmt.Sprintf("addr_%d", mo.Segment), PointerWidth/8)
	}
	return mo.symbolicAddress.Select(NewConstantExpr64(0), PointerWidth)
}

// BoundsCheckOffset returns an expression that is true iff an access of
// the given byte count at offset stays inside the object.
func (mo *MemoryObject) BoundsCheckOffset(offset Expr, bytes uint) Expr {
	offset = NewBinaryExpr(SUB, offset, NewPointerConstantExpr(mo.baseOffset()))
	size := NewCastExpr(mo.Size, PointerWidth, false)
	count := NewPointerConstantExpr(uint64(bytes))
	return NewBinaryExpr(AND,
		NewBinaryExpr(ULE, count, size),
		NewBinaryExpr(ULE, offset, NewBinaryExpr(SUB, size, count)))
}

// BoundsCheckPointer returns an expression that is true iff pointer refers
// into this object and the access stays inside it. A pointer with a
// constant zero segment carries a raw address; it matches by range alone,
// which is how pinned fixed objects are reached through plain integers.
func (mo *MemoryObject) BoundsCheckPointer(pointer KValue, bytes uint) Expr {
	if pointer.IsZeroSegment() {
		return mo.BoundsCheckOffset(pointer.Offset, bytes)
	}
	return NewBinaryExpr(AND,
		NewBinaryExpr(EQ, mo.SegmentExpr(), pointer.Segment),
		mo.BoundsCheckOffset(pointer.Offset, bytes))
}

// String returns a short description used in error info.
func (mo *MemoryObject) String() string {
	return fmt.Sprintf("object segment=%d size=%s", mo.Segment, mo.Size)
}

// objectPlane is one byte plane of an ObjectState: a concrete byte store,
// a per-byte symbolic bitmap, and the array-theory update chain. The array
// chain always reflects every write so that symbolic-index reads stay
// consistent with the concrete cache.
type objectPlane struct {
	array         *Array
	concrete      []byte
	knownSymbolic []bool
	initialValue  byte
}

func newObjectPlane(array *Array, size uint64, initial byte) *objectPlane {
	p := &objectPlane{
		array:         array,
		concrete:      make([]byte, size),
		knownSymbolic: make([]bool, size),
		initialValue:  initial,
	}
	for i := range p.concrete {
		p.concrete[i] = initial
		p.array.storeByte(NewConstantExpr64(uint64(i)), NewConstantExpr(uint64(initial), Width8))
	}
	return p
}

// newSymbolicPlane backs the plane entirely by the named array.
func newSymbolicPlane(array *Array, size uint64) *objectPlane {
	p := &objectPlane{
		array:         array,
		concrete:      make([]byte, size),
		knownSymbolic: make([]bool, size),
	}
	for i := range p.knownSymbolic {
		p.knownSymbolic[i] = true
	}
	return p
}

func (p *objectPlane) clone() *objectPlane {
	other := &objectPlane{
		array:         p.array.Clone(),
		concrete:      make([]byte, len(p.concrete)),
		knownSymbolic: make([]bool, len(p.knownSymbolic)),
		initialValue:  p.initialValue,
	}
	copy(other.concrete, p.concrete)
	copy(other.knownSymbolic, p.knownSymbolic)
	return other
}

// read8 reads the byte at a constant index.
func (p *objectPlane) read8(i uint64) Expr {
	if i < uint64(len(p.knownSymbolic)) && !p.knownSymbolic[i] {
		return NewConstantExpr(uint64(p.concrete[i]), Width8)
	}
	return p.array.selectByte(NewConstantExpr64(i))
}

// write8 writes the byte at a constant index.
func (p *objectPlane) write8(i uint64, value Expr) {
	assert(i < uint64(len(p.concrete)), "write8: index out of bounds: %d >= %d", i, len(p.concrete))
	if value, ok := value.(*ConstantExpr); ok {
		p.concrete[i] = byte(value.Value)
		p.knownSymbolic[i] = false
	} else {
		p.knownSymbolic[i] = true
	}
	p.array.storeByte(NewConstantExpr64(i), value)
}

// writeSymbolicIndex records a write at an unknown index. Every byte may
// have been touched, so the concrete cache is invalidated wholesale.
func (p *objectPlane) writeSymbolicIndex(index, value Expr) {
	for i := range p.knownSymbolic {
		p.knownSymbolic[i] = true
	}
	p.array.storeByte(index, value)
}

// isConcrete returns true when no byte of the plane is symbolic.
func (p *objectPlane) isConcrete() bool {
	for _, s := range p.knownSymbolic {
		if s {
			return false
		}
	}
	return true
}

// ObjectState is the mutable byte store for one MemoryObject. It has two
// planes: the offset plane holds the value bytes and the segment plane
// holds the pointer provenance bytes. States share ObjectStates
// copy-on-write; ownership is tracked by copyOnWriteOwner against the
// address space cowKey epoch.
type ObjectState struct {
	object           *MemoryObject
	copyOnWriteOwner uint32
	readOnly         bool

	segmentPlane *objectPlane
	offsetPlane  *objectPlane
}

// NewObjectState returns a zero-initialized store for mo.
func NewObjectState(mo *MemoryObject, mm *MemoryManager) *ObjectState {
	return &ObjectState{
		object:       mo,
		segmentPlane: newObjectPlane(NewArray(mm.nextArrayID(), "", uint(mo.AllocatedSize)), mo.AllocatedSize, 0),
		offsetPlane:  newObjectPlane(NewArray(mm.nextArrayID(), "", uint(mo.AllocatedSize)), mo.AllocatedSize, 0),
	}
}

// NewSymbolicObjectState returns a store whose offset plane is backed by
// the named symbolic array. The segment plane is zero: symbolic inputs
// are scalars until the program stores pointers over them.
func NewSymbolicObjectState(mo *MemoryObject, mm *MemoryManager, array *Array) *ObjectState {
	return &ObjectState{
		object:       mo,
		segmentPlane: newObjectPlane(NewArray(mm.nextArrayID(), "", uint(mo.AllocatedSize)), mo.AllocatedSize, 0),
		offsetPlane:  newSymbolicPlane(array, mo.AllocatedSize),
	}
}

// Object returns the descriptor this state stores bytes for.
func (os *ObjectState) Object() *MemoryObject { return os.object }

// ReadOnly reports whether writes to the object are forbidden.
func (os *ObjectState) ReadOnly() bool { return os.readOnly }

// SetReadOnly marks the object read-only.
func (os *ObjectState) SetReadOnly(v bool) { os.readOnly = v }

// SizeBound returns the concrete byte bound of the store.
func (os *ObjectState) SizeBound() uint64 { return uint64(len(os.offsetPlane.concrete)) }

// Clone returns a private copy of the state for copy-on-write.
func (os *ObjectState) Clone() *ObjectState {
	return &ObjectState{
		object:       os.object,
		readOnly:     os.readOnly,
		segmentPlane: os.segmentPlane.clone(),
		offsetPlane:  os.offsetPlane.clone(),
	}
}

// Read8 reads the byte at the given index as a KValue.
func (os *ObjectState) Read8(index Expr) KValue {
	if index, ok := index.(*ConstantExpr); ok {
		seg := os.segmentPlane.read8(index.Value)
		return KValue{
			Segment: NewCastExpr(seg, PointerWidth, false),
			Offset:  os.offsetPlane.read8(index.Value),
		}
	}
	index = NewCastExpr(index, Width64, false)
	return KValue{
		Segment: NewCastExpr(os.segmentPlane.array.selectByte(index), PointerWidth, false),
		Offset:  os.offsetPlane.array.selectByte(index),
	}
}

// Read reads a little-endian value of the given width at offset.
func (os *ObjectState) Read(offset Expr, width uint) KValue {
	assert(width > 0, "read: invalid width")
	bytes := minBytes(width)

	if offset, ok := offset.(*ConstantExpr); ok {
		var value, segment Expr
		for i := uint64(0); i < uint64(bytes); i++ {
			b := os.offsetPlane.read8(offset.Value + i)
			s := os.segmentPlane.read8(offset.Value + i)
			if i == 0 {
				value, segment = b, s
			} else {
				value = NewConcatExpr(b, value)
				segment = NewConcatExpr(s, segment)
			}
		}
		if ExprWidth(value) > width {
			value = NewExtractExpr(value, 0, width)
		}
		return KValue{Segment: normalizeSegment(segment), Offset: value}
	}

	value := os.offsetPlane.array.Select(offset, width)
	segment := os.segmentPlane.array.Select(offset, width)
	return KValue{Segment: normalizeSegment(segment), Offset: value}
}

// normalizeSegment widens a read-back segment to pointer width and
// collapses the all-zero case to the shared scalar segment.
func normalizeSegment(segment Expr) Expr {
	if seg, ok := segment.(*ConstantExpr); ok {
		if seg.IsZero() {
			return zeroSegment
		}
	}
	return NewCastExpr(segment, PointerWidth, false)
}

// Write8 writes a single byte value with its segment byte.
func (os *ObjectState) Write8(index Expr, value KValue) {
	segByte := NewCastExpr(value.Segment, Width8, false)
	valByte := NewCastExpr(value.Offset, Width8, false)
	if index, ok := index.(*ConstantExpr); ok {
		os.segmentPlane.write8(index.Value, segByte)
		os.offsetPlane.write8(index.Value, valByte)
		return
	}
	index = NewCastExpr(index, Width64, false)
	os.segmentPlane.writeSymbolicIndex(index, segByte)
	os.offsetPlane.writeSymbolicIndex(index, valByte)
}

// Write writes a little-endian value at offset, spreading the value's
// segment across the same byte range on the segment plane.
func (os *ObjectState) Write(offset Expr, value KValue) {
	width := value.Width()
	assert(width > 0, "write: invalid width")
	bytes := minBytes(width)

	valueBits := NewCastExpr(value.Offset, bytes*8, false)
	segmentBits := NewCastExpr(value.Segment, bytes*8, false)

	if offset, ok := offset.(*ConstantExpr); ok {
		for i := uint64(0); i < uint64(bytes); i++ {
			os.offsetPlane.write8(offset.Value+i, NewExtractExpr(valueBits, uint(i*8), Width8))
			os.segmentPlane.write8(offset.Value+i, NewExtractExpr(segmentBits, uint(i*8), Width8))
		}
		return
	}

	offset = NewCastExpr(offset, Width64, false)
	for i := uint64(0); i < uint64(bytes); i++ {
		index := NewBinaryExpr(ADD, offset, NewConstantExpr64(i))
		os.offsetPlane.writeSymbolicIndex(index, NewExtractExpr(valueBits, uint(i*8), Width8))
		os.segmentPlane.writeSymbolicIndex(index, NewExtractExpr(segmentBits, uint(i*8), Width8))
	}
}

// IsConcrete returns true when no byte in either plane is symbolic.
func (os *ObjectState) IsConcrete() bool {
	return os.offsetPlane.isConcrete() && os.segmentPlane.isConcrete()
}

// ConcreteBytes returns a copy of the offset plane's concrete store.
func (os *ObjectState) ConcreteBytes() []byte {
	b := make([]byte, len(os.offsetPlane.concrete))
	copy(b, os.offsetPlane.concrete)
	return b
}

// SetConcreteBytes overwrites the offset plane with concrete data.
func (os *ObjectState) SetConcreteBytes(data []byte) {
	for i, b := range data {
		if uint64(i) >= os.SizeBound() {
			break
		}
		os.offsetPlane.write8(uint64(i), NewConstantExpr(uint64(b), Width8))
	}
}

// MemoryManager allocates fresh segments and object descriptors.
type MemoryManager struct {
	pointerBitWidth uint
	segmentSeq      uint64
	objectSeq       uint64
	arraySeq        uint64
	freed           map[uint64]*MemoryObject // segment -> descriptor
}

// NewMemoryManager returns a manager for the given pointer width.
// A 32-bit target reserves a narrower segment range.
func NewMemoryManager(pointerBitWidth uint) *MemoryManager {
	return &MemoryManager{
		pointerBitWidth: pointerBitWidth,
		segmentSeq:      FirstOrdinarySegment,
		freed:           make(map[uint64]*MemoryObject),
	}
}

// maxSegment is the top of the segment range for the configured width.
func (mm *MemoryManager) maxSegment() uint64 {
	if mm.pointerBitWidth == 32 {
		return 1 << 24
	}
	return 1 << 48
}

func (mm *MemoryManager) nextSegment() uint64 {
	s := mm.segmentSeq
	mm.segmentSeq++
	return s
}

func (mm *MemoryManager) nextObjectID() uint64 {
	id := mm.objectSeq
	mm.objectSeq++
	return id
}

func (mm *MemoryManager) nextArrayID() uint64 {
	mm.arraySeq++
	return mm.arraySeq
}

// Allocate returns a fresh descriptor for an allocation of the given size.
// Returns nil when the segment range is exhausted.
func (mm *MemoryManager) Allocate(size Expr, allocatedSize uint64, isLocal, isGlobal bool, allocSite *Instruction, alignment uint64) *MemoryObject {
	if mm.segmentSeq >= mm.maxSegment() {
		return nil
	}
	if alignment == 0 {
		alignment = 8
	}
	return &MemoryObject{
		ID:            mm.nextObjectID(),
		Segment:       mm.nextSegment(),
		Size:          size,
		AllocatedSize: allocatedSize,
		IsLocal:       isLocal,
		IsGlobal:      isGlobal,
		AllocSite:     allocSite,
		Alignment:     alignment,
	}
}

// AllocateFixed returns a descriptor pinned at a concrete address, used for
// externally managed regions such as errno. A nonzero specialSegment
// reserves the object under one of the well-known segments instead of
// drawing a fresh one.
func (mm *MemoryManager) AllocateFixed(address, size uint64, allocSite *Instruction, specialSegment uint64) *MemoryObject {
	segment := specialSegment
	if segment == 0 {
		segment = mm.nextSegment()
	}
	return &MemoryObject{
		ID:            mm.nextObjectID(),
		Segment:       segment,
		Size:          NewPointerConstantExpr(size),
		AllocatedSize: size,
		Address:       address,
		IsFixed:       true,
		AllocSite:     allocSite,
		Alignment:     8,
	}
}

// MarkFreed records that the object's segment was released. Lookups for a
// freed segment fail at the segment map, which is how use-after-free and
// double free surface.
func (mm *MemoryManager) MarkFreed(mo *MemoryObject) {
	mm.freed[mo.Segment] = mo
}

// WasFreed returns the descriptor previously freed under segment, if any.
func (mm *MemoryManager) WasFreed(segment uint64) (*MemoryObject, bool) {
	mo, ok := mm.freed[segment]
	return mo, ok
}
