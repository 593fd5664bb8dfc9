package klee

import (
	"fmt"
)

// Array represents an array of symbolic or concrete bytes.
type Array struct {
	ID      uint64       // unique id
	Name    string       // artifact name; empty for anonymous arrays
	Size    uint         // width, in bytes
	Updates *ArrayUpdate // linked list of symbolic updates
}

// NewArray returns a new Array of the given size.
func NewArray(id uint64, name string, size uint) *Array {
	return &Array{
		ID:   id,
		Name: name,
		Size: size,
	}
}

// String returns a string representation of the array.
func (a *Array) String() string {
	if a.Name != "" {
		return fmt.Sprintf("(array #%d %q %d)", a.ID, a.Name, a.Size)
	}
	return fmt.Sprintf("(array #%d %d)", a.ID, a.Size)
}

// Clone returns a copy of the array sharing the update chain.
func (a *Array) Clone() *Array {
	other := *a
	return &other
}

// Zero initializes all bytes to zero in-place. Panic if updates already exist.
func (a *Array) Zero() {
	assert(a.Updates == nil, "klee.Array: cannot zero-initialize array with updates")
	for i := uint(0); i < a.Size; i++ {
		a.storeByte(NewConstantExpr64(uint64(i)), NewConstantExpr(0, 8))
	}
}

// Select reads a little-endian value of the given width from the array.
func (a *Array) Select(offset Expr, width uint) Expr {
	assert(width > 0, "select: invalid width")

	offset = newZExtExpr(offset, Width64)

	if width == WidthBool {
		return NewExtractExpr(a.selectByte(offset), 0, WidthBool)
	}

	// Handle read byte-by-byte.
	var result Expr
	for i, n := uint64(0), uint64(minBytes(width)); i != n; i++ {
		value := a.selectByte(NewBinaryExpr(ADD, offset, NewConstantExpr64(i)))
		if i == 0 {
			result = value
		} else {
			result = NewConcatExpr(value, result)
		}
	}
	if ExprWidth(result) > width {
		result = NewExtractExpr(result, 0, width)
	}
	return result
}

// selectByte reads a single byte from the array.
//
// Attempts to find a concrete value by traversing the array update history.
// Falls back to a select expression if either the selected index or an
// update's index is symbolic.
func (a *Array) selectByte(index Expr) Expr {
	assert(ExprWidth(index) == 64, "selectByte: invalid array index width: %d", ExprWidth(index))
	for upd := a.Updates; upd != nil; upd = upd.Next {
		cond, ok := NewBinaryExpr(EQ, index, upd.Index).(*ConstantExpr)
		if !ok {
			break // found symbolic index, exit
		} else if cond.IsTrue() {
			return upd.Value
		}
	}
	return NewSelectExpr(a, index)
}

// Store writes a little-endian value at an offset. Returns a new copy of
// the array; the receiver is unchanged.
func (a *Array) Store(offset, value Expr) *Array {
	other := a.Clone()

	offset = newZExtExpr(offset, Width64)

	// Treat bool specially, it is the only non-byte sized write we allow.
	width := ExprWidth(value)
	assert(width > 0, "store: invalid width")
	if width == WidthBool {
		other.storeByte(offset, value)
		return other
	}

	for i, n := uint64(0), uint64(minBytes(width)); i != n; i++ {
		w := uint(8)
		if (uint64(width) - i*8) < 8 {
			w = width % 8
		}
		b := NewExtractExpr(value, uint(i*8), w)
		other.storeByte(NewBinaryExpr(ADD, offset, NewConstantExpr64(i)), newZExtExpr(b, Width8))
	}
	return other
}

// storeByte writes a single byte to the array.
func (a *Array) storeByte(index, value Expr) {
	assert(ExprWidth(index) == 64, "storeByte: invalid array index width: %d", ExprWidth(index))

	// Verify constant is not out of bounds.
	if index, ok := index.(*ConstantExpr); ok {
		assert(index.Value < uint64(a.Size), "storeByte: index out of bounds: %d >= %d", index.Value, a.Size)
	}

	// Add update to the head of the chain.
	a.Updates = NewArrayUpdate(index, value, a.Updates)

	// Drop directly shadowed updates to the same index. Only the owned
	// head node may be relinked; interior nodes can be shared with
	// clones of this array.
	if index, ok := index.(*ConstantExpr); ok {
		for next := a.Updates.Next; next != nil; next = a.Updates.Next {
			if updIndex, ok := next.Index.(*ConstantExpr); ok && index.Value == updIndex.Value {
				a.Updates.Next = next.Next
			} else {
				break
			}
		}
	}
}

// StoreByte writes a single byte, returning a new copy of the array.
func (a *Array) StoreByte(index, value Expr) *Array {
	other := a.Clone()
	other.storeByte(newZExtExpr(index, Width64), newZExtExpr(value, Width8))
	return other
}

// IsSymbolic returns true if any bytes in the array are symbolic.
func (a *Array) IsSymbolic() bool {
	// Mark all bytes with concrete values. Only the newest update of each
	// index counts; older updates of the same index are shadowed.
	bytes := make([]bool, a.Size)
	seen := make([]bool, a.Size)
	for upd := a.Updates; upd != nil; upd = upd.Next {
		index, ok := upd.Index.(*ConstantExpr)
		if !ok {
			return true // found symbolic index
		}
		if seen[index.Value] {
			continue
		}
		seen[index.Value] = true
		if _, ok := upd.Value.(*ConstantExpr); ok {
			bytes[index.Value] = true // index & value are concrete
		}
	}

	for _, isConcrete := range bytes {
		if !isConcrete {
			return true
		}
	}
	return false
}

// CompareArray returns an integer comparing two arrays.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareArray(a, b *Array) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if a.ID < b.ID {
		return -1
	} else if a.ID > b.ID {
		return 1
	}

	if a.Size < b.Size {
		return -1
	} else if a.Size > b.Size {
		return 1
	}

	return CompareArrayUpdate(a.Updates, b.Updates)
}

// ArrayUpdate represents a symbolic update to an array.
type ArrayUpdate struct {
	Index Expr // byte index of update
	Value Expr // byte value to update

	Next *ArrayUpdate // linked list of next update
}

// NewArrayUpdate returns a new instance of ArrayUpdate.
func NewArrayUpdate(index, value Expr, next *ArrayUpdate) *ArrayUpdate {
	return &ArrayUpdate{
		Index: newZExtExpr(index, Width64),
		Value: newZExtExpr(value, Width8),
		Next:  next,
	}
}

// CompareArrayUpdate returns an integer comparing two array updates.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareArrayUpdate(a, b *ArrayUpdate) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if cmp := CompareExpr(a.Index, b.Index); cmp != 0 {
		return cmp
	} else if cmp := CompareExpr(a.Value, b.Value); cmp != 0 {
		return cmp
	}
	return CompareArrayUpdate(a.Next, b.Next)
}
