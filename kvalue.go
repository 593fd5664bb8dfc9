package klee

import (
	"fmt"
)

// KValue is the value flowing through every IR register: a pair of a
// segment expression naming a memory region and an offset expression.
// Scalars carry segment zero; pointers carry the segment of the allocation
// they point into, which keeps provenance across casts and arithmetic.
type KValue struct {
	Segment Expr
	Offset  Expr
}

// NewKValue returns a KValue with an explicit segment and offset.
func NewKValue(segment, offset Expr) KValue {
	return KValue{Segment: segment, Offset: offset}
}

// NewScalarKValue returns a non-pointer value carrying expr.
func NewScalarKValue(expr Expr) KValue {
	return KValue{Segment: zeroSegment, Offset: expr}
}

// NewConstantKValue returns a non-pointer constant.
func NewConstantKValue(value uint64, width uint) KValue {
	return NewScalarKValue(NewConstantExpr(value, width))
}

// NewPointerKValue returns a pointer into segment at offset.
func NewPointerKValue(segment uint64, offset Expr) KValue {
	return KValue{Segment: NewPointerConstantExpr(segment), Offset: offset}
}

var zeroSegment = NewPointerConstantExpr(0)

// Width returns the bit width of the value component.
func (v KValue) Width() uint {
	return ExprWidth(v.Offset)
}

// IsConstant returns true if both the segment and offset are constants.
func (v KValue) IsConstant() bool {
	return IsConstantExpr(v.Segment) && IsConstantExpr(v.Offset)
}

// IsZeroSegment returns true if the segment is the constant zero.
func (v KValue) IsZeroSegment() bool {
	seg, ok := v.Segment.(*ConstantExpr)
	return ok && seg.IsZero()
}

// ConstantSegment returns the segment value when constant.
func (v KValue) ConstantSegment() (uint64, bool) {
	if seg, ok := v.Segment.(*ConstantExpr); ok {
		return seg.Value, true
	}
	return 0, false
}

// String returns the string representation of the value.
func (v KValue) String() string {
	return fmt.Sprintf("%s:%s", v.Segment, v.Offset)
}

// pointerSegment picks the segment for a two-operand arithmetic result:
// the nonzero one, or zero when both sides are pointers into distinct
// regions, in which case the result is a plain scalar over the offsets.
func pointerSegment(lhs, rhs KValue) Expr {
	if lhs.IsZeroSegment() {
		return rhs.Segment
	}
	if rhs.IsZeroSegment() {
		return lhs.Segment
	}
	ls, lok := lhs.ConstantSegment()
	rs, rok := rhs.ConstantSegment()
	if lok && rok && ls == rs {
		return lhs.Segment
	}
	logf("[kvalue] arithmetic over distinct segments %s / %s, result is scalar", lhs.Segment, rhs.Segment)
	return zeroSegment
}

// Add returns the sum; pointer arithmetic operates on the offset.
func (v KValue) Add(other KValue) KValue {
	return KValue{pointerSegment(v, other), NewBinaryExpr(ADD, v.Offset, other.Offset)}
}

// Sub returns the difference. Subtracting two pointers into the same
// segment yields a scalar distance.
func (v KValue) Sub(other KValue) KValue {
	if ls, lok := v.ConstantSegment(); lok {
		if rs, rok := other.ConstantSegment(); rok && ls == rs && ls != 0 {
			return NewScalarKValue(NewBinaryExpr(SUB, v.Offset, other.Offset))
		}
	}
	return KValue{pointerSegment(v, other), NewBinaryExpr(SUB, v.Offset, other.Offset)}
}

// Mul returns the product.
func (v KValue) Mul(other KValue) KValue {
	return KValue{pointerSegment(v, other), NewBinaryExpr(MUL, v.Offset, other.Offset)}
}

// UDiv returns the unsigned quotient.
func (v KValue) UDiv(other KValue) KValue {
	return NewScalarKValue(NewBinaryExpr(UDIV, v.Offset, other.Offset))
}

// SDiv returns the signed quotient.
func (v KValue) SDiv(other KValue) KValue {
	return NewScalarKValue(NewBinaryExpr(SDIV, v.Offset, other.Offset))
}

// URem returns the unsigned remainder.
func (v KValue) URem(other KValue) KValue {
	return NewScalarKValue(NewBinaryExpr(UREM, v.Offset, other.Offset))
}

// SRem returns the signed remainder.
func (v KValue) SRem(other KValue) KValue {
	return NewScalarKValue(NewBinaryExpr(SREM, v.Offset, other.Offset))
}

// And returns the bitwise AND. The result keeps the left operand's segment
// unconditionally; pointer-tag masking relies on this.
func (v KValue) And(other KValue) KValue {
	return KValue{v.Segment, NewBinaryExpr(AND, v.Offset, other.Offset)}
}

// Or returns the bitwise OR.
func (v KValue) Or(other KValue) KValue {
	return KValue{pointerSegment(v, other), NewBinaryExpr(OR, v.Offset, other.Offset)}
}

// Xor returns the bitwise XOR.
func (v KValue) Xor(other KValue) KValue {
	return KValue{pointerSegment(v, other), NewBinaryExpr(XOR, v.Offset, other.Offset)}
}

// Shl returns the left shift.
func (v KValue) Shl(other KValue) KValue {
	return NewScalarKValue(NewBinaryExpr(SHL, v.Offset, other.Offset))
}

// LShr returns the logical right shift.
func (v KValue) LShr(other KValue) KValue {
	return NewScalarKValue(NewBinaryExpr(LSHR, v.Offset, other.Offset))
}

// AShr returns the arithmetic right shift.
func (v KValue) AShr(other KValue) KValue {
	return NewScalarKValue(NewBinaryExpr(ASHR, v.Offset, other.Offset))
}

// Eq returns a boolean scalar comparing both planes.
func (v KValue) Eq(other KValue) KValue {
	offsetEq := NewBinaryExpr(EQ, v.Offset, other.Offset)
	if v.IsZeroSegment() && other.IsZeroSegment() {
		return NewScalarKValue(offsetEq)
	}
	return NewScalarKValue(NewBinaryExpr(AND, NewBinaryExpr(EQ, v.Segment, other.Segment), offsetEq))
}

// Ne returns a boolean scalar comparing both planes.
func (v KValue) Ne(other KValue) KValue {
	return NewScalarKValue(NewIsZeroExpr(v.Eq(other).Offset))
}

// Ult returns the unsigned less-than comparison of the offsets.
func (v KValue) Ult(other KValue) KValue {
	return NewScalarKValue(NewBinaryExpr(ULT, v.Offset, other.Offset))
}

// Ule returns the unsigned less-than-or-equal comparison of the offsets.
func (v KValue) Ule(other KValue) KValue {
	return NewScalarKValue(NewBinaryExpr(ULE, v.Offset, other.Offset))
}

// Ugt returns the unsigned greater-than comparison of the offsets.
func (v KValue) Ugt(other KValue) KValue {
	return other.Ult(v)
}

// Uge returns the unsigned greater-than-or-equal comparison of the offsets.
func (v KValue) Uge(other KValue) KValue {
	return other.Ule(v)
}

// Slt returns the signed less-than comparison of the offsets.
func (v KValue) Slt(other KValue) KValue {
	return NewScalarKValue(NewBinaryExpr(SLT, v.Offset, other.Offset))
}

// Sle returns the signed less-than-or-equal comparison of the offsets.
func (v KValue) Sle(other KValue) KValue {
	return NewScalarKValue(NewBinaryExpr(SLE, v.Offset, other.Offset))
}

// Sgt returns the signed greater-than comparison of the offsets.
func (v KValue) Sgt(other KValue) KValue {
	return other.Slt(v)
}

// Sge returns the signed greater-than-or-equal comparison of the offsets.
func (v KValue) Sge(other KValue) KValue {
	return other.Sle(v)
}

// ZExt zero-extends or truncates the offset; the segment is preserved.
func (v KValue) ZExt(width uint) KValue {
	return KValue{v.Segment, NewCastExpr(v.Offset, width, false)}
}

// SExt sign-extends or truncates the offset; the segment is preserved.
func (v KValue) SExt(width uint) KValue {
	return KValue{v.Segment, NewCastExpr(v.Offset, width, true)}
}

// Extract extracts bits from the offset; the segment is preserved.
func (v KValue) Extract(offset, width uint) KValue {
	return KValue{v.Segment, NewExtractExpr(v.Offset, offset, width)}
}

// Select returns then or els depending on the boolean condition v.
func (v KValue) Select(then, els KValue) KValue {
	cond := v.Offset
	if ExprWidth(cond) != WidthBool {
		cond = NewIsZeroExpr(NewIsZeroExpr(cond))
	}
	return KValue{
		Segment: NewIteExpr(cond, then.Segment, els.Segment),
		Offset:  NewIteExpr(cond, then.Offset, els.Offset),
	}
}

// CreateIsZero returns a boolean expression testing for the null pointer.
func (v KValue) CreateIsZero() Expr {
	offsetZero := NewIsZeroExpr(v.Offset)
	if v.IsZeroSegment() {
		return offsetZero
	}
	return NewBinaryExpr(AND, NewIsZeroExpr(v.Segment), offsetZero)
}
