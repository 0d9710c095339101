package arclight

import (
	"github.com/arclight-dev/arclight/internal/jit"
	"github.com/arclight-dev/arclight/internal/vartype"
)

func binOp[T Elem](kind vartype.Kind, a, b Array[T]) Array[T] {
	return Array[T]{jit.NewOp(kind, typeOf[T](), a.index, b.index)}
}

func unOp[T Elem](kind vartype.Kind, a Array[T]) Array[T] {
	return Array[T]{jit.NewOp(kind, typeOf[T](), a.index)}
}

func cmpOp[T Elem](kind vartype.Kind, a, b Array[T]) Array[bool] {
	return Array[bool]{jit.NewOp(kind, vartype.Bool, a.index, b.index)}
}

// Add returns a + b element-wise (operands broadcast by size).
func Add[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindAdd, a, b) }

// Sub returns a - b.
func Sub[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindSub, a, b) }

// Mul returns a * b.
func Mul[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindMul, a, b) }

// Div returns a / b.
func Div[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindDiv, a, b) }

// Mod returns a % b (integers only).
func Mod[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindMod, a, b) }

// Neg returns -a.
func Neg[T Elem](a Array[T]) Array[T] { return unOp(vartype.KindNeg, a) }

// Abs returns |a|.
func Abs[T Elem](a Array[T]) Array[T] { return unOp(vartype.KindAbs, a) }

// Sqrt returns the element-wise square root (floats only).
func Sqrt[T Elem](a Array[T]) Array[T] { return unOp(vartype.KindSqrt, a) }

// Fma returns a*b + c in one fused operation.
func Fma[T Elem](a, b, c Array[T]) Array[T] {
	return Array[T]{jit.NewOp(vartype.KindFma, typeOf[T](), a.index, b.index, c.index)}
}

// Fmsub returns a*b - c through a fused multiply-add with negated addend.
func Fmsub[T Elem](a, b, c Array[T]) Array[T] {
	n := Neg(c)
	defer n.Drop()
	return Fma(a, b, n)
}

// Mulhi returns the high half of the integer product.
func Mulhi[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindMulhi, a, b) }

// Min returns the element-wise minimum (minnum semantics on NaN).
func Min[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindMin, a, b) }

// Max returns the element-wise maximum.
func Max[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindMax, a, b) }

// Ceil rounds up (floats only).
func Ceil[T Elem](a Array[T]) Array[T] { return unOp(vartype.KindCeil, a) }

// Floor rounds down.
func Floor[T Elem](a Array[T]) Array[T] { return unOp(vartype.KindFloor, a) }

// Round rounds to nearest even.
func Round[T Elem](a Array[T]) Array[T] { return unOp(vartype.KindRound, a) }

// Trunc rounds toward zero.
func Trunc[T Elem](a Array[T]) Array[T] { return unOp(vartype.KindTrunc, a) }

// Eq returns a == b as a mask.
func Eq[T Elem](a, b Array[T]) Array[bool] { return cmpOp(vartype.KindEq, a, b) }

// Neq returns a != b.
func Neq[T Elem](a, b Array[T]) Array[bool] { return cmpOp(vartype.KindNeq, a, b) }

// Lt returns a < b.
func Lt[T Elem](a, b Array[T]) Array[bool] { return cmpOp(vartype.KindLt, a, b) }

// Le returns a <= b.
func Le[T Elem](a, b Array[T]) Array[bool] { return cmpOp(vartype.KindLe, a, b) }

// Gt returns a > b.
func Gt[T Elem](a, b Array[T]) Array[bool] { return cmpOp(vartype.KindGt, a, b) }

// Ge returns a >= b.
func Ge[T Elem](a, b Array[T]) Array[bool] { return cmpOp(vartype.KindGe, a, b) }

// Select returns mask ? a : b.
func Select[T Elem](mask Array[bool], a, b Array[T]) Array[T] {
	return Array[T]{jit.NewOp(vartype.KindSelect, typeOf[T](), mask.index, a.index, b.index)}
}

// And, Or, Xor, Not are the element-wise logic operations.
func And[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindAnd, a, b) }

func Or[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindOr, a, b) }

func Xor[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindXor, a, b) }

func Not[T Elem](a Array[T]) Array[T] { return unOp(vartype.KindNot, a) }

// Shl and Shr shift integers; Shr is arithmetic for signed element types.
func Shl[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindShl, a, b) }

func Shr[T Elem](a, b Array[T]) Array[T] { return binOp(vartype.KindShr, a, b) }

// Popc counts set bits; Clz/Ctz count leading/trailing zeros.
func Popc[T Elem](a Array[T]) Array[T] { return unOp(vartype.KindPopc, a) }

func Clz[T Elem](a Array[T]) Array[T] { return unOp(vartype.KindClz, a) }

func Ctz[T Elem](a Array[T]) Array[T] { return unOp(vartype.KindCtz, a) }

// Cast converts element types with value semantics.
func Cast[To Elem, From Elem](a Array[From]) Array[To] {
	return Array[To]{jit.Cast(a.index, typeOf[To](), false)}
}

// Bitcast reinterprets the bit pattern between same-width types.
func Bitcast[To Elem, From Elem](a Array[From]) Array[To] {
	return Array[To]{jit.Cast(a.index, typeOf[To](), true)}
}

// Gather returns src[index] where mask is set, zero elsewhere. The source
// is materialized first.
func Gather[T Elem](src Array[T], index Array[uint32], mask Array[bool]) Array[T] {
	return Array[T]{jit.Gather(src.index, index.index, mask.index)}
}

// Scatter writes value into dst at index where mask is set and returns the
// post-scatter handle. Aliased targets are copied first so other handles
// keep their contents.
func Scatter[T Elem](dst Array[T], value Array[T], index Array[uint32], mask Array[bool]) Array[T] {
	return Array[T]{jit.Scatter(dst.index, value.index, index.index, mask.index,
		vartype.ReduceNone)}
}

// ScatterAdd atomically accumulates value into dst at index. Overlapping
// indices combine; float combination order is unspecified.
func ScatterAdd[T Elem](dst Array[T], value Array[T], index Array[uint32], mask Array[bool]) Array[T] {
	return Array[T]{jit.Scatter(dst.index, value.index, index.index, mask.index,
		vartype.ReduceAdd)}
}

// ScatterMin and ScatterMax are the reductive scatter variants.
func ScatterMin[T Elem](dst Array[T], value Array[T], index Array[uint32], mask Array[bool]) Array[T] {
	return Array[T]{jit.Scatter(dst.index, value.index, index.index, mask.index,
		vartype.ReduceMin)}
}

func ScatterMax[T Elem](dst Array[T], value Array[T], index Array[uint32], mask Array[bool]) Array[T] {
	return Array[T]{jit.Scatter(dst.index, value.index, index.index, mask.index,
		vartype.ReduceMax)}
}

// ScatterInc atomically increments dst at index under mask and returns the
// pre-increment counts.
func ScatterInc(dst Array[uint32], index Array[uint32], mask Array[bool]) Array[uint32] {
	return Array[uint32]{jit.ScatterInc(dst.index, index.index, mask.index)}
}
