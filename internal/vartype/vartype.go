// Package vartype defines the element types, node kinds and backends of the
// computation graph, together with the static tables the code generators
// consult (byte sizes, LLVM/PTX type names, register prefixes).
package vartype

// Backend selects the code generator and device driver for a variable.
type Backend uint32

const (
	BackendInvalid Backend = iota
	// BackendLLVM targets wide CPU SIMD through LLVM IR.
	BackendLLVM
	// BackendCUDA targets NVIDIA GPUs through PTX.
	BackendCUDA
	backendCount
)

func (b Backend) String() string {
	switch b {
	case BackendLLVM:
		return "llvm"
	case BackendCUDA:
		return "cuda"
	default:
		return "invalid"
	}
}

// Type is the element type of a variable.
type Type uint32

const (
	Void Type = iota
	Bool
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float16
	Float32
	Float64
	Pointer
	TypeCount
)

// Size in bytes of one element of each type. Bool occupies one byte in
// memory even though it is a single bit in registers.
var typeSize = [TypeCount]uint32{
	0, 1, 1, 1, 2, 2, 4, 4, 8, 8, 2, 4, 8, 8,
}

var typeName = [TypeCount]string{
	"void", "bool", "int8", "uint8", "int16", "uint16", "int32", "uint32",
	"int64", "uint64", "float16", "float32", "float64", "pointer",
}

// LLVM IR scalar type names.
var typeNameLLVM = [TypeCount]string{
	"???", "i1", "i8", "i8", "i16", "i16", "i32", "i32",
	"i64", "i64", "half", "float", "double", "i8*",
}

// LLVM IR type names with the same bit width, integer view.
var typeNameLLVMBin = [TypeCount]string{
	"???", "i1", "i8", "i8", "i16", "i16", "i32", "i32",
	"i64", "i64", "i16", "i32", "i64", "i64",
}

// Abbreviated names used to assemble LLVM intrinsic symbols.
var typeAbbrev = [TypeCount]string{
	"???", "i1", "i8", "i8", "i16", "i16", "i32", "i32",
	"i64", "i64", "f16", "f32", "f64", "i64",
}

// PTX register type names.
var typeNamePTX = [TypeCount]string{
	"???", "pred", "s8", "u8", "s16", "u16", "s32", "u32",
	"s64", "u64", "f16", "f32", "f64", "u64",
}

// PTX in-memory type names (predicates widen to u8).
var typeNamePTXBin = [TypeCount]string{
	"???", "u8", "b8", "b8", "b16", "b16", "b32", "b32",
	"b64", "b64", "b16", "b32", "b64", "b64",
}

// Register prefixes per type class, shared by the LLVM and PTX emitters.
var typePrefix = [TypeCount]string{
	"%u", "%p", "%b", "%b", "%w", "%w", "%r", "%r",
	"%rd", "%rd", "%h", "%f", "%d", "%rd",
}

// Size returns the byte size of one element of t.
func (t Type) Size() uint32 { return typeSize[t] }

func (t Type) String() string { return typeName[t] }

// LLVM returns the scalar LLVM IR name of t.
func (t Type) LLVM() string { return typeNameLLVM[t] }

// LLVMBin returns an integer LLVM IR type of the same width as t.
func (t Type) LLVMBin() string { return typeNameLLVMBin[t] }

// Abbrev returns the intrinsic-name abbreviation of t.
func (t Type) Abbrev() string { return typeAbbrev[t] }

// PTX returns the PTX register type of t.
func (t Type) PTX() string { return typeNamePTX[t] }

// PTXBin returns the PTX memory type of t.
func (t Type) PTXBin() string { return typeNamePTXBin[t] }

// Prefix returns the register name prefix used for t.
func (t Type) Prefix() string { return typePrefix[t] }

func (t Type) IsFloat() bool {
	return t == Float16 || t == Float32 || t == Float64
}

func (t Type) IsUInt() bool {
	return t == UInt8 || t == UInt16 || t == UInt32 || t == UInt64 ||
		t == Pointer
}

func (t Type) IsSInt() bool {
	return t == Int8 || t == Int16 || t == Int32 || t == Int64
}

func (t Type) IsInt() bool { return t.IsUInt() || t.IsSInt() }

func (t Type) IsBool() bool { return t == Bool }

// Double returns the integer type of twice the width of t, used by the
// high-multiplication lowering. Void when no such type exists.
func (t Type) Double() Type {
	switch t {
	case Int8:
		return Int16
	case UInt8:
		return UInt16
	case Int16:
		return Int32
	case UInt16:
		return UInt32
	case Int32:
		return Int64
	case UInt32:
		return UInt64
	default:
		return Void
	}
}

// Kind identifies the operation a graph node performs.
type Kind uint32

const (
	KindInvalid Kind = iota
	KindLiteral
	KindCounter
	KindInput
	KindLoad
	KindStore

	// Arithmetic and logic.
	KindNeg
	KindNot
	KindSqrt
	KindAbs
	KindAdd
	KindSub
	KindMul
	KindDiv
	KindMod
	KindFma
	KindMulhi
	KindMin
	KindMax
	KindCeil
	KindFloor
	KindRound
	KindTrunc
	KindEq
	KindNeq
	KindLt
	KindLe
	KindGt
	KindGe
	KindSelect
	KindPopc
	KindClz
	KindCtz
	KindAnd
	KindOr
	KindXor
	KindShl
	KindShr
	KindCast
	KindBitcast

	// Memory.
	KindGather
	KindScatter
	KindScatterInc
	KindScatterKahan

	// Recorded virtual calls.
	KindCall
	KindCallMask
	KindCallSelf
	KindCallOutput

	// Recorded loops.
	KindLoopStart
	KindLoopCond
	KindLoopEnd
	KindLoopPhi
	KindLoopOutput

	KindTraceRay
	KindExtract
	KindNop
	KindGlobal
	KindDefaultMask
	KindCount
)

var kindName = [KindCount]string{
	"invalid", "literal", "counter", "input", "load", "store",
	"neg", "not", "sqrt", "abs", "add", "sub", "mul", "div", "mod",
	"fma", "mulhi", "min", "max", "ceil", "floor", "round", "trunc",
	"eq", "neq", "lt", "le", "gt", "ge", "select",
	"popc", "clz", "ctz", "and", "or", "xor", "shl", "shr",
	"cast", "bitcast",
	"gather", "scatter", "scatter_inc", "scatter_kahan",
	"call", "call_mask", "call_self", "call_output",
	"loop_start", "loop_cond", "loop_end", "loop_phi", "loop_output",
	"trace_ray", "extract", "nop", "global", "default_mask",
}

func (k Kind) String() string { return kindName[k] }

// IsSideEffect reports whether nodes of this kind exist for their writes
// rather than for a value.
func (k Kind) IsSideEffect() bool {
	switch k {
	case KindScatter, KindScatterInc, KindScatterKahan, KindStore:
		return true
	default:
		return false
	}
}

// ReduceOp names the combining operation of a reductive scatter or of the
// standalone reduce entry point.
type ReduceOp uint32

const (
	ReduceNone ReduceOp = iota
	ReduceAdd
	ReduceMul
	ReduceMin
	ReduceMax
	ReduceAnd
	ReduceOr
	reduceOpCount
)

var reduceName = [reduceOpCount]string{
	"none", "add", "mul", "min", "max", "and", "or",
}

func (r ReduceOp) String() string { return reduceName[r] }
