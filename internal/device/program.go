package device

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/x448/float16"

	"github.com/arclight-dev/arclight/internal/simd"
	"github.com/arclight-dev/arclight/internal/vartype"
)

// ParamClass tells the executor how an instruction relates to the kernel
// parameter array.
type ParamClass uint8

const (
	// ParamNone: pure register computation.
	ParamNone ParamClass = iota
	// ParamInput: load the value from the parameter slot.
	ParamInput
	// ParamOutput: compute, then store the result to the parameter slot.
	ParamOutput
)

// Instr is one executable step of a compiled program. Registers are dense
// indices assigned by the emitter; Args entries of -1 are unused.
type Instr struct {
	Kind    vartype.Kind
	Type    vartype.Type // result type
	Src     vartype.Type // operand type where it differs (cast, compares)
	Dst     int
	Args    [4]int
	Literal uint64
	RedOp   vartype.ReduceOp
	Param   int // parameter slot for input/output instructions
	Class   ParamClass
	Scalar  bool // scalar input, broadcast across lanes
}

// Program is the executable counterpart of one emitted kernel: the CPU
// driver interprets it lane by lane over the launch range.
type Program struct {
	Instrs     []Instr
	NumRegs    int
	NumParams  int
	SideEffect bool
}

// Run interprets the program over lanes [start, end). Parameter slots are
// resolved against params in emitter order.
func (p *Program) Run(params []*Buffer, start, end uint64) {
	regs := make([]uint64, p.NumRegs)
	for lane := start; lane < end; lane++ {
		for i := range p.Instrs {
			p.step(&p.Instrs[i], regs, params, lane)
		}
	}
}

func (p *Program) step(in *Instr, regs []uint64, params []*Buffer, lane uint64) {
	if in.Class == ParamInput {
		if in.Type == vartype.Pointer {
			// Pointer parameters resolve to the slot id; gathers and
			// scatters look the buffer up through it.
			regs[in.Dst] = uint64(in.Param)
			return
		}
		idx := int(lane)
		if in.Scalar {
			idx = 0
		}
		regs[in.Dst] = loadElem(params[in.Param], in.Type, idx)
		return
	}

	a := func(i int) uint64 { return regs[in.Args[i]] }

	var out uint64
	switch in.Kind {
	case vartype.KindLiteral:
		out = in.Literal

	case vartype.KindCounter:
		out = lane

	case vartype.KindDefaultMask:
		out = 1

	case vartype.KindNop, vartype.KindCallOutput, vartype.KindLoopOutput:
		return

	case vartype.KindNeg:
		if in.Type.IsFloat() {
			out = fbits(-fval(a(0), in.Type), in.Type)
		} else {
			out = truncBits(-a(0), in.Type)
		}

	case vartype.KindNot:
		if in.Type.IsBool() {
			out = a(0) ^ 1
		} else {
			out = truncBits(^a(0), in.Type)
		}

	case vartype.KindSqrt:
		out = fbits(math.Sqrt(fval(a(0), in.Type)), in.Type)

	case vartype.KindAbs:
		if in.Type.IsFloat() {
			out = fbits(math.Abs(fval(a(0), in.Type)), in.Type)
		} else {
			v := sval(a(0), in.Type)
			if v < 0 {
				v = -v
			}
			out = truncBits(uint64(v), in.Type)
		}

	case vartype.KindAdd:
		if in.Type.IsFloat() {
			out = fbits(fval(a(0), in.Type)+fval(a(1), in.Type), in.Type)
		} else {
			out = truncBits(a(0)+a(1), in.Type)
		}

	case vartype.KindSub:
		if in.Type.IsFloat() {
			out = fbits(fval(a(0), in.Type)-fval(a(1), in.Type), in.Type)
		} else {
			out = truncBits(a(0)-a(1), in.Type)
		}

	case vartype.KindMul:
		if in.Type.IsFloat() {
			out = fbits(fval(a(0), in.Type)*fval(a(1), in.Type), in.Type)
		} else {
			out = truncBits(a(0)*a(1), in.Type)
		}

	case vartype.KindDiv:
		switch {
		case in.Type.IsFloat():
			out = fbits(fval(a(0), in.Type)/fval(a(1), in.Type), in.Type)
		case in.Type.IsUInt():
			if d := uval(a(1), in.Type); d != 0 {
				out = truncBits(uval(a(0), in.Type)/d, in.Type)
			}
		default:
			if d := sval(a(1), in.Type); d != 0 {
				out = truncBits(uint64(sval(a(0), in.Type)/d), in.Type)
			}
		}

	case vartype.KindMod:
		if in.Type.IsUInt() {
			if d := uval(a(1), in.Type); d != 0 {
				out = truncBits(uval(a(0), in.Type)%d, in.Type)
			}
		} else {
			if d := sval(a(1), in.Type); d != 0 {
				out = truncBits(uint64(sval(a(0), in.Type)%d), in.Type)
			}
		}

	case vartype.KindFma:
		if in.Type.IsFloat() {
			out = fbits(math.FMA(fval(a(0), in.Type), fval(a(1), in.Type),
				fval(a(2), in.Type)), in.Type)
		} else {
			out = truncBits(a(0)*a(1)+a(2), in.Type)
		}

	case vartype.KindMulhi:
		shift := uint(in.Type.Size() * 8)
		if in.Type.IsUInt() {
			out = truncBits((uval(a(0), in.Type)*uval(a(1), in.Type))>>shift, in.Type)
		} else {
			out = truncBits(uint64((sval(a(0), in.Type)*sval(a(1), in.Type))>>shift), in.Type)
		}

	case vartype.KindMin:
		out = minMax(a(0), a(1), in.Type, true)

	case vartype.KindMax:
		out = minMax(a(0), a(1), in.Type, false)

	case vartype.KindCeil:
		out = fbits(math.Ceil(fval(a(0), in.Type)), in.Type)

	case vartype.KindFloor:
		out = fbits(math.Floor(fval(a(0), in.Type)), in.Type)

	case vartype.KindRound:
		out = fbits(math.RoundToEven(fval(a(0), in.Type)), in.Type)

	case vartype.KindTrunc:
		out = fbits(math.Trunc(fval(a(0), in.Type)), in.Type)

	case vartype.KindEq, vartype.KindNeq, vartype.KindLt, vartype.KindLe,
		vartype.KindGt, vartype.KindGe:
		out = compare(in.Kind, a(0), a(1), in.Src)

	case vartype.KindSelect:
		if a(0) != 0 {
			out = a(1)
		} else {
			out = a(2)
		}

	case vartype.KindPopc:
		out = uint64(popcount(uval(a(0), in.Type)))

	case vartype.KindClz:
		out = uint64(leadingZeros(uval(a(0), in.Type), in.Type))

	case vartype.KindCtz:
		out = uint64(trailingZeros(uval(a(0), in.Type), in.Type))

	case vartype.KindAnd:
		out = a(0) & a(1)

	case vartype.KindOr:
		out = a(0) | a(1)

	case vartype.KindXor:
		out = a(0) ^ a(1)

	case vartype.KindShl:
		out = truncBits(uval(a(0), in.Type)<<uval(a(1), in.Type), in.Type)

	case vartype.KindShr:
		if in.Type.IsUInt() {
			out = truncBits(uval(a(0), in.Type)>>uval(a(1), in.Type), in.Type)
		} else {
			out = truncBits(uint64(sval(a(0), in.Type)>>uval(a(1), in.Type)), in.Type)
		}

	case vartype.KindCast:
		out = castBits(a(0), in.Src, in.Type)

	case vartype.KindBitcast:
		out = truncBits(a(0), in.Type)

	case vartype.KindGather:
		if a(2) != 0 { // mask
			buf := params[a(0)]
			out = loadElem(buf, in.Type, int(uval(a(1), vartype.UInt32)))
		}

	case vartype.KindScatter:
		if a(3) != 0 { // mask
			buf := params[a(0)]
			idx := int(uval(a(2), vartype.UInt32))
			if in.RedOp == vartype.ReduceNone {
				storeElem(buf, in.Src, idx, a(1))
			} else {
				old := loadElem(buf, in.Src, idx)
				storeElem(buf, in.Src, idx, combine(in.RedOp, old, a(1), in.Src))
			}
		}
		return

	case vartype.KindScatterInc:
		if a(2) != 0 {
			buf := params[a(0)]
			idx := int(uval(a(1), vartype.UInt32))
			old := loadElem(buf, vartype.UInt32, idx)
			storeElem(buf, vartype.UInt32, idx, old+1)
			out = old
		}

	case vartype.KindScatterKahan:
		// Error-compensated scatter-add: Args are target, compensation,
		// index, value. The mask rides on the value's select upstream.
		tgt, comp := params[a(0)], params[a(1)]
		idx := int(uval(a(2), vartype.UInt32))
		sum := fval(loadElem(tgt, in.Src, idx), in.Src)
		c := fval(loadElem(comp, in.Src, idx), in.Src)
		sum, c = simd.KahanAdd(sum, c, fval(a(3), in.Src))
		storeElem(tgt, in.Src, idx, fbits(sum, in.Src))
		storeElem(comp, in.Src, idx, fbits(c, in.Src))
		return

	default:
		// Call/loop/trace kinds never reach the interpreter: the emitter
		// flattens them before program construction.
		return
	}

	regs[in.Dst] = out
	if in.Class == ParamOutput {
		idx := int(lane)
		storeElem(params[in.Param], in.Type, idx, out)
	}
}

// loadElem reads element i of a buffer as a canonical bit pattern.
func loadElem(b *Buffer, t vartype.Type, i int) uint64 {
	d := b.data
	switch t.Size() {
	case 1:
		return uint64(d[i])
	case 2:
		return uint64(binary.LittleEndian.Uint16(d[i*2:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(d[i*4:]))
	default:
		return binary.LittleEndian.Uint64(d[i*8:])
	}
}

// storeElem writes element i of a buffer from a canonical bit pattern.
func storeElem(b *Buffer, t vartype.Type, i int, bits uint64) {
	d := b.data
	switch t.Size() {
	case 1:
		d[i] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(d[i*2:], uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(d[i*4:], uint32(bits))
	default:
		binary.LittleEndian.PutUint64(d[i*8:], bits)
	}
}

// fval decodes a float bit pattern into float64 working precision.
func fval(bits uint64, t vartype.Type) float64 {
	switch t {
	case vartype.Float16:
		return float64(float16.Frombits(uint16(bits)).Float32())
	case vartype.Float32:
		return float64(math.Float32frombits(uint32(bits)))
	default:
		return math.Float64frombits(bits)
	}
}

// fbits rounds a float64 back to the storage type's bit pattern.
func fbits(f float64, t vartype.Type) uint64 {
	switch t {
	case vartype.Float16:
		return uint64(float16.Fromfloat32(float32(f)).Bits())
	case vartype.Float32:
		return uint64(math.Float32bits(float32(f)))
	default:
		return math.Float64bits(f)
	}
}

// uval zero-extends the low bits of the pattern per the type width.
func uval(bits uint64, t vartype.Type) uint64 {
	switch t.Size() {
	case 1:
		return bits & 0xff
	case 2:
		return bits & 0xffff
	case 4:
		return bits & 0xffffffff
	default:
		return bits
	}
}

// sval sign-extends the low bits of the pattern per the type width.
func sval(bits uint64, t vartype.Type) int64 {
	switch t.Size() {
	case 1:
		return int64(int8(bits))
	case 2:
		return int64(int16(bits))
	case 4:
		return int64(int32(bits))
	default:
		return int64(bits)
	}
}

func truncBits(bits uint64, t vartype.Type) uint64 { return uval(bits, t) }

func minMax(x, y uint64, t vartype.Type, isMin bool) uint64 {
	switch {
	case t.IsFloat():
		a, b := fval(x, t), fval(y, t)
		// minnum/maxnum semantics: a NaN operand yields the other value.
		if math.IsNaN(a) {
			return fbits(b, t)
		}
		if math.IsNaN(b) {
			return fbits(a, t)
		}
		if (a < b) == isMin {
			return fbits(a, t)
		}
		return fbits(b, t)
	case t.IsUInt():
		if (uval(x, t) < uval(y, t)) == isMin {
			return uval(x, t)
		}
		return uval(y, t)
	default:
		if (sval(x, t) < sval(y, t)) == isMin {
			return uval(x, t)
		}
		return uval(y, t)
	}
}

func compare(k vartype.Kind, x, y uint64, t vartype.Type) uint64 {
	var lt, eq bool
	switch {
	case t.IsFloat():
		a, b := fval(x, t), fval(y, t)
		if math.IsNaN(a) || math.IsNaN(b) {
			// Ordered comparisons are false on NaN; Neq is "one".
			if k == vartype.KindNeq {
				return 0
			}
			return 0
		}
		lt, eq = a < b, a == b
	case t.IsUInt():
		lt, eq = uval(x, t) < uval(y, t), uval(x, t) == uval(y, t)
	default:
		lt, eq = sval(x, t) < sval(y, t), sval(x, t) == sval(y, t)
	}

	var r bool
	switch k {
	case vartype.KindEq:
		r = eq
	case vartype.KindNeq:
		r = !eq
	case vartype.KindLt:
		r = lt
	case vartype.KindLe:
		r = lt || eq
	case vartype.KindGt:
		r = !lt && !eq
	case vartype.KindGe:
		r = !lt
	}
	if r {
		return 1
	}
	return 0
}

func castBits(bits uint64, src, dst vartype.Type) uint64 {
	switch {
	case dst.IsBool():
		if src.IsFloat() {
			if fval(bits, src) != 0 {
				return 1
			}
			return 0
		}
		if uval(bits, src) != 0 {
			return 1
		}
		return 0
	case src.IsBool():
		if bits == 0 {
			return 0
		}
		if dst.IsFloat() {
			return fbits(1, dst)
		}
		return 1
	case dst.IsFloat() && src.IsFloat():
		return fbits(fval(bits, src), dst)
	case dst.IsFloat():
		if src.IsUInt() {
			return fbits(float64(uval(bits, src)), dst)
		}
		return fbits(float64(sval(bits, src)), dst)
	case src.IsFloat():
		f := fval(bits, src)
		if dst.IsUInt() {
			return truncBits(uint64(f), dst)
		}
		return truncBits(uint64(int64(f)), dst)
	case src.IsUInt():
		return truncBits(uval(bits, src), dst)
	default:
		return truncBits(uint64(sval(bits, src)), dst)
	}
}

func combine(op vartype.ReduceOp, old, val uint64, t vartype.Type) uint64 {
	switch op {
	case vartype.ReduceAdd:
		if t.IsFloat() {
			return fbits(fval(old, t)+fval(val, t), t)
		}
		return truncBits(old+val, t)
	case vartype.ReduceMul:
		if t.IsFloat() {
			return fbits(fval(old, t)*fval(val, t), t)
		}
		return truncBits(old*val, t)
	case vartype.ReduceMin:
		return minMax(old, val, t, true)
	case vartype.ReduceMax:
		return minMax(old, val, t, false)
	case vartype.ReduceAnd:
		return old & val
	case vartype.ReduceOr:
		return old | val
	default:
		return val
	}
}

func popcount(v uint64) int { return bits.OnesCount64(v) }

func leadingZeros(v uint64, t vartype.Type) int {
	w := int(t.Size() * 8)
	if v == 0 {
		return w
	}
	return bits.LeadingZeros64(v) - (64 - w)
}

func trailingZeros(v uint64, t vartype.Type) int {
	w := int(t.Size() * 8)
	if v == 0 {
		return w
	}
	return bits.TrailingZeros64(v)
}
