// PTX assembly for the CUDA backend: one .visible .entry per kernel with a
// grid-stride loop, per-type-class register banks and parameter passing
// through a packed pointer array. Predicates widen to u8 in memory.
package jit

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/arclight-dev/arclight/internal/vartype"
)

type ptxEmitter struct {
	buf *Buffer

	globals    []string
	globalsSet map[string]struct{}
}

func newPTXEmitter() *ptxEmitter {
	b := NewBuffer(1)
	b.PTX = true
	return &ptxEmitter{
		buf:        b,
		globalsSet: make(map[string]struct{}),
	}
}

func (e *ptxEmitter) global(tmpl string, args ...any) {
	off := e.buf.Len()
	e.buf.Fmt(tmpl, args...)
	decl := e.buf.String()[off:]
	e.buf.RewindTo(off)
	if _, ok := e.globalsSet[decl]; ok {
		return
	}
	e.globalsSet[decl] = struct{}{}
	e.globals = append(e.globals, decl)
}

// assemblePTX produces the module of one scheduled group for NVPTX.
func assemblePTX(g *scheduledGroup) string {
	e := newPTXEmitter()
	b := e.buf

	b.Put(".version 6.0\n" +
		".target sm_50\n" +
		".address_size 64\n\n")

	b.Fmt(".visible .entry arclight_$s(.param .align 8 .b8 params[$u], "+
		".param .u32 size) {\n",
		kernelNamePlaceholder, uint32(len(g.params)*8))

	// One register bank per type class; sized generously from the node
	// count so every scratch register fits.
	n := uint32(len(g.ids))*8 + 32
	b.Fmt("    .reg.b8   %b<$u>; .reg.b16 %w<$u>; .reg.b32 %r<$u>;\n"+
		"    .reg.b64  %rd<$u>; .reg.f16 %h<$u>; .reg.f32 %f<$u>;\n"+
		"    .reg.f64  %d<$u>; .reg.pred %p<$u>;\n\n",
		n, n, n, n, n, n, n, n)

	// Grid-stride loop header: %r0 is the linear lane id, %r1 the stride.
	b.Put("    mov.u32 %r0, %ctaid.x;\n" +
		"    mov.u32 %r1, %ntid.x;\n" +
		"    mov.u32 %r2, %tid.x;\n" +
		"    mad.lo.u32 %r0, %r0, %r1, %r2;\n" +
		"    ld.param.u32 %r2, [size];\n" +
		"    setp.ge.u32 %p0, %r0, %r2;\n" +
		"    @%p0 bra done;\n" +
		"\n" +
		"    mov.u32 %r3, %nctaid.x;\n" +
		"    mul.lo.u32 %r1, %r3, %r1;\n" +
		"\n" +
		"body: // grid-stride loop\n")

	for _, id := range g.ids {
		v := lookup(id)
		switch {
		case v.ParamType == ParamInput:
			e.emitLoad(v)
		case v.IsLiteral():
			if v.Type == vartype.Bool {
				b.Fmt("    setp.ne.u32 $v, $u, 0;\n", v, uint32(v.Literal))
			} else {
				b.Fmt("    mov.$b $v, $l;\n", v, v, v)
			}
		default:
			e.render(id, v)
		}
		if v.ParamType == ParamOutput {
			e.emitStore(v)
		}
	}

	b.Put("\n" +
		"    add.u32 %r0, %r0, %r1;\n" +
		"    setp.ge.u32 %p0, %r0, %r2;\n" +
		"    @!%p0 bra body;\n" +
		"\n" +
		"done:\n" +
		"    ret;\n" +
		"}\n")

	for _, decl := range e.globals {
		b.PutByte('\n')
		b.Put(decl)
		b.PutByte('\n')
	}

	ir := b.String()
	hash := xxhash.Sum64String(ir)
	return strings.Replace(ir, kernelNamePlaceholder,
		fmt.Sprintf("%016x", hash), 1)
}

// paramAddr loads the slot pointer and computes the per-lane element
// address into the scratch register %rd0.
func (e *ptxEmitter) paramAddr(v *Variable) {
	e.buf.Fmt("    ld.param.u64 %rd0, [params+$u];\n"+
		"    mad.wide.u32 %rd0, %r0, $u, %rd0;\n",
		v.ParamOffset*8, v.Type.Size())
}

func (e *ptxEmitter) emitLoad(v *Variable) {
	b := e.buf
	if v.Type == vartype.Pointer {
		b.Fmt("    ld.param.u64 $v, [params+$u];\n", v, v.ParamOffset*8)
		return
	}
	if v.Size == 1 {
		// Scalar input: no per-lane offset, every thread reads slot 0.
		b.Fmt("    ld.param.u64 %rd0, [params+$u];\n", v.ParamOffset*8)
	} else {
		e.paramAddr(v)
	}
	if v.Type == vartype.Bool {
		b.Fmt("    ld.global.u8 %w0, [%rd0];\n"+
			"    setp.ne.u16 $v, %w0, 0;\n", v)
		return
	}
	b.Fmt("    ld.global.$b $v, [%rd0];\n", v, v)
}

func (e *ptxEmitter) emitStore(v *Variable) {
	b := e.buf
	e.paramAddr(v)
	if v.Type == vartype.Bool {
		b.Fmt("    selp.u16 %w0, 1, 0, $v;\n"+
			"    st.global.u8 [%rd0], %w0;\n", v)
		return
	}
	b.Fmt("    st.global.$b [%rd0], $v;\n", v, v)
}

func (e *ptxEmitter) render(id uint32, v *Variable) {
	b := e.buf

	deps := [4]*Variable{}
	for i, dep := range v.Dep {
		if dep != 0 {
			deps[i] = lookup(dep)
		}
	}
	a0, a1, a2, a3 := deps[0], deps[1], deps[2], deps[3]

	if v.Stmt != "" {
		b.Put("    ")
		b.Fmt(v.Stmt, v, a0, a1, a2, a3)
		b.Put(";\n")
		return
	}

	switch v.Kind {
	case vartype.KindNop, vartype.KindCallOutput, vartype.KindLoopOutput:

	case vartype.KindCounter:
		b.Fmt("    mov.u32 $v, %r0;\n", v)

	case vartype.KindDefaultMask:
		b.Fmt("    setp.lt.u32 $v, $v, %r2;\n", v, a0)

	case vartype.KindNeg:
		b.Fmt("    neg.$t $v, $v;\n", v, v, a0)

	case vartype.KindNot:
		if v.Type == vartype.Bool {
			b.Fmt("    not.pred $v, $v;\n", v, a0)
		} else {
			b.Fmt("    not.$b $v, $v;\n", v, v, a0)
		}

	case vartype.KindSqrt:
		b.Fmt("    sqrt.rn.$t $v, $v;\n", v, v, a0)

	case vartype.KindAbs:
		b.Fmt("    abs.$t $v, $v;\n", v, v, a0)

	case vartype.KindAdd:
		b.Fmt(pick(v.Type.IsFloat(), "    add.rn.$t $v, $v, $v;\n",
			"    add.$t $v, $v, $v;\n"), v, v, a0, a1)

	case vartype.KindSub:
		b.Fmt(pick(v.Type.IsFloat(), "    sub.rn.$t $v, $v, $v;\n",
			"    sub.$t $v, $v, $v;\n"), v, v, a0, a1)

	case vartype.KindMul:
		b.Fmt(pick(v.Type.IsFloat(), "    mul.rn.$t $v, $v, $v;\n",
			"    mul.lo.$t $v, $v, $v;\n"), v, v, a0, a1)

	case vartype.KindDiv:
		switch v.Type {
		case vartype.Float32:
			b.Fmt("    div.rn.f32 $v, $v, $v;\n", v, a0, a1)
		case vartype.Float64:
			b.Fmt("    div.rn.f64 $v, $v, $v;\n", v, a0, a1)
		default:
			b.Fmt("    div.$t $v, $v, $v;\n", v, v, a0, a1)
		}

	case vartype.KindMod:
		b.Fmt("    rem.$t $v, $v, $v;\n", v, v, a0, a1)

	case vartype.KindMulhi:
		b.Fmt("    mul.hi.$t $v, $v, $v;\n", v, v, a0, a1)

	case vartype.KindFma:
		b.Fmt(pick(v.Type.IsFloat(), "    fma.rn.$t $v, $v, $v, $v;\n",
			"    mad.lo.$t $v, $v, $v, $v;\n"), v, v, a0, a1, a2)

	case vartype.KindMin:
		b.Fmt("    min.$t $v, $v, $v;\n", v, v, a0, a1)

	case vartype.KindMax:
		b.Fmt("    max.$t $v, $v, $v;\n", v, v, a0, a1)

	case vartype.KindCeil:
		b.Fmt("    cvt.rpi.$t.$t $v, $v;\n", v, v, v, a0)

	case vartype.KindFloor:
		b.Fmt("    cvt.rmi.$t.$t $v, $v;\n", v, v, v, a0)

	case vartype.KindRound:
		b.Fmt("    cvt.rni.$t.$t $v, $v;\n", v, v, v, a0)

	case vartype.KindTrunc:
		b.Fmt("    cvt.rzi.$t.$t $v, $v;\n", v, v, v, a0)

	case vartype.KindEq:
		b.Fmt("    setp.eq.$t $v, $v, $v;\n", a0, v, a0, a1)

	case vartype.KindNeq:
		b.Fmt("    setp.ne.$t $v, $v, $v;\n", a0, v, a0, a1)

	case vartype.KindLt:
		b.Fmt("    setp.lt.$t $v, $v, $v;\n", a0, v, a0, a1)

	case vartype.KindLe:
		b.Fmt("    setp.le.$t $v, $v, $v;\n", a0, v, a0, a1)

	case vartype.KindGt:
		b.Fmt("    setp.gt.$t $v, $v, $v;\n", a0, v, a0, a1)

	case vartype.KindGe:
		b.Fmt("    setp.ge.$t $v, $v, $v;\n", a0, v, a0, a1)

	case vartype.KindSelect:
		if v.Type == vartype.Bool {
			b.Fmt("    and.pred %p1, $v, $v;\n"+
				"    not.pred %p2, $v;\n"+
				"    and.pred %p3, %p2, $v;\n"+
				"    or.pred $v, %p1, %p3;\n",
				a0, a1, a0, a2, v)
		} else {
			b.Fmt("    selp.$b $v, $v, $v, $v;\n", v, v, a1, a2, a0)
		}

	case vartype.KindPopc:
		b.Fmt("    popc.$b %r4, $v;\n"+
			"    cvt.$t.u32 $v, %r4;\n", v, a0, v, v)

	case vartype.KindClz:
		b.Fmt("    clz.$b %r4, $v;\n"+
			"    cvt.$t.u32 $v, %r4;\n", v, a0, v, v)

	case vartype.KindCtz:
		b.Fmt("    brev.$b %r4, $v;\n"+
			"    clz.$b %r4, %r4;\n"+
			"    cvt.$t.u32 $v, %r4;\n", v, a0, v, v, v)

	case vartype.KindAnd:
		if v.Type == vartype.Bool {
			b.Fmt("    and.pred $v, $v, $v;\n", v, a0, a1)
		} else {
			b.Fmt("    and.$b $v, $v, $v;\n", v, v, a0, a1)
		}

	case vartype.KindOr:
		if v.Type == vartype.Bool {
			b.Fmt("    or.pred $v, $v, $v;\n", v, a0, a1)
		} else {
			b.Fmt("    or.$b $v, $v, $v;\n", v, v, a0, a1)
		}

	case vartype.KindXor:
		if v.Type == vartype.Bool {
			b.Fmt("    xor.pred $v, $v, $v;\n", v, a0, a1)
		} else {
			b.Fmt("    xor.$b $v, $v, $v;\n", v, v, a0, a1)
		}

	case vartype.KindShl:
		b.Fmt("    shl.$b $v, $v, $v;\n", v, v, a0, a1)

	case vartype.KindShr:
		b.Fmt(pick(v.Type.IsUInt(), "    shr.u$u $v, $v, $v;\n",
			"    shr.s$u $v, $v, $v;\n"), v.Type.Size()*8, v, a0, a1)

	case vartype.KindCast:
		e.renderCast(v, a0)

	case vartype.KindBitcast:
		b.Fmt("    mov.$b $v, $v;\n", v, v, a0)

	case vartype.KindGather:
		b.Fmt("    mad.wide.u32 %rd1, $v, $u, $v;\n", a1, v.Type.Size(), a0)
		if v.Type == vartype.Bool {
			b.Fmt("    mov.u16 %w0, 0;\n"+
				"    @$v ld.global.u8 %w0, [%rd1];\n"+
				"    setp.ne.u16 $v, %w0, 0;\n", a2, v)
		} else {
			b.Fmt("    mov.$b $v, 0;\n"+
				"    @$v ld.global.$b $v, [%rd1];\n",
				v, v, a2, v, v)
		}

	case vartype.KindScatter:
		b.Fmt("    mad.wide.u32 %rd1, $v, $u, $v;\n", a2, a1.Type.Size(), a0)
		op := vartype.ReduceOp(v.Literal)
		if op == vartype.ReduceNone {
			b.Fmt("    @$v st.global.$b [%rd1], $v;\n", a3, a1, a1)
		} else {
			b.Fmt("    @$v red.global.$s.$t [%rd1], $v;\n",
				a3, atomName(op), a1, a1)
		}

	case vartype.KindScatterInc:
		b.Fmt("    mad.wide.u32 %rd1, $v, 4, $v;\n"+
			"    mov.u32 $v, 0;\n"+
			"    @$v atom.global.add.u32 $v, [%rd1], 1;\n",
			a1, a0, v, a2, v)

	case vartype.KindScatterKahan:
		// Tentative: compensated accumulation without lane coalescing.
		b.Fmt("    mad.wide.u32 %rd1, $v, $u, $v;\n"+
			"    mad.wide.u32 %rd2, $v, $u, $v;\n"+
			"    ld.global.$t %f30, [%rd2];\n"+
			"    sub.rn.$t %f31, $v, %f30;\n"+
			"    atom.global.add.$t %f32, [%rd1], %f31;\n"+
			"    add.rn.$t %f33, %f32, %f31;\n"+
			"    sub.rn.$t %f34, %f33, %f32;\n"+
			"    sub.rn.$t %f35, %f34, %f31;\n"+
			"    st.global.$t [%rd2], %f35;\n",
			a2, a3.Type.Size(), a0,
			a2, a3.Type.Size(), a1,
			a3, a3, a3, a3, a3, a3, a3, a3)

	case vartype.KindCallMask, vartype.KindCallSelf:
		b.Fmt("    mov.$b $v, $v;\n", v, v, v)

	case vartype.KindExtract:
		b.Fmt("    mov.$b $v, %out_$u_$u;\n", v, v, a0.RegIndex,
			uint32(v.Literal))

	case vartype.KindLoopStart:
		b.Fmt("\nl_$u_cond:\n", v.RegIndex)

	case vartype.KindLoopCond:
		b.Fmt("    @!$v bra l_$u_done;\n\nl_$u_body:\n",
			a1, a0.RegIndex, a0.RegIndex)

	case vartype.KindLoopEnd:
		b.Fmt("    bra l_$u_cond;\n\nl_$u_done:\n",
			a0.RegIndex, a0.RegIndex)

	case vartype.KindLoopPhi:
		b.Fmt("    mov.$b $v, $v;\n", v, v, a1)

	case vartype.KindCall, vartype.KindTraceRay:
		fail(ErrInternal,
			"ptx render(%d): %s lowering requires the recorded call table",
			id, v.Kind.String())

	default:
		fail(ErrInternal, "ptx render(%d): unhandled node kind %q",
			id, v.Kind.String())
	}
}

func (e *ptxEmitter) renderCast(v, a0 *Variable) {
	b := e.buf
	st, dt := a0.Type, v.Type
	switch {
	case dt == vartype.Bool:
		b.Fmt("    setp.ne.$t $v, $v, 0;\n", a0, v, a0)
	case st == vartype.Bool:
		b.Fmt("    selp.$b $v, 1, 0, $v;\n", v, v, a0)
	case dt.IsFloat() && !st.IsFloat():
		b.Fmt("    cvt.rn.$t.$t $v, $v;\n", v, a0, v, a0)
	case !dt.IsFloat() && st.IsFloat():
		b.Fmt("    cvt.rzi.$t.$t $v, $v;\n", v, a0, v, a0)
	case dt.IsFloat() && st.IsFloat():
		if dt.Size() < st.Size() {
			b.Fmt("    cvt.rn.$t.$t $v, $v;\n", v, a0, v, a0)
		} else {
			b.Fmt("    cvt.$t.$t $v, $v;\n", v, a0, v, a0)
		}
	default:
		b.Fmt("    cvt.$t.$t $v, $v;\n", v, a0, v, a0)
	}
}

// atomName maps a reduce op onto the red/atom instruction suffix.
func atomName(op vartype.ReduceOp) string {
	switch op {
	case vartype.ReduceAdd:
		return "add"
	case vartype.ReduceMin:
		return "min"
	case vartype.ReduceMax:
		return "max"
	case vartype.ReduceAnd:
		return "and"
	case vartype.ReduceOr:
		return "or"
	default:
		return "add"
	}
}
