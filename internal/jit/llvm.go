// LLVM IR assembly for one scheduled kernel group. The emitted module holds
// a single entry point looping over the launch range in vector-width steps,
// plus deduplicated intrinsic declarations and helper subroutines collected
// in a globals section.
package jit

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/arclight-dev/arclight/internal/vartype"
)

const kernelNamePlaceholder = "................"

// llvmEmitter carries the per-kernel assembly state.
type llvmEmitter struct {
	buf *Buffer

	// Deduplicated intrinsic declarations and helper functions, appended
	// after the kernel body.
	globals    []string
	globalsSet map[string]struct{}

	allocaSize  int
	allocaAlign int
}

func newLLVMEmitter() *llvmEmitter {
	return &llvmEmitter{
		buf:         NewBuffer(state.width),
		globalsSet:  make(map[string]struct{}),
		allocaSize:  -1,
		allocaAlign: -1,
	}
}

// intrinsic formats a declaration once per kernel.
func (e *llvmEmitter) intrinsic(tmpl string, args ...any) {
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

// assembleLLVM produces the complete IR module of one group. The kernel is
// named by the content hash of its body so identical programs collide in
// the cache by construction.
func assembleLLVM(g *scheduledGroup) string {
	e := newLLVMEmitter()
	b := e.buf

	b.Fmt("define void @arclight_$s(i64 %start, i64 %end, "+
		"{i8**} noalias %params) #0 ${\n"+
		"entry:\n"+
		"    br label %body\n"+
		"\n"+
		"body:\n"+
		"    %index = phi i64 [ %index_next, %suffix ], [ %start, %entry ]\n",
		kernelNamePlaceholder)

	for _, id := range g.ids {
		v := lookup(id)

		if label := labelOf(id); label != "" && v.Type != vartype.Void {
			b.Fmt("    ; $s\n", label)
		}

		e.emitParamAddress(v)

		switch {
		case v.ParamType == ParamInput:
			e.emitLoad(v)
		case v.IsLiteral():
			e.emitLiteral(v)
		default:
			e.render(id, v)
		}

		if v.ParamType == ParamOutput {
			e.emitStore(v)
		}
	}

	b.Put("    br label %suffix\n" +
		"\n" +
		"suffix:\n")
	b.Fmt("    %index_next = add i64 %index, $w\n")
	b.Put("    %cond = icmp uge i64 %index_next, %end\n" +
		"    br i1 %cond, label %done, label %body, !llvm.loop !4\n\n" +
		"done:\n" +
		"    ret void\n" +
		"}\n")

	// Scratch memory is reserved up front; patch the prologue once the
	// final size is known.
	if e.allocaSize >= 0 {
		suffixStart := b.Len()
		target := strings.IndexByte(b.String(), ':') + 2
		b.Fmt("    %buffer = alloca i8, i32 $u, align $u\n",
			uint32(e.allocaSize), uint32(e.allocaAlign))
		b.MoveSuffix(suffixStart, target)
	}

	for _, decl := range e.globals {
		b.PutByte('\n')
		b.Put(decl)
		b.PutByte('\n')
	}

	b.Put("\n" +
		"!0 = !{!0}\n" +
		"!1 = !{!1, !0}\n" +
		"!2 = !{!1}\n" +
		"!3 = !{i32 1}\n" +
		"!4 = !{!\"llvm.loop.unroll.disable\", !\"llvm.loop.vectorize.enable\", i1 0}\n\n" +
		"attributes #0 = { norecurse nounwind \"frame-pointer\"=\"none\" " +
		"\"no-builtins\" \"no-stack-arg-probe\" }\n")

	ir := b.String()
	hash := xxhash.Sum64String(ir)
	return strings.Replace(ir, kernelNamePlaceholder,
		fmt.Sprintf("%016x", hash), 1)
}

// labelOf fetches a variable's label without taking the lock (the caller
// already holds it).
func labelOf(id uint32) string {
	if e, ok := state.extra[id]; ok {
		return e.Label
	}
	return ""
}

// emitParamAddress computes the source/destination address of input/output
// parameters.
func (e *llvmEmitter) emitParamAddress(v *Variable) {
	b := e.buf
	if v.ParamType == ParamInput && v.Size == 1 && v.Type == vartype.Pointer {
		// Case 1: load a pointer address from the parameter array.
		b.Fmt("    $v_p1 = getelementptr inbounds {i8*}, {i8**} %params, i32 $o\n"+
			"    $v = load {i8*}, {i8**} $v_p1, align 8, !alias.scope !2\n",
			v, v, v, v)
	} else if v.ParamType != ParamRegister {
		// Case 2: read or write an input/output parameter.
		b.Fmt("    $v_p1 = getelementptr inbounds {i8*}, {i8**} %params, i32 $o\n"+
			"    $v_p{2|3} = load {i8*}, {i8**} $v_p1, align 8, !alias.scope !2\n"+
			"{    $v_p3 = bitcast i8* $v_p2 to $m*\n|}",
			v, v, v, v, v, v, v)

		if v.ParamType != ParamInput || v.Size != 1 {
			b.Fmt("    $v_p{4|5} = getelementptr inbounds $m, {$m*} $v_p3, i64 %index\n"+
				"{    $v_p5 = bitcast $m* $v_p4 to $M*\n|}",
				v, v, v, v, v, v, v, v)
		}
	}
}

// emitLoad reads an input parameter into the node's register, broadcasting
// scalars across the vector.
func (e *llvmEmitter) emitLoad(v *Variable) {
	b := e.buf
	if v.Size != 1 {
		// Load a packet of values.
		suffix := ""
		if v.Type == vartype.Bool {
			suffix = "_0"
		}
		b.Fmt("    $v$s = load $M, {$M*} $v_p5, align $A, !alias.scope !2, !nontemporal !3\n",
			v, suffix, v, v, v, v)
		if v.Type == vartype.Bool {
			b.Fmt("    $v = trunc $M $v_0 to $T\n", v, v, v, v)
		}
		return
	}
	// Load a scalar value and broadcast it.
	b.Fmt("    $v_0 = load $m, {$m*} $v_p3, align $a, !alias.scope !2\n",
		v, v, v, v, v)
	src, dst := uint32(0), uint32(1)
	if v.Type == vartype.Bool {
		b.Fmt("    $v_1 = trunc i8 $v_0 to i1\n", v, v)
		src, dst = 1, 2
	}
	b.Fmt("    $v_$u = insertelement $T undef, $t $v_$u, i32 0\n"+
		"    $v = shufflevector $T $v_$u, $T undef, <$w x i32> $z\n",
		v, dst, v, v, v, src,
		v, v, v, dst, v)
}

// emitLiteral splats an immediate constant.
func (e *llvmEmitter) emitLiteral(v *Variable) {
	e.buf.Fmt("    $v_1 = insertelement $T undef, $t $l, i32 0\n"+
		"    $v = shufflevector $T $v_1, $T undef, <$w x i32> $z\n",
		v, v, v, v,
		v, v, v, v)
}

// emitStore writes an output parameter, widening mask vectors for memory.
func (e *llvmEmitter) emitStore(v *Variable) {
	b := e.buf
	if v.Type != vartype.Bool {
		b.Fmt("    store $V, {$T*} $v_p5, align $A, !noalias !2, !nontemporal !3\n",
			v, v, v, v)
	} else {
		b.Fmt("    $v_e = zext $V to $M\n"+
			"    store $M $v_e, {$M*} $v_p5, align $A, !noalias !2, !nontemporal !3\n",
			v, v, v, v, v, v, v, v)
	}
}

// fp16Supported marks the kinds with native half-precision lowering; the
// rest round-trip through float.
func fp16Supported(k vartype.Kind) bool {
	switch k {
	case vartype.KindAdd, vartype.KindSub, vartype.KindMul, vartype.KindDiv,
		vartype.KindNeg, vartype.KindFma, vartype.KindSqrt, vartype.KindAbs,
		vartype.KindSelect, vartype.KindCast, vartype.KindBitcast:
		return true
	default:
		return false
	}
}

// render lowers one node kind into the minimal IR sequence defining its
// register.
func (e *llvmEmitter) render(id uint32, v *Variable) {
	b := e.buf

	deps := [4]*Variable{}
	for i, dep := range v.Dep {
		if dep != 0 {
			deps[i] = lookup(dep)
		}
	}
	a0, a1, a2, a3 := deps[0], deps[1], deps[2], deps[3]

	// Half precision without a native lowering is widened to float; the
	// widening of shared operands is emitted once per kernel.
	f32Upcast := v.Type == vartype.Float16 && !fp16Supported(v.Kind)
	if f32Upcast {
		v.Type = vartype.Float32
		for _, dep := range deps {
			if dep == nil {
				continue
			}
			if !dep.SSAF32Cast {
				b.Fmt("    %f$u = fpext <$w x half> %h$u to <$w x float>\n",
					dep.RegIndex, dep.RegIndex)
				dep.SSAF32Cast = true
			}
			dep.Type = vartype.Float32
		}
	}

	if v.Stmt != "" {
		// Legacy literal statement: substitute and emit as-is.
		b.Put("    ")
		b.Fmt(v.Stmt, v, a0, a1, a2, a3)
		b.PutByte('\n')
	} else {
		e.renderKind(id, v, a0, a1, a2, a3)
	}

	if f32Upcast {
		v.Type = vartype.Float16
		for _, dep := range deps {
			if dep != nil {
				dep.Type = vartype.Float16
			}
		}
		b.Fmt("    %h$u = fptrunc <$w x float> %f$u to <$w x half>\n",
			v.RegIndex, v.RegIndex)
	}
}

func (e *llvmEmitter) renderKind(id uint32, v *Variable, a0, a1, a2, a3 *Variable) {
	b := e.buf

	switch v.Kind {
	case vartype.KindNop, vartype.KindCallOutput, vartype.KindLoopOutput:

	case vartype.KindNeg:
		if v.Type.IsFloat() {
			b.Fmt("    $v = fneg $V\n", v, a0)
		} else {
			b.Fmt("    $v = sub $T $z, $v\n", v, v, a0)
		}

	case vartype.KindNot:
		b.Fmt("    $v = xor $V, <", v, a0)
		ones := pick(v.Type == vartype.Bool, "true", "-1")
		for i := 0; i < b.Width; i++ {
			b.Fmt("$t $s$s", a0, ones, pick(i+1 < b.Width, ", ", ">\n"))
		}

	case vartype.KindSqrt:
		e.intrinsic("declare $T @llvm.sqrt.v$w$h($T)", v, v, a0)
		b.Fmt("    $v = call $T @llvm.sqrt.v$w$h($V)\n", v, v, v, a0)

	case vartype.KindAbs:
		if v.Type.IsFloat() {
			e.intrinsic("declare $T @llvm.fabs.v$w$h($T)", v, v, a0)
			b.Fmt("    $v = call $T @llvm.fabs.v$w$h($V)\n", v, v, v, a0)
		} else {
			b.Fmt("    $v_0 = icmp slt $V, $z\n"+
				"    $v_1 = sub nsw $T $z, $v\n"+
				"    $v = select <$w x i1> $v_0, $V_1, $V\n",
				v, a0,
				v, v, a0,
				v, v, v, a0)
		}

	case vartype.KindAdd:
		b.Fmt(pick(v.Type.IsFloat(), "    $v = fadd $V, $v\n",
			"    $v = add $V, $v\n"), v, a0, a1)

	case vartype.KindSub:
		b.Fmt(pick(v.Type.IsFloat(), "    $v = fsub $V, $v\n",
			"    $v = sub $V, $v\n"), v, a0, a1)

	case vartype.KindMul:
		b.Fmt(pick(v.Type.IsFloat(), "    $v = fmul $V, $v\n",
			"    $v = mul $V, $v\n"), v, a0, a1)

	case vartype.KindDiv:
		var stmt string
		switch {
		case v.Type.IsFloat():
			stmt = "    $v = fdiv $V, $v\n"
		case v.Type.IsUInt():
			stmt = "    $v = udiv $V, $v\n"
		default:
			stmt = "    $v = sdiv $V, $v\n"
		}
		b.Fmt(stmt, v, a0, a1)

	case vartype.KindMod:
		b.Fmt(pick(v.Type.IsUInt(), "    $v = urem $V, $v\n",
			"    $v = srem $V, $v\n"), v, a0, a1)

	case vartype.KindMulhi:
		ext := pick(v.Type.IsUInt(), "z", "s")
		b.Fmt("    $v_0 = $sext $V to $D\n"+
			"    $v_1 = $sext $V to $D\n"+
			"    $v_3 = insertelement $D undef, $d $u, i32 0\n"+
			"    $v_4 = shufflevector $D $v_3, $D undef, <$w x i32> $z\n"+
			"    $v_5 = mul $D $v_0, $v_1\n"+
			"    $v_6 = lshr $D $v_5, $v_4\n"+
			"    $v = trunc $D $v_6 to $T\n",
			v, ext, a0, a0,
			v, ext, a1, a1,
			v, v, v, v.Type.Size()*8,
			v, v, v, v,
			v, v, v, v,
			v, v, v, v,
			v, v, v, v)

	case vartype.KindFma:
		if v.Type.IsFloat() {
			e.intrinsic("declare $T @llvm.fma.v$w$h($T, $T, $T)",
				v, v, a0, a1, a2)
			b.Fmt("    $v = call $T @llvm.fma.v$w$h($V, $V, $V)\n",
				v, v, v, a0, a1, a2)
		} else {
			b.Fmt("    $v_0 = mul $V, $v\n"+
				"    $v = add $V_0, $v\n",
				v, a0, a1, v, v, a2)
		}

	case vartype.KindMin, vartype.KindMax:
		var name string
		isMin := v.Kind == vartype.KindMin
		switch {
		case v.Type.IsFloat():
			name = pick(isMin, "minnum", "maxnum")
		case v.Type.IsUInt():
			name = pick(isMin, "umin", "umax")
		default:
			name = pick(isMin, "smin", "smax")
		}
		e.intrinsic("declare $T @llvm.$s.v$w$h($T, $T)", v, name, v, a0, a1)
		b.Fmt("    $v = call $T @llvm.$s.v$w$h($V, $V)\n", v, v, name, v, a0, a1)

	case vartype.KindCeil:
		e.intrinsic("declare $T @llvm.ceil.v$w$h($T)", v, v, a0)
		b.Fmt("    $v = call $T @llvm.ceil.v$w$h($V)\n", v, v, v, a0)

	case vartype.KindFloor:
		e.intrinsic("declare $T @llvm.floor.v$w$h($T)", v, v, a0)
		b.Fmt("    $v = call $T @llvm.floor.v$w$h($V)\n", v, v, v, a0)

	case vartype.KindRound:
		e.intrinsic("declare $T @llvm.nearbyint.v$w$h($T)", v, v, a0)
		b.Fmt("    $v = call $T @llvm.nearbyint.v$w$h($V)\n", v, v, v, a0)

	case vartype.KindTrunc:
		e.intrinsic("declare $T @llvm.trunc.v$w$h($T)", v, v, a0)
		b.Fmt("    $v = call $T @llvm.trunc.v$w$h($V)\n", v, v, v, a0)

	case vartype.KindEq:
		b.Fmt(pick(a0.Type.IsFloat(), "    $v = fcmp oeq $V, $v\n",
			"    $v = icmp eq $V, $v\n"), v, a0, a1)

	case vartype.KindNeq:
		b.Fmt(pick(a0.Type.IsFloat(), "    $v = fcmp one $V, $v\n",
			"    $v = icmp ne $V, $v\n"), v, a0, a1)

	case vartype.KindLt, vartype.KindLe, vartype.KindGt, vartype.KindGe:
		b.Fmt(cmpStmt(v.Kind, a0.Type), v, a0, a1)

	case vartype.KindSelect:
		b.Fmt("    $v = select $V, $V, $V\n", v, a0, a1, a2)

	case vartype.KindPopc:
		e.intrinsic("declare $T @llvm.ctpop.v$w$h($T)", v, a0, a0)
		b.Fmt("    $v = call $T @llvm.ctpop.v$w$h($V)\n", v, v, a0, a0)

	case vartype.KindClz:
		e.intrinsic("declare $T @llvm.ctlz.v$w$h($T, i1)", v, a0, a0)
		b.Fmt("    $v = call $T @llvm.ctlz.v$w$h($V, i1 0)\n", v, v, a0, a0)

	case vartype.KindCtz:
		e.intrinsic("declare $T @llvm.cttz.v$w$h($T, i1)", v, a0, a0)
		b.Fmt("    $v = call $T @llvm.cttz.v$w$h($V, i1 0)\n", v, v, a0, a0)

	case vartype.KindAnd:
		switch {
		case a0.Type != a1.Type:
			// Masking a value: select against zero.
			b.Fmt("    $v = select $V, $V, $T $z\n", v, a1, a0, a0)
		case v.Type.IsFloat():
			e.bitwiseFloat(v, a0, a1, "and")
		default:
			b.Fmt("    $v = and $V, $v\n", v, a0, a1)
		}

	case vartype.KindOr:
		switch {
		case a0.Type != a1.Type:
			b.Fmt("    $v_0 = bitcast $V to $B\n"+
				"    $v_1 = sext $V to $B\n"+
				"    $v_2 = or $B $v_0, $v_1\n"+
				"    $v = bitcast $B $v_2 to $T\n",
				v, a0, v, v, a1, v, v, v, v, v, v, v, v, v)
		case v.Type.IsFloat():
			e.bitwiseFloat(v, a0, a1, "or")
		default:
			b.Fmt("    $v = or $V, $v\n", v, a0, a1)
		}

	case vartype.KindXor:
		if v.Type.IsFloat() {
			e.bitwiseFloat(v, a0, a1, "xor")
		} else {
			b.Fmt("    $v = xor $V, $v\n", v, a0, a1)
		}

	case vartype.KindShl:
		b.Fmt("    $v = shl $V, $v\n", v, a0, a1)

	case vartype.KindShr:
		b.Fmt(pick(v.Type.IsUInt(), "    $v = lshr $V, $v\n",
			"    $v = ashr $V, $v\n"), v, a0, a1)

	case vartype.KindCast:
		e.renderCast(v, a0)

	case vartype.KindBitcast:
		b.Fmt("    $v = bitcast $V to $T\n", v, a0, v)

	case vartype.KindGather:
		e.renderGather(v, a0, a1, a2)

	case vartype.KindScatter:
		e.renderScatter(v, a0, a1, a2, a3)

	case vartype.KindScatterInc:
		e.renderScatterInc(v, a0, a1, a2)

	case vartype.KindScatterKahan:
		e.renderScatterKahan(v, a0, a1, a2, a3)

	case vartype.KindCounter:
		b.Fmt("    $v_0 = trunc i64 %index to $t\n"+
			"    $v_1 = insertelement $T undef, $t $v_0, i32 0\n"+
			"    $v_2 = shufflevector $V_1, $T undef, <$w x i32> $z\n"+
			"    $v = add $V_2, <",
			v, v, v, v, v, v, v, v, v, v, v)
		for i := 0; i < b.Width; i++ {
			b.Fmt("i32 $u$s", uint32(i), pick(i+1 < b.Width, ", ", ">\n"))
		}

	case vartype.KindDefaultMask:
		b.Fmt("    $v_0 = trunc i64 %end to i32\n"+
			"    $v_1 = insertelement <$w x i32> undef, i32 $v_0, i32 0\n"+
			"    $v_2 = shufflevector <$w x i32> $v_1, <$w x i32> undef, <$w x i32> zeroinitializer\n"+
			"    $v = icmp ult <$w x i32> $v, $v_2\n",
			v, v, v, v, v, v, a0, v)

	case vartype.KindCallMask:
		b.Fmt("    $v = bitcast <$w x i1> %mask to <$w x i1>\n", v)

	case vartype.KindCallSelf:
		b.Fmt("    $v = bitcast <$w x i32> %self to <$w x i32>\n", v)

	case vartype.KindExtract:
		b.Fmt("    $v = bitcast $T $v_out_$u to $T\n", v, v, a0,
			uint32(v.Literal), v)

	case vartype.KindLoopStart:
		b.Fmt("    br label %l_$u_before\n\n"+
			"l_$u_before:\n"+
			"    br label %l_$u_cond\n\n"+
			"l_$u_cond:\n",
			v.RegIndex, v.RegIndex, v.RegIndex, v.RegIndex)

	case vartype.KindLoopCond:
		e.intrinsic("declare i1 @llvm$e.vector.reduce.or.v$wi1($T)", a1)
		b.Fmt("    $v_red = call i1 @llvm$e.vector.reduce.or.v$wi1($V)\n"+
			"    br i1 $v_red, label %l_$u_body, label %l_$u_done\n\n"+
			"l_$u_body:\n",
			a1, a1,
			a1, a0.RegIndex, a0.RegIndex, a0.RegIndex)

	case vartype.KindLoopEnd:
		b.Fmt("    br label %l_$u_end\n\n"+
			"l_$u_end:\n"+
			"    br label %l_$u_cond\n\n"+
			"l_$u_done:\n",
			a0.RegIndex, a0.RegIndex,
			a0.RegIndex, a0.RegIndex)

	case vartype.KindLoopPhi:
		// Loop-carried values are phi nodes at the condition block; the
		// back-edge operand is patched by the loop recording layer.
		b.Fmt("    $v = phi $T [ $v, %l_$u_before ], [ $v, %l_$u_end ]\n",
			v, v, a1, a0.RegIndex, a2, a0.RegIndex)

	case vartype.KindTraceRay:
		e.renderTrace(v, a0, a1)

	case vartype.KindCall:
		fail(ErrInternal,
			"render(%d): virtual call lowering requires a recorded call table", id)

	default:
		fail(ErrInternal, "render(%d): unhandled node kind %q", id, v.Kind.String())
	}
}

// bitwiseFloat performs a logic op on float lanes through an integer view.
func (e *llvmEmitter) bitwiseFloat(v, a0, a1 *Variable, op string) {
	e.buf.Fmt("    $v_0 = bitcast $V to $B\n"+
		"    $v_1 = bitcast $V to $B\n"+
		"    $v_2 = $s $B $v_0, $v_1\n"+
		"    $v = bitcast $B $v_2 to $T\n",
		v, a0, v, v, a1, v, v, op, v, v, v, v, v, v, v)
}

func (e *llvmEmitter) renderCast(v, a0 *Variable) {
	b := e.buf
	st, dt := a0.Type, v.Type
	switch {
	case dt.IsBool():
		b.Fmt(pick(st.IsFloat(), "    $v = fcmp one $V, $z\n",
			"    $v = icmp ne $V, $z\n"), v, a0)
	case st.IsBool():
		b.Fmt("    $v_1 = insertelement $T undef, $t $s, i32 0\n"+
			"    $v_2 = shufflevector $T $v_1, $T undef, <$w x i32> $z\n"+
			"    $v = select $V, $T $v_2, $T $z\n",
			v, v, v, pick(dt.IsFloat(), "1.0", "1"),
			v, v, v, v,
			v, a0, v, v, v)
	case dt.IsFloat() && !st.IsFloat():
		b.Fmt(pick(st.IsUInt(), "    $v = uitofp $V to $T\n",
			"    $v = sitofp $V to $T\n"), v, a0, v)
	case !dt.IsFloat() && st.IsFloat():
		b.Fmt(pick(dt.IsUInt(), "    $v = fptoui $V to $T\n",
			"    $v = fptosi $V to $T\n"), v, a0, v)
	case dt.IsFloat() && st.IsFloat():
		// half<->double has no single-step lowering everywhere; go
		// through float.
		if (dt == vartype.Float64 && st == vartype.Float16) ||
			(dt == vartype.Float16 && st == vartype.Float64) {
			b.Fmt(pick(dt.Size() > st.Size(),
				"    %cast_$u = fpext $V to <$w x float>\n"+
					"    $v = fpext <$w x float> %cast_$u to $T\n",
				"    %cast_$u = fptrunc $V to <$w x float>\n"+
					"    $v = fptrunc <$w x float> %cast_$u to $T\n"),
				v.RegIndex, a0, v, v.RegIndex, v)
		} else {
			b.Fmt(pick(dt.Size() > st.Size(),
				"    $v = fpext $V to $T\n",
				"    $v = fptrunc $V to $T\n"), v, a0, v)
		}
	case dt.Size() < st.Size():
		b.Fmt("    $v = trunc $V to $T\n", v, a0, v)
	default:
		b.Fmt(pick(st.IsUInt(), "    $v = zext $V to $T\n",
			"    $v = sext $V to $T\n"), v, a0, v)
	}
}

func (e *llvmEmitter) renderGather(v, ptr, index, mask *Variable) {
	b := e.buf
	isBool := v.Type == vartype.Bool
	if isBool { // gather through the memory view, truncate after
		v.Type = vartype.UInt8
	}

	e.intrinsic("declare $T @llvm.masked.gather.v$w$h(<$w x {$t*}>, i32, $T, $T)",
		v, v, v, mask, v)

	b.Fmt("{    $v_0 = bitcast $<i8*$> $v to $<$t*$>\n|}"+
		"    $v_1 = getelementptr $t, $<{$t*}$> {$v_0|$v}, $V\n"+
		"    $v$s = call $T @llvm.masked.gather.v$w$h(<$w x {$t*}> $v_1, i32 $a, $V, $T $z)\n",
		v, ptr, v,
		v, v, v, v, ptr, index,
		v, pick(isBool, "_2", ""), v, v, v, v, v, mask, v)

	if isBool {
		v.Type = vartype.Bool
		b.Fmt("    $v = trunc <$w x i8> %b$u_2 to <$w x i1>\n", v, v.RegIndex)
	}
}

func (e *llvmEmitter) renderScatter(v, ptr, value, index, mask *Variable) {
	b := e.buf
	b.Fmt("{    $v_0 = bitcast $<i8*$> $v to $<$t*$>\n|}"+
		"    $v_1 = getelementptr $t, $<{$t*}$> {$v_0|$v}, $V\n",
		v, ptr, value,
		v, value, value, v, ptr, index)

	op := vartype.ReduceOp(v.Literal)
	if op == vartype.ReduceNone {
		e.intrinsic("declare void @llvm.masked.scatter.v$w$h($T, <$w x {$t*}>, i32, $T)",
			value, value, value, mask)
		b.Fmt("    call void @llvm.masked.scatter.v$w$h($V, <$w x {$t*}> $v_1, i32 $a, $V)\n",
			value, value, value, v, value, mask)
		return
	}

	// Reductive scatter: a helper subroutine walks the active lanes,
	// coalesces lanes aiming at the same cell and issues one atomicrmw
	// per distinct target.
	name, atomic := reduceNames(op, value.Type)
	e.intrinsic("declare i1 @llvm$e.vector.reduce.or.v$wi1(<$w x i1>)")

	// Float add/mul reductions carry a scalar start operand.
	zeroElem := ""
	if value.Type.IsFloat() &&
		(op == vartype.ReduceAdd || op == vartype.ReduceMul) {
		zeroElem = value.Type.LLVM() + " -0.0, "
		e.intrinsic("declare $t @llvm$e.vector.reduce.$s.v$w$h($t, $T)",
			value, name, value, value, value)
	} else {
		e.intrinsic("declare $t @llvm$e.vector.reduce.$s.v$w$h($T)",
			value, name, value, value)
	}

	reassoc := pick(value.Type.IsFloat(), "reassoc ", "")
	e.intrinsic(
		"define internal void @reduce_$s_$h(<$w x {$t*}> %ptr, $T %value, <$w x i1> %active_in) #0 ${\n"+
			"L0:\n"+
			"   br label %L1\n\n"+
			"L1:\n"+
			"   %index = phi i32 [ 0, %L0 ], [ %index_next, %L3 ]\n"+
			"   %active = phi <$w x i1> [ %active_in, %L0 ], [ %active_next_2, %L3 ]\n"+
			"   %active_i = extractelement <$w x i1> %active, i32 %index\n"+
			"   br i1 %active_i, label %L2, label %L3\n\n"+
			"L2:\n"+
			"   %ptr_0 = extractelement <$w x {$t*}> %ptr, i32 %index\n"+
			"   %ptr_1 = insertelement <$w x {$t*}> undef, {$t*} %ptr_0, i32 0\n"+
			"   %ptr_2 = shufflevector <$w x {$t*}> %ptr_1, <$w x {$t*}> undef, <$w x i32> $z\n"+
			"   %ptr_eq = icmp eq <$w x {$t*}> %ptr, %ptr_2\n"+
			"   %active_cur = and <$w x i1> %ptr_eq, %active\n"+
			"   %value_cur = select <$w x i1> %active_cur, $T %value, $T $z\n"+
			"   %reduced = call $s$t @llvm$e.vector.reduce.$s.v$w$h($s$T %value_cur)\n"+
			"   atomicrmw $s {$t*} %ptr_0, $t %reduced monotonic\n"+
			"   %active_next = xor <$w x i1> %active, %active_cur\n"+
			"   %active_red = call i1 @llvm$e.vector.reduce.or.v$wi1(<$w x i1> %active_next)\n"+
			"   br i1 %active_red, label %L3, label %L4\n\n"+
			"L3:\n"+
			"   %active_next_2 = phi <$w x i1> [ %active, %L1 ], [ %active_next, %L2 ]\n"+
			"   %index_next = add nuw nsw i32 %index, 1\n"+
			"   %cond_2 = icmp eq i32 %index_next, $w\n"+
			"   br i1 %cond_2, label %L4, label %L1\n\n"+
			"L4:\n"+
			"   ret void\n"+
			"$}",
		name, value, value, value,
		value, value, value, value, value, value,
		value, value,
		reassoc, value, name, value, zeroElem, value,
		atomic, value, value)

	b.Fmt("    call void @reduce_$s_$h(<$w x {$t*}> $v_1, $V, $V)\n",
		name, value, value, v, value, mask)
}

// reduceNames maps a reduce op to the reduce-intrinsic suffix and the
// atomicrmw operation for a type.
func reduceNames(op vartype.ReduceOp, t vartype.Type) (string, string) {
	switch op {
	case vartype.ReduceAdd:
		if t.IsFloat() {
			return "fadd", "fadd"
		}
		return "add", "add"
	case vartype.ReduceMul:
		if t.IsFloat() {
			return "fmul", "fmul"
		}
		return "mul", "mul"
	case vartype.ReduceMin:
		switch {
		case t.IsFloat():
			return "fmin", "fmin"
		case t.IsUInt():
			return "umin", "umin"
		default:
			return "smin", "min"
		}
	case vartype.ReduceMax:
		switch {
		case t.IsFloat():
			return "fmax", "fmax"
		case t.IsUInt():
			return "umax", "umax"
		default:
			return "smax", "max"
		}
	case vartype.ReduceAnd:
		return "and", "and"
	default:
		return "or", "or"
	}
}

func (e *llvmEmitter) renderScatterInc(v, ptr, index, mask *Variable) {
	b := e.buf
	b.Fmt("{    $v_0 = bitcast $<i8*$> $v to $<i32*$>\n|}"+
		"    $v_1 = getelementptr i32, $<{i32*}$> {$v_0|$v}, $V\n"+
		"    $v = call $T @reduce_inc_u32(<$w x {i32*}> $v_1, $V)\n",
		v, ptr,
		v, v, ptr, index,
		v, v, v, mask)

	e.intrinsic("declare i32 @llvm.cttz.i32(i32, i1)")
	e.intrinsic("declare i64 @llvm$e.vector.reduce.umax.v$wi64(<$w x i64>)")
	e.intrinsic(
		"define internal <$w x i32> @reduce_inc_u32(<$w x {i32*}> %ptrs_in, <$w x i1> %active_in) #0 ${\n" +
			"L0:\n" +
			"    %ptrs_0 = select <$w x i1> %active_in, <$w x {i32*}> %ptrs_in, <$w x {i32*}> $z\n" +
			"    %ptrs_1 = ptrtoint <$w x {i32*}> %ptrs_0 to <$w x i64>\n" +
			"    br label %L1\n\n" +
			"L1:\n" +
			"    %ptrs = phi <$w x i64> [ %ptrs_1, %L0 ], [ %ptrs_next, %L3 ]\n" +
			"    %out = phi <$w x i32> [ $z, %L0 ], [ %out_next, %L3 ]\n" +
			"    %ptr = call i64 @llvm$e.vector.reduce.umax.v$wi64(<$w x i64> %ptrs)\n" +
			"    %done = icmp eq i64 %ptr, 0\n" +
			"    br i1 %done, label %L4, label %L2\n\n" +
			"L2:\n" +
			"    %ptr_b0 = insertelement <$w x i64> undef, i64 %ptr, i32 0\n" +
			"    %ptr_b1 = shufflevector <$w x i64> %ptr_b0, <$w x i64> undef, <$w x i32> $z\n" +
			"    %active = icmp eq <$w x i64> %ptrs, %ptr_b1\n" +
			"    %ptrs_next = select <$w x i1> %active, <$w x i64> $z, <$w x i64> %ptrs\n" +
			"    %ptr_typed = inttoptr i64 %ptr to {i32*}\n" +
			"    %prev = atomicrmw add {i32*} %ptr_typed, i32 1 monotonic\n" +
			"    %prev_b0 = insertelement <$w x i32> undef, i32 %prev, i32 0\n" +
			"    %prev_b1 = shufflevector <$w x i32> %prev_b0, <$w x i32> undef, <$w x i32> $z\n" +
			"    %out_next = select <$w x i1> %active, <$w x i32> %prev_b1, <$w x i32> %out\n" +
			"    br label %L3\n\n" +
			"L3:\n" +
			"    br label %L1\n\n" +
			"L4:\n" +
			"    ret <$w x i32> %out\n" +
			"$}")
}

// renderScatterKahan emits the two-buffer compensated scatter-add. The
// sequence is structurally complete but treated as tentative; see the
// design notes.
func (e *llvmEmitter) renderScatterKahan(v, ptr1, ptr2, index, value *Variable) {
	b := e.buf
	b.Fmt("{    $v_t0 = bitcast $<i8*$> $v to $<$t*$>\n|}"+
		"    $v_t1 = getelementptr $t, $<{$t*}$> {$v_t0|$v}, $V\n"+
		"{    $v_c0 = bitcast $<i8*$> $v to $<$t*$>\n|}"+
		"    $v_c1 = getelementptr $t, $<{$t*}$> {$v_c0|$v}, $V\n"+
		"    call void @scatter_kahan_$h(<$w x {$t*}> $v_t1, <$w x {$t*}> $v_c1, $V)\n",
		v, ptr1, value,
		v, value, value, v, ptr1, index,
		v, ptr2, value,
		v, value, value, v, ptr2, index,
		value, value, v, value, v, value)

	e.intrinsic(
		"define internal void @scatter_kahan_$h(<$w x {$t*}> %tgt, <$w x {$t*}> %err, $T %value) #0 ${\n"+
			"L0:\n"+
			"    br label %L1\n\n"+
			"L1:\n"+
			"    %index = phi i32 [ 0, %L0 ], [ %index_next, %L2 ]\n"+
			"    %tgt_i = extractelement <$w x {$t*}> %tgt, i32 %index\n"+
			"    %err_i = extractelement <$w x {$t*}> %err, i32 %index\n"+
			"    %val_i = extractelement $T %value, i32 %index\n"+
			"    %sum = load $t, {$t*} %tgt_i, align $a\n"+
			"    %c = load $t, {$t*} %err_i, align $a\n"+
			"    %y = fsub $t %val_i, %c\n"+
			"    %t = fadd $t %sum, %y\n"+
			"    %d = fsub $t %t, %sum\n"+
			"    %c_next = fsub $t %d, %y\n"+
			"    store $t %t, {$t*} %tgt_i, align $a\n"+
			"    store $t %c_next, {$t*} %err_i, align $a\n"+
			"    br label %L2\n\n"+
			"L2:\n"+
			"    %index_next = add nuw nsw i32 %index, 1\n"+
			"    %cond = icmp eq i32 %index_next, $w\n"+
			"    br i1 %cond, label %L3, label %L1\n\n"+
			"L3:\n"+
			"    ret void\n"+
			"$}",
		value, value, value, value,
		value, value, value,
		value, value, value, value, value, value,
		value, value, value, value,
		value, value, value, value, value, value)
}

// renderTrace stages the fixed-layout ray record in scratch memory, calls
// the provided function pointer and reads back the intersection fields.
// Tentative lowering, see the design notes.
func (e *llvmEmitter) renderTrace(v, fn, scene *Variable) {
	b := e.buf
	recordSize := 14 * 4 * b.Width
	if recordSize > e.allocaSize {
		e.allocaSize = recordSize
		e.allocaAlign = int(vartype.Float32.Size()) * b.Width
	}
	b.Fmt("    $v_buf = bitcast {i8*} %buffer to {float*}\n"+
		"    call void $v({i8*} %buffer, $V)\n"+
		"    $v_p = getelementptr float, {float*} $v_buf, i32 0\n"+
		"{    $v_pv = bitcast float* $v_p to $T*\n|}"+
		"    $v = load $T, {$T*} {$v_pv|$v_p}, align $A\n",
		v, fn, scene,
		v, v,
		v, v, v,
		v, v, v, v, v, v)
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

// cmpStmt selects the comparison statement for ordered operators.
func cmpStmt(k vartype.Kind, t vartype.Type) string {
	var op string
	switch k {
	case vartype.KindLt:
		op = pick(t.IsFloat(), "fcmp olt", pick(t.IsUInt(), "icmp ult", "icmp slt"))
	case vartype.KindLe:
		op = pick(t.IsFloat(), "fcmp ole", pick(t.IsUInt(), "icmp ule", "icmp sle"))
	case vartype.KindGt:
		op = pick(t.IsFloat(), "fcmp ogt", pick(t.IsUInt(), "icmp ugt", "icmp sgt"))
	default:
		op = pick(t.IsFloat(), "fcmp oge", pick(t.IsUInt(), "icmp uge", "icmp sge"))
	}
	return "    $v = " + op + " $V, $v\n"
}
