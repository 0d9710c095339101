package jit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arclight-dev/arclight/internal/vartype"
)

// assembleFor builds the IR of the group containing the given root without
// launching anything.
func assembleFor(t *testing.T, root uint32, ptx bool) string {
	t.Helper()
	state.mu.Lock()
	defer state.mu.Unlock()

	sched := buildSchedule([]uint32{root})
	require.Len(t, sched.sizes, 1)
	g := sched.groups[sched.sizes[0]]
	sched.assignParams(g)
	sched.assignRegisters(g)
	if ptx {
		return assemblePTX(g)
	}
	return assembleLLVM(g)
}

func TestLLVMKernelSkeleton(t *testing.T) {
	initTest(t)

	a := Counter(vartype.BackendLLVM, 128)
	ir := assembleFor(t, a, false)
	DecRef(a)

	require.Contains(t, ir, "define void @arclight_")
	require.Contains(t, ir, "i64 %start, i64 %end, i8** noalias %params")
	require.Contains(t, ir, "%index = phi i64 [ %index_next, %suffix ], [ %start, %entry ]")
	require.Contains(t, ir, "%index_next = add i64 %index, 8")
	require.Contains(t, ir, "br i1 %cond, label %done, label %body, !llvm.loop !4")
	require.NotContains(t, ir, kernelNamePlaceholder,
		"kernel name placeholder must be patched with the content hash")
}

func TestLLVMArithLowering(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Float32, 0x3f800000, 8, false)
	b := Literal(vartype.BackendLLVM, vartype.Float32, 0x40000000, 8, false)
	sum := NewOp(vartype.KindAdd, vartype.Float32, a, b)
	ir := assembleFor(t, sum, false)

	require.Contains(t, ir, "fadd <8 x float>")
	require.Contains(t, ir, "insertelement <8 x float> undef, float 0x3ff0000000000000")
	require.Contains(t, ir, "store <8 x float>")

	DecRef(sum)
	DecRef(a)
	DecRef(b)
}

func TestLLVMIntrinsicDedup(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Float32, 0, 8, false)
	s1 := NewOp(vartype.KindSqrt, vartype.Float32, a)
	b := Literal(vartype.BackendLLVM, vartype.Float32, 0x3f800000, 8, false)
	s2 := NewOp(vartype.KindSqrt, vartype.Float32, b)
	sum := NewOp(vartype.KindAdd, vartype.Float32, s1, s2)

	ir := assembleFor(t, sum, false)
	n := strings.Count(ir, "declare <8 x float> @llvm.sqrt.v8f32(<8 x float>)")
	require.Equal(t, 1, n, "intrinsic declarations must be deduplicated")
	require.Contains(t, ir, "call <8 x float> @llvm.sqrt.v8f32(")

	for _, id := range []uint32{sum, s2, s1, b, a} {
		DecRef(id)
	}
}

func TestLLVMFmaLowering(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Float64, 0, 8, false)
	fma := NewOp(vartype.KindFma, vartype.Float64, a, a, a)
	ir := assembleFor(t, fma, false)
	require.Contains(t, ir, "@llvm.fma.v8f64")

	// Integer FMA decays to mul+add.
	i := Literal(vartype.BackendLLVM, vartype.Int32, 0, 8, false)
	ifma := NewOp(vartype.KindFma, vartype.Int32, i, i, i)
	ir = assembleFor(t, ifma, false)
	require.Contains(t, ir, "mul <8 x i32>")
	require.NotContains(t, ir, "@llvm.fma")

	DecRef(fma)
	DecRef(a)
	DecRef(ifma)
	DecRef(i)
}

func TestLLVMCastLowering(t *testing.T) {
	initTest(t)

	u := Counter(vartype.BackendLLVM, 16)
	cases := []struct {
		to   vartype.Type
		want string
	}{
		{vartype.Int64, "zext <8 x i32>"},
		{vartype.Float32, "uitofp <8 x i32>"},
		{vartype.UInt8, "trunc <8 x i32>"},
	}
	for _, c := range cases {
		id := NewOp(vartype.KindCast, c.to, u)
		ir := assembleFor(t, id, false)
		require.Contains(t, ir, c.want, "cast to %s", c.to)
		DecRef(id)
	}
	DecRef(u)
}

func TestLLVMGatherLowering(t *testing.T) {
	initTest(t)

	src := Literal(vartype.BackendLLVM, vartype.Float32, 0, 16, false)
	idx := Counter(vartype.BackendLLVM, 16)
	mask := Literal(vartype.BackendLLVM, vartype.Bool, 1, 1, false)

	g := Gather(src, idx, mask)
	ir := assembleFor(t, g, false)
	require.Contains(t, ir, "@llvm.masked.gather.v8f32")
	require.Contains(t, ir, "getelementptr float")

	DecRef(g)
	DecRef(mask)
	DecRef(idx)
	DecRef(src)
}

func TestLLVMScatterReduceLowering(t *testing.T) {
	initTest(t)

	dst := Literal(vartype.BackendLLVM, vartype.Float32, 0, 16, false)
	val := Literal(vartype.BackendLLVM, vartype.Float32, 0x3f800000, 8, false)
	idx := Counter(vartype.BackendLLVM, 8)
	mask := Literal(vartype.BackendLLVM, vartype.Bool, 1, 1, false)

	res := Scatter(dst, val, idx, mask, vartype.ReduceAdd)

	// The scatter landed on the todo list; assemble its group directly.
	state.mu.Lock()
	ts := threadState(vartype.BackendLLVM)
	require.NotEmpty(t, ts.Todo)
	scatterID := ts.Todo[len(ts.Todo)-1]
	sched := buildSchedule([]uint32{scatterID})
	g := sched.groups[sched.sizes[0]]
	sched.assignParams(g)
	sched.assignRegisters(g)
	ir := assembleLLVM(g)
	state.mu.Unlock()

	require.Contains(t, ir, "@reduce_fadd_f32")
	require.Contains(t, ir, "atomicrmw fadd")
	require.Contains(t, ir, "@llvm.vector.reduce.fadd.v8f32")

	Eval(vartype.BackendLLVM)
	DecRef(res)
	DecRef(mask)
	DecRef(idx)
	DecRef(val)
	DecRef(dst)
}

func TestLLVMLegacyStatement(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Float32, 0, 8, false)
	s := Stmt(vartype.BackendLLVM, vartype.Float32, "$v = fadd $V, $v", a, a)
	ir := assembleFor(t, s, false)
	require.Contains(t, ir, "fadd <8 x float>")

	DecRef(s)
	DecRef(a)
}

func TestPTXKernelSkeleton(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendCUDA, vartype.Float32, 0x3f800000, 64, false)
	b := Literal(vartype.BackendCUDA, vartype.Float32, 0x40000000, 64, false)
	sum := NewOp(vartype.KindAdd, vartype.Float32, a, b)
	ir := assembleFor(t, sum, true)

	require.Contains(t, ir, ".visible .entry arclight_")
	require.Contains(t, ir, ".target sm_50")
	require.Contains(t, ir, "mov.u32 %r0, %ctaid.x;")
	require.Contains(t, ir, "mad.lo.u32 %r0, %r0, %r1, %r2;")
	require.Contains(t, ir, "add.rn.f32")
	require.Contains(t, ir, "st.global.b32")
	require.Contains(t, ir, "@!%p0 bra body;")

	DecRef(sum)
	DecRef(a)
	DecRef(b)
}

func TestPTXPredicateAndCast(t *testing.T) {
	initTest(t)

	a := Counter(vartype.BackendCUDA, 32)
	b := Literal(vartype.BackendCUDA, vartype.UInt32, 7, 1, false)
	lt := NewOp(vartype.KindLt, vartype.Bool, a, b)
	sel := NewOp(vartype.KindSelect, vartype.UInt32, lt, a, b)
	f := NewOp(vartype.KindCast, vartype.Float32, sel)
	ir := assembleFor(t, f, true)

	require.Contains(t, ir, "setp.lt.u32")
	require.Contains(t, ir, "selp.b32")
	require.Contains(t, ir, "cvt.rn.f32.u32")
	require.Contains(t, ir, ".reg.pred")

	for _, id := range []uint32{f, sel, lt, b, a} {
		DecRef(id)
	}
}
