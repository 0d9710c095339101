package device

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/arclight-dev/arclight/internal/vartype"
)

func bufFromU32(vals []uint32) *Buffer {
	b, _ := DefaultPool.Alloc(Host, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b.data[i*4:], v)
	}
	return b
}

func bufU32(b *Buffer) []uint32 {
	out := make([]uint32, len(b.data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b.data[i*4:])
	}
	return out
}

func TestProgramAddU32(t *testing.T) {
	// out[i] = a[i] + b[i]
	p := &Program{
		NumRegs:   4,
		NumParams: 3,
		Instrs: []Instr{
			{Class: ParamInput, Type: vartype.UInt32, Dst: 1, Param: 0},
			{Class: ParamInput, Type: vartype.UInt32, Dst: 2, Param: 1},
			{Kind: vartype.KindAdd, Type: vartype.UInt32, Src: vartype.UInt32,
				Dst: 3, Args: [4]int{1, 2, -1, -1}, Class: ParamOutput, Param: 2},
		},
	}

	a := bufFromU32([]uint32{1, 2, 3, 4})
	b := bufFromU32([]uint32{10, 20, 30, 40})
	out, _ := DefaultPool.Alloc(Host, 16)

	p.Run([]*Buffer{a, b, out}, 0, 4)

	want := []uint32{11, 22, 33, 44}
	for i, v := range bufU32(out) {
		if v != want[i] {
			t.Errorf("out[%d] = %d, want %d", i, v, want[i])
		}
	}
}

func TestProgramScalarBroadcast(t *testing.T) {
	p := &Program{
		NumRegs:   4,
		NumParams: 2,
		Instrs: []Instr{
			{Class: ParamInput, Type: vartype.UInt32, Dst: 1, Param: 0, Scalar: true},
			{Kind: vartype.KindCounter, Type: vartype.UInt32, Dst: 2, Args: [4]int{-1, -1, -1, -1}},
			{Kind: vartype.KindMul, Type: vartype.UInt32, Src: vartype.UInt32,
				Dst: 3, Args: [4]int{1, 2, -1, -1}, Class: ParamOutput, Param: 1},
		},
	}

	scalar := bufFromU32([]uint32{3})
	out, _ := DefaultPool.Alloc(Host, 16)
	p.Run([]*Buffer{scalar, out}, 0, 4)

	want := []uint32{0, 3, 6, 9}
	for i, v := range bufU32(out) {
		if v != want[i] {
			t.Errorf("out[%d] = %d, want %d", i, v, want[i])
		}
	}
}

func TestProgramFloatOps(t *testing.T) {
	mk := func(f float32) uint64 { return uint64(math.Float32bits(f)) }

	// out = fma(a, a, 1.0), then sqrt
	p := &Program{
		NumRegs:   6,
		NumParams: 2,
		Instrs: []Instr{
			{Class: ParamInput, Type: vartype.Float32, Dst: 1, Param: 0},
			{Kind: vartype.KindLiteral, Type: vartype.Float32, Dst: 2,
				Args: [4]int{-1, -1, -1, -1}, Literal: mk(1)},
			{Kind: vartype.KindFma, Type: vartype.Float32, Src: vartype.Float32,
				Dst: 3, Args: [4]int{1, 1, 2, -1}},
			{Kind: vartype.KindSqrt, Type: vartype.Float32, Src: vartype.Float32,
				Dst: 4, Args: [4]int{3, -1, -1, -1}, Class: ParamOutput, Param: 1},
		},
	}

	in, _ := DefaultPool.Alloc(Host, 8)
	binary.LittleEndian.PutUint32(in.data[0:], math.Float32bits(3))
	binary.LittleEndian.PutUint32(in.data[4:], math.Float32bits(4))
	out, _ := DefaultPool.Alloc(Host, 8)

	p.Run([]*Buffer{in, out}, 0, 2)

	got0 := math.Float32frombits(binary.LittleEndian.Uint32(out.data[0:]))
	got1 := math.Float32frombits(binary.LittleEndian.Uint32(out.data[4:]))
	if got0 != float32(math.Sqrt(10)) {
		t.Errorf("out[0] = %v", got0)
	}
	if got1 != float32(math.Sqrt(17)) {
		t.Errorf("out[1] = %v", got1)
	}
}

func TestProgramCastSignExtend(t *testing.T) {
	p := &Program{
		NumRegs:   3,
		NumParams: 2,
		Instrs: []Instr{
			{Class: ParamInput, Type: vartype.Int8, Dst: 1, Param: 0},
			{Kind: vartype.KindCast, Type: vartype.Int32, Src: vartype.Int8,
				Dst: 2, Args: [4]int{1, -1, -1, -1}, Class: ParamOutput, Param: 1},
		},
	}

	in, _ := DefaultPool.Alloc(Host, 2)
	in.data[0] = 0xff // -1
	in.data[1] = 0x7f // 127
	out, _ := DefaultPool.Alloc(Host, 8)

	p.Run([]*Buffer{in, out}, 0, 2)

	got := bufU32(out)
	if int32(got[0]) != -1 || int32(got[1]) != 127 {
		t.Errorf("cast results = %v", got)
	}
}

func TestProgramGatherScatter(t *testing.T) {
	// Gather src[idx], then scatter-add into dst[idx].
	p := &Program{
		NumRegs:    8,
		NumParams:  4,
		SideEffect: true,
		Instrs: []Instr{
			{Class: ParamInput, Type: vartype.Pointer, Dst: 1, Param: 0, Scalar: true},
			{Class: ParamInput, Type: vartype.UInt32, Dst: 2, Param: 1},
			{Kind: vartype.KindLiteral, Type: vartype.Bool, Dst: 3,
				Args: [4]int{-1, -1, -1, -1}, Literal: 1},
			{Kind: vartype.KindGather, Type: vartype.UInt32, Src: vartype.UInt32,
				Dst: 4, Args: [4]int{1, 2, 3, -1}},
			{Class: ParamInput, Type: vartype.Pointer, Dst: 5, Param: 2, Scalar: true},
			{Kind: vartype.KindScatter, Type: vartype.Void, Src: vartype.UInt32,
				Dst: 6, Args: [4]int{5, 4, 2, 3}, RedOp: vartype.ReduceAdd},
		},
	}

	src := bufFromU32([]uint32{100, 200, 300, 400})
	idx := bufFromU32([]uint32{3, 3, 0, 1})
	dst := bufFromU32([]uint32{0, 0, 0, 0})

	// Param layout: slot0 = src (via pointer reg), slot1 = idx, slot2 = dst.
	p.Run([]*Buffer{src, idx, dst}, 0, 4)

	want := []uint32{100, 200, 0, 800}
	for i, v := range bufU32(dst) {
		if v != want[i] {
			t.Errorf("dst[%d] = %d, want %d", i, v, want[i])
		}
	}
}

func TestReduceHost(t *testing.T) {
	vals := bufFromU32([]uint32{1, 2, 3, 4, 5})
	got := Reduce(vartype.UInt32, vartype.ReduceAdd, vals, 5)
	if got != 15 {
		t.Errorf("ReduceAdd = %d, want 15", got)
	}
	got = Reduce(vartype.UInt32, vartype.ReduceMax, vals, 5)
	if got != 5 {
		t.Errorf("ReduceMax = %d, want 5", got)
	}
}

func TestReduceHostFloat(t *testing.T) {
	b, _ := DefaultPool.Alloc(Host, 16)
	for i, f := range []float32{1.5, 2.5, -1, 3} {
		binary.LittleEndian.PutUint32(b.data[i*4:], math.Float32bits(f))
	}
	got := math.Float32frombits(uint32(Reduce(vartype.Float32, vartype.ReduceAdd, b, 4)))
	if got != 6 {
		t.Errorf("float ReduceAdd = %v, want 6", got)
	}
	got = math.Float32frombits(uint32(Reduce(vartype.Float32, vartype.ReduceMin, b, 4)))
	if got != -1 {
		t.Errorf("float ReduceMin = %v, want -1", got)
	}
}
