package vartype

import "testing"

func TestTypeSizes(t *testing.T) {
	cases := []struct {
		typ  Type
		size uint32
	}{
		{Bool, 1},
		{Int8, 1},
		{UInt16, 2},
		{Int32, 4},
		{UInt64, 8},
		{Float16, 2},
		{Float32, 4},
		{Float64, 8},
		{Pointer, 8},
	}
	for _, c := range cases {
		if got := c.typ.Size(); got != c.size {
			t.Errorf("Size(%s) = %d, want %d", c.typ, got, c.size)
		}
	}
}

func TestTypeNamesLLVM(t *testing.T) {
	if got := Float32.LLVM(); got != "float" {
		t.Errorf("LLVM(float32) = %q, want %q", got, "float")
	}
	if got := Bool.LLVM(); got != "i1" {
		t.Errorf("LLVM(bool) = %q, want %q", got, "i1")
	}
	if got := Float64.Abbrev(); got != "f64" {
		t.Errorf("Abbrev(float64) = %q, want %q", got, "f64")
	}
	if got := UInt32.LLVMBin(); got != "i32" {
		t.Errorf("LLVMBin(uint32) = %q, want %q", got, "i32")
	}
}

func TestTypeNamesPTX(t *testing.T) {
	if got := Int32.PTX(); got != "s32" {
		t.Errorf("PTX(int32) = %q, want %q", got, "s32")
	}
	if got := Bool.PTX(); got != "pred" {
		t.Errorf("PTX(bool) = %q, want %q", got, "pred")
	}
	if got := Bool.PTXBin(); got != "u8" {
		t.Errorf("PTXBin(bool) = %q, want %q", got, "u8")
	}
}

func TestDoubleWidth(t *testing.T) {
	if got := UInt32.Double(); got != UInt64 {
		t.Errorf("Double(uint32) = %s, want uint64", got)
	}
	if got := Int8.Double(); got != Int16 {
		t.Errorf("Double(int8) = %s, want int16", got)
	}
	if got := UInt64.Double(); got != Void {
		t.Errorf("Double(uint64) = %s, want void", got)
	}
}

func TestClassPredicates(t *testing.T) {
	if !Float16.IsFloat() || Int32.IsFloat() {
		t.Error("IsFloat misclassifies")
	}
	if !UInt8.IsUInt() || Int8.IsUInt() {
		t.Error("IsUInt misclassifies")
	}
	if !Pointer.IsUInt() {
		t.Error("Pointer should count as unsigned")
	}
	if !KindScatter.IsSideEffect() || KindAdd.IsSideEffect() {
		t.Error("IsSideEffect misclassifies")
	}
}
