package simd

import (
	"math"
	"testing"
)

func TestSumF32(t *testing.T) {
	src := []float32{1, 2, 3, 4, 5}
	if got := SumF32(src); got != 15 {
		t.Errorf("SumF32 = %f, want 15", got)
	}
}

func TestSumF64(t *testing.T) {
	src := []float64{0.5, 0.25, 0.125}
	if got := SumF64(src); got != 0.875 {
		t.Errorf("SumF64 = %f, want 0.875", got)
	}
}

func TestSumU32(t *testing.T) {
	src := []uint32{10, 20, 30}
	if got := SumU32(src); got != 60 {
		t.Errorf("SumU32 = %d, want 60", got)
	}
}

func TestMinMaxF32(t *testing.T) {
	src := []float32{3, -1, 7, 2}
	if got := MinF32(src); got != -1 {
		t.Errorf("MinF32 = %f, want -1", got)
	}
	if got := MaxF32(src); got != 7 {
		t.Errorf("MaxF32 = %f, want 7", got)
	}
}

func TestMinMaxEmpty(t *testing.T) {
	if got := MinF64(nil); !math.IsInf(got, 1) {
		t.Errorf("MinF64(nil) = %f, want +Inf", got)
	}
	if got := MaxF64(nil); !math.IsInf(got, -1) {
		t.Errorf("MaxF64(nil) = %f, want -Inf", got)
	}
}

func TestKahanCompensation(t *testing.T) {
	// Accumulating a tiny value into a large sum loses it without
	// compensation; the Kahan step keeps it.
	sum, comp := 1e16, 0.0
	for i := 0; i < 10; i++ {
		sum, comp = KahanAdd(sum, comp, 1.0)
	}
	if got := sum - 1e16; got != 10 {
		t.Errorf("compensated tail = %v, want 10", got)
	}
}
