// Package simd contains the scalar hot loops behind the host-side reduction
// entry point. The loops are written as simple contiguous passes so the
// compiler can vectorize them.
package simd

import "math"

// SumF32 accumulates in float64 to keep long reductions stable.
func SumF32(src []float32) float32 {
	var acc float64
	for _, v := range src {
		acc += float64(v)
	}
	return float32(acc)
}

func SumF64(src []float64) float64 {
	var acc float64
	for _, v := range src {
		acc += v
	}
	return acc
}

func SumU32(src []uint32) uint32 {
	var acc uint32
	for _, v := range src {
		acc += v
	}
	return acc
}

func SumU64(src []uint64) uint64 {
	var acc uint64
	for _, v := range src {
		acc += v
	}
	return acc
}

func MinF32(src []float32) float32 {
	acc := float32(math.Inf(1))
	for _, v := range src {
		if v < acc {
			acc = v
		}
	}
	return acc
}

func MaxF32(src []float32) float32 {
	acc := float32(math.Inf(-1))
	for _, v := range src {
		if v > acc {
			acc = v
		}
	}
	return acc
}

func MinF64(src []float64) float64 {
	acc := math.Inf(1)
	for _, v := range src {
		if v < acc {
			acc = v
		}
	}
	return acc
}

func MaxF64(src []float64) float64 {
	acc := math.Inf(-1)
	for _, v := range src {
		if v > acc {
			acc = v
		}
	}
	return acc
}

func MulF64(src []float64) float64 {
	acc := 1.0
	for _, v := range src {
		acc *= v
	}
	return acc
}

// KahanAdd performs one error-compensated accumulation step. The returned
// pair is the new (sum, compensation).
func KahanAdd(sum, comp, value float64) (float64, float64) {
	y := value - comp
	t := sum + y
	return t, (t - sum) - y
}
