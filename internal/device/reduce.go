package device

import (
	"math"

	"github.com/arclight-dev/arclight/internal/simd"
	"github.com/arclight-dev/arclight/internal/vartype"
)

// reduceHost reduces count elements of an evaluated buffer on the host and
// returns the result as a canonical bit pattern.
func reduceHost(t vartype.Type, op vartype.ReduceOp, buf *Buffer, count int) uint64 {
	switch t {
	case vartype.Float32:
		vals := make([]float32, count)
		for i := range vals {
			vals[i] = math.Float32frombits(uint32(loadElem(buf, t, i)))
		}
		switch op {
		case vartype.ReduceAdd:
			return uint64(math.Float32bits(simd.SumF32(vals)))
		case vartype.ReduceMin:
			return uint64(math.Float32bits(simd.MinF32(vals)))
		case vartype.ReduceMax:
			return uint64(math.Float32bits(simd.MaxF32(vals)))
		}
	case vartype.Float64:
		vals := make([]float64, count)
		for i := range vals {
			vals[i] = math.Float64frombits(loadElem(buf, t, i))
		}
		switch op {
		case vartype.ReduceAdd:
			return math.Float64bits(simd.SumF64(vals))
		case vartype.ReduceMul:
			return math.Float64bits(simd.MulF64(vals))
		case vartype.ReduceMin:
			return math.Float64bits(simd.MinF64(vals))
		case vartype.ReduceMax:
			return math.Float64bits(simd.MaxF64(vals))
		}
	}

	if op == vartype.ReduceAdd {
		switch t {
		case vartype.Int32, vartype.UInt32:
			vals := make([]uint32, count)
			for i := range vals {
				vals[i] = uint32(loadElem(buf, t, i))
			}
			return uint64(simd.SumU32(vals))
		case vartype.Int64, vartype.UInt64:
			vals := make([]uint64, count)
			for i := range vals {
				vals[i] = loadElem(buf, t, i)
			}
			return simd.SumU64(vals)
		}
	}

	// Generic integer path.
	var acc uint64
	switch op {
	case vartype.ReduceAdd, vartype.ReduceOr:
		acc = 0
	case vartype.ReduceAnd:
		acc = ^uint64(0)
	case vartype.ReduceMul:
		acc = 1
	case vartype.ReduceMin, vartype.ReduceMax:
		if count == 0 {
			return 0
		}
		acc = loadElem(buf, t, 0)
	}
	start := 0
	if op == vartype.ReduceMin || op == vartype.ReduceMax {
		start = 1
	}
	for i := start; i < count; i++ {
		acc = combine(op, acc, loadElem(buf, t, i), t)
	}
	return truncBits(acc, t)
}
