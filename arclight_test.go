package arclight

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func initTest(t *testing.T) {
	t.Helper()
	Init(CPU, WithWidth(8))
	t.Cleanup(func() {
		if LiveVariables() == 0 {
			Shutdown()
		}
	})
}

func TestUnevaluatedDropReturnsStoreToEmpty(t *testing.T) {
	initTest(t)

	a := Literal[float32](1234)
	require.True(t, a.Valid())
	a.Drop()
	require.Equal(t, 0, LiveVariables())
}

func TestValueNumberingSharesIds(t *testing.T) {
	initTest(t)

	a := Literal[int32](1234)
	b := Literal[int32](1235)
	c := Literal[int32](1234)
	require.Equal(t, a.Index(), c.Index(), "equal literals share an id")

	d := Add(a, b)
	e := Add(a, c) // a + a after literal dedup
	f := Add(a, b)
	require.Equal(t, d.Index(), f.Index(), "d and f share a variable")
	require.NotEqual(t, d.Index(), e.Index())

	Eval()
	require.Equal(t, []int32{2469}, d.Read())
	require.Equal(t, []int32{2469}, f.Read())
	require.Equal(t, []int32{2468}, e.Read())

	for _, arr := range []Array[int32]{a, b, c, d, e, f} {
		arr.Drop()
	}
	require.Equal(t, 0, LiveVariables())
}

func TestArangeRoundTrip(t *testing.T) {
	initTest(t)

	n := uint32(1024)
	x := Arange[uint32](n)
	got := x.Read()
	require.Len(t, got, int(n))
	for i, v := range got {
		require.Equal(t, uint32(i), v)
	}
	x.Drop()
}

func TestCastsMatchScalarConversion(t *testing.T) {
	initTest(t)

	x := Arange[uint32](1024)

	i32 := Cast[int32](x)
	for i, v := range i32.Read() {
		require.Equal(t, int32(i), v)
	}
	i32.Drop()

	u64 := Cast[uint64](x)
	for i, v := range u64.Read() {
		require.Equal(t, uint64(i), v)
	}
	u64.Drop()

	i64 := Cast[int64](x)
	for i, v := range i64.Read() {
		require.Equal(t, int64(i), v)
	}
	i64.Drop()

	f32 := Cast[float32](x)
	for i, v := range f32.Read() {
		require.Equal(t, float32(i), v)
	}
	f32.Drop()

	f64 := Cast[float64](x)
	for i, v := range f64.Read() {
		require.Equal(t, float64(i), v)
	}
	f64.Drop()

	x.Drop()
	require.Equal(t, 0, LiveVariables())
}

func TestRunningAccumulator(t *testing.T) {
	initTest(t)

	// Sums of i distinct variables for growing i; covers both input-heavy
	// and output-heavy parameter tables.
	for _, n := range []int{1, 3, 9, 27, 81, 243, 729} {
		acc := Literal[int32](0)
		for i := 1; i < n; i++ {
			v := Literal[int32](int32(i))
			next := Add(acc, v)
			acc.Drop()
			v.Drop()
			acc = next
		}
		got := acc.Read()
		require.Equal(t, int32(n*(n-1)/2), got[0], "sum up to %d", n)
		acc.Drop()
	}
	require.Equal(t, 0, LiveVariables())
}

func TestFmaFmsub(t *testing.T) {
	initTest(t)

	a := FromSlice([]float32{1, 2, 3, 4})
	b := FromSlice([]float32{3, 8, 1, 5})
	c := FromSlice([]float32{9, 1, 3, 0})

	d := Fma(a, b, c)
	e := Fmsub(d, b, c)

	require.Equal(t, []float32{12, 17, 6, 20}, d.Read())
	require.Equal(t, []float32{27, 135, 3, 100}, e.Read())

	for _, arr := range []Array[float32]{a, b, c, d, e} {
		arr.Drop()
	}
	require.Equal(t, 0, LiveVariables())
}

func TestScatterAddMatchesReference(t *testing.T) {
	initTest(t)

	const n = 64
	values := make([]float32, 256)
	indices := make([]uint32, 256)
	for i := range values {
		values[i] = float32(i%17) * 0.25
		indices[i] = uint32((i * 7) % n)
	}

	// Reference accumulation on the host.
	ref := make([]float64, n)
	for i, v := range values {
		ref[indices[i]] += float64(v)
	}

	dst := Zeros[float32](n)
	val := FromSlice(values)
	idx := FromSlice(indices)
	mask := LiteralN(true, 1)

	res := ScatterAdd(dst, val, idx, mask)
	got := res.Read()

	gotSum := make([]float64, n)
	for i, v := range got {
		gotSum[i] = float64(v)
	}
	require.True(t, floats.EqualApprox(ref, gotSum, 1e-4),
		"scatter-add must match the reference within reassociation tolerance")

	for _, arr := range []Array[float32]{dst, val, res} {
		arr.Drop()
	}
	idx.Drop()
	mask.Drop()
	require.Equal(t, 0, LiveVariables())
}

func TestGather(t *testing.T) {
	initTest(t)

	src := FromSlice([]float32{10, 20, 30, 40})
	idx := FromSlice([]uint32{3, 0, 1, 2})
	mask := LiteralN(true, 1)

	g := Gather(src, idx, mask)
	require.Equal(t, []float32{40, 10, 20, 30}, g.Read())

	g.Drop()
	mask.Drop()
	idx.Drop()
	src.Drop()
	require.Equal(t, 0, LiveVariables())
}

func TestFromIndexRoundTrip(t *testing.T) {
	initTest(t)

	v := Arange[float32](16)
	before := LiveVariables()

	w := FromIndex[float32](v.Index())
	require.Equal(t, v.Index(), w.Index())
	w.Drop()

	require.Equal(t, before, LiveVariables(),
		"FromIndex paired with Drop leaves ref counts unchanged")
	v.Drop()
}

func TestSelectAndCompare(t *testing.T) {
	initTest(t)

	x := Arange[int32](8)
	four := Literal[int32](4)
	m := Lt(x, four)
	neg := Neg(x)
	sel := Select(m, x, neg)

	require.Equal(t, []int32{0, 1, 2, 3, -4, -5, -6, -7}, sel.Read())

	sel.Drop()
	neg.Drop()
	m.Drop()
	four.Drop()
	x.Drop()
	require.Equal(t, 0, LiveVariables())
}

func TestMinMaxAbs(t *testing.T) {
	initTest(t)

	a := FromSlice([]float32{-3, 2, -1, 5})
	b := FromSlice([]float32{1, 1, 1, 1})

	ab := Abs(a)
	require.Equal(t, []float32{3, 2, 1, 5}, ab.Read())
	ab.Drop()

	mn := Min(a, b)
	mx := Max(a, b)
	require.Equal(t, []float32{-3, 1, -1, 1}, mn.Read())
	require.Equal(t, []float32{1, 2, 1, 5}, mx.Read())

	mn.Drop()
	mx.Drop()
	a.Drop()
	b.Drop()
}

func TestMigrateRoundTripBitwise(t *testing.T) {
	initTest(t)

	v := Arange[float64](100)
	orig := v.Read()

	host := v.Migrate(AllocHost)
	dev := host.Migrate(AllocDevice)
	require.Equal(t, orig, dev.Read())

	dev.Drop()
	host.Drop()
	v.Drop()
	require.Equal(t, 0, LiveVariables())
}

func TestShiftAndBitOps(t *testing.T) {
	initTest(t)

	x := FromSlice([]uint32{1, 2, 4, 255})
	two := Literal[uint32](2)

	shl := Shl(x, two)
	require.Equal(t, []uint32{4, 8, 16, 1020}, shl.Read())

	shr := Shr(x, two)
	require.Equal(t, []uint32{0, 0, 1, 63}, shr.Read())

	pc := Popc(x)
	require.Equal(t, []uint32{1, 1, 1, 8}, pc.Read())

	shl.Drop()
	shr.Drop()
	pc.Drop()
	two.Drop()
	x.Drop()
}

func TestBitcast(t *testing.T) {
	initTest(t)

	f := Literal[float32](1.0)
	u := Bitcast[uint32](f)
	require.Equal(t, []uint32{0x3f800000}, u.Read())
	u.Drop()
	f.Drop()
}
