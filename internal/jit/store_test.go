package jit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arclight-dev/arclight/internal/device"
	"github.com/arclight-dev/arclight/internal/vartype"
)

func initTest(t *testing.T) {
	t.Helper()
	Init(vartype.BackendLLVM, WithWidth(8))
	t.Cleanup(func() {
		if LiveCount() == 0 {
			Shutdown()
		}
	})
}

func TestLiteralLifecycle(t *testing.T) {
	initTest(t)

	id := Literal(vartype.BackendLLVM, vartype.Float32, 1234, 1, false)
	require.NotZero(t, id)
	require.Equal(t, 1, LiveCount())

	DecRef(id)
	require.Equal(t, 0, LiveCount())
}

func TestLiteralLVNSharing(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Int32, 42, 1, false)
	b := Literal(vartype.BackendLLVM, vartype.Int32, 42, 1, false)
	c := Literal(vartype.BackendLLVM, vartype.Int32, 43, 1, false)

	require.Equal(t, a, b, "equal literals must share one variable")
	require.NotEqual(t, a, c)
	require.Equal(t, 2, LiveCount())

	DecRef(a)
	DecRef(b)
	DecRef(c)
	require.Equal(t, 0, LiveCount())
}

func TestOpLVNSharing(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Int32, 1234, 1, false)
	b := Literal(vartype.BackendLLVM, vartype.Int32, 1235, 1, false)

	d := NewOp(vartype.KindAdd, vartype.Int32, a, b)
	e := NewOp(vartype.KindAdd, vartype.Int32, a, a)
	f := NewOp(vartype.KindAdd, vartype.Int32, a, b)

	require.Equal(t, d, f, "identical bodies must value-number to one id")
	require.NotEqual(t, d, e)

	for _, id := range []uint32{a, b, d, e, f} {
		DecRef(id)
	}
	require.Equal(t, 0, LiveCount())
}

func TestLVNDisabled(t *testing.T) {
	Init(vartype.BackendLLVM, WithWidth(8), WithLVN(false))

	a := Literal(vartype.BackendLLVM, vartype.Int32, 7, 1, false)
	b := Literal(vartype.BackendLLVM, vartype.Int32, 7, 1, false)
	require.NotEqual(t, a, b, "LVN off must produce distinct ids")

	DecRef(a)
	DecRef(b)
	Shutdown()
}

func TestDecIncRoundTrip(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.UInt32, 5, 1, false)
	b := Literal(vartype.BackendLLVM, vartype.UInt32, 6, 1, false)
	sum := NewOp(vartype.KindAdd, vartype.UInt32, a, b)

	// dec followed by inc of a live id leaves all state unchanged.
	DecRef(a)
	IncRef(a)
	require.Equal(t, 3, LiveCount())

	DecRef(sum)
	DecRef(a)
	DecRef(b)
	require.Equal(t, 0, LiveCount())
}

func TestInternalRefsKeepDepsAlive(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Int32, 1, 1, false)
	b := Literal(vartype.BackendLLVM, vartype.Int32, 2, 1, false)
	sum := NewOp(vartype.KindAdd, vartype.Int32, a, b)

	// Dropping the handles leaves the operands alive through the edge.
	DecRef(a)
	DecRef(b)
	require.Equal(t, 3, LiveCount())

	// Destroying the consumer cascades.
	DecRef(sum)
	require.Equal(t, 0, LiveCount())
}

func TestUnknownIDFatal(t *testing.T) {
	initTest(t)

	require.PanicsWithError(t,
		"unknown_id: lookup(9999): unknown variable",
		func() { IncRef(9999) })
}

func TestRefcountUnderflowFatal(t *testing.T) {
	initTest(t)

	id := Literal(vartype.BackendLLVM, vartype.Int32, 3, 1, false)
	sum := NewOp(vartype.KindAdd, vartype.Int32, id, id)
	// id stays alive through sum's edges with a zero external count.
	DecRef(id)
	require.Panics(t, func() { DecRef(id) })
	DecRef(sum)
}

func TestUninitializedOperandFatal(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Int32, 3, 1, false)
	require.Panics(t, func() { NewOp(vartype.KindAdd, vartype.Int32, a, 0) })
	DecRef(a)

	// All-zero operands collapse to the zero id instead.
	require.Zero(t, NewOp(vartype.KindAdd, vartype.Int32, 0, 0))
}

func TestSizeMismatchFatal(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Float32, 0, 4, false)
	b := Literal(vartype.BackendLLVM, vartype.Float32, 0, 8, false)
	require.Panics(t, func() { NewOp(vartype.KindAdd, vartype.Float32, a, b) })

	// The failed construction must not leak references.
	DecRef(a)
	DecRef(b)
	require.Equal(t, 0, LiveCount())
}

func TestBroadcastSizes(t *testing.T) {
	initTest(t)

	scalar := Literal(vartype.BackendLLVM, vartype.Float32, 0, 1, false)
	wide := Literal(vartype.BackendLLVM, vartype.Float32, 0, 16, false)
	sum := NewOp(vartype.KindAdd, vartype.Float32, scalar, wide)

	require.Equal(t, uint32(16), VarSize(sum))

	DecRef(sum)
	DecRef(scalar)
	DecRef(wide)
}

func TestLabels(t *testing.T) {
	initTest(t)

	id := Literal(vartype.BackendLLVM, vartype.Int32, 9, 1, false)
	SetLabel(id, "answer")
	require.Equal(t, "answer", Label(id))
	DecRef(id)
	require.Equal(t, 0, LiveCount())
}

func TestFreeCallback(t *testing.T) {
	initTest(t)

	fired := false
	id := Literal(vartype.BackendLLVM, vartype.Int32, 1, 1, false)
	SetFreeCallback(id, func() { fired = true })
	require.False(t, fired)
	DecRef(id)
	require.True(t, fired, "free callback must fire on destruction")
}

func TestAllocatorExhaustedFatal(t *testing.T) {
	initTest(t)

	old := state.Pool
	state.Pool = device.NewPool(256)
	defer func() { state.Pool = old }()

	defer func() {
		r := recover()
		err, ok := r.(*Error)
		require.True(t, ok, "allocator exhaustion must raise a typed error, got %v", r)
		require.Equal(t, ErrAllocatorExhausted, err.Kind)
	}()
	Literal(vartype.BackendLLVM, vartype.UInt32, 0, 4096, true)
	t.Error("expected a panic once trim and retry both fail")
}

func TestInvalidConversionFatal(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Float32, 0, 1, false)
	require.Panics(t, func() { Cast(a, vartype.Int64, true) },
		"bitcast across widths must be rejected")
	DecRef(a)
}

func TestSetSizeScalar(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Float32, 0, 1, false)
	wide := SetSize(a, 64)
	require.Equal(t, uint32(64), VarSize(wide))
	DecRef(wide)
	DecRef(a)
	require.Equal(t, 0, LiveCount())
}

func TestAlgebraicIdentities(t *testing.T) {
	initTest(t)

	x := Counter(vartype.BackendLLVM, 16)
	zero := Literal(vartype.BackendLLVM, vartype.UInt32, 0, 1, false)
	one := Literal(vartype.BackendLLVM, vartype.UInt32, 1, 1, false)

	sum := NewOp(vartype.KindAdd, vartype.UInt32, x, zero)
	require.Equal(t, x, sum, "x + 0 simplifies to x")
	prod := NewOp(vartype.KindMul, vartype.UInt32, one, x)
	require.Equal(t, x, prod, "1 * x simplifies to x")

	for _, id := range []uint32{prod, sum, one, zero, x} {
		DecRef(id)
	}
	require.Equal(t, 0, LiveCount())
}

func TestCopyDistinct(t *testing.T) {
	initTest(t)

	a := Literal(vartype.BackendLLVM, vartype.Int32, 5, 1, false)
	b := Copy(a)
	require.NotEqual(t, a, b, "Copy must not value-number onto its source")
	DecRef(a)
	DecRef(b)
	require.Equal(t, 0, LiveCount())
}
