// Package arclight is a just-in-time compiler and runtime for wide-SIMD and
// GPU array computation. Operations on arrays do not execute immediately;
// they append nodes to a computation graph that is compiled into fused
// kernels (LLVM IR on the CPU, PTX on CUDA devices) when values are needed.
//
// Handles are explicit: every Array returned by an operation carries one
// reference that the caller releases with Drop; Clone adds a second one.
package arclight

import (
	"encoding/binary"
	"math"

	"github.com/rs/zerolog"

	"github.com/arclight-dev/arclight/internal/cache"
	"github.com/arclight-dev/arclight/internal/device"
	"github.com/arclight-dev/arclight/internal/jit"
	"github.com/arclight-dev/arclight/internal/vartype"
)

// Backend selects the execution target.
type Backend = vartype.Backend

const (
	// CPU targets the host's SIMD units through the LLVM backend.
	CPU = vartype.BackendLLVM
	// CUDA targets NVIDIA GPUs through PTX.
	CUDA = vartype.BackendCUDA
)

var activeBackend Backend = CPU

// Option re-exports the runtime configuration options.
type Option = jit.Option

// WithWidth overrides the autodetected vector width.
func WithWidth(w int) Option { return jit.WithWidth(w) }

// WithLVN toggles common-subexpression elimination at node construction.
func WithLVN(on bool) Option { return jit.WithLVN(on) }

// WithLogLevel sets the runtime log level.
func WithLogLevel(l zerolog.Level) Option { return jit.WithLogLevel(l) }

// Init prepares the process-wide runtime. Must run before any array is
// created.
func Init(backend Backend, opts ...Option) {
	activeBackend = backend
	jit.Init(backend, opts...)
}

// Shutdown tears the runtime down; all arrays must be dropped first.
func Shutdown() { jit.Shutdown() }

// Eval flushes all pending computation on the active backend.
func Eval() { jit.Eval(activeBackend) }

// Sync blocks until all queued device work has completed.
func Sync() { jit.Sync(activeBackend) }

// WhosAlive returns a debugging table of live graph variables.
func WhosAlive() string { return jit.WhosAlive() }

// KernelCacheStats snapshots the kernel cache counters.
func KernelCacheStats() cache.Stats { return jit.KernelCacheStats() }

// SaveKernelManifest persists the kernel-cache manifest (content hashes and
// counters) to a file.
func SaveKernelManifest(path string) error { return jit.SaveKernelManifest(path) }

// LiveVariables returns the number of variables in the store.
func LiveVariables() int { return jit.LiveCount() }

// Elem enumerates the element types arrays can hold.
type Elem interface {
	bool | int8 | uint8 | int16 | uint16 | int32 | uint32 |
		int64 | uint64 | float32 | float64
}

// Array is a handle to one graph variable holding elements of type T.
type Array[T Elem] struct {
	index uint32
}

// typeOf maps a Go element type onto the runtime's type enum.
func typeOf[T Elem]() vartype.Type {
	var z T
	switch any(z).(type) {
	case bool:
		return vartype.Bool
	case int8:
		return vartype.Int8
	case uint8:
		return vartype.UInt8
	case int16:
		return vartype.Int16
	case uint16:
		return vartype.UInt16
	case int32:
		return vartype.Int32
	case uint32:
		return vartype.UInt32
	case int64:
		return vartype.Int64
	case uint64:
		return vartype.UInt64
	case float32:
		return vartype.Float32
	default:
		return vartype.Float64
	}
}

// bitsOf encodes a value into the canonical payload pattern.
func bitsOf[T Elem](v T) uint64 {
	switch x := any(v).(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case int8:
		return uint64(uint8(x))
	case uint8:
		return uint64(x)
	case int16:
		return uint64(uint16(x))
	case uint16:
		return uint64(x)
	case int32:
		return uint64(uint32(x))
	case uint32:
		return uint64(x)
	case int64:
		return uint64(x)
	case uint64:
		return x
	case float32:
		return uint64(math.Float32bits(x))
	default:
		return math.Float64bits(x.(float64))
	}
}

// fromBits decodes a canonical payload pattern back into a value.
func fromBits[T Elem](bits uint64) T {
	var z T
	switch any(z).(type) {
	case bool:
		return any(bits != 0).(T)
	case int8:
		return any(int8(bits)).(T)
	case uint8:
		return any(uint8(bits)).(T)
	case int16:
		return any(int16(bits)).(T)
	case uint16:
		return any(uint16(bits)).(T)
	case int32:
		return any(int32(bits)).(T)
	case uint32:
		return any(uint32(bits)).(T)
	case int64:
		return any(int64(bits)).(T)
	case uint64:
		return any(bits).(T)
	case float32:
		return any(math.Float32frombits(uint32(bits))).(T)
	default:
		return any(math.Float64frombits(bits)).(T)
	}
}

// Literal creates a size-1 constant array. Equal constants share one graph
// variable through value numbering.
func Literal[T Elem](value T) Array[T] {
	return LiteralN(value, 1)
}

// LiteralN creates a constant array of n elements.
func LiteralN[T Elem](value T, n uint32) Array[T] {
	return Array[T]{jit.Literal(activeBackend, typeOf[T](), bitsOf(value), n, false)}
}

// Zeros creates an n-element zero array.
func Zeros[T Elem](n uint32) Array[T] {
	var z T
	return LiteralN(z, n)
}

// Arange creates [0, 1, ..., n-1].
func Arange[T Elem](n uint32) Array[T] {
	c := jit.Counter(activeBackend, n)
	if typeOf[T]() == vartype.UInt32 {
		return Array[T]{c}
	}
	id := jit.Cast(c, typeOf[T](), false)
	jit.DecRef(c)
	return Array[T]{id}
}

// FromSlice copies host values into a new evaluated array.
func FromSlice[T Elem](values []T) Array[T] {
	t := typeOf[T]()
	es := int(t.Size())
	raw := make([]byte, len(values)*es)
	for i, v := range values {
		bits := bitsOf(v)
		switch es {
		case 1:
			raw[i] = byte(bits)
		case 2:
			binary.LittleEndian.PutUint16(raw[i*2:], uint16(bits))
		case 4:
			binary.LittleEndian.PutUint32(raw[i*4:], uint32(bits))
		default:
			binary.LittleEndian.PutUint64(raw[i*8:], bits)
		}
	}
	return Array[T]{jit.MemCopy(activeBackend, device.HostAsync, t, raw, uint32(len(values)))}
}

// Index returns the underlying graph variable id of the handle.
func (a Array[T]) Index() uint32 { return a.index }

// FromIndex adopts an existing variable id as a new handle, bumping its
// external reference count.
func FromIndex[T Elem](index uint32) Array[T] {
	jit.IncRef(index)
	return Array[T]{index}
}

// Clone returns a second handle to the same variable.
func (a Array[T]) Clone() Array[T] {
	jit.IncRef(a.index)
	return a
}

// Drop releases the handle. The variable is destroyed once no handle,
// graph edge or pending side effect references it.
func (a Array[T]) Drop() {
	if a.index != 0 {
		jit.DecRef(a.index)
	}
}

// Valid reports whether the handle refers to a variable.
func (a Array[T]) Valid() bool { return a.index != 0 }

// Len returns the element count.
func (a Array[T]) Len() uint32 { return jit.VarSize(a.index) }

// Label attaches a debugging label.
func (a Array[T]) Label(s string) Array[T] {
	jit.SetLabel(a.index, s)
	return a
}

// Schedule queues the array for materialization at the next Eval.
func (a Array[T]) Schedule() { jit.Schedule(a.index) }

// EvalNow forces materialization of this array.
func (a Array[T]) EvalNow() { jit.EvalVar(a.index) }

// Read evaluates the array and copies its contents to the host.
func (a Array[T]) Read() []T {
	raw := jit.ReadBytes(a.index)
	t := typeOf[T]()
	es := int(t.Size())
	out := make([]T, len(raw)/es)
	for i := range out {
		var bits uint64
		switch es {
		case 1:
			bits = uint64(raw[i])
		case 2:
			bits = uint64(binary.LittleEndian.Uint16(raw[i*2:]))
		case 4:
			bits = uint64(binary.LittleEndian.Uint32(raw[i*4:]))
		default:
			bits = binary.LittleEndian.Uint64(raw[i*8:])
		}
		out[i] = fromBits[T](bits)
	}
	return out
}

// Migrate moves the evaluated contents to another allocation class and
// returns the migrated handle.
func (a Array[T]) Migrate(kind device.AllocType) Array[T] {
	return Array[T]{jit.Migrate(a.index, kind)}
}

// AllocHost and friends re-export the allocation classes.
const (
	AllocHost       = device.Host
	AllocHostPinned = device.HostPinned
	AllocHostAsync  = device.HostAsync
	AllocDevice     = device.DeviceMem
)
