// Package device owns everything below the JIT core: memory buffers and
// their pools, asynchronous streams, compiled kernels and the drivers that
// execute them (CPU in-process, CUDA behind a build tag).
package device

import (
	"github.com/arclight-dev/arclight/internal/vartype"
)

// Buffer is a region of device-visible memory. On the CPU driver the backing
// store is a plain byte slice; the CUDA driver wraps device allocations the
// same way so the JIT core never branches on the backend.
type Buffer struct {
	data []byte
	kind AllocType

	// Retain keeps the backing store alive when the owning variable is
	// destroyed (used for mapped host memory).
	Retain bool
}

// Bytes exposes the backing store.
func (b *Buffer) Bytes() []byte { return b.data }

// Size returns the byte size of the buffer.
func (b *Buffer) Size() int { return len(b.data) }

// Kind returns the allocation class of the buffer.
func (b *Buffer) Kind() AllocType { return b.kind }

// Kernel is a compiled, launchable unit produced by a Driver. The IR text is
// retained for diagnostics and as the cache identity.
type Kernel struct {
	IR      string
	Hash    uint64
	Backend vartype.Backend

	// Program is the executable form on the CPU driver; nil on CUDA,
	// where Module holds the driver handle instead.
	Program *Program
	Module  uintptr
}

// Driver compiles kernels and launches them on streams.
type Driver interface {
	Name() string

	// Compile turns assembled IR (plus, for the CPU driver, the executable
	// program built alongside it) into a launchable kernel.
	Compile(ir string, prog *Program) (*Kernel, error)

	// Launch schedules one kernel execution over [0, size) on the stream.
	Launch(k *Kernel, params []*Buffer, size uint32, s *Stream)

	// Streams reports how many sibling streams a launch may fan out to.
	Streams() int
}

var drivers [3]Driver

// Register installs the driver for a backend. Called from driver init code.
func Register(b vartype.Backend, d Driver) { drivers[b] = d }

// Get returns the driver for a backend, or nil when none is registered.
func Get(b vartype.Backend) Driver { return drivers[b] }

// Reduce performs a host-side reduction over an evaluated buffer, the
// out-of-codegen path of the backend contract.
func Reduce(t vartype.Type, op vartype.ReduceOp, buf *Buffer, count int) uint64 {
	return reduceHost(t, op, buf, count)
}
