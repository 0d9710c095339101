package device

import (
	"runtime"
	"sync"

	"github.com/arclight-dev/arclight/internal/vartype"
)

// ensure interface compliance
var _ Driver = (*CPUDriver)(nil)

// numWorkers defines the default parallelism for CPU kernel launches
var numWorkers = runtime.NumCPU()

// CPUDriver executes kernels in-process. The "compiled" form of a kernel is
// the interpreter program built next to the LLVM IR; the IR text remains the
// cache identity and the diagnostic artifact.
type CPUDriver struct {
	workers int
	streams int
}

func NewCPUDriver() *CPUDriver {
	return &CPUDriver{workers: numWorkers, streams: 4}
}

func init() {
	Register(vartype.BackendLLVM, NewCPUDriver())
}

func (d *CPUDriver) Name() string { return "CPU" }

func (d *CPUDriver) Streams() int { return d.streams }

func (d *CPUDriver) Compile(ir string, prog *Program) (*Kernel, error) {
	return &Kernel{
		IR:      ir,
		Backend: vartype.BackendLLVM,
		Program: prog,
	}, nil
}

// Launch enqueues one kernel run on the stream. Side-effect-free programs
// split the lane range across workers; programs containing scatters run as a
// single chunk so overlapping writes stay sequenced.
func (d *CPUDriver) Launch(k *Kernel, params []*Buffer, size uint32, s *Stream) {
	kernelLaunches.Inc()
	prog := k.Program
	workers := d.workers
	if prog.SideEffect || size < 1024 || workers < 2 {
		workers = 1
	}

	s.Enqueue(func() {
		if workers == 1 {
			prog.Run(params, 0, uint64(size))
			return
		}
		var wg sync.WaitGroup
		chunk := (uint64(size) + uint64(workers) - 1) / uint64(workers)
		for w := 0; w < workers; w++ {
			start := uint64(w) * chunk
			end := min(start+chunk, uint64(size))
			if start >= end {
				break
			}
			wg.Add(1)
			go func(start, end uint64) {
				defer wg.Done()
				prog.Run(params, start, end)
			}(start, end)
		}
		wg.Wait()
	})
}
