//go:build !cuda

package device

// CUDADriver is a placeholder: NewCUDADriver, Compile and Launch panic,
// while Name and Streams answer normally. This module contains no CUDA
// driver implementation. The PTX emitter itself runs fine without it.
type CUDADriver struct{}

func NewCUDADriver() Driver {
	panic("CUDA driver is not available in this build.")
}

func (d *CUDADriver) Name() string { return "CUDA" }

func (d *CUDADriver) Streams() int { return 0 }

func (d *CUDADriver) Compile(ir string, prog *Program) (*Kernel, error) {
	panic("Not implemented on this platform")
}

func (d *CUDADriver) Launch(k *Kernel, params []*Buffer, size uint32, s *Stream) {
	panic("Not implemented on this platform")
}
