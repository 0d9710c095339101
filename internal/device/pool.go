package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrExhausted reports that an allocation failed even after trimming the
// pool's cached buffers. Callers translate it into their fatal-error
// taxonomy.
var ErrExhausted = errors.New("allocator exhausted")

// AllocType classifies an allocation by where it lives and how it may be
// touched.
type AllocType int

const (
	Host AllocType = iota
	HostPinned
	HostAsync
	DeviceMem
	allocTypeCount
)

func (a AllocType) String() string {
	switch a {
	case Host:
		return "host"
	case HostPinned:
		return "host-pinned"
	case HostAsync:
		return "host-async"
	case DeviceMem:
		return "device"
	default:
		return "invalid"
	}
}

// Pool recycles buffers by allocation class and size bucket. Buckets are
// power-of-two sized; a released buffer parks in its bucket until Trim.
type Pool struct {
	mu       sync.Mutex
	free     [allocTypeCount]map[int][]*Buffer
	used     int64
	cached   int64
	capacity int64 // 0 = unlimited; exceeded allocations trigger trim+retry
}

// NewPool creates an empty pool. capacity bounds used+cached bytes; zero
// means unbounded.
func NewPool(capacity int64) *Pool {
	p := &Pool{capacity: capacity}
	for i := range p.free {
		p.free[i] = make(map[int][]*Buffer)
	}
	return p
}

// DefaultPool backs all allocations of the runtime.
var DefaultPool = NewPool(0)

func bucketSize(n int) int {
	b := 64
	for b < n {
		b <<= 1
	}
	return b
}

// Alloc returns a zeroed buffer of at least size bytes. When the pool is
// capacity-bound and exhausted, it trims cached buffers and retries once;
// a second failure surfaces ErrExhausted.
func (p *Pool) Alloc(kind AllocType, size int) (*Buffer, error) {
	b, ok := p.tryAlloc(kind, size)
	if !ok {
		log.Warn().Int("size", size).Str("kind", kind.String()).
			Msg("allocation failed, trimming buffer pool")
		p.Trim()
		b, ok = p.tryAlloc(kind, size)
		if !ok {
			return nil, fmt.Errorf("%w: %d bytes (%s) after trim",
				ErrExhausted, size, kind)
		}
	}
	return b, nil
}

func (p *Pool) tryAlloc(kind AllocType, size int) (*Buffer, bool) {
	bucket := bucketSize(size)

	p.mu.Lock()
	if list := p.free[kind][bucket]; len(list) > 0 {
		b := list[len(list)-1]
		p.free[kind][bucket] = list[:len(list)-1]
		p.cached -= int64(bucket)
		p.used += int64(bucket)
		p.mu.Unlock()

		poolHits.Inc()
		clear(b.data[:cap(b.data)])
		b.data = b.data[:size]
		b.kind = kind
		b.Retain = false
		return b, true
	}
	if p.capacity > 0 && p.used+p.cached+int64(bucket) > p.capacity {
		p.mu.Unlock()
		return nil, false
	}
	p.used += int64(bucket)
	p.mu.Unlock()

	poolMisses.Inc()
	poolUsedBytes.Add(float64(bucket))
	return &Buffer{data: make([]byte, size, bucket), kind: kind}, true
}

// Free returns a buffer to its bucket.
func (p *Pool) Free(b *Buffer) {
	if b == nil {
		return
	}
	bucket := cap(b.data)

	p.mu.Lock()
	p.free[b.kind][bucket] = append(p.free[b.kind][bucket], b)
	p.used -= int64(bucket)
	p.cached += int64(bucket)
	p.mu.Unlock()

	poolBuffers.Inc()
}

// Trim drops every cached buffer, the malloc_trim of the allocator contract.
func (p *Pool) Trim() {
	p.mu.Lock()
	var released int64
	for i := range p.free {
		for bucket, list := range p.free[i] {
			released += int64(bucket) * int64(len(list))
			delete(p.free[i], bucket)
		}
	}
	p.cached = 0
	p.mu.Unlock()

	poolUsedBytes.Sub(float64(released))
	log.Debug().Int64("released", released).Msg("trimmed buffer pool")
}

// Migrate moves a buffer to another allocation class. The same buffer is
// returned when it already lives in the requested class. The copy is queued
// on the stream when one is given.
func (p *Pool) Migrate(b *Buffer, kind AllocType, s *Stream) (*Buffer, error) {
	if b.kind == kind {
		return b, nil
	}
	dst, err := p.Alloc(kind, len(b.data))
	if err != nil {
		return nil, err
	}
	copyOp := func() { copy(dst.data, b.data) }
	if s != nil {
		s.Enqueue(copyOp)
	} else {
		copyOp()
	}
	return dst, nil
}

// MemsetAsync fills count elements of elemSize bytes with the given pattern,
// queued on the stream.
func MemsetAsync(s *Stream, b *Buffer, count, elemSize int, value []byte) {
	s.Enqueue(func() {
		d := b.data
		for i := 0; i < count; i++ {
			copy(d[i*elemSize:(i+1)*elemSize], value[:elemSize])
		}
	})
}

// MemcpyAsync copies n bytes between buffers, queued on the stream.
func MemcpyAsync(s *Stream, dst, src *Buffer, n int) {
	s.Enqueue(func() { copy(dst.data[:n], src.data[:n]) })
}
