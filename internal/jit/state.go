package jit

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/cpu"

	"github.com/arclight-dev/arclight/internal/cache"
	"github.com/arclight-dev/arclight/internal/device"
	"github.com/arclight-dev/arclight/internal/vartype"
)

// ThreadState is the per-evaluator state: the active backend, its stream,
// the todo list of roots awaiting the next flush, and the mask stack used
// while recording subroutines.
type ThreadState struct {
	Backend     vartype.Backend
	Device      int
	Stream      *device.Stream
	Todo        []uint32
	SideEffects uint32
	MaskStack   []uint32
	EnableLVN   bool
	CallDepth   int
}

// globalState serializes all node creation, reference counting and LVN
// operations under one mutex.
type globalState struct {
	mu sync.Mutex

	vars    map[uint32]*Variable
	lvn     map[lvnKey]uint32
	fromPtr map[*device.Buffer]uint32
	extra   map[uint32]*Extra
	counter uint32

	threads [3]*ThreadState

	Kernels *cache.MapCache
	Pool    *device.Pool

	width int
}

var state globalState

// Option configures Init.
type Option func(*initConfig)

type initConfig struct {
	width     int
	enableLVN bool
	logLevel  zerolog.Level
}

// WithWidth overrides the detected vector width.
func WithWidth(w int) Option { return func(c *initConfig) { c.width = w } }

// WithLVN toggles local value numbering globally.
func WithLVN(on bool) Option { return func(c *initConfig) { c.enableLVN = on } }

// WithLogLevel sets the runtime log level.
func WithLogLevel(l zerolog.Level) Option {
	return func(c *initConfig) { c.logLevel = l }
}

// detectWidth probes the host CPU for its widest usable vector unit.
func detectWidth() int {
	switch {
	case cpu.X86.HasAVX512F:
		return 16
	case cpu.X86.HasAVX2:
		return 8
	default:
		return 4
	}
}

// Init prepares the process-wide runtime state. It must be called before
// any variable is created.
func Init(backend vartype.Backend, opts ...Option) {
	cfg := initConfig{width: 0, enableLVN: true, logLevel: zerolog.WarnLevel}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.width == 0 {
		cfg.width = detectWidth()
	}
	zerolog.SetGlobalLevel(cfg.logLevel)

	state.mu.Lock()
	defer state.mu.Unlock()

	state.vars = make(map[uint32]*Variable)
	state.lvn = make(map[lvnKey]uint32)
	state.fromPtr = make(map[*device.Buffer]uint32)
	state.extra = make(map[uint32]*Extra)
	state.counter = 0
	state.Kernels = cache.NewMapCache()
	state.Pool = device.DefaultPool
	state.width = cfg.width

	for b := vartype.BackendLLVM; b <= vartype.BackendCUDA; b++ {
		state.threads[b] = &ThreadState{
			Backend:   b,
			Stream:    device.NewStream(),
			EnableLVN: cfg.enableLVN,
		}
	}

	log.Info().Str("backend", backend.String()).Int("width", cfg.width).
		Msg("runtime initialized")
}

// Shutdown tears the runtime down. All live variables must have been
// dropped first; leaks are reported and fatal.
func Shutdown() {
	state.mu.Lock()
	leaked := len(state.vars)
	if leaked > 0 {
		for id, v := range state.vars {
			log.Error().Uint32("id", id).Str("kind", v.Kind.String()).
				Uint32("ref_ext", v.RefExt).Uint32("ref_int", v.RefInt).
				Msg("variable leaked across shutdown")
		}
	}
	streams := make([]*device.Stream, 0, 2+len(siblingPool))
	for _, ts := range state.threads {
		if ts != nil {
			streams = append(streams, ts.Stream)
		}
	}
	streams = append(streams, siblingPool...)
	siblingPool = nil
	state.vars = nil
	state.lvn = nil
	state.fromPtr = nil
	state.extra = nil
	state.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	if leaked > 0 {
		fail(ErrInternal, "shutdown with %d live variables", leaked)
	}
}

// allocBuf allocates through the pool, translating exhaustion into the
// allocator_exhausted fatal kind (the pool already trimmed and retried).
func allocBuf(kind device.AllocType, size int) *device.Buffer {
	buf, err := state.Pool.Alloc(kind, size)
	if err != nil {
		fail(ErrAllocatorExhausted, "%v", err)
	}
	return buf
}

// threadState returns the evaluator state of a backend.
func threadState(b vartype.Backend) *ThreadState {
	ts := state.threads[b]
	if ts == nil {
		fail(ErrInternal, "thread state for backend %s missing (Init not called?)", b)
	}
	return ts
}

// Width returns the active vector width.
func Width() int { return state.width }

// KernelCacheStats exposes the cache counters.
func KernelCacheStats() cache.Stats { return state.Kernels.Stats() }

// SaveKernelManifest persists the kernel-cache manifest.
func SaveKernelManifest(path string) error {
	return state.Kernels.SaveManifest(path)
}

// Sync drains the stream of a backend.
func Sync(b vartype.Backend) { threadState(b).Stream.Sync() }
