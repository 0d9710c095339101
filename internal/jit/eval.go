package jit

import (
	"github.com/rs/zerolog/log"

	"github.com/arclight-dev/arclight/internal/cache"
	"github.com/arclight-dev/arclight/internal/device"
	"github.com/arclight-dev/arclight/internal/vartype"
)

// Schedule queues a variable for materialization at the next flush. Returns
// false when the variable is already evaluated and clean.
func Schedule(id uint32) bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	return scheduleLocked(id)
}

func scheduleLocked(id uint32) bool {
	v := lookup(id)
	if !v.IsEvaluated() {
		ts := threadState(v.Backend)
		ts.Todo = append(ts.Todo, id)
		incRefSE(id) // the todo list pins its entries
		return true
	}
	return v.Dirty
}

// EvalVar forces one variable to its evaluated state.
func EvalVar(id uint32) {
	evalVar(id)
}

func evalVar(id uint32) {
	state.mu.Lock()
	defer state.mu.Unlock()

	v := lookup(id)
	if v.IsEvaluated() && !v.Dirty {
		return
	}
	if v.IsLiteral() {
		// Constant fill: no kernel needed, an async memset materializes
		// the buffer directly. Scatters into all-zero targets ride this
		// path and skip codegen entirely.
		materializeLiteral(id, v)
		return
	}
	if scheduleLocked(id) {
		evalFlushLocked(threadState(v.Backend))
	}
	if v := lookup(id); !v.IsEvaluated() || v.Dirty {
		fail(ErrInternal, "evalVar(%d): element remains dirty after evaluation", id)
	}
}

// Eval flushes everything pending on a backend.
func Eval(backend vartype.Backend) {
	state.mu.Lock()
	defer state.mu.Unlock()
	evalFlushLocked(threadState(backend))
}

// materializeLiteral turns a literal node into an evaluated buffer through
// the allocator's async fill.
func materializeLiteral(id uint32, v *Variable) {
	elem := int(v.Type.Size())
	buf := allocBuf(device.HostAsync, int(v.Size)*elem)
	var pattern [8]byte
	for i := 0; i < elem; i++ {
		pattern[i] = byte(v.Literal >> (8 * i))
	}
	ts := threadState(v.Backend)
	device.MemsetAsync(ts.Stream, buf, int(v.Size), elem, pattern[:])
	state.Kernels.Hit()

	lvnDrop(id, v)
	v.Data = buf
	v.Kind = vartype.KindInput
	v.Stmt = ""
}

// evalFlushLocked schedules and launches every pending root of the
// evaluator. Called with the global mutex held; the mutex is released
// around backend compilation.
func evalFlushLocked(ts *ThreadState) {
	if len(ts.Todo) == 0 {
		return
	}
	todo := ts.Todo
	ts.Todo = nil

	// Literal roots skip codegen (constant fill).
	roots := make([]uint32, 0, len(todo))
	for _, id := range todo {
		v := lookup(id)
		if v.IsLiteral() {
			materializeLiteral(id, v)
			continue
		}
		if v.IsEvaluated() {
			continue
		}
		roots = append(roots, id)
	}

	var launched []*scheduledGroup
	if len(roots) > 0 {
		sched := buildSchedule(roots)
		launched = launchGroups(ts, sched)
	}

	// Launches are queued; rewrite the graph now. Every output node trades
	// its symbolic body for the buffer pointer.
	for _, g := range launched {
		rewriteOutputs(ts, g)
	}

	// Release the todo list's pins. Side-effect nodes typically die here,
	// unchaining their targets.
	for _, id := range todo {
		v := lookup(id)
		if t := targetOf(v); t != 0 {
			lookup(t).Dirty = false
		}
		decRefSE(id)
	}
	ts.SideEffects = 0
}

// targetOf resolves the scatter target behind a side-effect node's pointer
// dependency.
func targetOf(v *Variable) uint32 {
	if !v.Kind.IsSideEffect() {
		return 0
	}
	if ptr := v.Dep[0]; ptr != 0 {
		return lookup(ptr).Dep[0]
	}
	return 0
}

// launchGroups assembles, compiles and launches one kernel per size group.
// Multiple groups fan out to sibling streams joined by events.
func launchGroups(ts *ThreadState, sched *scheduler) []*scheduledGroup {
	driver := device.Get(ts.Backend)
	if driver == nil {
		fail(ErrInternal, "no driver registered for backend %s", ts.Backend)
	}

	groups := make([]*scheduledGroup, 0, len(sched.sizes))
	for _, size := range sched.sizes {
		groups = append(groups, sched.groups[size])
	}

	fanOut := len(groups) > 1 && driver.Streams() > 1
	var fork *device.Event
	if fanOut {
		fork = ts.Stream.Record()
	}
	var joins []*device.Event

	for gi, g := range groups {
		sched.assignParams(g)
		numRegs := sched.assignRegisters(g)

		var ir string
		var prog *device.Program
		switch ts.Backend {
		case vartype.BackendCUDA:
			ir = assemblePTX(g)
		default:
			ir = assembleLLVM(g)
			prog = buildProgram(g, numRegs)
		}

		hash := cache.Hash(ir)
		kernel, found := state.Kernels.Get(hash)
		if !found {
			// Compilation can take a while; drop the lock around it.
			state.mu.Unlock()
			k, err := driver.Compile(ir, prog)
			state.mu.Lock()
			if err != nil {
				fail(ErrCompileFailed, "kernel compilation failed: %v\n--- IR ---\n%s",
					err, ir)
			}
			k.Hash = hash
			state.Kernels.Put(hash, k)
			kernel = k
		}

		params := marshalParams(g)

		stream := ts.Stream
		if fanOut {
			stream = siblingStream(ts, gi)
			stream.Wait(fork)
		}
		driver.Launch(kernel, params, g.size, stream)
		state.Kernels.Launched()
		if fanOut {
			joins = append(joins, stream.Record())
		}

		log.Debug().Uint32("size", g.size).Int("nodes", len(g.ids)).
			Uint64("hash", hash).Bool("cached", found).Msg("kernel launched")
	}

	for _, e := range joins {
		ts.Stream.Wait(e)
	}
	return groups
}

// siblingPool holds the sibling streams shared by all evaluators, created
// on first fan-out.
var siblingPool []*device.Stream

func siblingStream(ts *ThreadState, i int) *device.Stream {
	n := device.Get(ts.Backend).Streams()
	for len(siblingPool) < n {
		siblingPool = append(siblingPool, device.NewStream())
	}
	return siblingPool[i%n]
}

// marshalParams allocates output buffers and assembles the parameter-buffer
// array in emitter order.
func marshalParams(g *scheduledGroup) []*device.Buffer {
	params := make([]*device.Buffer, len(g.params))
	for i, slot := range g.params {
		v := lookup(slot.id)
		if slot.out {
			n := int(v.Size) * int(v.Type.Size())
			params[i] = allocBuf(device.HostAsync, n)
		} else {
			params[i] = v.Data
		}
	}
	g.buffers = params
	return params
}

// rewriteOutputs strips the symbolic body of every materialized node: the
// LVN entry drops, dependencies unchain, the node becomes input-like.
func rewriteOutputs(ts *ThreadState, g *scheduledGroup) {
	for i, slot := range g.params {
		if !slot.out {
			continue
		}
		v := lookup(slot.id)
		buf := g.buffers[i]
		if v.IsEvaluated() {
			// Already materialized by an earlier group this flush. The
			// duplicate buffer holds identical values; release it once
			// the queued kernel is done writing.
			ts.Stream.Enqueue(func() { state.Pool.Free(buf) })
			continue
		}
		lvnDrop(slot.id, v)
		v.Data = buf
		deps := v.Dep
		v.Dep = [4]uint32{}
		v.Kind = vartype.KindInput
		v.Stmt = ""
		for _, dep := range deps {
			if dep == 0 {
				break
			}
			decRefInt(dep)
		}
	}
}

// ReadBytes synchronously evaluates a variable and copies out its contents.
func ReadBytes(id uint32) []byte {
	evalVar(id)

	state.mu.Lock()
	v := lookup(id)
	ts := threadState(v.Backend)
	n := int(v.Size) * int(v.Type.Size())
	buf := v.Data
	state.mu.Unlock()

	ts.Stream.Sync()
	out := make([]byte, n)
	copy(out, buf.Bytes())
	return out
}

// Migrate moves an evaluated variable's storage to another allocation
// class, returning a handle to the migrated variable.
func Migrate(id uint32, kind device.AllocType) uint32 {
	evalVar(id)

	state.mu.Lock()
	defer state.mu.Unlock()

	v := lookup(id)
	ts := threadState(v.Backend)
	moved, err := state.Pool.Migrate(v.Data, kind, ts.Stream)
	if err != nil {
		fail(ErrAllocatorExhausted, "%v", err)
	}
	if moved == v.Data {
		incRefExt(id)
		return id
	}
	return memMapLocked(v.Backend, v.Type, moved, v.Size, true)
}
