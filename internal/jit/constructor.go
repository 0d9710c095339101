package jit

import (
	"math"

	"github.com/x448/float16"

	"github.com/arclight-dev/arclight/internal/device"
	"github.com/arclight-dev/arclight/internal/vartype"
)

// resolveDeps looks up all operands, flushing the pending todo list first
// when any of them is dirty (the flush may rewrite the store, so pointers
// are re-resolved afterwards).
func resolveDeps(ts *ThreadState, ids []uint32) []*Variable {
	dirty := false
	for _, id := range ids {
		if lookup(id).Dirty {
			dirty = true
			break
		}
	}
	if dirty {
		evalFlushLocked(ts)
		for _, id := range ids {
			if lookup(id).Dirty {
				fail(ErrInternal, "variable %d remains dirty after flush", id)
			}
		}
	}
	vars := make([]*Variable, len(ids))
	for i, id := range ids {
		vars[i] = lookup(id)
	}
	return vars
}

// broadcastSize computes the result size of an operation, enforcing the
// broadcast rule: size-1 operands stretch, two distinct non-scalar sizes
// are a fatal mismatch.
func broadcastSize(vars []*Variable, ids []uint32) uint32 {
	size := uint32(1)
	for i, v := range vars {
		if v.Size == 1 || v.Size == size {
			continue
		}
		if size != 1 {
			fail(ErrSizeMismatch,
				"operation mixes non-scalar operands of size %d and %d (ids %v)",
				size, v.Size, ids[:i+1])
		}
		size = v.Size
	}
	return size
}

// commonBackend infers the backend of a result from its operands.
func commonBackend(vars []*Variable, ids []uint32) vartype.Backend {
	b := vartype.BackendInvalid
	for i, v := range vars {
		if b == vartype.BackendInvalid {
			b = v.Backend
		} else if v.Backend != b {
			fail(ErrInternal, "operands %v mix backends %s and %s",
				ids[:i+1], b, v.Backend)
		}
	}
	return b
}

// NewOp creates an operation node over up to four operands. The shared
// contract of all arities:
//
//  1. All-zero operand ids collapse to a zero result; a mix of zero and
//     non-zero ids is arithmetic on an uninitialized variable and fatal.
//  2. Operands are resolved, sizes broadcast-checked, dirty operands force
//     a flush of the pending todo list.
//  3. Internal references on the operands are taken eagerly, then the
//     store decides between a fresh id and an LVN hit (which rolls the
//     references back).
//  4. The returned id carries one external reference for the caller.
func NewOp(kind vartype.Kind, t vartype.Type, ids ...uint32) uint32 {
	state.mu.Lock()
	defer state.mu.Unlock()
	return newOpLocked(kind, t, 0, ids...)
}

// NewOpPayload is NewOp with a literal payload (extract index, reduce op).
func NewOpPayload(kind vartype.Kind, t vartype.Type, payload uint64, ids ...uint32) uint32 {
	state.mu.Lock()
	defer state.mu.Unlock()
	return newOpLocked(kind, t, payload, ids...)
}

func newOpLocked(kind vartype.Kind, t vartype.Type, payload uint64, ids ...uint32) uint32 {
	if len(ids) > 4 {
		fail(ErrInternal, "%s: nodes take at most four operands, got %d", kind, len(ids))
	}
	zeroes := 0
	for _, id := range ids {
		if id == 0 {
			zeroes++
		}
	}
	if zeroes == len(ids) && len(ids) > 0 {
		return 0
	}
	if zeroes != 0 {
		fail(ErrUninitializedOperand,
			"%s: arithmetic involving an uninitialized variable (ids %v)",
			kind, ids)
	}

	ts := currentThreadState(ids)
	vars := resolveDeps(ts, ids)
	size := broadcastSize(vars, ids)
	backend := commonBackend(vars, ids)

	if id := simplify(kind, t, ids, vars); id != 0 {
		incRefExt(id)
		return id
	}

	desc := Variable{
		Kind:    kind,
		Type:    t,
		Backend: backend,
		Size:    size,
		Literal: payload,
		TSize:   1,
	}
	symbolic := false
	for i, id := range ids {
		desc.Dep[i] = id
		desc.TSize += vars[i].TSize
		symbolic = symbolic || vars[i].Symbolic
		incRefInt(id)
	}
	desc.Symbolic = symbolic || ts.CallDepth > 0

	id, _ := createVar(desc, false)
	incRefExt(id)
	return id
}

// simplify applies the scalar-identity fast paths (x+0, x-0, x*1, x/1)
// driven by the literal flags. Returns the surviving operand id, or 0 when
// no rewrite applies.
func simplify(kind vartype.Kind, t vartype.Type, ids []uint32, vars []*Variable) uint32 {
	if len(ids) != 2 || vars[0].Type != t || vars[1].Type != t {
		return 0
	}
	a, b := vars[0], vars[1]
	switch kind {
	case vartype.KindAdd:
		if a.LiteralZero && a.Size == 1 {
			return ids[1]
		}
		if b.LiteralZero && b.Size == 1 {
			return ids[0]
		}
	case vartype.KindSub:
		if b.LiteralZero && b.Size == 1 {
			return ids[0]
		}
	case vartype.KindMul:
		if a.LiteralOne && a.Size == 1 {
			return ids[1]
		}
		if b.LiteralOne && b.Size == 1 {
			return ids[0]
		}
	case vartype.KindDiv:
		if b.LiteralOne && b.Size == 1 {
			return ids[0]
		}
	}
	return 0
}

// currentThreadState picks the evaluator owning the operands' backend, or
// the LLVM one for leaf constructions.
func currentThreadState(ids []uint32) *ThreadState {
	for _, id := range ids {
		if id != 0 {
			return threadState(lookup(id).Backend)
		}
	}
	return threadState(vartype.BackendLLVM)
}

// Literal creates a constant variable. A scalar stays symbolic (and LVN
// deduplicates equal constants); a wide literal is either kept symbolic for
// an in-kernel broadcast or materialized through an async memset when eval
// is requested.
func Literal(backend vartype.Backend, t vartype.Type, value uint64, size uint32, eval bool) uint32 {
	if size == 0 {
		return 0
	}

	if eval {
		elem := int(t.Size())
		buf := allocBuf(device.HostAsync, int(size)*elem)
		var pattern [8]byte
		for i := 0; i < elem; i++ {
			pattern[i] = byte(value >> (8 * i))
		}
		ts := threadState(backend)
		device.MemsetAsync(ts.Stream, buf, int(size), elem, pattern[:])
		return MemMap(backend, t, buf, size, true)
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	desc := Variable{
		Kind:    vartype.KindLiteral,
		Type:    t,
		Backend: backend,
		Size:    size,
		Literal: value,
		TSize:   1,
	}
	desc.LiteralZero = value == 0
	desc.LiteralOne = value == oneBits(t)
	id, _ := createVar(desc, false)
	incRefExt(id)
	return id
}

// oneBits returns the bit pattern of the value one in the given type.
func oneBits(t vartype.Type) uint64 {
	switch t {
	case vartype.Float16:
		return uint64(float16.Fromfloat32(1).Bits())
	case vartype.Float32:
		return uint64(math.Float32bits(1))
	case vartype.Float64:
		return math.Float64bits(1)
	default:
		return 1
	}
}

// Counter creates a variable counting 0..size-1. A size-1 counter
// simplifies to the zero literal.
func Counter(backend vartype.Backend, size uint32) uint32 {
	if size == 1 {
		return Literal(backend, vartype.UInt32, 0, 1, false)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	desc := Variable{
		Kind:    vartype.KindCounter,
		Type:    vartype.UInt32,
		Backend: backend,
		Size:    size,
		TSize:   1,
	}
	id, _ := createVar(desc, false)
	incRefExt(id)
	return id
}

// Stmt creates a node emitting a caller-provided IR template.
func Stmt(backend vartype.Backend, t vartype.Type, stmt string, deps ...uint32) uint32 {
	if len(deps) > 4 {
		fail(ErrInternal, "stmt nodes take at most four operands, got %d", len(deps))
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	ts := currentThreadState(deps)
	vars := resolveDeps(ts, deps)
	size := broadcastSize(vars, deps)

	desc := Variable{
		Kind:    vartype.KindNop,
		Type:    t,
		Backend: backend,
		Size:    size,
		Stmt:    stmt,
		TSize:   1,
	}
	for i, dep := range deps {
		desc.Dep[i] = dep
		desc.TSize += vars[i].TSize
		incRefInt(dep)
	}
	id, _ := createVar(desc, false)
	incRefExt(id)
	return id
}

// MemMap registers an existing buffer as an evaluated variable. When free is
// true the runtime owns the buffer and releases it on destruction.
func MemMap(backend vartype.Backend, t vartype.Type, buf *device.Buffer, size uint32, free bool) uint32 {
	state.mu.Lock()
	defer state.mu.Unlock()
	return memMapLocked(backend, t, buf, size, free)
}

func memMapLocked(backend vartype.Backend, t vartype.Type, buf *device.Buffer, size uint32, free bool) uint32 {
	desc := Variable{
		Kind:       vartype.KindInput,
		Type:       t,
		Backend:    backend,
		Size:       size,
		Data:       buf,
		RetainData: !free,
		NoLVN:      true,
		TSize:      1,
	}
	id, _ := createVar(desc, true)
	incRefExt(id)
	state.fromPtr[buf] = id
	return id
}

// MemCopy copies host bytes into a fresh allocation and wraps it.
func MemCopy(backend vartype.Backend, kind device.AllocType, t vartype.Type, src []byte, size uint32) uint32 {
	buf := allocBuf(kind, len(src))
	copy(buf.Bytes(), src)
	return MemMap(backend, t, buf, size, true)
}

// FromData finds the variable id registered for a mapped buffer.
func FromData(buf *device.Buffer) uint32 {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.fromPtr[buf]
}

// Copy duplicates a variable. Evaluated contents are copied buffer-to-
// buffer; symbolic bodies are re-created with LVN disabled so the clone
// keeps its own identity.
func Copy(id uint32) uint32 {
	state.mu.Lock()
	defer state.mu.Unlock()
	return copyLocked(id)
}

func copyLocked(id uint32) uint32 {
	v := lookup(id)
	if v.Dirty {
		evalFlushLocked(threadState(v.Backend))
		v = lookup(id)
	}

	if v.IsEvaluated() {
		n := int(v.Size) * int(v.Type.Size())
		buf := allocBuf(v.Data.Kind(), n)
		ts := threadState(v.Backend)
		device.MemcpyAsync(ts.Stream, buf, v.Data, n)

		desc := Variable{
			Kind:    vartype.KindInput,
			Type:    v.Type,
			Backend: v.Backend,
			Size:    v.Size,
			Data:    buf,
			NoLVN:   true,
			TSize:   1,
		}
		nid, _ := createVar(desc, true)
		incRefExt(nid)
		return nid
	}

	desc := *v
	desc.RefExt, desc.RefInt, desc.RefSE = 0, 0, 0
	desc.HasExtra = false
	for _, dep := range v.Dep {
		if dep != 0 {
			incRefInt(dep)
		}
	}
	nid, _ := createVar(desc, true)
	incRefExt(nid)
	return nid
}

// SetSize resizes a variable to a new element count. Scalars grow in place
// when uniquely referenced, zero literals re-create, anything else goes
// through a broadcast copy node.
func SetSize(id uint32, size uint32) uint32 {
	state.mu.Lock()
	v := lookup(id)
	if v.Size == size {
		incRefExt(id)
		state.mu.Unlock()
		return id
	}
	if v.Size != 1 {
		state.mu.Unlock()
		fail(ErrSizeMismatch, "SetSize(%d): variable of size %d is not scalar",
			id, v.Size)
	}

	if !v.IsEvaluated() && v.RefInt == 0 && v.RefExt == 1 && !v.IsLiteral() {
		lvnDrop(id, v)
		v.Size = size
		incRefExt(id)
		state.mu.Unlock()
		return id
	}
	if v.LiteralZero {
		backend, t := v.Backend, v.Type
		state.mu.Unlock()
		return Literal(backend, t, 0, size, false)
	}

	// Broadcast through a copying node, created outside the LVN table so
	// the size rewrite below cannot leak into a shared body.
	desc := Variable{
		Kind:    vartype.KindMax,
		Type:    v.Type,
		Backend: v.Backend,
		Size:    size,
		NoLVN:   true,
		TSize:   1 + 2*v.TSize,
	}
	desc.Dep[0] = id
	desc.Dep[1] = id
	incRefInt(id)
	incRefInt(id)
	nid, _ := createVar(desc, true)
	incRefExt(nid)
	state.mu.Unlock()
	return nid
}

// pointerTo wraps the evaluated buffer of target into a size-1 Pointer
// variable carrying an internal edge to the target.
func pointerTo(target uint32, write bool) uint32 {
	v := lookup(target)
	if !v.IsEvaluated() {
		fail(ErrInternal, "pointerTo(%d): target is not evaluated", target)
	}
	desc := Variable{
		Kind:       vartype.KindInput,
		Type:       vartype.Pointer,
		Backend:    v.Backend,
		Size:       1,
		Data:       v.Data,
		RetainData: true,
		NoLVN:      true,
		TSize:      1,
	}
	desc.Dep[0] = target
	incRefInt(target)
	id, _ := createVar(desc, true)
	if write {
		v.Dirty = true
	}
	return id
}

// Gather reads source[index] under a mask. The source is evaluated first;
// gathering is a read of materialized memory, never a symbolic rewrite.
func Gather(src, index, mask uint32) uint32 {
	if src == 0 || index == 0 || mask == 0 {
		if src == 0 && index == 0 && mask == 0 {
			return 0
		}
		fail(ErrUninitializedOperand, "gather: uninitialized operand (ids %d %d %d)",
			src, index, mask)
	}
	evalVar(src)

	state.mu.Lock()
	defer state.mu.Unlock()

	sv := lookup(src)
	iv := lookup(index)
	mv := lookup(mask)
	if mv.Size != 1 && iv.Size != 1 && mv.Size != iv.Size {
		fail(ErrSizeMismatch, "gather: index size %d and mask size %d differ",
			iv.Size, mv.Size)
	}
	size := iv.Size
	if mv.Size > size {
		size = mv.Size
	}
	ptr := pointerTo(src, false)

	desc := Variable{
		Kind:    vartype.KindGather,
		Type:    sv.Type,
		Backend: sv.Backend,
		Size:    size,
		TSize:   1 + iv.TSize + mv.TSize,
	}
	desc.Dep[0] = ptr
	desc.Dep[1] = index
	desc.Dep[2] = mask
	incRefInt(ptr)
	incRefInt(index)
	incRefInt(mask)

	id, _ := createVar(desc, false)
	incRefExt(id)
	return id
}

// Scatter writes (or reduces) value into target at index under mask and
// returns the post-scatter target handle. When other references to the
// target exist, the write goes to a private copy first (copy-on-write) so
// older handles keep their values.
func Scatter(target, value, index, mask uint32, op vartype.ReduceOp) uint32 {
	if target == 0 || value == 0 || index == 0 {
		fail(ErrUninitializedOperand,
			"scatter: uninitialized operand (ids %d %d %d)", target, value, index)
	}

	state.mu.Lock()
	tv := lookup(target)
	needCopy := tv.RefExt+tv.RefInt > 1
	state.mu.Unlock()

	result := target
	if needCopy {
		result = Copy(target)
	} else {
		IncRef(target)
	}
	evalVar(result)

	state.mu.Lock()
	defer state.mu.Unlock()

	ptr := pointerTo(result, true)
	vv, iv, mv := lookup(value), lookup(index), lookup(mask)

	desc := Variable{
		Kind:    vartype.KindScatter,
		Type:    vartype.Void,
		Backend: vv.Backend,
		Size:    iv.Size,
		Literal: uint64(op),
		NoLVN:   true,
		TSize:   1 + vv.TSize + iv.TSize + mv.TSize,
	}
	desc.Dep[0] = ptr
	desc.Dep[1] = value
	desc.Dep[2] = index
	desc.Dep[3] = mask
	incRefInt(ptr)
	incRefInt(value)
	incRefInt(index)
	incRefInt(mask)

	id, _ := createVar(desc, true)
	markSideEffect(id)
	return result
}

// ScatterInc atomically increments target[index] under mask and returns the
// pre-increment values.
func ScatterInc(target, index, mask uint32) uint32 {
	evalVar(target)

	state.mu.Lock()
	defer state.mu.Unlock()

	ptr := pointerTo(target, true)
	iv, mv := lookup(index), lookup(mask)

	desc := Variable{
		Kind:    vartype.KindScatterInc,
		Type:    vartype.UInt32,
		Backend: iv.Backend,
		Size:    iv.Size,
		NoLVN:   true,
		TSize:   1 + iv.TSize + mv.TSize,
	}
	desc.Dep[0] = ptr
	desc.Dep[1] = index
	desc.Dep[2] = mask
	incRefInt(ptr)
	incRefInt(index)
	incRefInt(mask)

	id, _ := createVar(desc, true)
	incRefExt(id)
	markSideEffect(id)
	return id
}

// ScatterKahan performs an error-compensated scatter-add into target with a
// sibling compensation buffer. Tentative: the lowering is structured but
// not binary-stable, see DESIGN.md.
func ScatterKahan(target, comp, index, value uint32) {
	evalVar(target)
	evalVar(comp)

	state.mu.Lock()
	defer state.mu.Unlock()

	ptr1 := pointerTo(target, true)
	ptr2 := pointerTo(comp, true)
	iv, vv := lookup(index), lookup(value)

	desc := Variable{
		Kind:    vartype.KindScatterKahan,
		Type:    vartype.Void,
		Backend: vv.Backend,
		Size:    iv.Size,
		NoLVN:   true,
		TSize:   1 + iv.TSize + vv.TSize,
	}
	desc.Dep[0] = ptr1
	desc.Dep[1] = ptr2
	desc.Dep[2] = index
	desc.Dep[3] = value
	incRefInt(ptr1)
	incRefInt(ptr2)
	incRefInt(index)
	incRefInt(value)

	id, _ := createVar(desc, true)
	markSideEffect(id)
}

// markSideEffect pins a side-effect node on the todo list until the next
// evaluation consumes it.
func markSideEffect(id uint32) {
	v := lookup(id)
	v.RefSE++
	ts := threadState(v.Backend)
	ts.Todo = append(ts.Todo, id)
	ts.SideEffects++
}

// Cast converts a variable to another element type.
func Cast(id uint32, t vartype.Type, reinterpret bool) uint32 {
	state.mu.Lock()
	v := lookup(id)
	src := v.Type
	state.mu.Unlock()

	if t == vartype.Void || src == vartype.Void ||
		t == vartype.Pointer || src == vartype.Pointer {
		fail(ErrInvalidConversion, "cast(%d): cannot convert %s to %s", id, src, t)
	}
	if reinterpret {
		if src.Size() != t.Size() {
			fail(ErrInvalidConversion,
				"bitcast(%d): width mismatch (%s is %d bytes, %s is %d bytes)",
				id, src, src.Size(), t, t.Size())
		}
		if src == t {
			IncRef(id)
			return id
		}
		return NewOp(vartype.KindBitcast, t, id)
	}
	if src == t {
		IncRef(id)
		return id
	}
	return NewOp(vartype.KindCast, t, id)
}
