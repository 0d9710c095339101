package jit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/arclight-dev/arclight/internal/vartype"
)

// lookup resolves an id to its variable. An unknown id is always a
// reference-counting bug, never a recoverable condition.
func lookup(id uint32) *Variable {
	v, ok := state.vars[id]
	if !ok {
		fail(ErrUnknownID, "lookup(%d): unknown variable", id)
	}
	return v
}

func lvnKeyOf(v *Variable) lvnKey {
	k := lvnKey{
		Kind:    v.Kind,
		Type:    v.Type,
		Backend: v.Backend,
		Size:    v.Size,
		Dep:     v.Dep,
		Literal: v.Literal,
	}
	if v.Stmt != "" {
		k.StmtHash = xxhash.Sum64String(v.Stmt)
	}
	return k
}

// lvnDrop removes the LVN entry of a variable if it still points at it.
func lvnDrop(id uint32, v *Variable) {
	if len(state.lvn) == 0 {
		return
	}
	key := lvnKeyOf(v)
	if cur, ok := state.lvn[key]; ok && cur == id {
		delete(state.lvn, key)
	}
}

// createVar inserts a variable description and returns its id. When LVN is
// enabled and an equivalent body exists, the description is discarded: its
// eagerly-incremented dependency references are rolled back and the existing
// id is returned instead.
func createVar(desc Variable, disableLVN bool) (uint32, *Variable) {
	ts := threadState(desc.Backend)
	useLVN := !disableLVN && !desc.NoLVN && ts.EnableLVN &&
		desc.Type != vartype.Void && !desc.IsEvaluated()

	var key lvnKey
	if useLVN {
		key = lvnKeyOf(&desc)
		if id, ok := state.lvn[key]; ok {
			// LVN hit: undo the dependency references the caller took.
			for _, dep := range desc.Dep {
				if dep != 0 {
					decRefInt(dep)
				}
			}
			v := lookup(id)
			log.Trace().Uint32("id", id).Str("kind", desc.Kind.String()).
				Msg("lvn hit")
			return id, v
		}
	}

	var id uint32
	for {
		state.counter++
		if state.counter == 0 { // wraparound; 0 stays reserved
			state.counter++
		}
		id = state.counter
		if _, exists := state.vars[id]; !exists {
			break
		}
	}

	v := new(Variable)
	*v = desc
	state.vars[id] = v
	if useLVN {
		state.lvn[key] = id
	}
	log.Trace().Uint32("id", id).Str("kind", v.Kind.String()).
		Uint32("size", v.Size).Msg("variable created")
	return id, v
}

// incRefExt bumps the external (client handle) count.
func incRefExt(id uint32) {
	if id == 0 {
		return
	}
	v := lookup(id)
	v.RefExt++
	log.Trace().Uint32("id", id).Uint32("ref_ext", v.RefExt).Msg("inc_ref_ext")
}

// incRefInt bumps the graph-internal count.
func incRefInt(id uint32) {
	if id == 0 {
		return
	}
	v := lookup(id)
	v.RefInt++
}

// incRefSE bumps the side-effect count pinning a todo-list entry until the
// next evaluation.
func incRefSE(id uint32) {
	if id == 0 {
		return
	}
	v := lookup(id)
	v.RefSE++
}

func decRefExt(id uint32) {
	if id == 0 {
		return
	}
	v := lookup(id)
	if v.RefExt == 0 {
		fail(ErrRefcountUnderflow, "dec_ref_ext(%d): external count is zero", id)
	}
	v.RefExt--
	log.Trace().Uint32("id", id).Uint32("ref_ext", v.RefExt).Msg("dec_ref_ext")
	if v.refTotal() == 0 {
		freeVar(id, v)
	}
}

func decRefInt(id uint32) {
	if id == 0 {
		return
	}
	v := lookup(id)
	if v.RefInt == 0 {
		fail(ErrRefcountUnderflow, "dec_ref_int(%d): internal count is zero", id)
	}
	v.RefInt--
	if v.refTotal() == 0 {
		freeVar(id, v)
	}
}

func decRefSE(id uint32) {
	if id == 0 {
		return
	}
	v := lookup(id)
	if v.RefSE == 0 {
		fail(ErrRefcountUnderflow, "dec_ref_se(%d): side-effect count is zero", id)
	}
	v.RefSE--
	if v.refTotal() == 0 {
		freeVar(id, v)
	}
}

// freeVar runs the destruction protocol: LVN drop, data release, dependency
// decrements, reverse-pointer cleanup, then the free callback outside the
// lock.
func freeVar(id uint32, v *Variable) {
	log.Trace().Uint32("id", id).Msg("variable destroyed")

	if !v.IsEvaluated() {
		lvnDrop(id, v)
	}

	deps := v.Dep
	data := v.Data
	retain := v.RetainData
	hasExtra := v.HasExtra

	delete(state.vars, id)

	if data != nil {
		if !retain {
			state.Pool.Free(data)
		}
		if owner, ok := state.fromPtr[data]; ok && owner == id {
			delete(state.fromPtr, data)
		}
	}

	for _, dep := range deps {
		if dep == 0 {
			break
		}
		decRefInt(dep)
	}

	if hasExtra {
		extra, ok := state.extra[id]
		if !ok {
			fail(ErrInternal, "freeVar(%d): missing extra record", id)
		}
		delete(state.extra, id)
		for _, bucket := range extra.VCallBuckets {
			decRefExt(bucket)
		}
		if cb := extra.FreeCallback; cb != nil {
			// Callbacks run outside the lock to avoid reentrancy.
			state.mu.Unlock()
			cb()
			state.mu.Lock()
		}
	}
}

// extraOf returns (creating on demand) the extra record of a variable.
func extraOf(id uint32) *Extra {
	v := lookup(id)
	v.HasExtra = true
	e, ok := state.extra[id]
	if !ok {
		e = new(Extra)
		state.extra[id] = e
	}
	return e
}

// SetLabel attaches a descriptive label to a variable.
func SetLabel(id uint32, label string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	extraOf(id).Label = label
}

// Label returns the label of a variable, or "".
func Label(id uint32) string {
	state.mu.Lock()
	defer state.mu.Unlock()
	if e, ok := state.extra[id]; ok {
		return e.Label
	}
	return ""
}

// SetFreeCallback registers a callback invoked when the variable dies.
func SetFreeCallback(id uint32, cb func()) {
	state.mu.Lock()
	defer state.mu.Unlock()
	e := extraOf(id)
	if e.FreeCallback != nil {
		fail(ErrInternal, "SetFreeCallback(%d): a callback was already set", id)
	}
	e.FreeCallback = cb
}

// IncRef / DecRef are the public external-handle operations.
func IncRef(id uint32) {
	state.mu.Lock()
	defer state.mu.Unlock()
	incRefExt(id)
}

func DecRef(id uint32) {
	state.mu.Lock()
	defer state.mu.Unlock()
	decRefExt(id)
}

// LiveCount returns the number of variables in the store.
func LiveCount() int {
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.vars)
}

// VarSize returns the element count of a variable.
func VarSize(id uint32) uint32 {
	state.mu.Lock()
	defer state.mu.Unlock()
	return lookup(id).Size
}

// VarType returns the element type of a variable.
func VarType(id uint32) vartype.Type {
	state.mu.Lock()
	defer state.mu.Unlock()
	return lookup(id).Type
}

// WhosAlive renders a table of live variables for debugging.
func WhosAlive() string {
	state.mu.Lock()
	defer state.mu.Unlock()

	ids := make([]uint32, 0, len(state.vars))
	for id := range state.vars {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	sb.WriteString("  id        kind     type       size  refs (ext/int/se)\n")
	sb.WriteString("  ------------------------------------------------------\n")
	for _, id := range ids {
		v := state.vars[id]
		status := ""
		if v.IsEvaluated() {
			status = " [evaluated]"
		} else if v.Dirty {
			status = " [dirty]"
		}
		fmt.Fprintf(&sb, "  %-8d  %-10s %-9s %-6d %d/%d/%d%s\n",
			id, v.Kind, v.Type, v.Size, v.RefExt, v.RefInt, v.RefSE, status)
	}
	return sb.String()
}
