package jit

import (
	"sort"

	"github.com/arclight-dev/arclight/internal/device"
	"github.com/arclight-dev/arclight/internal/vartype"
)

// scheduledGroup is the set of nodes emitted into one kernel. All roots of
// the group share one logical size; scalar operands ride along.
type scheduledGroup struct {
	size uint32
	ids  []uint32 // post-order: dependencies precede their consumers

	// params lists the kernel parameter slots in emitter order; filled by
	// assignParams. buffers holds the marshalled buffer of each slot.
	params  []paramSlot
	buffers []*device.Buffer
}

type paramSlot struct {
	id  uint32
	out bool
}

type visitKey struct {
	size uint32
	id   uint32
}

type scheduler struct {
	visited map[visitKey]struct{}
	groups  map[uint32]*scheduledGroup
	sizes   []uint32

	// uses counts the in-group consumers of every scheduled node, per
	// group size; it feeds the output-parameter decision.
	uses map[visitKey]uint32
}

// buildSchedule traverses the todo roots into per-size groups. Traversal
// edges are ordered by transitive size, largest subtree first, which keeps
// long dependency chains contiguous in the emitted kernel.
func buildSchedule(roots []uint32) *scheduler {
	s := &scheduler{
		visited: make(map[visitKey]struct{}),
		groups:  make(map[uint32]*scheduledGroup),
		uses:    make(map[visitKey]uint32),
	}
	for _, r := range roots {
		v := lookup(r)
		s.visit(v.Size, r)
	}
	for size := range s.groups {
		s.sizes = append(s.sizes, size)
	}
	sort.Slice(s.sizes, func(i, j int) bool { return s.sizes[i] > s.sizes[j] })
	return s
}

func (s *scheduler) visit(size, id uint32) {
	key := visitKey{size, id}
	if _, ok := s.visited[key]; ok {
		return
	}
	s.visited[key] = struct{}{}

	v := lookup(id)
	if !v.IsEvaluated() {
		// Recurse largest-subtree-first.
		type edge struct {
			id    uint32
			tsize uint32
		}
		var edges []edge
		for _, dep := range v.Dep {
			if dep == 0 {
				break
			}
			edges = append(edges, edge{dep, lookup(dep).TSize})
			s.uses[visitKey{size, dep}]++
		}
		sort.SliceStable(edges, func(i, j int) bool {
			return edges[i].tsize > edges[j].tsize
		})
		for _, e := range edges {
			s.visit(size, e.id)
		}
	}

	g := s.groups[size]
	if g == nil {
		g = &scheduledGroup{size: size}
		s.groups[size] = g
	}
	g.ids = append(g.ids, id)
}

// assignParams classifies every scheduled node as register, input or output
// parameter and assigns dense parameter offsets in emitter order.
func (s *scheduler) assignParams(g *scheduledGroup) {
	g.params = g.params[:0]
	slot := uint32(0)
	for _, id := range g.ids {
		v := lookup(id)
		switch {
		case v.IsEvaluated():
			v.ParamType = ParamInput
			v.ParamOffset = slot
			g.params = append(g.params, paramSlot{id: id})
			slot++
		case v.IsLiteral(), v.Type == vartype.Void,
			v.Kind == vartype.KindDefaultMask:
			v.ParamType = ParamRegister
		case v.RefExt > 0 || v.RefInt > s.uses[visitKey{g.size, id}]:
			// Referenced beyond this kernel: materialize the result.
			v.ParamType = ParamOutput
			v.ParamOffset = slot
			g.params = append(g.params, paramSlot{id: id, out: true})
			slot++
		default:
			v.ParamType = ParamRegister
		}
	}
}

// assignRegisters numbers the scheduled nodes densely for the emitters.
func (s *scheduler) assignRegisters(g *scheduledGroup) int {
	reg := uint32(1)
	for _, id := range g.ids {
		v := lookup(id)
		v.RegIndex = reg
		v.SSAF32Cast = false
		reg++
	}
	return int(reg)
}
