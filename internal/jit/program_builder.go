package jit

import (
	"github.com/arclight-dev/arclight/internal/device"
	"github.com/arclight-dev/arclight/internal/vartype"
)

// buildProgram lowers a scheduled group into the CPU driver's executable
// form. The instruction stream mirrors the emitted IR one to one; register
// and parameter numbering is shared with the emitter.
func buildProgram(g *scheduledGroup, numRegs int) *device.Program {
	p := &device.Program{
		NumRegs:   numRegs,
		NumParams: len(g.params),
	}

	for _, id := range g.ids {
		v := lookup(id)
		in := device.Instr{
			Type:    v.Type,
			Src:     v.Type,
			Dst:     int(v.RegIndex),
			Args:    [4]int{-1, -1, -1, -1},
			Literal: v.Literal,
			Param:   -1,
		}

		switch {
		case v.ParamType == ParamInput:
			in.Class = device.ParamInput
			in.Param = int(v.ParamOffset)
			in.Scalar = v.Size == 1

		case v.IsLiteral():
			in.Kind = vartype.KindLiteral

		default:
			if v.Stmt != "" {
				// Legacy statement nodes carry raw IR; only the LLVM JIT
				// driver can execute them.
				fail(ErrInternal,
					"buildProgram(%d): legacy statement nodes are not executable in-process", id)
			}
			in.Kind = v.Kind
			for i, dep := range v.Dep {
				if dep == 0 {
					break
				}
				in.Args[i] = int(lookup(dep).RegIndex)
			}
			switch v.Kind {
			case vartype.KindCast, vartype.KindBitcast,
				vartype.KindEq, vartype.KindNeq, vartype.KindLt,
				vartype.KindLe, vartype.KindGt, vartype.KindGe:
				in.Src = lookup(v.Dep[0]).Type
			case vartype.KindScatter:
				in.Src = lookup(v.Dep[1]).Type
				in.RedOp = vartype.ReduceOp(v.Literal)
			case vartype.KindScatterKahan:
				in.Src = lookup(v.Dep[3]).Type
			}
			if v.ParamType == ParamOutput {
				in.Class = device.ParamOutput
				in.Param = int(v.ParamOffset)
			}
			if v.Kind.IsSideEffect() {
				p.SideEffect = true
			}
		}

		p.Instrs = append(p.Instrs, in)
	}
	return p
}
