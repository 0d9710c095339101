package jit

import (
	"github.com/arclight-dev/arclight/internal/device"
	"github.com/arclight-dev/arclight/internal/vartype"
)

// ParamType classifies how a scheduled variable appears in the kernel
// parameter array.
type ParamType uint8

const (
	// ParamRegister: lives entirely in registers, no parameter slot.
	ParamRegister ParamType = iota
	// ParamInput: an evaluated buffer read by the kernel.
	ParamInput
	// ParamOutput: a buffer the kernel fills in.
	ParamOutput
)

// Variable is one node of the computation graph. A variable either carries a
// symbolic body (kind + dependencies) or, once evaluated, a data buffer; the
// two states are mutually exclusive after evaluation completes.
type Variable struct {
	Kind    vartype.Kind
	Type    vartype.Type
	Backend vartype.Backend

	// Logical element count. Size-1 variables broadcast against any size.
	Size uint32

	// Up to four parents; 0 terminates the list.
	Dep [4]uint32

	// Literal payload: bit pattern for literals, reduce op for reductive
	// scatters, output index for extract nodes.
	Literal uint64

	// Legacy IR statement; when set it overrides kind-driven emission.
	Stmt string

	// Evaluated contents; nil while the variable is symbolic.
	Data *device.Buffer

	// Reference counts: external handles, graph-internal edges, pending
	// side effects. The variable dies when all three reach zero.
	RefExt uint32
	RefInt uint32
	RefSE  uint32

	// Transitive node count, used to order traversal edges.
	TSize uint32

	Symbolic    bool // created inside a recorded call or loop body
	Dirty       bool // a pending scatter targets this variable
	LiteralZero bool
	LiteralOne  bool
	RetainData  bool // do not free Data on destruction
	NoLVN       bool // never entered into the LVN table
	HasExtra    bool // an extra record (label, callback) exists

	// Codegen scratch, valid only during one assembly pass.
	RegIndex    uint32
	ParamType   ParamType
	ParamOffset uint32
	SSAF32Cast  bool
}

// IsLiteral reports whether the node is an immediate constant.
func (v *Variable) IsLiteral() bool { return v.Kind == vartype.KindLiteral }

// IsEvaluated reports whether the node's contents are materialized.
func (v *Variable) IsEvaluated() bool { return v.Data != nil }

// refTotal is the combined count deciding destruction.
func (v *Variable) refTotal() uint64 {
	return uint64(v.RefExt) + uint64(v.RefInt) + uint64(v.RefSE)
}

// Extra holds the rarely-used per-variable records kept out of the hot
// Variable struct: descriptive label, destruction callback and the
// virtual-call bucket table.
type Extra struct {
	Label        string
	FreeCallback func()
	VCallBuckets []uint32 // variable ids, one external reference each
}

// lvnKey identifies a variable body for local value numbering. Keys compare
// by field equality; the statement contributes through its content hash.
type lvnKey struct {
	Kind     vartype.Kind
	Type     vartype.Type
	Backend  vartype.Backend
	Size     uint32
	Dep      [4]uint32
	Literal  uint64
	StmtHash uint64
}
