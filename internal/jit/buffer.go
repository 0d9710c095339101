// The code generators of both backends assemble their output through the
// small template engine in this file. The formatter is keyed by the '$'
// escape character since '%' is the LLVM/PTX register prefix and would
// otherwise need constant escaping.
//
//	Escape  Input       Description
//	------------------------------------------------------------------
//	$u/$U   uint32/64   decimal number
//	$x/$X   uint32/64   hexadecimal number
//	$s      string      verbatim string
//	$t/$T   *Variable   scalar / vector type name
//	$h      *Variable   intrinsic type abbreviation (f32, i64, ...)
//	$b/$B   *Variable   scalar / vector integer type of the same width
//	$d/$D   *Variable   scalar / vector double-width integer type
//	$m/$M   *Variable   scalar / vector type, masks promoted to i8
//	$v      *Variable   register name (%f12, %r7, ...)
//	$V      *Variable   type-qualified vector register name
//	$a/$A   *Variable   scalar / vector alignment
//	$o      *Variable   offset in the kernel parameter array
//	$l      *Variable   literal payload, rendered per element type
//	$w      (none)      backend vector width
//	$z      (none)      "zeroinitializer"
//	$e      (none)      ".experimental" on older LLVM versions, else ""
//	${ $}   (none)      literal braces
//
// Pointer types are wrapped in braces (`{i8*}`), which renders them as-is
// under typed-pointer LLVM and as `ptr` under opaque-pointer LLVM. The
// two-branch form `{a|b}` selects `a` / `b` for those two modes. `$<X$>`
// emits X at the top level and `<w x X>` inside a recorded subroutine.
package jit

import (
	"math"
	"strconv"

	"github.com/x448/float16"

	"github.com/arclight-dev/arclight/internal/vartype"
)

// Buffer is a growable byte buffer shared by the backend emitters. It is
// reused across kernels; formatting never allocates beyond the underlying
// slice growth.
type Buffer struct {
	buf []byte

	// Formatting context.
	Width        int  // vector width of the active backend
	Opaque       bool // opaque-pointer LLVM mode
	Experimental bool // older LLVM: reduce intrinsics carry ".experimental"
	CallDepth    int  // >0 while assembling a recorded subroutine
	PTX          bool // render type escapes with PTX names
}

// typeOf renders the scalar type of a variable for the active backend.
func (b *Buffer) typeOf(v *Variable) string {
	if b.PTX {
		return v.Type.PTX()
	}
	return v.Type.LLVM()
}

func (b *Buffer) binTypeOf(v *Variable) string {
	if b.PTX {
		return v.Type.PTXBin()
	}
	return v.Type.LLVMBin()
}

func (b *Buffer) memTypeOf(v *Variable) string {
	if b.PTX {
		return v.Type.PTXBin()
	}
	return maskPromoted(v)
}

// NewBuffer returns a buffer with a starting capacity suited to one kernel.
func NewBuffer(width int) *Buffer {
	return &Buffer{buf: make([]byte, 0, 4096), Width: width}
}

// Reset truncates the buffer without releasing storage.
func (b *Buffer) Reset() { b.buf = b.buf[:0] }

// String returns the formatted contents.
func (b *Buffer) String() string { return string(b.buf) }

// Len returns the current size in bytes.
func (b *Buffer) Len() int { return len(b.buf) }

// RewindTo truncates the buffer back to a previously captured length.
func (b *Buffer) RewindTo(n int) { b.buf = b.buf[:n] }

// Put appends a verbatim string.
func (b *Buffer) Put(s string) { b.buf = append(b.buf, s...) }

// PutByte appends a single byte.
func (b *Buffer) PutByte(c byte) { b.buf = append(b.buf, c) }

// MoveSuffix relocates the bytes written since `from` to position `to`,
// used to patch function prologues after their body size is known.
func (b *Buffer) MoveSuffix(from, to int) {
	suffix := make([]byte, len(b.buf)-from)
	copy(suffix, b.buf[from:])
	b.buf = b.buf[:from]
	b.buf = append(b.buf[:to], append(suffix, b.buf[to:from]...)...)
}

func (b *Buffer) putUint(v uint64) {
	b.buf = strconv.AppendUint(b.buf, v, 10)
}

func (b *Buffer) putHex(v uint64) {
	b.buf = strconv.AppendUint(b.buf, v, 16)
}

// vecType appends "<w x T>" for the given scalar type name.
func (b *Buffer) vecType(scalar string) {
	b.PutByte('<')
	b.putUint(uint64(b.Width))
	b.Put(" x ")
	b.Put(scalar)
	b.PutByte('>')
}

// maskPromoted returns the in-memory scalar type of a variable, widening
// booleans to i8.
func maskPromoted(v *Variable) string {
	if v.Type == vartype.Bool {
		return "i8"
	}
	return v.Type.LLVM()
}

// Fmt appends the template with `$` escapes substituted from args. Args are
// consumed left to right; group constructs consume args on both branches so
// the two modes stay aligned.
func (b *Buffer) Fmt(tmpl string, args ...any) {
	argi := 0
	next := func() any {
		a := args[argi]
		argi++
		return a
	}
	nextVar := func() *Variable { return next().(*Variable) }

	emit := true
	groupDepth := 0
	selectedBranch := 0 // branch currently being selected inside {a|b}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '$':
			i++
			e := tmpl[i]
			switch e {
			case 'u':
				v := next()
				if emit {
					switch n := v.(type) {
					case uint32:
						b.putUint(uint64(n))
					case int:
						b.putUint(uint64(n))
					case uint64:
						b.putUint(n)
					}
				}
			case 'U':
				v := next()
				if emit {
					b.putUint(v.(uint64))
				}
			case 'x':
				v := next()
				if emit {
					switch n := v.(type) {
					case uint32:
						b.putHex(uint64(n))
					case uint64:
						b.putHex(n)
					}
				}
			case 'X':
				v := next()
				if emit {
					b.putHex(v.(uint64))
				}
			case 's':
				v := next()
				if emit {
					b.Put(v.(string))
				}
			case 't':
				v := nextVar()
				if emit {
					b.Put(b.typeOf(v))
				}
			case 'T':
				v := nextVar()
				if emit {
					if b.PTX {
						b.Put(b.typeOf(v))
					} else {
						b.vecType(b.typeOf(v))
					}
				}
			case 'h':
				v := nextVar()
				if emit {
					b.Put(v.Type.Abbrev())
				}
			case 'b':
				v := nextVar()
				if emit {
					b.Put(b.binTypeOf(v))
				}
			case 'B':
				v := nextVar()
				if emit {
					if b.PTX {
						b.Put(b.binTypeOf(v))
					} else {
						b.vecType(b.binTypeOf(v))
					}
				}
			case 'd':
				v := nextVar()
				if emit {
					if b.PTX {
						b.Put(v.Type.Double().PTX())
					} else {
						b.Put(v.Type.Double().LLVM())
					}
				}
			case 'D':
				v := nextVar()
				if emit {
					if b.PTX {
						b.Put(v.Type.Double().PTX())
					} else {
						b.vecType(v.Type.Double().LLVM())
					}
				}
			case 'm':
				v := nextVar()
				if emit {
					b.Put(b.memTypeOf(v))
				}
			case 'M':
				v := nextVar()
				if emit {
					if b.PTX {
						b.Put(b.memTypeOf(v))
					} else {
						b.vecType(b.memTypeOf(v))
					}
				}
			case 'v':
				v := nextVar()
				if emit {
					b.Put(v.Type.Prefix())
					b.putUint(uint64(v.RegIndex))
				}
			case 'V':
				v := nextVar()
				if emit {
					if b.PTX {
						b.Put(b.typeOf(v))
					} else {
						b.vecType(b.typeOf(v))
					}
					b.PutByte(' ')
					b.Put(v.Type.Prefix())
					b.putUint(uint64(v.RegIndex))
				}
			case 'a':
				v := nextVar()
				if emit {
					b.putUint(uint64(v.Type.Size()))
				}
			case 'A':
				v := nextVar()
				if emit {
					b.putUint(uint64(v.Type.Size()) * uint64(b.Width))
				}
			case 'o':
				v := nextVar()
				if emit {
					b.putUint(uint64(v.ParamOffset))
				}
			case 'l':
				v := nextVar()
				if emit {
					b.putLiteral(v)
				}
			case 'w':
				if emit {
					b.putUint(uint64(b.Width))
				}
			case 'z':
				if emit {
					b.Put("zeroinitializer")
				}
			case 'e':
				if emit && b.Experimental {
					b.Put(".experimental")
				}
			case '{':
				if emit {
					b.PutByte('{')
				}
			case '}':
				if emit {
					b.PutByte('}')
				}
			case '<':
				if emit && b.CallDepth > 0 {
					b.PutByte('<')
					b.putUint(uint64(b.Width))
					b.Put(" x ")
				}
			case '>':
				if emit && b.CallDepth > 0 {
					b.PutByte('>')
				}
			case '$':
				if emit {
					b.PutByte('$')
				}
			}
		case '{':
			groupDepth++
			selectedBranch = 0
			// Single-branch pointer groups render "ptr" under opaque mode
			// and suppress their contents.
			if b.Opaque && !groupHasBranch(tmpl[i+1:]) {
				b.Put("ptr")
				emit = false
			} else if b.Opaque {
				emit = false // first branch is the typed-pointer one
			}
		case '|':
			if groupDepth > 0 {
				selectedBranch++
				emit = b.Opaque && selectedBranch == 1
			} else if emit {
				b.PutByte('|')
			}
		case '}':
			if groupDepth > 0 {
				groupDepth--
				emit = true
			} else {
				b.PutByte('}')
			}
		default:
			if emit {
				b.PutByte(c)
			}
		}
	}
}

// groupHasBranch reports whether the group starting after '{' contains a
// top-level '|' before its closing '}'.
func groupHasBranch(rest string) bool {
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '$':
			i++
		case '|':
			return true
		case '}':
			return false
		}
	}
	return false
}

// putLiteral renders a literal payload the way the backend expects: LLVM
// spells float immediates as the hexadecimal double bit pattern.
func (b *Buffer) putLiteral(v *Variable) {
	switch {
	case b.PTX && v.Type.IsFloat():
		// PTX immediate forms: 0f<bits32> and 0d<bits64>.
		if v.Type == vartype.Float64 {
			b.Put("0d")
			hex := strconv.FormatUint(v.Literal, 16)
			for len(hex) < 16 {
				hex = "0" + hex
			}
			b.Put(hex)
			return
		}
		bits := uint32(v.Literal)
		if v.Type == vartype.Float16 {
			bits = math.Float32bits(float16.Frombits(uint16(v.Literal)).Float32())
		}
		b.Put("0f")
		hex := strconv.FormatUint(uint64(bits), 16)
		for len(hex) < 8 {
			hex = "0" + hex
		}
		b.Put(hex)
	case v.Type.IsFloat():
		// LLVM spells all float immediates as the 64-bit pattern.
		bits := v.Literal
		switch v.Type {
		case vartype.Float16:
			bits = math.Float64bits(float64(float16.Frombits(uint16(bits)).Float32()))
		case vartype.Float32:
			bits = math.Float64bits(float64(math.Float32frombits(uint32(bits))))
		}
		b.Put("0x")
		hex := strconv.FormatUint(bits, 16)
		for len(hex) < 16 {
			hex = "0" + hex
		}
		b.Put(hex)
	case v.Type == vartype.Bool:
		if v.Literal != 0 {
			b.Put("true")
		} else {
			b.Put("false")
		}
	case v.Type.IsSInt():
		b.buf = strconv.AppendInt(b.buf, signExtend(v.Literal, v.Type), 10)
	default:
		b.putUint(v.Literal)
	}
}

func signExtend(bits uint64, t vartype.Type) int64 {
	switch t.Size() {
	case 1:
		return int64(int8(bits))
	case 2:
		return int64(int16(bits))
	case 4:
		return int64(int32(bits))
	default:
		return int64(bits)
	}
}
