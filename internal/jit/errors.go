package jit

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrorKind classifies fatal runtime errors.
type ErrorKind int

const (
	ErrUnknownID ErrorKind = iota
	ErrRefcountUnderflow
	ErrUninitializedOperand
	ErrSizeMismatch
	ErrInvalidConversion
	ErrCompileFailed
	ErrAllocatorExhausted
	ErrInternal
)

var errorKindName = map[ErrorKind]string{
	ErrUnknownID:            "unknown_id",
	ErrRefcountUnderflow:    "refcount_underflow",
	ErrUninitializedOperand: "uninitialized_operand",
	ErrSizeMismatch:         "size_mismatch",
	ErrInvalidConversion:    "invalid_conversion",
	ErrCompileFailed:        "backend_compile_failed",
	ErrAllocatorExhausted:   "allocator_exhausted",
	ErrInternal:             "internal",
}

// Error is the fatal-error payload carried by panics out of the runtime.
// The graph is left in a consistent state: the mutation that triggered the
// error is rolled back before the panic.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", errorKindName[e.Kind], e.Msg)
}

// fail raises a fatal error. It logs through zerolog before panicking so
// every termination is also a structured log record.
func fail(kind ErrorKind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Error().Str("kind", errorKindName[kind]).Msg(msg)
	panic(&Error{Kind: kind, Msg: msg})
}
