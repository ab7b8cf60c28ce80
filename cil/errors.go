package cil

import "errors"

// Sentinel errors for the IL codec. Callers compare with errors.Is; wrapping
// uses %w so these survive fmt.Errorf context.
var (
	ErrInvalidCIL           = errors.New("cil: truncated or malformed instruction stream")
	ErrInvalidOpcode        = errors.New("cil: undefined two-byte opcode")
	ErrInvalidMethodHeader  = errors.New("cil: invalid method header")
	ErrInvalidSectionHeader = errors.New("cil: invalid exception-handling section header")
	ErrCodeSizeOverflow     = errors.New("cil: code size overflow")
	ErrStackSizeOverflow    = errors.New("cil: max stack overflow")
)
