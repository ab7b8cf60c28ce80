package cil

import (
	"encoding/binary"
	"fmt"
)

// Instruction is one decoded CIL instruction together with the file offset
// (relative to the start of the method body) at which it begins. Offset is
// populated by Parse and kept current by the method editor as it shifts
// later instructions; Emit does not re-derive it, so callers that hand-build
// an Instruction slice must assign offsets themselves
// (edit.Editor.ReassignOffsets does this for them).
type Instruction struct {
	Offset  int
	Opcode  Opcode
	Operand Operand
}

// EncodedLength is the number of bytes this instruction occupies on the
// wire: the opcode's EncodingLength (1 or 2) plus its operand's length.
func (in Instruction) EncodedLength() int {
	return in.Opcode.EncodingLength + in.Operand.encodedLen()
}

// NextOffset is the offset of the instruction immediately following this
// one, the base that branch displacements are relative to.
func (in Instruction) NextOffset() int {
	return in.Offset + in.EncodedLength()
}

// StackDelta is the net effect of this instruction on evaluation-stack
// depth: Push.Size() - Pop.Size(). VarPop/VarPush opcodes (call family)
// report 0, matching spec's note that exact accuracy is only required for
// instructions the rewriter itself synthesizes.
func (in Instruction) StackDelta() int {
	return in.Opcode.Push.Size() - in.Opcode.Pop.Size()
}

// IsBranch reports whether this instruction carries a branch target
// operand, short or long form, conditional or not.
func (in Instruction) IsBranch() bool {
	switch in.Opcode.Operand {
	case ShortInlineBrTarget, InlineBrTarget:
		return true
	default:
		return false
	}
}

// BranchTargets returns the absolute offsets this instruction can transfer
// control to: one for an unconditional/conditional branch, many for switch.
// Returns nil for non-branching instructions.
func (in Instruction) BranchTargets() []int {
	base := in.NextOffset()
	switch op := in.Operand.(type) {
	case BrTargetOperand:
		return []int{base + int(op.Delta)}
	case SwitchOperand:
		targets := make([]int, len(op.Deltas))
		for i, d := range op.Deltas {
			targets[i] = base + int(d)
		}
		return targets
	default:
		return nil
	}
}

// Parse decodes a single instruction starting at code[0], returning the
// instruction and the number of bytes consumed. offset is the instruction's
// position within the enclosing method body, recorded on the result.
func Parse(code []byte, offset int) (Instruction, int, error) {
	if len(code) == 0 {
		return Instruction{}, 0, fmt.Errorf("cil: empty instruction at offset %d: %w", offset, ErrInvalidCIL)
	}
	var op Opcode
	var rest []byte
	if code[0] == twoByteEscape {
		if len(code) < 2 {
			return Instruction{}, 0, fmt.Errorf("cil: truncated two-byte opcode at offset %d: %w", offset, ErrInvalidCIL)
		}
		op = twoByteTable[code[1]]
		rest = code[2:]
	} else {
		op = oneByteTable[code[0]]
		rest = code[1:]
	}

	operandLen := op.OperandLength()
	if op.Operand == InlineSwitch {
		if len(rest) < 4 {
			return Instruction{}, 0, fmt.Errorf("cil: truncated switch count at offset %d: %w", offset, ErrInvalidCIL)
		}
		count := int(binary.LittleEndian.Uint32(rest[:4]))
		operandLen = 4 + 4*count
	}
	if operandLen < 0 || len(rest) < operandLen {
		return Instruction{}, 0, fmt.Errorf("cil: truncated operand for %s at offset %d: %w", op.Mnemonic, offset, ErrInvalidCIL)
	}
	operandBytes := rest[:operandLen]

	operand, err := parseOperand(op, operandBytes)
	if err != nil {
		return Instruction{}, 0, fmt.Errorf("cil: operand for %s at offset %d: %w", op.Mnemonic, offset, err)
	}

	in := Instruction{Offset: offset, Opcode: op, Operand: operand}
	return in, in.EncodedLength(), nil
}

func parseOperand(op Opcode, b []byte) (Operand, error) {
	switch op.Operand {
	case InlineNone:
		return NoneOperand{}, nil
	case ShortInlineVar:
		return VarOperand{Index: uint16(b[0]), IsLong: false}, nil
	case InlineVar:
		return VarOperand{Index: binary.LittleEndian.Uint16(b), IsLong: true}, nil
	case ShortInlineI:
		return Int8Operand(int8(b[0])), nil
	case InlineI:
		return Int32Operand(int32(binary.LittleEndian.Uint32(b))), nil
	case InlineI8:
		return Int64Operand(int64(binary.LittleEndian.Uint64(b))), nil
	case ShortInlineR:
		return Float32Operand(decodeFloat32(b)), nil
	case InlineR:
		return Float64Operand(decodeFloat64(b)), nil
	case InlineMethod, InlineSig, InlineType, InlineField, InlineTok:
		return NewTokenOperand(op.Operand, Token(binary.LittleEndian.Uint32(b))), nil
	case InlineString:
		return StringOperand(Token(binary.LittleEndian.Uint32(b))), nil
	case ShortInlineBrTarget:
		return BrTargetOperand{Delta: int32(int8(b[0])), IsLong: false}, nil
	case InlineBrTarget:
		return BrTargetOperand{Delta: int32(binary.LittleEndian.Uint32(b)), IsLong: true}, nil
	case InlineSwitch:
		count := int(binary.LittleEndian.Uint32(b[:4]))
		deltas := make([]int32, count)
		for i := 0; i < count; i++ {
			deltas[i] = int32(binary.LittleEndian.Uint32(b[4+4*i : 8+4*i]))
		}
		return SwitchOperand{Deltas: deltas}, nil
	default:
		return nil, fmt.Errorf("cil: unhandled operand kind %d", op.Operand)
	}
}

// Emit appends in's wire encoding to buf and returns the result.
func (in Instruction) Emit(buf []byte) []byte {
	if in.Opcode.EncodingLength == 2 {
		buf = append(buf, in.Opcode.Byte1, in.Opcode.Byte2)
	} else {
		buf = append(buf, in.Opcode.Byte2)
	}
	return emitOperand(buf, in.Operand)
}

func emitOperand(buf []byte, operand Operand) []byte {
	switch v := operand.(type) {
	case NoneOperand:
		return buf
	case VarOperand:
		if v.IsLong {
			return binary.LittleEndian.AppendUint16(buf, v.Index)
		}
		return append(buf, byte(v.Index))
	case Int8Operand:
		return append(buf, byte(int8(v)))
	case Int32Operand:
		return binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
	case Int64Operand:
		return binary.LittleEndian.AppendUint64(buf, uint64(int64(v)))
	case Float32Operand:
		return binary.LittleEndian.AppendUint32(buf, encodeFloat32(float32(v)))
	case Float64Operand:
		return binary.LittleEndian.AppendUint64(buf, encodeFloat64(float64(v)))
	case TokenOperand:
		return binary.LittleEndian.AppendUint32(buf, uint32(v.Token))
	case StringOperand:
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	case BrTargetOperand:
		if v.IsLong {
			return binary.LittleEndian.AppendUint32(buf, uint32(v.Delta))
		}
		return append(buf, byte(int8(v.Delta)))
	case SwitchOperand:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Deltas)))
		for _, d := range v.Deltas {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(d))
		}
		return buf
	default:
		panic(fmt.Sprintf("cil: unhandled operand type %T", operand))
	}
}

func (in Instruction) String() string {
	if _, ok := in.Operand.(NoneOperand); ok {
		return in.Opcode.Mnemonic
	}
	return fmt.Sprintf("%s %s", in.Opcode.Mnemonic, in.Operand.String())
}
