package cil

import "fmt"

// PopKind describes how many and what kind of values an opcode pops off the
// evaluation stack. The codec only needs the count; VarPop/VarPush opcodes
// (call, calli, callvirt, newobj, cpblk, initblk) contribute 0 at this
// level, per spec: the rewriter tracks max-stack conservatively only for the
// fixed-size instructions it inserts itself.
type PopKind uint8

const (
	Pop0 PopKind = iota
	Pop1
	Pop1Pop1
	PopI
	PopIPopI
	PopIPopI8
	PopIPopR4
	PopIPopR8
	PopRef
	PopRefPop1
	PopRefPopI
	PopRefPopIPopI
	PopRefPopIPopI8
	PopRefPopIPopR4
	PopRefPopIPopR8
	PopRefPopIPopRef
	PopRefPopIPop1
	VarPop
)

var popSizes = map[PopKind]int{
	Pop0: 0, Pop1: 1, Pop1Pop1: 2, PopI: 1, PopIPopI: 2, PopIPopI8: 2,
	PopIPopR4: 2, PopIPopR8: 2, PopRef: 1, PopRefPop1: 2, PopRefPopI: 2,
	PopRefPopIPopI: 3, PopRefPopIPopI8: 3, PopRefPopIPopR4: 3,
	PopRefPopIPopR8: 3, PopRefPopIPopRef: 3, PopRefPopIPop1: 3, VarPop: 0,
}

// Size returns the number of stack slots this pop kind consumes.
func (p PopKind) Size() int { return popSizes[p] }

// PushKind describes how many values an opcode pushes onto the evaluation
// stack.
type PushKind uint8

const (
	Push0 PushKind = iota
	Push1
	PushI
	PushI8
	PushR4
	PushR8
	PushRef
	Push1Push1
	VarPush
)

var pushSizes = map[PushKind]int{
	Push0: 0, Push1: 1, PushI: 1, PushI8: 1, PushR4: 1, PushR8: 1,
	PushRef: 1, Push1Push1: 2, VarPush: 0,
}

// Size returns the number of stack slots this push kind produces.
func (p PushKind) Size() int { return pushSizes[p] }

// OperandKind tags the shape of an opcode's trailing operand bytes.
type OperandKind uint8

const (
	InlineNone OperandKind = iota
	ShortInlineVar
	InlineVar
	ShortInlineI
	InlineI
	InlineI8
	ShortInlineR
	InlineR
	InlineMethod
	InlineSig
	ShortInlineBrTarget
	InlineBrTarget
	InlineSwitch
	InlineType
	InlineString
	InlineField
	InlineTok
)

// operandEncodedLength is the fixed wire length for every kind except
// InlineSwitch, whose length depends on the target count.
var operandEncodedLength = map[OperandKind]int{
	InlineNone: 0,
	ShortInlineVar: 1, ShortInlineI: 1, ShortInlineBrTarget: 1,
	InlineVar: 2,
	InlineI: 4, InlineMethod: 4, InlineSig: 4, InlineType: 4,
	InlineString: 4, InlineField: 4, InlineTok: 4,
	InlineBrTarget: 4, ShortInlineR: 4,
	InlineI8: 8, InlineR: 8,
}

// ControlFlow classifies an opcode for the purposes of the method editor's
// branch fix-up pass and the rewriter's ret/leave rewriting.
type ControlFlow uint8

const (
	FlowNext ControlFlow = iota
	FlowBreak
	FlowReturn
	FlowBranch
	FlowCondBranch
	FlowCall
	FlowThrow
	FlowMeta
)

// Opcode is an immutable descriptor of one CIL instruction form. The byte(s)
// of an opcode uniquely identify it: single-byte opcodes are indexed
// 0x00..=0xFF directly; two-byte opcodes are those whose first byte is
// 0xFE, indexed by their second byte.
type Opcode struct {
	Mnemonic       string
	Pop            PopKind
	Push           PushKind
	Operand        OperandKind
	EncodingLength int // 1 or 2
	Byte1          byte
	Byte2          byte
	Flow           ControlFlow
}

func (op Opcode) String() string { return op.Mnemonic }

// OperandLength returns the fixed operand length for this opcode's operand
// kind, or -1 for InlineSwitch whose length is data-dependent.
func (op Opcode) OperandLength() int {
	if op.Operand == InlineSwitch {
		return -1
	}
	return operandEncodedLength[op.Operand]
}

func unused(byte1, byte2 byte) Opcode {
	return Opcode{
		Mnemonic:       fmt.Sprintf("unused.%02x", byte2),
		Pop:            Pop0,
		Push:           Push0,
		Operand:        InlineNone,
		EncodingLength: lengthFor(byte1),
		Byte1:          byte1,
		Byte2:          byte2,
		Flow:           FlowNext,
	}
}

func lengthFor(byte1 byte) int {
	if byte1 == twoByteEscape {
		return 2
	}
	return 1
}

const (
	oneByteFirst  = 0xFF // placeholder "first byte" for 1-byte opcodes, per spec
	twoByteEscape = 0xFE
)

var oneByteTable [256]Opcode
var twoByteTable [256]Opcode

type opDef struct {
	b       byte
	name    string
	pop     PopKind
	push    PushKind
	operand OperandKind
	flow    ControlFlow
}

var oneByteDefs = []opDef{
	{0x00, "nop", Pop0, Push0, InlineNone, FlowNext},
	{0x01, "break", Pop0, Push0, InlineNone, FlowBreak},
	{0x02, "ldarg.0", Pop0, Push1, InlineNone, FlowNext},
	{0x03, "ldarg.1", Pop0, Push1, InlineNone, FlowNext},
	{0x04, "ldarg.2", Pop0, Push1, InlineNone, FlowNext},
	{0x05, "ldarg.3", Pop0, Push1, InlineNone, FlowNext},
	{0x06, "ldloc.0", Pop0, Push1, InlineNone, FlowNext},
	{0x07, "ldloc.1", Pop0, Push1, InlineNone, FlowNext},
	{0x08, "ldloc.2", Pop0, Push1, InlineNone, FlowNext},
	{0x09, "ldloc.3", Pop0, Push1, InlineNone, FlowNext},
	{0x0A, "stloc.0", Pop1, Push0, InlineNone, FlowNext},
	{0x0B, "stloc.1", Pop1, Push0, InlineNone, FlowNext},
	{0x0C, "stloc.2", Pop1, Push0, InlineNone, FlowNext},
	{0x0D, "stloc.3", Pop1, Push0, InlineNone, FlowNext},
	{0x0E, "ldarg.s", Pop0, Push1, ShortInlineVar, FlowNext},
	{0x0F, "ldarga.s", Pop0, PushI, ShortInlineVar, FlowNext},
	{0x10, "starg.s", Pop1, Push0, ShortInlineVar, FlowNext},
	{0x11, "ldloc.s", Pop0, Push1, ShortInlineVar, FlowNext},
	{0x12, "ldloca.s", Pop0, PushI, ShortInlineVar, FlowNext},
	{0x13, "stloc.s", Pop1, Push0, ShortInlineVar, FlowNext},
	{0x14, "ldnull", Pop0, PushRef, InlineNone, FlowNext},
	{0x15, "ldc.i4.m1", Pop0, PushI, InlineNone, FlowNext},
	{0x16, "ldc.i4.0", Pop0, PushI, InlineNone, FlowNext},
	{0x17, "ldc.i4.1", Pop0, PushI, InlineNone, FlowNext},
	{0x18, "ldc.i4.2", Pop0, PushI, InlineNone, FlowNext},
	{0x19, "ldc.i4.3", Pop0, PushI, InlineNone, FlowNext},
	{0x1A, "ldc.i4.4", Pop0, PushI, InlineNone, FlowNext},
	{0x1B, "ldc.i4.5", Pop0, PushI, InlineNone, FlowNext},
	{0x1C, "ldc.i4.6", Pop0, PushI, InlineNone, FlowNext},
	{0x1D, "ldc.i4.7", Pop0, PushI, InlineNone, FlowNext},
	{0x1E, "ldc.i4.8", Pop0, PushI, InlineNone, FlowNext},
	{0x1F, "ldc.i4.s", Pop0, PushI, ShortInlineI, FlowNext},
	{0x20, "ldc.i4", Pop0, PushI, InlineI, FlowNext},
	{0x21, "ldc.i8", Pop0, PushI8, InlineI8, FlowNext},
	{0x22, "ldc.r4", Pop0, PushR4, ShortInlineR, FlowNext},
	{0x23, "ldc.r8", Pop0, PushR8, InlineR, FlowNext},
	{0x25, "dup", Pop1, Push1Push1, InlineNone, FlowNext},
	{0x26, "pop", Pop1, Push0, InlineNone, FlowNext},
	{0x27, "jmp", Pop0, Push0, InlineMethod, FlowCall},
	{0x28, "call", VarPop, VarPush, InlineMethod, FlowCall},
	{0x29, "calli", VarPop, VarPush, InlineSig, FlowCall},
	{0x2A, "ret", Pop0, Push0, InlineNone, FlowReturn},
	{0x2B, "br.s", Pop0, Push0, ShortInlineBrTarget, FlowBranch},
	{0x2C, "brfalse.s", PopI, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x2D, "brtrue.s", PopI, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x2E, "beq.s", Pop1Pop1, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x2F, "bge.s", Pop1Pop1, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x30, "bgt.s", Pop1Pop1, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x31, "ble.s", Pop1Pop1, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x32, "blt.s", Pop1Pop1, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x33, "bne.un.s", Pop1Pop1, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x34, "bge.un.s", Pop1Pop1, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x35, "bgt.un.s", Pop1Pop1, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x36, "ble.un.s", Pop1Pop1, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x37, "blt.un.s", Pop1Pop1, Push0, ShortInlineBrTarget, FlowCondBranch},
	{0x38, "br", Pop0, Push0, InlineBrTarget, FlowBranch},
	{0x39, "brfalse", PopI, Push0, InlineBrTarget, FlowCondBranch},
	{0x3A, "brtrue", PopI, Push0, InlineBrTarget, FlowCondBranch},
	{0x3B, "beq", Pop1Pop1, Push0, InlineBrTarget, FlowCondBranch},
	{0x3C, "bge", Pop1Pop1, Push0, InlineBrTarget, FlowCondBranch},
	{0x3D, "bgt", Pop1Pop1, Push0, InlineBrTarget, FlowCondBranch},
	{0x3E, "ble", Pop1Pop1, Push0, InlineBrTarget, FlowCondBranch},
	{0x3F, "blt", Pop1Pop1, Push0, InlineBrTarget, FlowCondBranch},
	{0x40, "bne.un", Pop1Pop1, Push0, InlineBrTarget, FlowCondBranch},
	{0x41, "bge.un", Pop1Pop1, Push0, InlineBrTarget, FlowCondBranch},
	{0x42, "bgt.un", Pop1Pop1, Push0, InlineBrTarget, FlowCondBranch},
	{0x43, "ble.un", Pop1Pop1, Push0, InlineBrTarget, FlowCondBranch},
	{0x44, "blt.un", Pop1Pop1, Push0, InlineBrTarget, FlowCondBranch},
	{0x45, "switch", PopI, Push0, InlineSwitch, FlowCondBranch},
	{0x46, "ldind.i1", PopI, PushI, InlineNone, FlowNext},
	{0x47, "ldind.u1", PopI, PushI, InlineNone, FlowNext},
	{0x48, "ldind.i2", PopI, PushI, InlineNone, FlowNext},
	{0x49, "ldind.u2", PopI, PushI, InlineNone, FlowNext},
	{0x4A, "ldind.i4", PopI, PushI, InlineNone, FlowNext},
	{0x4B, "ldind.u4", PopI, PushI, InlineNone, FlowNext},
	{0x4C, "ldind.i8", PopI, PushI8, InlineNone, FlowNext},
	{0x4D, "ldind.i", PopI, PushI, InlineNone, FlowNext},
	{0x4E, "ldind.r4", PopI, PushR4, InlineNone, FlowNext},
	{0x4F, "ldind.r8", PopI, PushR8, InlineNone, FlowNext},
	{0x50, "ldind.ref", PopI, PushRef, InlineNone, FlowNext},
	{0x51, "stind.ref", PopIPopI, Push0, InlineNone, FlowNext},
	{0x52, "stind.i1", PopIPopI, Push0, InlineNone, FlowNext},
	{0x53, "stind.i2", PopIPopI, Push0, InlineNone, FlowNext},
	{0x54, "stind.i4", PopIPopI, Push0, InlineNone, FlowNext},
	{0x55, "stind.i8", PopIPopI8, Push0, InlineNone, FlowNext},
	{0x56, "stind.r4", PopIPopR4, Push0, InlineNone, FlowNext},
	{0x57, "stind.r8", PopIPopR8, Push0, InlineNone, FlowNext},
	{0x58, "add", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x59, "sub", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x5A, "mul", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x5B, "div", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x5C, "div.un", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x5D, "rem", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x5E, "rem.un", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x5F, "and", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x60, "or", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x61, "xor", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x62, "shl", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x63, "shr", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x64, "shr.un", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0x65, "neg", Pop1, Push1, InlineNone, FlowNext},
	{0x66, "not", Pop1, Push1, InlineNone, FlowNext},
	{0x67, "conv.i1", Pop1, PushI, InlineNone, FlowNext},
	{0x68, "conv.i2", Pop1, PushI, InlineNone, FlowNext},
	{0x69, "conv.i4", Pop1, PushI, InlineNone, FlowNext},
	{0x6A, "conv.i8", Pop1, PushI8, InlineNone, FlowNext},
	{0x6B, "conv.r4", Pop1, PushR4, InlineNone, FlowNext},
	{0x6C, "conv.r8", Pop1, PushR8, InlineNone, FlowNext},
	{0x6D, "conv.u4", Pop1, PushI, InlineNone, FlowNext},
	{0x6E, "conv.u8", Pop1, PushI8, InlineNone, FlowNext},
	{0x6F, "callvirt", VarPop, VarPush, InlineMethod, FlowCall},
	{0x70, "cpobj", PopIPopI, Push0, InlineType, FlowNext},
	{0x71, "ldobj", PopI, Push1, InlineType, FlowNext},
	{0x72, "ldstr", Pop0, PushRef, InlineString, FlowNext},
	{0x73, "newobj", VarPop, PushRef, InlineMethod, FlowCall},
	{0x74, "castclass", PopRef, PushRef, InlineType, FlowNext},
	{0x75, "isinst", PopRef, PushRef, InlineType, FlowNext},
	{0x76, "conv.r.un", Pop1, PushR8, InlineNone, FlowNext},
	{0x79, "unbox", PopRef, PushI, InlineType, FlowNext},
	{0x7A, "throw", Pop1, Push0, InlineNone, FlowThrow},
	{0x7B, "ldfld", PopRef, Push1, InlineField, FlowNext},
	{0x7C, "ldflda", PopRef, PushI, InlineField, FlowNext},
	{0x7D, "stfld", PopRefPop1, Push0, InlineField, FlowNext},
	{0x7E, "ldsfld", Pop0, Push1, InlineField, FlowNext},
	{0x7F, "ldsflda", Pop0, PushI, InlineField, FlowNext},
	{0x80, "stsfld", Pop1, Push0, InlineField, FlowNext},
	{0x81, "stobj", PopIPopI, Push0, InlineType, FlowNext},
	{0x82, "conv.ovf.i1.un", Pop1, PushI, InlineNone, FlowNext},
	{0x83, "conv.ovf.i2.un", Pop1, PushI, InlineNone, FlowNext},
	{0x84, "conv.ovf.i4.un", Pop1, PushI, InlineNone, FlowNext},
	{0x85, "conv.ovf.i8.un", Pop1, PushI8, InlineNone, FlowNext},
	{0x86, "conv.ovf.u1.un", Pop1, PushI, InlineNone, FlowNext},
	{0x87, "conv.ovf.u2.un", Pop1, PushI, InlineNone, FlowNext},
	{0x88, "conv.ovf.u4.un", Pop1, PushI, InlineNone, FlowNext},
	{0x89, "conv.ovf.u8.un", Pop1, PushI8, InlineNone, FlowNext},
	{0x8A, "conv.ovf.i.un", Pop1, PushI, InlineNone, FlowNext},
	{0x8B, "conv.ovf.u.un", Pop1, PushI, InlineNone, FlowNext},
	{0x8C, "box", Pop1, PushRef, InlineType, FlowNext},
	{0x8D, "newarr", PopI, PushRef, InlineType, FlowNext},
	{0x8E, "ldlen", Pop1, PushI, InlineNone, FlowNext},
	{0x8F, "ldelema", PopRefPopI, PushI, InlineType, FlowNext},
	{0x90, "ldelem.i1", PopRefPopI, Push1, InlineNone, FlowNext},
	{0x91, "ldelem.u1", PopRefPopI, Push1, InlineNone, FlowNext},
	{0x92, "ldelem.i2", PopRefPopI, Push1, InlineNone, FlowNext},
	{0x93, "ldelem.u2", PopRefPopI, Push1, InlineNone, FlowNext},
	{0x94, "ldelem.i4", PopRefPopI, Push1, InlineNone, FlowNext},
	{0x95, "ldelem.u4", PopRefPopI, Push1, InlineNone, FlowNext},
	{0x96, "ldelem.i8", PopRefPopI, PushI8, InlineNone, FlowNext},
	{0x97, "ldelem.i", PopRefPopI, PushI, InlineNone, FlowNext},
	{0x98, "ldelem.r4", PopRefPopI, PushR4, InlineNone, FlowNext},
	{0x99, "ldelem.r8", PopRefPopI, PushR8, InlineNone, FlowNext},
	{0x9A, "ldelem.ref", PopRefPopI, PushRef, InlineNone, FlowNext},
	{0x9B, "stelem.i", PopRefPopIPopI, Push0, InlineNone, FlowNext},
	{0x9C, "stelem.i1", PopRefPopIPopI, Push0, InlineNone, FlowNext},
	{0x9D, "stelem.i2", PopRefPopIPopI, Push0, InlineNone, FlowNext},
	{0x9E, "stelem.i4", PopRefPopIPopI, Push0, InlineNone, FlowNext},
	{0x9F, "stelem.i8", PopRefPopIPopI8, Push0, InlineNone, FlowNext},
	{0xA0, "stelem.r4", PopRefPopIPopR4, Push0, InlineNone, FlowNext},
	{0xA1, "stelem.r8", PopRefPopIPopR8, Push0, InlineNone, FlowNext},
	{0xA2, "stelem.ref", PopRefPopIPopRef, Push0, InlineNone, FlowNext},
	{0xA3, "ldelem", PopRefPopI, Push1, InlineType, FlowNext},
	{0xA4, "stelem", PopRefPopIPop1, Push0, InlineType, FlowNext},
	{0xA5, "unbox.any", PopRef, Push1, InlineType, FlowNext},
	{0xB3, "conv.ovf.i1", Pop1, PushI, InlineNone, FlowNext},
	{0xB4, "conv.ovf.u1", Pop1, PushI, InlineNone, FlowNext},
	{0xB5, "conv.ovf.i2", Pop1, PushI, InlineNone, FlowNext},
	{0xB6, "conv.ovf.u2", Pop1, PushI, InlineNone, FlowNext},
	{0xB7, "conv.ovf.i4", Pop1, PushI, InlineNone, FlowNext},
	{0xB8, "conv.ovf.u4", Pop1, PushI, InlineNone, FlowNext},
	{0xB9, "conv.ovf.i8", Pop1, PushI8, InlineNone, FlowNext},
	{0xBA, "conv.ovf.u8", Pop1, PushI8, InlineNone, FlowNext},
	{0xC2, "refanyval", Pop1, PushI, InlineType, FlowNext},
	{0xC3, "ckfinite", Pop1, PushR8, InlineNone, FlowNext},
	{0xC6, "mkrefany", PopI, Push1, InlineType, FlowNext},
	{0xD0, "ldtoken", Pop0, PushI, InlineTok, FlowNext},
	{0xD1, "conv.u2", Pop1, PushI, InlineNone, FlowNext},
	{0xD2, "conv.u1", Pop1, PushI, InlineNone, FlowNext},
	{0xD3, "conv.i", Pop1, PushI, InlineNone, FlowNext},
	{0xD4, "conv.ovf.i", Pop1, PushI, InlineNone, FlowNext},
	{0xD5, "conv.ovf.u", Pop1, PushI, InlineNone, FlowNext},
	{0xD6, "add.ovf", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0xD7, "add.ovf.un", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0xD8, "mul.ovf", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0xD9, "mul.ovf.un", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0xDA, "sub.ovf", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0xDB, "sub.ovf.un", Pop1Pop1, Push1, InlineNone, FlowNext},
	{0xDC, "endfinally", Pop0, Push0, InlineNone, FlowReturn},
	{0xDD, "leave", Pop0, Push0, InlineBrTarget, FlowBranch},
	{0xDE, "leave.s", Pop0, Push0, ShortInlineBrTarget, FlowBranch},
	{0xDF, "stind.i", PopIPopI, Push0, InlineNone, FlowNext},
	{0xE0, "conv.u", Pop1, PushI, InlineNone, FlowNext},
}

var twoByteDefs = []opDef{
	{0x00, "arglist", Pop0, PushI, InlineNone, FlowNext},
	{0x01, "ceq", Pop1Pop1, PushI, InlineNone, FlowNext},
	{0x02, "cgt", Pop1Pop1, PushI, InlineNone, FlowNext},
	{0x03, "cgt.un", Pop1Pop1, PushI, InlineNone, FlowNext},
	{0x04, "clt", Pop1Pop1, PushI, InlineNone, FlowNext},
	{0x05, "clt.un", Pop1Pop1, PushI, InlineNone, FlowNext},
	{0x06, "ldftn", Pop0, PushI, InlineMethod, FlowNext},
	{0x07, "ldvirtftn", PopRef, PushI, InlineMethod, FlowNext},
	{0x09, "ldarg", Pop0, Push1, InlineVar, FlowNext},
	{0x0A, "ldarga", Pop0, PushI, InlineVar, FlowNext},
	{0x0B, "starg", Pop1, Push0, InlineVar, FlowNext},
	{0x0C, "ldloc", Pop0, Push1, InlineVar, FlowNext},
	{0x0D, "ldloca", Pop0, PushI, InlineVar, FlowNext},
	{0x0E, "stloc", Pop1, Push0, InlineVar, FlowNext},
	{0x0F, "localloc", PopI, PushI, InlineNone, FlowNext},
	{0x11, "endfilter", Pop1, Push0, InlineNone, FlowReturn},
	{0x12, "unaligned.", Pop0, Push0, ShortInlineI, FlowMeta},
	{0x13, "volatile.", Pop0, Push0, InlineNone, FlowMeta},
	{0x14, "tail.", Pop0, Push0, InlineNone, FlowMeta},
	{0x15, "initobj", PopI, Push0, InlineType, FlowNext},
	{0x16, "constrained.", Pop0, Push0, InlineType, FlowMeta},
	{0x17, "cpblk", VarPop, Push0, InlineNone, FlowNext},
	{0x18, "initblk", VarPop, Push0, InlineNone, FlowNext},
	{0x19, "no.", Pop0, Push0, ShortInlineI, FlowMeta},
	{0x1A, "rethrow", Pop0, Push0, InlineNone, FlowThrow},
	{0x1C, "sizeof", Pop0, PushI, InlineType, FlowNext},
	{0x1D, "refanytype", Pop1, PushI, InlineNone, FlowNext},
	{0x1E, "readonly.", Pop0, Push0, InlineNone, FlowMeta},
}

// shortToLongPairs maps a short-form branch byte to its long-form byte.
// short_to_long_form is the identity on every opcode not in this table.
var shortToLongPairs = map[byte]byte{
	0x2B: 0x38, // br.s -> br
	0x2C: 0x39, // brfalse.s -> brfalse
	0x2D: 0x3A, // brtrue.s -> brtrue
	0x2E: 0x3B, // beq.s -> beq
	0x2F: 0x3C, // bge.s -> bge
	0x30: 0x3D, // bgt.s -> bgt
	0x31: 0x3E, // ble.s -> ble
	0x32: 0x3F, // blt.s -> blt
	0x33: 0x40, // bne.un.s -> bne.un
	0x34: 0x41, // bge.un.s -> bge.un
	0x35: 0x42, // bgt.un.s -> bgt.un
	0x36: 0x43, // ble.un.s -> ble.un
	0x37: 0x44, // blt.un.s -> blt.un
	0xDE: 0xDD, // leave.s -> leave
}

func init() {
	for i := range oneByteTable {
		oneByteTable[i] = unused(oneByteFirst, byte(i))
	}
	for _, d := range oneByteDefs {
		oneByteTable[d.b] = Opcode{
			Mnemonic: d.name, Pop: d.pop, Push: d.push, Operand: d.operand,
			EncodingLength: 1, Byte1: oneByteFirst, Byte2: d.b, Flow: d.flow,
		}
	}
	for i := range twoByteTable {
		twoByteTable[i] = unused(twoByteEscape, byte(i))
	}
	for _, d := range twoByteDefs {
		twoByteTable[d.b] = Opcode{
			Mnemonic: d.name, Pop: d.pop, Push: d.push, Operand: d.operand,
			EncodingLength: 2, Byte1: twoByteEscape, Byte2: d.b, Flow: d.flow,
		}
	}
}

// FromByte returns the one-byte opcode for b. Lookup is total: bytes with
// no assigned mnemonic return a reserved Unused opcode, matching the
// runtime's own leniency about encodings it hasn't defined yet.
func FromByte(b byte) Opcode {
	return oneByteTable[b]
}

// FromBytePair returns the two-byte (0xFE-prefixed) opcode named by b2.
// Unlike FromByte/the instruction parser's internal lookup, this is the
// strict API: a second byte outside the defined two-byte set is reported as
// ErrInvalidOpcode rather than silently treated as Unused.
func FromBytePair(b1, b2 byte) (Opcode, error) {
	if b1 != twoByteEscape {
		return Opcode{}, fmt.Errorf("cil: %#x is not the two-byte escape: %w", b1, ErrInvalidOpcode)
	}
	op := twoByteTable[b2]
	if op.Mnemonic == fmt.Sprintf("unused.%02x", b2) {
		return Opcode{}, fmt.Errorf("cil: undefined two-byte opcode 0xfe%02x: %w", b2, ErrInvalidOpcode)
	}
	return op, nil
}

// ShortToLongForm returns op's long-form sibling if op is a short-form
// branch, and op unchanged otherwise. Total function: never fails, so
// callers cannot accidentally promote a non-branch opcode into garbage.
func ShortToLongForm(op Opcode) Opcode {
	if op.EncodingLength != 1 {
		return op
	}
	if long, ok := shortToLongPairs[op.Byte2]; ok {
		return oneByteTable[long]
	}
	return op
}

// IsShortBranch reports whether op has a long-form counterpart distinct
// from itself.
func IsShortBranch(op Opcode) bool {
	_, ok := shortToLongPairs[op.Byte2]
	return ok && op.EncodingLength == 1
}
