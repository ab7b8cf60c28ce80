package cil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type instructionTest struct {
	name string
	in   Instruction
	want []byte
}

var instructionTests = []instructionTest{
	{
		name: "nop",
		in:   Instruction{Opcode: FromByte(0x00), Operand: NoneOperand{}},
		want: []byte{0x00},
	},
	{
		name: "ret",
		in:   Instruction{Opcode: FromByte(0x2A), Operand: NoneOperand{}},
		want: []byte{0x2A},
	},
	{
		name: "ldarg.s 4",
		in:   Instruction{Opcode: FromByte(0x0E), Operand: VarOperand{Index: 4}},
		want: []byte{0x0E, 0x04},
	},
	{
		name: "ldc.i4 1000",
		in:   Instruction{Opcode: FromByte(0x20), Operand: Int32Operand(1000)},
		want: []byte{0x20, 0xE8, 0x03, 0x00, 0x00},
	},
	{
		name: "ldc.i8 -1",
		in:   Instruction{Opcode: FromByte(0x21), Operand: Int64Operand(-1)},
		want: []byte{0x21, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	},
	{
		name: "call token",
		in:   Instruction{Opcode: FromByte(0x28), Operand: NewTokenOperand(InlineMethod, 0x0A000001)},
		want: []byte{0x28, 0x01, 0x00, 0x00, 0x0A},
	},
	{
		name: "br.s +5",
		in:   Instruction{Opcode: FromByte(0x2B), Operand: BrTargetOperand{Delta: 5}},
		want: []byte{0x2B, 0x05},
	},
}

func TestInstructionRoundTrip(t *testing.T) {
	for _, tt := range instructionTests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Emit(nil)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Emit() mismatch (-want +got):\n%s", diff)
			}
			parsed, n, err := Parse(got, 0)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if n != len(got) {
				t.Fatalf("Parse consumed %d bytes, want %d", n, len(got))
			}
			if diff := cmp.Diff(tt.in.Opcode.Mnemonic, parsed.Opcode.Mnemonic); diff != "" {
				t.Fatalf("round-trip opcode mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.in.Operand, parsed.Operand, cmp.AllowUnexported(TokenOperand{})); diff != "" {
				t.Fatalf("round-trip operand mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTwoByteOpcodeRoundTrip(t *testing.T) {
	in := Instruction{Opcode: twoByteTable[0x01], Operand: NoneOperand{}} // ceq
	got := in.Emit(nil)
	want := []byte{0xFE, 0x01}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Emit() mismatch (-want +got):\n%s", diff)
	}
	parsed, n, err := Parse(got, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n != 2 {
		t.Fatalf("consumed %d bytes, want 2", n)
	}
	if parsed.Opcode.Mnemonic != "ceq" {
		t.Fatalf("got mnemonic %q, want ceq", parsed.Opcode.Mnemonic)
	}
}

func TestSwitchRoundTrip(t *testing.T) {
	in := Instruction{
		Opcode:  FromByte(0x45),
		Operand: SwitchOperand{Deltas: []int32{10, -20, 30}},
	}
	got := in.Emit(nil)
	parsed, n, err := Parse(got, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n != len(got) {
		t.Fatalf("consumed %d, want %d", n, len(got))
	}
	sw, ok := parsed.Operand.(SwitchOperand)
	if !ok {
		t.Fatalf("operand type = %T, want SwitchOperand", parsed.Operand)
	}
	if diff := cmp.Diff([]int32{10, -20, 30}, sw.Deltas); diff != "" {
		t.Fatalf("deltas mismatch (-want +got):\n%s", diff)
	}
}

func TestFromBytePairUndefined(t *testing.T) {
	if _, err := FromBytePair(0xFE, 0x08); err == nil {
		t.Fatal("expected error for undefined two-byte opcode 0xfe08")
	}
}

func TestShortToLongForm(t *testing.T) {
	short := FromByte(0x2B) // br.s
	long := ShortToLongForm(short)
	if long.Mnemonic != "br" {
		t.Fatalf("got %q, want br", long.Mnemonic)
	}
	// identity on non-branches
	nop := FromByte(0x00)
	if ShortToLongForm(nop).Mnemonic != "nop" {
		t.Fatal("ShortToLongForm must be identity on non-branch opcodes")
	}
}

func TestStackDelta(t *testing.T) {
	add := Instruction{Opcode: FromByte(0x58)} // add: Pop1Pop1 -> Push1
	if add.StackDelta() != -1 {
		t.Fatalf("add StackDelta() = %d, want -1", add.StackDelta())
	}
	dup := Instruction{Opcode: FromByte(0x25)} // dup: Pop1 -> Push1Push1
	if dup.StackDelta() != 1 {
		t.Fatalf("dup StackDelta() = %d, want 1", dup.StackDelta())
	}
}
