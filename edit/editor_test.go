package edit

import (
	"testing"

	"github.com/elastic-clr/iljoin/cil"
)

func nopInstr() cil.Instruction {
	return cil.Instruction{Opcode: cil.FromByte(0x00), Operand: cil.NoneOperand{}}
}

func brS(delta int32) cil.Instruction {
	return cil.Instruction{Opcode: cil.FromByte(0x2B), Operand: cil.BrTargetOperand{Delta: delta}}
}

func retInstr() cil.Instruction {
	return cil.Instruction{Opcode: cil.FromByte(0x2A), Operand: cil.NoneOperand{}}
}

// newTinyMethod builds a fat method (so header growth never needs a
// separate widen step in these tests) with the given instructions.
func newTinyMethod(instrs []cil.Instruction) *cil.Method {
	m := &cil.Method{
		Header: cil.MethodHeader{IsFat: true, MaxStack: 8},
	}
	m.Instructions = instrs
	m.RecomputeCodeSize()
	off := 0
	for i := range m.Instructions {
		m.Instructions[i].Offset = off
		off += m.Instructions[i].EncodedLength()
	}
	return m
}

func TestInsertShiftsForwardBranchTarget(t *testing.T) {
	// [0] br.s (len 2, offset 0) targets offset 3 (the second nop), delta=1.
	// [1] nop  (offset 2)
	// [2] nop  (offset 3) <- target
	// [3] ret  (offset 4)
	m := newTinyMethod([]cil.Instruction{brS(1), nopInstr(), nopInstr(), retInstr()})
	e := New(m)

	if err := e.Insert(1, nopInstr()); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	br, ok := m.Instructions[0].Operand.(cil.BrTargetOperand)
	if !ok {
		t.Fatalf("instruction 0 operand = %T, want BrTargetOperand", m.Instructions[0].Operand)
	}
	// Inserting a nop at index 1 (offset 2) falls at-or-before the branch's
	// original target (offset 3), so the displacement must grow by the new
	// instruction's length (1) to keep pointing at the same instruction.
	if br.Delta != 2 {
		t.Fatalf("branch delta = %d, want 2", br.Delta)
	}
	if m.Header.CodeSize != 6 {
		t.Fatalf("code_size = %d, want 6", m.Header.CodeSize)
	}
}

func TestInsertPromotesShortBranchOnOverflow(t *testing.T) {
	m := newTinyMethod([]cil.Instruction{brS(1), nopInstr(), retInstr()})
	e := New(m)

	// Insert 130 nops right after the branch so its forward displacement
	// overflows i8 and must be promoted to a long branch.
	for i := 0; i < 130; i++ {
		if err := e.Insert(1, nopInstr()); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}

	if !m.Instructions[0].IsBranch() {
		t.Fatal("expected instruction 0 to remain a branch")
	}
	br, ok := m.Instructions[0].Operand.(cil.BrTargetOperand)
	if !ok {
		t.Fatalf("operand = %T, want BrTargetOperand", m.Instructions[0].Operand)
	}
	if !br.IsLong {
		t.Fatal("expected branch promoted to long form after displacement overflow")
	}
	if m.Instructions[0].Opcode.Mnemonic != "br" {
		t.Fatalf("mnemonic = %q, want br", m.Instructions[0].Opcode.Mnemonic)
	}
}

func TestInsertPrelude(t *testing.T) {
	m := newTinyMethod([]cil.Instruction{nopInstr(), retInstr()})
	m.Sections = []cil.Section{{
		IsFat: true,
		Clauses: []cil.Clause{
			{TryOffset: 0, TryLength: 2, HandlerOffset: 2, HandlerLength: 0},
		},
	}}
	e := New(m)

	prelude := []cil.Instruction{nopInstr(), nopInstr(), nopInstr()}
	if err := e.InsertPrelude(prelude); err != nil {
		t.Fatalf("InsertPrelude: %v", err)
	}

	if len(m.Instructions) != 5 {
		t.Fatalf("got %d instructions, want 5", len(m.Instructions))
	}
	c := m.Sections[0].Clauses[0]
	if c.TryOffset != 3 || c.HandlerOffset != 5 {
		t.Fatalf("clause = %+v, want try_offset=3 handler_offset=5", c)
	}
}

func TestPushClausesRequiresFatHeader(t *testing.T) {
	m := &cil.Method{Header: cil.MethodHeader{IsFat: false}, Instructions: []cil.Instruction{retInstr()}}
	m.RecomputeCodeSize()
	e := New(m)
	if err := e.PushClauses([]cil.Clause{{}}); err == nil {
		t.Fatal("expected error pushing clauses onto a tiny header")
	}
}

func TestPushClausesExtendsExistingSection(t *testing.T) {
	m := newTinyMethod([]cil.Instruction{retInstr()})
	m.Header.MoreSections = true
	m.Sections = []cil.Section{{IsFat: true, Clauses: []cil.Clause{{TryLength: 1}}}}
	e := New(m)

	if err := e.PushClauses([]cil.Clause{{TryLength: 2}, {TryLength: 3}}); err != nil {
		t.Fatalf("PushClauses: %v", err)
	}
	if len(m.Sections) != 1 {
		t.Fatalf("got %d sections, want 1 (extended, not duplicated)", len(m.Sections))
	}
	if len(m.Sections[0].Clauses) != 3 {
		t.Fatalf("got %d clauses, want 3", len(m.Sections[0].Clauses))
	}
}

func TestReplaceUpdatesCodeSize(t *testing.T) {
	m := newTinyMethod([]cil.Instruction{nopInstr(), retInstr()})
	e := New(m)
	call := cil.Instruction{Opcode: cil.FromByte(0x28), Operand: cil.NewTokenOperand(cil.InlineMethod, 0x0A000001)}
	if err := e.Replace(0, call); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if m.Header.CodeSize != 6 { // call(5) + ret(1)
		t.Fatalf("code_size = %d, want 6", m.Header.CodeSize)
	}
}
