// Package edit implements the method editor: the insert/replace/prelude/
// push-clauses operations that keep a cil.Method's branch targets, EH
// clause offsets, and header code-size/max-stack consistent as
// instructions are spliced in. The local-var signature is left unchanged.
package edit

import (
	"fmt"

	"github.com/elastic-clr/iljoin/cil"
)

// Editor wraps a *cil.Method and exposes the mutation operations of
// spec §4.5. All mutation goes through here rather than touching
// method.Instructions/Sections directly, so the invariants (code_size,
// max_stack, branch/clause offsets) are maintained by construction.
type Editor struct {
	Method *cil.Method
}

func New(m *cil.Method) *Editor {
	return &Editor{Method: m}
}

// GetOffset returns the byte offset of instruction index from the start of
// the instruction stream.
func (e *Editor) GetOffset(index int) int {
	off := 0
	for i := 0; i < index; i++ {
		off += e.Method.Instructions[i].EncodedLength()
	}
	return off
}

// Insert splices newInstr into the instruction list at index, fixing up
// the header, EH sections, and every branch target that crosses the
// insertion point.
func (e *Editor) Insert(index int, newInstr cil.Instruction) error {
	offset := e.GetOffset(index)
	lenDelta := newInstr.EncodedLength()
	stackDelta := newInstr.StackDelta()

	if err := e.updateHeader(lenDelta, &stackDelta); err != nil {
		return err
	}
	e.updateSections(offset, lenDelta)
	if err := e.updateInstructions(index, offset, lenDelta); err != nil {
		return err
	}

	instrs := make([]cil.Instruction, 0, len(e.Method.Instructions)+1)
	instrs = append(instrs, e.Method.Instructions[:index]...)
	instrs = append(instrs, newInstr)
	instrs = append(instrs, e.Method.Instructions[index:]...)
	e.Method.Instructions = instrs
	e.reassignOffsets()
	return nil
}

// Replace swaps the instruction at index for newInstr, adjusting header
// and cross-references by the size/stack delta between old and new.
func (e *Editor) Replace(index int, newInstr cil.Instruction) error {
	old := e.Method.Instructions[index]
	offset := e.GetOffset(index)
	lenDelta := newInstr.EncodedLength() - old.EncodedLength()
	stackDelta := newInstr.StackDelta() - old.StackDelta()

	if err := e.updateHeader(lenDelta, &stackDelta); err != nil {
		return err
	}
	e.updateSections(offset, lenDelta)
	if err := e.updateInstructions(index, offset, lenDelta); err != nil {
		return err
	}

	e.Method.Instructions[index] = newInstr
	e.reassignOffsets()
	return nil
}

// InsertPrelude splices instrs at the very front of the instruction list.
func (e *Editor) InsertPrelude(instrs []cil.Instruction) error {
	lenDelta := 0
	stackDelta := 0
	for _, in := range instrs {
		lenDelta += in.EncodedLength()
		stackDelta += in.StackDelta()
	}
	if err := e.updateHeader(lenDelta, &stackDelta); err != nil {
		return err
	}
	e.updateSections(0, lenDelta)

	merged := make([]cil.Instruction, 0, len(instrs)+len(e.Method.Instructions))
	merged = append(merged, instrs...)
	merged = append(merged, e.Method.Instructions...)
	e.Method.Instructions = merged
	e.reassignOffsets()
	return nil
}

// PushClauses attaches clauses as a fat EH section, extending the method's
// existing fat section if it has one. The header must already be fat.
func (e *Editor) PushClauses(clauses []cil.Clause) error {
	if !e.Method.Header.IsFat {
		return fmt.Errorf("edit: cannot attach EH clauses to a tiny method: %w", cil.ErrInvalidMethodHeader)
	}
	for i := range e.Method.Sections {
		if e.Method.Sections[i].IsFat {
			e.Method.Sections[i].Clauses = append(e.Method.Sections[i].Clauses, clauses...)
			return nil
		}
	}
	e.Method.Header.MoreSections = true
	e.Method.Sections = append(e.Method.Sections, cil.Section{IsFat: true, Clauses: clauses})
	return nil
}

// updateHeader adjusts code_size by lenDelta and, if stackDelta is
// non-nil, max_stack by *stackDelta.
func (e *Editor) updateHeader(lenDelta int, stackDelta *int) error {
	h := &e.Method.Header
	if h.IsFat {
		newSize := int64(h.CodeSize) + int64(lenDelta)
		if newSize < 0 || newSize > 0xFFFFFFFF {
			return fmt.Errorf("edit: code size overflow: %w", cil.ErrCodeSizeOverflow)
		}
		h.CodeSize = uint32(newSize)
		if stackDelta != nil {
			newStack := int64(h.MaxStack) + int64(*stackDelta)
			if newStack < 0 || newStack > 0xFFFF {
				return fmt.Errorf("edit: max stack overflow: %w", cil.ErrStackSizeOverflow)
			}
			h.MaxStack = uint16(newStack)
		}
		return nil
	}
	newSize := int64(h.TinyCodeSize) + int64(lenDelta)
	if newSize < 0 || newSize > 0xFF {
		return fmt.Errorf("edit: tiny code size overflow, caller must widen to fat first: %w", cil.ErrCodeSizeOverflow)
	}
	h.TinyCodeSize = uint8(newSize)
	return nil
}

// updateSections shifts every EH clause's offsets/lengths that fall at or
// after offset by lenDelta, per the rules of spec §4.5 update_sections.
func (e *Editor) updateSections(offset, lenDelta int) {
	for si := range e.Method.Sections {
		clauses := e.Method.Sections[si].Clauses
		for ci := range clauses {
			c := &clauses[ci]
			shiftRange(&c.TryOffset, &c.TryLength, offset, lenDelta)
			shiftRange(&c.HandlerOffset, &c.HandlerLength, offset, lenDelta)
			if c.IsFilter() && offset <= int(c.ClassTokenOrFilterOffset) {
				c.ClassTokenOrFilterOffset = uint32(int64(c.ClassTokenOrFilterOffset) + int64(lenDelta))
			}
		}
	}
}

func shiftRange(start, length *uint32, offset, lenDelta int) {
	if offset <= int(*start) {
		*start = uint32(int64(*start) + int64(lenDelta))
	} else if offset <= int(*start)+int(*length) {
		*length = uint32(int64(*length) + int64(lenDelta))
	}
}

// updateInstructions walks every branch-bearing instruction and fixes up
// displacements that cross the insertion point at (index, offset), per
// spec §4.5's "why a map walk" explanation: displacements are byte offsets,
// not instruction indices, so crossing is determined by accumulating
// encoded lengths rather than comparing indices directly.
func (e *Editor) updateInstructions(index, offset, lenDelta int) error {
	instrs := e.Method.Instructions
	lengths := make([]int, len(instrs))
	for i, in := range instrs {
		lengths[i] = in.EncodedLength()
	}

	type followUp struct {
		offset int
		delta  int
	}
	var followUps []followUp

	offsetOf := func(i int) int {
		o := 0
		for k := 0; k < i; k++ {
			o += lengths[k]
		}
		return o
	}

	for i, in := range instrs {
		nextOff := offsetOf(i) + lengths[i]
		switch operand := in.Operand.(type) {
		case cil.BrTargetOperand:
			target := nextOff + int(operand.Delta)
			crosses := (i < index && target >= offset) || (i >= index && target < offset)
			if !crosses {
				continue
			}
			newDelta := operand.Delta
			if i < index {
				newDelta += int32(lenDelta)
			} else {
				newDelta -= int32(lenDelta)
			}
			if !operand.IsLong && (newDelta < -128 || newDelta > 127) {
				longOp := cil.ShortToLongForm(in.Opcode)
				oldLen := lengths[i]
				instrs[i].Opcode = longOp
				instrs[i].Operand = cil.BrTargetOperand{Delta: newDelta, IsLong: true}
				newLen := instrs[i].EncodedLength()
				lengths[i] = newLen
				followUps = append(followUps, followUp{offset: offsetOf(i), delta: newLen - oldLen})
				continue
			}
			instrs[i].Operand = cil.BrTargetOperand{Delta: newDelta, IsLong: operand.IsLong}

		case cil.SwitchOperand:
			deltas := make([]int32, len(operand.Deltas))
			copy(deltas, operand.Deltas)
			changed := false
			for di, d := range deltas {
				target := nextOff + int(d)
				crosses := (i < index && target >= offset) || (i >= index && target < offset)
				if !crosses {
					continue
				}
				if i < index {
					deltas[di] = d + int32(lenDelta)
				} else {
					deltas[di] = d - int32(lenDelta)
				}
				changed = true
			}
			if changed {
				instrs[i].Operand = cil.SwitchOperand{Deltas: deltas}
			}
		}
	}

	for _, f := range followUps {
		if err := e.updateHeader(f.delta, nil); err != nil {
			return err
		}
		e.updateSections(f.offset, f.delta)
	}
	return nil
}

// ReassignOffsets recomputes Instruction.Offset for the whole list and
// refreshes the header's code_size to match. Exported so callers that mutate
// an operand directly (e.g. calltarget's post-hoc leave-target fixup) can
// re-sync offsets without going through Insert/Replace.
func (e *Editor) ReassignOffsets() {
	e.reassignOffsets()
}

// reassignOffsets recomputes Instruction.Offset for the whole list and
// refreshes the header's code_size to match. Called after every structural
// mutation so offsets never drift from reality.
func (e *Editor) reassignOffsets() {
	off := 0
	for i := range e.Method.Instructions {
		e.Method.Instructions[i].Offset = off
		off += e.Method.Instructions[i].EncodedLength()
	}
	e.Method.RecomputeCodeSize()
}
