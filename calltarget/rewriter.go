package calltarget

import (
	"fmt"

	"github.com/elastic-clr/iljoin/cil"
	"github.com/elastic-clr/iljoin/edit"
	"github.com/elastic-clr/iljoin/hostabi"
	"github.com/elastic-clr/iljoin/sig"
	"github.com/elastic-clr/iljoin/tokens"
)

// localVarSigTag is the leading byte of a LocalVarSig blob (MS-ECMA-335
// §II.23.2.6), distinct from a MethodDefSig's calling-convention byte.
const localVarSigTag = 0x07

// localSlots is the fixed order the rewriter appends to a method's local
// signature: return_value, exception, call_target_return, call_target_state.
// return_value is appended only for a non-void method; a void method gets
// the other three slots and its returnValue index is -1.
type localSlots struct {
	returnValue      int
	exception        int
	callTargetReturn int
	callTargetState  int
}

// Skip is returned by Rewrite (wrapping an explanatory reason) when fn
// cannot be instrumented; this is not an error the caller should log as a
// failure, only a reason to fall back to the unmodified method body.
type Skip struct {
	Reason string
}

func (s *Skip) Error() string { return "calltarget: skip: " + s.Reason }

// canRewrite applies the preconditions of spec §4.7: no ref/out parameters,
// the method must be static (an instance receiver is passed as the first
// fast-path argument, which this module does not yet resolve), and the
// declaring type must not be a generic value type (its RuntimeTypeHandle
// can't be looked up without the instantiation, which isn't available at
// rewrite time).
func canRewrite(fn hostabi.FunctionInfo) error {
	if fn.HasByRefParameter {
		return &Skip{Reason: "method has a byref parameter"}
	}
	if !fn.IsStatic {
		return &Skip{Reason: "method is not static"}
	}
	if fn.DeclaringTypeIsValueType && fn.DeclaringTypeIsGeneric {
		return &Skip{Reason: "declaring type is a generic value type"}
	}
	return nil
}

// leavePatch records a leave.s instruction (by its final index in
// method.Instructions) whose branch target is only known once every
// instruction that precedes it in the emitted stream has settled into
// place; all such patches are applied in a single pass once the whole
// body, both ex-handlers, and the tail have been laid out.
type leavePatch struct {
	index  int
	target int
}

func patchLeaves(method *cil.Method, patches []leavePatch) {
	for _, p := range patches {
		site := method.Instructions[p.index]
		delta := int32(p.target - site.NextOffset())
		if delta < -128 || delta > 127 {
			method.Instructions[p.index].Opcode = cil.ShortToLongForm(site.Opcode)
			method.Instructions[p.index].Operand = cil.BrTargetOperand{Delta: delta, IsLong: true}
		} else {
			method.Instructions[p.index].Operand = cil.BrTargetOperand{Delta: delta, IsLong: false}
		}
	}
}

// Rewrite weaves the call-target prologue/epilogue into method in place, per
// spec §4.7: a BeginMethod call before the original body, an outer
// try/catch/finally around it whose catch rethrows and whose finally calls
// EndMethod, and — nested inside the prologue and the finally respectively —
// a beginMethodEx and an endMethodEx catch that each isolate an exception
// thrown by the instrumentation's own BeginMethod/EndMethod call, logging it
// via LogException instead of letting it reach the host's method in place of
// whatever the original body would have thrown. argTypeSigs/returnTypeSig
// are the method's parameter and return Type blobs (sans calling convention
// byte), used to pick the BeginMethod/EndMethod overload and to build the
// widened local-variable signature.
func Rewrite(method *cil.Method, tok *CalltargetTokens, fn hostabi.FunctionInfo, emitter emitterWithSig, argTypeSigs [][]byte, returnTypeSig []byte) error {
	if err := canRewrite(fn); err != nil {
		return err
	}

	isVoid := len(returnTypeSig) == 1 && sig.ElementType(returnTypeSig[0]) == sig.ElementTypeVoid

	method.ExpandTinyToFat()
	method.ExpandSmallSectionsToFat()
	method.Header.InitLocals = true

	slots, err := widenLocalSig(method, emitter, tok, isVoid, returnTypeSig)
	if err != nil {
		return fmt.Errorf("calltarget: widening local signature: %w", err)
	}

	ed := edit.New(method)
	var patches []leavePatch

	// --- prologue: BeginMethod call, wrapped in its own beginMethodEx catch ---
	beginTry, err := buildPrologue(tok, fn, argTypeSigs, slots)
	if err != nil {
		return fmt.Errorf("calltarget: building prologue: %w", err)
	}
	beginCatch, err := buildExLogCatch(tok)
	if err != nil {
		return fmt.Errorf("calltarget: building beginMethodEx handler: %w", err)
	}
	beginTryLeaveIdx := len(beginTry)
	beginTry = append(beginTry, leaveS(0))
	beginCatchLeaveIdx := len(beginTry) + len(beginCatch)
	beginCatch = append(beginCatch, leaveS(0))

	originalLen := 0
	for _, in := range method.Instructions {
		originalLen += in.EncodedLength()
	}

	prologue := append(append([]cil.Instruction{}, beginTry...), beginCatch...)
	if err := ed.InsertPrelude(prologue); err != nil {
		return fmt.Errorf("calltarget: inserting prologue: %w", err)
	}

	beginTryLen := 0
	for _, in := range beginTry {
		beginTryLen += in.EncodedLength()
	}
	beginCatchLen := 0
	for _, in := range beginCatch {
		beginCatchLen += in.EncodedLength()
	}
	bodyStart := beginTryLen + beginCatchLen

	// returnSites records the index of each leave.s the rewriter substitutes
	// for an original ret; their targets are only known once the tail's
	// final offset is fixed, so they're patched in the same final pass.
	returnSites, err := rewriteReturnsToLeave(ed, bodyStart, originalLen, slots, isVoid)
	if err != nil {
		return fmt.Errorf("calltarget: rewriting returns: %w", err)
	}
	bodyLen := 0
	for _, in := range method.Instructions {
		if in.Offset >= bodyStart {
			bodyLen += in.EncodedLength()
		}
	}

	// --- outer catch: any exception from the original body is stashed and rethrown ---
	outerCatchOffset := bodyStart + bodyLen
	outerCatchBody, err := buildCatchHandler(tok, slots)
	if err != nil {
		return fmt.Errorf("calltarget: building catch handler: %w", err)
	}
	for _, in := range outerCatchBody {
		if err := ed.Insert(len(method.Instructions), in); err != nil {
			return fmt.Errorf("calltarget: appending catch handler: %w", err)
		}
	}
	outerCatchLen := 0
	for _, in := range outerCatchBody {
		outerCatchLen += in.EncodedLength()
	}
	rethrowEnd := outerCatchOffset + outerCatchLen

	// --- finally: EndMethod call, wrapped in its own endMethodEx catch ---
	finallyTry, err := buildFinallyTry(tok, slots, isVoid, returnTypeSig)
	if err != nil {
		return fmt.Errorf("calltarget: building finally handler: %w", err)
	}
	finallyCatch, err := buildExLogCatch(tok)
	if err != nil {
		return fmt.Errorf("calltarget: building endMethodEx handler: %w", err)
	}
	finallyTryAppendStart := len(method.Instructions)
	finallyTryLeaveIdx := finallyTryAppendStart + len(finallyTry)
	finallyTry = append(finallyTry, leaveS(0))
	for _, in := range finallyTry {
		if err := ed.Insert(len(method.Instructions), in); err != nil {
			return fmt.Errorf("calltarget: appending finally try: %w", err)
		}
	}
	finallyTryLen := 0
	for _, in := range finallyTry {
		finallyTryLen += in.EncodedLength()
	}

	finallyCatchAppendStart := len(method.Instructions)
	finallyCatchLeaveIdx := finallyCatchAppendStart + len(finallyCatch)
	finallyCatch = append(finallyCatch, leaveS(0))
	for _, in := range finallyCatch {
		if err := ed.Insert(len(method.Instructions), in); err != nil {
			return fmt.Errorf("calltarget: appending finally catch: %w", err)
		}
	}
	finallyCatchLen := 0
	for _, in := range finallyCatch {
		finallyCatchLen += in.EncodedLength()
	}

	endfinallyOffset := rethrowEnd + finallyTryLen + finallyCatchLen
	if err := ed.Insert(len(method.Instructions), endfinally()); err != nil {
		return fmt.Errorf("calltarget: appending endfinally: %w", err)
	}

	tailOffset := endfinallyOffset + 1
	tailBody, err := buildTail(slots, isVoid)
	if err != nil {
		return fmt.Errorf("calltarget: building tail: %w", err)
	}
	for _, in := range tailBody {
		if err := ed.Insert(len(method.Instructions), in); err != nil {
			return fmt.Errorf("calltarget: appending tail: %w", err)
		}
	}

	patches = append(patches,
		leavePatch{index: beginTryLeaveIdx, target: bodyStart},
		leavePatch{index: beginCatchLeaveIdx, target: bodyStart},
		leavePatch{index: finallyTryLeaveIdx, target: endfinallyOffset},
		leavePatch{index: finallyCatchLeaveIdx, target: endfinallyOffset},
	)
	for _, idx := range returnSites {
		patches = append(patches, leavePatch{index: idx, target: tailOffset})
	}
	patchLeaves(method, patches)
	ed.ReassignOffsets()

	exceptionRef, err := tok.ExceptionTypeRef()
	if err != nil {
		return err
	}
	clauses := []cil.Clause{
		{ // beginMethodEx: catches BeginMethod's own exceptions
			Flags:                    cil.ClauseNone,
			TryOffset:                0,
			TryLength:                uint32(beginTryLen),
			HandlerOffset:            uint32(beginTryLen),
			HandlerLength:            uint32(beginCatchLen),
			ClassTokenOrFilterOffset: uint32(exceptionRef),
		},
		{ // endMethodEx: catches EndMethod's own exceptions
			Flags:                    cil.ClauseNone,
			TryOffset:                uint32(rethrowEnd),
			TryLength:                uint32(finallyTryLen),
			HandlerOffset:            uint32(rethrowEnd + finallyTryLen),
			HandlerLength:            uint32(finallyCatchLen),
			ClassTokenOrFilterOffset: uint32(exceptionRef),
		},
		{ // outerCatch: the original method body's own exceptions
			Flags:                    cil.ClauseNone,
			TryOffset:                0,
			TryLength:                uint32(outerCatchOffset),
			HandlerOffset:            uint32(outerCatchOffset),
			HandlerLength:            uint32(outerCatchLen),
			ClassTokenOrFilterOffset: uint32(exceptionRef),
		},
		{ // outerFinally: always runs EndMethod, whichever path was taken
			Flags:         cil.ClauseFinally,
			TryOffset:     0,
			TryLength:     uint32(rethrowEnd),
			HandlerOffset: uint32(rethrowEnd),
			HandlerLength: uint32(tailOffset - rethrowEnd),
		},
	}
	if err := ed.PushClauses(clauses); err != nil {
		return fmt.Errorf("calltarget: attaching EH clauses: %w", err)
	}
	return nil
}

// emitterWithSig is the subset of metadata.Emitter the rewriter's local-sig
// widening needs, named separately so rewriter.go doesn't import the
// metadata package just to spell out the same method set CalltargetTokens
// already closes over.
type emitterWithSig interface {
	GetSigFromToken(tok tokens.Token) ([]byte, error)
	GetTokenFromSig(signature []byte) (tokens.Token, error)
}

// widenLocalSig appends the four call-target local slots to method's
// existing local-variable signature (or creates one if it had none),
// returning their indices. The original locals keep their indices; new
// slots are appended, so nothing upstream that references an existing
// local by index needs to change.
func widenLocalSig(method *cil.Method, emitter emitterWithSig, tok *CalltargetTokens, isVoid bool, returnTypeSig []byte) (localSlots, error) {
	var existingCount int
	var existingBlob []byte
	if !method.Header.LocalVarSigTok.IsNil() {
		blob, err := emitter.GetSigFromToken(method.Header.LocalVarSigTok)
		if err != nil {
			return localSlots{}, err
		}
		n, count, err := countLocals(blob)
		if err != nil {
			return localSlots{}, err
		}
		existingBlob = blob
		existingCount = count
		_ = n
	}

	newBlob := append([]byte{}, existingBlob...)
	if len(existingBlob) == 0 {
		newBlob = []byte{localVarSigTag}
	}

	addedTypes := make([][]byte, 0, 4)
	slots := localSlots{}
	next := existingCount

	if !isVoid {
		addedTypes = append(addedTypes, returnTypeSig)
		slots.returnValue = next
		next++
	} else {
		slots.returnValue = -1
	}

	excRef, err := tok.ExceptionTypeRef()
	if err != nil {
		return localSlots{}, err
	}
	excType := append([]byte{byte(sig.ElementTypeClass)}, sig.CompressToken(excRef)...)
	addedTypes = append(addedTypes, excType)
	slots.exception = next
	next++

	var retType []byte
	if isVoid {
		retRef, err := tok.CallTargetReturnVoidTypeRef()
		if err != nil {
			return localSlots{}, err
		}
		retType = append([]byte{byte(sig.ElementTypeValueType)}, sig.CompressToken(retRef)...)
	} else {
		retRef, err := tok.CallTargetReturnTypeRef()
		if err != nil {
			return localSlots{}, err
		}
		retType = append([]byte{byte(sig.ElementTypeGenericInst), byte(sig.ElementTypeValueType)}, sig.CompressToken(retRef)...)
		retType = append(retType, 0x01)
		retType = append(retType, returnTypeSig...)
	}
	addedTypes = append(addedTypes, retType)
	slots.callTargetReturn = next
	next++

	stateRef, err := tok.CallTargetStateTypeRef()
	if err != nil {
		return localSlots{}, err
	}
	stateType := append([]byte{byte(sig.ElementTypeValueType)}, sig.CompressToken(stateRef)...)
	addedTypes = append(addedTypes, stateType)
	slots.callTargetState = next

	totalCount := existingCount + len(addedTypes)
	head := append([]byte{localVarSigTag}, sig.CompressData(uint32(totalCount))...)
	body := existingLocalsBody(existingBlob)
	for _, t := range addedTypes {
		body = append(body, t...)
	}
	newBlob = append(head, body...)

	newTok, err := emitter.GetTokenFromSig(newBlob)
	if err != nil {
		return localSlots{}, err
	}
	method.Header.LocalVarSigTok = newTok
	return slots, nil
}

// countLocals parses a LocalVarSig blob's count field, returning the number
// of bytes consumed by the tag+count and the count itself.
func countLocals(blob []byte) (int, int, error) {
	if len(blob) < 1 || blob[0] != localVarSigTag {
		return 0, 0, fmt.Errorf("calltarget: not a LocalVarSig blob")
	}
	count, n, err := sig.ParseNumber(blob[1:])
	if err != nil {
		return 0, 0, err
	}
	return 1 + n, int(count), nil
}

// existingLocalsBody strips the tag+count prefix, returning just the
// sequence of per-local Type encodings to preserve when appending new ones.
func existingLocalsBody(blob []byte) []byte {
	if len(blob) == 0 {
		return nil
	}
	prefixLen, _, err := countLocals(blob)
	if err != nil {
		return nil
	}
	return append([]byte{}, blob[prefixLen:]...)
}

func nop() cil.Instruction { return cil.Instruction{Opcode: cil.FromByte(0x00), Operand: cil.NoneOperand{}} }

func ldarg(index uint16) cil.Instruction {
	op, _ := cil.FromBytePair(0xFE, 0x09)
	return cil.Instruction{Opcode: op, Operand: cil.VarOperand{Index: index, IsLong: true}}
}

func ldloc(index int) cil.Instruction {
	op, _ := cil.FromBytePair(0xFE, 0x0C)
	return cil.Instruction{Opcode: op, Operand: cil.VarOperand{Index: uint16(index), IsLong: true}}
}

func stloc(index int) cil.Instruction {
	op, _ := cil.FromBytePair(0xFE, 0x0E)
	return cil.Instruction{Opcode: op, Operand: cil.VarOperand{Index: uint16(index), IsLong: true}}
}

func ldnull() cil.Instruction { return cil.Instruction{Opcode: cil.FromByte(0x14), Operand: cil.NoneOperand{}} }

func call(member tokens.Token) cil.Instruction {
	return cil.Instruction{Opcode: cil.FromByte(0x28), Operand: cil.NewTokenOperand(cil.InlineMethod, member)}
}

func leaveS(delta int32) cil.Instruction {
	return cil.Instruction{Opcode: cil.FromByte(0xDE), Operand: cil.BrTargetOperand{Delta: delta, IsLong: false}}
}

func popInstr() cil.Instruction { return cil.Instruction{Opcode: cil.FromByte(0x26), Operand: cil.NoneOperand{}} }

func rethrow() cil.Instruction {
	op, _ := cil.FromBytePair(0xFE, 0x1A)
	return cil.Instruction{Opcode: op, Operand: cil.NoneOperand{}}
}

func endfinally() cil.Instruction {
	return cil.Instruction{Opcode: cil.FromByte(0xDC), Operand: cil.NoneOperand{}}
}

// buildPrologue emits: load the generic target's arguments onto the stack
// (the receiver is argument 0 for an instance method; static methods pass
// a null target), call the arity-appropriate BeginMethod fast path (or the
// array slow path beyond the fast-path arity), and store the resulting
// CallTargetState into its local slot.
func buildPrologue(tok *CalltargetTokens, fn hostabi.FunctionInfo, argTypeSigs [][]byte, slots localSlots) ([]cil.Instruction, error) {
	var instrs []cil.Instruction
	instrs = append(instrs, ldnull()) // TTarget: static-only in this module, per canRewrite

	arity := len(argTypeSigs)
	var member tokens.Token
	var err error
	if arity <= maxFastPathArity {
		member, err = tok.BeginMethodFastPath(arity)
		if err != nil {
			return nil, err
		}
		for i := 0; i < arity; i++ {
			instrs = append(instrs, ldarg(uint16(i)))
		}
	} else {
		member, err = tok.BeginArrayMember()
		if err != nil {
			return nil, err
		}
	}
	instrs = append(instrs, call(member))
	instrs = append(instrs, stloc(slots.callTargetState))
	return instrs, nil
}

// rewriteReturnsToLeave replaces every `ret` inside [tryOffset,
// tryOffset+tryLength) with a store-then-leave sequence so control always
// exits the try region through the finally handler. Per spec's edge case
// for a non-void method, the return value is stashed in its local slot
// before leaving so the tail can reload and return it after EndMethod runs.
func rewriteReturnsToLeave(ed *edit.Editor, tryOffset, tryLength int, slots localSlots, isVoid bool) ([]int, error) {
	method := ed.Method
	var leaveIndices []int
	for i := 0; i < len(method.Instructions); i++ {
		in := method.Instructions[i]
		if in.Offset < tryOffset || in.Offset >= tryOffset+tryLength {
			continue
		}
		if in.Opcode.Flow != cil.FlowReturn || in.Opcode.Mnemonic != "ret" {
			continue
		}
		var replacement []cil.Instruction
		if !isVoid {
			replacement = append(replacement, stloc(slots.returnValue))
		}
		replacement = append(replacement, leaveS(0))

		sizeBefore := int(method.Header.CodeSizeValue())
		if err := ed.Replace(i, replacement[0]); err != nil {
			return nil, err
		}
		for j := 1; j < len(replacement); j++ {
			if err := ed.Insert(i+j, replacement[j]); err != nil {
				return nil, err
			}
		}
		// The try region grows with each replacement, so later rets stay in range.
		tryLength += int(method.Header.CodeSizeValue()) - sizeBefore
		leaveIndices = append(leaveIndices, i+len(replacement)-1)
		i += len(replacement) - 1
	}
	return leaveIndices, nil
}

// buildCatchHandler emits: store the exception the CLR pushes on entry to
// the outer catch handler into its local slot, rethrow it (the managed
// profiler's contract is observe-don't-suppress; the original exception
// always propagates to the host unchanged).
func buildCatchHandler(tok *CalltargetTokens, slots localSlots) ([]cil.Instruction, error) {
	return []cil.Instruction{
		stloc(slots.exception),
		rethrow(),
	}, nil
}

// buildExLogCatch emits the body of an instrumentation-exception handler
// (beginMethodEx/endMethodEx): call LogException with the exception the CLR
// already pushed on entry to the catch. The caller appends the leave.s past
// the handler once its target offset is known.
func buildExLogCatch(tok *CalltargetTokens) ([]cil.Instruction, error) {
	logEx, err := tok.LogExceptionRef()
	if err != nil {
		return nil, err
	}
	return []cil.Instruction{call(logEx)}, nil
}

// buildFinallyTry emits: ldnull target, ldloc return_value (non-void methods
// only), ldloc exception, ldloc state, call EndMethod (void or <T> overload), discarding its CallTargetReturn result.
// The caller appends the leave.s that exits past the endMethodEx handler,
// and the endfinally that follows it.
func buildFinallyTry(tok *CalltargetTokens, slots localSlots, isVoid bool, returnTypeSig []byte) ([]cil.Instruction, error) {
	var instrs []cil.Instruction
	instrs = append(instrs, ldnull()) // TTarget
	if !isVoid {
		instrs = append(instrs, ldloc(slots.returnValue))
	}
	instrs = append(instrs, ldloc(slots.exception))
	instrs = append(instrs, ldloc(slots.callTargetState))

	var member tokens.Token
	var err error
	if isVoid {
		member, err = tok.EndVoidMember()
	} else {
		member, err = tok.EndMember(returnTypeSig)
	}
	if err != nil {
		return nil, err
	}
	instrs = append(instrs, call(member), popInstr())
	return instrs, nil
}

// buildTail reloads the stashed return value (if any) and returns,
// replacing the method's original `ret`.
func buildTail(slots localSlots, isVoid bool) ([]cil.Instruction, error) {
	if isVoid {
		return []cil.Instruction{{Opcode: cil.FromByte(0x2A), Operand: cil.NoneOperand{}}}, nil
	}
	return []cil.Instruction{
		ldloc(slots.returnValue),
		{Opcode: cil.FromByte(0x2A), Operand: cil.NoneOperand{}},
	}, nil
}
