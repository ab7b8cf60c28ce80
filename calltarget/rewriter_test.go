package calltarget

import (
	"testing"

	"github.com/elastic-clr/iljoin/cil"
	"github.com/elastic-clr/iljoin/hostabi"
	"github.com/elastic-clr/iljoin/metadata/metadatafake"
	"github.com/elastic-clr/iljoin/sig"
	"github.com/elastic-clr/iljoin/tokens"
)

func newTinyAddMethod() *cil.Method {
	// static int Add(int a, int b) { return a + b; }
	// ldarg.0; ldarg.1; add; ret
	instrs := []cil.Instruction{
		{Opcode: cil.FromByte(0x02), Operand: cil.NoneOperand{}},
		{Opcode: cil.FromByte(0x03), Operand: cil.NoneOperand{}},
		{Opcode: cil.FromByte(0x58), Operand: cil.NoneOperand{}},
		{Opcode: cil.FromByte(0x2A), Operand: cil.NoneOperand{}},
	}
	off := 0
	for i := range instrs {
		instrs[i].Offset = off
		off += instrs[i].EncodedLength()
	}
	m := &cil.Method{
		Header:       cil.MethodHeader{IsFat: false, TinyCodeSize: uint8(off)},
		Instructions: instrs,
	}
	return m
}

func testProfilerAssembly() ProfilerAssembly {
	return ProfilerAssembly{Name: "Elastic.Apm.Profiler.Managed", Version: [4]uint16{1, 0, 0, 0}}
}

func TestRewriteWeavesPrologueAndEpilogue(t *testing.T) {
	method := newTinyAddMethod()
	emitter := metadatafake.New()
	tok := NewCalltargetTokens(emitter, testProfilerAssembly())

	fn := hostabi.FunctionInfo{IsStatic: true}
	i4 := []byte{byte(sig.ElementTypeI4)}

	if err := Rewrite(method, tok, fn, emitter, [][]byte{i4, i4}, i4); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	if !method.Header.IsFat {
		t.Fatal("expected method to be widened to fat header after rewrite")
	}
	if !method.Header.MoreSections {
		t.Fatal("expected MoreSections after attaching EH clauses")
	}
	if len(method.Sections) != 1 || len(method.Sections[0].Clauses) != 4 {
		t.Fatalf("expected one fat section with 4 clauses (beginMethodEx, endMethodEx, outerCatch, outerFinally), got %+v", method.Sections)
	}
	if method.Header.LocalVarSigTok.IsNil() {
		t.Fatal("expected a local-var signature token after widening")
	}

	clauses := method.Sections[0].Clauses
	beginMethodEx, endMethodEx, outerCatch, outerFinally := clauses[0], clauses[1], clauses[2], clauses[3]
	if outerFinally.Flags != cil.ClauseFinally {
		t.Errorf("expected the last clause to be the outer finally, got flags %v", outerFinally.Flags)
	}
	for name, c := range map[string]cil.Clause{"beginMethodEx": beginMethodEx, "endMethodEx": endMethodEx, "outerCatch": outerCatch} {
		if c.Flags != cil.ClauseNone {
			t.Errorf("%s: expected a catch clause (ClauseNone), got flags %v", name, c.Flags)
		}
	}
	// beginMethodEx must nest inside outerCatch's try region, and
	// endMethodEx/outerFinally's handler must nest inside outerFinally's.
	if beginMethodEx.TryOffset != outerCatch.TryOffset || beginMethodEx.TryOffset+beginMethodEx.TryLength > outerCatch.TryOffset+outerCatch.TryLength {
		t.Errorf("beginMethodEx %+v is not nested inside outerCatch's try %+v", beginMethodEx, outerCatch)
	}
	if endMethodEx.TryOffset < outerFinally.HandlerOffset || endMethodEx.HandlerOffset+endMethodEx.HandlerLength > outerFinally.HandlerOffset+outerFinally.HandlerLength {
		t.Errorf("endMethodEx %+v is not nested inside outerFinally's handler %+v", endMethodEx, outerFinally)
	}

	var sawBeginMethod, sawEndMethod, logExceptionCalls int
	for _, in := range method.Instructions {
		if in.Opcode.Mnemonic != "call" {
			continue
		}
		tokOp, ok := in.Operand.(cil.TokenOperand)
		if !ok {
			t.Fatalf("call instruction has non-token operand")
		}
		member := tokOp.Token
		if member.Table() == tokens.MethodSpec {
			// EndMethod<T> is called through a MethodSpec; name its MemberRef parent.
			parent, _, err := emitter.GetMethodSpecProps(member)
			if err != nil {
				continue
			}
			member = parent
		}
		props, err := emitter.GetMemberRefProps(member)
		if err != nil {
			continue
		}
		switch props.Name {
		case "BeginMethod":
			sawBeginMethod++
		case "EndMethod":
			sawEndMethod++
		case "LogException":
			logExceptionCalls++
		}
	}
	if sawBeginMethod == 0 {
		t.Error("expected a call to BeginMethod in the rewritten body")
	}
	if sawEndMethod == 0 {
		t.Error("expected a call to EndMethod in the rewritten body")
	}
	if logExceptionCalls != 2 {
		t.Errorf("expected LogException to be called from both the beginMethodEx and endMethodEx handlers, got %d calls", logExceptionCalls)
	}
}

func TestRewriteSkipsInstanceMethod(t *testing.T) {
	method := newTinyAddMethod()
	emitter := metadatafake.New()
	tok := NewCalltargetTokens(emitter, testProfilerAssembly())

	fn := hostabi.FunctionInfo{IsStatic: false}
	i4 := []byte{byte(sig.ElementTypeI4)}

	err := Rewrite(method, tok, fn, emitter, [][]byte{i4, i4}, i4)
	if err == nil {
		t.Fatal("expected Rewrite to skip an instance method")
	}
	if _, ok := err.(*Skip); !ok {
		t.Fatalf("expected a *Skip error, got %T: %v", err, err)
	}
}

func TestRewriteSkipsByRefParameter(t *testing.T) {
	method := newTinyAddMethod()
	emitter := metadatafake.New()
	tok := NewCalltargetTokens(emitter, testProfilerAssembly())

	fn := hostabi.FunctionInfo{IsStatic: true, HasByRefParameter: true}
	i4 := []byte{byte(sig.ElementTypeI4)}

	err := Rewrite(method, tok, fn, emitter, [][]byte{i4, i4}, i4)
	if err == nil {
		t.Fatal("expected Rewrite to skip a byref-parameter method")
	}
}

func TestReplaceCallSite(t *testing.T) {
	emitter := metadatafake.New()
	typeRef, _ := emitter.DefineTypeRefByName(0, "Some.Type")
	oldMember, _ := emitter.DefineMemberRef(typeRef, "Old", nil)
	newMember, _ := emitter.DefineMemberRef(typeRef, "New", nil)

	instrs := []cil.Instruction{
		{Opcode: cil.FromByte(0x28), Operand: cil.NewTokenOperand(cil.InlineMethod, oldMember)},
		{Opcode: cil.FromByte(0x2A), Operand: cil.NoneOperand{}},
	}
	method := &cil.Method{Header: cil.MethodHeader{IsFat: false, TinyCodeSize: 5}, Instructions: instrs}

	n, err := ReplaceCallSite(method, oldMember, newMember)
	if err != nil {
		t.Fatalf("ReplaceCallSite: %v", err)
	}
	if n != 1 {
		t.Fatalf("replaced %d call sites, want 1", n)
	}
	got := method.Instructions[0].Operand.(cil.TokenOperand).Token
	if got != newMember {
		t.Fatalf("call site token = %s, want %s", got, newMember)
	}
}
