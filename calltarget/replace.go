package calltarget

import (
	"fmt"

	"github.com/elastic-clr/iljoin/cil"
	"github.com/elastic-clr/iljoin/tokens"
)

// ReplaceCallSite rewrites every instruction in method with an InlineMethod
// operand (call, callvirt, newobj, jmp, ldftn, ldvirtftn) whose operand
// token is oldToken to target newToken instead, leaving the
// rest of the method untouched. This is the direct call-site substitution
// mode (CallTargetModification's simpler sibling, ReplaceTargetMethod):
// no prologue/epilogue weaving, no EH clauses, no local-signature change —
// just retargeting the call. Returns the number of call sites rewritten.
func ReplaceCallSite(method *cil.Method, oldToken, newToken tokens.Token) (int, error) {
	count := 0
	for i := range method.Instructions {
		in := &method.Instructions[i]
		if in.Opcode.Operand != cil.InlineMethod {
			continue
		}
		tok, ok := in.Operand.(cil.TokenOperand)
		if !ok {
			return count, fmt.Errorf("calltarget: instruction %s has InlineMethod operand kind but non-token operand", in.Opcode.Mnemonic)
		}
		if tok.Token != oldToken {
			continue
		}
		in.Operand = cil.NewTokenOperand(cil.InlineMethod, newToken)
		count++
	}
	return count, nil
}
