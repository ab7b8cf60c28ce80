package profiler

import (
	"fmt"

	"github.com/elastic-clr/iljoin/cil"
	"github.com/elastic-clr/iljoin/edit"
	"github.com/elastic-clr/iljoin/metadata"
	"github.com/elastic-clr/iljoin/tokens"
)

// InstallStartupHook splices a single static call onto the front of
// method's instruction stream: a bare call to
// hookType.hookMethod() in hookAssembly, run once before the method's own
// body executes. Unlike calltarget.Rewrite there's no epilogue, no new EH
// region, and no per-argument BeginMethod overload to pick — this is the
// degenerate "run this once at process start" shape used for the managed
// startup hook that loads the rest of the profiler's managed assemblies.
func InstallStartupHook(emitter metadata.Emitter, method *cil.Method, hookAssembly, hookType, hookMethod string) error {
	typeRef, err := typeRefIn(emitter, hookAssembly, hookType)
	if err != nil {
		return fmt.Errorf("profiler: resolving startup hook type %s: %w", hookType, err)
	}

	// void Method() — no args, no return, matching the CLR startup-hook
	// convention (a parameterless static Initialize method).
	callSig := []byte{0x00, 0x00, 0x01}
	memberRef, err := emitter.DefineMemberRef(typeRef, hookMethod, callSig)
	if err != nil {
		return fmt.Errorf("profiler: defining member ref for %s.%s: %w", hookType, hookMethod, err)
	}

	prelude := []cil.Instruction{
		{Opcode: cil.FromByte(0x28), Operand: cil.NewTokenOperand(cil.InlineMethod, memberRef)},
	}

	ed := edit.New(method)
	return ed.InsertPrelude(prelude)
}

func typeRefIn(emitter metadata.Emitter, assembly, typeName string) (tokens.Token, error) {
	asmRef, err := emitter.DefineAssemblyRef(nil, assembly, [4]uint16{}, "", nil, 0)
	if err != nil {
		return tokens.Token(0), err
	}
	return emitter.DefineTypeRefByName(asmRef, typeName)
}
