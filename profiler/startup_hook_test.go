package profiler

import (
	"testing"

	"github.com/elastic-clr/iljoin/cil"
	"github.com/elastic-clr/iljoin/metadata/metadatafake"
)

func TestInstallStartupHookSplicesLeadingCall(t *testing.T) {
	instrs := []cil.Instruction{
		{Opcode: cil.FromByte(0x2A), Operand: cil.NoneOperand{}}, // ret
	}
	method := &cil.Method{
		Header:       cil.MethodHeader{IsFat: false, TinyCodeSize: 1},
		Instructions: instrs,
	}

	emitter := metadatafake.New()
	if err := InstallStartupHook(emitter, method, "Elastic.Apm.StartupHook", "Elastic.Apm.StartupHook.Loader", "Load"); err != nil {
		t.Fatalf("InstallStartupHook: %v", err)
	}

	if len(method.Instructions) != 2 {
		t.Fatalf("expected 2 instructions after splicing the hook call, got %d", len(method.Instructions))
	}
	if method.Instructions[0].Opcode.Mnemonic != "call" {
		t.Errorf("expected the spliced instruction to be a call, got %s", method.Instructions[0].Opcode.Mnemonic)
	}
	if method.Instructions[1].Opcode.Mnemonic != "ret" {
		t.Errorf("expected the original ret to remain, got %s", method.Instructions[1].Opcode.Mnemonic)
	}
}
