// iljoin-dump parses a raw method body from a file (or stdin) and prints
// its header, disassembled instruction stream, and any EH clauses, the way
// a profiler developer would eyeball SetILFunctionBody input/output by hand.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/elastic-clr/iljoin/cil"
)

func main() {
	path := flag.String("f", "", "path to a raw method-body binary (reads stdin if empty)")
	widenTiny := flag.Bool("widen", false, "expand a tiny header to fat before printing")
	flag.Parse()

	data, err := readInput(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iljoin-dump: %v\n", err)
		os.Exit(1)
	}

	method, err := cil.ParseMethod(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iljoin-dump: parsing method: %v\n", err)
		os.Exit(1)
	}

	if *widenTiny {
		method.ExpandTinyToFat()
	}

	printHeader(method.Header)
	fmt.Print(method.Disassemble())
	for i, sec := range method.Sections {
		printSection(i, sec)
	}
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printHeader(h cil.MethodHeader) {
	if h.IsFat {
		fmt.Printf("fat header: max_stack=%d code_size=%d local_var_sig=%s more_sections=%v init_locals=%v\n",
			h.MaxStack, h.CodeSize, h.LocalVarSigTok, h.MoreSections, h.InitLocals)
		return
	}
	fmt.Printf("tiny header: code_size=%d\n", h.TinyCodeSize)
}

func printSection(i int, sec cil.Section) {
	fmt.Printf("section %d: fat=%v clauses=%d\n", i, sec.IsFat, len(sec.Clauses))
	for j, c := range sec.Clauses {
		fmt.Printf("  clause %d: flags=%#x try=[%d,+%d) handler=[%d,+%d) class/filter=%#x\n",
			j, c.Flags, c.TryOffset, c.TryLength, c.HandlerOffset, c.HandlerLength, c.ClassTokenOrFilterOffset)
	}
}
