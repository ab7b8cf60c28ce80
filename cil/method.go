package cil

import (
	"encoding/binary"
	"fmt"

	"github.com/elastic-clr/iljoin/tokens"
)

const (
	corILMethodTinyFormat = 0x02 // low 2 bits, tag 0b10
	corILMethodFatFormat  = 0x03 // low 2 bits, tag 0b11
	corILMethodFormatMask = 0x03

	corILMethodMoreSects = 0x08
	corILMethodInitLocals = 0x10

	fatHeaderSizeDwords = 3
	fatHeaderBytes      = fatHeaderSizeDwords * 4

	tinyMaxCodeSize = 63
	tinyMaxStack    = 8
)

// MethodHeader is either Tiny or Fat, discriminated by IsFat. Both formats
// share this one struct: TinyCodeSize is used only when IsFat is false,
// and the fat fields only when it is true.
type MethodHeader struct {
	IsFat bool

	// Tiny fields.
	TinyCodeSize uint8

	// Fat fields.
	MoreSections   bool
	InitLocals     bool
	MaxStack       uint16
	CodeSize       uint32
	LocalVarSigTok tokens.Token
}

// CodeSizeValue returns the header's code size regardless of format.
func (h MethodHeader) CodeSizeValue() uint32 {
	if h.IsFat {
		return h.CodeSize
	}
	return uint32(h.TinyCodeSize)
}

func parseMethodHeader(b []byte) (MethodHeader, int, error) {
	if len(b) == 0 {
		return MethodHeader{}, 0, fmt.Errorf("cil: empty method header: %w", ErrInvalidMethodHeader)
	}
	switch b[0] & corILMethodFormatMask {
	case corILMethodTinyFormat:
		return MethodHeader{IsFat: false, TinyCodeSize: b[0] >> 2}, 1, nil
	case corILMethodFatFormat:
		if len(b) < fatHeaderBytes {
			return MethodHeader{}, 0, fmt.Errorf("cil: truncated fat method header: %w", ErrInvalidMethodHeader)
		}
		flags := b[0]
		return MethodHeader{
			IsFat:          true,
			MoreSections:   flags&corILMethodMoreSects != 0,
			InitLocals:     flags&corILMethodInitLocals != 0,
			MaxStack:       binary.LittleEndian.Uint16(b[2:4]),
			CodeSize:       binary.LittleEndian.Uint32(b[4:8]),
			LocalVarSigTok: tokens.Token(binary.LittleEndian.Uint32(b[8:12])),
		}, fatHeaderBytes, nil
	default:
		return MethodHeader{}, 0, fmt.Errorf("cil: method header flag byte %#x names neither tiny nor fat format: %w", b[0], ErrInvalidMethodHeader)
	}
}

func (h MethodHeader) emit(buf []byte) []byte {
	if !h.IsFat {
		return append(buf, (h.TinyCodeSize<<2)|corILMethodTinyFormat)
	}
	flags := uint16(corILMethodFatFormat) | uint16(fatHeaderSizeDwords)<<12
	if h.MoreSections {
		flags |= corILMethodMoreSects
	}
	if h.InitLocals {
		flags |= corILMethodInitLocals
	}
	buf = binary.LittleEndian.AppendUint16(buf, flags)
	buf = binary.LittleEndian.AppendUint16(buf, h.MaxStack)
	buf = binary.LittleEndian.AppendUint32(buf, h.CodeSize)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.LocalVarSigTok))
	return buf
}

// Method is the runtime aggregate: a header, its ordered instructions, and
// its ordered EH sections. Method owns its instructions and sections
// exclusively — callers mutate it only through the edit package so its
// invariants (header code size equal to the instructions' total length,
// branch displacements and EH clause offsets pointing at instruction
// boundaries) are maintained by construction rather than by convention.
type Method struct {
	Header       MethodHeader
	Instructions []Instruction
	Sections     []Section
}

// ParseMethod decodes a complete method body: header, instruction stream,
// and any EH data sections.
func ParseMethod(b []byte) (Method, error) {
	header, headerLen, err := parseMethodHeader(b)
	if err != nil {
		return Method{}, err
	}
	codeSize := int(header.CodeSizeValue())
	bodyStart := headerLen
	if bodyStart+codeSize > len(b) {
		return Method{}, fmt.Errorf("cil: code size %d exceeds buffer: %w", codeSize, ErrInvalidCIL)
	}
	code := b[bodyStart : bodyStart+codeSize]

	instrs, err := parseInstructionStream(code)
	if err != nil {
		return Method{}, err
	}

	var sections []Section
	if header.IsFat && header.MoreSections {
		sectStart := alignUp(bodyStart+codeSize, 4)
		for sectStart < len(b) {
			sec, n, err := ParseSection(b[sectStart:])
			if err != nil {
				return Method{}, err
			}
			sections = append(sections, sec)
			if !sec.MoreSections {
				break
			}
			sectStart += alignUp(n, 4)
		}
	}

	return Method{Header: header, Instructions: instrs, Sections: sections}, nil
}

func parseInstructionStream(code []byte) ([]Instruction, error) {
	var instrs []Instruction
	offset := 0
	for offset < len(code) {
		in, n, err := Parse(code[offset:], offset)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, in)
		offset += n
	}
	return instrs, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// Emit serializes m back to its wire format.
func (m Method) Emit() []byte {
	var buf []byte
	buf = m.Header.emit(buf)
	bodyStart := len(buf)
	for _, in := range m.Instructions {
		buf = in.Emit(buf)
	}
	if m.Header.IsFat && m.Header.MoreSections {
		for len(buf) < alignUp(bodyStart+int(m.Header.CodeSize), 4) {
			buf = append(buf, 0)
		}
		for i, sec := range m.Sections {
			sec.MoreSections = i < len(m.Sections)-1
			buf = sec.Emit(buf)
			if sec.MoreSections {
				for len(buf)%4 != 0 {
					buf = append(buf, 0)
				}
			}
		}
	}
	return buf
}

// RecomputeCodeSize sets the header's code size field from the actual sum
// of the instructions' encoded lengths.
func (m *Method) RecomputeCodeSize() {
	total := 0
	for _, in := range m.Instructions {
		total += in.EncodedLength()
	}
	if m.Header.IsFat {
		m.Header.CodeSize = uint32(total)
	} else {
		m.Header.TinyCodeSize = uint8(total)
	}
}

// FitsTiny reports whether m could be represented with a tiny header:
// code size and max-stack within tiny's limits, no EH sections, no
// local-var signature.
func (m Method) FitsTiny() bool {
	size := m.Header.CodeSizeValue()
	maxStack := tinyMaxStack
	if m.Header.IsFat {
		maxStack = int(m.Header.MaxStack)
	}
	return size <= tinyMaxCodeSize && maxStack <= tinyMaxStack &&
		len(m.Sections) == 0 && (!m.Header.IsFat || m.Header.LocalVarSigTok.IsNil())
}

// ExpandTinyToFat replaces a tiny header with an equivalent fat one. A
// no-op if the header is already fat. Required before any growth beyond
// tiny's 63-byte/8-slot limits or before attaching EH sections.
func (m *Method) ExpandTinyToFat() {
	if m.Header.IsFat {
		return
	}
	m.Header = MethodHeader{
		IsFat:          true,
		MoreSections:   false,
		InitLocals:     false,
		MaxStack:       tinyMaxStack,
		CodeSize:       uint32(m.Header.TinyCodeSize),
		LocalVarSigTok: 0,
	}
}

// ExpandSmallSectionsToFat widens every small EH section in m to fat,
// leaving fat sections unchanged. The editor does not call it;
// calltarget.Rewrite calls it on every method it rewrites, before adding
// clauses whose offsets or lengths can exceed a small field's range.
func (m *Method) ExpandSmallSectionsToFat() {
	for i, sec := range m.Sections {
		if !sec.IsFat {
			m.Sections[i] = sec.ToFat()
		}
	}
}

// Disassemble renders m's instructions as one mnemonic-per-line text, the
// format the log_il trace dump emits.
func (m Method) Disassemble() string {
	s := ""
	for _, in := range m.Instructions {
		s += fmt.Sprintf("IL_%04x: %s\n", in.Offset, in.String())
	}
	return s
}
