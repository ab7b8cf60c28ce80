package cil

import (
	"encoding/binary"
	"fmt"
)

// ClauseFlag is the exception-clause kind bitflags carried by both small
// and fat clauses (widened to u32 on the fat wire format, u16 on small).
type ClauseFlag uint32

const (
	ClauseNone       ClauseFlag = 0x0000
	ClauseFilter     ClauseFlag = 0x0001
	ClauseFinally    ClauseFlag = 0x0002
	ClauseFault      ClauseFlag = 0x0004
	ClauseDuplicated ClauseFlag = 0x0008
)

// Clause is one exception-handling region. Offsets and lengths are byte
// offsets into the instruction stream (0-based from the first instruction),
// regardless of whether the clause is stored small or fat on the wire.
type Clause struct {
	Flags                    ClauseFlag
	TryOffset, TryLength     uint32
	HandlerOffset, HandlerLength uint32
	// ClassTokenOrFilterOffset is a metadata token (catch clause) or a
	// byte offset of a filter's entry instruction (filter clause); its
	// meaning is selected by ClauseFilter in Flags.
	ClassTokenOrFilterOffset uint32
}

func (c Clause) IsFilter() bool { return c.Flags&ClauseFilter != 0 }

// fitsSmall reports whether every field of c fits the small clause's
// narrower wire widths (u16 offsets, u8 lengths).
func (c Clause) fitsSmall() bool {
	return c.TryOffset <= 0xFFFF && c.TryLength <= 0xFF &&
		c.HandlerOffset <= 0xFFFF && c.HandlerLength <= 0xFF
}

const (
	sectEHTable      = 0x01
	sectFatFormat    = 0x40
	sectMoreSections = 0x80

	smallHeaderLen = 4
	smallClauseLen = 12
	fatHeaderLen   = 4
	fatClauseLen   = 24
)

// Section is an exception-handling data section: either the small or the
// fat layout, distinguished by IsFat.
type Section struct {
	IsFat        bool
	MoreSections bool
	Clauses      []Clause
}

// dataSize is the on-wire total length of the section, header included.
func (s Section) dataSize() int {
	if s.IsFat {
		return fatHeaderLen + fatClauseLen*len(s.Clauses)
	}
	return smallHeaderLen + smallClauseLen*len(s.Clauses)
}

// ParseSection decodes one EH data section starting at b[0].
func ParseSection(b []byte) (Section, int, error) {
	if len(b) < 4 {
		return Section{}, 0, fmt.Errorf("cil: truncated section header: %w", ErrInvalidSectionHeader)
	}
	flags := b[0]
	if flags&sectEHTable == 0 {
		return Section{}, 0, fmt.Errorf("cil: section header missing EH-table bit: %w", ErrInvalidSectionHeader)
	}
	if flags&sectFatFormat == 0 {
		dataSize := int(b[1])
		if dataSize < smallHeaderLen || len(b) < dataSize {
			return Section{}, 0, fmt.Errorf("cil: small section data size %d out of range: %w", dataSize, ErrInvalidSectionHeader)
		}
		n := (dataSize - smallHeaderLen) / smallClauseLen
		clauses := make([]Clause, n)
		off := smallHeaderLen
		for i := 0; i < n; i++ {
			c := b[off : off+smallClauseLen]
			clauses[i] = Clause{
				Flags:                    ClauseFlag(binary.LittleEndian.Uint16(c[0:2])),
				TryOffset:                uint32(binary.LittleEndian.Uint16(c[2:4])),
				TryLength:                uint32(c[4]),
				HandlerOffset:            uint32(binary.LittleEndian.Uint16(c[5:7])),
				HandlerLength:            uint32(c[7]),
				ClassTokenOrFilterOffset: binary.LittleEndian.Uint32(c[8:12]),
			}
			off += smallClauseLen
		}
		return Section{IsFat: false, MoreSections: flags&sectMoreSections != 0, Clauses: clauses}, dataSize, nil
	}

	dataSize := int(b[1]) | int(b[2])<<8 | int(b[3])<<16
	if dataSize < fatHeaderLen || len(b) < dataSize {
		return Section{}, 0, fmt.Errorf("cil: fat section data size %d out of range: %w", dataSize, ErrInvalidSectionHeader)
	}
	n := (dataSize - fatHeaderLen) / fatClauseLen
	clauses := make([]Clause, n)
	off := fatHeaderLen
	for i := 0; i < n; i++ {
		c := b[off : off+fatClauseLen]
		clauses[i] = Clause{
			Flags:                    ClauseFlag(binary.LittleEndian.Uint32(c[0:4])),
			TryOffset:                binary.LittleEndian.Uint32(c[4:8]),
			TryLength:                binary.LittleEndian.Uint32(c[8:12]),
			HandlerOffset:            binary.LittleEndian.Uint32(c[12:16]),
			HandlerLength:            binary.LittleEndian.Uint32(c[16:20]),
			ClassTokenOrFilterOffset: binary.LittleEndian.Uint32(c[20:24]),
		}
		off += fatClauseLen
	}
	return Section{IsFat: true, MoreSections: flags&sectMoreSections != 0, Clauses: clauses}, dataSize, nil
}

// Emit appends s's wire encoding to buf.
func (s Section) Emit(buf []byte) []byte {
	size := s.dataSize()
	flags := byte(sectEHTable)
	if s.MoreSections {
		flags |= sectMoreSections
	}
	if s.IsFat {
		flags |= sectFatFormat
		buf = append(buf, flags, byte(size), byte(size>>8), byte(size>>16))
		for _, c := range s.Clauses {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(c.Flags))
			buf = binary.LittleEndian.AppendUint32(buf, c.TryOffset)
			buf = binary.LittleEndian.AppendUint32(buf, c.TryLength)
			buf = binary.LittleEndian.AppendUint32(buf, c.HandlerOffset)
			buf = binary.LittleEndian.AppendUint32(buf, c.HandlerLength)
			buf = binary.LittleEndian.AppendUint32(buf, c.ClassTokenOrFilterOffset)
		}
		return buf
	}
	buf = append(buf, flags, byte(size), 0, 0)
	for _, c := range s.Clauses {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(c.Flags))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(c.TryOffset))
		buf = append(buf, byte(c.TryLength))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(c.HandlerOffset))
		buf = append(buf, byte(c.HandlerLength))
		buf = binary.LittleEndian.AppendUint32(buf, c.ClassTokenOrFilterOffset)
	}
	return buf
}

// FitsSmall reports whether every clause in s fits the small layout's
// narrower field widths.
func (s Section) FitsSmall() bool {
	for _, c := range s.Clauses {
		if !c.fitsSmall() {
			return false
		}
	}
	return true
}

// ToFat returns a copy of s widened to the fat layout. Widening is
// idempotent: calling it on an already-fat section returns an equal copy.
func (s Section) ToFat() Section {
	clauses := make([]Clause, len(s.Clauses))
	copy(clauses, s.Clauses)
	return Section{IsFat: true, MoreSections: s.MoreSections, Clauses: clauses}
}
