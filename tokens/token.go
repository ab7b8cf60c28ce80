// Package tokens implements CLR metadata token encoding: the 32-bit opaque
// IDs that tag a row in one of the metadata tables, plus the table-index
// constants those tokens' top byte selects.
package tokens

import "fmt"

// Token is a metadata token: a 32-bit value whose top byte names a
// metadata table and whose low 24 bits are a 1-based row index (RID) into
// that table.
type Token uint32

// TableIndex identifies one of the fixed metadata tables of ECMA-335 §II.22.
type TableIndex byte

const (
	Module                 TableIndex = 0x00
	TypeRef                TableIndex = 0x01
	TypeDef                TableIndex = 0x02
	FieldPtr               TableIndex = 0x03
	Field                   TableIndex = 0x04
	MethodPtr               TableIndex = 0x05
	Method                  TableIndex = 0x06
	ParamPtr                TableIndex = 0x07
	Param                   TableIndex = 0x08
	InterfaceImpl           TableIndex = 0x09
	MemberRef               TableIndex = 0x0A
	Constant                TableIndex = 0x0B
	CustomAttribute         TableIndex = 0x0C
	FieldMarshal            TableIndex = 0x0D
	DeclSecurity            TableIndex = 0x0E
	ClassLayout             TableIndex = 0x0F
	FieldLayout             TableIndex = 0x10
	StandAloneSig           TableIndex = 0x11
	EventMap                TableIndex = 0x12
	EventPtr                TableIndex = 0x13
	Event                   TableIndex = 0x14
	PropertyMap             TableIndex = 0x15
	PropertyPtr             TableIndex = 0x16
	Property                TableIndex = 0x17
	MethodSemantics         TableIndex = 0x18
	MethodImpl              TableIndex = 0x19
	ModuleRef               TableIndex = 0x1A
	TypeSpec                TableIndex = 0x1B
	ImplMap                 TableIndex = 0x1C
	FieldRVA                TableIndex = 0x1D
	EncLog                  TableIndex = 0x1E
	EncMap                  TableIndex = 0x1F
	Assembly                TableIndex = 0x20
	AssemblyProcessor       TableIndex = 0x21
	AssemblyOS              TableIndex = 0x22
	AssemblyRef             TableIndex = 0x23
	AssemblyRefProcessor    TableIndex = 0x24
	AssemblyRefOS           TableIndex = 0x25
	File                    TableIndex = 0x26
	ExportedType            TableIndex = 0x27
	ManifestResource        TableIndex = 0x28
	NestedClass             TableIndex = 0x29
	GenericParam            TableIndex = 0x2A
	MethodSpec              TableIndex = 0x2B
	GenericParamConstraint  TableIndex = 0x2C

	// UserString is not a metadata table; it tags tokens returned by
	// DefineUserString / resolved via GetUserString (the #US heap).
	UserString TableIndex = 0x70
)

var tableNames = map[TableIndex]string{
	Module: "Module", TypeRef: "TypeRef", TypeDef: "TypeDef",
	FieldPtr: "FieldPtr", Field: "Field", MethodPtr: "MethodPtr",
	Method: "Method", ParamPtr: "ParamPtr", Param: "Param",
	InterfaceImpl: "InterfaceImpl", MemberRef: "MemberRef",
	Constant: "Constant", CustomAttribute: "CustomAttribute",
	FieldMarshal: "FieldMarshal", DeclSecurity: "DeclSecurity",
	ClassLayout: "ClassLayout", FieldLayout: "FieldLayout",
	StandAloneSig: "StandAloneSig", EventMap: "EventMap",
	EventPtr: "EventPtr", Event: "Event", PropertyMap: "PropertyMap",
	PropertyPtr: "PropertyPtr", Property: "Property",
	MethodSemantics: "MethodSemantics", MethodImpl: "MethodImpl",
	ModuleRef: "ModuleRef", TypeSpec: "TypeSpec", ImplMap: "ImplMap",
	FieldRVA: "FieldRVA", EncLog: "EncLog", EncMap: "EncMap",
	Assembly: "Assembly", AssemblyProcessor: "AssemblyProcessor",
	AssemblyOS: "AssemblyOS", AssemblyRef: "AssemblyRef",
	AssemblyRefProcessor: "AssemblyRefProcessor", AssemblyRefOS: "AssemblyRefOS",
	File: "File", ExportedType: "ExportedType",
	ManifestResource: "ManifestResource", NestedClass: "NestedClass",
	GenericParam: "GenericParam", MethodSpec: "MethodSpec",
	GenericParamConstraint: "GenericParamConstraint",
	UserString:             "UserString",
}

func (t TableIndex) String() string {
	if n, ok := tableNames[t]; ok {
		return n
	}
	return fmt.Sprintf("TableIndex(0x%02x)", byte(t))
}

// New builds a token from a table index and a 1-based row id.
func New(table TableIndex, rid uint32) Token {
	return Token(uint32(table)<<24 | (rid & 0x00FFFFFF))
}

// Table returns the table index encoded in the token's top byte.
func (t Token) Table() TableIndex {
	return TableIndex(t >> 24)
}

// RID returns the 1-based row index encoded in the token's low 24 bits.
func (t Token) RID() uint32 {
	return uint32(t) & 0x00FFFFFF
}

// IsNil reports whether t has a zero RID, the CLR's convention for "no
// token"/an unresolved reference.
func (t Token) IsNil() bool {
	return t.RID() == 0
}

func (t Token) String() string {
	return fmt.Sprintf("%s[%#x]", t.Table(), t.RID())
}
