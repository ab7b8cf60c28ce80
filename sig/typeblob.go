package sig

import "fmt"

// ElementType is the ELEMENT_TYPE_* tag set of MS-ECMA-335 §II.23.1.16, the
// leading byte of every Type production.
type ElementType byte

const (
	ElementTypeEnd        ElementType = 0x00
	ElementTypeVoid       ElementType = 0x01
	ElementTypeBoolean    ElementType = 0x02
	ElementTypeChar       ElementType = 0x03
	ElementTypeI1         ElementType = 0x04
	ElementTypeU1         ElementType = 0x05
	ElementTypeI2         ElementType = 0x06
	ElementTypeU2         ElementType = 0x07
	ElementTypeI4         ElementType = 0x08
	ElementTypeU4         ElementType = 0x09
	ElementTypeI8         ElementType = 0x0A
	ElementTypeU8         ElementType = 0x0B
	ElementTypeR4         ElementType = 0x0C
	ElementTypeR8         ElementType = 0x0D
	ElementTypeString     ElementType = 0x0E
	ElementTypePtr        ElementType = 0x0F
	ElementTypeByRef      ElementType = 0x10
	ElementTypeValueType  ElementType = 0x11
	ElementTypeClass      ElementType = 0x12
	ElementTypeVar        ElementType = 0x13
	ElementTypeArray      ElementType = 0x14
	ElementTypeGenericInst ElementType = 0x15
	ElementTypeTypedByRef ElementType = 0x16
	ElementTypeI          ElementType = 0x18
	ElementTypeU          ElementType = 0x19
	ElementTypeFnPtr      ElementType = 0x1B
	ElementTypeObject     ElementType = 0x1C
	ElementTypeSzArray    ElementType = 0x1D
	ElementTypeMVar       ElementType = 0x1E
	ElementTypeCModReqd   ElementType = 0x1F
	ElementTypeCModOpt    ElementType = 0x20
	ElementTypeInternal   ElementType = 0x21
	ElementTypeSentinel   ElementType = 0x41
	ElementTypePinned     ElementType = 0x45
)

// primitiveElements have no trailing payload: the ELEMENT_TYPE byte alone
// is the complete Type production.
var primitiveElements = map[ElementType]bool{
	ElementTypeVoid: true, ElementTypeBoolean: true, ElementTypeChar: true,
	ElementTypeI1: true, ElementTypeU1: true, ElementTypeI2: true, ElementTypeU2: true,
	ElementTypeI4: true, ElementTypeU4: true, ElementTypeI8: true, ElementTypeU8: true,
	ElementTypeR4: true, ElementTypeR8: true, ElementTypeString: true,
	ElementTypeI: true, ElementTypeU: true, ElementTypeObject: true,
	ElementTypeTypedByRef: true,
}

// ParseType consumes one Type production from b, returning the number of
// bytes consumed. It recurses for PTR, SZARRAY, ARRAY, GENERICINST, FNPTR,
// VAR and MVAR, as those embed further Type (or index) data.
func ParseType(b []byte) (int, error) {
	n, err := parseOptionalCustomMods(b)
	if err != nil {
		return 0, err
	}
	b = b[n:]
	if len(b) == 0 {
		return 0, fmt.Errorf("sig: empty type blob")
	}
	et := ElementType(b[0])
	consumed := 1

	switch {
	case primitiveElements[et]:
		return n + consumed, nil

	case et == ElementTypePtr || et == ElementTypeByRef || et == ElementTypePinned:
		m, err := ParseType(b[consumed:])
		if err != nil {
			return 0, err
		}
		return n + consumed + m, nil

	case et == ElementTypeValueType || et == ElementTypeClass:
		_, m, err := UncompressToken(b[consumed:])
		if err != nil {
			return 0, err
		}
		return n + consumed + m, nil

	case et == ElementTypeVar || et == ElementTypeMVar:
		_, m, err := UncompressData(b[consumed:])
		if err != nil {
			return 0, err
		}
		return n + consumed + m, nil

	case et == ElementTypeSzArray:
		m, err := ParseType(b[consumed:])
		if err != nil {
			return 0, err
		}
		return n + consumed + m, nil

	case et == ElementTypeArray:
		m, err := parseArrayShape(b[consumed:])
		if err != nil {
			return 0, err
		}
		return n + consumed + m, nil

	case et == ElementTypeGenericInst:
		return parseGenericInst(b, n, consumed)

	case et == ElementTypeFnPtr:
		m, err := parseMethodSigBody(b[consumed:])
		if err != nil {
			return 0, err
		}
		return n + consumed + m, nil

	default:
		return 0, fmt.Errorf("sig: unsupported ELEMENT_TYPE %#x", byte(et))
	}
}

func parseGenericInst(b []byte, prefix, consumed int) (int, error) {
	rest := b[consumed:]
	if len(rest) < 1 {
		return 0, fmt.Errorf("sig: truncated GENERICINST")
	}
	// ELEMENT_TYPE_CLASS or ELEMENT_TYPE_VALUETYPE
	consumed++
	rest = rest[1:]
	_, m, err := UncompressToken(rest)
	if err != nil {
		return 0, err
	}
	consumed += m
	rest = rest[m:]
	argc, m, err := UncompressData(rest)
	if err != nil {
		return 0, err
	}
	consumed += m
	rest = rest[m:]
	for i := uint32(0); i < argc; i++ {
		m, err := ParseType(rest)
		if err != nil {
			return 0, err
		}
		consumed += m
		rest = rest[m:]
	}
	return prefix + consumed, nil
}

// parseArrayShape consumes the shape encoding following ELEMENT_TYPE_ARRAY:
// Type, rank, numSizes, size*, numLoBounds, loBound*.
func parseArrayShape(b []byte) (int, error) {
	elemLen, err := ParseType(b)
	if err != nil {
		return 0, err
	}
	rest := b[elemLen:]
	consumed := elemLen

	_, m, err := UncompressData(rest) // rank
	if err != nil {
		return 0, err
	}
	consumed += m
	rest = rest[m:]

	numSizes, m, err := UncompressData(rest)
	if err != nil {
		return 0, err
	}
	consumed += m
	rest = rest[m:]
	for i := uint32(0); i < numSizes; i++ {
		_, m, err := UncompressData(rest)
		if err != nil {
			return 0, err
		}
		consumed += m
		rest = rest[m:]
	}

	numLoBounds, m, err := UncompressData(rest)
	if err != nil {
		return 0, err
	}
	consumed += m
	rest = rest[m:]
	for i := uint32(0); i < numLoBounds; i++ {
		_, m, err := UncompressData(rest)
		if err != nil {
			return 0, err
		}
		consumed += m
		rest = rest[m:]
	}
	return consumed, nil
}

// parseOptionalCustomMods consumes zero or more leading CMOD_REQD/CMOD_OPT
// modifiers, each a tag byte plus a compressed token.
func parseOptionalCustomMods(b []byte) (int, error) {
	consumed := 0
	for len(b) > consumed {
		et := ElementType(b[consumed])
		if et != ElementTypeCModReqd && et != ElementTypeCModOpt {
			break
		}
		consumed++
		_, m, err := UncompressToken(b[consumed:])
		if err != nil {
			return 0, err
		}
		consumed += m
	}
	return consumed, nil
}

// ParseRetType consumes a RetType production: optional custom mods, then
// either ELEMENT_TYPE_TYPEDBYREF / ELEMENT_TYPE_VOID, a BYREF-prefixed
// Type, or a plain Type.
func ParseRetType(b []byte) (int, error) {
	n, err := parseOptionalCustomMods(b)
	if err != nil {
		return 0, err
	}
	rest := b[n:]
	if len(rest) == 0 {
		return 0, fmt.Errorf("sig: empty return type blob")
	}
	if ElementType(rest[0]) == ElementTypeByRef {
		m, err := ParseType(rest[1:])
		if err != nil {
			return 0, err
		}
		return n + 1 + m, nil
	}
	m, err := ParseType(rest)
	if err != nil {
		return 0, err
	}
	return n + m, nil
}

// ParseParam consumes one Param production: optional custom mods, then
// either a BYREF Type or a plain Type.
func ParseParam(b []byte) (int, error) {
	return ParseRetType(b) // identical grammar
}

// parseMethodSigBody consumes a MethodDefSig/MethodRefSig's calling
// convention byte, param count, return type, and each parameter type.
func parseMethodSigBody(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("sig: empty method signature")
	}
	consumed := 1 // calling convention byte
	hasGeneric := b[0]&0x10 != 0

	rest := b[consumed:]
	if hasGeneric {
		_, m, err := UncompressData(rest)
		if err != nil {
			return 0, err
		}
		consumed += m
		rest = rest[m:]
	}

	paramCount, m, err := UncompressData(rest)
	if err != nil {
		return 0, err
	}
	consumed += m
	rest = rest[m:]

	m, err = ParseRetType(rest)
	if err != nil {
		return 0, err
	}
	consumed += m
	rest = rest[m:]

	for i := uint32(0); i < paramCount; i++ {
		m, err := ParseParam(rest)
		if err != nil {
			return 0, err
		}
		consumed += m
		rest = rest[m:]
	}
	return consumed, nil
}

// ParseMethod consumes a complete MethodDefSig/MethodRefSig blob and
// returns the number of bytes consumed.
func ParseMethod(b []byte) (int, error) {
	return parseMethodSigBody(b)
}

// ParseNumber is the compressed-integer reader exposed under the name the
// grammar calls it by (ArrayShape's sizes/lower-bounds, generic arg count).
func ParseNumber(b []byte) (uint32, int, error) {
	return UncompressData(b)
}
