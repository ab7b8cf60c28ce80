// Package sig implements the compressed-integer and metadata-token
// encodings used inside signature blobs (MS-ECMA-335 §II.23.2), plus a
// walker over the Type grammar those blobs embed.
package sig

import (
	"fmt"

	"github.com/elastic-clr/iljoin/tokens"
)

// ErrTruncated is returned when a compressed value's leading byte(s)
// promise more bytes than are available.
var ErrTruncated = fmt.Errorf("sig: truncated compressed value")

// CompressData encodes v as 1, 2, or 4 bytes per §II.23.2:
//   - v <= 0x7F            -> 1 byte,  top bit 0
//   - v <= 0x3FFF          -> 2 bytes, top bits 10
//   - v <= 0x1FFFFFFF      -> 4 bytes, top bits 110
//
// Values above 0x1FFFFFFF cannot be compressed; CompressData panics, since
// every caller in this module derives v from bounded counts (arg counts,
// RIDs, blob lengths) that cannot reach that range in valid metadata.
func CompressData(v uint32) []byte {
	switch {
	case v <= 0x7F:
		return []byte{byte(v)}
	case v <= 0x3FFF:
		return []byte{byte(v>>8) | 0x80, byte(v)}
	case v <= 0x1FFFFFFF:
		return []byte{
			byte(v>>24) | 0xC0,
			byte(v >> 16),
			byte(v >> 8),
			byte(v),
		}
	default:
		panic(fmt.Sprintf("sig: value %d too large to compress", v))
	}
}

// UncompressData decodes a leading compressed integer from b, returning the
// value and the number of bytes it occupied.
func UncompressData(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncated
	}
	first := b[0]
	switch {
	case first&0x80 == 0:
		return uint32(first), 1, nil
	case first&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, ErrTruncated
		}
		return uint32(first&0x3F)<<8 | uint32(b[1]), 2, nil
	case first&0xE0 == 0xC0:
		if len(b) < 4 {
			return 0, 0, ErrTruncated
		}
		return uint32(first&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4, nil
	default:
		return 0, 0, fmt.Errorf("sig: invalid compressed-integer lead byte %#x", first)
	}
}

// tokenTypeCode is the 2-bit re-tagging CompressToken substitutes for a
// token's normal top-byte table tag.
var tokenTypeCode = map[tokens.TableIndex]uint32{
	tokens.TypeDef:  0,
	tokens.TypeRef:  1,
	tokens.TypeSpec: 2,
}

var codeToTokenType = map[uint32]tokens.TableIndex{
	0: tokens.TypeDef,
	1: tokens.TypeRef,
	2: tokens.TypeSpec,
}

// CompressToken re-tags a TypeDef/TypeRef/TypeSpec token into the 2-bit
// code signature blobs use in place of the full table tag, then compresses
// the result. Only these three table kinds appear in a TypeDefOrRefEncoded
// signature element; any other token kind is a programmer error.
func CompressToken(t tokens.Token) []byte {
	code, ok := tokenTypeCode[t.Table()]
	if !ok {
		panic(fmt.Sprintf("sig: %s cannot be compressed as a TypeDefOrRefEncoded token", t.Table()))
	}
	return CompressData(t.RID()<<2 | code)
}

// UncompressToken decodes a token compressed by CompressToken.
func UncompressToken(b []byte) (tokens.Token, int, error) {
	v, n, err := UncompressData(b)
	if err != nil {
		return 0, 0, err
	}
	table, ok := codeToTokenType[v&0x3]
	if !ok {
		return 0, 0, fmt.Errorf("sig: invalid TypeDefOrRefEncoded tag %d", v&0x3)
	}
	return tokens.New(table, v>>2), n, nil
}
