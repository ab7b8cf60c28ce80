package sig

import (
	"testing"

	"github.com/elastic-clr/iljoin/tokens"
)

func TestCompressDataBoundaries(t *testing.T) {
	cases := []struct {
		v    uint32
		want []byte
	}{
		{0x03, []byte{0x03}},
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x80, 0x80}},
		{0x2E57, []byte{0xAE, 0x57}},
		{0x3FFF, []byte{0xBF, 0xFF}},
		{0x4000, []byte{0xC0, 0x00, 0x40, 0x00}},
		{0x1FFFFFFF, []byte{0xDF, 0xFF, 0xFF, 0xFF}},
	}
	for _, c := range cases {
		got := CompressData(c.v)
		if string(got) != string(c.want) {
			t.Errorf("CompressData(%#x) = % x, want % x", c.v, got, c.want)
		}
		v, n, err := UncompressData(got)
		if err != nil {
			t.Fatalf("UncompressData(% x): %v", got, err)
		}
		if v != c.v || n != len(got) {
			t.Errorf("UncompressData(% x) = (%#x, %d), want (%#x, %d)", got, v, n, c.v, len(got))
		}
	}
}

func TestUncompressDataTruncated(t *testing.T) {
	if _, _, err := UncompressData([]byte{0x80}); err == nil {
		t.Fatal("expected truncation error")
	}
	if _, _, err := UncompressData(nil); err == nil {
		t.Fatal("expected truncation error on empty input")
	}
}

func TestCompressTokenRoundTrip(t *testing.T) {
	for _, tbl := range []tokens.TableIndex{tokens.TypeDef, tokens.TypeRef, tokens.TypeSpec} {
		tok := tokens.New(tbl, 0x123)
		b := CompressToken(tok)
		got, n, err := UncompressToken(b)
		if err != nil {
			t.Fatalf("UncompressToken: %v", err)
		}
		if n != len(b) {
			t.Errorf("consumed %d, want %d", n, len(b))
		}
		if got != tok {
			t.Errorf("round trip %s -> %s", tok, got)
		}
	}
}

func TestParseTypePrimitive(t *testing.T) {
	n, err := ParseType([]byte{byte(ElementTypeI4)})
	if err != nil {
		t.Fatalf("ParseType: %v", err)
	}
	if n != 1 {
		t.Fatalf("consumed %d, want 1", n)
	}
}

func TestParseTypeSzArrayOfClass(t *testing.T) {
	tok := tokens.New(tokens.TypeRef, 0x01)
	tokBytes := CompressToken(tok)
	b := append([]byte{byte(ElementTypeSzArray), byte(ElementTypeClass)}, tokBytes...)
	n, err := ParseType(b)
	if err != nil {
		t.Fatalf("ParseType: %v", err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d, want %d", n, len(b))
	}
}

func TestParseTypeGenericInst(t *testing.T) {
	tok := tokens.New(tokens.TypeRef, 0x02)
	tokBytes := CompressToken(tok)
	b := []byte{byte(ElementTypeGenericInst), byte(ElementTypeValueType)}
	b = append(b, tokBytes...)
	b = append(b, 0x01)                 // 1 generic argument
	b = append(b, byte(ElementTypeI4))  // T1 = int32
	n, err := ParseType(b)
	if err != nil {
		t.Fatalf("ParseType: %v", err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d, want %d", n, len(b))
	}
}

func TestParseMethodSimple(t *testing.T) {
	// default calling convention, 1 param (string), returns int32
	b := []byte{0x00, 0x01, byte(ElementTypeI4), byte(ElementTypeString)}
	n, err := ParseMethod(b)
	if err != nil {
		t.Fatalf("ParseMethod: %v", err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d, want %d", n, len(b))
	}
}
