package cil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSmallSectionRoundTrip(t *testing.T) {
	sec := Section{
		IsFat: false,
		Clauses: []Clause{
			{Flags: ClauseNone, TryOffset: 0, TryLength: 10, HandlerOffset: 10, HandlerLength: 5, ClassTokenOrFilterOffset: 0x01000001},
		},
	}
	got := sec.Emit(nil)
	want := []byte{
		0x01, 0x10, 0x00, 0x00, // flags=EH table, size=16, pad
		0x00, 0x00, 0x00, 0x00, 0x0A, 0x0A, 0x00, 0x05, 0x01, 0x00, 0x00, 0x01,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Emit() mismatch (-want +got):\n%s", diff)
	}
	parsed, n, err := ParseSection(got)
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}
	if n != len(got) {
		t.Fatalf("consumed %d, want %d", n, len(got))
	}
	if diff := cmp.Diff(sec.Clauses, parsed.Clauses); diff != "" {
		t.Fatalf("clause mismatch (-want +got):\n%s", diff)
	}
	if parsed.IsFat {
		t.Fatal("expected small section")
	}
}

func TestFatSectionRoundTrip(t *testing.T) {
	sec := Section{
		IsFat: true,
		Clauses: []Clause{
			{Flags: ClauseFinally, TryOffset: 0, TryLength: 100, HandlerOffset: 100, HandlerLength: 20},
			{Flags: ClauseNone, TryOffset: 5, TryLength: 50, HandlerOffset: 200, HandlerLength: 300, ClassTokenOrFilterOffset: 0x01000005},
		},
	}
	got := sec.Emit(nil)
	parsed, n, err := ParseSection(got)
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}
	if n != len(got) {
		t.Fatalf("consumed %d, want %d", n, len(got))
	}
	if !parsed.IsFat {
		t.Fatal("expected fat section")
	}
	if diff := cmp.Diff(sec.Clauses, parsed.Clauses); diff != "" {
		t.Fatalf("clause mismatch (-want +got):\n%s", diff)
	}
}

func TestSectionMissingEHTableBit(t *testing.T) {
	if _, _, err := ParseSection([]byte{0x00, 0x04, 0x00, 0x00}); err == nil {
		t.Fatal("expected ErrInvalidSectionHeader")
	}
}

func TestFitsSmallAndToFat(t *testing.T) {
	small := Clause{TryOffset: 0xFFFF, TryLength: 0xFF, HandlerOffset: 1, HandlerLength: 1}
	if !small.fitsSmall() {
		t.Fatal("expected clause at small's exact limits to fit")
	}
	overflow := Clause{TryOffset: 0x10000, TryLength: 1, HandlerOffset: 1, HandlerLength: 1}
	if overflow.fitsSmall() {
		t.Fatal("expected try_offset overflow to not fit small")
	}

	sec := Section{IsFat: false, Clauses: []Clause{overflow}}
	fat := sec.ToFat()
	if !fat.IsFat {
		t.Fatal("ToFat() must set IsFat")
	}
	if diff := cmp.Diff(sec.Clauses, fat.Clauses); diff != "" {
		t.Fatalf("ToFat must preserve clause values (-want +got):\n%s", diff)
	}
}
