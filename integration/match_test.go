package integration

import (
	"testing"

	"github.com/elastic-clr/iljoin/hostabi"
)

func sendAsyncTarget(minVer, maxVer string, sigTypes []string) Target {
	return Target{
		Assembly:       "System.Net.Http",
		Type:           "System.Net.Http.HttpClient",
		Method:         "SendAsync",
		MinimumVersion: minVer,
		MaximumVersion: maxVer,
		SignatureTypes: sigTypes,
	}
}

func sendAsyncFunctionInfo(version [4]uint16, paramCount byte) hostabi.FunctionInfo {
	// MethodDefSig: default calling convention, paramCount params, I4 return.
	sig := []byte{0x00, paramCount, 0x08}
	for i := byte(0); i < paramCount; i++ {
		sig = append(sig, 0x08) // I4 param
	}
	return hostabi.FunctionInfo{
		AssemblyName:    "System.Net.Http",
		TypeName:        "System.Net.Http.HttpClient",
		Name:            "SendAsync",
		AssemblyVersion: version,
		Signature:       sig,
	}
}

func TestMatchesSignatureNameMismatch(t *testing.T) {
	target := sendAsyncTarget("", "", nil)
	fn := sendAsyncFunctionInfo([4]uint16{4, 0, 0, 0}, 1)
	fn.Name = "GetAsync"

	ok, err := target.MatchesSignature(fn, Version(fn.AssemblyVersion))
	if err != nil {
		t.Fatalf("MatchesSignature: %v", err)
	}
	if ok {
		t.Fatal("expected no match on method name mismatch")
	}
}

func TestMatchesSignatureVersionWindow(t *testing.T) {
	target := sendAsyncTarget("4.0.0.0", "4.3.65535.65535", nil)

	tests := []struct {
		name    string
		version [4]uint16
		want    bool
	}{
		{"below minimum", [4]uint16{2, 0, 0, 0}, false},
		{"at minimum", [4]uint16{4, 0, 0, 0}, true},
		{"within window", [4]uint16{4, 1, 2, 3}, true},
		{"above maximum", [4]uint16{4, 4, 0, 0}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fn := sendAsyncFunctionInfo(tc.version, 1)
			ok, err := target.MatchesSignature(fn, Version(fn.AssemblyVersion))
			if err != nil {
				t.Fatalf("MatchesSignature: %v", err)
			}
			if ok != tc.want {
				t.Errorf("version %v: got match=%v, want %v", tc.version, ok, tc.want)
			}
		})
	}
}

func TestMatchesSignatureParamCount(t *testing.T) {
	// Two SendAsync overloads sharing a name: one takes 1 argument (plus
	// the implicit return, so len(SignatureTypes)-1 == 1), the other 2.
	target := sendAsyncTarget("", "", []string{"System.Threading.Tasks.Task", "System.Net.Http.HttpRequestMessage"})

	twoArgFn := sendAsyncFunctionInfo([4]uint16{4, 0, 0, 0}, 2)
	ok, err := target.MatchesSignature(twoArgFn, Version(twoArgFn.AssemblyVersion))
	if err != nil {
		t.Fatalf("MatchesSignature: %v", err)
	}
	if ok {
		t.Fatal("expected no match: target wants 1 param, fn has 2")
	}

	matchingFn := sendAsyncFunctionInfo([4]uint16{4, 0, 0, 0}, 1)
	ok, err = target.MatchesSignature(matchingFn, Version(matchingFn.AssemblyVersion))
	if err != nil {
		t.Fatalf("MatchesSignature: %v", err)
	}
	if !ok {
		t.Fatal("expected match: param count lines up with signature_types")
	}
}

func TestMatchesSignatureInvalidVersionString(t *testing.T) {
	target := sendAsyncTarget("not-a-version", "", nil)
	fn := sendAsyncFunctionInfo([4]uint16{4, 0, 0, 0}, 1)

	if _, err := target.MatchesSignature(fn, Version(fn.AssemblyVersion)); err == nil {
		t.Fatal("expected an error from a malformed minimum_version")
	}
}
