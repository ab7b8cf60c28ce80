package integration

import (
	"github.com/elastic-clr/iljoin/hostabi"
	"github.com/elastic-clr/iljoin/sig"
)

// MatchesSignature reports whether fn is the target of this replacement:
// name/assembly/type match (Target.Matches), the declaring assembly's
// version (assemblyVersion) falls within [MinimumVersion, MaximumVersion], and fn's parsed
// parameter types line up with SignatureTypes by count. The type-name
// comparison is by arity only (the number of Type productions the
// signature walker can consume) — the rewriter never needs to prove type
// identity, only that an overload resolution match was already performed
// by the host's IL.
func (t Target) MatchesSignature(fn hostabi.FunctionInfo, assemblyVersion Version) (bool, error) {
	if !t.Matches(fn) {
		return false, nil
	}
	if t.MinimumVersion != "" {
		min, err := ParseVersion(t.MinimumVersion)
		if err != nil {
			return false, err
		}
		if assemblyVersion.Less(min) {
			return false, nil
		}
	}
	if t.MaximumVersion != "" {
		max, err := ParseVersion(t.MaximumVersion)
		if err != nil {
			return false, err
		}
		if max.Less(assemblyVersion) {
			return false, nil
		}
	}
	if len(t.SignatureTypes) == 0 {
		return true, nil
	}
	if _, err := sig.ParseMethod(fn.Signature); err != nil {
		return false, err
	}
	return paramCount(fn.Signature) == len(t.SignatureTypes)-1, nil
}

// paramCount reads a MethodDefSig's parameter count: the compressed
// integer immediately after the one-byte calling convention.
func paramCount(signature []byte) int {
	if len(signature) < 2 {
		return 0
	}
	count, _, err := sig.ParseNumber(signature[1:])
	if err != nil {
		return 0
	}
	return int(count)
}
