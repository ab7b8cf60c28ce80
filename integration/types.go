// Package integration holds the method-replacement definitions the
// rewriter matches JIT-compiled methods against: which target method gets
// replaced, and with which wrapper.
package integration

import (
	"fmt"

	"github.com/elastic-clr/iljoin/hostabi"
)

// Action names the rewrite strategy a wrapper requests.
type Action string

const (
	ActionCallTargetModification Action = "CallTargetModification"
	ActionReplaceTargetMethod    Action = "ReplaceTargetMethod"
)

// Target names the method a replacement applies to.
type Target struct {
	Assembly       string   `yaml:"assembly"`
	Type           string   `yaml:"type"`
	Method         string   `yaml:"method"`
	SignatureTypes []string `yaml:"signature_types"`
	MinimumVersion string   `yaml:"minimum_version"`
	MaximumVersion string   `yaml:"maximum_version"`
}

// Wrapper names the assembly and type supplying BeginMethod/EndMethod/
// LogException (CallTargetModification) or a replacement method body
// (ReplaceTargetMethod).
type Wrapper struct {
	Assembly string `yaml:"assembly"`
	Type     string `yaml:"type"`
	Method   string `yaml:"method,omitempty"`
	Action   Action `yaml:"action"`
}

// MethodReplacement is one (target, wrapper) pair within an integration.
type MethodReplacement struct {
	Target  Target  `yaml:"target"`
	Wrapper Wrapper `yaml:"wrapper"`
}

// Integration is a named bundle of method replacements, as loaded from one
// entry of the integrations YAML file named by ilconfig's
// IntegrationDefinitionsPath.
type Integration struct {
	Name               string              `yaml:"name"`
	MethodReplacements []MethodReplacement `yaml:"method_replacements"`
}

// Matches reports whether fn (with its declaring assembly's simple name)
// is the target of this replacement, by name only — version-window and
// signature-type matching is performed by MatchesSignature once a caller
// has parsed fn.Signature.
func (t Target) Matches(fn hostabi.FunctionInfo) bool {
	return fn.AssemblyName == t.Assembly && fn.TypeName == t.Type && fn.Name == t.Method
}

func (t Target) String() string {
	return fmt.Sprintf("%s!%s.%s", t.Assembly, t.Type, t.Method)
}
