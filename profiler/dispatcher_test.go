package profiler

import (
	"errors"
	"testing"

	"github.com/elastic-clr/iljoin/calltarget"
	"github.com/elastic-clr/iljoin/cil"
	"github.com/elastic-clr/iljoin/hostabi"
	"github.com/elastic-clr/iljoin/integration"
	"github.com/elastic-clr/iljoin/metadata"
	"github.com/elastic-clr/iljoin/metadata/metadatafake"
	"github.com/elastic-clr/iljoin/tokens"
)

// fakeHost is a minimal in-memory hostabi.Host double: one function, one
// method body, capturing whatever SetILFunctionBody is last called with.
type fakeHost struct {
	fn       hostabi.FunctionInfo
	body     []byte
	lastBody []byte
	lastErr  error
}

func (h *fakeHost) GetILFunctionBody(mod hostabi.ModuleID, method tokens.Token) ([]byte, error) {
	return h.body, nil
}
func (h *fakeHost) GetILFunctionBodyAllocator(mod hostabi.ModuleID) (hostabi.ILAllocator, error) {
	return nil, errors.New("not implemented")
}
func (h *fakeHost) SetILFunctionBody(mod hostabi.ModuleID, method tokens.Token, body []byte) error {
	h.lastBody = body
	return h.lastErr
}
func (h *fakeHost) SetILFunctionBodyForReJIT(functionControl uintptr, body []byte) error {
	return nil
}
func (h *fakeHost) GetFunctionInfo(fn hostabi.FunctionID) (hostabi.FunctionInfo, error) {
	return h.fn, nil
}
func (h *fakeHost) RequestReJIT(moduleIDs []hostabi.ModuleID, methods []tokens.Token) error {
	return nil
}

// tinyAddMethodBody encodes: static int Add(int, int) { return a + b; }
// as a raw tiny method body (header byte, then ldarg.0 ldarg.1 add ret).
func tinyAddMethodBody() []byte {
	code := []byte{0x02, 0x03, 0x58, 0x2A}
	header := byte(len(code)<<2) | 0x02 // tiny format tag 0x2, code size in top bits
	return append([]byte{header}, code...)
}

func testIntegration() []integration.Integration {
	return []integration.Integration{
		{
			Name: "TestIntegration",
			MethodReplacements: []integration.MethodReplacement{
				{
					Target: integration.Target{Assembly: "TestAsm", Type: "TestType", Method: "Add"},
					Wrapper: integration.Wrapper{
						Assembly: "Elastic.Apm.Profiler.Managed",
						Type:     "Elastic.Apm.Profiler.Managed.Integrations.AddIntegration",
						Action:   integration.ActionCallTargetModification,
					},
				},
			},
		},
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeHost) {
	t.Helper()
	emitter := metadatafake.New()
	host := &fakeHost{
		fn: hostabi.FunctionInfo{
			ModuleID:     1,
			Token:        tokens.New(tokens.Method, 1),
			Name:         "Add",
			TypeName:     "TestType",
			AssemblyName: "TestAsm",
			IsStatic:     true,
			// MethodDefSig: default calling convention, 2 params, I4 return, I4 I4 params
			Signature: []byte{0x00, 0x02, byte(0x08) /* I4 */, 0x08, 0x08},
		},
		body: tinyAddMethodBody(),
	}
	registry := NewRegistry()
	registry.SetIntegrations(testIntegration())

	d := NewDispatcher(host, registry, func(hostabi.ModuleID) (metadata.Emitter, error) {
		return emitter, nil
	}, calltarget.ProfilerAssembly{Name: "Elastic.Apm.Profiler.Managed", Version: [4]uint16{1, 0, 0, 0}})
	return d, host
}

func TestJITCompilationStartedRewritesMatchingMethod(t *testing.T) {
	d, host := newTestDispatcher(t)

	if err := d.JITCompilationStarted(1, true); err != nil {
		t.Fatalf("JITCompilationStarted: %v", err)
	}
	if host.lastBody == nil {
		t.Fatal("expected SetILFunctionBody to be called with a rewritten body")
	}

	rewritten, err := cil.ParseMethod(host.lastBody)
	if err != nil {
		t.Fatalf("parsing rewritten body: %v", err)
	}
	if !rewritten.Header.MoreSections {
		t.Error("expected rewritten method to carry EH clauses")
	}
}

func TestJITCompilationStartedSkipsUnknownMethod(t *testing.T) {
	d, host := newTestDispatcher(t)
	host.fn.Name = "NotAnIntegrationTarget"

	if err := d.JITCompilationStarted(1, true); err != nil {
		t.Fatalf("JITCompilationStarted: %v", err)
	}
	if host.lastBody != nil {
		t.Error("expected no rewrite for a method with no matching integration")
	}
}

func TestJITCompilationStartedSkipsWhenNotSafeToBlock(t *testing.T) {
	d, host := newTestDispatcher(t)

	if err := d.JITCompilationStarted(1, false); err != nil {
		t.Fatalf("JITCompilationStarted: %v", err)
	}
	if host.lastBody != nil {
		t.Error("expected no rewrite when isSafeToBlock is false")
	}
}

func TestJITCompilationStartedNoopAfterShutdown(t *testing.T) {
	d, host := newTestDispatcher(t)
	d.Registry.Shutdown()

	if err := d.JITCompilationStarted(1, true); err != nil {
		t.Fatalf("JITCompilationStarted: %v", err)
	}
	if host.lastBody != nil {
		t.Error("expected no rewrite once the registry is shutting down")
	}
}
