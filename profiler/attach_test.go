package profiler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/elastic-clr/iljoin/calltarget"
	"github.com/elastic-clr/iljoin/hostabi"
	"github.com/elastic-clr/iljoin/ilconfig"
	"github.com/elastic-clr/iljoin/metadata"
	"github.com/elastic-clr/iljoin/metadata/metadatafake"
	"github.com/elastic-clr/iljoin/tokens"
)

func writeIntegrationsFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "integrations.yml")
	yaml := `
- name: Keep
  method_replacements:
    - target:
        assembly: TestAsm
        type: TestType
        method: Add
      wrapper:
        assembly: Elastic.Apm.Profiler.Managed
        type: Elastic.Apm.Profiler.Managed.Integrations.AddIntegration
        action: CallTargetModification
- name: Drop
  method_replacements: []
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing integrations file: %v", err)
	}
	return path
}

func TestAttachLoadsAndFiltersIntegrations(t *testing.T) {
	path := writeIntegrationsFile(t)
	cfg := ilconfig.Config{
		IntegrationDefinitionsPath: path,
		ExcludeIntegrations:        []string{"Drop"},
		CallTargetEnabled:          true,
		LogLevel:                   "debug",
	}

	agent, err := Attach(cfg, &fakeHost{}, func(hostabi.ModuleID) (metadata.Emitter, error) {
		return metadatafake.New(), nil
	}, calltarget.ProfilerAssembly{Name: "Elastic.Apm.Profiler.Managed"}, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	defs := agent.Registry.Integrations()
	if len(defs) != 1 || defs[0].Name != "Keep" {
		t.Fatalf("expected only the non-excluded integration, got %+v", defs)
	}
	if !agent.Dispatcher.CallTargetEnabled {
		t.Error("expected CallTargetEnabled to be carried from config")
	}
}

func TestAttachDefaultRejitRewriteReportsUnconfigured(t *testing.T) {
	agent, err := Attach(ilconfig.Config{}, &fakeHost{}, func(hostabi.ModuleID) (metadata.Emitter, error) {
		return metadatafake.New(), nil
	}, calltarget.ProfilerAssembly{}, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := agent.ReJIT.Rewrite(1, tokens.New(tokens.Method, 1)); err == nil {
		t.Error("expected the default ReJIT rewrite callback to report being unconfigured")
	}
}
