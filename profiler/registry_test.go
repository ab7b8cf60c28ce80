package profiler

import (
	"testing"

	"github.com/elastic-clr/iljoin/integration"
)

func TestRegistryModuleLoadedIsIdempotent(t *testing.T) {
	r := NewRegistry()
	first := r.ModuleLoaded(1)
	second := r.ModuleLoaded(1)
	if first != second {
		t.Fatal("expected ModuleLoaded to return the same bookkeeping on repeat calls")
	}
}

func TestRegistryModuleUnloadedDropsBookkeeping(t *testing.T) {
	r := NewRegistry()
	r.ModuleLoaded(1)
	r.ModuleUnloaded(1)
	if r.Module(1) != nil {
		t.Fatal("expected Module to return nil after ModuleUnloaded")
	}
}

func TestRegistryWrapperKeyFailureIsSticky(t *testing.T) {
	m := &ModuleMetadata{FailedWrapperKeys: make(map[string]struct{})}
	if m.IsWrapperKeyFailed("k") {
		t.Fatal("expected a fresh key to not be marked failed")
	}
	m.MarkWrapperKeyFailed("k")
	if !m.IsWrapperKeyFailed("k") {
		t.Fatal("expected MarkWrapperKeyFailed to stick")
	}
}

func TestRegistryAppDomainLifecycle(t *testing.T) {
	r := NewRegistry()
	r.AppDomainLoaded(1)
	r.AppDomainShutdown(1)
	if r.loadedAppDomains[1] {
		t.Fatal("expected AppDomainShutdown to remove the app domain")
	}
}

func TestRegistryShutdownStopsAcceptingWork(t *testing.T) {
	r := NewRegistry()
	if r.IsShuttingDown() {
		t.Fatal("fresh registry should not be shutting down")
	}
	r.Shutdown()
	if !r.IsShuttingDown() {
		t.Fatal("expected IsShuttingDown after Shutdown")
	}
}

func TestRegistryIntegrationsSnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	defs := []integration.Integration{{Name: "A"}}
	r.SetIntegrations(defs)

	snap := r.Integrations()
	snap[0].Name = "mutated"

	if got := r.Integrations()[0].Name; got != "A" {
		t.Fatalf("mutating the snapshot leaked into the registry: got %q", got)
	}
}
