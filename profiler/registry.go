// Package profiler implements the process-wide bookkeeping a CLR profiler
// needs: which modules/app-domains are loaded, which integrations apply,
// and the single-producer/single-consumer ReJIT worker. Exactly one
// Registry exists per attached process; every method that touches its
// collections takes its mutex for the shortest span that covers only the
// map/slice mutation, never a call into metadata.Emitter or
// calltarget.Rewrite.
package profiler

import (
	"sync"

	"github.com/elastic-clr/iljoin/calltarget"
	"github.com/elastic-clr/iljoin/hostabi"
	"github.com/elastic-clr/iljoin/integration"
)

type lifecycleState int

const (
	stateUninitialized lifecycleState = iota
	stateRunning
	stateShuttingDown
	stateShutdown
)

// ModuleMetadata is everything the rewriter has already computed for one
// loaded module: its lazily-built token cache and the set of wrapper
// lookups that failed (so a method whose wrapper can't be resolved isn't
// retried on every JIT event).
type ModuleMetadata struct {
	Tokens           *calltarget.CalltargetTokens
	FailedWrapperKeys map[string]struct{}
}

// Registry is the single process-wide mutex-protected structure described
// in the concurrency model: loaded modules, registered integrations, and
// loaded app domains.
type Registry struct {
	mu               sync.Mutex
	modules          map[hostabi.ModuleID]*ModuleMetadata
	integrations     []integration.Integration
	loadedAppDomains map[hostabi.AppDomainID]bool
	state            lifecycleState
}

func NewRegistry() *Registry {
	return &Registry{
		modules:          make(map[hostabi.ModuleID]*ModuleMetadata),
		loadedAppDomains: make(map[hostabi.AppDomainID]bool),
		state:            stateUninitialized,
	}
}

// SetIntegrations installs the parsed integration set, replacing any
// previous set (re-attach after a config reload).
func (r *Registry) SetIntegrations(defs []integration.Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integrations = defs
	r.state = stateRunning
}

// Integrations returns a snapshot of the currently registered set.
func (r *Registry) Integrations() []integration.Integration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]integration.Integration, len(r.integrations))
	copy(out, r.integrations)
	return out
}

// ModuleLoaded registers a module, creating its (empty) token-cache
// bookkeeping.
func (r *Registry) ModuleLoaded(mod hostabi.ModuleID) *ModuleMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.modules[mod]; ok {
		return m
	}
	m := &ModuleMetadata{FailedWrapperKeys: make(map[string]struct{})}
	r.modules[mod] = m
	return m
}

// Module returns the bookkeeping for mod, or nil if it was never
// registered via ModuleLoaded.
func (r *Registry) Module(mod hostabi.ModuleID) *ModuleMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modules[mod]
}

// ModuleUnloaded drops a module's bookkeeping.
func (r *Registry) ModuleUnloaded(mod hostabi.ModuleID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, mod)
}

// AppDomainLoaded/AppDomainShutdown track which app domains are live, for
// the startup-hook-once-per-domain behavior.
func (r *Registry) AppDomainLoaded(app hostabi.AppDomainID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadedAppDomains[app] = true
}

func (r *Registry) AppDomainShutdown(app hostabi.AppDomainID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loadedAppDomains, app)
}

// IsWrapperKeyFailed/MarkWrapperKeyFailed implement the locally-recovered
// failure cache of spec §7: a method whose wrapper member couldn't be
// resolved once is skipped on subsequent JIT events without retrying the
// metadata lookup.
func (m *ModuleMetadata) IsWrapperKeyFailed(key string) bool {
	_, failed := m.FailedWrapperKeys[key]
	return failed
}

func (m *ModuleMetadata) MarkWrapperKeyFailed(key string) {
	m.FailedWrapperKeys[key] = struct{}{}
}

// Shutdown marks the registry as shutting down; Dispatcher checks this to
// stop accepting new rewrite work.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = stateShuttingDown
}

func (r *Registry) IsShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateShuttingDown || r.state == stateShutdown
}
