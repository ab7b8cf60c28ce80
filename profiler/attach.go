package profiler

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/elastic-clr/iljoin/calltarget"
	"github.com/elastic-clr/iljoin/hostabi"
	"github.com/elastic-clr/iljoin/ilconfig"
	"github.com/elastic-clr/iljoin/integration"
	"github.com/elastic-clr/iljoin/tokens"
)

// Agent bundles the pieces a process attach wires together: the registry,
// the callback dispatcher the host drives, and the ReJIT worker a config
// reload enqueues onto.
type Agent struct {
	Registry   *Registry
	Dispatcher *Dispatcher
	ReJIT      *ReJITWorker
}

// Attach reads cfg once and builds a ready-to-run Agent: integration
// definitions loaded and exclude-filtered, the logger leveled per
// cfg.LogLevel, call-target weaving toggled per cfg.CallTargetEnabled.
// Nothing downstream re-reads the environment; a later config reload is a
// fresh call to Attach followed by Registry.SetIntegrations on the new set.
//
// rejitRewrite performs the same JIT-time rewrite Dispatcher.JITCompilationStarted
// does, driven instead by ReJITWorker's queue; callers typically pass a
// closure over the same Dispatcher this call returns.
func Attach(cfg ilconfig.Config, host hostabi.Host, emitters EmitterFactory, asm calltarget.ProfilerAssembly, rejitRewrite func(hostabi.ModuleID, tokens.Token) error) (*Agent, error) {
	log := logrus.StandardLogger()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	var defs []integration.Integration
	if cfg.IntegrationDefinitionsPath != "" {
		var err error
		defs, err = integration.LoadDefinitions(cfg.IntegrationDefinitionsPath, cfg.ExcludeIntegrations)
		if err != nil {
			return nil, fmt.Errorf("profiler: attach: %w", err)
		}
	}

	registry := NewRegistry()
	registry.SetIntegrations(defs)

	dispatcher := NewDispatcher(host, registry, emitters, asm)
	dispatcher.CallTargetEnabled = cfg.CallTargetEnabled
	dispatcher.LogIL = cfg.LogIL
	dispatcher.Log = log

	if rejitRewrite == nil {
		rejitRewrite = func(hostabi.ModuleID, tokens.Token) error {
			return fmt.Errorf("profiler: no ReJIT rewrite callback configured")
		}
	}
	rejit := NewReJITWorker(host, registry, rejitRewrite)
	rejit.Log = log
	if cfg.ReJITQueueDepth > 0 {
		rejit.queue = make(chan rejitRequest, cfg.ReJITQueueDepth)
	}

	return &Agent{Registry: registry, Dispatcher: dispatcher, ReJIT: rejit}, nil
}
