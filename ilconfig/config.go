// Package ilconfig reads the small set of environment variables that
// configure an attached profiler, the way the rest of this module's
// reference corpus leans on github.com/xyproto/env/v2 for config rather
// than hand-rolled os.Getenv parsing.
package ilconfig

import (
	"strings"

	env "github.com/xyproto/env/v2"
)

const (
	envIntegrationDefinitionsPath = "ILJOIN_INTEGRATION_DEFINITIONS_PATH"
	envCallTargetEnabled          = "ILJOIN_CALLTARGET_ENABLED"
	envExcludeIntegrations        = "ILJOIN_EXCLUDE_INTEGRATIONS"
	envLogIL                      = "ILJOIN_LOG_IL"
	envLogLevel                   = "ILJOIN_LOG_LEVEL"
	envReJITQueueDepth            = "ILJOIN_REJIT_QUEUE_DEPTH"
)

// Config is read once at process attach; nothing downstream re-reads the
// environment itself.
type Config struct {
	// IntegrationDefinitionsPath names the YAML file describing which
	// methods to instrument.
	IntegrationDefinitionsPath string
	// CallTargetEnabled selects the full call-target weave when true, or
	// the simpler direct call-site replacement when false.
	CallTargetEnabled bool
	// ExcludeIntegrations lists integration names to skip even if present
	// in the definitions file.
	ExcludeIntegrations []string
	// LogIL enables a Trace-level dump of original/rewritten IL text.
	LogIL bool
	// LogLevel is a logrus level name ("debug", "info", "warn", ...).
	LogLevel string
	// ReJITQueueDepth bounds the ReJIT worker's request channel.
	ReJITQueueDepth int
}

// Load reads Config from the environment, applying the same defaults the
// managed profiler ships: call-target rewriting on, IL logging off, queue
// depth 256.
func Load() Config {
	return Config{
		IntegrationDefinitionsPath: env.Str(envIntegrationDefinitionsPath, ""),
		CallTargetEnabled:          env.Bool(envCallTargetEnabled, true),
		ExcludeIntegrations:        splitNonEmpty(env.Str(envExcludeIntegrations, "")),
		LogIL:                      env.Bool(envLogIL, false),
		LogLevel:                   env.Str(envLogLevel, "info"),
		ReJITQueueDepth:            env.Int(envReJITQueueDepth, 256),
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
