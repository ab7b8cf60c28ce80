package integration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDefinitions parses the integrations YAML file at path and removes
// any integration whose name appears in exclude (the exclude_integrations
// configuration option), by name, before returning.
func LoadDefinitions(path string, exclude []string) ([]Integration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("integration: reading %s: %w", path, err)
	}
	var defs []Integration
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("integration: parsing %s: %w", path, err)
	}

	if len(exclude) == 0 {
		return defs, nil
	}
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}
	out := defs[:0]
	for _, d := range defs {
		if !excluded[d.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}
