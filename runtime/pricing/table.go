package pricing

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Table is the YAML document shape for rate tables shipped alongside
	// deployments.
	Table struct {
		Rates []TableEntry `yaml:"rates"`
	}

	// TableEntry prices one provider/model pair.
	TableEntry struct {
		Provider string  `yaml:"provider"`
		Model    string  `yaml:"model"`
		Input    float64 `yaml:"input_per_mtok"`
		Output   float64 `yaml:"output_per_mtok"`
	}
)

// LoadTable parses a YAML rate table into a registry map keyed by
// "provider:model". Entries must name both provider and model and carry
// non-negative rates.
func LoadTable(r io.Reader) (map[string]Rate, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("pricing: read rate table: %w", err)
	}
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("pricing: parse rate table: %w", err)
	}
	registry := make(map[string]Rate, len(table.Rates))
	for i, entry := range table.Rates {
		if entry.Provider == "" || entry.Model == "" {
			return nil, fmt.Errorf("pricing: rate entry %d missing provider or model", i)
		}
		if entry.Input < 0 || entry.Output < 0 {
			return nil, fmt.Errorf("pricing: rate entry %d has negative rates", i)
		}
		key := RegistryKey(entry.Provider, entry.Model)
		if _, ok := registry[key]; ok {
			return nil, fmt.Errorf("pricing: duplicate rate entry for %q", key)
		}
		registry[key] = Rate{InputPerMTok: entry.Input, OutputPerMTok: entry.Output}
	}
	return registry, nil
}

// LoadTableFile opens and parses a YAML rate table from disk.
func LoadTableFile(path string) (map[string]Rate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: open rate table: %w", err)
	}
	defer f.Close()
	return LoadTable(f)
}
