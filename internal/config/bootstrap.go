package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relayd/internal/entity"
)

// Bootstrap holds the endpoint definitions read from an entities.yaml
// file. Section order matters: TLS profiles must exist before the
// listeners and connectors that reference them, so callers apply the
// slices in the order they appear here.
type Bootstrap struct {
	SSLProfiles []entity.Entity `yaml:"sslProfiles"`
	Listeners   []entity.Entity `yaml:"listeners"`
	Connectors  []entity.Entity `yaml:"connectors"`
}

// LoadBootstrap reads endpoint definitions from a YAML file. A missing
// file is not an error; it yields an empty Bootstrap.
func LoadBootstrap(path string) (Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Bootstrap{}, nil
		}
		return Bootstrap{}, fmt.Errorf("config: read bootstrap file %s: %w", path, err)
	}

	var raw struct {
		SSLProfiles []map[string]yaml.Node `yaml:"sslProfiles"`
		Listeners   []map[string]yaml.Node `yaml:"listeners"`
		Connectors  []map[string]yaml.Node `yaml:"connectors"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Bootstrap{}, fmt.Errorf("config: parse bootstrap file %s: %w", path, err)
	}

	out := Bootstrap{}
	if out.SSLProfiles, err = decodeEntities(raw.SSLProfiles); err != nil {
		return Bootstrap{}, fmt.Errorf("config: bootstrap sslProfiles: %w", err)
	}
	if out.Listeners, err = decodeEntities(raw.Listeners); err != nil {
		return Bootstrap{}, fmt.Errorf("config: bootstrap listeners: %w", err)
	}
	if out.Connectors, err = decodeEntities(raw.Connectors); err != nil {
		return Bootstrap{}, fmt.Errorf("config: bootstrap connectors: %w", err)
	}
	return out, nil
}

// decodeEntities flattens YAML mappings into string-valued entities.
// Scalars of any YAML type are accepted; ints and bools keep their
// literal spelling.
func decodeEntities(sections []map[string]yaml.Node) ([]entity.Entity, error) {
	var out []entity.Entity
	for i, section := range sections {
		e := entity.Entity{}
		for key, node := range section {
			if node.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("entry %d: field %q is not a scalar", i, key)
			}
			e[key] = node.Value
		}
		out = append(out, e)
	}
	return out, nil
}
