package config

import (
	"fmt"
	"os"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"
)

// LoadComponentsConfig reads the component YAML file, expands
// `${VAR}`/`${VAR:-default}` references against the process environment
// the way the teacher's CLI commands expand templated strings, then
// unmarshals it into a ComponentsConfig. Camera identifiers are filled
// in from their map keys since YAML mappings don't carry their own key
// as a field value.
func LoadComponentsConfig(path string) (*ComponentsConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read components config: %w", err)
	}

	return ProcessYAMLConfig(raw)
}

// ProcessYAMLConfig expands environment references in yamlContent and
// unmarshals the result into a ComponentsConfig.
func ProcessYAMLConfig(yamlContent []byte) (*ComponentsConfig, error) {
	expanded, err := envsubst.EvalEnv(string(yamlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment references: %w", err)
	}

	var cfg ComponentsConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse components config: %w", err)
	}

	for identifier, cam := range cfg.Cameras {
		cam.Identifier = identifier
		cfg.Cameras[identifier] = cam
	}

	if err := ParseStorageTiers(cfg.StorageTiers); err != nil {
		return nil, err
	}

	return &cfg, nil
}
