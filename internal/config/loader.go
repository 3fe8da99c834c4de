package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"

	"github.com/ekisa-team/yolo2ncnn/internal/xfs"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "yolo2ncnn.v1.schema.json"

// Load returns the configuration at path layered over Default.
// A missing file is only an error when required is set; otherwise the
// defaults are returned unchanged.
func Load(path string, required bool) (*Config, error) {
	cfg, err := LoadAndValidate(path)
	if err == nil {
		return cfg, nil
	}

	if !required && errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}

	return nil, err
}

// LoadAndValidate loads and validates the configuration.
func LoadAndValidate(path string) (*Config, error) {
	data, err := os.ReadFile(xfs.ExpandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config: %w", err)
	}

	return Parse(data)
}

// Parse validates data against the embedded schema and decodes it over Default.
func Parse(data []byte) (*Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid YAML: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	schema, err := jsonschema.CompileString(schemaURL, schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("config: failed to compile schema: %w", err)
	}

	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal into Config struct: %w", err)
	}

	config.WorkDir = xfs.ExpandTilde(config.WorkDir)
	config.Deploy.Dir = xfs.ExpandTilde(config.Deploy.Dir)

	return config, nil
}
