package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

func validateConfigSchema(name, schemaPath string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	schemaBytes, err := configSchemaFS.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", name, err)
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse %s config: %w", name, err)
	}

	resourceID := "chusea://" + name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add %s schema resource: %w", name, err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", name, err)
	}

	normalized, err := normalizeValue(payload)
	if err != nil {
		return fmt.Errorf("normalize %s config: %w", name, err)
	}
	if err := compiled.Validate(normalized); err != nil {
		return fmt.Errorf("validate %s config: %w", name, err)
	}
	return nil
}

// normalizeValue round-trips a value through JSON so the schema validator
// sees canonical JSON types regardless of the YAML decoder's choices.
func normalizeValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
