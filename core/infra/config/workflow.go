package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StepSpec declares one pipeline step within a workflow definition.
type StepSpec struct {
	Step      string `yaml:"step" json:"step"`
	Skippable bool   `yaml:"skippable,omitempty" json:"skippable,omitempty"`
}

// GateRule declares one quality threshold applied to a step's output.
type GateRule struct {
	Metric    string  `yaml:"metric" json:"metric"`
	Op        string  `yaml:"op" json:"op"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// WorkflowConfig is the operator-supplied workflow tuning file: definitions
// per document kind, per-step gate rules, and retry/backoff limits.
type WorkflowConfig struct {
	MaxRetries     int                   `yaml:"max_retries,omitempty"`
	StepTimeoutSec int                   `yaml:"step_timeout_sec,omitempty"`
	BackoffBaseSec int                   `yaml:"backoff_base_sec,omitempty"`
	BackoffCapSec  int                   `yaml:"backoff_cap_sec,omitempty"`
	Definitions    map[string][]StepSpec `yaml:"definitions,omitempty"`
	Gates          map[string][]GateRule `yaml:"gates,omitempty"`
}

// ParseWorkflowConfig parses workflow config data from YAML bytes and
// validates it against the embedded schema.
func ParseWorkflowConfig(data []byte) (*WorkflowConfig, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if err := validateConfigSchema("workflow", workflowSchemaFile, data); err != nil {
		return nil, err
	}
	var cfg WorkflowConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse workflow config: %w", err)
	}
	for kind, steps := range cfg.Definitions {
		if kind == "" {
			return nil, errors.New("workflow config has a definition with empty kind")
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("definition %q has no steps", kind)
		}
	}
	for step, rules := range cfg.Gates {
		for _, rule := range rules {
			switch rule.Op {
			case "gte", "lte", "eq":
			default:
				return nil, fmt.Errorf("gate rule for %q has invalid op %q", step, rule.Op)
			}
		}
	}
	return &cfg, nil
}

// LoadWorkflowConfig reads a YAML workflow config file. A missing file is not
// an error; callers fall back to built-in definitions and gate defaults.
func LoadWorkflowConfig(path string) (*WorkflowConfig, error) {
	if path == "" {
		return nil, nil
	}

	// #nosec G304 -- workflow config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workflow config %s: %w", path, err)
	}

	cfg, err := ParseWorkflowConfig(data)
	if err != nil {
		return nil, fmt.Errorf("load workflow config %s: %w", path, err)
	}
	return cfg, nil
}
