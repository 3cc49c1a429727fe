package service

import (
	"fmt"
	"time"

	"github.com/poer2023/chusea-workflow/core/infra/config"

	wf "github.com/poer2023/chusea-workflow/core/workflow"
)

// EngineConfig maps the operator config onto engine retry limits, falling
// back to the defaults for anything unset.
func EngineConfig(wfCfg *config.WorkflowConfig) wf.Config {
	cfg := wf.DefaultConfig()
	if wfCfg == nil {
		return cfg
	}
	if wfCfg.MaxRetries > 0 {
		cfg.MaxRetries = wfCfg.MaxRetries
	}
	if wfCfg.BackoffBaseSec > 0 {
		cfg.BackoffBase = time.Duration(wfCfg.BackoffBaseSec) * time.Second
	}
	if wfCfg.BackoffCapSec > 0 {
		cfg.BackoffCap = time.Duration(wfCfg.BackoffCapSec) * time.Second
	}
	return cfg
}

// StepTimeout returns the per-step generation timeout, zero meaning the
// executor default.
func StepTimeout(wfCfg *config.WorkflowConfig) time.Duration {
	if wfCfg == nil || wfCfg.StepTimeoutSec <= 0 {
		return 0
	}
	return time.Duration(wfCfg.StepTimeoutSec) * time.Second
}

// Definitions merges configured workflow definitions over the built-ins. A
// configured kind replaces the built-in of the same name entirely.
func Definitions(wfCfg *config.WorkflowConfig) (map[string]*wf.Definition, error) {
	defs := wf.BuiltinDefinitions()
	if wfCfg == nil {
		return defs, nil
	}
	for kind, steps := range wfCfg.Definitions {
		def := &wf.Definition{Kind: kind, Steps: make([]wf.StepDef, 0, len(steps))}
		for _, spec := range steps {
			def.Steps = append(def.Steps, wf.StepDef{Step: wf.Step(spec.Step), Skippable: spec.Skippable})
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("definition %q: %w", kind, err)
		}
		defs[kind] = def
	}
	return defs, nil
}

// GatePolicy merges configured gate rules over the default thresholds. Rules
// for a step replace that step's defaults.
func GatePolicy(wfCfg *config.WorkflowConfig) wf.GatePolicy {
	policy := wf.DefaultGatePolicy()
	if wfCfg == nil {
		return policy
	}
	for step, rules := range wfCfg.Gates {
		converted := make([]wf.GateRule, 0, len(rules))
		for _, rule := range rules {
			converted = append(converted, wf.GateRule{
				Metric:    rule.Metric,
				Op:        wf.GateOp(rule.Op),
				Threshold: rule.Threshold,
			})
		}
		policy[wf.Step(step)] = converted
	}
	return policy
}
