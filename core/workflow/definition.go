package workflow

import "fmt"

// StepDef is one entry of a workflow definition: the step identifier and
// whether a gate failure may be overridden by explicit user action.
type StepDef struct {
	Step      Step `json:"step"`
	Skippable bool `json:"skippable,omitempty"`
}

// Definition is the immutable ordered step list for a document kind.
type Definition struct {
	Kind  string    `json:"kind"`
	Steps []StepDef `json:"steps"`
}

// pipelineSteps is the full set of non-terminal steps a definition may list.
var pipelineSteps = map[Step]bool{
	StepPlan:             true,
	StepDraft:            true,
	StepCitationCheck:    true,
	StepGrammarCheck:     true,
	StepReadabilityCheck: true,
}

// Validate checks the definition before any step runs.
func (d *Definition) Validate() error {
	if d == nil {
		return &ConfigError{Reason: "nil definition"}
	}
	if d.Kind == "" {
		return &ConfigError{Reason: "definition kind is empty"}
	}
	if len(d.Steps) == 0 {
		return &ConfigError{Reason: fmt.Sprintf("definition %q has no steps", d.Kind)}
	}
	seen := map[Step]bool{}
	for _, sd := range d.Steps {
		if !pipelineSteps[sd.Step] {
			return &ConfigError{Reason: fmt.Sprintf("definition %q lists invalid step %q", d.Kind, sd.Step)}
		}
		if seen[sd.Step] {
			return &ConfigError{Reason: fmt.Sprintf("definition %q lists step %q twice", d.Kind, sd.Step)}
		}
		seen[sd.Step] = true
	}
	return nil
}

// IndexOf returns the position of step in the definition, or -1.
func (d *Definition) IndexOf(step Step) int {
	for i, sd := range d.Steps {
		if sd.Step == step {
			return i
		}
	}
	return -1
}

// Next returns the step after the given one, or StepDone when none remain.
func (d *Definition) Next(step Step) Step {
	idx := d.IndexOf(step)
	if idx < 0 || idx+1 >= len(d.Steps) {
		return StepDone
	}
	return d.Steps[idx+1].Step
}

// Skippable reports whether the definition flags the step as skippable.
func (d *Definition) Skippable(step Step) bool {
	idx := d.IndexOf(step)
	return idx >= 0 && d.Steps[idx].Skippable
}

// BuiltinDefinitions returns the default definitions per document kind. The
// review checks are skippable; plan and draft are not.
func BuiltinDefinitions() map[string]*Definition {
	return map[string]*Definition{
		"academic": {
			Kind: "academic",
			Steps: []StepDef{
				{Step: StepPlan},
				{Step: StepDraft},
				{Step: StepCitationCheck, Skippable: true},
				{Step: StepGrammarCheck, Skippable: true},
				{Step: StepReadabilityCheck, Skippable: true},
			},
		},
		"blog": {
			Kind: "blog",
			Steps: []StepDef{
				{Step: StepPlan},
				{Step: StepDraft},
				{Step: StepGrammarCheck, Skippable: true},
				{Step: StepReadabilityCheck, Skippable: true},
			},
		},
	}
}
