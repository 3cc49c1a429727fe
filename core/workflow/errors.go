package workflow

import (
	"errors"
	"fmt"
)

// GenerationError reports a backend or transport failure (including timeout)
// from the generation service. Recoverable through the retry loop.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("generation failed (%s)", e.Reason)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// QualityFailure reports that generation succeeded but the gate rejected the
// content. Recoverable through the retry loop.
type QualityFailure struct {
	Step    Step
	Metrics QualityMetrics
}

func (e *QualityFailure) Error() string {
	return fmt.Sprintf("quality gate rejected %s output", e.Step)
}

// StoreError reports a checkpoint persistence failure. Never fatal for the
// pipeline; logged and retried on the next checkpoint tick.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("checkpoint store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConfigError reports an invalid definition or configuration at start. Fatal:
// the instance is never created.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid workflow config: " + e.Reason
}

// CauseOf classifies an error into the snapshot-visible taxonomy.
func CauseOf(err error) ErrorCause {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return CauseGeneration
	}
	var qErr *QualityFailure
	if errors.As(err, &qErr) {
		return CauseQuality
	}
	var sErr *StoreError
	if errors.As(err, &sErr) {
		return CauseStore
	}
	var cErr *ConfigError
	if errors.As(err, &cErr) {
		return CauseConfig
	}
	return ""
}
