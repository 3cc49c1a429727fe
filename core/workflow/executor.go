package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GenerationClient is the narrow interface to the AI backend. Callers build
// prompts; the client returns generated text.
type GenerationClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ExecContext carries the inputs one step execution needs: the document text
// so far, the user's request, and prior step results.
type ExecContext struct {
	DocumentID   string
	DocumentText string
	UserPrompt   string
	Prior        []StepResult
}

// Outcome is the result of one execution attempt of a step, before the engine
// decides the resulting transition.
type Outcome struct {
	Content    string
	Metrics    QualityMetrics
	PassedGate bool
	Err        error
}

// Executor runs exactly one pipeline step. Implementations never mutate the
// instance; the engine decides all transitions from the returned outcome.
type Executor interface {
	Execute(ctx context.Context, step Step, ec ExecContext) Outcome
}

// GenExecutor builds a generation request, invokes the generation client with
// a per-call timeout, and applies the quality gate to the response.
type GenExecutor struct {
	client  GenerationClient
	gate    *Gate
	timeout time.Duration
}

const defaultStepTimeout = 2 * time.Minute

// NewGenExecutor wires a generation client and gate into a step executor.
func NewGenExecutor(client GenerationClient, gate *Gate, timeout time.Duration) *GenExecutor {
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	return &GenExecutor{client: client, gate: gate, timeout: timeout}
}

func (x *GenExecutor) Execute(ctx context.Context, step Step, ec ExecContext) Outcome {
	cctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	content, err := x.client.Generate(cctx, BuildPrompt(step, ec))
	if err != nil {
		reason := "backend"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		} else if errors.Is(err, context.Canceled) {
			reason = "cancelled"
		}
		return Outcome{Err: &GenerationError{Reason: reason, Err: err}}
	}

	metrics, passed := x.gate.Evaluate(step, content)
	return Outcome{Content: content, Metrics: metrics, PassedGate: passed}
}

var stepInstructions = map[Step]string{
	StepPlan:             "Produce a structured outline for the document below. List the sections in order with one sentence per section describing its argument.",
	StepDraft:            "Write a full draft following the outline and the document content below. Keep the author's voice and expand every section.",
	StepCitationCheck:    "Review the draft below for factual claims that need citations. Rewrite it with properly formatted citations added where required.",
	StepGrammarCheck:     "Proofread the draft below. Fix grammar, spelling and punctuation without changing the meaning, and return the corrected text.",
	StepReadabilityCheck: "Rewrite the draft below for clarity and readability. Shorten long sentences and prefer plain words while preserving the content.",
}

// BuildPrompt assembles the generation prompt for a step from the execution
// context: instruction, user request, prior outputs, then the document text.
func BuildPrompt(step Step, ec ExecContext) string {
	var b strings.Builder
	if inst, ok := stepInstructions[step]; ok {
		b.WriteString(inst)
		b.WriteString("\n\n")
	}
	if ec.UserPrompt != "" {
		b.WriteString("Author request: ")
		b.WriteString(ec.UserPrompt)
		b.WriteString("\n\n")
	}
	for _, res := range ec.Prior {
		if res.Content == "" || !res.PassedGate {
			continue
		}
		fmt.Fprintf(&b, "Output of %s:\n%s\n\n", res.Step, res.Content)
	}
	b.WriteString("Document:\n")
	b.WriteString(ec.DocumentText)
	return b.String()
}
