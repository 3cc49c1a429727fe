package workflow

import (
	"regexp"
	"strings"
	"unicode"
)

// GateOp compares a computed metric against a threshold.
type GateOp string

const (
	OpGTE GateOp = "gte"
	OpLTE GateOp = "lte"
	OpEQ  GateOp = "eq"
)

// GateRule is one threshold check applied to a step's output.
type GateRule struct {
	Metric    string  `json:"metric"`
	Op        GateOp  `json:"op"`
	Threshold float64 `json:"threshold"`
}

// GatePolicy maps steps to their threshold rules. Steps without rules pass
// unconditionally.
type GatePolicy map[Step][]GateRule

// DefaultGatePolicy returns the thresholds applied when no workflow config
// overrides them.
func DefaultGatePolicy() GatePolicy {
	return GatePolicy{
		StepPlan:             {{Metric: MetricWordCount, Op: OpGTE, Threshold: 30}},
		StepDraft:            {{Metric: MetricWordCount, Op: OpGTE, Threshold: 120}},
		StepCitationCheck:    {{Metric: MetricCitationCount, Op: OpGTE, Threshold: 1}},
		StepGrammarCheck:     {{Metric: MetricGrammarErrors, Op: OpEQ, Threshold: 0}},
		StepReadabilityCheck: {{Metric: MetricReadability, Op: OpGTE, Threshold: 60}},
	}
}

// Metric names computed by the gate.
const (
	MetricReadability   = "readability"
	MetricGrammarErrors = "grammar_error_count"
	MetricCitationCount = "citation_count"
	MetricWordCount     = "word_count"
)

// Gate evaluates step output against the configured policy. Deterministic
// given the same content and thresholds.
type Gate struct {
	policy GatePolicy
}

// NewGate builds a gate from a policy table; a nil policy means every step
// passes.
func NewGate(policy GatePolicy) *Gate {
	return &Gate{policy: policy}
}

// Evaluate computes the metric set for content and applies the step's rules.
func (g *Gate) Evaluate(step Step, content string) (QualityMetrics, bool) {
	metrics := ComputeMetrics(content)
	if g == nil || g.policy == nil {
		return metrics, true
	}
	rules := g.policy[step]
	for _, rule := range rules {
		val := metrics[rule.Metric]
		switch rule.Op {
		case OpGTE:
			if val < rule.Threshold {
				return metrics, false
			}
		case OpLTE:
			if val > rule.Threshold {
				return metrics, false
			}
		case OpEQ:
			if val != rule.Threshold {
				return metrics, false
			}
		}
	}
	return metrics, true
}

// ComputeMetrics derives the full metric set from content.
func ComputeMetrics(content string) QualityMetrics {
	words := splitWords(content)
	return QualityMetrics{
		MetricWordCount:     float64(len(words)),
		MetricReadability:   readabilityScore(content, words),
		MetricGrammarErrors: float64(countGrammarErrors(content, words)),
		MetricCitationCount: float64(countCitations(content)),
	}
}

func splitWords(content string) []string {
	return strings.FieldsFunc(content, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// readabilityScore is the Flesch reading ease, clamped to [0, 100].
func readabilityScore(content string, words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	sentences := countSentences(content)
	if sentences == 0 {
		sentences = 1
	}
	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}
	score := 206.835 - 1.015*(float64(len(words))/float64(sentences)) - 84.6*(float64(syllables)/float64(len(words)))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func countSentences(content string) int {
	n := 0
	for _, r := range content {
		switch r {
		case '.', '!', '?':
			n++
		}
	}
	return n
}

func countSyllables(word string) int {
	word = strings.ToLower(word)
	count := 0
	prevVowel := false
	for _, r := range word {
		vowel := strings.ContainsRune("aeiouy", r)
		if vowel && !prevVowel {
			count++
		}
		prevVowel = vowel
	}
	if strings.HasSuffix(word, "e") && count > 1 {
		count--
	}
	if count == 0 {
		count = 1
	}
	return count
}

// countGrammarErrors is a deliberately simple rule scan: doubled words,
// sentences that do not start with an uppercase letter, and a standalone
// lowercase "i".
func countGrammarErrors(content string, words []string) int {
	errors := 0
	for i := 1; i < len(words); i++ {
		if strings.EqualFold(words[i], words[i-1]) {
			errors++
		}
	}
	for _, w := range words {
		if w == "i" {
			errors++
		}
	}
	for _, sentence := range splitSentences(content) {
		trimmed := strings.TrimSpace(sentence)
		if trimmed == "" {
			continue
		}
		first := []rune(trimmed)[0]
		if unicode.IsLetter(first) && unicode.IsLower(first) {
			errors++
		}
	}
	return errors
}

func splitSentences(content string) []string {
	return strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
}

var (
	numericCitationRe = regexp.MustCompile(`\[\d+\]`)
	authorYearRe      = regexp.MustCompile(`\([^()]*\b(1[89]\d{2}|20\d{2})\b[^()]*\)`)
)

func countCitations(content string) int {
	return len(numericCitationRe.FindAllString(content, -1)) +
		len(authorYearRe.FindAllString(content, -1))
}
