package policy

import (
	"regexp"
)

// Rule is one dangerous-pattern detector.
type Rule struct {
	ID          string
	Description string
	Pattern     *regexp.Regexp
}

// DefaultRules returns the default set of dangerous-pattern rules:
// destructive shell commands, privilege escalation, data exfiltration
// shapes and credential material.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "destructive-rm",
			Description: "Recursive filesystem delete",
			Pattern:     regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`),
		},
		{
			ID:          "privilege-escalation",
			Description: "Privilege escalation",
			Pattern:     regexp.MustCompile(`(?i)\b(sudo|doas)\s`),
		},
		{
			ID:          "pipe-to-shell",
			Description: "Remote script piped to a shell",
			Pattern:     regexp.MustCompile(`(?i)\b(curl|wget)\b[^|]*\|\s*(ba|z|da)?sh\b`),
		},
		{
			ID:          "sql-drop",
			Description: "Destructive SQL statement",
			Pattern:     regexp.MustCompile(`(?i)\b(drop\s+(table|database)|truncate\s+table|delete\s+from\s+\w+\s*;?\s*$)`),
		},
		{
			ID:          "disk-overwrite",
			Description: "Raw disk overwrite",
			Pattern:     regexp.MustCompile(`(?i)\b(dd\s+[^|]*of=/dev/|mkfs\.)`),
		},
		{
			ID:          "fork-bomb",
			Description: "Fork bomb",
			Pattern:     regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;?\s*:`),
		},
		{
			ID:          "private-key",
			Description: "Private key material",
			Pattern:     regexp.MustCompile(`-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`),
		},
		{
			ID:          "credential-assignment",
			Description: "Inline credential",
			Pattern:     regexp.MustCompile(`(?i)(?:api[_-]?key|secret|password|token)\s*[:=]\s*['"]?[A-Za-z0-9_\-/+=]{16,}`),
		},
	}
}

// confidenceFloor is the routing confidence below which the evaluator
// escalates to a human even without a pattern match.
const confidenceFloor = 0.5

// PatternEvaluator is the default Evaluator: a fixed rules table plus a
// confidence floor on routing decisions.
type PatternEvaluator struct {
	rules []Rule
}

// NewPatternEvaluator builds an evaluator with the default rules.
func NewPatternEvaluator() *PatternEvaluator {
	return &PatternEvaluator{rules: DefaultRules()}
}

// NewPatternEvaluatorWithRules builds an evaluator with a custom table.
func NewPatternEvaluatorWithRules(rules []Rule) *PatternEvaluator {
	return &PatternEvaluator{rules: rules}
}

// CheckDangerousPatterns implements Evaluator.
func (e *PatternEvaluator) CheckDangerousPatterns(input string) []string {
	var matched []string
	for _, r := range e.rules {
		if r.Pattern.MatchString(input) {
			matched = append(matched, r.ID)
		}
	}
	return matched
}

// RequiresApproval implements Evaluator.
func (e *PatternEvaluator) RequiresApproval(input string, route *Route) bool {
	if len(e.CheckDangerousPatterns(input)) > 0 {
		return true
	}
	if route == nil {
		return false
	}
	if route.Action == ActionRequireHuman {
		return true
	}
	return route.Confidence < confidenceFloor
}

// ValidatePlan implements Evaluator. A plan that requires approval is
// only valid once that approval has been granted.
func (e *PatternEvaluator) ValidatePlan(plan *Plan, approved bool) (bool, string) {
	if plan == nil || len(plan.Steps) == 0 {
		return false, "plan has no steps"
	}
	if plan.RequiresApproval && !approved {
		return false, "plan requires approval that has not been granted"
	}
	for _, step := range plan.Steps {
		if matches := e.CheckDangerousPatterns(step.Input); len(matches) > 0 && !approved {
			return false, "plan step " + step.Name + " matches dangerous pattern " + matches[0]
		}
	}
	return true, ""
}
