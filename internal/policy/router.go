package policy

import (
	"context"
	"regexp"
	"strings"
)

// KeywordRule maps an input pattern to a preferred target.
type KeywordRule struct {
	ID         string
	Pattern    *regexp.Regexp
	Target     string
	Confidence float64
}

// KeywordRouter is the default Router: first matching keyword rule wins;
// unmatched input falls back to the first configured target with low
// confidence, which the evaluator escalates to a human.
type KeywordRouter struct {
	rules []KeywordRule
}

// NewKeywordRouter creates a router with the given rule table.
func NewKeywordRouter(rules []KeywordRule) *KeywordRouter {
	return &KeywordRouter{rules: rules}
}

// Route implements Router.
func (r *KeywordRouter) Route(_ context.Context, input string, targets []string) (*Route, error) {
	known := make(map[string]bool, len(targets))
	for _, t := range targets {
		known[t] = true
	}

	for _, rule := range r.rules {
		if !rule.Pattern.MatchString(input) {
			continue
		}
		if !known[rule.Target] {
			continue
		}
		return &Route{
			Action:      ActionExecute,
			Target:      rule.Target,
			Candidates:  targets,
			Confidence:  rule.Confidence,
			MatchedRule: rule.ID,
		}, nil
	}

	if len(targets) == 0 {
		return &Route{Action: ActionRequireHuman, Confidence: 0}, nil
	}

	// No rule matched: low-confidence fallback.
	return &Route{
		Action:     ActionExecute,
		Target:     targets[0],
		Candidates: targets,
		Confidence: 0.3,
	}, nil
}

// DefaultKeywordRules returns a small starter rule table keyed on common
// tool verbs.
func DefaultKeywordRules(targets []string) []KeywordRule {
	var rules []KeywordRule
	for _, t := range targets {
		// A target named in the input routes to that target directly.
		rules = append(rules, KeywordRule{
			ID:         "target-" + t,
			Pattern:    regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(strings.ToLower(t)) + `\b`),
			Target:     t,
			Confidence: 0.9,
		})
	}
	return rules
}
