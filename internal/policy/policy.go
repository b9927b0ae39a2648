// Package policy defines the routing and safety-policy interfaces the
// supervisor consumes, plus the default pattern-based evaluator.
package policy

import (
	"context"
)

// Route is a routing decision for one piece of input.
type Route struct {
	// Action is "execute" or "require_human".
	Action      string   `json:"action"`
	Target      string   `json:"target,omitempty"`
	Candidates  []string `json:"candidates,omitempty"`
	Confidence  float64  `json:"confidence"`
	MatchedRule string   `json:"matched_rule,omitempty"`
}

// Route actions.
const (
	ActionExecute      = "execute"
	ActionRequireHuman = "require_human"
)

// Router picks a downstream target for input. Pure function dependency;
// implementations must not mutate shared state.
type Router interface {
	Route(ctx context.Context, input string, targets []string) (*Route, error)
}

// PlanStep is one ordered step of an execution plan.
type PlanStep struct {
	Name   string `json:"name"`
	Target string `json:"target"`
	Action string `json:"action"`
	Input  string `json:"input,omitempty"`
}

// Plan is an ordered step list with an overall risk level.
type Plan struct {
	Steps            []PlanStep `json:"steps"`
	RiskLevel        string     `json:"risk_level"`
	RequiresApproval bool       `json:"requires_approval"`
	Hash             string     `json:"hash,omitempty"`
}

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Evaluator decides which inputs and plans need human review.
type Evaluator interface {
	// CheckDangerousPatterns returns the names of every dangerous
	// pattern the input matches. Empty means safe.
	CheckDangerousPatterns(input string) []string

	// RequiresApproval combines input inspection with the routing
	// decision.
	RequiresApproval(input string, route *Route) bool

	// ValidatePlan re-checks a plan against the current approval
	// state before anything executes.
	ValidatePlan(plan *Plan, approved bool) (bool, string)
}
