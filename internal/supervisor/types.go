// Package supervisor drives a pausable run through ingest, routing,
// planning, approval and execution, persisting state after every step.
package supervisor

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/policy"
)

// Step is a position in the run state machine.
type Step string

const (
	StepIngest      Step = "ingest"
	StepRoute       Step = "route"
	StepPlan        Step = "plan"
	StepApproval    Step = "approval"
	StepExecuteSafe Step = "execute_safe"
	StepFinalize    Step = "finalize"
	StepError       Step = "error"
)

// ApprovalState tracks the human gate for one run.
type ApprovalState struct {
	Required   bool   `json:"required"`
	Approved   bool   `json:"approved"`
	IssueID    string `json:"issue_id,omitempty"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

// State is the persisted run record. It is saved under the run id after
// every step transition, before control returns to the caller, so a
// crash or pause between steps loses at most one step of progress.
type State struct {
	RunID string `json:"run_id"`
	Input string `json:"input"`
	Step  Step   `json:"step"`

	DangerousMatches []string       `json:"dangerous_matches,omitempty"`
	Route            *policy.Route  `json:"route,omitempty"`
	Plan             *policy.Plan   `json:"plan,omitempty"`
	Approval         *ApprovalState `json:"approval,omitempty"`

	RefIDs []string `json:"ref_ids,omitempty"`
	Error  string   `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// approved reports whether execution may proceed past the human gate.
func (s *State) approved() bool {
	if s.Approval == nil || !s.Approval.Required {
		return true
	}
	return s.Approval.Approved
}

// Result is the structured outcome returned to the caller. Business
// failures come back as Success=false with Error set, never as a Go
// error; only fatal conditions (step budget, missing saved state) error.
type Result struct {
	RunID            string   `json:"run_id"`
	Success          bool     `json:"success"`
	RequiresApproval bool     `json:"requires_approval"`
	IssueID          string   `json:"issue_id,omitempty"`
	RefIDs           []string `json:"ref_ids,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Caller invokes one action against a named downstream target and
// returns the reference id of whatever it produced. The supervisor
// wraps every invocation in the resilience executor.
type Caller interface {
	Call(ctx context.Context, target, action, input string) (refID string, err error)
}
