package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/approval"
	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/policy"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoSavedState is returned by Resume when the persisted run state
// can no longer be found. Fatal: there is nothing to resume.
var ErrNoSavedState = errors.New("no saved state for run")

// ErrStepBudgetExceeded is the fatal condition for a run that spun past
// its hard step budget. Distinct from business failure.
var ErrStepBudgetExceeded = errors.New("step budget exceeded")

// Supervisor runs the ingest→route→plan→approval→execute_safe→finalize
// state machine. All dependencies are constructor-injected.
type Supervisor struct {
	cfg       config.SupervisorConfig
	store     store.Store
	router    policy.Router
	evaluator policy.Evaluator
	backend   approval.Backend
	exec      *resilience.Executor
	caller    Caller
	targets   []string
	logger    *zap.Logger
	sink      telemetry.Sink
}

// New wires a supervisor. backend may be nil, in which case runs that
// need approval pause without an external issue and must be resumed
// after out-of-band approval is recorded on their state.
func New(cfg config.SupervisorConfig, st store.Store, router policy.Router, evaluator policy.Evaluator, backend approval.Backend, exec *resilience.Executor, caller Caller, targets []string, logger *zap.Logger, sink telemetry.Sink) (*Supervisor, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("resilience executor is required")
	}
	if caller == nil {
		return nil, fmt.Errorf("target caller is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Supervisor{
		cfg:       cfg,
		store:     st,
		router:    router,
		evaluator: evaluator,
		backend:   backend,
		exec:      exec,
		caller:    caller,
		targets:   targets,
		logger:    logger,
		sink:      sink,
	}, nil
}

// Run drives a new run until it finishes or pauses for approval.
func (s *Supervisor) Run(ctx context.Context, input string) (*Result, error) {
	now := time.Now()
	state := &State{
		RunID:     uuid.NewString(),
		Input:     input,
		Step:      StepIngest,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.persist(ctx, state); err != nil {
		return nil, err
	}

	s.sink.RecordEvent(ctx, telemetry.Event{Type: "run.started", Subject: state.RunID, Status: string(state.Step)})
	return s.advance(ctx, state)
}

// Resume continues a paused run. Before approval is granted it stays
// paused and returns the same pending result; once the external signal
// is there it proceeds through execute_safe to finalize.
func (s *Supervisor) Resume(ctx context.Context, runID string) (*Result, error) {
	data, err := s.store.LoadRunState(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run state: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSavedState, runID)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode run state: %w", err)
	}

	if state.Step == StepApproval && state.Approval != nil && !state.Approval.Approved {
		s.refreshApproval(ctx, &state)
		if !state.Approval.Approved {
			// Still pending; nothing executes.
			if err := s.persist(ctx, &state); err != nil {
				return nil, err
			}
			return s.pausedResult(&state), nil
		}
		state.Step = StepExecuteSafe
		if err := s.persist(ctx, &state); err != nil {
			return nil, err
		}
	}

	s.sink.RecordEvent(ctx, telemetry.Event{Type: "run.resumed", Subject: state.RunID, Status: string(state.Step)})
	return s.advance(ctx, &state)
}

// refreshApproval re-checks the external approval signal.
func (s *Supervisor) refreshApproval(ctx context.Context, state *State) {
	if s.backend == nil || state.Approval.IssueID == "" {
		return
	}
	decision, err := s.backend.CheckApproval(ctx, state.Approval.IssueID)
	if err != nil {
		s.logger.Warn("approval check failed",
			zap.String("run_id", state.RunID),
			zap.String("issue_id", state.Approval.IssueID),
			zap.Error(err),
		)
		return
	}
	if decision.Approved {
		state.Approval.Approved = true
		state.Approval.ApprovedBy = decision.ApprovedBy
	}
}

// advance executes steps until the run finishes, pauses or fails. State
// is persisted after every transition, before control returns.
func (s *Supervisor) advance(ctx context.Context, state *State) (*Result, error) {
	for steps := 0; ; steps++ {
		if steps >= s.cfg.MaxSteps {
			s.fail(ctx, state, ErrStepBudgetExceeded.Error())
			return s.errorResult(state), ErrStepBudgetExceeded
		}

		switch state.Step {
		case StepIngest:
			s.ingest(state)
		case StepRoute:
			if err := s.route(ctx, state); err != nil {
				s.fail(ctx, state, err.Error())
				return s.errorResult(state), nil
			}
		case StepPlan:
			s.plan(state)
		case StepApproval:
			if !state.Approval.Approved {
				s.requestApproval(ctx, state)
				if err := s.persist(ctx, state); err != nil {
					return nil, err
				}
				s.sink.RecordEvent(ctx, telemetry.Event{
					Type:    "run.paused",
					Subject: state.RunID,
					Status:  string(StepApproval),
					Meta:    map[string]string{"issue_id": state.Approval.IssueID},
				})
				return s.pausedResult(state), nil
			}
			state.Step = StepExecuteSafe
		case StepExecuteSafe:
			if err := s.executeSafe(ctx, state); err != nil {
				s.fail(ctx, state, err.Error())
				return s.errorResult(state), nil
			}
		case StepFinalize:
			now := time.Now()
			state.CompletedAt = &now
			if err := s.persist(ctx, state); err != nil {
				return nil, err
			}
			s.sink.RecordEvent(ctx, telemetry.Event{Type: "run.finished", Subject: state.RunID, Status: "success"})
			return &Result{
				RunID:   state.RunID,
				Success: true,
				RefIDs:  state.RefIDs,
			}, nil
		default:
			s.fail(ctx, state, fmt.Sprintf("unknown step %q", state.Step))
			return s.errorResult(state), nil
		}

		if err := s.persist(ctx, state); err != nil {
			return nil, err
		}
	}
}

// ingest scans the input for dangerous patterns. A match pre-seeds the
// route decision as require_human before the router is even consulted.
func (s *Supervisor) ingest(state *State) {
	state.DangerousMatches = s.evaluator.CheckDangerousPatterns(state.Input)
	if len(state.DangerousMatches) > 0 {
		state.Route = &policy.Route{
			Action:      policy.ActionRequireHuman,
			Confidence:  1.0,
			MatchedRule: state.DangerousMatches[0],
		}
		s.logger.Info("dangerous pattern detected",
			zap.String("run_id", state.RunID),
			zap.Strings("matches", state.DangerousMatches),
		)
	}
	state.Step = StepRoute
}

// route asks the router for a target unless ingest already decided, then
// combines with the policy evaluator.
func (s *Supervisor) route(ctx context.Context, state *State) error {
	if state.Route == nil {
		route, err := s.router.Route(ctx, state.Input, s.targets)
		if err != nil {
			return fmt.Errorf("routing failed: %w", err)
		}
		state.Route = route
	}

	state.Approval = &ApprovalState{
		Required: s.evaluator.RequiresApproval(state.Input, state.Route),
	}
	state.Step = StepPlan
	return nil
}

// plan builds the ordered step list and re-derives the approval
// requirement (logical OR with the route decision).
func (s *Supervisor) plan(state *State) {
	risk := policy.RiskLow
	if len(state.DangerousMatches) > 0 {
		risk = policy.RiskHigh
	} else if state.Approval.Required {
		risk = policy.RiskMedium
	}

	target := state.Route.Target
	if target == "" && len(s.targets) > 0 {
		target = s.targets[0]
	}

	plan := &policy.Plan{
		Steps: []policy.PlanStep{
			{Name: "invoke", Target: target, Action: "execute", Input: state.Input},
		},
		RiskLevel:        risk,
		RequiresApproval: state.Approval.Required || risk == policy.RiskHigh,
	}
	plan.Hash = hashPlan(plan)
	state.Plan = plan

	state.Approval.Required = state.Approval.Required || plan.RequiresApproval

	if state.Approval.Required {
		state.Step = StepApproval
	} else {
		state.Step = StepExecuteSafe
	}
}

// requestApproval opens the external approval thread once.
func (s *Supervisor) requestApproval(ctx context.Context, state *State) {
	if s.backend == nil || state.Approval.IssueID != "" {
		return
	}
	title := fmt.Sprintf("Approval required: run %s", state.RunID)
	body := fmt.Sprintf(
		"Run `%s` needs human approval before it executes.\n\nInput:\n```\n%s\n```\nRisk: %s\nPlan hash: `%s`\n\nApply the approval label to let it proceed.",
		state.RunID, state.Input, state.Plan.RiskLevel, state.Plan.Hash,
	)
	issueID, err := s.backend.OpenIssue(ctx, title, body)
	if err != nil {
		// The run still pauses; the watcher TTL path never sees it, so
		// operators must resume it manually.
		s.logger.Error("failed to open approval issue", zap.String("run_id", state.RunID), zap.Error(err))
		return
	}
	state.Approval.IssueID = issueID
}

// executeSafe re-validates the plan against the current approval state,
// then runs every step through the resilience executor.
func (s *Supervisor) executeSafe(ctx context.Context, state *State) error {
	valid, reason := s.evaluator.ValidatePlan(state.Plan, state.approved())
	if !valid {
		return fmt.Errorf("plan validation failed: %s", reason)
	}

	for _, step := range state.Plan.Steps {
		step := step
		result, err := s.exec.Call(ctx, step.Target, func(ctx context.Context) (interface{}, error) {
			return s.caller.Call(ctx, step.Target, step.Action, step.Input)
		})
		if err != nil {
			return fmt.Errorf("step %s failed: %w", step.Name, err)
		}
		if refID, ok := result.(string); ok && refID != "" {
			state.RefIDs = append(state.RefIDs, refID)
		}
	}

	state.Step = StepFinalize
	return nil
}

// fail moves the run to the error step and persists. Persistence errors
// here are logged, not returned; the caller already has a failure.
func (s *Supervisor) fail(ctx context.Context, state *State, reason string) {
	state.Step = StepError
	state.Error = reason
	if err := s.persist(ctx, state); err != nil {
		s.logger.Error("failed to persist failed run", zap.String("run_id", state.RunID), zap.Error(err))
	}
	s.sink.RecordEvent(ctx, telemetry.Event{
		Type:    "run.failed",
		Subject: state.RunID,
		Status:  string(StepError),
		Meta:    map[string]string{"reason": reason},
	})
}

func (s *Supervisor) persist(ctx context.Context, state *State) error {
	state.UpdatedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}
	if err := s.store.SaveRunState(ctx, state.RunID, data); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

func (s *Supervisor) pausedResult(state *State) *Result {
	return &Result{
		RunID:            state.RunID,
		RequiresApproval: true,
		IssueID:          state.Approval.IssueID,
	}
}

func (s *Supervisor) errorResult(state *State) *Result {
	return &Result{
		RunID: state.RunID,
		Error: state.Error,
	}
}

// hashPlan commits the plan contents so an approval artifact is bound to
// exactly the plan that was reviewed.
func hashPlan(p *policy.Plan) string {
	data, err := json.Marshal(p.Steps)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
