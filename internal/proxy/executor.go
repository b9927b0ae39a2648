package proxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/dispatchd/internal/approval"
	"github.com/fyrsmithlabs/dispatchd/internal/job"
	"github.com/fyrsmithlabs/dispatchd/internal/policy"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
	"github.com/fyrsmithlabs/dispatchd/internal/worker"
	"go.uber.org/zap"
)

// NewJobExecutor builds the worker executor for queued jobs: the job's
// entrypoint names the target, params carry the action and input. Jobs
// matching a dangerous pattern are parked for approval once; after a
// human approves, the resumed job carries the granted marker and runs.
func NewJobExecutor(caller *HTTPCaller, exec *resilience.Executor, evaluator policy.Evaluator, backend approval.Backend, logger *zap.Logger) worker.Executor {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(ctx context.Context, j *job.Job, _ worker.Options) *worker.Result {
		action, _ := j.Params["action"].(string)
		if action == "" {
			action = "execute"
		}
		input, _ := j.Params["input"].(string)

		if !j.ApprovalGranted && backend != nil {
			if matches := evaluator.CheckDangerousPatterns(input); len(matches) > 0 {
				issueID, err := openApprovalIssue(ctx, backend, j, matches)
				if err != nil {
					return &worker.Result{Success: false, Error: fmt.Sprintf("failed to request approval: %v", err)}
				}
				return &worker.Result{NeedsApproval: true, IssueID: issueID}
			}
		}

		result, err := exec.Call(ctx, j.Entrypoint, func(ctx context.Context) (interface{}, error) {
			return caller.Call(ctx, j.Entrypoint, action, input)
		})
		if err != nil {
			return &worker.Result{Success: false, Error: err.Error()}
		}

		out := map[string]interface{}{}
		if refID, ok := result.(string); ok && refID != "" {
			out["ref_id"] = refID
		}
		return &worker.Result{Success: true, Result: out}
	}
}

func openApprovalIssue(ctx context.Context, backend approval.Backend, j *job.Job, matches []string) (string, error) {
	params, _ := json.MarshalIndent(j.Params, "", "  ")
	title := fmt.Sprintf("Approval required: job %s", j.ID)
	body := fmt.Sprintf(
		"Job `%s` (entrypoint `%s`) matched dangerous patterns %v.\n\nParams:\n```json\n%s\n```\nApply the approval label to let it proceed.",
		j.ID, j.Entrypoint, matches, params,
	)
	return backend.OpenIssue(ctx, title, body)
}
