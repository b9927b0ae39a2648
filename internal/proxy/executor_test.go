package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/approval"
	"github.com/fyrsmithlabs/dispatchd/internal/breaker"
	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/job"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/policy"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
	"github.com/fyrsmithlabs/dispatchd/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// issueBackend counts opened issues; approvals are irrelevant here.
type issueBackend struct {
	mu     sync.Mutex
	opened int
}

func (b *issueBackend) IsAvailable(context.Context) bool { return true }

func (b *issueBackend) OpenIssue(context.Context, string, string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened++
	return strconv.Itoa(b.opened), nil
}

func (b *issueBackend) CheckApproval(context.Context, string) (approval.Decision, error) {
	return approval.Decision{}, nil
}
func (b *issueBackend) AddComment(context.Context, string, string) error { return nil }
func (b *issueBackend) CloseIssue(context.Context, string) error         { return nil }

func newExecFixture(t *testing.T, targetURL string, backend approval.Backend) worker.Executor {
	t.Helper()
	logger := logging.NewTestLogger(t)
	breakers := breaker.NewRegistry(config.BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         config.Duration(time.Minute),
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}, logger, nil)
	exec := resilience.NewExecutor(config.ResilienceConfig{
		ToolCallTimeout: config.Duration(time.Second),
		MaxAttempts:     1,
		BackoffBase:     config.Duration(time.Millisecond),
	}, breakers, logger)
	caller := NewHTTPCaller(map[string]string{"api": targetURL}, time.Second, logger)
	return NewJobExecutor(caller, exec, policy.NewPatternEvaluator(), backend, logger)
}

func TestJobExecutorRunsSafeJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(callResponse{RefID: "ref-9"})
	}))
	defer srv.Close()

	exec := newExecFixture(t, srv.URL, &issueBackend{})
	res := exec(context.Background(), &job.Job{
		ID:         "j1",
		Entrypoint: "api",
		Params:     map[string]interface{}{"action": "deploy", "input": "ship the api"},
	}, worker.Options{})

	require.True(t, res.Success)
	out, ok := res.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ref-9", out["ref_id"])
}

func TestJobExecutorGatesDangerousJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("dangerous job must not reach the target before approval")
	}))
	defer srv.Close()

	backend := &issueBackend{}
	exec := newExecFixture(t, srv.URL, backend)
	res := exec(context.Background(), &job.Job{
		ID:         "j1",
		Entrypoint: "api",
		Params:     map[string]interface{}{"input": "rm -rf /var/data"},
	}, worker.Options{})

	assert.True(t, res.NeedsApproval)
	assert.Equal(t, "1", res.IssueID)
	assert.Equal(t, 1, backend.opened)
}

func TestJobExecutorSkipsGateAfterApproval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(callResponse{RefID: "ref-1"})
	}))
	defer srv.Close()

	backend := &issueBackend{}
	exec := newExecFixture(t, srv.URL, backend)
	res := exec(context.Background(), &job.Job{
		ID:              "j1",
		Entrypoint:      "api",
		Params:          map[string]interface{}{"input": "rm -rf /var/data"},
		ApprovalGranted: true,
	}, worker.Options{})

	require.True(t, res.Success, "approved jobs run without re-gating")
	assert.Zero(t, backend.opened)
}

func TestJobExecutorWithoutBackendRunsEverything(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(callResponse{})
	}))
	defer srv.Close()

	exec := newExecFixture(t, srv.URL, nil)
	res := exec(context.Background(), &job.Job{
		ID:         "j1",
		Entrypoint: "api",
		Params:     map[string]interface{}{"input": "rm -rf /var/data"},
	}, worker.Options{})

	assert.True(t, res.Success, "no backend, no gating")
}

func TestJobExecutorReportsDownstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec := newExecFixture(t, srv.URL, &issueBackend{})
	res := exec(context.Background(), &job.Job{
		ID:         "j1",
		Entrypoint: "api",
		Params:     map[string]interface{}{"action": "deploy"},
	}, worker.Options{})

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}
