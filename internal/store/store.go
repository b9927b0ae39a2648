// Package store persists Job records and owns the idempotency model.
//
// The store is the single writer of job status transitions. Transition
// methods operating on an unknown id return (nil, nil) rather than an
// error; only genuine I/O or validation problems surface as errors.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/job"
	"go.uber.org/zap"
)

// CreateRequest describes a job submission.
type CreateRequest struct {
	Entrypoint  string
	Params      map[string]interface{}
	PlanHash    string
	Priority    job.Priority
	MaxAttempts int
	ApprovalTTL time.Duration

	// Nonce, when set, is mixed into the idempotency key so the new
	// job never collides with an earlier submission. Used by DLQ retry.
	Nonce string
}

// DefaultMaxAttempts applies when a submission does not set MaxAttempts.
const DefaultMaxAttempts = 3

// Store persists jobs and supervisor run state.
type Store interface {
	// Create computes the idempotency key and either returns the
	// existing non-terminal job with that key unchanged, or inserts a
	// fresh job. A terminal job with the same key is superseded by a
	// new record with a new id.
	Create(ctx context.Context, req CreateRequest) (*job.Job, error)

	// Get returns the job, or (nil, nil) when the id is unknown.
	Get(ctx context.Context, id string) (*job.Job, error)

	// StartJob transitions queued→running, increments attempts and
	// stamps StartedAt on the first start only.
	StartJob(ctx context.Context, id string) (*job.Job, error)

	// Requeue transitions a non-terminal job back to queued, recording
	// the error that caused the retry.
	Requeue(ctx context.Context, id, lastError string) (*job.Job, error)

	// WaitForApproval transitions running→waiting_approval, binds the
	// external approval handle and stamps the approval deadline. The
	// job's own ApprovalTTL wins over defaultTTL when set.
	WaitForApproval(ctx context.Context, id, issueID string, defaultTTL time.Duration) (*job.Job, error)

	// SucceedJob, FailJob and CancelJob move any non-terminal job to a
	// terminal status and stamp CompletedAt. Terminal jobs are immutable;
	// transitions on them are no-ops returning (nil, nil).
	SucceedJob(ctx context.Context, id string, result interface{}) (*job.Job, error)
	FailJob(ctx context.Context, id, reason string) (*job.Job, error)
	CancelJob(ctx context.Context, id string) (*job.Job, error)

	// HasExceededMaxAttempts reports attempts >= maxAttempts. Unknown
	// ids report false.
	HasExceededMaxAttempts(ctx context.Context, id string) bool

	// ListByStatus returns jobs in the given status, oldest first.
	ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error)

	// CountByStatus returns the number of jobs in the given status.
	CountByStatus(ctx context.Context, status job.Status) (int, error)

	// GetExpiringApprovals returns waiting_approval jobs whose deadline
	// falls within the threshold from now (including already-past ones).
	GetExpiringApprovals(ctx context.Context, within time.Duration) ([]*job.Job, error)

	// SaveRunState, LoadRunState and DeleteRunState persist opaque
	// supervisor run state keyed by run id, through the same durable
	// mechanism as jobs. LoadRunState returns (nil, nil) when missing.
	SaveRunState(ctx context.Context, runID string, state []byte) error
	LoadRunState(ctx context.Context, runID string) ([]byte, error)
	DeleteRunState(ctx context.Context, runID string) error

	// Close flushes any pending writes.
	Close() error
}

// ValidationError rejects a malformed submission before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// New builds a store from typed configuration. An unknown store type is
// a construction-time error, never retried.
func New(cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case config.StoreTypeMemory:
		return NewMemoryStore(logger), nil
	case config.StoreTypeFile:
		return NewFileStore(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// validate checks a CreateRequest, applying no defaults.
func (r *CreateRequest) validate() error {
	if r.Entrypoint == "" {
		return &ValidationError{Field: "entrypoint", Reason: "must not be empty"}
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", r.Priority)}
	}
	if r.MaxAttempts < 0 {
		return &ValidationError{Field: "max_attempts", Reason: "must not be negative"}
	}
	if r.ApprovalTTL < 0 {
		return &ValidationError{Field: "approval_ttl", Reason: "must not be negative"}
	}
	return nil
}
