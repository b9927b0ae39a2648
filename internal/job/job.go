// Package job defines the Job record and its lifecycle vocabulary.
package job

import (
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusCanceled        Status = "canceled"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Priority controls dispatch order within the queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to its dispatch weight. Higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Job is a unit of deferred work accepted by the gateway.
//
// Key is the idempotency key: a hash of entrypoint, canonicalized params
// and the optional plan hash. At most one non-terminal job exists per key.
type Job struct {
	ID          string                 `json:"id"`
	Key         string                 `json:"key"`
	Status      Status                 `json:"status"`
	Priority    Priority               `json:"priority"`
	Entrypoint  string                 `json:"entrypoint"`
	Params      map[string]interface{} `json:"params,omitempty"`
	PlanHash    string                 `json:"plan_hash,omitempty"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	LastError   string                 `json:"last_error,omitempty"`
	Result      interface{}            `json:"result,omitempty"`

	// IssueID is the external approval handle while the job is in
	// waiting_approval.
	IssueID string `json:"issue_id,omitempty"`

	// ApprovalGranted is set when the job returns to the queue after a
	// human approved it, so the executor does not gate it again.
	ApprovalGranted bool `json:"approval_granted,omitempty"`

	// ApprovalTTL bounds how long the job may wait for a human decision.
	ApprovalTTL       time.Duration `json:"approval_ttl,omitempty"`
	ApprovalExpiresAt *time.Time    `json:"approval_expires_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep enough copy for handing records across goroutine
// boundaries. Params values are shared; callers must not mutate them.
func (j *Job) Clone() *Job {
	c := *j
	if j.Params != nil {
		c.Params = make(map[string]interface{}, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// DLQEntry is a dead-lettered job snapshot awaiting manual triage.
type DLQEntry struct {
	Job     Job       `json:"job"`
	Reason  string    `json:"reason"`
	AddedAt time.Time `json:"added_at"`
}
