package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/job"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore keeps all records in process memory. It is the default
// store and the in-memory core the file store persists.
type MemoryStore struct {
	mu sync.RWMutex

	jobs map[string]*job.Job
	// activeKeys indexes non-terminal jobs by idempotency key. A key is
	// removed the moment its job goes terminal, so a resubmission after
	// that creates a fresh job.
	activeKeys map[string]string
	runs       map[string][]byte

	logger *zap.Logger
	now    func() time.Time

	// onMutate, when set, runs after every successful mutation while
	// the lock is still held. The file store uses it to persist.
	onMutate func()
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		jobs:       make(map[string]*job.Job),
		activeKeys: make(map[string]string),
		runs:       make(map[string][]byte),
		logger:     logger,
		now:        time.Now,
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, req CreateRequest) (*job.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	keyExtra := req.PlanHash
	if req.Nonce != "" {
		keyExtra += "\x00" + req.Nonce
	}
	key := job.ComputeKey(req.Entrypoint, req.Params, keyExtra)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotent no-op: a live job with the same key wins over the new
	// submission, guaranteeing at most one concurrent job per request.
	if id, ok := s.activeKeys[key]; ok {
		if existing, ok := s.jobs[id]; ok && !existing.Status.Terminal() {
			return existing.Clone(), nil
		}
	}

	priority := req.Priority
	if priority == "" {
		priority = job.PriorityNormal
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := s.now()
	j := &job.Job{
		ID:          uuid.NewString(),
		Key:         key,
		Status:      job.StatusQueued,
		Priority:    priority,
		Entrypoint:  req.Entrypoint,
		Params:      req.Params,
		PlanHash:    req.PlanHash,
		MaxAttempts: maxAttempts,
		ApprovalTTL: req.ApprovalTTL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.jobs[j.ID] = j
	s.activeKeys[key] = j.ID
	s.mutated()

	s.logger.Debug("job created",
		zap.String("job_id", j.ID),
		zap.String("entrypoint", j.Entrypoint),
		zap.String("priority", string(j.Priority)),
	)

	return j.Clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

// StartJob implements Store.
func (s *MemoryStore) StartJob(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != job.StatusQueued {
		return nil, nil
	}

	now := s.now()
	j.Status = job.StatusRunning
	j.Attempts++
	j.UpdatedAt = now
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	s.mutated()

	return j.Clone(), nil
}

// Requeue implements Store.
func (s *MemoryStore) Requeue(_ context.Context, id, lastError string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil, nil
	}

	if j.Status == job.StatusWaitingApproval {
		j.ApprovalGranted = true
	}
	j.Status = job.StatusQueued
	j.LastError = lastError
	j.IssueID = ""
	j.ApprovalExpiresAt = nil
	j.UpdatedAt = s.now()
	s.mutated()

	return j.Clone(), nil
}

// WaitForApproval implements Store.
func (s *MemoryStore) WaitForApproval(_ context.Context, id, issueID string, defaultTTL time.Duration) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != job.StatusRunning {
		return nil, nil
	}

	ttl := j.ApprovalTTL
	if ttl == 0 {
		ttl = defaultTTL
	}

	now := s.now()
	expires := now.Add(ttl)
	j.Status = job.StatusWaitingApproval
	j.IssueID = issueID
	j.ApprovalExpiresAt = &expires
	j.UpdatedAt = now
	s.mutated()

	return j.Clone(), nil
}

// SucceedJob implements Store.
func (s *MemoryStore) SucceedJob(_ context.Context, id string, result interface{}) (*job.Job, error) {
	return s.finish(id, job.StatusSucceeded, func(j *job.Job) {
		j.Result = result
	})
}

// FailJob implements Store.
func (s *MemoryStore) FailJob(_ context.Context, id, reason string) (*job.Job, error) {
	return s.finish(id, job.StatusFailed, func(j *job.Job) {
		j.LastError = reason
	})
}

// CancelJob implements Store.
func (s *MemoryStore) CancelJob(_ context.Context, id string) (*job.Job, error) {
	return s.finish(id, job.StatusCanceled, nil)
}

// finish moves a non-terminal job to a terminal status and releases its
// idempotency key.
func (s *MemoryStore) finish(id string, status job.Status, apply func(*job.Job)) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil, nil
	}

	now := s.now()
	j.Status = status
	j.CompletedAt = &now
	j.UpdatedAt = now
	if apply != nil {
		apply(j)
	}
	if s.activeKeys[j.Key] == j.ID {
		delete(s.activeKeys, j.Key)
	}
	s.mutated()

	return j.Clone(), nil
}

// HasExceededMaxAttempts implements Store.
func (s *MemoryStore) HasExceededMaxAttempts(_ context.Context, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	return j.Attempts >= j.MaxAttempts
}

// ListByStatus implements Store.
func (s *MemoryStore) ListByStatus(_ context.Context, status job.Status) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// CountByStatus implements Store.
func (s *MemoryStore) CountByStatus(_ context.Context, status job.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

// GetExpiringApprovals implements Store.
func (s *MemoryStore) GetExpiringApprovals(_ context.Context, within time.Duration) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deadline := s.now().Add(within)
	var out []*job.Job
	for _, j := range s.jobs {
		if j.Status != job.StatusWaitingApproval || j.ApprovalExpiresAt == nil {
			continue
		}
		if j.ApprovalExpiresAt.Before(deadline) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].ApprovalExpiresAt.Before(*out[k].ApprovalExpiresAt)
	})
	return out, nil
}

// SaveRunState implements Store.
func (s *MemoryStore) SaveRunState(_ context.Context, runID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(state))
	copy(buf, state)
	s.runs[runID] = buf
	s.mutated()
	return nil
}

// LoadRunState implements Store.
func (s *MemoryStore) LoadRunState(_ context.Context, runID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	buf := make([]byte, len(state))
	copy(buf, state)
	return buf, nil
}

// DeleteRunState implements Store.
func (s *MemoryStore) DeleteRunState(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	s.mutated()
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) mutated() {
	if s.onMutate != nil {
		s.onMutate()
	}
}
