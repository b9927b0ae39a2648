// Package queue provides admission control, priority dispatch,
// backpressure and dead-letter handling on top of the job store.
//
// The running set is in-memory, per-process state: the queue assumes
// single-process ownership. A multi-process deployment needs an external
// store or a single elected owner for these counts to stay correct.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/job"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBackpressure rejects a submission while the system is near capacity.
var ErrBackpressure = errors.New("queue is under backpressure")

// ErrQueueFull rejects a submission when the queued count is at the cap.
var ErrQueueFull = errors.New("queue is full")

// Queue coordinates dispatch between the store, the worker and the
// approval watcher.
type Queue struct {
	cfg                config.QueueConfig
	defaultApprovalTTL time.Duration
	store              store.Store
	logger             *zap.Logger
	sink               telemetry.Sink

	mu      sync.Mutex
	running map[string]struct{}
	dlq     []job.DLQEntry
}

// New builds a queue over the store. Jobs found still running are
// orphans from an unclean shutdown and are requeued for another pass.
func New(cfg config.QueueConfig, defaultApprovalTTL time.Duration, st store.Store, logger *zap.Logger, sink telemetry.Sink) (*Queue, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}

	q := &Queue{
		cfg:                cfg,
		defaultApprovalTTL: defaultApprovalTTL,
		store:              st,
		logger:             logger,
		sink:               sink,
		running:            make(map[string]struct{}),
	}

	if err := q.requeueOrphans(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}

	return q, nil
}

// requeueOrphans returns jobs left running by an unclean shutdown to the
// queue. The running set is volatile, so nothing will ever complete them.
func (q *Queue) requeueOrphans(ctx context.Context) error {
	orphans, err := q.store.ListByStatus(ctx, job.StatusRunning)
	if err != nil {
		return err
	}
	for _, j := range orphans {
		if _, err := q.store.Requeue(ctx, j.ID, "requeued after unclean shutdown"); err != nil {
			return err
		}
		q.logger.Warn("requeued orphaned running job", zap.String("job_id", j.ID))
		q.sink.RecordEvent(ctx, telemetry.Event{
			Type:    "job.requeued",
			Subject: j.ID,
			Status:  "orphan",
		})
	}
	return nil
}

// Submit admits a job for deferred execution.
//
// The admission check and the store insert are not atomic: under
// concurrent multi-caller load the queue can transiently over- or
// under-admit around the thresholds. This is accepted best-effort
// behavior; the store-side idempotency key still deduplicates.
func (q *Queue) Submit(ctx context.Context, req store.CreateRequest) (*job.Job, error) {
	if q.BackpressureActive(ctx) {
		return nil, fmt.Errorf("%w: running count at %d%% of queue capacity", ErrBackpressure, q.cfg.BackpressureThresholdPct)
	}
	queued, err := q.store.CountByStatus(ctx, job.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to count queued jobs: %w", err)
	}
	if queued >= q.cfg.MaxQueueSize {
		return nil, fmt.Errorf("%w: %d jobs queued (max %d)", ErrQueueFull, queued, q.cfg.MaxQueueSize)
	}

	j, err := q.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	q.sink.RecordEvent(ctx, telemetry.Event{
		Type:    "job.submitted",
		Subject: j.ID,
		Status:  string(j.Status),
		Meta:    map[string]string{"entrypoint": j.Entrypoint, "priority": string(j.Priority)},
	})
	return j, nil
}

// GetNext dispatches the highest-priority, oldest queued job, or returns
// (nil, nil) when nothing is eligible or the concurrency cap is reached.
//
// A candidate that already exhausted its attempts is poison: it goes
// straight to the DLQ and the scan continues, so one bad job never
// blocks the queue.
func (q *Queue) GetNext(ctx context.Context) (*job.Job, error) {
	q.mu.Lock()
	if len(q.running) >= q.cfg.MaxConcurrent {
		q.mu.Unlock()
		return nil, nil
	}
	q.mu.Unlock()

	queued, err := q.store.ListByStatus(ctx, job.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}

	// Priority tiers first, FIFO by creation time within a tier.
	sort.SliceStable(queued, func(i, k int) bool {
		if queued[i].Priority.Rank() != queued[k].Priority.Rank() {
			return queued[i].Priority.Rank() > queued[k].Priority.Rank()
		}
		return queued[i].CreatedAt.Before(queued[k].CreatedAt)
	})

	for _, candidate := range queued {
		if candidate.Attempts >= candidate.MaxAttempts {
			q.deadLetter(ctx, candidate, "max attempts exhausted")
			continue
		}

		started, err := q.store.StartJob(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		if started == nil {
			// Lost a race with another transition; skip ahead.
			continue
		}

		q.mu.Lock()
		q.running[started.ID] = struct{}{}
		q.mu.Unlock()

		q.sink.RecordEvent(ctx, telemetry.Event{
			Type:    "job.started",
			Subject: started.ID,
			Status:  string(started.Status),
		})
		return started, nil
	}

	return nil, nil
}

// Complete records the outcome of a dispatched job. A failed job with
// attempts remaining is requeued for another at-least-once pass; backoff
// between passes is the resilience executor's concern, not the queue's.
func (q *Queue) Complete(ctx context.Context, id string, success bool, result interface{}, errMsg string) error {
	q.release(id)

	if success {
		if _, err := q.store.SucceedJob(ctx, id, result); err != nil {
			return err
		}
		q.sink.RecordEvent(ctx, telemetry.Event{Type: "job.succeeded", Subject: id, Status: string(job.StatusSucceeded)})
		return nil
	}

	j, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j == nil || j.Status.Terminal() {
		return nil
	}

	if j.Attempts < j.MaxAttempts {
		if _, err := q.store.Requeue(ctx, id, errMsg); err != nil {
			return err
		}
		q.sink.RecordEvent(ctx, telemetry.Event{
			Type:    "job.requeued",
			Subject: id,
			Status:  "retry",
			Meta:    map[string]string{"attempts": fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts)},
		})
		return nil
	}

	j.LastError = errMsg
	q.deadLetter(ctx, j, errMsg)
	return nil
}

// WaitForApproval parks a running job until a human decides.
func (q *Queue) WaitForApproval(ctx context.Context, id, issueID string) error {
	q.release(id)
	j, err := q.store.WaitForApproval(ctx, id, issueID, q.defaultApprovalTTL)
	if err != nil {
		return err
	}
	if j == nil {
		return nil
	}
	q.sink.RecordEvent(ctx, telemetry.Event{
		Type:    "job.waiting_approval",
		Subject: id,
		Status:  string(job.StatusWaitingApproval),
		Meta:    map[string]string{"issue_id": issueID},
	})
	return nil
}

// Resume returns an approved job to the queue for dispatch.
func (q *Queue) Resume(ctx context.Context, id string) error {
	j, err := q.store.Requeue(ctx, id, "")
	if err != nil {
		return err
	}
	if j == nil {
		return nil
	}
	q.sink.RecordEvent(ctx, telemetry.Event{Type: "job.resumed", Subject: id, Status: string(j.Status)})
	return nil
}

// Cancel marks the job canceled and frees its running slot. Work already
// dispatched is not interrupted; cancellation only prevents completion
// bookkeeping from misattributing a late result.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.release(id)
	j, err := q.store.CancelJob(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return nil
	}
	q.sink.RecordEvent(ctx, telemetry.Event{Type: "job.canceled", Subject: id, Status: string(job.StatusCanceled)})
	return nil
}

// BackpressureActive reports whether admission should reject new work:
// runningCount >= ceil(maxQueueSize * threshold%).
func (q *Queue) BackpressureActive(_ context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	limit := (q.cfg.MaxQueueSize*q.cfg.BackpressureThresholdPct + 99) / 100
	return len(q.running) >= limit
}

// Stats is a point-in-time queue summary.
type Stats struct {
	Queued          int  `json:"queued"`
	Running         int  `json:"running"`
	WaitingApproval int  `json:"waiting_approval"`
	DLQ             int  `json:"dlq"`
	Backpressure    bool `json:"backpressure"`
}

// Stats returns current counts for the admin surface.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	queued, err := q.store.CountByStatus(ctx, job.StatusQueued)
	if err != nil {
		return Stats{}, err
	}
	waiting, err := q.store.CountByStatus(ctx, job.StatusWaitingApproval)
	if err != nil {
		return Stats{}, err
	}

	q.mu.Lock()
	running := len(q.running)
	dlqSize := len(q.dlq)
	q.mu.Unlock()

	return Stats{
		Queued:          queued,
		Running:         running,
		WaitingApproval: waiting,
		DLQ:             dlqSize,
		Backpressure:    q.BackpressureActive(ctx),
	}, nil
}

// release drops the id from the running set.
func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.running, id)
	q.mu.Unlock()
}

// deadLetter fails the job in the store and snapshots it into the DLQ.
// The DLQ is a bounded FIFO: the oldest entry is evicted on overflow.
func (q *Queue) deadLetter(ctx context.Context, j *job.Job, reason string) {
	q.release(j.ID)
	failed, err := q.store.FailJob(ctx, j.ID, reason)
	if err != nil {
		q.logger.Error("failed to mark dead-lettered job failed", zap.String("job_id", j.ID), zap.Error(err))
	}
	snapshot := *j
	if failed != nil {
		snapshot = *failed
	}

	q.mu.Lock()
	q.dlq = append(q.dlq, job.DLQEntry{Job: snapshot, Reason: reason, AddedAt: time.Now()})
	if len(q.dlq) > q.cfg.DLQ.MaxSize {
		q.dlq = q.dlq[len(q.dlq)-q.cfg.DLQ.MaxSize:]
	}
	q.mu.Unlock()

	q.logger.Warn("job dead-lettered", zap.String("job_id", j.ID), zap.String("reason", reason))
	q.sink.RecordEvent(ctx, telemetry.Event{
		Type:    "job.dead_lettered",
		Subject: j.ID,
		Status:  string(job.StatusFailed),
		Meta:    map[string]string{"reason": reason},
	})
}

// DLQEntries returns a snapshot of the dead letter queue, oldest first.
func (q *Queue) DLQEntries() []job.DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]job.DLQEntry, len(q.dlq))
	copy(out, q.dlq)
	return out
}

// RetryFromDLQ resubmits a dead-lettered job as a fresh job with a new
// id and key but the same entrypoint, params and priority.
func (q *Queue) RetryFromDLQ(ctx context.Context, id string) (*job.Job, error) {
	q.mu.Lock()
	idx := -1
	for i, entry := range q.dlq {
		if entry.Job.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return nil, fmt.Errorf("job %s not found in DLQ", id)
	}
	entry := q.dlq[idx]
	q.dlq = append(q.dlq[:idx], q.dlq[idx+1:]...)
	q.mu.Unlock()

	fresh, err := q.store.Create(ctx, store.CreateRequest{
		Entrypoint:  entry.Job.Entrypoint,
		Params:      entry.Job.Params,
		PlanHash:    entry.Job.PlanHash,
		Priority:    entry.Job.Priority,
		MaxAttempts: entry.Job.MaxAttempts,
		ApprovalTTL: entry.Job.ApprovalTTL,
		Nonce:       uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	q.sink.RecordEvent(ctx, telemetry.Event{
		Type:    "job.dlq_retried",
		Subject: fresh.ID,
		Status:  string(fresh.Status),
		Meta:    map[string]string{"previous_id": id},
	})
	return fresh, nil
}

// CleanExpiredDLQ reaps entries older than the retention window and
// returns how many were removed. Age-based reaping is independent of the
// FIFO size cap.
func (q *Queue) CleanExpiredDLQ() int {
	retention := time.Duration(q.cfg.DLQ.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-retention)

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.dlq[:0]
	removed := 0
	for _, entry := range q.dlq {
		if entry.AddedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	q.dlq = kept
	return removed
}
