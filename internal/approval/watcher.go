package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/job"
	"github.com/fyrsmithlabs/dispatchd/internal/queue"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
	"go.uber.org/zap"
)

// expiredReason is the terminal error recorded on a job whose approval
// window ran out.
const expiredReason = "Approval TTL expired"

// Watcher polls the approval backend for every job waiting on a human
// decision, resuming approved jobs and expiring overdue ones. The TTL
// bounds the maximum wait of any human-gated job.
type Watcher struct {
	cfg     config.ApprovalConfig
	store   store.Store
	queue   *queue.Queue
	backend Backend
	logger  *zap.Logger
	sink    telemetry.Sink
	now     func() time.Time

	mu     sync.Mutex
	warned map[string]struct{}
}

// NewWatcher wires the watcher to the store, queue and backend.
func NewWatcher(cfg config.ApprovalConfig, st store.Store, q *queue.Queue, backend Backend, logger *zap.Logger, sink telemetry.Sink) (*Watcher, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("approval backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Watcher{
		cfg:     cfg,
		store:   st,
		queue:   q,
		backend: backend,
		logger:  logger,
		sink:    sink,
		now:     time.Now,
		warned:  make(map[string]struct{}),
	}, nil
}

// Start polls until ctx is canceled. If the backend is unavailable at
// startup the watcher self-disables instead of polling and failing
// forever.
func (w *Watcher) Start(ctx context.Context) {
	if !w.backend.IsAvailable(ctx) {
		w.logger.Warn("approval backend unavailable, watcher disabled")
		w.sink.RecordEvent(ctx, telemetry.Event{
			Type:   "watcher.disabled",
			Status: "backend_unavailable",
		})
		return
	}

	w.logger.Info("approval watcher starting",
		zap.Duration("poll_interval", w.cfg.PollInterval.Duration()),
	)

	ticker := time.NewTicker(w.cfg.PollInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("approval watcher stopping")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick processes every waiting_approval job once. Exported so tests can
// drive the watcher without real time passing.
func (w *Watcher) Tick(ctx context.Context) {
	waiting, err := w.store.ListByStatus(ctx, job.StatusWaitingApproval)
	if err != nil {
		w.logger.Error("failed to list waiting jobs", zap.Error(err))
		return
	}

	for _, j := range waiting {
		w.check(ctx, j)
	}
}

func (w *Watcher) check(ctx context.Context, j *job.Job) {
	now := w.now()

	if j.ApprovalExpiresAt != nil && j.ApprovalExpiresAt.Before(now) {
		w.expire(ctx, j)
		return
	}

	if j.ApprovalExpiresAt != nil {
		remaining := j.ApprovalExpiresAt.Sub(now)
		if remaining < w.cfg.WarnThreshold.Duration() {
			w.warnOnce(ctx, j, remaining)
		}
	}

	if j.IssueID == "" {
		return
	}

	decision, err := w.backend.CheckApproval(ctx, j.IssueID)
	if err != nil {
		w.logger.Warn("approval check failed",
			zap.String("job_id", j.ID),
			zap.String("issue_id", j.IssueID),
			zap.Error(err),
		)
		return
	}
	if !decision.Approved {
		return
	}

	if err := w.queue.Resume(ctx, j.ID); err != nil {
		w.logger.Error("failed to resume approved job", zap.String("job_id", j.ID), zap.Error(err))
		return
	}

	ack := fmt.Sprintf("Approved by @%s; job %s resumed.", decision.ApprovedBy, j.ID)
	if decision.ApprovedBy == "" {
		ack = fmt.Sprintf("Approval received; job %s resumed.", j.ID)
	}
	if err := w.backend.AddComment(ctx, j.IssueID, ack); err != nil {
		w.logger.Warn("failed to post approval acknowledgment", zap.Error(err))
	}

	w.clearWarned(j.ID)
	w.sink.RecordEvent(ctx, telemetry.Event{
		Type:    "approval.granted",
		Subject: j.ID,
		Status:  "resumed",
		Meta:    map[string]string{"approved_by": decision.ApprovedBy, "issue_id": j.IssueID},
	})
}

// expire force-fails an overdue job and closes the external thread.
func (w *Watcher) expire(ctx context.Context, j *job.Job) {
	if _, err := w.store.FailJob(ctx, j.ID, expiredReason); err != nil {
		w.logger.Error("failed to expire job", zap.String("job_id", j.ID), zap.Error(err))
		return
	}

	if j.IssueID != "" {
		msg := fmt.Sprintf("Approval window expired; job %s has been failed.", j.ID)
		if err := w.backend.AddComment(ctx, j.IssueID, msg); err != nil {
			w.logger.Warn("failed to post expiry comment", zap.Error(err))
		}
		if err := w.backend.CloseIssue(ctx, j.IssueID); err != nil {
			w.logger.Warn("failed to close expired approval issue", zap.Error(err))
		}
	}

	w.clearWarned(j.ID)
	w.logger.Warn("approval expired", zap.String("job_id", j.ID), zap.String("issue_id", j.IssueID))
	w.sink.RecordEvent(ctx, telemetry.Event{
		Type:    "approval.expired",
		Subject: j.ID,
		Status:  string(job.StatusFailed),
	})
}

// warnOnce posts a single pre-expiry warning per waiting period.
func (w *Watcher) warnOnce(ctx context.Context, j *job.Job, remaining time.Duration) {
	w.mu.Lock()
	if _, done := w.warned[j.ID]; done {
		w.mu.Unlock()
		return
	}
	w.warned[j.ID] = struct{}{}
	w.mu.Unlock()

	if j.IssueID != "" {
		msg := fmt.Sprintf("Approval for job %s expires in %s.", j.ID, remaining.Round(time.Minute))
		if err := w.backend.AddComment(ctx, j.IssueID, msg); err != nil {
			w.logger.Warn("failed to post expiry warning", zap.Error(err))
		}
	}

	w.sink.RecordEvent(ctx, telemetry.Event{
		Type:    "approval.expiring",
		Subject: j.ID,
		Status:  "warning",
		Meta:    map[string]string{"remaining": remaining.String()},
	})
}

func (w *Watcher) clearWarned(id string) {
	w.mu.Lock()
	delete(w.warned, id)
	w.mu.Unlock()
}
