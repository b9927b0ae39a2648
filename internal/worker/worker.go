// Package worker polls the queue and drives job execution.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/job"
	"github.com/fyrsmithlabs/dispatchd/internal/queue"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
	"go.uber.org/zap"
)

// Result is what an executor reports back for one job.
//
// Expected business failures are returned as Success=false with Error
// set, never as a panic; the worker still recovers from panics so one
// bad job can never kill the poll loop.
type Result struct {
	Success bool
	Result  interface{}
	Error   string

	// NeedsApproval parks the job in waiting_approval instead of
	// completing it. IssueID is the external approval handle the
	// executor opened.
	NeedsApproval bool
	IssueID       string
}

// Options carries per-invocation execution flags.
type Options struct {
	// DryRun short-circuits to a canned success without side effects,
	// so operators can validate wiring safely.
	DryRun bool
}

// Executor runs one job. Injected so the worker stays agnostic of what
// jobs actually do.
type Executor func(ctx context.Context, j *job.Job, opts Options) *Result

// Worker polls the queue on a fixed interval and feeds outcomes back.
type Worker struct {
	cfg    config.WorkerConfig
	queue  *queue.Queue
	exec   Executor
	logger *zap.Logger
	sink   telemetry.Sink
}

// New creates a worker. exec must not be nil.
func New(cfg config.WorkerConfig, q *queue.Queue, exec Executor, logger *zap.Logger, sink telemetry.Sink) (*Worker, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Worker{cfg: cfg, queue: q, exec: exec, logger: logger, sink: sink}, nil
}

// Start runs the poll loop until ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker starting",
		zap.Duration("poll_interval", w.cfg.PollInterval.Duration()),
		zap.Bool("dry_run", w.cfg.DryRun),
	)

	ticker := time.NewTicker(w.cfg.PollInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick performs one poll: dispatch at most one job and record its
// outcome. Exported so tests and the CLI can single-step the worker.
func (w *Worker) Tick(ctx context.Context) {
	j, err := w.queue.GetNext(ctx)
	if err != nil {
		w.logger.Error("failed to get next job", zap.Error(err))
		return
	}
	if j == nil {
		return
	}

	res := w.invoke(ctx, j)

	switch {
	case res.NeedsApproval:
		if err := w.queue.WaitForApproval(ctx, j.ID, res.IssueID); err != nil {
			w.logger.Error("failed to park job for approval", zap.String("job_id", j.ID), zap.Error(err))
		}
	case res.Success:
		if err := w.queue.Complete(ctx, j.ID, true, res.Result, ""); err != nil {
			w.logger.Error("failed to complete job", zap.String("job_id", j.ID), zap.Error(err))
		}
	default:
		if err := w.queue.Complete(ctx, j.ID, false, nil, res.Error); err != nil {
			w.logger.Error("failed to record job failure", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
}

// invoke runs the executor with panic containment. A panic is treated
// exactly like a returned failure.
func (w *Worker) invoke(ctx context.Context, j *job.Job) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("executor panicked",
				zap.String("job_id", j.ID),
				zap.Any("panic", r),
			)
			w.sink.RecordEvent(ctx, telemetry.Event{
				Type:    "worker.panic",
				Subject: j.ID,
				Status:  "recovered",
			})
			res = &Result{Success: false, Error: fmt.Sprintf("executor panic: %v", r)}
		}
	}()

	if w.cfg.DryRun {
		w.logger.Info("dry run, skipping execution",
			zap.String("job_id", j.ID),
			zap.String("entrypoint", j.Entrypoint),
		)
		return &Result{Success: true, Result: map[string]interface{}{"dry_run": true}}
	}

	res = w.exec(ctx, j, Options{DryRun: w.cfg.DryRun})
	if res == nil {
		res = &Result{Success: false, Error: "executor returned no result"}
	}
	return res
}
