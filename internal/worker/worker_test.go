package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/job"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/queue"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkerFixture(t *testing.T, cfg config.WorkerConfig, exec Executor) (*Worker, *queue.Queue, store.Store, *telemetry.Recorder) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	st := store.NewMemoryStore(logger)
	rec := telemetry.NewRecorder()
	q, err := queue.New(config.QueueConfig{
		MaxQueueSize:             10,
		MaxConcurrent:            4,
		BackpressureThresholdPct: 80,
		DLQ:                      config.DLQConfig{MaxSize: 10, RetentionDays: 7},
	}, time.Hour, st, logger, rec)
	require.NoError(t, err)

	w, err := New(cfg, q, exec, logger, rec)
	require.NoError(t, err)
	return w, q, st, rec
}

func TestTickSuccess(t *testing.T) {
	ctx := context.Background()
	exec := func(_ context.Context, j *job.Job, _ Options) *Result {
		return &Result{Success: true, Result: map[string]interface{}{"ref_id": "ref-1"}}
	}
	w, q, st, _ := newWorkerFixture(t, config.WorkerConfig{PollInterval: config.Duration(time.Second)}, exec)

	j, err := q.Submit(ctx, store.CreateRequest{Entrypoint: "deploy"})
	require.NoError(t, err)

	w.Tick(ctx)

	got, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, got.Status)
	assert.NotNil(t, got.Result)
}

func TestTickFailure(t *testing.T) {
	ctx := context.Background()
	exec := func(_ context.Context, _ *job.Job, _ Options) *Result {
		return &Result{Success: false, Error: "downstream unavailable"}
	}
	w, q, st, _ := newWorkerFixture(t, config.WorkerConfig{PollInterval: config.Duration(time.Second)}, exec)

	j, err := q.Submit(ctx, store.CreateRequest{Entrypoint: "deploy", MaxAttempts: 2})
	require.NoError(t, err)

	w.Tick(ctx)
	got, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status, "attempts remain, job requeued")
	assert.Equal(t, "downstream unavailable", got.LastError)

	w.Tick(ctx)
	got, err = st.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status, "budget exhausted, job dead-lettered")
	assert.Len(t, q.DLQEntries(), 1)
}

func TestTickNeedsApproval(t *testing.T) {
	ctx := context.Background()
	exec := func(_ context.Context, _ *job.Job, _ Options) *Result {
		return &Result{NeedsApproval: true, IssueID: "issue-7"}
	}
	w, q, st, _ := newWorkerFixture(t, config.WorkerConfig{PollInterval: config.Duration(time.Second)}, exec)

	j, err := q.Submit(ctx, store.CreateRequest{Entrypoint: "dangerous"})
	require.NoError(t, err)

	w.Tick(ctx)

	got, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaitingApproval, got.Status)
	assert.Equal(t, "issue-7", got.IssueID)
}

func TestTickPanicRecovery(t *testing.T) {
	ctx := context.Background()
	exec := func(_ context.Context, _ *job.Job, _ Options) *Result {
		panic(errors.New("executor bug"))
	}
	w, q, st, rec := newWorkerFixture(t, config.WorkerConfig{PollInterval: config.Duration(time.Second)}, exec)

	j, err := q.Submit(ctx, store.CreateRequest{Entrypoint: "buggy", MaxAttempts: 1})
	require.NoError(t, err)

	require.NotPanics(t, func() { w.Tick(ctx) })

	got, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "executor panic")
	assert.Equal(t, 1, rec.CountByType("worker.panic"))
}

func TestTickNilResult(t *testing.T) {
	ctx := context.Background()
	exec := func(_ context.Context, _ *job.Job, _ Options) *Result { return nil }
	w, q, st, _ := newWorkerFixture(t, config.WorkerConfig{PollInterval: config.Duration(time.Second)}, exec)

	j, err := q.Submit(ctx, store.CreateRequest{Entrypoint: "silent", MaxAttempts: 1})
	require.NoError(t, err)

	w.Tick(ctx)

	got, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
}

func TestTickDryRun(t *testing.T) {
	ctx := context.Background()
	called := false
	exec := func(_ context.Context, _ *job.Job, _ Options) *Result {
		called = true
		return &Result{Success: false, Error: "must not run"}
	}
	w, q, st, _ := newWorkerFixture(t, config.WorkerConfig{
		PollInterval: config.Duration(time.Second),
		DryRun:       true,
	}, exec)

	j, err := q.Submit(ctx, store.CreateRequest{Entrypoint: "deploy"})
	require.NoError(t, err)

	w.Tick(ctx)

	assert.False(t, called, "dry run never invokes the executor")
	got, err := st.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, got.Status)
}

func TestTickEmptyQueue(t *testing.T) {
	exec := func(_ context.Context, _ *job.Job, _ Options) *Result {
		t.Fatal("executor must not run with nothing queued")
		return nil
	}
	w, _, _, _ := newWorkerFixture(t, config.WorkerConfig{PollInterval: config.Duration(time.Second)}, exec)
	w.Tick(context.Background())
}

func TestStartStopsOnContextCancel(t *testing.T) {
	exec := func(_ context.Context, _ *job.Job, _ Options) *Result {
		return &Result{Success: true}
	}
	w, _, _, _ := newWorkerFixture(t, config.WorkerConfig{PollInterval: config.Duration(5 * time.Millisecond)}, exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
