package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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

func newServerFixture(t *testing.T) (*Server, *queue.Queue, store.Store) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	st := store.NewMemoryStore(logger)
	q, err := queue.New(config.QueueConfig{
		MaxQueueSize:             10,
		MaxConcurrent:            4,
		BackpressureThresholdPct: 80,
		DLQ:                      config.DLQConfig{MaxSize: 10, RetentionDays: 7},
	}, time.Hour, st, logger, telemetry.NopSink{})
	require.NoError(t, err)

	srv, err := NewServer(config.ServerConfig{Host: "localhost", Port: 0}, st, q, nil, logger)
	require.NoError(t, err)
	return srv, q, st
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newServerFixture(t)
	rec := do(srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitJob(t *testing.T) {
	srv, _, st := newServerFixture(t)

	rec := do(srv, http.MethodPost, "/api/v1/jobs", `{
		"entrypoint": "deploy",
		"params": {"env": "prod"},
		"priority": "high",
		"max_attempts": 2,
		"approval_ttl": "1h"
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var j job.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &j))
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, job.PriorityHigh, j.Priority)
	assert.Equal(t, 2, j.MaxAttempts)

	stored, err := st.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, job.StatusQueued, stored.Status)

	t.Run("invalid body", func(t *testing.T) {
		rec := do(srv, http.MethodPost, "/api/v1/jobs", `{"entrypoint": 7}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validation failure", func(t *testing.T) {
		rec := do(srv, http.MethodPost, "/api/v1/jobs", `{"params": {"x": 1}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad approval ttl", func(t *testing.T) {
		rec := do(srv, http.MethodPost, "/api/v1/jobs", `{"entrypoint": "x", "approval_ttl": "soon"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSubmitJobBackpressure(t *testing.T) {
	logger := logging.NewTestLogger(t)
	st := store.NewMemoryStore(logger)
	q, err := queue.New(config.QueueConfig{
		MaxQueueSize:             2,
		MaxConcurrent:            4,
		BackpressureThresholdPct: 100,
		DLQ:                      config.DLQConfig{MaxSize: 10, RetentionDays: 7},
	}, time.Hour, st, logger, telemetry.NopSink{})
	require.NoError(t, err)
	srv, err := NewServer(config.ServerConfig{}, st, q, nil, logger)
	require.NoError(t, err)

	require.Equal(t, http.StatusAccepted, do(srv, http.MethodPost, "/api/v1/jobs", `{"entrypoint": "a"}`).Code)
	require.Equal(t, http.StatusAccepted, do(srv, http.MethodPost, "/api/v1/jobs", `{"entrypoint": "b"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(srv, http.MethodPost, "/api/v1/jobs", `{"entrypoint": "c"}`).Code)
}

func TestGetJob(t *testing.T) {
	srv, q, _ := newServerFixture(t)

	j, err := q.Submit(context.Background(), store.CreateRequest{Entrypoint: "deploy"})
	require.NoError(t, err)

	rec := do(srv, http.MethodGet, "/api/v1/jobs/"+j.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(srv, http.MethodGet, "/api/v1/jobs/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	srv, q, st := newServerFixture(t)

	j, err := q.Submit(context.Background(), store.CreateRequest{Entrypoint: "deploy"})
	require.NoError(t, err)

	rec := do(srv, http.MethodPost, "/api/v1/jobs/"+j.ID+"/cancel", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	got, err := st.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCanceled, got.Status)
}

func TestQueueStats(t *testing.T) {
	srv, q, _ := newServerFixture(t)

	_, err := q.Submit(context.Background(), store.CreateRequest{Entrypoint: "deploy"})
	require.NoError(t, err)

	rec := do(srv, http.MethodGet, "/api/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Queued)
}

func TestDLQEndpoints(t *testing.T) {
	ctx := context.Background()
	srv, q, _ := newServerFixture(t)

	j, err := q.Submit(ctx, store.CreateRequest{Entrypoint: "flaky", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.GetNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, j.ID, false, nil, "boom"))

	rec := do(srv, http.MethodGet, "/api/v1/dlq", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []job.DLQEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)

	rec = do(srv, http.MethodPost, "/api/v1/dlq/"+j.ID+"/retry", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var fresh job.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fresh))
	assert.NotEqual(t, j.ID, fresh.ID)

	rec = do(srv, http.MethodPost, "/api/v1/dlq/"+j.ID+"/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "entry already retried")
}

func TestRunEndpointsAbsentWithoutSupervisor(t *testing.T) {
	srv, _, _ := newServerFixture(t)
	rec := do(srv, http.MethodPost, "/api/v1/runs", `{"input": "deploy"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newServerFixture(t)
	rec := do(srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
