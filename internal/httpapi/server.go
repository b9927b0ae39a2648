// Package httpapi provides the HTTP admin and ingest API for dispatchd.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/job"
	"github.com/fyrsmithlabs/dispatchd/internal/queue"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/supervisor"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the queue, store and supervisor over HTTP.
type Server struct {
	echo   *echo.Echo
	cfg    config.ServerConfig
	store  store.Store
	queue  *queue.Queue
	super  *supervisor.Supervisor
	logger *zap.Logger
}

// NewServer wires routes and middleware. The supervisor may be nil when
// the daemon runs queue-only.
func NewServer(cfg config.ServerConfig, st store.Store, q *queue.Queue, super *supervisor.Supervisor, logger *zap.Logger) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		cfg:    cfg,
		store:  st,
		queue:  q,
		super:  super,
		logger: logger,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/jobs", s.handleSubmitJob)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.POST("/jobs/:id/cancel", s.handleCancelJob)
	v1.GET("/queue/stats", s.handleQueueStats)
	v1.GET("/dlq", s.handleListDLQ)
	v1.POST("/dlq/:id/retry", s.handleRetryDLQ)

	if s.super != nil {
		v1.POST("/runs", s.handleStartRun)
		v1.POST("/runs/:id/resume", s.handleResumeRun)
	}
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("http server starting", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// SubmitJobRequest is the body of POST /api/v1/jobs.
type SubmitJobRequest struct {
	Entrypoint  string                 `json:"entrypoint"`
	Params      map[string]interface{} `json:"params,omitempty"`
	PlanHash    string                 `json:"plan_hash,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	MaxAttempts int                    `json:"max_attempts,omitempty"`
	ApprovalTTL string                 `json:"approval_ttl,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitJob(c echo.Context) error {
	var req SubmitJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	createReq := store.CreateRequest{
		Entrypoint:  req.Entrypoint,
		Params:      req.Params,
		PlanHash:    req.PlanHash,
		Priority:    job.Priority(req.Priority),
		MaxAttempts: req.MaxAttempts,
	}
	if req.ApprovalTTL != "" {
		ttl, err := time.ParseDuration(req.ApprovalTTL)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid approval_ttl")
		}
		createReq.ApprovalTTL = ttl
	}

	j, err := s.queue.Submit(c.Request().Context(), createReq)
	if err != nil {
		var vErr *store.ValidationError
		switch {
		case errors.As(err, &vErr):
			return echo.NewHTTPError(http.StatusBadRequest, vErr.Error())
		case errors.Is(err, queue.ErrBackpressure), errors.Is(err, queue.ErrQueueFull):
			return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
		default:
			s.logger.Error("submit failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "submission failed")
		}
	}

	return c.JSON(http.StatusAccepted, j)
}

func (s *Server) handleGetJob(c echo.Context) error {
	j, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("job lookup failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	if j == nil {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, j)
}

func (s *Server) handleCancelJob(c echo.Context) error {
	if err := s.queue.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		s.logger.Error("cancel failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "cancel failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleQueueStats(c echo.Context) error {
	stats, err := s.queue.Stats(c.Request().Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "stats failed")
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListDLQ(c echo.Context) error {
	return c.JSON(http.StatusOK, s.queue.DLQEntries())
}

func (s *Server) handleRetryDLQ(c echo.Context) error {
	j, err := s.queue.RetryFromDLQ(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusAccepted, j)
}

// StartRunRequest is the body of POST /api/v1/runs.
type StartRunRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Input == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "input is required")
	}

	result, err := s.super.Run(c.Request().Context(), req.Input)
	if err != nil {
		s.logger.Error("run failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleResumeRun(c echo.Context) error {
	result, err := s.super.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, supervisor.ErrNoSavedState) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		s.logger.Error("resume failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
