// Package httpapi exposes the agent over HTTP: submit instructions, observe
// and control executions, resolve approvals.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dilip8700/zorix-agent/internal/events"
	"github.com/dilip8700/zorix-agent/internal/orchestrator"
	"github.com/dilip8700/zorix-agent/internal/risk"
	"github.com/dilip8700/zorix-agent/internal/secrets"
	"github.com/dilip8700/zorix-agent/internal/state"
)

// Server provides the HTTP endpoints for zorixd.
type Server struct {
	echo     *echo.Echo
	orch     *orchestrator.Orchestrator
	bus      *events.Bus
	scrubber *secrets.Scrubber
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server.
func NewServer(orch *orchestrator.Orchestrator, bus *events.Bus, scrubber *secrets.Scrubber, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if scrubber == nil {
		scrubber = secrets.MustNew(nil)
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9190}
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
		echo:     e,
		orch:     orch,
		bus:      bus,
		scrubber: scrubber,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/executions", s.handleSubmit)
	v1.GET("/executions", s.handleList)
	v1.GET("/executions/:id", s.handleStatus)
	v1.DELETE("/executions/:id", s.handleRemove)
	v1.GET("/executions/:id/progress", s.handleProgress)
	v1.GET("/executions/:id/events", s.handleEvents)
	v1.POST("/executions/:id/approve", s.handleApprove)
	v1.POST("/executions/:id/pause", s.handlePause)
	v1.POST("/executions/:id/resume", s.handleResume)
	v1.POST("/executions/:id/cancel", s.handleCancel)
	v1.POST("/executions/:id/rollback", s.handleRollback)
	v1.POST("/scrub", s.handleScrub)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// SubmitRequest is the request body for POST /api/v1/executions.
type SubmitRequest struct {
	Instruction string `json:"instruction"`
	Mode        string `json:"mode"`
}

// SubmitResponse is the response body for POST /api/v1/executions.
type SubmitResponse struct {
	ID string `json:"id"`
}

// handleSubmit starts an execution in the background and returns its ID.
// Progress is available via the status and events endpoints.
func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id, stream, err := s.orch.ExecuteStream(context.Background(), req.Instruction, req.Mode)
	if err != nil {
		if errors.Is(err, orchestrator.ErrEmptyInstruction) {
			return echo.NewHTTPError(http.StatusBadRequest, "instruction field is required")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// Nobody reads this copy of the stream; drain it so the forwarder exits.
	go func() {
		for range stream {
		}
	}()

	return c.JSON(http.StatusAccepted, SubmitResponse{ID: id})
}

func (s *Server) handleList(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.List())
}

func (s *Server) handleStatus(c echo.Context) error {
	snap, err := s.orch.Status(c.Param("id"))
	if err != nil {
		return executionError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// handleRemove forgets a terminal execution so the daemon does not retain
// finished state forever.
func (s *Server) handleRemove(c echo.Context) error {
	if err := s.orch.Remove(c.Param("id")); err != nil {
		if errors.Is(err, orchestrator.ErrExecutionActive) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return executionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleProgress(c echo.Context) error {
	progress, err := s.orch.Progress(c.Param("id"))
	if err != nil {
		return executionError(err)
	}
	return c.JSON(http.StatusOK, progress)
}

// handleEvents streams an execution's events as server-sent events until it
// reaches a terminal status or the client disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.orch.Status(id); err != nil {
		return executionError(err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	subName := fmt.Sprintf("sse-%s-%s", id, c.Response().Header().Get(echo.HeaderXRequestID))
	sub := s.bus.Subscribe(subName, 128)
	defer s.bus.Unsubscribe(subName)

	ctx := c.Request().Context()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if ev.ExecutionID != id {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
				return nil
			}
			res.Flush()
			if isTerminalEvent(ev.Type) {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func isTerminalEvent(t events.Type) bool {
	switch t {
	case events.TypeExecutionCompleted, events.TypeExecutionFailed, events.TypeExecutionCancelled:
		return true
	}
	return false
}

// ApproveRequest is the request body for POST /api/v1/executions/:id/approve.
type ApproveRequest struct {
	Granted bool `json:"granted"`
}

func (s *Server) handleApprove(c echo.Context) error {
	var req ApproveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.orch.Approve(c.Param("id"), req.Granted); err != nil {
		if errors.Is(err, risk.ErrNoPendingApproval) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return executionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePause(c echo.Context) error {
	if err := s.orch.Pause(c.Param("id")); err != nil {
		return executionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleResume(c echo.Context) error {
	if err := s.orch.Resume(context.Background(), c.Param("id")); err != nil {
		return executionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCancel(c echo.Context) error {
	if err := s.orch.Cancel(c.Param("id")); err != nil {
		return executionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RollbackRequest is the request body for POST /api/v1/executions/:id/rollback.
type RollbackRequest struct {
	PointID string `json:"point_id"`
}

func (s *Server) handleRollback(c echo.Context) error {
	var req RollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PointID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "point_id field is required")
	}
	if err := s.orch.Rollback(c.Param("id"), req.PointID); err != nil {
		if errors.Is(err, state.ErrRollbackPointNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		if errors.Is(err, state.ErrRollbackDisabled) || errors.Is(err, orchestrator.ErrExecutionRunning) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return executionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ScrubRequest is the request body for POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse is the response body for POST /api/v1/scrub.
type ScrubResponse struct {
	Content       string `json:"content"`
	FindingsCount int    `json:"findings_count"`
}

// handleScrub redacts secrets from the provided content.
func (s *Server) handleScrub(c echo.Context) error {
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid scrub request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	scrubbed, findings := s.scrubber.Scrub(req.Content)
	return c.JSON(http.StatusOK, ScrubResponse{
		Content:       scrubbed,
		FindingsCount: len(findings),
	})
}

// executionError maps orchestrator errors to HTTP status codes.
func executionError(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrExecutionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		var invalid *state.ErrInvalidTransition
		if errors.As(err, &invalid) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
