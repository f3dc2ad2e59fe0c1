// Package server exposes the analysis pipeline over HTTP: a one-shot
// analyze endpoint, the streaming conversation protocol over websocket,
// and the operational endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/semaphore"

	"github.com/tutorloop/tutorloop/ai"
	"github.com/tutorloop/tutorloop/internal/profile"
	"github.com/tutorloop/tutorloop/server/learner"
)

// maxConcurrentAnalyses bounds one-shot analyze requests so a burst cannot
// starve live conversation sessions of backend capacity.
const maxConcurrentAnalyses = 32

type Server struct {
	e                *echo.Echo
	profile          *profile.Profile
	service          *ai.Service
	resolver         learner.Resolver
	upgrader         websocket.Upgrader
	analyzeSemaphore *semaphore.Weighted
}

// NewServer wires routes over an assembled ai.Service.
func NewServer(p *profile.Profile, svc *ai.Service) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(requestLogger())

	var resolver learner.Resolver = learner.StaticResolver{}
	if p.LearnerServiceURL != "" {
		resolver = learner.NewHTTPResolver(p.LearnerServiceURL)
	}

	s := &Server{
		e:        e,
		profile:  p,
		service:  svc,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		analyzeSemaphore: semaphore.NewWeighted(maxConcurrentAnalyses),
	}

	e.POST("/api/v1/analyze", s.handleAnalyze)
	e.GET("/api/v1/converse", s.handleConverse)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(svc.Metrics.Handler()))
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	slog.Info("server: listening", "addr", addr, "mode", s.profile.Mode)
	return s.e.Start(addr)
}

// Shutdown stops the listener, then drains sessions and unloads backends.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.e.Shutdown(ctx); err != nil {
		slog.Error("server: http shutdown failed", "error", err)
	}
	if err := s.service.Shutdown(ctx); err != nil {
		slog.Error("server: service shutdown incomplete", "error", err)
	}
	slog.Info("server: stopped")
}

func (s *Server) handleHealthz(c echo.Context) error {
	residency := s.service.Resources.Residency()
	return c.JSON(http.StatusOK, map[string]any{
		"status":             "ok",
		"active_sessions":    s.service.Sessions.Len(),
		"resident_memory_mb": residency.ResidentMB,
		"cache_entries":      s.service.Coordinator.CacheSize(),
	})
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("server: request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds())
			return nil
		},
	})
}
