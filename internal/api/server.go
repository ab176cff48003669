// Package api exposes the JSON status surface: catalog browsing,
// provider usage counters, scheduled task state, manual refresh
// triggers and strategy management.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/otakudex/otakudex/internal/jobs"
	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/ratelimit"
	"github.com/otakudex/otakudex/internal/schedule"
	"github.com/otakudex/otakudex/internal/scheduler"
)

// Server handles HTTP requests for the status API.
type Server struct {
	echo   *echo.Echo
	logger zerolog.Logger

	store      *media.Store
	limiter    *ratelimit.Limiter
	scheduler  *scheduler.Scheduler
	strategies *schedule.Service
	jobs       *jobs.Service
	runner     *jobs.Runner

	version string
}

// NewServer creates a new API server instance.
func NewServer(store *media.Store, limiter *ratelimit.Limiter, sched *scheduler.Scheduler,
	strategies *schedule.Service, jobSvc *jobs.Service, runner *jobs.Runner,
	version string, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:       e,
		logger:     logger.With().Str("component", "api").Logger(),
		store:      store,
		limiter:    limiter,
		scheduler:  sched,
		strategies: strategies,
		jobs:       jobSvc,
		runner:     runner,
		version:    version,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Info().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	api := s.echo.Group("/api/v1")

	api.GET("/status", s.getStatus)

	api.GET("/anime", s.listAnime)
	api.GET("/anime/:id", s.getAnime)
	api.GET("/anime/:id/episodes", s.getEpisodes)
	api.GET("/anime/:id/logs", s.getUpdateLogs)
	api.POST("/anime/:id/refresh", s.refreshAnime)

	api.GET("/providers/usage", s.getProviderUsage)

	api.GET("/scheduler/tasks", s.listTasks)
	api.GET("/scheduler/tasks/:id", s.getTask)
	api.POST("/scheduler/tasks/:id/run", s.runTask)

	api.GET("/jobs", s.listJobs)
	api.GET("/jobs/:handle", s.getJob)

	api.GET("/strategies", s.listStrategies)
	api.POST("/strategies/:name/activate", s.activateStrategy)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	ctx := c.Request().Context()

	count, err := s.store.Count(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	strategyName := ""
	if strategy, err := s.strategies.ActiveStrategy(ctx); err == nil {
		strategyName = strategy.Name
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":        s.version,
		"animeCount":     count,
		"activeStrategy": strategyName,
	})
}
