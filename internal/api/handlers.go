package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/otakudex/otakudex/internal/jobs"
	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/provider"
	"github.com/otakudex/otakudex/internal/schedule"
)

// findAnime resolves a path parameter that is either a numeric id or
// a slug.
func (s *Server) findAnime(c echo.Context) (*media.Anime, error) {
	param := c.Param("id")
	ctx := c.Request().Context()

	if id, err := strconv.ParseInt(param, 10, 64); err == nil {
		return s.store.GetByID(ctx, id)
	}
	return s.store.GetBySlug(ctx, param)
}

func (s *Server) listAnime(c echo.Context) error {
	records, err := s.store.ListAll(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) getAnime(c echo.Context) error {
	a, err := s.findAnime(c)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "anime not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	genres, err := s.store.GenreNames(c.Request().Context(), a.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"anime":  a,
		"genres": genres,
	})
}

func (s *Server) getEpisodes(c echo.Context) error {
	a, err := s.findAnime(c)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "anime not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	episodes, err := s.store.ListEpisodes(c.Request().Context(), a.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, episodes)
}

func (s *Server) getUpdateLogs(c echo.Context) error {
	a, err := s.findAnime(c)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "anime not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	limit := 20
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	logs, err := s.store.RecentUpdateLogs(c.Request().Context(), a.ID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, logs)
}

// refreshAnime enqueues a full refresh of one record by its external
// id and returns the job handle for polling.
func (s *Server) refreshAnime(c echo.Context) error {
	malID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid mal id"})
	}

	handle := s.runner.Enqueue(fmt.Sprintf("refresh-%d", malID), func(ctx context.Context) (string, error) {
		return s.jobs.RefreshOne(ctx, malID)
	})

	return c.JSON(http.StatusAccepted, map[string]string{
		"handle": string(handle),
	})
}

func (s *Server) getProviderUsage(c echo.Context) error {
	ctx := c.Request().Context()

	usage := make(map[string]interface{}, 2)
	for _, name := range []string{provider.Jikan, provider.Anilist} {
		u, err := s.limiter.Usage(ctx, name)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		usage[name] = u
	}
	return c.JSON(http.StatusOK, usage)
}

func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.scheduler.ListTasks())
}

func (s *Server) getTask(c echo.Context) error {
	task, err := s.scheduler.GetTask(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) runTask(c echo.Context) error {
	taskID := c.Param("id")
	if err := s.scheduler.RunNow(taskID); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"message": "Task started",
		"taskId":  taskID,
	})
}

func (s *Server) listJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, s.runner.List())
}

func (s *Server) getJob(c echo.Context) error {
	status, ok := s.runner.Get(jobs.Handle(c.Param("handle")))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) listStrategies(c echo.Context) error {
	strategies, err := s.strategies.ListStrategies(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, strategies)
}

func (s *Server) activateStrategy(c echo.Context) error {
	name := c.Param("name")
	if err := s.strategies.Activate(c.Request().Context(), name); err != nil {
		if errors.Is(err, schedule.ErrStrategyNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "strategy not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"active": name})
}
