package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
	"github.com/echopi/echopi-go/internal/sonar"
	"github.com/echopi/echopi-go/internal/stream"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

// HistoryResponse is the body of GET /api/v1/history.
type HistoryResponse struct {
	Entries  []sonar.Entry `json:"entries"`
	Count    int           `json:"count"`
	Capacity int           `json:"capacity"`
}

func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.version,
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.Status())
}

func (s *Server) getHistory(c echo.Context) error {
	limit := DefaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	h := s.controller.History()
	entries := h.Last(limit)
	if entries == nil {
		entries = []sonar.Entry{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{
		Entries:  entries,
		Count:    len(entries),
		Capacity: h.Cap(),
	})
}

func (s *Server) getCurrent(c echo.Context) error {
	e, ok := s.controller.History().Latest()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no distance sample recorded yet")
	}
	return c.JSON(http.StatusOK, e)
}

func (s *Server) getConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.Config())
}

// putConfig applies a partial update: fields absent from the body keep their
// current values.
func (s *Server) putConfig(c echo.Context) error {
	cfg := s.controller.Config()
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid configuration body: "+err.Error())
	}
	if err := s.controller.Reconfigure(cfg); err != nil {
		return err
	}
	s.log.Info("configuration updated over API",
		logger.Float64("max_distance_m", cfg.MaxDistanceMeters),
		logger.String("medium", string(cfg.Medium)))
	return c.JSON(http.StatusOK, s.controller.Config())
}

func (s *Server) postStart(c echo.Context) error {
	if err := s.controller.Start(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.controller.Status())
}

func (s *Server) postStop(c echo.Context) error {
	if err := s.controller.Stop(); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.controller.Status())
}

// errorHandler maps domain errors to status codes and writes ErrorResponse.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, body := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", logger.String("uri", c.Request().RequestURI), logger.Error(err))
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(code)
	} else {
		writeErr = c.JSON(code, body)
	}
	if writeErr != nil {
		s.log.Warn("failed to write error response", logger.Error(writeErr))
	}
}

func statusFor(err error) (int, ErrorResponse) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		msg, ok := httpErr.Message.(string)
		if !ok {
			msg = http.StatusText(httpErr.Code)
		}
		return httpErr.Code, ErrorResponse{Error: msg}
	}

	body := ErrorResponse{Error: err.Error()}
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		body.Category = ee.GetCategory()
	}

	switch {
	case errors.Is(err, sonar.ErrControllerNotIdle),
		errors.Is(err, sonar.ErrControllerNotRunning),
		errors.Is(err, sonar.ErrReconfigureNeedsRestart),
		errors.Is(err, stream.ErrSessionAlreadyOpen):
		return http.StatusConflict, body
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest, body
	case errors.Is(err, stream.ErrDeviceIO), errors.IsCategory(err, errors.CategoryAudioDevice):
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, body
	}
}
