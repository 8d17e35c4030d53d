// Package api exposes the agent's dashboard HTTP interface: detection
// listings, map markers, analytics, status management, image submission
// and a server-sent event stream of store changes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/garbagewatch/garbagewatch-go/internal/backend"
	"github.com/garbagewatch/garbagewatch-go/internal/conf"
	"github.com/garbagewatch/garbagewatch-go/internal/detection"
	"github.com/garbagewatch/garbagewatch-go/internal/errors"
	"github.com/garbagewatch/garbagewatch-go/internal/logging"
	"github.com/garbagewatch/garbagewatch-go/internal/projection"
	"github.com/garbagewatch/garbagewatch-go/internal/store"
)

// Uploader is the slice of the upload controller the API needs. Each
// request hands over its staged file as one atomic flow so concurrent
// submissions cannot mix selections.
type Uploader interface {
	UploadFile(ctx context.Context, path string) (*backend.ClassificationResult, error)
}

// Config wires a Server's collaborators.
type Config struct {
	Settings       *conf.Settings
	Store          *store.DetectionStore
	Uploader       Uploader
	MetricsHandler http.Handler
	// UserRole is the backend session role. Deletion requires the
	// admin role when a role is known.
	UserRole string
}

// Server is the dashboard HTTP server.
type Server struct {
	echo     *echo.Echo
	settings *conf.Settings
	store    *store.DetectionStore
	uploader Uploader
	userRole string
	logger   *slog.Logger
}

// New creates the server and registers all routes.
func New(cfg *Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		settings: cfg.Settings,
		store:    cfg.Store,
		uploader: cfg.Uploader,
		userRole: cfg.UserRole,
		logger:   logging.ForService("api"),
	}

	e.Use(middleware.Recover())
	e.Use(s.requestLogger())

	v1 := e.Group("/api/v1")
	v1.GET("/detections", s.listDetections)
	v1.GET("/detections/map", s.mapDetections)
	v1.GET("/detections/:id", s.getDetection)
	v1.PATCH("/detections/:id/status", s.updateStatus)
	v1.DELETE("/detections/:id", s.deleteDetection)
	v1.POST("/detections", s.uploadImage)
	v1.GET("/analytics", s.analytics)
	v1.GET("/settings", s.getSettings)
	v1.PUT("/settings", s.updateSettings)
	v1.GET("/events", s.streamEvents)
	v1.GET("/healthz", s.healthz)

	if cfg.Settings.Dashboard.Metrics && cfg.MetricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.MetricsHandler))
	}

	return s
}

// Start begins serving and blocks until the listener fails or the
// server is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%s", s.settings.Dashboard.Host, s.settings.Dashboard.Port)
	s.logger.Info("dashboard listening", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Warn("request failed",
					"method", v.Method, "uri", v.URI, "status", v.Status, "error", v.Error)
			} else {
				s.logger.Debug("request",
					"method", v.Method, "uri", v.URI, "status", v.Status)
			}
			return nil
		},
	})
}

func (s *Server) listDetections(c echo.Context) error {
	filter := new(projection.Filter)
	if err := c.Bind(filter); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid filter parameters")
	}
	records := projection.List(s.store.Snapshot(), filter)
	return c.JSON(http.StatusOK, records)
}

func (s *Server) mapDetections(c echo.Context) error {
	filter := new(projection.Filter)
	if err := c.Bind(filter); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid filter parameters")
	}
	markers := projection.MapMarkers(s.store.Snapshot(), filter)
	return c.JSON(http.StatusOK, markers)
}

func (s *Server) analytics(c echo.Context) error {
	filter := new(projection.Filter)
	if err := c.Bind(filter); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid filter parameters")
	}
	return c.JSON(http.StatusOK, projection.Analytics(s.store.Snapshot(), filter))
}

func (s *Server) getDetection(c echo.Context) error {
	record, ok := s.store.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "detection not found")
	}
	return c.JSON(http.StatusOK, record)
}

type statusRequest struct {
	Status detection.Status `json:"status"`
}

func (s *Server) updateStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.store.UpdateStatus(c.Request().Context(), c.Param("id"), req.Status); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deleteDetection(c echo.Context) error {
	if s.userRole != "" && s.userRole != "admin" {
		return echo.NewHTTPError(http.StatusForbidden, "deleting detections requires the admin role")
	}
	if err := s.store.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) uploadImage(c echo.Context) error {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "image file is required")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "image file is unreadable")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.settings.Upload.PreviewDir, "incoming-*")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to stage upload")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to stage upload")
	}
	if err := tmp.Close(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to stage upload")
	}

	result, err := s.uploader.UploadFile(c.Request().Context(), tmpPath)
	if err != nil {
		return s.mapError(err)
	}
	if result == nil {
		return echo.NewHTTPError(http.StatusConflict, "an upload is already in progress")
	}
	return c.JSON(http.StatusOK, result)
}

// getSettings returns the active configuration with the backend
// credential blanked out.
func (s *Server) getSettings(c echo.Context) error {
	redacted := *s.settings
	redacted.Backend.Password = ""
	return c.JSON(http.StatusOK, redacted)
}

// updateSettings applies a full settings document to the running
// session and persists it to the config file when one exists. Invalid
// settings are rejected without touching the active configuration.
func (s *Server) updateSettings(c echo.Context) error {
	updated := *s.settings
	if err := c.Bind(&updated); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid settings payload")
	}
	if updated.Backend.Password == "" {
		updated.Backend.Password = s.settings.Backend.Password
	}
	if err := conf.ValidateSettings(&updated); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	*s.settings = updated
	if conf.GetSettings() != nil {
		if err := conf.SaveSettings(); err != nil {
			s.logger.Warn("failed to persist settings", "error", err)
		}
	}

	redacted := updated
	redacted.Backend.Password = ""
	return c.JSON(http.StatusOK, redacted)
}

// streamEvents pushes store changes as server-sent events until the
// client disconnects.
func (s *Server) streamEvents(c echo.Context) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	ctx := c.Request().Context()
	events := s.store.Subscribe(ctx)
	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := fmt.Fprint(resp, ": keep-alive\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("failed to encode change event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"detections": s.store.Len(),
	})
}

// mapError translates component errors to HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.HasCategory(err, errors.CategoryValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.HasCategory(err, errors.CategoryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.HasCategory(err, errors.CategoryNetwork), errors.HasCategory(err, errors.CategoryServer):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
