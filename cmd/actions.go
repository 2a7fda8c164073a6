package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/A-alok/free-mind-ai-sub000/artifact"

	"github.com/labstack/echo/v4"
)

type Dependencies struct {
	Store    func(context.Context, artifact.StoreRequest) (*artifact.StoreResult, error)
	Resolve  func(context.Context, artifact.GetRequest) (*artifact.GetResult, error)
	Download func(context.Context, artifact.GetRequest) (*artifact.GetResult, error)
	Delete   func(context.Context, artifact.DeleteRequest) (*artifact.PurgeResult, error)
	List     func(context.Context, string) (*artifact.ListResult, error)
	Stats    func(context.Context, string) (*artifact.UserStats, error)

	ListVersions func(context.Context, string) ([]artifact.Version, error)
	Restore      func(ctx context.Context, projectID string, number int) (*artifact.Version, error)

	QuotaCheck   func(context.Context, string) (artifact.QuotaReport, error)
	QuotaEnforce func(ctx context.Context, userID string, dryRun bool) (*artifact.EnforcementResult, error)

	RunMaintenance func(ctx context.Context, dryRun bool) (*artifact.MaintenanceReport, error)

	MetricsHandler http.Handler
	Metrics        artifact.StorageMetrics
	Logger         *slog.Logger
}

type storeRequestIn struct {
	Files           map[string]string `json:"files"`
	FileName        string            `json:"file_name"`
	UserID          string            `json:"user_id"`
	ProjectID       string            `json:"project_id"`
	StorageType     string            `json:"storage_type"`
	Note            string            `json:"note"`
	ReplaceExisting bool              `json:"replace_existing"`
	Tags            []string          `json:"tags"`
	Metadata        map[string]string `json:"metadata"`
	IsPublic        bool              `json:"is_public"`
}

func (in storeRequestIn) toRequest() artifact.StoreRequest {
	files := make(map[string][]byte, len(in.Files))
	for name, content := range in.Files {
		files[name] = []byte(content)
	}
	return artifact.StoreRequest{
		Files:           files,
		FileName:        strings.TrimSpace(in.FileName),
		UserID:          strings.TrimSpace(in.UserID),
		ProjectID:       strings.TrimSpace(in.ProjectID),
		StorageType:     in.StorageType,
		Note:            in.Note,
		ReplaceExisting: in.ReplaceExisting,
		Tags:            in.Tags,
		Metadata:        in.Metadata,
		IsPublic:        in.IsPublic,
	}
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = artifact.NoopStorageMetrics{}
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		e.GET("/metricz", echo.WrapHandler(deps.MetricsHandler))
	}
	e.GET("/metrics/app", func(c echo.Context) error {
		return c.JSON(http.StatusOK, metrics.Snapshot())
	})

	e.POST("/v1/artifacts", func(c echo.Context) error {
		if deps.Store == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "storage unavailable"})
		}
		var in storeRequestIn
		if err := c.Bind(&in); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		res, err := deps.Store(c.Request().Context(), in.toRequest())
		if err != nil {
			logger.ErrorContext(c.Request().Context(), "artifact store failed",
				"user_id", in.UserID, "project_id", in.ProjectID, "error", err)
			return WriteError(c, err)
		}
		logger.InfoContext(c.Request().Context(), "artifact stored",
			"user_id", in.UserID, "project_id", in.ProjectID,
			"tier", res.Tier, "size", res.Size)
		return c.JSON(http.StatusCreated, res)
	})

	e.GET("/v1/artifacts", func(c echo.Context) error {
		if deps.List == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "storage unavailable"})
		}
		res, err := deps.List(c.Request().Context(), strings.TrimSpace(c.QueryParam("user_id")))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, res)
	})

	e.GET("/v1/artifacts/resolve", func(c echo.Context) error {
		return handleResolve(c, deps.Resolve)
	})

	e.POST("/v1/artifacts/download", func(c echo.Context) error {
		return handleResolve(c, deps.Download)
	})

	e.DELETE("/v1/artifacts/:id", func(c echo.Context) error {
		if deps.Delete == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "storage unavailable"})
		}
		res, err := deps.Delete(c.Request().Context(), artifact.DeleteRequest{ArtifactID: c.Param("id")})
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, res)
	})

	e.GET("/v1/projects/:id/versions", func(c echo.Context) error {
		if deps.ListVersions == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "storage unavailable"})
		}
		versions, err := deps.ListVersions(c.Request().Context(), c.Param("id"))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"versions": versions})
	})

	e.POST("/v1/projects/:id/restore", func(c echo.Context) error {
		if deps.Restore == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "storage unavailable"})
		}
		var in struct {
			Version int `json:"version"`
		}
		if err := c.Bind(&in); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		if in.Version <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "version must be > 0"})
		}
		v, err := deps.Restore(c.Request().Context(), c.Param("id"), in.Version)
		if err != nil {
			return WriteError(c, err)
		}
		logger.InfoContext(c.Request().Context(), "version restored",
			"project_id", c.Param("id"), "version", in.Version)
		return c.JSON(http.StatusOK, v)
	})

	e.DELETE("/v1/projects/:id/versions", func(c echo.Context) error {
		if deps.Delete == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "storage unavailable"})
		}
		req := artifact.DeleteRequest{ProjectID: c.Param("id")}
		if raw := strings.TrimSpace(c.QueryParam("version")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": "version must be a positive integer"})
			}
			req.Version = &n
		}
		res, err := deps.Delete(c.Request().Context(), req)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, res)
	})

	e.GET("/v1/users/:id/stats", func(c echo.Context) error {
		if deps.Stats == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "storage unavailable"})
		}
		stats, err := deps.Stats(c.Request().Context(), c.Param("id"))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, stats)
	})

	e.GET("/v1/users/:id/quota", func(c echo.Context) error {
		if deps.QuotaCheck == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "quota unavailable"})
		}
		report, err := deps.QuotaCheck(c.Request().Context(), c.Param("id"))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, report)
	})

	e.POST("/v1/users/:id/quota/enforce", func(c echo.Context) error {
		if deps.QuotaEnforce == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "quota unavailable"})
		}
		dryRun := parseBoolParam(c.QueryParam("dry_run"))
		result, err := deps.QuotaEnforce(c.Request().Context(), c.Param("id"), dryRun)
		if err != nil {
			logger.ErrorContext(c.Request().Context(), "quota enforcement failed",
				"user_id", c.Param("id"), "error", err)
			return WriteError(c, err)
		}
		logger.InfoContext(c.Request().Context(), "quota enforcement finished",
			"user_id", c.Param("id"), "dry_run", dryRun,
			"actions", len(result.Actions), "still_over", result.StillOver)
		return c.JSON(http.StatusOK, result)
	})

	e.POST("/v1/maintenance/run", func(c echo.Context) error {
		if deps.RunMaintenance == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "maintenance unavailable"})
		}
		dryRun := parseBoolParam(c.QueryParam("dry_run"))
		report, err := deps.RunMaintenance(c.Request().Context(), dryRun)
		if err != nil {
			if errors.Is(err, artifact.ErrMaintenanceRunning) {
				return c.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
			}
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, report)
	})
}

func handleResolve(c echo.Context, resolve func(context.Context, artifact.GetRequest) (*artifact.GetResult, error)) error {
	if resolve == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "storage unavailable"})
	}

	req := artifact.GetRequest{
		FileName:  strings.TrimSpace(c.QueryParam("file_name")),
		UserID:    strings.TrimSpace(c.QueryParam("user_id")),
		ProjectID: strings.TrimSpace(c.QueryParam("project_id")),
	}
	if raw := strings.TrimSpace(c.QueryParam("version")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "version must be a non-negative integer"})
		}
		req.Version = n
	}
	if req.FileName == "" && req.ProjectID == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "file_name or project_id is required"})
	}

	res, err := resolve(c.Request().Context(), req)
	if err != nil {
		return WriteError(c, err)
	}
	if res.Source == artifact.SourceMiss {
		return c.JSON(http.StatusNotFound, map[string]any{"error": "artifact not found", "source": res.Source})
	}
	return c.JSON(http.StatusOK, res)
}

func parseBoolParam(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

// WriteError maps the stable storage error kinds onto HTTP statuses.
func WriteError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, artifact.ErrValidation):
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, artifact.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, artifact.ErrExpired):
		return c.JSON(http.StatusGone, map[string]any{"error": err.Error()})
	case errors.Is(err, artifact.ErrQuotaExceeded):
		return c.JSON(http.StatusForbidden, map[string]any{"error": err.Error()})
	case errors.Is(err, artifact.ErrVersionConflict), errors.Is(err, artifact.ErrLeaseConflict):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, artifact.ErrBackendTimeout):
		return c.JSON(http.StatusGatewayTimeout, map[string]any{"error": err.Error()})
	case errors.Is(err, artifact.ErrBackendUnavailable):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
	default:
		// Unclassified backend failures stay out of the response body.
		c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Request().URL.Path, err)
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": "internal server error"})
	}
}
