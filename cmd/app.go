package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/A-alok/free-mind-ai-sub000/artifact"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// userIDHeader is the header the gateway uses to forward the authenticated
// caller identity when the body or query string omits it.
const userIDHeader = "X-User-ID"

// userIDContextKey is the echo context key for the resolved user id.
const userIDContextKey = "user_id"

type AppConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *slog.Logger
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Address:           "127.0.0.1:8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		Logger:            slog.Default(),
	}
}

// Stack bundles the storage components the app serves. Service is required;
// the rest degrade the matching routes to 503 when nil.
type Stack struct {
	Service     *artifact.Service
	Permanent   *artifact.PermanentStore
	Quota       *artifact.QuotaEnforcer
	Maintenance *artifact.Maintenance
	Metrics     *artifact.InMemStorageMetrics
}

type App struct {
	stack   Stack
	echo    *echo.Echo
	config  AppConfig
	logger  *slog.Logger
	metrics *artifact.InMemStorageMetrics

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
	started  bool
}

func NewApp(stack Stack, cfg AppConfig) *App {
	cfg = mergeWithDefaultAppConfig(cfg)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := stack.Metrics
	if metrics == nil {
		metrics = artifact.NewInMemStorageMetrics()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(requestLoggerMiddleware(logger, metrics))
	e.Use(userIDMiddleware())

	app := &App{
		stack:   stack,
		echo:    e,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		errCh:   make(chan error, 1),
	}
	app.registerRoutes()
	return app
}

// userIDMiddleware extracts the X-User-ID header set by the gateway and
// stores it in the echo context for observability. the value is also echoed
// back in the response header for debugging.
func userIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := strings.TrimSpace(c.Request().Header.Get(userIDHeader))
			if id != "" {
				c.Set(userIDContextKey, id)
				c.Response().Header().Set(userIDHeader, id)
			}
			return next(c)
		}
	}
}

func mergeWithDefaultAppConfig(cfg AppConfig) AppConfig {
	d := DefaultAppConfig()
	if cfg.Address != "" {
		d.Address = cfg.Address
	}
	if cfg.ReadHeaderTimeout > 0 {
		d.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		d.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if cfg.Logger != nil {
		d.Logger = cfg.Logger
	}
	return d
}

func requestLoggerMiddleware(logger *slog.Logger, metrics artifact.StorageMetrics) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = artifact.NoopStorageMetrics{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			if status == 0 {
				status = http.StatusOK
			}
			latencyMS := time.Since(start).Milliseconds()
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			metrics.RecordRequest(c.Request().Method, path, status, latencyMS)
			attrs := []any{
				"method", c.Request().Method,
				"path", path,
				"status", status,
				"latency_ms", latencyMS,
				"remote_ip", c.RealIP(),
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.ErrorContext(c.Request().Context(), "http request", attrs...)
			case status >= http.StatusBadRequest:
				logger.WarnContext(c.Request().Context(), "http request", attrs...)
			default:
				logger.InfoContext(c.Request().Context(), "http request", attrs...)
			}
			return nil
		}
	}
}

func (a *App) registerRoutes() {
	deps := Dependencies{
		MetricsHandler: artifact.NewOpenMetricsHandler(a.metrics),
		Metrics:        a.metrics,
		Logger:         a.logger,
	}
	if svc := a.stack.Service; svc != nil {
		deps.Store = svc.Store
		deps.Resolve = svc.Get
		deps.Download = svc.Download
		deps.Delete = svc.Delete
		deps.List = svc.List
		deps.Stats = svc.Stats
	}
	if perm := a.stack.Permanent; perm != nil {
		deps.ListVersions = perm.ListVersions
		deps.Restore = perm.Restore
	}
	if quota := a.stack.Quota; quota != nil {
		deps.QuotaCheck = quota.Check
		deps.QuotaEnforce = quota.Enforce
	}
	if maint := a.stack.Maintenance; maint != nil {
		deps.RunMaintenance = maint.Run
	}
	Register(a.echo, deps)
}

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	ln, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		return err
	}
	a.listener = ln
	a.started = true

	if a.stack.Maintenance != nil {
		a.stack.Maintenance.Start()
	}

	srv := &http.Server{Handler: a.echo, ReadHeaderTimeout: a.config.ReadHeaderTimeout}
	a.echo.Server = srv

	go func() {
		err := a.echo.Server.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		a.errCh <- err
	}()

	return nil
}

func (a *App) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	addr := a.listener.Addr().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	host = strings.TrimSpace(host)
	if host == "" || host == "::" || host == "0.0.0.0" || host == "[::]" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (a *App) Wait() error {
	return <-a.errCh
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if !started {
		return nil
	}

	if a.stack.Maintenance != nil {
		a.stack.Maintenance.Stop()
	}

	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		ctx = c
	}

	if err := a.echo.Shutdown(ctx); err != nil {
		return err
	}
	return nil
}
