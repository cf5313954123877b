package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bluesky-social/modgate/service"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// registers its collectors with the default registry, so it is built once per process
var echoMetrics = echoprometheus.NewMiddleware("modgate")

type Server struct {
	svc    *service.Context
	echo   *echo.Echo
	httpd  *http.Server
	logger *slog.Logger
}

func NewServer(svc *service.Context, bind string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	srv := &Server{
		svc:    svc,
		echo:   e,
		logger: logger.With("system", "server"),
	}
	// no read or write timeouts: /moderate and /stream hold requests open for as long as jobs run
	srv.httpd = &http.Server{
		Handler:           srv,
		Addr:              bind,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 * (1024 * 1024),
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("modgate"))
	e.Use(echoMetrics)
	e.Use(middleware.BodyLimit("48M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.POST("/jobs", srv.HandleSubmitJob)
	e.GET("/jobs/:id", srv.HandleJobStatus)
	e.GET("/jobs/:id/result", srv.HandleJobResult)
	e.POST("/moderate", srv.HandleModerate)
	e.GET("/audit/:audit_id", srv.HandleAuditRecord)
	e.GET("/stream", echo.WrapHandler(svc.Dispatcher))

	return srv
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// Blocks until the listener fails or Shutdown is called.
func (srv *Server) RunAPI() error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (srv *Server) Shutdown(ctx context.Context) error {
	srv.logger.Info("shutting down HTTP server")
	return srv.httpd.Shutdown(ctx)
}
