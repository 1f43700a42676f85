package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"multirubro/internal/web/api"
	"multirubro/internal/web/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Dependencies are the services the HTTP API exposes
type Dependencies struct {
	Ingester api.Ingester
	Rules    api.RuleStore
	Engine   api.RuleEngine
	Alerts   api.AlertStore
	Devices  api.DeviceStore
	Checks   map[string]api.HealthCheck
	Gatherer prometheus.Gatherer
}

type WebServer struct {
	router *gin.Engine
	srv    *http.Server
	logger *zap.SugaredLogger
}

func NewWebServer(addr string, deps Dependencies, logger *zap.SugaredLogger) *WebServer {
	router := gin.New()
	router.Use(middleware.Recovery(logger), middleware.RequestLogger(logger))

	api.RegisterDataRoutes(router, deps.Ingester)
	api.RegisterRuleRoutes(router, deps.Rules, deps.Engine, logger)
	api.RegisterAlertRoutes(router, deps.Alerts)
	api.RegisterDeviceRoutes(router, deps.Devices)
	api.RegisterHealthRoutes(router, deps.Checks)
	if deps.Gatherer != nil {
		api.RegisterMetricsRoutes(router, deps.Gatherer)
	}

	return &WebServer{
		router: router,
		srv:    &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second},
		logger: logger.With("component", "http"),
	}
}

// Handler exposes the router, mainly for tests
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start serves until Shutdown is called
func (ws *WebServer) Start() error {
	ws.logger.Infow("HTTP server listening", "addr", ws.srv.Addr)
	if err := ws.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (ws *WebServer) Shutdown(ctx context.Context) error {
	return ws.srv.Shutdown(ctx)
}
