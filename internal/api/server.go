// Package api provides the HTTP control API for mockcloud.
// It uses the Echo framework to serve the server endpoints and a WebSocket
// stream of fleet events.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"evalgo.org/mockcloud/internal/config"
	"evalgo.org/mockcloud/internal/fleet"
	"evalgo.org/mockcloud/internal/identity"
	"evalgo.org/mockcloud/internal/version"
	"evalgo.org/mockcloud/models"
)

// Fleet is the set of operations the API serves.
type Fleet interface {
	List(ctx context.Context) ([]models.ServerEntry, error)
	Get(ctx context.Context, id string) (*models.ServerEntry, error)
	Create(ctx context.Context, payload []byte) (*fleet.CreateResult, error)
	Delete(ctx context.Context, id string) error
	Ledger() map[string]identity.Entry
}

// Server represents the mockcloud API server.
type Server struct {
	echo   *echo.Echo
	fleet  Fleet
	config *config.Config
	hub    *Hub
	logger *zap.SugaredLogger
}

// New creates a new API server instance. The hub must be running.
func New(cfg *config.Config, svc Fleet, hub *Hub, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug
	e.HTTPErrorHandler = HTTPErrorHandler

	server := &Server{
		echo:   e,
		fleet:  svc,
		config: cfg,
		hub:    hub,
		logger: logger.Named("api"),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Infow("Request",
				"status", v.Status,
				"method", v.Method,
				"uri", v.URI,
				"latency", v.Latency,
				"request_id", v.RequestID,
			)
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())
	s.echo.Use(SecurityHeaders)

	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.Security.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	s.echo.Use(middleware.RequestID())

	if s.config.Security.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.config.Security.RateLimit),
		)))
	}

	s.echo.Use(ValidateContentType)
	s.echo.Use(ValidateAcceptHeader)
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	servers := s.echo.Group("/servers")
	servers.GET("", s.listServers, ValidateQueryParams)
	servers.GET("/:uuid", s.getServer, ValidateUUIDParam)
	servers.POST("", s.createServer)
	servers.DELETE("/:uuid", s.deleteServer, ValidateUUIDParam)

	s.echo.GET("/ledger", s.getLedger)

	ws := s.echo.Group("/ws")
	ws.GET("/events", s.handleEvents)
	ws.GET("/stats", s.getEventStats)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.logger.Infow("Starting mockcloud API server",
		"address", addr,
		"servers_root", s.config.Fleet.ServersRoot,
		"debug", s.config.Server.Debug,
	)

	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down mockcloud API server")

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}

	return nil
}

// healthCheck handles health check requests.
func (s *Server) healthCheck(c echo.Context) error {
	servers, err := s.fleet.List(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unhealthy",
			"details": err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "mockcloud",
		"version":   version.Version,
		"servers":   len(servers),
		"ws_client": s.hub.ClientCount(),
	})
}

// ServeHTTP allows Server to implement http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
