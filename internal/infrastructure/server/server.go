// Package server wires the HTTP API over the session manager.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scanpipe/scanpipe/internal/infrastructure/config"
	"github.com/scanpipe/scanpipe/internal/infrastructure/monitoring"
	"github.com/scanpipe/scanpipe/internal/logging"
	"github.com/scanpipe/scanpipe/internal/session"
	"github.com/scanpipe/scanpipe/internal/sigdb"
	"github.com/scanpipe/scanpipe/internal/ws"
)

// Options carries the server's collaborators.
type Options struct {
	Config   *config.Config
	Logger   *logging.Logger
	Metrics  *monitoring.Metrics
	Sessions *session.Manager
	Checker  *sigdb.Checker
	Mirror   *sigdb.MirrorClient
}

// Server wraps the HTTP server and dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	sessions   *session.Manager
	checker    *sigdb.Checker
	mirror     *sigdb.MirrorClient
	logger     *logging.Logger
	config     *config.Config
	metrics    *monitoring.Metrics
	instanceID string
}

// NewServer creates a new server instance.
func NewServer(opts Options) *Server {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if opts.Metrics != nil {
		router.Use(monitoring.Middleware(opts.Metrics))
	}
	router.Use(requestID())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods:     []string{"GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:     router,
		sessions:   opts.Sessions,
		checker:    opts.Checker,
		mirror:     opts.Mirror,
		logger:     logger,
		config:     cfg,
		metrics:    opts.Metrics,
		instanceID: uuid.NewString(),
	}

	wsHandler := ws.NewHandler(opts.Sessions, logger)

	router.GET("/", s.root)
	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/sessions", s.startSession)
	router.GET("/sessions", s.listSessions)
	router.GET("/sessions/:id", s.getSession)
	router.GET("/sessions/:id/output", s.sessionOutput)
	router.POST("/sessions/:id/kill", s.killSession)
	router.DELETE("/sessions/:id", s.removeSession)

	router.GET("/database", s.databaseInfo)
	router.POST("/database/refresh", s.refreshDatabase)

	router.GET("/stream", wsHandler.HandleConnection)

	return s
}

// requestID tags each request for log correlation.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("request_id", rid)
		c.Header("X-Request-ID", rid)
		c.Next()
	}
}

// Router exposes the handler tree, used by tests.
func (s *Server) Router() http.Handler { return s.router }

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
