// Package node serves the pkg/api/v1 runtime protocol over HTTP, so a
// devflow process can act as the execution node behind a remote transport.
// Tasks submitted here run on the node's own local adapter; the security
// service gates submissions and cancellations.
package node

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/httpmw"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/runtime"
	"github.com/devflow/devflow/internal/security"
)

const serverName = "devflow-node"

// Server is the execution node HTTP server.
type Server struct {
	cfg       config.ServerConfig
	transport runtime.Transport
	security  *security.Service
	logger    *logger.Logger
	router    *gin.Engine
	http      *http.Server
	upgrader  websocket.Upgrader
	listener  net.Listener
}

// New assembles the node server over a transport and security service.
func New(cfg config.ServerConfig, transport runtime.Transport, sec *security.Service, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		transport: transport,
		security:  sec,
		logger:    log.WithComponent("node-server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router := gin.New()
	router.Use(httpmw.RequestID())
	router.Use(httpmw.Recovery(s.logger))
	router.Use(httpmw.RequestLogger(s.logger, serverName, "/health", "/metrics"))
	router.Use(httpmw.OtelTracing(serverName))

	api := router.Group("/api/runtime")
	api.POST("/sessions", s.createSession)
	api.POST("/tasks/submit", s.submitTask)
	api.GET("/tasks/:id/state", s.taskState)
	api.POST("/tasks/:id/cancel", s.cancelTask)
	api.GET("/tasks/:id/stream", s.streamTask)
	api.GET("/agents", s.listAgents)
	api.GET("/skills", s.listSkills)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = router
	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listen address and serves in the background. Bind errors
// surface synchronously.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("Node server listening", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Node server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.http.Addr
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Node server shutting down")
	return s.http.Shutdown(ctx)
}
