package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/moldsim/internal/api/websocket"
	"github.com/KevinKickass/moldsim/internal/auth"
	"github.com/KevinKickass/moldsim/internal/config"
	"github.com/KevinKickass/moldsim/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
	receiveDir  string
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		receiveDir:  cfg.Archive.ReceiveDir,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		authPublic := v1.Group("/auth")
		{
			authPublic.POST("/login", s.login)
		}

		authProtected := v1.Group("/auth")
		authProtected.Use(s.authService.AuthMiddleware())
		{
			authProtected.GET("/me", s.getCurrentUser)
		}

		machine := v1.Group("/machine")
		machine.Use(s.authService.AuthMiddleware())
		{
			machine.GET("/status", auth.RequirePermission(auth.PermViewer), s.getMachineStatus)
			machine.POST("/command", auth.RequirePermission(auth.PermOperator), s.executeMachineCommand)
		}

		nodes := v1.Group("/nodes")
		nodes.Use(s.authService.AuthMiddleware())
		nodes.Use(auth.RequirePermission(auth.PermViewer))
		{
			nodes.GET("", s.listNodes)
			nodes.GET("/:name", s.getNode)
		}

		capture := v1.Group("/capture")
		capture.Use(s.authService.AuthMiddleware())
		{
			capture.GET("", auth.RequirePermission(auth.PermViewer), s.getCapture)
			capture.PUT("", auth.RequirePermission(auth.PermOperator), s.setCapture)
		}

		if s.receiveDir != "" {
			archive := v1.Group("/archive")
			archive.Use(s.authService.AuthMiddleware())
			archive.Use(auth.RequirePermission(auth.PermArchiver))
			{
				archive.PUT("/:name", s.receiveArchive)
			}
		}

		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		{
			system.GET("/status", auth.RequirePermission(auth.PermViewer), s.getSystemStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermOperator), s.shutdown)
		}

		// WebSocket (auth via first message)
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermViewer), s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
