package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dagbolade/toolgate/internal/approvals"
	"github.com/dagbolade/toolgate/internal/auth"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
)

type Server struct {
	echo   *echo.Echo
	config Config
	hub    *Hub
}

func New(cfg Config, orch *approvals.Orchestrator, authManager *auth.Manager, hub *Hub) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		config: cfg,
		hub:    hub,
	}

	s.setupMiddleware()
	s.setupRoutes(orch, authManager)

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Info().Int("port", s.config.Port).Msg("starting HTTP server")

	s.echo.Server.ReadTimeout = time.Duration(s.config.ReadTimeout) * time.Second
	s.echo.Server.WriteTimeout = time.Duration(s.config.WriteTimeout) * time.Second

	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	if s.hub != nil {
		s.hub.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(s.config.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	return nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
}

func (s *Server) setupRoutes(orch *approvals.Orchestrator, authManager *auth.Manager) {
	approvalHandler := NewApprovalHandler(orch)
	wsHandler := NewWSHandler(s.hub, authManager, orch)
	authHandler := auth.NewHandler(authManager)

	// Public endpoints.
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/login", authHandler.Login)

	protected := s.echo.Group("")
	protected.Use(authManager.Middleware())

	protected.GET("/me", authHandler.Me)

	// Agent side: propose actions, cancel them.
	protected.POST("/proposals", approvalHandler.SubmitProposal)
	protected.POST("/previews/:id/cancel", approvalHandler.CancelPreview)

	// Reviewer side: inspect and resolve approvals.
	protected.GET("/sessions/:id/approvals", approvalHandler.ListApprovals)
	protected.GET("/sessions/:id/pending", approvalHandler.ListPending)
	protected.POST("/approvals/:id/apply", approvalHandler.ApplyApproval)
	protected.POST("/approvals/:id/reject", approvalHandler.RejectApproval)

	// Preferences (skipAll flag and friends).
	protected.GET("/preferences/:key", approvalHandler.GetPreference)
	protected.PUT("/preferences/:key", approvalHandler.SetPreference)

	protected.GET("/ws", wsHandler.HandleWebSocket)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
