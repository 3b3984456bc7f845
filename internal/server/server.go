// Package server exposes the operational HTTP surface: liveness, Prometheus
// metrics and a small admin API mirroring the privileged chat commands.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	coreconfig "imeibot/core/config"
	"imeibot/core/logger"
	"imeibot/internal/dispatcher"
)

// Server wraps the gin engine and its HTTP listener.
type Server struct {
	cfg    coreconfig.AdminConfig
	router *gin.Engine
	http   *http.Server

	ledger      dispatcher.Ledger
	catalog     dispatcher.Catalog
	pinger      dispatcher.Pinger
	broadcaster dispatcher.Broadcaster
	started     time.Time
}

// New builds the routed server. Admin routes are registered only when an
// admin key is configured.
func New(cfg coreconfig.AdminConfig, l dispatcher.Ledger, c dispatcher.Catalog, p dispatcher.Pinger, b dispatcher.Broadcaster) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		cfg:         cfg,
		router:      router,
		ledger:      l,
		catalog:     c,
		pinger:      p,
		broadcaster: b,
		started:     time.Now(),
	}

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.Key != "" {
		admin := router.Group("/admin")
		admin.Use(requireAdminKey(cfg.Key))
		{
			admin.POST("/balance", s.addBalance)
			admin.GET("/services", s.listServices)
			admin.POST("/services", s.addService)
			admin.DELETE("/services/:id", s.removeService)
			admin.GET("/users", s.listUsers)
			admin.POST("/broadcast", s.broadcast)
			admin.POST("/autopinger/:action", s.autopinger)
		}
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves on the configured listen address until Shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Admin.Info("admin server listening",
		slog.String("event", "admin.listen"),
		slog.String("addr", s.cfg.Listen),
	)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Admin.Debug("http request",
			slog.String("event", "admin.request"),
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// requireAdminKey gates the admin group behind the shared secret. A missing
// or wrong key is indistinguishable to the caller.
func requireAdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Key") != key {
			logger.Admin.Warn("admin auth failed",
				slog.String("event", "admin.auth.fail"),
				slog.String("remote", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
