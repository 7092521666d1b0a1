// Package web exposes the alarm configuration, the calendar and the
// notification queue over a JSON HTTP API.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"schoolalarm/internal/app"
	"schoolalarm/internal/auth"
	"schoolalarm/internal/config"
	appLog "schoolalarm/internal/log"
)

const shutdownTimeout = 5 * time.Second

// Server provides HTTP APIs for the alarm configuration and schedule.
type Server struct {
	cfg    *config.Config
	app    *app.App
	engine *gin.Engine
}

// NewServer constructs a new Server with its routes registered.
func NewServer(cfg *config.Config, a *app.App) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		app:    a,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.Use(requestLogger(appLog.Logger()))
	if s.basicAuthEnabled() {
		s.engine.Use(s.basicAuth())
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) basicAuthEnabled() bool {
	return s.cfg != nil && s.cfg.BasicAuth != nil &&
		s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.PasswordHash != ""
}

// basicAuth guards every route except /health.
func (s *Server) basicAuth() gin.HandlerFunc {
	username := s.cfg.BasicAuth.Username
	hash := s.cfg.BasicAuth.PasswordHash

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		u, p, ok := c.Request.BasicAuth()
		if !ok || !auth.Check(u, p, username, hash) {
			appLog.Warn("failed auth attempt", "ip", c.ClientIP(), "user", u)
			c.Header("WWW-Authenticate", `Basic realm="schoolalarm", charset="UTF-8"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestLogger logs one structured line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()))
		}

		switch {
		case status >= 500:
			logger.Error("request failed", fields...)
		case status >= 400:
			logger.Warn("client error", fields...)
		default:
			logger.Debug("request completed", fields...)
		}
	}
}
