// Package httpapi is the local control plane: a small HTTP surface for
// inspecting sync health and managing origins.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/driveback/driveback/internal/engine"
	"github.com/driveback/driveback/internal/metadata"
	"github.com/driveback/driveback/internal/status"
	"github.com/driveback/driveback/internal/version"
)

const opTimeout = 30 * time.Second

type Server struct {
	engine *engine.SyncEngine
	store  *metadata.Store
	srv    *http.Server
}

func New(addr string, eng *engine.SyncEngine, store *metadata.Store) *Server {
	s := &Server{engine: eng, store: store}
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}
	return s
}

func (s *Server) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(sloggin.New(slog.Default()))
	r.Use(cors.Default())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"name": version.AppName, "version": version.Version})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)

		origins := v1.Group("/origins")
		{
			origins.GET("", s.listOrigins)
			origins.POST("/:origin/register", s.registerOrigin)
			origins.POST("/:origin/enable", s.enableOrigin)
			origins.POST("/:origin/disable", s.disableOrigin)
			origins.DELETE("/:origin", s.uninstallOrigin)
		}

		v1.POST("/sync/check", s.checkRemote)
	}

	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("control plane listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) getStatus(c *gin.Context) {
	state, description := s.engine.GetCurrentState()
	c.JSON(http.StatusOK, gin.H{
		"state":       state,
		"description": description,
		"version":     version.Version,
	})
}

func (s *Server) listOrigins(c *gin.Context) {
	origins, err := s.store.Origins()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"origins": origins})
}

func (s *Server) registerOrigin(c *gin.Context) {
	s.runOriginOp(c, func(origin string, done func(status.Code)) {
		s.engine.RegisterOrigin(origin, done)
	})
}

func (s *Server) enableOrigin(c *gin.Context) {
	s.runOriginOp(c, func(origin string, done func(status.Code)) {
		s.engine.EnableOrigin(origin, done)
	})
}

func (s *Server) disableOrigin(c *gin.Context) {
	s.runOriginOp(c, func(origin string, done func(status.Code)) {
		s.engine.DisableOrigin(origin, done)
	})
}

func (s *Server) uninstallOrigin(c *gin.Context) {
	purge := c.Query("purge") == "true"
	s.runOriginOp(c, func(origin string, done func(status.Code)) {
		s.engine.UninstallOrigin(origin, purge, done)
	})
}

func (s *Server) checkRemote(c *gin.Context) {
	s.engine.OnNotificationReceived()
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func (s *Server) runOriginOp(c *gin.Context, op func(origin string, done func(status.Code))) {
	origin := c.Param("origin")
	if origin == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "origin is required"})
		return
	}

	done := make(chan status.Code, 1)
	op(origin, func(code status.Code) { done <- code })

	select {
	case code := <-done:
		c.JSON(httpCode(code), gin.H{"origin": origin, "status": code})
	case <-time.After(opTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"origin": origin, "error": "operation timed out"})
	}
}

func httpCode(code status.Code) int {
	switch {
	case code == status.OK:
		return http.StatusOK
	case code == status.Retry, code == status.FileBusy:
		return http.StatusConflict
	case code.IsAuthError():
		return http.StatusUnauthorized
	case code.IsTransient():
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
