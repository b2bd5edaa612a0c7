// Package api is the HTTP server half of the peer wire contract, exposing
// the registry, sync, and mesh surfaces to other instances.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/meshmind/meshmind/internal/auth"
	"github.com/meshmind/meshmind/internal/memsync"
	"github.com/meshmind/meshmind/internal/mesh"
	"github.com/meshmind/meshmind/internal/observability"
	"github.com/meshmind/meshmind/internal/registry"
)

// Config holds server settings.
type Config struct {
	Addr        string
	InstanceID  string
	CORSOrigins []string
}

// Deps are the component services the routes dispatch into. Validator is
// optional; when nil the distributed group runs open.
type Deps struct {
	Registry  *registry.Registry
	Sync      *memsync.Protocol
	Mesh      *mesh.Network
	Validator auth.Validator
}

// Server serves the distributed endpoints plus health, ready, and metrics.
type Server struct {
	cfg      Config
	deps     Deps
	router   *gin.Engine
	http     *http.Server
	appeared time.Time
}

// NewServer builds the router with the standard middleware chain and
// registers all routes.
func NewServer(cfg Config, deps Deps) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.InstanceID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		router:   r,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start begins serving in the background. Errors other than a clean close
// are logged, not returned; Stop owns the shutdown path.
func (s *Server) Start() {
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	go func() {
		log.Info().
			Str("instance", s.cfg.InstanceID).
			Str("addr", s.cfg.Addr).
			Msg("api server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("api server stopped")
		}
	}()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// requireToken guards a route group with bearer-token validation. With no
// validator configured the group runs open.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Validator == nil {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if err := s.deps.Validator.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
