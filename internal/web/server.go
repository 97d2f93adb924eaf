// Package web is the HTTP boundary: it decodes requests, invokes the fleet,
// capacity, and status components, and maps typed errors to status codes.
package web

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/capacity"
	"github.com/tunnelmesh/fleet/internal/config"
	"github.com/tunnelmesh/fleet/internal/domain"
	apperrors "github.com/tunnelmesh/fleet/internal/errors"
	"github.com/tunnelmesh/fleet/internal/events"
	"github.com/tunnelmesh/fleet/internal/fleet"
	"github.com/tunnelmesh/fleet/internal/health"
	"github.com/tunnelmesh/fleet/internal/limiter"
	"github.com/tunnelmesh/fleet/internal/logger"
	"github.com/tunnelmesh/fleet/internal/status"
)

// Server hosts the control-plane API.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger

	registry   *fleet.Registry
	capacity   *capacity.Manager
	engine     *status.Engine
	dispatcher *events.Dispatcher
	db         domain.InstanceStore
	checker    *health.Checker
	limiter    *limiter.KeyedLimiter
}

// NewServer wires the API routes.
func NewServer(cfg config.APIConfig, registry *fleet.Registry, capMgr *capacity.Manager,
	engine *status.Engine, dispatcher *events.Dispatcher, db domain.InstanceStore,
	checker *health.Checker, lim *limiter.KeyedLimiter) *Server {

	s := &Server{
		log:        logger.New("web"),
		registry:   registry,
		capacity:   capMgr,
		engine:     engine,
		dispatcher: dispatcher,
		db:         db,
		checker:    checker,
		limiter:    lim,
	}

	mux := http.NewServeMux()

	// Instance lifecycle and signals.
	mux.Handle("POST /api/instances", apperrors.WrapHandler(s.handleCreateInstance))
	mux.Handle("GET /api/instances/{id}", apperrors.WrapHandler(s.handleGetInstance))
	mux.Handle("POST /api/instances/{id}/heartbeat", apperrors.WrapHandler(s.handleHeartbeat))
	mux.Handle("POST /api/instances/{id}/tunnel/connected", apperrors.WrapHandler(s.handleTunnelConnected))
	mux.Handle("POST /api/instances/{id}/tunnel/disconnected", apperrors.WrapHandler(s.handleTunnelDisconnected))
	mux.Handle("GET /api/instances/{id}/history", apperrors.WrapHandler(s.handleGetHistory))
	mux.Handle("GET /api/instances/{id}/uptime", apperrors.WrapHandler(s.handleGetUptime))

	// Fleet registry.
	mux.Handle("POST /api/servers/register", apperrors.WrapHandler(s.handleRegisterServer))
	mux.Handle("POST /api/servers/{id}/load", apperrors.WrapHandler(s.handleServerLoad))
	mux.Handle("POST /api/servers/{id}/unhealthy", apperrors.WrapHandler(s.handleServerUnhealthy))
	mux.Handle("GET /api/servers/best", apperrors.WrapHandler(s.handleBestServer))
	mux.Handle("GET /api/fleet/stats", apperrors.WrapHandler(s.handleFleetStats))

	// Capacity.
	mux.Handle("GET /api/capacity", apperrors.WrapHandler(s.handleSystemCapacity))
	mux.Handle("GET /api/capacity/stats", apperrors.WrapHandler(s.handleCapacityStats))
	mux.Handle("GET /api/users/{id}/quota", apperrors.WrapHandler(s.handleUserQuota))

	// Operational surfaces.
	mux.HandleFunc("GET /health", s.checker.Handler)
	mux.Handle("GET /ws/events", events.StreamHandler(s.dispatcher))

	handler := apperrors.RecoveryMiddleware(s.requestLog(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLog logs each request with latency at debug level.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}
