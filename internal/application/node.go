// Package application wires the control plane together: durable store,
// shared state store, fleet registry, capacity manager, status engine, event
// fan-out, and the HTTP boundary.
package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/config"
	"github.com/tunnelmesh/fleet/internal/domain"
	"github.com/tunnelmesh/fleet/internal/events"
	"github.com/tunnelmesh/fleet/internal/fleet"
	"github.com/tunnelmesh/fleet/internal/limiter"
	"github.com/tunnelmesh/fleet/internal/logger"
	"github.com/tunnelmesh/fleet/internal/metrics"
	"github.com/tunnelmesh/fleet/internal/statestore"
	"github.com/tunnelmesh/fleet/internal/status"
	"github.com/tunnelmesh/fleet/internal/web"
	"github.com/tunnelmesh/fleet/internal/workers"

	capc "github.com/tunnelmesh/fleet/internal/capacity"
)

const limiterCleanupInterval = time.Hour

// Node ties together the components of the control plane.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	db       domain.InstanceStore
	dbCloser func()
	store    statestore.StateStore

	Registry   *fleet.Registry
	Capacity   *capc.Manager
	Dispatcher *events.Dispatcher
	Engine     *status.Engine
	Limiter    *limiter.KeyedLimiter

	pool   *workers.Pool
	server *web.Server
}

// New creates and configures a Node using the builder.
func New(ctx context.Context, cfg *config.Config, version string) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg, version)

	if err := builder.BuildDB(); err != nil {
		return nil, err
	}
	if err := builder.BuildStateStore(); err != nil {
		return nil, err
	}
	builder.BuildFleet()
	builder.BuildCapacity()
	builder.BuildDispatcher()
	builder.BuildStatusEngine()
	builder.BuildRateLimiter()
	builder.BuildWeb()

	node, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start launches the background loops and the API server. Returns once the
// listener is up; errors from the listener arrive on the returned channel.
func (n *Node) Start() <-chan error {
	errCh := make(chan error, 1)

	go n.Engine.Start(n.ctx)
	go n.limiterJanitor()

	if n.config.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(n.config.Metrics.Port); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := n.server.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("Node started",
		zap.String("api_addr", n.config.API.ListenAddr),
		zap.Bool("distributed_state", n.config.StateStore.Distributed))
	return errCh
}

func (n *Node) limiterJanitor() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.Limiter.Cleanup(limiterCleanupInterval)
		}
	}
}

// Shutdown stops the node gracefully: drain HTTP, stop background loops,
// flush the worker pool, release stores.
func (n *Node) Shutdown() {
	logger.Info("Initiating graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := n.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	n.cancel()
	if n.pool != nil {
		n.pool.Stop()
	}
	if err := n.store.Close(); err != nil {
		logger.Warn("State store close failed", zap.Error(err))
	}
	if n.dbCloser != nil {
		n.dbCloser()
	}
	logger.Info("Shutdown complete")
}
