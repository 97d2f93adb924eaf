package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/alerts"
	"github.com/tunnelmesh/fleet/internal/capacity"
	"github.com/tunnelmesh/fleet/internal/config"
	"github.com/tunnelmesh/fleet/internal/constants"
	"github.com/tunnelmesh/fleet/internal/domain"
	"github.com/tunnelmesh/fleet/internal/events"
	"github.com/tunnelmesh/fleet/internal/fleet"
	"github.com/tunnelmesh/fleet/internal/health"
	"github.com/tunnelmesh/fleet/internal/instances"
	"github.com/tunnelmesh/fleet/internal/limiter"
	"github.com/tunnelmesh/fleet/internal/logger"
	"github.com/tunnelmesh/fleet/internal/statestore"
	"github.com/tunnelmesh/fleet/internal/status"
	"github.com/tunnelmesh/fleet/internal/web"
	"github.com/tunnelmesh/fleet/internal/workers"
)

// NodeBuilder incrementally constructs a Node.
type NodeBuilder struct {
	ctx     context.Context
	cancel  context.CancelFunc
	config  *config.Config
	version string

	db         domain.InstanceStore
	dbCloser   func()
	store      statestore.StateStore
	registry   *fleet.Registry
	capacity   *capacity.Manager
	dispatcher *events.Dispatcher
	alerts     *alerts.Manager
	pool       *workers.Pool
	engine     *status.Engine
	limiter    *limiter.KeyedLimiter
	checker    *health.Checker
	server     *web.Server
}

// NewNodeBuilder creates a builder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config, version string) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:     c,
		cancel:  cancel,
		config:  cfg,
		version: version,
	}
}

// BuildDB connects to the durable instance store.
func (b *NodeBuilder) BuildDB() error {
	dbURI := b.config.Database.URL
	if dbURI == "" {
		dbURI = fmt.Sprintf("postgres://root@%s:%d/%s?sslmode=disable",
			b.config.Database.Server, b.config.Database.Port, constants.DatabaseName)
	}

	store, err := instances.InitStore(b.ctx, dbURI, b.config.Database.MaxInstances)
	if err != nil {
		b.cancel()
		return fmt.Errorf("failed building db: %w", err)
	}
	b.db = store
	b.dbCloser = store.Close
	return nil
}

// BuildStateStore selects the shared state store: etcd when distributed mode
// is on, an in-process map otherwise.
func (b *NodeBuilder) BuildStateStore() error {
	if !b.config.StateStore.Distributed {
		logger.Info("State store: in-process (single-instance mode)")
		b.store = statestore.NewMemory()
		return nil
	}

	logger.Info("State store: etcd",
		zap.Strings("endpoints", b.config.StateStore.Endpoints),
		zap.String("namespace", b.config.StateStore.Namespace))
	store, err := statestore.NewEtcd(b.config.StateStore.Endpoints, b.config.StateStore.DialTimeout)
	if err != nil {
		b.cancel()
		return fmt.Errorf("failed building state store: %w", err)
	}
	b.store = store
	return nil
}

// BuildFleet assembles the fleet registry.
func (b *NodeBuilder) BuildFleet() {
	b.registry = fleet.NewRegistry(b.store, b.db, b.config.Fleet, b.config.StateStore.Namespace)
}

// BuildCapacity assembles the admission-control manager.
func (b *NodeBuilder) BuildCapacity() {
	b.capacity = capacity.NewManager(b.registry, b.db, b.config.Capacity, b.config.Plans)
}

// BuildDispatcher assembles the event fan-out.
func (b *NodeBuilder) BuildDispatcher() {
	b.dispatcher = events.NewDispatcher()
}

// BuildStatusEngine assembles alerting, the worker pool, and the status
// engine itself.
func (b *NodeBuilder) BuildStatusEngine() {
	b.alerts = alerts.NewManager(alerts.NewLogNotifier(), b.config.Status.AlertCooldown)
	b.pool = workers.NewPool(4, 256)
	b.engine = status.NewEngine(b.store, b.db, b.dispatcher, b.alerts, b.pool,
		b.config.Status, b.config.StateStore.Namespace)
}

// BuildRateLimiter assembles the heartbeat ingest limiter.
func (b *NodeBuilder) BuildRateLimiter() {
	b.limiter = limiter.NewKeyedLimiter(b.config.Throttling)
}

// BuildWeb assembles the health checker and the HTTP server.
func (b *NodeBuilder) BuildWeb() {
	var pinger health.Pinger
	if b.db != nil {
		pinger = b.db
	}
	b.checker = health.NewChecker(pinger, b.store, b.config.StateStore.Namespace, b.version)
	b.server = web.NewServer(b.config.API, b.registry, b.capacity, b.engine,
		b.dispatcher, b.db, b.checker, b.limiter)
}

// Build assembles the final Node.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.db == nil || b.store == nil || b.engine == nil || b.server == nil {
		b.cancel()
		return nil, fmt.Errorf("node builder incomplete")
	}
	return &Node{
		ctx:        b.ctx,
		cancel:     b.cancel,
		config:     b.config,
		db:         b.db,
		dbCloser:   b.dbCloser,
		store:      b.store,
		Registry:   b.registry,
		Capacity:   b.capacity,
		Dispatcher: b.dispatcher,
		Engine:     b.engine,
		Limiter:    b.limiter,
		pool:       b.pool,
		server:     b.server,
	}, nil
}
