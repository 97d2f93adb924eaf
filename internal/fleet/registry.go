// Package fleet tracks the live relay-server fleet: registration, load
// reports, liveness, and least-loaded server selection.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/config"
	"github.com/tunnelmesh/fleet/internal/domain"
	"github.com/tunnelmesh/fleet/internal/logger"
	"github.com/tunnelmesh/fleet/internal/metrics"
	"github.com/tunnelmesh/fleet/internal/models"
	"github.com/tunnelmesh/fleet/internal/statestore"
)

// ErrNoServerAvailable is returned by GetBestServer when every active server
// is saturated or the fleet is empty.
var ErrNoServerAvailable = errors.New("no relay server available")

// ErrServerNotFound is returned when a load report or status change names an
// unknown server.
var ErrServerNotFound = errors.New("relay server not found")

// Registry is the authoritative view of the relay fleet. Live records go to
// the shared state store with a TTL so crashed servers age out; registration
// and explicit status changes are also mirrored to the durable store.
type Registry struct {
	store     statestore.StateStore
	durable   domain.InstanceStore
	cfg       config.FleetConfig
	namespace string
	log       *zap.Logger

	// Local cache of last-known records, used when the state store is
	// unreachable. Never authoritative: TTL expiry only happens in the store.
	mu    sync.RWMutex
	cache map[string]*models.RelayServer

	now func() time.Time
}

// NewRegistry builds a fleet registry on top of the shared state store.
func NewRegistry(store statestore.StateStore, durable domain.InstanceStore, cfg config.FleetConfig, namespace string) *Registry {
	return &Registry{
		store:     store,
		durable:   durable,
		cfg:       cfg,
		namespace: namespace,
		log:       logger.New("fleet"),
		cache:     make(map[string]*models.RelayServer),
		now:       time.Now,
	}
}

// RegisterServer adds a server to the active fleet, or refreshes it if the
// id is already registered. Re-registration overwrites capacity fields but
// preserves the original RegisteredAt so selection tie-breaks stay stable.
func (r *Registry) RegisterServer(ctx context.Context, srv *models.RelayServer) (*models.RelayServer, error) {
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	if srv.Port == 0 {
		srv.Port = r.cfg.DefaultServerPort
	}
	if srv.MaxBandwidthMbps <= 0 {
		srv.MaxBandwidthMbps = r.cfg.DefaultMaxBandwidthMbps
	}
	if srv.MaxConcurrentTunnels <= 0 {
		srv.MaxConcurrentTunnels = r.cfg.DefaultMaxTunnels
	}
	srv.Status = models.ServerStatusActive
	now := r.now()
	srv.LastHealthCheck = now
	srv.RegisteredAt = now

	if prev, err := r.getServer(ctx, srv.ID); err == nil && prev != nil {
		srv.RegisteredAt = prev.RegisteredAt
		srv.CurrentTunnels = prev.CurrentTunnels
		srv.CurrentBandwidthMbps = prev.CurrentBandwidthMbps
	}

	if err := r.putServer(ctx, srv); err != nil {
		return nil, err
	}
	if err := r.durable.UpsertServer(ctx, srv); err != nil {
		// The live record is already in place; log and carry on.
		r.log.Error("Durable server upsert failed", zap.String("server_id", srv.ID), zap.Error(err))
	}

	metrics.ServerRegistrations.Inc()
	r.log.Info("Relay server registered",
		zap.String("server_id", srv.ID),
		zap.String("host", srv.Host),
		zap.Int("port", srv.Port),
		zap.Int("max_tunnels", srv.MaxConcurrentTunnels),
		zap.Float64("max_bandwidth_mbps", srv.MaxBandwidthMbps))
	return srv, nil
}

// UpdateServerLoad records a server's current load and renews its liveness
// window. Unknown ids return ErrServerNotFound; a server whose TTL already
// lapsed must re-register.
func (r *Registry) UpdateServerLoad(ctx context.Context, serverID string, currentTunnels int, currentBandwidthMbps float64) error {
	srv, err := r.getServer(ctx, serverID)
	if err != nil {
		return err
	}

	srv.CurrentTunnels = currentTunnels
	srv.CurrentBandwidthMbps = currentBandwidthMbps
	srv.LastHealthCheck = r.now()

	if err := r.putServer(ctx, srv); err != nil {
		return err
	}
	metrics.ServerLoadReports.Inc()
	return nil
}

// MarkUnhealthy removes a server from selection without deleting its record.
func (r *Registry) MarkUnhealthy(ctx context.Context, serverID string) error {
	srv, err := r.getServer(ctx, serverID)
	if err != nil {
		return err
	}
	srv.Status = models.ServerStatusUnhealthy
	if err := r.putServer(ctx, srv); err != nil {
		return err
	}
	if err := r.durable.UpdateServerStatus(ctx, serverID, models.ServerStatusUnhealthy); err != nil {
		r.log.Error("Durable server status update failed", zap.String("server_id", serverID), zap.Error(err))
	}
	r.log.Warn("Relay server marked unhealthy", zap.String("server_id", serverID))
	return nil
}

// GetActiveServers returns all live servers with active status, ordered by
// registration time (oldest first, id as tie-break).
func (r *Registry) GetActiveServers(ctx context.Context) ([]*models.RelayServer, error) {
	entries, err := r.store.List(ctx, statestore.ServersPrefix(r.namespace))
	if err != nil {
		r.log.Warn("State store list failed, serving cached fleet view", zap.Error(err))
		return r.cachedActive(), nil
	}

	servers := make([]*models.RelayServer, 0, len(entries))
	for _, e := range entries {
		var srv models.RelayServer
		if err := json.Unmarshal(e.Value, &srv); err != nil {
			r.log.Warn("Skipping undecodable server record", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		if srv.Status != models.ServerStatusActive {
			continue
		}
		servers = append(servers, &srv)
	}
	sortServers(servers)
	metrics.ActiveServers.Set(float64(len(servers)))
	return servers, nil
}

// GetBestServer returns the active, non-saturated server with the lowest
// overall utilization. Earlier-registered servers win ties.
func (r *Registry) GetBestServer(ctx context.Context) (*models.RelayServer, error) {
	servers, err := r.GetActiveServers(ctx)
	if err != nil {
		return nil, err
	}

	var best *models.RelayServer
	for _, srv := range servers {
		if srv.Saturated() {
			continue
		}
		if best == nil || srv.Utilization() < best.Utilization() {
			best = srv
		}
	}
	if best == nil {
		return nil, ErrNoServerAvailable
	}
	return best, nil
}

// GetFleetStats aggregates capacity and load across the active fleet.
func (r *Registry) GetFleetStats(ctx context.Context) (*models.FleetStats, error) {
	servers, err := r.GetActiveServers(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.FleetStats{
		ActiveServers: len(servers),
		Servers:       make([]models.ServerStats, 0, len(servers)),
	}
	for _, srv := range servers {
		stats.TotalTunnelSlots += srv.MaxConcurrentTunnels
		stats.UsedTunnelSlots += srv.CurrentTunnels
		stats.TotalBandwidthMbps += srv.MaxBandwidthMbps
		stats.UsedBandwidthMbps += srv.CurrentBandwidthMbps
		stats.Servers = append(stats.Servers, models.ServerStats{
			ID:                   srv.ID,
			Host:                 srv.Host,
			Location:             srv.Location,
			CurrentTunnels:       srv.CurrentTunnels,
			MaxConcurrentTunnels: srv.MaxConcurrentTunnels,
			CurrentBandwidthMbps: srv.CurrentBandwidthMbps,
			MaxBandwidthMbps:     srv.MaxBandwidthMbps,
			UtilizationPercent:   srv.Utilization() * 100,
		})
	}
	if stats.TotalTunnelSlots > 0 {
		stats.UtilizationPercent = float64(stats.UsedTunnelSlots) / float64(stats.TotalTunnelSlots) * 100
	}
	metrics.FleetUtilization.Set(stats.UtilizationPercent)
	return stats, nil
}

func (r *Registry) getServer(ctx context.Context, serverID string) (*models.RelayServer, error) {
	val, ok, err := r.store.Get(ctx, statestore.ServerKey(r.namespace, serverID))
	if err != nil {
		r.mu.RLock()
		cached, hit := r.cache[serverID]
		r.mu.RUnlock()
		if hit {
			cp := *cached
			return &cp, nil
		}
		return nil, err
	}
	if !ok {
		return nil, ErrServerNotFound
	}
	var srv models.RelayServer
	if err := json.Unmarshal(val, &srv); err != nil {
		return nil, err
	}
	return &srv, nil
}

func (r *Registry) putServer(ctx context.Context, srv *models.RelayServer) error {
	val, err := json.Marshal(srv)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, statestore.ServerKey(r.namespace, srv.ID), val, r.cfg.ServerTTL); err != nil {
		return err
	}
	cp := *srv
	r.mu.Lock()
	r.cache[srv.ID] = &cp
	r.mu.Unlock()
	return nil
}

func (r *Registry) cachedActive() []*models.RelayServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.RelayServer, 0, len(r.cache))
	for _, srv := range r.cache {
		if srv.Status != models.ServerStatusActive {
			continue
		}
		cp := *srv
		out = append(out, &cp)
	}
	sortServers(out)
	return out
}

func sortServers(servers []*models.RelayServer) {
	sort.Slice(servers, func(i, j int) bool {
		if !servers[i].RegisteredAt.Equal(servers[j].RegisteredAt) {
			return servers[i].RegisteredAt.Before(servers[j].RegisteredAt)
		}
		return servers[i].ID < servers[j].ID
	})
}
