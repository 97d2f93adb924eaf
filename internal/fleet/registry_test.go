package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/fleet/internal/config"
	"github.com/tunnelmesh/fleet/internal/instances"
	"github.com/tunnelmesh/fleet/internal/models"
	"github.com/tunnelmesh/fleet/internal/statestore"
)

const testNamespace = "/test/v1"

func testFleetConfig() config.FleetConfig {
	return config.FleetConfig{
		ServerTTL:               60 * time.Second,
		DefaultServerPort:       7835,
		DefaultMaxBandwidthMbps: 1000,
		DefaultMaxTunnels:       100,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *statestore.Memory) {
	t.Helper()
	store := statestore.NewMemory()
	reg := NewRegistry(store, instances.NewMemoryStore(), testFleetConfig(), testNamespace)
	return reg, store
}

func TestRegisterServerDefaults(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	srv, err := reg.RegisterServer(ctx, &models.RelayServer{Host: "relay-1.example.com"})
	require.NoError(t, err)

	assert.NotEmpty(t, srv.ID, "missing id should be generated")
	assert.Equal(t, 7835, srv.Port)
	assert.Equal(t, float64(1000), srv.MaxBandwidthMbps)
	assert.Equal(t, 100, srv.MaxConcurrentTunnels)
	assert.Equal(t, models.ServerStatusActive, srv.Status)
	assert.False(t, srv.RegisteredAt.IsZero())
}

func TestRegisterServerIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.RegisterServer(ctx, &models.RelayServer{
		ID:                   "srv-1",
		Host:                 "relay-1.example.com",
		MaxConcurrentTunnels: 50,
	})
	require.NoError(t, err)

	// Re-register with updated capacity; one logical entry, latest capacity,
	// original registration time.
	second, err := reg.RegisterServer(ctx, &models.RelayServer{
		ID:                   "srv-1",
		Host:                 "relay-1.example.com",
		MaxConcurrentTunnels: 80,
	})
	require.NoError(t, err)

	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, 80, second.MaxConcurrentTunnels)

	servers, err := reg.GetActiveServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, 80, servers[0].MaxConcurrentTunnels)
}

func TestGetBestServerPicksLeastLoaded(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterServer(ctx, &models.RelayServer{ID: "a", Host: "a", MaxConcurrentTunnels: 100})
	require.NoError(t, err)
	_, err = reg.RegisterServer(ctx, &models.RelayServer{ID: "b", Host: "b", MaxConcurrentTunnels: 100})
	require.NoError(t, err)

	require.NoError(t, reg.UpdateServerLoad(ctx, "a", 90, 0))
	require.NoError(t, reg.UpdateServerLoad(ctx, "b", 10, 0))

	best, err := reg.GetBestServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", best.ID)
}

func TestGetBestServerLowestUtilizationInvariant(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	loads := map[string]struct {
		tunnels int
		bw      float64
	}{
		"a": {50, 900}, // bandwidth-bound: 0.9
		"b": {70, 100}, // tunnel-bound: 0.7
		"c": {30, 300}, // 0.3
	}
	for id := range loads {
		_, err := reg.RegisterServer(ctx, &models.RelayServer{ID: id, Host: id, MaxConcurrentTunnels: 100, MaxBandwidthMbps: 1000})
		require.NoError(t, err)
	}
	for id, l := range loads {
		require.NoError(t, reg.UpdateServerLoad(ctx, id, l.tunnels, l.bw))
	}

	best, err := reg.GetBestServer(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", best.ID)

	servers, err := reg.GetActiveServers(ctx)
	require.NoError(t, err)
	for _, srv := range servers {
		if !srv.Saturated() {
			assert.LessOrEqual(t, best.Utilization(), srv.Utilization())
		}
	}
}

func TestGetBestServerUsesBindingConstraint(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	// a averages lower but its bandwidth ratio (0.9) binds; b is 0.5 on both.
	_, err := reg.RegisterServer(ctx, &models.RelayServer{ID: "a", Host: "a", MaxConcurrentTunnels: 100, MaxBandwidthMbps: 1000})
	require.NoError(t, err)
	_, err = reg.RegisterServer(ctx, &models.RelayServer{ID: "b", Host: "b", MaxConcurrentTunnels: 100, MaxBandwidthMbps: 1000})
	require.NoError(t, err)

	require.NoError(t, reg.UpdateServerLoad(ctx, "a", 10, 900))
	require.NoError(t, reg.UpdateServerLoad(ctx, "b", 50, 500))

	best, err := reg.GetBestServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", best.ID)
}

func TestGetBestServerNoneAvailable(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	// Empty fleet.
	_, err := reg.GetBestServer(ctx)
	assert.ErrorIs(t, err, ErrNoServerAvailable)

	// Every server saturated.
	_, err = reg.RegisterServer(ctx, &models.RelayServer{ID: "a", Host: "a", MaxConcurrentTunnels: 10})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateServerLoad(ctx, "a", 10, 0))

	_, err = reg.GetBestServer(ctx)
	assert.ErrorIs(t, err, ErrNoServerAvailable)

	// One slot frees up.
	require.NoError(t, reg.UpdateServerLoad(ctx, "a", 9, 0))
	best, err := reg.GetBestServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", best.ID)
}

func TestGetBestServerTieBreakByRegistrationOrder(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }
	_, err := reg.RegisterServer(ctx, &models.RelayServer{ID: "first", Host: "first"})
	require.NoError(t, err)

	reg.now = func() time.Time { return base.Add(time.Minute) }
	_, err = reg.RegisterServer(ctx, &models.RelayServer{ID: "second", Host: "second"})
	require.NoError(t, err)

	best, err := reg.GetBestServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", best.ID)
}

func TestServerDropsOutAfterTTL(t *testing.T) {
	store := statestore.NewMemory()
	reg := NewRegistry(store, instances.NewMemoryStore(), testFleetConfig(), testNamespace)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	_, err := reg.RegisterServer(ctx, &models.RelayServer{ID: "a", Host: "a"})
	require.NoError(t, err)

	servers, err := reg.GetActiveServers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 1)

	// A load report inside the window renews the TTL.
	now = now.Add(50 * time.Second)
	require.NoError(t, reg.UpdateServerLoad(ctx, "a", 1, 0))

	now = now.Add(50 * time.Second)
	servers, err = reg.GetActiveServers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 1, "load report should have renewed liveness")

	// Silence past the TTL ages the server out.
	now = now.Add(61 * time.Second)
	servers, err = reg.GetActiveServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestMarkUnhealthyRemovesFromActiveSet(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterServer(ctx, &models.RelayServer{ID: "a", Host: "a"})
	require.NoError(t, err)
	require.NoError(t, reg.MarkUnhealthy(ctx, "a"))

	servers, err := reg.GetActiveServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, servers)

	_, err = reg.GetBestServer(ctx)
	assert.ErrorIs(t, err, ErrNoServerAvailable)
}

func TestUpdateServerLoadUnknownServer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.UpdateServerLoad(context.Background(), "ghost", 1, 0)
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestGetFleetStatsAggregates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterServer(ctx, &models.RelayServer{ID: "a", Host: "a", MaxConcurrentTunnels: 100, MaxBandwidthMbps: 1000})
	require.NoError(t, err)
	_, err = reg.RegisterServer(ctx, &models.RelayServer{ID: "b", Host: "b", MaxConcurrentTunnels: 100, MaxBandwidthMbps: 1000})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateServerLoad(ctx, "a", 30, 100))
	require.NoError(t, reg.UpdateServerLoad(ctx, "b", 20, 200))

	stats, err := reg.GetFleetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActiveServers)
	assert.Equal(t, 200, stats.TotalTunnelSlots)
	assert.Equal(t, 50, stats.UsedTunnelSlots)
	assert.Equal(t, float64(2000), stats.TotalBandwidthMbps)
	assert.Equal(t, float64(300), stats.UsedBandwidthMbps)
	assert.InDelta(t, 25.0, stats.UtilizationPercent, 0.001)
	assert.Len(t, stats.Servers, 2)
}
