package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/fleet/internal/alerts"
	"github.com/tunnelmesh/fleet/internal/capacity"
	"github.com/tunnelmesh/fleet/internal/config"
	"github.com/tunnelmesh/fleet/internal/events"
	"github.com/tunnelmesh/fleet/internal/fleet"
	"github.com/tunnelmesh/fleet/internal/health"
	"github.com/tunnelmesh/fleet/internal/instances"
	"github.com/tunnelmesh/fleet/internal/limiter"
	"github.com/tunnelmesh/fleet/internal/models"
	"github.com/tunnelmesh/fleet/internal/statestore"
	"github.com/tunnelmesh/fleet/internal/status"
	"github.com/tunnelmesh/fleet/internal/workers"
)

type apiFixture struct {
	handler http.Handler
	db      *instances.MemoryStore
	store   *statestore.Memory
}

func newAPIFixture(t *testing.T) *apiFixture {
	return newAPIFixtureWithLimiter(t, config.ThrottlingConfig{HeartbeatsPerSecond: 100, HeartbeatBurst: 100})
}

func newAPIFixtureWithLimiter(t *testing.T, throttling config.ThrottlingConfig) *apiFixture {
	t.Helper()

	const namespace = "/test/v1"
	db := instances.NewMemoryStore()
	store := statestore.NewMemory()

	fleetCfg := config.FleetConfig{
		ServerTTL:               time.Minute,
		DefaultServerPort:       7835,
		DefaultMaxBandwidthMbps: 1000,
		DefaultMaxTunnels:       100,
	}
	registry := fleet.NewRegistry(store, db, fleetCfg, namespace)

	capMgr := capacity.NewManager(registry, db,
		config.CapacityConfig{ReservedPercent: 20, StaticTotalCapacity: 100},
		config.PlansConfig{Trial: 1, Pro: 5, Enterprise: 20})

	dispatcher := events.NewDispatcher()
	pool := workers.NewPool(1, 16)
	t.Cleanup(pool.Stop)

	engine := status.NewEngine(store, db, dispatcher,
		alerts.NewManager(alerts.NewLogNotifier(), 5*time.Minute), pool,
		config.StatusConfig{
			HeartbeatTimeout: 30 * time.Second,
			SweepInterval:    5 * time.Second,
			IdleTimeout:      30 * time.Minute,
			AlertCooldown:    5 * time.Minute,
			HistoryLimit:     100,
		}, namespace)

	lim := limiter.NewKeyedLimiter(throttling)
	checker := health.NewChecker(db, store, namespace, "test")

	apiCfg := config.APIConfig{ListenAddr: ":0", ReadTimeout: 10 * time.Second, WriteTimeout: 15 * time.Second}
	srv := NewServer(apiCfg, registry, capMgr, engine, dispatcher, db, checker, lim)

	return &apiFixture{handler: srv.httpServer.Handler, db: db, store: store}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) registerServer(t *testing.T, id string, maxTunnels int) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/servers/register", map[string]any{
		"id":                   id,
		"host":                 id + ".relay.example.com",
		"maxConcurrentTunnels": maxTunnels,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCreateInstancePlacesOnBestServer(t *testing.T) {
	f := newAPIFixture(t)
	f.db.PutUser("u1", &models.Plan{Name: "pro"})
	f.registerServer(t, "srv-a", 10)

	rec := f.do(t, http.MethodPost, "/api/instances", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp createInstanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Instance.ID)
	assert.Equal(t, "u1", resp.Instance.UserID)
	assert.Equal(t, models.StatusInactive, resp.Instance.Status)
	require.NotNil(t, resp.Server)
	assert.Equal(t, "srv-a", resp.Server.ID)
}

func TestCreateInstanceUnplacedWhenFleetEmpty(t *testing.T) {
	f := newAPIFixture(t)
	f.db.PutUser("u1", &models.Plan{Name: "pro"})

	rec := f.do(t, http.MethodPost, "/api/instances", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp createInstanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Instance.ServerID)
	assert.Nil(t, resp.Server)
}

func TestCreateInstanceQuotaDenied(t *testing.T) {
	f := newAPIFixture(t)
	f.db.PutUser("u1", &models.Plan{Name: "trial"})
	f.registerServer(t, "srv-a", 10)

	// The trial plan allows one connected tunnel; seed it.
	require.NoError(t, f.db.CreateInstance(context.Background(), &models.Instance{
		ID: "existing", UserID: "u1", TunnelConnected: true, Status: models.StatusOnline,
	}))

	rec := f.do(t, http.MethodPost, "/api/instances", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "QUOTA_EXCEEDED")
}

func TestCreateInstanceRejectsMissingUser(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/instances", map[string]any{"region": "eu"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.db.CreateInstance(context.Background(), &models.Instance{
		ID: "i1", UserID: "u1", Status: models.StatusInactive,
	}))

	// The relay reports the tunnel up; the instance goes active.
	rec := f.do(t, http.MethodPost, "/api/instances/i1/tunnel/connected", map[string]any{
		"publicUrl":  "https://i1.tunnels.example.com",
		"remotePort": 32001,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A healthy heartbeat moves it online.
	rec = f.do(t, http.MethodPost, "/api/instances/i1/heartbeat", map[string]any{
		"vscode_responsive": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/instances/i1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inst models.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, models.StatusOnline, inst.Status)
	assert.Equal(t, "https://i1.tunnels.example.com", inst.PublicURL)

	// Disconnect pushes it offline.
	rec = f.do(t, http.MethodPost, "/api/instances/i1/tunnel/disconnected", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/instances/i1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []models.StatusHistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 3)
	assert.Equal(t, models.StatusActive, history[0].Status)
	assert.Equal(t, models.StatusOnline, history[1].Status)
	assert.Equal(t, models.StatusOffline, history[2].Status)
}

func TestHeartbeatUnknownInstance(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/instances/ghost/heartbeat", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeartbeatRejectsUnknownFields(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.db.CreateInstance(context.Background(), &models.Instance{
		ID: "i1", UserID: "u1", Status: models.StatusInactive,
	}))

	rec := f.do(t, http.MethodPost, "/api/instances/i1/heartbeat", map[string]any{
		"vscode_respnsive": true, // typo
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBestServerEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/servers/best", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_SERVER_AVAILABLE")

	f.registerServer(t, "srv-a", 10)
	f.registerServer(t, "srv-b", 10)

	rec = f.do(t, http.MethodPost, "/api/servers/srv-a/load", map[string]any{
		"current_tunnels": 9,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/servers/best", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var best models.RelayServer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &best))
	assert.Equal(t, "srv-b", best.ID)
}

func TestServerLoadUnknownServer(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/servers/ghost/load", map[string]any{
		"current_tunnels": 1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "SERVER_NOT_FOUND")
}

func TestUserQuotaEndpointDenialShape(t *testing.T) {
	f := newAPIFixture(t)
	f.db.PutUser("u1", &models.Plan{Name: "trial"})
	require.NoError(t, f.db.CreateInstance(context.Background(), &models.Instance{
		ID: "i1", UserID: "u1", TunnelConnected: true, Status: models.StatusOnline,
	}))

	rec := f.do(t, http.MethodGet, "/api/users/u1/quota", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var quota models.QuotaResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quota))
	assert.False(t, quota.Allowed)
	assert.Equal(t, 1, quota.ActiveTunnels)
	assert.Equal(t, 1, quota.MaxTunnels)
}

func TestUserQuotaUnknownUser(t *testing.T) {
	f := newAPIFixture(t)

	// Unknown users get a denial shape rather than an error, so relay-side
	// callers can treat every quota response uniformly.
	rec := f.do(t, http.MethodGet, "/api/users/ghost/quota", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var quota models.QuotaResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quota))
	assert.False(t, quota.Allowed)
	assert.Contains(t, quota.Reason, "not found")
}

func TestSystemCapacityEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.registerServer(t, "srv-a", 10)

	rec := f.do(t, http.MethodGet, "/api/capacity", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot models.SystemCapacity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.True(t, snapshot.HasCapacity)
	assert.Equal(t, 10, snapshot.TotalCapacity)
	assert.Equal(t, 8, snapshot.AvailableSlots)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "database")
	assert.Contains(t, rec.Body.String(), "state_store")
}

func TestRateLimitedHeartbeat(t *testing.T) {
	f := newAPIFixtureWithLimiter(t, config.ThrottlingConfig{HeartbeatsPerSecond: 0.001, HeartbeatBurst: 1})
	require.NoError(t, f.db.CreateInstance(context.Background(), &models.Instance{
		ID: "i1", UserID: "u1", Status: models.StatusInactive, TunnelConnected: true,
	}))

	rec := f.do(t, http.MethodPost, "/api/instances/i1/heartbeat", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/instances/i1/heartbeat", map[string]any{})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
