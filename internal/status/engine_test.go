package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/fleet/internal/alerts"
	"github.com/tunnelmesh/fleet/internal/config"
	"github.com/tunnelmesh/fleet/internal/constants"
	"github.com/tunnelmesh/fleet/internal/instances"
	"github.com/tunnelmesh/fleet/internal/models"
	"github.com/tunnelmesh/fleet/internal/statestore"
	"github.com/tunnelmesh/fleet/internal/workers"
)

type captureSink struct {
	mu     sync.Mutex
	events []models.StatusChange
}

func (c *captureSink) Publish(evt models.StatusChange) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *captureSink) all() []models.StatusChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.StatusChange, len(c.events))
	copy(out, c.events)
	return out
}

type captureNotifier struct {
	mu    sync.Mutex
	fired []alerts.Alert
}

func (c *captureNotifier) Notify(a alerts.Alert) {
	c.mu.Lock()
	c.fired = append(c.fired, a)
	c.mu.Unlock()
}

func (c *captureNotifier) all() []alerts.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]alerts.Alert, len(c.fired))
	copy(out, c.fired)
	return out
}

type engineFixture struct {
	engine   *Engine
	db       *instances.MemoryStore
	store    *statestore.Memory
	sink     *captureSink
	notifier *captureNotifier
	pool     *workers.Pool
	clock    *time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	tick := func() time.Time { return *clock }

	db := instances.NewMemoryStore()
	store := statestore.NewMemory()
	store.SetClock(tick)
	sink := &captureSink{}
	notifier := &captureNotifier{}

	alertMgr := alerts.NewManager(notifier, 5*time.Minute)
	alertMgr.SetClock(tick)

	pool := workers.NewPool(1, 64)

	cfg := config.StatusConfig{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    5 * time.Second,
		IdleTimeout:      30 * time.Minute,
		AlertCooldown:    5 * time.Minute,
		HistoryLimit:     100,
	}
	engine := NewEngine(store, db, sink, alertMgr, pool, cfg, "/test/v1")
	engine.now = tick

	t.Cleanup(pool.Stop)
	return &engineFixture{engine: engine, db: db, store: store, sink: sink, notifier: notifier, pool: pool, clock: clock}
}

func (f *engineFixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *engineFixture) seedInstance(t *testing.T, inst models.Instance) {
	t.Helper()
	require.NoError(t, f.db.CreateInstance(context.Background(), &inst))
}

func TestProcessHeartbeatRecovery(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedInstance(t, models.Instance{
		ID:              "i1",
		UserID:          "u1",
		Status:          models.StatusOffline,
		TunnelConnected: true,
	})

	healthy := &models.Heartbeat{VSCodeResponsive: boolPtr(true)}
	require.NoError(t, f.engine.ProcessHeartbeat(ctx, "i1", healthy))
	f.pool.Wait()

	// Exactly one transition: offline -> online.
	inst, err := f.db.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, inst.Status)

	history, err := f.db.GetStatusHistory(ctx, "i1", 100)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusOnline, history[0].Status)

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "i1", events[0].InstanceID)
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, models.StatusOnline, events[0].Status)

	fired := f.notifier.all()
	require.Len(t, fired, 1)
	assert.Equal(t, alerts.TemplateRecovered, fired[0].Template)

	// Three more healthy heartbeats over the next four minutes change
	// nothing: no history, no events, no duplicate recovered alert.
	for i := 0; i < 3; i++ {
		f.advance(80 * time.Second)
		require.NoError(t, f.engine.ProcessHeartbeat(ctx, "i1", &models.Heartbeat{}))
		f.pool.Wait()
	}

	history, err = f.db.GetStatusHistory(ctx, "i1", 100)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, f.sink.all(), 1)
	assert.Len(t, f.notifier.all(), 1)
}

func TestProcessHeartbeatStaleYieldsOffline(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedInstance(t, models.Instance{
		ID:              "i1",
		UserID:          "u1",
		Status:          models.StatusOnline,
		TunnelConnected: true,
	})

	// A heartbeat whose own timestamp is already 40s old.
	stale := &models.Heartbeat{LastSeen: f.clock.Add(-40 * time.Second)}
	require.NoError(t, f.engine.ProcessHeartbeat(ctx, "i1", stale))
	f.pool.Wait()

	inst, err := f.db.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, inst.Status)
	assert.Equal(t, constants.ReasonHeartbeatTimeout, inst.StatusReason)
}

func TestProcessHeartbeatUnknownInstance(t *testing.T) {
	f := newEngineFixture(t)
	err := f.engine.ProcessHeartbeat(context.Background(), "ghost", &models.Heartbeat{})
	assert.Error(t, err)
}

func TestProcessHeartbeatMergesPartialUpdates(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedInstance(t, models.Instance{
		ID:              "i1",
		UserID:          "u1",
		Status:          models.StatusOnline,
		TunnelConnected: true,
	})

	// First heartbeat reports an unresponsive embedded service.
	require.NoError(t, f.engine.ProcessHeartbeat(ctx, "i1", &models.Heartbeat{
		HasCodeServer:    boolPtr(true),
		VSCodeResponsive: boolPtr(false),
	}))
	f.pool.Wait()

	inst, err := f.db.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, inst.Status)

	// A later heartbeat with no responsiveness field keeps the degraded
	// signal: absence is "no update", never "recovered".
	f.advance(10 * time.Second)
	require.NoError(t, f.engine.ProcessHeartbeat(ctx, "i1", &models.Heartbeat{}))
	f.pool.Wait()

	inst, err = f.db.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, inst.Status)

	// Until the service reports responsive again.
	f.advance(10 * time.Second)
	require.NoError(t, f.engine.ProcessHeartbeat(ctx, "i1", &models.Heartbeat{
		VSCodeResponsive: boolPtr(true),
	}))
	f.pool.Wait()

	inst, err = f.db.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, inst.Status)
}

func TestTunnelConnectedPush(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedInstance(t, models.Instance{ID: "i1", UserID: "u1", Status: models.StatusInactive})

	require.NoError(t, f.engine.HandleTunnelConnected(ctx, "i1", "https://i1.tunnels.example.com", 32100))
	f.pool.Wait()

	inst, err := f.db.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, inst.Status)
	assert.Equal(t, constants.ReasonTunnelConnected, inst.StatusReason)
	assert.True(t, inst.TunnelConnected)
	assert.Equal(t, "https://i1.tunnels.example.com", inst.PublicURL)
	assert.Equal(t, 32100, inst.RemotePort)
}

func TestTunnelDisconnectedPush(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedInstance(t, models.Instance{
		ID:              "i1",
		UserID:          "u1",
		Status:          models.StatusOnline,
		TunnelConnected: true,
	})

	require.NoError(t, f.engine.HandleTunnelDisconnected(ctx, "i1"))
	f.pool.Wait()

	inst, err := f.db.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, inst.Status)
	assert.Equal(t, constants.ReasonTunnelDisconnected, inst.StatusReason)
	assert.False(t, inst.TunnelConnected)

	fired := f.notifier.all()
	require.Len(t, fired, 1)
	assert.Equal(t, alerts.TemplateOffline, fired[0].Template)
}

func TestSweepDetectsSilentDeath(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedInstance(t, models.Instance{
		ID:              "i1",
		UserID:          "u1",
		Status:          models.StatusInactive,
		TunnelConnected: true,
	})

	require.NoError(t, f.engine.ProcessHeartbeat(ctx, "i1", &models.Heartbeat{}))
	f.pool.Wait()

	inst, err := f.db.GetInstance(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, models.StatusOnline, inst.Status)

	// The client dies silently. The sweep re-evaluates from the recorded
	// heartbeat and flips the instance offline.
	f.advance(40 * time.Second)
	f.engine.sweepOnce(ctx)
	f.pool.Wait()

	inst, err = f.db.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, inst.Status)
	assert.Equal(t, constants.ReasonHeartbeatTimeout, inst.StatusReason)
}

func TestSweepDropsOrphanedHeartbeats(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Heartbeat recorded for an instance that no longer exists.
	key := statestore.HeartbeatKey("/test/v1", "ghost")
	require.NoError(t, f.store.Put(ctx, key, []byte(`{"instance_id":"ghost"}`), 0))

	f.engine.sweepOnce(ctx)

	_, ok, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "orphaned heartbeat should be deleted")
}

func TestHistoryBounded(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.cfg.HistoryLimit = 5
	ctx := context.Background()

	f.seedInstance(t, models.Instance{
		ID:              "i1",
		UserID:          "u1",
		Status:          models.StatusOnline,
		TunnelConnected: true,
	})

	// Alternate connected/disconnected to force transitions.
	for i := 0; i < 10; i++ {
		f.advance(time.Second)
		if i%2 == 0 {
			require.NoError(t, f.engine.HandleTunnelDisconnected(ctx, "i1"))
		} else {
			require.NoError(t, f.engine.HandleTunnelConnected(ctx, "i1", "", 0))
		}
	}
	f.pool.Wait()

	history, err := f.db.GetStatusHistory(ctx, "i1", 100)
	require.NoError(t, err)
	assert.Len(t, history, 5)
}
