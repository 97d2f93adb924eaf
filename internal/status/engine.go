package status

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/alerts"
	"github.com/tunnelmesh/fleet/internal/config"
	"github.com/tunnelmesh/fleet/internal/constants"
	"github.com/tunnelmesh/fleet/internal/domain"
	apperrors "github.com/tunnelmesh/fleet/internal/errors"
	"github.com/tunnelmesh/fleet/internal/logger"
	"github.com/tunnelmesh/fleet/internal/metrics"
	"github.com/tunnelmesh/fleet/internal/models"
	"github.com/tunnelmesh/fleet/internal/statestore"
	"github.com/tunnelmesh/fleet/internal/workers"
)

// Engine consumes heartbeats and relay push events, computes the
// authoritative status per instance, and drives side effects on change:
// history append, durable status write, event emit, alert fire.
//
// The read-evaluate-write sequence is not atomic across concurrent signals
// for the same instance; consumers treat status as last-write-wins state, so
// an occasional duplicate event is tolerated.
type Engine struct {
	store     statestore.StateStore
	db        domain.InstanceStore
	events    domain.EventSink
	alerts    *alerts.Manager
	pool      *workers.Pool
	cfg       config.StatusConfig
	namespace string
	log       *zap.Logger

	now func() time.Time
}

func NewEngine(store statestore.StateStore, db domain.InstanceStore, events domain.EventSink,
	alertMgr *alerts.Manager, pool *workers.Pool, cfg config.StatusConfig, namespace string) *Engine {
	return &Engine{
		store:     store,
		db:        db,
		events:    events,
		alerts:    alertMgr,
		pool:      pool,
		cfg:       cfg,
		namespace: namespace,
		log:       logger.New("status"),
		now:       time.Now,
	}
}

// ProcessHeartbeat records a heartbeat for instanceID and re-evaluates its
// status. Fields absent from the update keep their previously recorded
// values.
func (e *Engine) ProcessHeartbeat(ctx context.Context, instanceID string, update *models.Heartbeat) error {
	inst, err := e.db.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			return apperrors.InstanceNotFoundError(instanceID)
		}
		return apperrors.DatabaseError("get instance", err)
	}

	now := e.now()
	update.InstanceID = instanceID
	if update.LastSeen.IsZero() {
		update.LastSeen = now
	}

	hb := e.loadHeartbeat(ctx, instanceID)
	if hb == nil {
		hb = &models.Heartbeat{InstanceID: instanceID}
	}
	hb.Merge(update)

	if err := e.storeHeartbeat(ctx, hb); err != nil {
		// Evaluation can still proceed on the merged in-memory record.
		e.log.Warn("Heartbeat write to state store failed",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
	metrics.HeartbeatsProcessed.Inc()

	result := DetermineStatus(Signals{
		TunnelConnected: inst.TunnelConnected,
		StoredStatus:    inst.Status,
		Heartbeat:       hb,
		Now:             now,
	}, e.cfg.HeartbeatTimeout, e.cfg.IdleTimeout)

	return e.applyStatus(ctx, inst, result, now)
}

// HandleTunnelConnected records the relay's connected push: the tunnel flag
// flips on and the instance goes active immediately, without waiting for a
// heartbeat.
func (e *Engine) HandleTunnelConnected(ctx context.Context, instanceID, publicURL string, remotePort int) error {
	if err := e.db.SetTunnelConnected(ctx, instanceID, true, publicURL, remotePort); err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			return apperrors.InstanceNotFoundError(instanceID)
		}
		return apperrors.DatabaseError("set tunnel connected", err)
	}

	inst, err := e.db.GetInstance(ctx, instanceID)
	if err != nil {
		return apperrors.DatabaseError("get instance", err)
	}
	return e.applyStatus(ctx, inst, Result{models.StatusActive, constants.ReasonTunnelConnected}, e.now())
}

// HandleTunnelDisconnected records the relay's disconnected push.
func (e *Engine) HandleTunnelDisconnected(ctx context.Context, instanceID string) error {
	if err := e.db.SetTunnelConnected(ctx, instanceID, false, "", 0); err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			return apperrors.InstanceNotFoundError(instanceID)
		}
		return apperrors.DatabaseError("set tunnel disconnected", err)
	}

	inst, err := e.db.GetInstance(ctx, instanceID)
	if err != nil {
		return apperrors.DatabaseError("get instance", err)
	}
	return e.applyStatus(ctx, inst, Result{models.StatusOffline, constants.ReasonTunnelDisconnected}, e.now())
}

// Evaluate re-runs status determination for instanceID using the current
// stored signals. Used by the sweep; produces no new heartbeat.
func (e *Engine) Evaluate(ctx context.Context, instanceID string) error {
	inst, err := e.db.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			// Heartbeat outlived its instance; drop the orphan.
			_ = e.store.Delete(ctx, statestore.HeartbeatKey(e.namespace, instanceID))
			return nil
		}
		return err
	}

	now := e.now()
	result := DetermineStatus(Signals{
		TunnelConnected: inst.TunnelConnected,
		StoredStatus:    inst.Status,
		Heartbeat:       e.loadHeartbeat(ctx, instanceID),
		Now:             now,
	}, e.cfg.HeartbeatTimeout, e.cfg.IdleTimeout)

	return e.applyStatus(ctx, inst, result, now)
}

// applyStatus persists and fans out a computed status when it differs from
// the stored one. Same-status evaluations are silent.
func (e *Engine) applyStatus(ctx context.Context, inst *models.Instance, result Result, now time.Time) error {
	if inst.Status == result.Status {
		return nil
	}

	entry := models.StatusHistoryEntry{
		Status:    result.Status,
		Reason:    result.Reason,
		Timestamp: now,
	}
	if err := e.db.AppendStatusHistory(ctx, inst.ID, entry, e.cfg.HistoryLimit); err != nil {
		e.log.Error("History append failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}
	if err := e.db.UpdateInstanceStatus(ctx, inst.ID, result.Status, result.Reason); err != nil {
		return apperrors.DatabaseError("update instance status", err)
	}

	metrics.StatusTransitions.WithLabelValues(string(result.Status)).Inc()
	e.log.Info("Instance status changed",
		zap.String("instance_id", inst.ID),
		zap.String("from", string(inst.Status)),
		zap.String("to", string(result.Status)),
		zap.String("reason", result.Reason))

	e.events.Publish(models.StatusChange{
		InstanceID: inst.ID,
		UserID:     inst.UserID,
		Status:     result.Status,
		Reason:     result.Reason,
		Timestamp:  now,
	})

	from, to, id, reason := inst.Status, result.Status, inst.ID, result.Reason
	e.pool.Submit(func() {
		e.alerts.FireForTransition(id, from, to, reason)
	})
	return nil
}

// Start runs the periodic sweep until ctx is cancelled. The sweep walks only
// instances with a recorded heartbeat, so its cost tracks the active set, not
// the full instance table.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.log.Info("Status sweep started",
		zap.Duration("interval", e.cfg.SweepInterval),
		zap.Duration("heartbeat_timeout", e.cfg.HeartbeatTimeout))

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Status sweep stopped")
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	started := e.now()
	prefix := statestore.HeartbeatsPrefix(e.namespace)

	keys, err := e.store.ListKeys(ctx, prefix)
	if err != nil {
		e.log.Warn("Sweep key listing failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		id := statestore.IDFromKey(key, prefix)
		if err := e.Evaluate(ctx, id); err != nil {
			e.log.Warn("Sweep evaluation failed",
				zap.String("instance_id", id), zap.Error(err))
		}
	}
	metrics.SweepDuration.Observe(e.now().Sub(started).Seconds())
}

func (e *Engine) loadHeartbeat(ctx context.Context, instanceID string) *models.Heartbeat {
	val, ok, err := e.store.Get(ctx, statestore.HeartbeatKey(e.namespace, instanceID))
	if err != nil {
		e.log.Warn("Heartbeat read failed", zap.String("instance_id", instanceID), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var hb models.Heartbeat
	if err := json.Unmarshal(val, &hb); err != nil {
		e.log.Warn("Undecodable heartbeat record", zap.String("instance_id", instanceID), zap.Error(err))
		return nil
	}
	return &hb
}

func (e *Engine) storeHeartbeat(ctx context.Context, hb *models.Heartbeat) error {
	val, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	// Heartbeats never expire on their own; staleness is computed against
	// LastSeen at evaluation time.
	return e.store.Put(ctx, statestore.HeartbeatKey(e.namespace, hb.InstanceID), val, 0)
}
