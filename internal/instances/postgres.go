// Package instances implements the durable store for instances, their status
// history, users/plans, and relay server registration records.
package instances

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/willf/bloom"
	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/constants"
	"github.com/tunnelmesh/fleet/internal/domain"
	"github.com/tunnelmesh/fleet/internal/logger"
	"github.com/tunnelmesh/fleet/internal/metrics"
	"github.com/tunnelmesh/fleet/internal/models"
)

// Store is the Postgres-backed implementation of domain.InstanceStore.
//
// A bloom filter of known instance ids fronts the read path: heartbeats for
// ids the filter has never seen are rejected without a database round trip.
// False positives just fall through to the query.
type Store struct {
	Pool *pgxpool.Pool

	bloomMu sync.RWMutex
	bloom   *bloom.BloomFilter

	log *zap.Logger
}

var _ domain.InstanceStore = (*Store)(nil)

// poolForLoad builds pool configuration sized from the expected instance
// count.
func poolForLoad(dbURI string, maxInstances int) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, fmt.Errorf("parse database URI: %w", err)
	}

	var maxConns, minConns int32
	var scaleType string
	switch {
	case maxInstances <= 200:
		maxConns, minConns = constants.DBPoolSmallMaxConns, constants.DBPoolSmallMinConns
		scaleType = "small"
	case maxInstances <= 2000:
		maxConns, minConns = constants.DBPoolMediumMaxConns, constants.DBPoolMediumMinConns
		scaleType = "medium"
	default:
		maxConns, minConns = constants.DBPoolLargeMaxConns, constants.DBPoolLargeMinConns
		scaleType = "large"
	}

	config.MaxConns = maxConns
	config.MinConns = minConns
	config.MaxConnLifetime = constants.DBConnMaxLifetime
	config.MaxConnIdleTime = constants.DBConnMaxIdleTime
	config.ConnConfig.ConnectTimeout = constants.DBConnAcquireTimeout
	config.HealthCheckPeriod = 30 * time.Second

	logger.Info("Database connection pool configured",
		zap.String("scale_type", scaleType),
		zap.Int("max_instances", maxInstances),
		zap.Int32("db_max_conns", maxConns),
		zap.Int32("db_min_conns", minConns))

	return config, nil
}

// InitStore connects with retries, bootstraps the schema, and rebuilds the
// bloom filter from the instance table.
func InitStore(ctx context.Context, dbURI string, maxInstances int) (*Store, error) {
	var pool *pgxpool.Pool
	var err error
	backoff := 2 * time.Second
	attempts := 0

	for i := 0; i < 5; i++ {
		attempts++
		var cfg *pgxpool.Config
		cfg, err = poolForLoad(dbURI, maxInstances)
		if err != nil {
			return nil, err
		}
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
			pool = nil
		}

		logger.Warn("Failed to connect to DB, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff))
		metrics.DBErrors.WithLabelValues("connect_failed").Inc()
		time.Sleep(backoff)
		backoff *= 2
	}
	if pool == nil {
		return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", attempts, err)
	}

	s := &Store{
		Pool:  pool,
		bloom: bloom.NewWithEstimates(constants.BloomEstimatedInstances, constants.BloomFalsePositiveRate),
		log:   logger.New("instances"),
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	if err := s.RebuildBloomFilter(ctx); err != nil {
		logger.Warn("Bloom filter rebuild failed, continuing without pre-check", zap.Error(err))
	}

	logger.Info("DB connected",
		zap.Int("attempts", attempts),
		zap.Int32("db_max_connections", pool.Stat().MaxConns()))
	metrics.DBOperations.WithLabelValues("connect_success").Inc()
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.Pool == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.Pool.Ping(pingCtx)
}

// RebuildBloomFilter reloads all instance ids from the database into the
// bloom filter.
func (s *Store) RebuildBloomFilter(ctx context.Context) error {
	rows, err := s.Pool.Query(ctx, `SELECT id FROM instances`)
	if err != nil {
		metrics.DBErrors.WithLabelValues("bloom_rebuild_failed").Inc()
		return fmt.Errorf("fetch instance ids: %w", err)
	}
	defer rows.Close()

	fresh := bloom.NewWithEstimates(constants.BloomEstimatedInstances, constants.BloomFalsePositiveRate)
	count := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			s.log.Warn("Row scan failed during bloom rebuild", zap.Error(err))
			continue
		}
		fresh.AddString(id)
		count++
	}
	if err := rows.Err(); err != nil {
		metrics.DBErrors.WithLabelValues("bloom_rebuild_failed").Inc()
		return fmt.Errorf("scan instance ids: %w", err)
	}

	s.bloomMu.Lock()
	s.bloom = fresh
	s.bloomMu.Unlock()

	s.log.Info("Bloom filter rebuilt", zap.Int("instances", count))
	return nil
}

// mightExist consults the bloom filter. False means definitely unknown.
func (s *Store) mightExist(id string) bool {
	s.bloomMu.RLock()
	defer s.bloomMu.RUnlock()
	return s.bloom.TestString(id)
}

func (s *Store) rememberInstance(id string) {
	s.bloomMu.Lock()
	s.bloom.AddString(id)
	s.bloomMu.Unlock()
}

/* ------------------------------------------------------------------ *
|  Instances                                                          |
* -------------------------------------------------------------------*/

func (s *Store) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	if !s.mightExist(id) {
		return nil, domain.ErrInstanceNotFound
	}

	var inst models.Instance
	err := s.Pool.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(server_id, ''), COALESCE(region, ''),
		       status, COALESCE(status_reason, ''), tunnel_connected,
		       COALESCE(public_url, ''), COALESCE(remote_port, 0), updated_at
		FROM instances WHERE id = $1`, id).Scan(
		&inst.ID, &inst.UserID, &inst.ServerID, &inst.Region,
		&inst.Status, &inst.StatusReason, &inst.TunnelConnected,
		&inst.PublicURL, &inst.RemotePort, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		metrics.DBErrors.WithLabelValues("query_failed").Inc()
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return &inst, nil
}

func (s *Store) CreateInstance(ctx context.Context, inst *models.Instance) error {
	if inst.Status == "" {
		inst.Status = models.StatusInactive
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO instances (id, user_id, server_id, region, status, status_reason,
		                       tunnel_connected, public_url, remote_port, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		inst.ID, inst.UserID, inst.ServerID, inst.Region, inst.Status, inst.StatusReason,
		inst.TunnelConnected, inst.PublicURL, inst.RemotePort)
	if err != nil {
		metrics.DBErrors.WithLabelValues("insert_failed").Inc()
		return fmt.Errorf("create instance %s: %w", inst.ID, err)
	}
	s.rememberInstance(inst.ID)
	metrics.DBOperations.WithLabelValues("instance_created").Inc()
	return nil
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, id string, status models.InstanceStatus, reason string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE instances SET status = $2, status_reason = $3, updated_at = now()
		WHERE id = $1`, id, status, reason)
	if err != nil {
		metrics.DBErrors.WithLabelValues("update_failed").Inc()
		return fmt.Errorf("update instance %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInstanceNotFound
	}
	return nil
}

func (s *Store) SetTunnelConnected(ctx context.Context, id string, connected bool, publicURL string, remotePort int) error {
	var tag pgconn.CommandTag
	var err error
	if connected {
		tag, err = s.Pool.Exec(ctx, `
			UPDATE instances SET tunnel_connected = true,
			       public_url = CASE WHEN $2 <> '' THEN $2 ELSE public_url END,
			       remote_port = CASE WHEN $3 > 0 THEN $3 ELSE remote_port END,
			       updated_at = now()
			WHERE id = $1`, id, publicURL, remotePort)
	} else {
		tag, err = s.Pool.Exec(ctx, `
			UPDATE instances SET tunnel_connected = false, updated_at = now()
			WHERE id = $1`, id)
	}
	if err != nil {
		metrics.DBErrors.WithLabelValues("update_failed").Inc()
		return fmt.Errorf("set tunnel_connected for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInstanceNotFound
	}
	return nil
}

/* ------------------------------------------------------------------ *
|  Status history                                                     |
* -------------------------------------------------------------------*/

func (s *Store) AppendStatusHistory(ctx context.Context, id string, entry models.StatusHistoryEntry, maxEntries int) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO instance_status_history (instance_id, status, reason, created_at)
		VALUES ($1, $2, $3, $4)`,
		id, entry.Status, entry.Reason, entry.Timestamp)
	// Prune beyond the bound, oldest first.
	batch.Queue(`
		DELETE FROM instance_status_history
		WHERE instance_id = $1 AND id NOT IN (
			SELECT id FROM instance_status_history
			WHERE instance_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		)`, id, maxEntries)

	br := s.Pool.SendBatch(ctx, batch)
	if err := br.Close(); err != nil {
		metrics.DBErrors.WithLabelValues("history_append_failed").Inc()
		return fmt.Errorf("append status history for %s: %w", id, err)
	}
	metrics.DBOperations.WithLabelValues("history_appended").Inc()
	return nil
}

func (s *Store) GetStatusHistory(ctx context.Context, id string, limit int) ([]models.StatusHistoryEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT status, reason, created_at
		FROM instance_status_history
		WHERE instance_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, id, limit)
	if err != nil {
		metrics.DBErrors.WithLabelValues("query_failed").Inc()
		return nil, fmt.Errorf("get status history for %s: %w", id, err)
	}
	defer rows.Close()

	var out []models.StatusHistoryEntry
	for rows.Next() {
		var e models.StatusHistoryEntry
		if err := rows.Scan(&e.Status, &e.Reason, &e.Timestamp); err != nil {
			s.log.Warn("Row scan failed", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

/* ------------------------------------------------------------------ *
|  Counts & users                                                     |
* -------------------------------------------------------------------*/

func (s *Store) CountConnectedTunnels(ctx context.Context) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM instances WHERE tunnel_connected`).Scan(&n)
	if err != nil {
		metrics.DBErrors.WithLabelValues("query_failed").Inc()
		return 0, fmt.Errorf("count connected tunnels: %w", err)
	}
	return n, nil
}

func (s *Store) CountConnectedTunnelsForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM instances WHERE tunnel_connected AND user_id = $1`, userID).Scan(&n)
	if err != nil {
		metrics.DBErrors.WithLabelValues("query_failed").Inc()
		return 0, fmt.Errorf("count connected tunnels for user %s: %w", userID, err)
	}
	return n, nil
}

func (s *Store) GetUserPlan(ctx context.Context, userID string) (*models.Plan, error) {
	var plan models.Plan
	err := s.Pool.QueryRow(ctx, `
		SELECT plan, plan_expires_at FROM users WHERE id = $1`, userID).
		Scan(&plan.Name, &plan.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		metrics.DBErrors.WithLabelValues("query_failed").Inc()
		return nil, fmt.Errorf("get plan for user %s: %w", userID, err)
	}
	return &plan, nil
}

/* ------------------------------------------------------------------ *
|  Relay servers (durable records)                                    |
* -------------------------------------------------------------------*/

func (s *Store) UpsertServer(ctx context.Context, srv *models.RelayServer) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO relay_servers (id, host, port, location, max_concurrent_tunnels,
		                           max_bandwidth_mbps, status, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			location = EXCLUDED.location,
			max_concurrent_tunnels = EXCLUDED.max_concurrent_tunnels,
			max_bandwidth_mbps = EXCLUDED.max_bandwidth_mbps,
			status = EXCLUDED.status`,
		srv.ID, srv.Host, srv.Port, srv.Location, srv.MaxConcurrentTunnels,
		srv.MaxBandwidthMbps, srv.Status, srv.RegisteredAt)
	if err != nil {
		metrics.DBErrors.WithLabelValues("upsert_failed").Inc()
		return fmt.Errorf("upsert server %s: %w", srv.ID, err)
	}
	metrics.DBOperations.WithLabelValues("server_upserted").Inc()
	return nil
}

func (s *Store) UpdateServerStatus(ctx context.Context, serverID, status string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE relay_servers SET status = $2 WHERE id = $1`, serverID, status)
	if err != nil {
		metrics.DBErrors.WithLabelValues("update_failed").Inc()
		return fmt.Errorf("update server %s status: %w", serverID, err)
	}
	return nil
}
