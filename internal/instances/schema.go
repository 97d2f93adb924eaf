package instances

import (
	"context"
	"fmt"
)

// ensureSchema creates the tables and indexes the store relies on. All
// statements are idempotent so startup can run them unconditionally.
func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id              TEXT PRIMARY KEY,
			plan            TEXT NOT NULL DEFAULT 'trial',
			plan_expires_at TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			server_id        TEXT,
			region           TEXT,
			status           TEXT NOT NULL DEFAULT 'inactive',
			status_reason    TEXT,
			tunnel_connected BOOLEAN NOT NULL DEFAULT false,
			public_url       TEXT,
			remote_port      INTEGER,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_user
			ON instances (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_connected
			ON instances (tunnel_connected) WHERE tunnel_connected`,
		`CREATE TABLE IF NOT EXISTS instance_status_history (
			id          BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			status      TEXT NOT NULL,
			reason      TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status_history_instance
			ON instance_status_history (instance_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS relay_servers (
			id                     TEXT PRIMARY KEY,
			host                   TEXT NOT NULL,
			port                   INTEGER NOT NULL,
			location               TEXT,
			max_concurrent_tunnels INTEGER NOT NULL,
			max_bandwidth_mbps     INTEGER NOT NULL,
			status                 TEXT NOT NULL DEFAULT 'active',
			registered_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
