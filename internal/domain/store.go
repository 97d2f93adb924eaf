package domain

import (
	"context"
	"errors"

	"github.com/tunnelmesh/fleet/internal/models"
)

// Sentinel errors returned by InstanceStore implementations. Callers branch
// on these with errors.Is; everything else is a dependency failure.
var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrUserNotFound     = errors.New("user not found")
)

// InstanceStore is the narrow interface the control plane uses to read and
// write durable state. The production implementation is backed by Postgres;
// an in-memory implementation exists for single-process deployments and
// tests.
type InstanceStore interface {
	// Instances
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	CreateInstance(ctx context.Context, inst *models.Instance) error
	UpdateInstanceStatus(ctx context.Context, id string, status models.InstanceStatus, reason string) error
	SetTunnelConnected(ctx context.Context, id string, connected bool, publicURL string, remotePort int) error

	// Status history, bounded per instance: appends prune to maxEntries.
	AppendStatusHistory(ctx context.Context, id string, entry models.StatusHistoryEntry, maxEntries int) error
	GetStatusHistory(ctx context.Context, id string, limit int) ([]models.StatusHistoryEntry, error)

	// Tunnel counts used for capacity/quota checks.
	CountConnectedTunnels(ctx context.Context) (int, error)
	CountConnectedTunnelsForUser(ctx context.Context, userID string) (int, error)

	// User/plan lookup. Returns ErrUserNotFound for missing users.
	GetUserPlan(ctx context.Context, userID string) (*models.Plan, error)

	// Relay server durable records (registration and explicit status changes
	// only; live load stays in the shared state store).
	UpsertServer(ctx context.Context, srv *models.RelayServer) error
	UpdateServerStatus(ctx context.Context, serverID, status string) error

	Ping(ctx context.Context) error
}

// EventSink receives status-change events for fan-out to subscribers. The
// status engine publishes; the dispatcher delivers per-user and per-instance.
type EventSink interface {
	Publish(evt models.StatusChange)
}
