package instances

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tunnelmesh/fleet/internal/domain"
	"github.com/tunnelmesh/fleet/internal/models"
)

// MemoryStore is an in-memory implementation of domain.InstanceStore for
// single-process deployments and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*models.Instance
	history   map[string][]models.StatusHistoryEntry
	users     map[string]*models.Plan
	servers   map[string]*models.RelayServer
}

var _ domain.InstanceStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*models.Instance),
		history:   make(map[string][]models.StatusHistoryEntry),
		users:     make(map[string]*models.Plan),
		servers:   make(map[string]*models.RelayServer),
	}
}

// PutUser seeds a user's plan record.
func (m *MemoryStore) PutUser(userID string, plan *models.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = plan
}

func (m *MemoryStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *MemoryStore) CreateInstance(ctx context.Context, inst *models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	if cp.Status == "" {
		cp.Status = models.StatusInactive
	}
	cp.UpdatedAt = time.Now()
	m.instances[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateInstanceStatus(ctx context.Context, id string, status models.InstanceStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	inst.Status = status
	inst.StatusReason = reason
	inst.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetTunnelConnected(ctx context.Context, id string, connected bool, publicURL string, remotePort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	inst.TunnelConnected = connected
	if connected {
		if publicURL != "" {
			inst.PublicURL = publicURL
		}
		if remotePort > 0 {
			inst.RemotePort = remotePort
		}
	}
	inst.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendStatusHistory(ctx context.Context, id string, entry models.StatusHistoryEntry, maxEntries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[id], entry)
	if maxEntries > 0 && len(h) > maxEntries {
		h = h[len(h)-maxEntries:]
	}
	m.history[id] = h
	return nil
}

func (m *MemoryStore) GetStatusHistory(ctx context.Context, id string, limit int) ([]models.StatusHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history[id]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	out := make([]models.StatusHistoryEntry, len(h))
	copy(out, h)
	return out, nil
}

func (m *MemoryStore) CountConnectedTunnels(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, inst := range m.instances {
		if inst.TunnelConnected {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountConnectedTunnelsForUser(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, inst := range m.instances {
		if inst.TunnelConnected && inst.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetUserPlan(ctx context.Context, userID string) (*models.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *plan
	return &cp, nil
}

func (m *MemoryStore) UpsertServer(ctx context.Context, srv *models.RelayServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *srv
	m.servers[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateServerStatus(ctx context.Context, serverID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[serverID]; ok {
		srv.Status = status
	}
	return nil
}

// Servers returns durable server records sorted by id, for inspection.
func (m *MemoryStore) Servers() []*models.RelayServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RelayServer, 0, len(m.servers))
	for _, srv := range m.servers {
		cp := *srv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
