package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tunnelmesh/fleet/internal/domain"
	apperrors "github.com/tunnelmesh/fleet/internal/errors"
	"github.com/tunnelmesh/fleet/internal/fleet"
	"github.com/tunnelmesh/fleet/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.ValidationError("body", "malformed JSON: "+err.Error())
	}
	return nil
}

/* ------------------------------------------------------------------ *
|  Instances                                                          |
* -------------------------------------------------------------------*/

type createInstanceRequest struct {
	ID     string `json:"id,omitempty"`
	UserID string `json:"user_id"`
	Region string `json:"region,omitempty"`
}

type createInstanceResponse struct {
	Instance models.Instance     `json:"instance"`
	Server   *models.RelayServer `json:"server,omitempty"`
}

// handleCreateInstance provisions a new instance behind the admission guard:
// system capacity, then the user's plan quota, then placement on the least
// loaded relay server.
func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) error {
	var req createInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.UserID == "" {
		return apperrors.ValidationError("user_id", "required")
	}

	if err := s.capacity.RequireCapacity(r.Context(), req.UserID); err != nil {
		return err
	}

	inst := &models.Instance{
		ID:     req.ID,
		UserID: req.UserID,
		Region: req.Region,
		Status: models.StatusInactive,
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}

	var assigned *models.RelayServer
	best, err := s.registry.GetBestServer(r.Context())
	switch {
	case err == nil:
		inst.ServerID = best.ID
		assigned = best
	case errors.Is(err, fleet.ErrNoServerAvailable):
		// Admission already passed; the instance is created unplaced and the
		// relay assignment happens when a server comes back.
	default:
		return apperrors.StateStoreError("get best server", err)
	}

	if err := s.db.CreateInstance(r.Context(), inst); err != nil {
		return apperrors.DatabaseError("create instance", err)
	}
	return writeJSON(w, http.StatusCreated, createInstanceResponse{Instance: *inst, Server: assigned})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	inst, err := s.db.GetInstance(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			return apperrors.InstanceNotFoundError(id)
		}
		return apperrors.DatabaseError("get instance", err)
	}
	return writeJSON(w, http.StatusOK, inst)
}

// heartbeatRequest is the wire shape of a heartbeat. All fields are optional;
// last_activity is epoch seconds.
type heartbeatRequest struct {
	VSCodeResponsive *bool    `json:"vscode_responsive,omitempty"`
	LastActivity     *int64   `json:"last_activity,omitempty"`
	CPUUsage         *float64 `json:"cpu_usage,omitempty"`
	MemoryUsage      *float64 `json:"memory_usage,omitempty"`
	HasCodeServer    *bool    `json:"has_code_server,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if !s.limiter.Allow(id) {
		return apperrors.RateLimitedError(id)
	}

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	hb := &models.Heartbeat{
		VSCodeResponsive: req.VSCodeResponsive,
		CPUUsage:         req.CPUUsage,
		MemoryUsage:      req.MemoryUsage,
		HasCodeServer:    req.HasCodeServer,
	}
	if req.LastActivity != nil {
		t := time.Unix(*req.LastActivity, 0)
		hb.LastActivity = &t
	}

	if err := s.engine.ProcessHeartbeat(r.Context(), id, hb); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tunnelConnectedRequest struct {
	RemotePort int    `json:"remotePort,omitempty"`
	PublicURL  string `json:"publicUrl,omitempty"`
}

func (s *Server) handleTunnelConnected(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	var req tunnelConnectedRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			return err
		}
	}
	if err := s.engine.HandleTunnelConnected(r.Context(), id, req.PublicURL, req.RemotePort); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTunnelDisconnected(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if err := s.engine.HandleTunnelDisconnected(r.Context(), id); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	history, err := s.db.GetStatusHistory(r.Context(), id, 100)
	if err != nil {
		return apperrors.DatabaseError("get status history", err)
	}
	return writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleGetUptime(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	m, err := s.engine.GetUptimeMetrics(r.Context(), id)
	if err != nil {
		return apperrors.DatabaseError("get uptime metrics", err)
	}
	return writeJSON(w, http.StatusOK, m)
}

/* ------------------------------------------------------------------ *
|  Fleet registry                                                     |
* -------------------------------------------------------------------*/

type registerServerRequest struct {
	ID                   string  `json:"id,omitempty"`
	Host                 string  `json:"host"`
	Port                 int     `json:"port,omitempty"`
	Location             string  `json:"location,omitempty"`
	MaxBandwidthMbps     float64 `json:"maxBandwidthMbps,omitempty"`
	MaxConcurrentTunnels int     `json:"maxConcurrentTunnels,omitempty"`
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) error {
	var req registerServerRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Host == "" {
		return apperrors.ValidationError("host", "required")
	}

	srv, err := s.registry.RegisterServer(r.Context(), &models.RelayServer{
		ID:                   req.ID,
		Host:                 req.Host,
		Port:                 req.Port,
		Location:             req.Location,
		MaxBandwidthMbps:     req.MaxBandwidthMbps,
		MaxConcurrentTunnels: req.MaxConcurrentTunnels,
	})
	if err != nil {
		return apperrors.StateStoreError("register server", err)
	}
	return writeJSON(w, http.StatusOK, srv)
}

type serverLoadRequest struct {
	CurrentTunnels       int     `json:"current_tunnels"`
	CurrentBandwidthMbps float64 `json:"current_bandwidth_mbps"`
}

func (s *Server) handleServerLoad(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	var req serverLoadRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	err := s.registry.UpdateServerLoad(r.Context(), id, req.CurrentTunnels, req.CurrentBandwidthMbps)
	if err != nil {
		if errors.Is(err, fleet.ErrServerNotFound) {
			return apperrors.New(apperrors.ErrorTypeNotFound, "SERVER_NOT_FOUND",
				"relay server not registered or liveness expired; re-register")
		}
		return apperrors.StateStoreError("update server load", err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleServerUnhealthy(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if err := s.registry.MarkUnhealthy(r.Context(), id); err != nil {
		if errors.Is(err, fleet.ErrServerNotFound) {
			return apperrors.New(apperrors.ErrorTypeNotFound, "SERVER_NOT_FOUND",
				"relay server not registered")
		}
		return apperrors.StateStoreError("mark server unhealthy", err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBestServer(w http.ResponseWriter, r *http.Request) error {
	best, err := s.registry.GetBestServer(r.Context())
	if err != nil {
		if errors.Is(err, fleet.ErrNoServerAvailable) {
			return apperrors.New(apperrors.ErrorTypeCapacity, "NO_SERVER_AVAILABLE",
				"no relay server available")
		}
		return apperrors.StateStoreError("get best server", err)
	}
	return writeJSON(w, http.StatusOK, best)
}

func (s *Server) handleFleetStats(w http.ResponseWriter, r *http.Request) error {
	stats, err := s.registry.GetFleetStats(r.Context())
	if err != nil {
		return apperrors.StateStoreError("get fleet stats", err)
	}
	return writeJSON(w, http.StatusOK, stats)
}

/* ------------------------------------------------------------------ *
|  Capacity                                                           |
* -------------------------------------------------------------------*/

func (s *Server) handleSystemCapacity(w http.ResponseWriter, r *http.Request) error {
	snapshot, err := s.capacity.CheckSystemCapacity(r.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCapacityStats(w http.ResponseWriter, r *http.Request) error {
	stats, err := s.capacity.GetCapacityStats(r.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUserQuota(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	quota, err := s.capacity.CheckUserQuota(r.Context(), id)
	if err != nil {
		if quota != nil {
			// Denials still return the quota shape with allowed=false.
			return writeJSON(w, http.StatusOK, quota)
		}
		return err
	}
	return writeJSON(w, http.StatusOK, quota)
}
