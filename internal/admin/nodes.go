package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelhq/ollamux/internal/httpserver"
	"github.com/kestrelhq/ollamux/internal/leader"
	"github.com/kestrelhq/ollamux/internal/pool"
	"github.com/kestrelhq/ollamux/internal/registry"
)

type nodeResponse struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Address         string   `json:"address"`
	Active          bool     `json:"active"`
	AvailableModels []string `json:"available_models"`
}

func toNodeResponse(n registry.Node) nodeResponse {
	return nodeResponse{
		ID:              n.ID,
		Name:            n.Name,
		Host:            n.Host,
		Port:            n.Port,
		Address:         n.Address(),
		Active:          n.Active,
		AvailableModels: n.AvailableModels,
	}
}

func (a *Admin) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.registry.ListAll(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading registry")
		return
	}
	out := make([]nodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toNodeResponse(n))
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"nodes": out})
}

func (a *Admin) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	node, err := a.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "node_not_found", "no such node")
			return
		}
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading node")
		return
	}
	httpserver.Respond(w, http.StatusOK, toNodeResponse(node))
}

type createNodeRequest struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Active *bool  `json:"active,omitempty"`
}

// handleCreateNode handles POST /admin/nodes: synchronously preflight-probes
// the new address, derives active from the probe unless the client pinned
// it explicitly, then asks the leader to reload promptly (spec §4.8).
func (a *Admin) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := httpserver.DecodeJSON(w, r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	// A host that already carries ":port" needs no separate port (see
	// registry.NormalizeAddress).
	hostPart := req.Host
	if i := strings.Index(hostPart, "://"); i >= 0 {
		hostPart = hostPart[i+3:]
	}
	portInHost := strings.Contains(hostPart, ":")
	if req.Name == "" || req.Host == "" || (req.Port == 0 && !portInHost) {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "name, host, and port are required")
		return
	}

	ctx := r.Context()
	active := req.Active
	if active == nil {
		addr := registry.NormalizeAddress(req.Host, req.Port)
		result := a.prober.Probe(ctx, addr)
		active = &result.OK
	}

	node, err := a.registry.Create(ctx, registry.CreateParams{
		Name:   req.Name,
		Host:   req.Host,
		Port:   req.Port,
		Active: active,
	})
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "creating node")
		return
	}

	a.requestRefresh(ctx)
	httpserver.Respond(w, http.StatusOK, toNodeResponse(node))
}

type updateNodeRequest struct {
	Name   *string `json:"name,omitempty"`
	Host   *string `json:"host,omitempty"`
	Port   *int    `json:"port,omitempty"`
	Active *bool   `json:"active,omitempty"`
}

// handleUpdateNode handles PUT/PATCH /admin/nodes/{id}: if host or port
// changes, re-probes the new address before committing (spec §4.8).
func (a *Admin) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var req updateNodeRequest
	if err := httpserver.DecodeJSON(w, r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx := r.Context()
	existing, err := a.registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "node_not_found", "no such node")
			return
		}
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading node")
		return
	}

	addressChanged := (req.Host != nil && *req.Host != existing.Host) || (req.Port != nil && *req.Port != existing.Port)
	active := req.Active
	if addressChanged && active == nil {
		host := existing.Host
		if req.Host != nil {
			host = *req.Host
		}
		port := existing.Port
		if req.Port != nil {
			port = *req.Port
		}
		result := a.prober.Probe(ctx, registry.NormalizeAddress(host, port))
		active = &result.OK
	}

	node, err := a.registry.Update(ctx, id, registry.UpdateParams{
		Name:   req.Name,
		Host:   req.Host,
		Port:   req.Port,
		Active: active,
	})
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "updating node")
		return
	}

	a.requestRefresh(ctx)
	httpserver.Respond(w, http.StatusOK, toNodeResponse(node))
}

func (a *Admin) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ctx := r.Context()
	if err := a.registry.Delete(ctx, id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "node_not_found", "no such node")
			return
		}
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "deleting node")
		return
	}
	a.requestRefresh(ctx)
	w.WriteHeader(http.StatusNoContent)
}

func nodeIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (a *Admin) requestRefresh(ctx context.Context) {
	if err := leader.RequestRefresh(ctx, a.state, a.refreshTTL); err != nil {
		a.logger.Warn("admin: publishing refresh request failed", "error", err)
	}
}

// synchronousRefresh reloads the pools immediately if this process is the
// leader; otherwise it nudges the real leader and polls briefly for the
// active pool to reflect the registry, since only the leader may write
// pools (spec §5 single-writer policy).
func (a *Admin) synchronousRefresh(ctx context.Context) error {
	err := a.pool.RefreshFromRegistry(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pool.ErrNotLeader) {
		return err
	}

	if rerr := leader.RequestRefresh(ctx, a.state, a.refreshTTL); rerr != nil {
		return rerr
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		active, aerr := a.pool.Active(ctx)
		if aerr == nil && len(active) > 0 {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
