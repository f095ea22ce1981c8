package admin

import (
	"net/http"

	"github.com/kestrelhq/ollamux/internal/httpserver"
	"github.com/kestrelhq/ollamux/internal/registry"
)

type configResponse struct {
	Strategy  string  `json:"strategy"`
	Weight    float64 `json:"weight"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

func toConfigResponse(c registry.ProxyConfig) configResponse {
	resp := configResponse{Strategy: c.Strategy, Weight: c.Weight}
	if !c.UpdatedAt.IsZero() {
		resp.UpdatedAt = c.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

// handleGetConfig handles GET /admin/config.
func (a *Admin) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.registry.GetConfig(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading config")
		return
	}
	httpserver.Respond(w, http.StatusOK, toConfigResponse(cfg))
}

type configUpdateRequest struct {
	Strategy string  `json:"strategy"`
	Weight   float64 `json:"weight"`
}

// handlePutConfig handles PUT/PATCH /admin/config: updates the single
// ProxyConfig row, validating the strategy name and weight (spec §4.8).
func (a *Admin) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req configUpdateRequest
	if err := httpserver.DecodeJSON(w, r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if req.Strategy != registry.StrategyLeastActive && req.Strategy != registry.StrategyLowestLatency {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "strategy must be least_active or lowest_latency")
		return
	}
	if req.Weight <= 0 {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "weight must be positive")
		return
	}

	cfg, err := a.registry.UpdateConfig(r.Context(), req.Strategy, req.Weight)
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "updating config")
		return
	}
	httpserver.Respond(w, http.StatusOK, toConfigResponse(cfg))
}
