package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/kestrelhq/ollamux/internal/httpserver"
	"github.com/kestrelhq/ollamux/internal/state"
)

type stateResponse struct {
	Active    []string            `json:"active"`
	Standby   []string            `json:"standby"`
	Latencies map[string]float64  `json:"latencies"`
	Counters  map[string]int64    `json:"counters"`
	Models    map[string][]string `json:"models"`
	IDMap     map[string]string   `json:"id_map"`
}

// handleState handles GET /admin/state: a full diagnostics dump. If the
// active pool is empty and the registry has nodes, it triggers a
// synchronous refresh first so a cold start reports a plausible partition
// instead of an empty one (spec §4.8).
func (a *Admin) handleState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	active, err := a.pool.Active(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading active pool")
		return
	}

	if len(active) == 0 {
		nodes, listErr := a.registry.ListAll(ctx)
		if listErr != nil {
			httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading registry")
			return
		}
		if len(nodes) > 0 {
			if refreshErr := a.synchronousRefresh(ctx); refreshErr != nil {
				a.logger.Warn("admin: synchronous refresh before state dump failed", "error", refreshErr)
			}
			refreshed, activeErr := a.pool.Active(ctx)
			if activeErr != nil {
				httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading active pool")
				return
			}
			active = refreshed
		}
	}

	standby, err := a.pool.Standby(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading standby pool")
		return
	}
	idMap, err := a.pool.IDMap(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "reading id map")
		return
	}

	resp := stateResponse{
		Active:    active,
		Standby:   standby,
		Latencies: make(map[string]float64),
		Counters:  make(map[string]int64),
		Models:    make(map[string][]string),
		IDMap:     idMap,
	}

	for _, addr := range append(append([]string{}, active...), standby...) {
		latency, err := a.pool.Latency(ctx, addr)
		if err == nil {
			resp.Latencies[addr] = latency
		}
		models, err := a.pool.Models(ctx, addr)
		if err == nil {
			resp.Models[addr] = models
		}
		resp.Counters[addr] = a.readCounter(ctx, addr)
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (a *Admin) readCounter(ctx context.Context, addr string) int64 {
	v, ok, err := a.state.Get(ctx, state.ActiveCountKey(addr))
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
